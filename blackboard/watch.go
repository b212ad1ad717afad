package blackboard

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Action is the kind of artifact mutation an event reports.
type Action string

const (
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// Event is one artifact change notification. Delivery is at-least-once;
// consumers must tolerate duplicates.
type Event struct {
	Key       string
	Action    Action
	Timestamp time.Time
	// Type carries the artifact type for writes; empty for deletes.
	Type ArtifactType
}

// eventWire is the published payload shape. Timestamps travel as unix
// seconds with fractional precision.
type eventWire struct {
	Key       string     `json:"key"`
	Action    string     `json:"action"`
	Timestamp float64    `json:"timestamp"`
	Data      *eventData `json:"data,omitempty"`
}

type eventData struct {
	Type string `json:"type"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	w := eventWire{
		Key:       e.Key,
		Action:    string(e.Action),
		Timestamp: unixSeconds(e.Timestamp),
	}
	if e.Type != "" {
		w.Data = &eventData{Type: string(e.Type)}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Key = w.Key
	e.Action = Action(w.Action)
	e.Timestamp = timeFromUnixSeconds(w.Timestamp)
	if w.Data != nil {
		e.Type = ArtifactType(w.Data.Type)
	}
	return nil
}

func formatUnixSeconds(t time.Time) string {
	return strconv.FormatFloat(unixSeconds(t), 'f', -1, 64)
}

func parseUnixSeconds(s string) time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	return timeFromUnixSeconds(f)
}

// Watch subscribes to artifact change events matching the glob pattern and
// returns channels for events and errors. Each watch owns a dedicated store
// subscription, so a slow consumer only stalls itself. The returned cancel
// function releases the subscription and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := bb.Watch(ctx, "task:*")
//	defer cancel()
//	for evt := range events {
//	    // react to evt
//	}
func (b *Blackboard) Watch(ctx context.Context, pattern string) (<-chan Event, <-chan error, context.CancelFunc, error) {
	if pattern == "" {
		pattern = "*"
	}
	sub, err := b.store.Subscribe(ctx, eventsChannel)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan Event, b.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(events)
		defer close(errs)
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal(msg.Payload, &evt); err != nil {
					// A malformed payload is reported but does not end
					// the watch: the channel is shared and later
					// producers may be well-formed.
					select {
					case errs <- err:
					default:
					}
					continue
				}
				if !matchPattern(pattern, evt.Key) {
					continue
				}
				select {
				case events <- evt:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()
	cancelFunc := func() {
		cancel()
		_ = sub.Close()
	}
	return events, errs, cancelFunc, nil
}

// matchPattern applies watch glob semantics: "*" alone matches everything,
// a pattern containing "*" matches by the prefix before the first "*", and
// anything else requires exact equality.
func matchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return strings.HasPrefix(key, pattern[:i])
	}
	return pattern == key
}

package blackboard

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactType classifies blackboard artifacts. The set is closed; Write
// rejects unknown types.
type ArtifactType string

const (
	TypePlan       ArtifactType = "plan"
	TypeCode       ArtifactType = "code"
	TypeTestResult ArtifactType = "test_result"
	TypeReview     ArtifactType = "review"
	TypeError      ArtifactType = "error"
	TypeContext    ArtifactType = "context"
	TypeMetadata   ArtifactType = "metadata"
	TypeDecision   ArtifactType = "decision"
)

// Valid reports whether t is one of the known artifact types.
func (t ArtifactType) Valid() bool {
	switch t {
	case TypePlan, TypeCode, TypeTestResult, TypeReview, TypeError,
		TypeContext, TypeMetadata, TypeDecision:
		return true
	}
	return false
}

// Artifact is a typed, versioned document stored by key.
type Artifact struct {
	// Key is the blackboard key the artifact was read from.
	Key string
	// Type classifies the payload.
	Type ArtifactType
	// Data is the payload document.
	Data json.RawMessage
	// Timestamp is when the artifact was written.
	Timestamp time.Time
	// Version is a monotonic counter for optimistic concurrency. Starts
	// at 1.
	Version int
	// Producer optionally identifies the writing agent.
	Producer string
}

// Decode unmarshals the artifact payload into v.
func (a *Artifact) Decode(v any) error {
	return json.Unmarshal(a.Data, v)
}

// envelope is the wire format of a stored artifact. Timestamps travel as
// unix seconds with fractional precision.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	Version   int             `json:"version"`
	Producer  string          `json:"producer,omitempty"`
}

func encodeEnvelope(typ ArtifactType, data json.RawMessage, producer string, now time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		Type:      string(typ),
		Data:      data,
		Timestamp: unixSeconds(now),
		Version:   1,
		Producer:  producer,
	})
}

func decodeEnvelope(key string, raw []byte) (*Artifact, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &CorruptArtifactError{Key: key, Err: err}
	}
	return &Artifact{
		Key:       key,
		Type:      ArtifactType(env.Type),
		Data:      env.Data,
		Timestamp: timeFromUnixSeconds(env.Timestamp),
		Version:   env.Version,
		Producer:  env.Producer,
	}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

// SerializationError reports a payload that could not be encoded.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize artifact %q: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// CorruptArtifactError reports stored bytes that could not be decoded.
type CorruptArtifactError struct {
	Key string
	Err error
}

func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("corrupt artifact %q: %v", e.Key, e.Err)
}

func (e *CorruptArtifactError) Unwrap() error { return e.Err }

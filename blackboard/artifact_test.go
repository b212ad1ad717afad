package blackboard

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEnvelopeWireFormat(t *testing.T) {
	now := time.Now()
	raw, err := encodeEnvelope(TypePlan, json.RawMessage(`{"title":"x"}`), "planner", now)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if wire["type"] != "plan" {
		t.Errorf("expected type %q, got %v", "plan", wire["type"])
	}
	if wire["version"] != float64(1) {
		t.Errorf("expected version 1, got %v", wire["version"])
	}
	if wire["producer"] != "planner" {
		t.Errorf("expected producer, got %v", wire["producer"])
	}
	// Timestamps travel as fractional unix seconds.
	ts, ok := wire["timestamp"].(float64)
	if !ok {
		t.Fatalf("expected numeric timestamp, got %T", wire["timestamp"])
	}
	if diff := ts - unixSeconds(now); diff > 0.001 || diff < -0.001 {
		t.Errorf("timestamp drifted by %f seconds", diff)
	}

	art, err := decodeEnvelope("k", raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if art.Key != "k" || art.Type != TypePlan || art.Producer != "planner" {
		t.Errorf("unexpected artifact: %+v", art)
	}
	if d := art.Timestamp.Sub(now); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("timestamp round trip drifted by %v", d)
	}
}

func TestDecodeEnvelopeCorrupt(t *testing.T) {
	_, err := decodeEnvelope("k", []byte("not json"))
	var corrupt *CorruptArtifactError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptArtifactError, got %T: %v", err, err)
	}
	if corrupt.Key != "k" {
		t.Errorf("expected key %q, got %q", "k", corrupt.Key)
	}
}

func TestEventWireFormat(t *testing.T) {
	now := time.Now()
	raw, err := json.Marshal(Event{Key: "task:1", Action: ActionWrite, Timestamp: now, Type: TypeCode})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("event is not valid JSON: %v", err)
	}
	if wire["key"] != "task:1" || wire["action"] != "write" {
		t.Errorf("unexpected wire shape: %v", wire)
	}
	data, ok := wire["data"].(map[string]any)
	if !ok || data["type"] != "code" {
		t.Errorf("expected nested type, got %v", wire["data"])
	}

	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if evt.Key != "task:1" || evt.Action != ActionWrite || evt.Type != TypeCode {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestDeleteEventOmitsData(t *testing.T) {
	raw, err := json.Marshal(Event{Key: "k", Action: ActionDelete, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, present := wire["data"]; present {
		t.Error("delete events must omit the data object")
	}
}

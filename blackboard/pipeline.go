package blackboard

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"goa.design/cortex/retry"
)

// PipelineStateTTL is how long pipeline state survives after its last
// update.
const PipelineStateTTL = 24 * time.Hour

// PipelineState tracks where a pipeline run currently stands.
type PipelineState struct {
	RunID     string
	Step      int
	Status    string
	UpdatedAt time.Time
	// Data carries optional structured context for the current step.
	Data json.RawMessage
}

// SetPipelineState records the current step and status for a run. State is
// retained for 24 hours after the last update.
func (b *Blackboard) SetPipelineState(ctx context.Context, runID string, step int, status string, data any) error {
	fields := map[string]string{
		"step":       strconv.Itoa(step),
		"status":     status,
		"updated_at": formatUnixSeconds(time.Now()),
	}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return &SerializationError{Key: runID, Err: err}
		}
		fields["data"] = string(encoded)
	}
	return retry.Do(ctx, b.retry, "set pipeline state", func(ctx context.Context) error {
		return b.store.HashSet(ctx, pipelinePrefix+runID, fields, PipelineStateTTL)
	})
}

// GetPipelineState returns the state of a run, or (nil, nil) when no state
// is recorded.
func (b *Blackboard) GetPipelineState(ctx context.Context, runID string) (*PipelineState, error) {
	var fields map[string]string
	err := retry.Do(ctx, b.retry, "get pipeline state", func(ctx context.Context) error {
		var err error
		fields, err = b.store.HashGetAll(ctx, pipelinePrefix+runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	step, _ := strconv.Atoi(fields["step"])
	state := &PipelineState{
		RunID:     runID,
		Step:      step,
		Status:    fields["status"],
		UpdatedAt: parseUnixSeconds(fields["updated_at"]),
	}
	if d, ok := fields["data"]; ok && d != "" {
		state.Data = json.RawMessage(d)
	}
	return state, nil
}

// ClearPipelineState removes the state of a run. Reports whether state was
// present.
func (b *Blackboard) ClearPipelineState(ctx context.Context, runID string) (bool, error) {
	var cleared bool
	err := retry.Do(ctx, b.retry, "clear pipeline state", func(ctx context.Context) error {
		var err error
		cleared, err = b.store.Del(ctx, pipelinePrefix+runID)
		return err
	})
	return cleared, err
}

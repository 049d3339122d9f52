// Package events implements the live update bus: typed event payloads, a
// per-session multi-consumer fan-out with bounded subscriber queues, and a
// publisher that persists events before broadcasting them.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds carried on the bus. Wire names are stable across minor
// versions.
const (
	KindStageStarted      = "stage-started"
	KindStageProgress     = "stage-progress"
	KindStageCompleted    = "stage-completed"
	KindPreviewAvailable  = "preview-available"
	KindAwaitingFeedback  = "awaiting-feedback"
	KindFeedbackAccepted  = "feedback-accepted"
	KindStageFailed       = "stage-failed"
	KindPipelineCompleted = "pipeline-completed"
	KindPipelineCancelled = "pipeline-cancelled"

	// KindSnapshot is a subscription-scoped control message delivered once
	// to each new subscriber before live events, carrying the current stage
	// and last preview. It is never persisted.
	KindSnapshot = "snapshot"
)

// Event is the envelope for every bus message. Sequence is monotonic per
// session; Stage is nil for session-level events.
type Event struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	Stage     *int   `json:"stage,omitempty"`
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
	Payload   any    `json:"payload,omitempty"`
}

// Marshal renders the event as its wire JSON.
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Kind, err)
	}
	return data, nil
}

// stagePtr returns a pointer for the envelope's nullable stage field.
func stagePtr(stage int) *int { return &stage }

// now returns the envelope timestamp format used on the wire.
func now() string { return time.Now().Format(time.RFC3339Nano) }

package models

import "time"

// FeedbackEnvelope carries one user intervention for a HITL rendezvous.
// An envelope applies to at most one stage transition; reuse is an error.
type FeedbackEnvelope struct {
	SessionID  string       `json:"session_id"`
	Stage      int          `json:"stage"`
	Sequence   int64        `json:"sequence"`
	Type       FeedbackType `json:"feedback_type"`
	Content    string       `json:"content,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// ModificationDescriptor is the structured form of a feedback envelope,
// appended to the next stage's input. Interpretation is stage-specific.
type ModificationDescriptor struct {
	Type      string  `json:"type"`      // pacing, style, character, dialogue, free-text
	Target    string  `json:"target"`    // what to modify (stage name, character name, ...)
	Direction string  `json:"direction"` // increase, decrease, replace
	Intensity float64 `json:"intensity"` // [0,1]
	Addition  string  `json:"addition,omitempty"`
}

// PreviewPayload is a rendering-ready projection of a StageResult at a given
// quality level. Derived and cacheable; keyed by (stage, quality, output
// fingerprint).
type PreviewPayload struct {
	SessionID   string       `json:"session_id"`
	Stage       int          `json:"stage"`
	Quality     QualityLevel `json:"quality"`
	Fingerprint string       `json:"fingerprint"`
	Summary     string       `json:"summary"`
	Rendered    any          `json:"rendered,omitempty"`
	GeneratedAt time.Time    `json:"generated_at"`
}

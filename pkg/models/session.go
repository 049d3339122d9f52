package models

import "time"

// SubmissionOptions are the user-tunable knobs accepted at submission.
type SubmissionOptions struct {
	Quality      QualityLevel  `json:"quality"`
	HITLEnabled  bool          `json:"hitl_enabled"`
	HITLTimeout  time.Duration `json:"hitl_timeout,omitempty"`  // 0 → configured default
	StageBudgets []time.Duration `json:"stage_budgets,omitempty"` // len 7 when set; overrides config
}

// Session is the per-submission unit of work. It is created by the scheduler
// on admission and mutated only by the scheduler's session goroutine
// (single-writer); everyone else consumes copies via Clone.
type Session struct {
	ID           string            `json:"session_id"`
	OwnerID      string            `json:"owner_id"`
	ClientToken  string            `json:"client_token,omitempty"`
	Submission   string            `json:"submission"`
	Options      SubmissionOptions `json:"options"`
	Status       SessionStatus     `json:"status"`
	CurrentStage int               `json:"current_stage"` // 0 before stage 1 starts
	Attempts     [StageCount + 1]int `json:"attempts"`    // per-stage attempt counters, 1-based
	VersionHead  string            `json:"version_head,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Degraded     []int             `json:"degraded_stages,omitempty"` // stages completed via fallback
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	CompletedAt  time.Time         `json:"completed_at,omitzero"`
}

// Clone returns a copy safe to hand to readers outside the scheduler.
func (s *Session) Clone() *Session {
	c := *s
	if s.Degraded != nil {
		c.Degraded = append([]int(nil), s.Degraded...)
	}
	if s.Options.StageBudgets != nil {
		c.Options.StageBudgets = append([]time.Duration(nil), s.Options.StageBudgets...)
	}
	return &c
}

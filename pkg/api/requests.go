package api

// CreateStoryRequest is the submission payload for POST /api/v1/stories.
type CreateStoryRequest struct {
	Story       string `json:"story" binding:"required"`
	ClientToken string `json:"client_token"`

	// Quality selects preview/image fidelity; defaults to medium.
	Quality string `json:"quality"`

	// HITLEnabled opens feedback rendezvous after the configured stages.
	HITLEnabled bool `json:"hitl_enabled"`

	// HITLTimeoutMS overrides the configured feedback window.
	HITLTimeoutMS int64 `json:"hitl_timeout_ms"`

	// StageBudgetsMS overrides per-stage budgets; must cover all stages
	// when set.
	StageBudgetsMS []int64 `json:"stage_budgets_ms"`
}

// FeedbackRequest is the payload for POST /api/v1/sessions/:id/feedback.
type FeedbackRequest struct {
	Stage    int    `json:"stage" binding:"required"`
	Type     string `json:"feedback_type" binding:"required"`
	Content  string `json:"content"`
	Sequence int64  `json:"sequence"`
}

// OverrideRequest is the payload for POST /api/v1/sessions/:id/override.
type OverrideRequest struct {
	Stage int    `json:"stage" binding:"required"`
	Actor string `json:"actor"`
}

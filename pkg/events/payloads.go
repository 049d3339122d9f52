package events

import "github.com/comicgen/comicd/pkg/models"

// StageStartedPayload is the payload for stage-started events.
type StageStartedPayload struct {
	StageName string `json:"stage_name"`
	Attempt   int    `json:"attempt"`
}

// StageProgressPayload is the payload for stage-progress events.
// Percent is monotonic in [0,100] within a stage attempt.
type StageProgressPayload struct {
	Percent int    `json:"percent"`
	Detail  string `json:"detail,omitempty"`
}

// StageCompletedPayload is the payload for stage-completed events. VersionID
// references the version log checkpoint, which is always persisted before
// this event is published.
type StageCompletedPayload struct {
	StageName    string  `json:"stage_name"`
	VersionID    string  `json:"version_id"`
	QualityScore float64 `json:"quality_score"`
	Fallback     bool    `json:"fallback,omitempty"`
	ElapsedMS    int64   `json:"elapsed_ms"`
}

// PreviewAvailablePayload is the payload for preview-available events.
type PreviewAvailablePayload struct {
	Preview *models.PreviewPayload `json:"preview"`
}

// AwaitingFeedbackPayload is the payload for awaiting-feedback events.
type AwaitingFeedbackPayload struct {
	Deadline     string   `json:"deadline"` // RFC3339Nano
	QuickOptions []string `json:"quick_options,omitempty"`
}

// FeedbackAcceptedPayload is the payload for feedback-accepted events.
// Synthetic envelopes (timeout, skip) surface here with their synthetic type
// so subscribers always learn why the transition occurred.
type FeedbackAcceptedPayload struct {
	FeedbackType models.FeedbackType `json:"feedback_type"`
	NextStage    int                 `json:"next_stage"`
}

// StageFailedPayload is the payload for stage-failed events.
type StageFailedPayload struct {
	ErrorKind models.ErrorKind `json:"error_kind"`
	Message   string           `json:"message"`
	Attempt   int              `json:"attempt"`
	WillRetry bool             `json:"will_retry"`
}

// PipelineCompletedPayload is the payload for pipeline-completed events.
type PipelineCompletedPayload struct {
	ArtifactPointer string  `json:"artifact_pointer"`
	OverallQuality  float64 `json:"overall_quality"`
	DegradedStages  []int   `json:"degraded_stages,omitempty"`
	DurationMS      int64   `json:"duration_ms"`
}

// PipelineCancelledPayload is the payload for pipeline-cancelled events.
type PipelineCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SnapshotPayload is the payload for the snapshot control message sent to
// late subscribers: current position plus the last preview, so a client can
// render state without replaying history.
type SnapshotPayload struct {
	Status       models.SessionStatus `json:"status"`
	CurrentStage int                  `json:"current_stage"`
	LastPreview  *Event               `json:"last_preview,omitempty"`
}

// Package models defines the data types shared across the pipeline engine:
// sessions, stage results, versions, feedback envelopes, image tasks, and the
// error taxonomy. Types here are plain data — behavior lives in the packages
// that own each concern.
package models

import "fmt"

// SessionStatus is the lifecycle state of a generation session.
type SessionStatus string

// Session lifecycle states.
const (
	SessionQueued           SessionStatus = "queued"
	SessionRunning          SessionStatus = "running"
	SessionAwaitingFeedback SessionStatus = "awaiting_feedback"
	SessionCompleted        SessionStatus = "completed"
	SessionFailed           SessionStatus = "failed"
	SessionCancelled        SessionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// QualityLevel selects the rendering fidelity for previews and images.
type QualityLevel string

// Quality levels, lowest to highest.
const (
	QualityUltraLow  QualityLevel = "ultra-low"
	QualityLow       QualityLevel = "low"
	QualityMedium    QualityLevel = "medium"
	QualityHigh      QualityLevel = "high"
	QualityUltraHigh QualityLevel = "ultra-high"
)

// QualityLevels lists all valid levels in ascending order.
var QualityLevels = []QualityLevel{
	QualityUltraLow, QualityLow, QualityMedium, QualityHigh, QualityUltraHigh,
}

// Valid reports whether q is a known quality level.
func (q QualityLevel) Valid() bool {
	for _, l := range QualityLevels {
		if q == l {
			return true
		}
	}
	return false
}

// StageCount is the number of observable pipeline stages. The bus never
// carries a stage index outside [1, StageCount].
const StageCount = 7

// Stage names, indexed 1-based. Index 0 is unused.
var stageNames = [StageCount + 1]string{
	"", "concept", "characters", "plot", "storyboard", "scene-images", "dialogue", "final-assembly",
}

// StageName returns the canonical name for a 1-based stage index.
func StageName(stage int) string {
	if stage < 1 || stage > StageCount {
		return fmt.Sprintf("stage-%d", stage)
	}
	return stageNames[stage]
}

// FeedbackType classifies a feedback envelope.
type FeedbackType string

// Feedback envelope types. DefaultAccepted and UserSkipped are synthesized by
// the HITL coordinator so the version log always records why a transition
// occurred.
const (
	FeedbackNaturalLanguage FeedbackType = "natural-language"
	FeedbackQuickOption     FeedbackType = "quick-option"
	FeedbackSkip            FeedbackType = "skip"
	FeedbackDefaultAccepted FeedbackType = "default-accepted"
	FeedbackUserSkipped     FeedbackType = "user-skipped"
)

// Valid reports whether t may appear in an externally submitted envelope.
func (t FeedbackType) Valid() bool {
	switch t {
	case FeedbackNaturalLanguage, FeedbackQuickOption, FeedbackSkip:
		return true
	}
	return false
}

// VersionAuthor records what produced a version log entry.
type VersionAuthor string

// Version authors.
const (
	AuthorSystem          VersionAuthor = "system"
	AuthorFeedbackApplied VersionAuthor = "user-feedback-applied"
	AuthorAdminOverride   VersionAuthor = "admin-override"
)

// GateOutcome is the quality gate's decision for a stage attempt.
type GateOutcome string

// Quality gate outcomes.
const (
	GatePass     GateOutcome = "pass"
	GateRetry    GateOutcome = "retry"
	GateFallback GateOutcome = "fallback"
)

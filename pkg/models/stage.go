package models

import (
	"encoding/json"
	"time"
)

// StageResult is the immutable outcome of one stage attempt. The output
// payload is opaque to the scheduler; its shape depends on the stage (see the
// typed output structs below).
type StageResult struct {
	SessionID        string          `json:"session_id"`
	Stage            int             `json:"stage"`
	Attempt          int             `json:"attempt"`
	InputFingerprint string          `json:"input_fingerprint"`
	Output           json.RawMessage `json:"output"`
	QualityScore     float64         `json:"quality_score"`
	Categories       map[string]float64 `json:"categories,omitempty"`
	Fallback         bool            `json:"fallback,omitempty"`
	ElapsedMS        int64           `json:"elapsed_ms"`
	Errors           []string        `json:"errors,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Elapsed returns the attempt's wall-clock duration.
func (r *StageResult) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMS) * time.Millisecond
}

// ───────────────────────────────────────────────
// Stage output shapes (§6 shape contract)
// ───────────────────────────────────────────────

// ConceptOutput is the stage 1 payload.
type ConceptOutput struct {
	Theme          string   `json:"theme"`
	Genres         []string `json:"genres"`
	WorldSetting   string   `json:"world_setting"`
	TargetAudience string   `json:"target_audience"`
	EstimatedPages int      `json:"estimated_pages"`
}

// Character is one cast member in the stage 2 payload.
type Character struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Appearance  string `json:"appearance"`
	Personality string `json:"personality"`
}

// CharactersOutput is the stage 2 payload.
type CharactersOutput struct {
	Characters []Character `json:"characters"`
}

// PlotOutput is the stage 3 payload.
type PlotOutput struct {
	Act1           string   `json:"act1"`
	Act2           string   `json:"act2"`
	Act3           string   `json:"act3"`
	KeyPoints      []string `json:"key_points"`
	SceneBreakdown []string `json:"scene_breakdown"`
}

// Panel is one frame of a storyboard page.
type Panel struct {
	ID          string `json:"panel_id"`
	Size        string `json:"size"` // small, medium, large, splash
	CameraAngle string `json:"camera_angle"`
	Description string `json:"description"`
	Dialogue    string `json:"dialogue,omitempty"`
	Tone        string `json:"tone,omitempty"` // emotional tone: calm, tension, climax, ...
}

// StoryboardPage groups panels for one page.
type StoryboardPage struct {
	Panels []Panel `json:"panels"`
}

// StoryboardOutput is the stage 4 payload.
type StoryboardOutput struct {
	Pages []StoryboardPage `json:"pages"`
}

// SceneImage is one rendered panel in the stage 5 payload.
type SceneImage struct {
	PanelID  string `json:"panel_id"`
	URL      string `json:"url,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	Prompt   string `json:"prompt"`
	CacheHit bool   `json:"cache_hit"`
	Placeholder bool `json:"placeholder,omitempty"`
}

// ScenesOutput is the stage 5 payload.
type ScenesOutput struct {
	Images     []SceneImage `json:"images"`
	Efficiency float64      `json:"parallel_efficiency"`
}

// DialogueLine is one speech bubble in the stage 6 payload.
type DialogueLine struct {
	Character  string `json:"character"`
	Text       string `json:"text"`
	BubbleType string `json:"bubble_type"`
	PanelID    string `json:"panel_id"`
}

// DialogueOutput is the stage 6 payload.
type DialogueOutput struct {
	Dialogues    []DialogueLine `json:"dialogues"`
	SoundEffects []string       `json:"sound_effects"`
}

// FinalPage is one assembled page in the stage 7 payload.
type FinalPage struct {
	Image  string   `json:"image"`
	Panels []string `json:"panels"`
}

// FinalOutput is the stage 7 payload — the terminal artifact.
type FinalOutput struct {
	Pages         []FinalPage        `json:"pages"`
	QualityScores map[string]float64 `json:"quality_scores"`
	Stats         FinalStats         `json:"stats"`
	OutputPointer string             `json:"output_pointer"`
}

// FinalStats summarises the run for the terminal artifact.
type FinalStats struct {
	TotalDurationMS int64 `json:"total_duration_ms"`
	DegradedStages  []int `json:"degraded_stages,omitempty"`
	CacheHits       int   `json:"cache_hits"`
	ImageTasks      int   `json:"image_tasks"`
}

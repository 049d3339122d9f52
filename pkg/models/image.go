package models

import "time"

// ImageTask is one panel render request produced from a storyboard. Priority
// is computed from placement metadata before admission; higher runs first.
type ImageTask struct {
	SessionID      string            `json:"session_id"`
	PanelID        string            `json:"panel_id"`
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Style          map[string]string `json:"style,omitempty"`
	Quality        QualityLevel      `json:"quality"`
	Priority       int               `json:"priority"` // [1,10]
	MaxAttempts    int               `json:"max_attempts"`

	// Placement metadata consumed by the priority formula.
	Page      int    `json:"page"`       // 1-based
	Tone      string `json:"tone"`       // emotional tone of the panel
	PanelSize string `json:"panel_size"` // small, medium, large, splash
}

// ImageResult is the outcome of one image task.
type ImageResult struct {
	PanelID     string        `json:"panel_id"`
	URL         string        `json:"url,omitempty"`
	Bytes       []byte        `json:"bytes,omitempty"`
	Prompt      string        `json:"prompt"`
	CacheHit    bool          `json:"cache_hit"`
	Placeholder bool          `json:"placeholder,omitempty"`
	Attempts    int           `json:"attempts"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Err         string        `json:"error,omitempty"`
}

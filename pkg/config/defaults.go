package config

import (
	"time"

	"github.com/comicgen/comicd/pkg/models"
)

// Quality gate category names. Weights over these must sum to 1.0.
const (
	CategoryVisualConsistency    = "visual-consistency"
	CategoryNarrativeCoherence   = "narrative-coherence"
	CategoryTechnicalQuality     = "technical-quality"
	CategoryReadability          = "readability"
	CategoryPacingFlow           = "pacing-flow"
	CategoryCharacterDevelopment = "character-development"
	CategoryArtisticAppeal       = "artistic-appeal"
)

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		StageBudgets: []time.Duration{
			12 * time.Second, // concept
			18 * time.Second, // characters
			15 * time.Second, // plot
			20 * time.Second, // storyboard
			25 * time.Second, // scene images
			4 * time.Second,  // dialogue
			3 * time.Second,  // final assembly
		},
		HITLStages:     []int{3, 6},
		CriticalStages: nil,
		MaxAttempts:    3,
		PipelineBudget: 97 * time.Second,
	}
}

// DefaultQualityConfig returns the built-in quality gate defaults.
func DefaultQualityConfig() *QualityConfig {
	return &QualityConfig{
		Threshold: 0.70,
		Weights: map[string]float64{
			CategoryVisualConsistency:    0.20,
			CategoryNarrativeCoherence:   0.20,
			CategoryTechnicalQuality:     0.15,
			CategoryReadability:          0.15,
			CategoryPacingFlow:           0.10,
			CategoryCharacterDevelopment: 0.10,
			CategoryArtisticAppeal:       0.10,
		},
	}
}

// DefaultImageConfig returns the built-in fan-out defaults.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		PerSessionConcurrency: 5,
		MaxAttempts:           3,
		BackoffCap:            30 * time.Second,
		JitterFraction:        0.2,
		CacheTTLs: map[models.QualityLevel]time.Duration{
			models.QualityUltraLow:  10 * time.Minute,
			models.QualityLow:       30 * time.Minute,
			models.QualityMedium:    1 * time.Hour,
			models.QualityHigh:      6 * time.Hour,
			models.QualityUltraHigh: 24 * time.Hour,
		},
	}
}

// DefaultPoolConfig returns the built-in resource pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConcurrentSessions: 50,
		MaxStageWorkers:       20,
		MaxImageTasks:         100,
	}
}

// DefaultBusConfig returns the built-in bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		SubscriberQueueSize: 64,
		WriteTimeout:        10 * time.Second,
	}
}

// DefaultHITLConfig returns the built-in HITL defaults.
func DefaultHITLConfig() *HITLConfig {
	return &HITLConfig{
		Timeout:         30 * time.Second,
		PreviewCacheTTL: 15 * time.Minute,
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionTTL:    1 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// DefaultAIConfig returns the built-in AI backend defaults.
func DefaultAIConfig() *AIConfig {
	return &AIConfig{
		TextServiceURL:  "http://localhost:8090",
		ImageServiceURL: "http://localhost:8091",
		RequestTimeout:  60 * time.Second,
	}
}

// DefaultConfig assembles a Config entirely from built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Pipeline:  DefaultPipelineConfig(),
		Quality:   DefaultQualityConfig(),
		Images:    DefaultImageConfig(),
		Pool:      DefaultPoolConfig(),
		Bus:       DefaultBusConfig(),
		HITL:      DefaultHITLConfig(),
		Retention: DefaultRetentionConfig(),
		AI:        DefaultAIConfig(),
	}
}

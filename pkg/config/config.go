// Package config loads and validates engine configuration from YAML with
// environment variable expansion and built-in defaults.
package config

import (
	"time"

	"github.com/comicgen/comicd/pkg/models"
)

// Config is the fully resolved engine configuration.
type Config struct {
	configDir string

	Pipeline  *PipelineConfig
	Quality   *QualityConfig
	Images    *ImageConfig
	Pool      *PoolConfig
	Bus       *BusConfig
	HITL      *HITLConfig
	Retention *RetentionConfig
	AI        *AIConfig

	// AllowedWSOrigins are additional origin patterns accepted by the
	// WebSocket endpoint.
	AllowedWSOrigins []string
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// PipelineConfig controls the seven-stage state machine.
type PipelineConfig struct {
	// StageBudgets are the per-stage wall-clock budgets, stages 1..7.
	StageBudgets []time.Duration `yaml:"stage_budgets"`

	// HITLStages lists the 1-based stage indices that open a rendezvous
	// after passing the quality gate.
	HITLStages []int `yaml:"hitl_stages"`

	// CriticalStages lists stages whose retry-budget exhaustion fails the
	// session instead of falling back.
	CriticalStages []int `yaml:"critical_stages"`

	// MaxAttempts bounds quality-gate retries per stage.
	MaxAttempts int `yaml:"max_attempts"`

	// PipelineBudget is the whole-pipeline target used for the budget
	// compliance metric. Not enforced.
	PipelineBudget time.Duration `yaml:"pipeline_budget"`
}

// StageBudget returns the budget for a 1-based stage index.
func (p *PipelineConfig) StageBudget(stage int) time.Duration {
	if stage < 1 || stage > len(p.StageBudgets) {
		return 0
	}
	return p.StageBudgets[stage-1]
}

// HITLEnabled reports whether the stage opens a rendezvous.
func (p *PipelineConfig) HITLEnabled(stage int) bool {
	for _, s := range p.HITLStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Critical reports whether retry exhaustion on the stage is fatal.
func (p *PipelineConfig) Critical(stage int) bool {
	for _, s := range p.CriticalStages {
		if s == stage {
			return true
		}
	}
	return false
}

// QualityConfig controls the quality gate.
type QualityConfig struct {
	// Threshold is the minimum overall score for a pass.
	Threshold float64 `yaml:"threshold"`

	// Weights maps category name → weight. Weights must sum to 1.0.
	Weights map[string]float64 `yaml:"weights"`
}

// ImageConfig controls the stage 5 fan-out executor.
type ImageConfig struct {
	// PerSessionConcurrency bounds in-flight image tasks per session.
	PerSessionConcurrency int `yaml:"per_session_concurrency"`

	// MaxAttempts bounds retries per image task.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffCap caps the exponential retry delay.
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// JitterFraction is the ± fraction applied to each retry delay.
	JitterFraction float64 `yaml:"jitter_fraction"`

	// CacheTTLs maps quality level → cache entry lifetime. Lower quality
	// gets a shorter TTL.
	CacheTTLs map[models.QualityLevel]time.Duration `yaml:"cache_ttls"`
}

// CacheTTL returns the TTL for a quality level, falling back to the medium
// TTL for unknown levels.
func (c *ImageConfig) CacheTTL(q models.QualityLevel) time.Duration {
	if ttl, ok := c.CacheTTLs[q]; ok {
		return ttl
	}
	return c.CacheTTLs[models.QualityMedium]
}

// PoolConfig sizes the global resource pool.
type PoolConfig struct {
	// MaxConcurrentSessions is the global session admission cap.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// MaxStageWorkers bounds concurrently executing stage workers.
	MaxStageWorkers int `yaml:"max_stage_workers"`

	// MaxImageTasks bounds in-flight image tasks across all sessions.
	MaxImageTasks int `yaml:"max_image_tasks"`
}

// BusConfig controls the live update bus.
type BusConfig struct {
	// SubscriberQueueSize is the bounded queue per subscription. On overflow
	// the slowest subscriber is disconnected with a too-slow error.
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`

	// WriteTimeout bounds a single WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// HITLConfig controls the human-in-the-loop rendezvous.
type HITLConfig struct {
	// Timeout is the default feedback window.
	Timeout time.Duration `yaml:"timeout"`

	// PreviewCacheTTL bounds memoised preview derivations.
	PreviewCacheTTL time.Duration `yaml:"preview_cache_ttl"`
}

// RetentionConfig controls eviction of terminal sessions from memory.
type RetentionConfig struct {
	// SessionTTL is how long a terminal session stays resident.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AIConfig points at the generative backends.
type AIConfig struct {
	// TextServiceURL is the text model endpoint (stages 1–4, 6–7).
	TextServiceURL string `yaml:"text_service_url"`

	// ImageServiceURL is the image model endpoint (stage 5).
	ImageServiceURL string `yaml:"image_service_url"`

	// RequestTimeout bounds a single backend call. Per-stage budgets still
	// apply on top.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

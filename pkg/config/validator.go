package config

import (
	"fmt"
	"math"

	"github.com/comicgen/comicd/pkg/models"
)

// Validate checks the resolved configuration for internally consistent,
// in-bounds values. It returns the first violation found.
func Validate(cfg *Config) error {
	checks := []func(*Config) error{
		validatePipeline,
		validateQuality,
		validateImages,
		validatePool,
		validateBus,
		validateHITL,
		validateRetention,
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validatePipeline(cfg *Config) error {
	p := cfg.Pipeline
	if p == nil {
		return fmt.Errorf("pipeline configuration is nil")
	}
	if len(p.StageBudgets) != models.StageCount {
		return fmt.Errorf("stage_budgets must have exactly %d entries, got %d", models.StageCount, len(p.StageBudgets))
	}
	for i, b := range p.StageBudgets {
		if b <= 0 {
			return fmt.Errorf("stage_budgets[%d] must be positive", i)
		}
	}
	for _, s := range p.HITLStages {
		if s < 1 || s > models.StageCount {
			return fmt.Errorf("hitl_stages entries must be between 1 and %d, got %d", models.StageCount, s)
		}
	}
	for _, s := range p.CriticalStages {
		if s < 1 || s > models.StageCount {
			return fmt.Errorf("critical_stages entries must be between 1 and %d, got %d", models.StageCount, s)
		}
	}
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts must be between 1 and 10")
	}
	if p.PipelineBudget <= 0 {
		return fmt.Errorf("pipeline_budget must be positive")
	}
	return nil
}

func validateQuality(cfg *Config) error {
	q := cfg.Quality
	if q == nil {
		return fmt.Errorf("quality configuration is nil")
	}
	if q.Threshold < 0 || q.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0,1]")
	}
	if len(q.Weights) == 0 {
		return fmt.Errorf("weights must not be empty")
	}
	sum := 0.0
	for name, w := range q.Weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("weight for %q must be in [0,1]", name)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

func validateImages(cfg *Config) error {
	im := cfg.Images
	if im == nil {
		return fmt.Errorf("images configuration is nil")
	}
	if im.PerSessionConcurrency < 1 {
		return fmt.Errorf("per_session_concurrency must be at least 1")
	}
	if im.MaxAttempts < 1 {
		return fmt.Errorf("images max_attempts must be at least 1")
	}
	if im.BackoffCap <= 0 {
		return fmt.Errorf("backoff_cap must be positive")
	}
	if im.JitterFraction < 0 || im.JitterFraction > 1 {
		return fmt.Errorf("jitter_fraction must be in [0,1]")
	}
	for q, ttl := range im.CacheTTLs {
		if !q.Valid() {
			return fmt.Errorf("cache_ttls has unknown quality level %q", q)
		}
		if ttl <= 0 {
			return fmt.Errorf("cache_ttls[%s] must be positive", q)
		}
	}
	return nil
}

func validatePool(cfg *Config) error {
	p := cfg.Pool
	if p == nil {
		return fmt.Errorf("pool configuration is nil")
	}
	if p.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1")
	}
	if p.MaxStageWorkers < 1 {
		return fmt.Errorf("max_stage_workers must be at least 1")
	}
	if p.MaxImageTasks < 1 {
		return fmt.Errorf("max_image_tasks must be at least 1")
	}
	return nil
}

func validateBus(cfg *Config) error {
	b := cfg.Bus
	if b == nil {
		return fmt.Errorf("bus configuration is nil")
	}
	if b.SubscriberQueueSize < 1 {
		return fmt.Errorf("subscriber_queue_size must be at least 1")
	}
	if b.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	return nil
}

func validateHITL(cfg *Config) error {
	h := cfg.HITL
	if h == nil {
		return fmt.Errorf("hitl configuration is nil")
	}
	if h.Timeout <= 0 {
		return fmt.Errorf("hitl timeout must be positive")
	}
	if h.PreviewCacheTTL <= 0 {
		return fmt.Errorf("preview_cache_ttl must be positive")
	}
	return nil
}

func validateRetention(cfg *Config) error {
	r := cfg.Retention
	if r == nil {
		return fmt.Errorf("retention configuration is nil")
	}
	if r.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if r.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

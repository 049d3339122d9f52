// Package quality implements the quality gate: pluggable per-category
// evaluators, weighted scoring, and the pass/retry/fallback decision after
// every stage attempt.
package quality

import (
	"fmt"
	"sort"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
)

// Decision is the gate's verdict for one stage attempt.
type Decision struct {
	Outcome    models.GateOutcome `json:"outcome"`
	Score      float64            `json:"score"`
	Categories map[string]float64 `json:"categories"`
	Overridden bool               `json:"overridden,omitempty"`
	Actor      string             `json:"actor,omitempty"` // who forced the override
}

// Gate scores stage results and decides pass / retry / fallback.
type Gate struct {
	threshold   float64
	weights     map[string]float64
	maxAttempts int
}

// NewGate builds a gate from validated configuration.
func NewGate(cfg *config.QualityConfig, maxAttempts int) *Gate {
	return &Gate{
		threshold:   cfg.Threshold,
		weights:     cfg.Weights,
		maxAttempts: maxAttempts,
	}
}

// Threshold returns the configured pass threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// MaxAttempts returns the per-stage retry budget.
func (g *Gate) MaxAttempts() int { return g.maxAttempts }

// Score combines category scores into the weighted overall score. Categories
// absent from the input score zero; unknown categories are ignored so a
// worker may report more than the configured set.
func (g *Gate) Score(categories map[string]float64) float64 {
	total := 0.0
	for name, weight := range g.weights {
		total += weight * clamp01(categories[name])
	}
	return clamp01(total)
}

// Evaluate scores the categories and decides the outcome for the given
// attempt (1-based).
//
//	score ≥ threshold            → pass
//	score < threshold, attempts  → retry
//	budget exhausted             → fallback
//
// Whether fallback escalates to session failure on a critical stage is the
// scheduler's decision, not the gate's.
func (g *Gate) Evaluate(categories map[string]float64, attempt int) Decision {
	score := g.Score(categories)
	d := Decision{Score: score, Categories: categories}
	switch {
	case score >= g.threshold:
		d.Outcome = models.GatePass
	case attempt < g.maxAttempts:
		d.Outcome = models.GateRetry
	default:
		d.Outcome = models.GateFallback
	}
	return d
}

// Override forces a pass regardless of score. The actor is recorded so the
// version log can attribute the override; authorization is the transport
// layer's concern.
func (g *Gate) Override(d Decision, actor string) Decision {
	d.Outcome = models.GatePass
	d.Overridden = true
	d.Actor = actor
	return d
}

// CategoryNames returns the configured category names, sorted.
func (g *Gate) CategoryNames() []string {
	names := make([]string, 0, len(g.weights))
	for name := range g.weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders the decision for logs.
func (d Decision) String() string {
	if d.Overridden {
		return fmt.Sprintf("%s (score %.2f, overridden by %s)", d.Outcome, d.Score, d.Actor)
	}
	return fmt.Sprintf("%s (score %.2f)", d.Outcome, d.Score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

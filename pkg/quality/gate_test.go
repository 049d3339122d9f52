package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
)

func testGate() *Gate {
	return NewGate(&config.QualityConfig{
		Threshold: 0.75,
		Weights: map[string]float64{
			"coherence":    0.5,
			"completeness": 0.3,
			"format":       0.2,
		},
	}, 3)
}

func TestScoreWeighsCategories(t *testing.T) {
	g := testGate()

	tests := []struct {
		name       string
		categories map[string]float64
		want       float64
	}{
		{"all perfect", map[string]float64{"coherence": 1, "completeness": 1, "format": 1}, 1.0},
		{"weighted mix", map[string]float64{"coherence": 0.8, "completeness": 0.5, "format": 1}, 0.75},
		{"missing category scores zero", map[string]float64{"coherence": 1}, 0.5},
		{"unknown category ignored", map[string]float64{"coherence": 1, "novelty": 1}, 0.5},
		{"out-of-range input clamped", map[string]float64{"coherence": 2, "completeness": -1, "format": 0}, 0.5},
		{"empty", nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, g.Score(tt.categories), 1e-9)
		})
	}
}

func TestEvaluateOutcomeByAttempt(t *testing.T) {
	g := testGate()
	passing := map[string]float64{"coherence": 1, "completeness": 1, "format": 1}
	failing := map[string]float64{"coherence": 0.2}

	d := g.Evaluate(passing, 1)
	assert.Equal(t, models.GatePass, d.Outcome)
	assert.Equal(t, 1.0, d.Score)

	// Below threshold with budget left retries; on the last attempt it
	// falls back instead.
	assert.Equal(t, models.GateRetry, g.Evaluate(failing, 1).Outcome)
	assert.Equal(t, models.GateRetry, g.Evaluate(failing, 2).Outcome)
	assert.Equal(t, models.GateFallback, g.Evaluate(failing, 3).Outcome)
}

func TestOverrideForcesPassAndRecordsActor(t *testing.T) {
	g := testGate()
	d := g.Evaluate(map[string]float64{"coherence": 0.1}, 3)
	assert.Equal(t, models.GateFallback, d.Outcome)

	od := g.Override(d, "admin@example.com")
	assert.Equal(t, models.GatePass, od.Outcome)
	assert.True(t, od.Overridden)
	assert.Equal(t, "admin@example.com", od.Actor)
	assert.Equal(t, d.Score, od.Score, "override keeps the honest score")
	assert.Contains(t, od.String(), "overridden by admin@example.com")
}

func TestCategoryNamesSorted(t *testing.T) {
	g := testGate()
	assert.Equal(t, []string{"coherence", "completeness", "format"}, g.CategoryNames())
}

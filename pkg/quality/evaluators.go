package quality

import (
	"encoding/json"
	"math"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
)

// Evaluator scores one named category for a stage output. Evaluators are
// pluggable values keyed by name; stage workers select the categories that
// apply to their output shape.
type Evaluator interface {
	Name() string
	Score(stage int, output json.RawMessage) float64
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc struct {
	CategoryName string
	Fn           func(stage int, output json.RawMessage) float64
}

func (e EvaluatorFunc) Name() string { return e.CategoryName }

func (e EvaluatorFunc) Score(stage int, output json.RawMessage) float64 {
	return clamp01(e.Fn(stage, output))
}

// DefaultEvaluators returns the built-in heuristic evaluator per category.
// They score structural completeness of the payload — a cheap stand-in a
// deployment replaces with model-graded evaluators.
func DefaultEvaluators() map[string]Evaluator {
	evs := []Evaluator{
		EvaluatorFunc{config.CategoryVisualConsistency, scoreVisualConsistency},
		EvaluatorFunc{config.CategoryNarrativeCoherence, scoreNarrativeCoherence},
		EvaluatorFunc{config.CategoryTechnicalQuality, scoreTechnicalQuality},
		EvaluatorFunc{config.CategoryReadability, scoreReadability},
		EvaluatorFunc{config.CategoryPacingFlow, scorePacingFlow},
		EvaluatorFunc{config.CategoryCharacterDevelopment, scoreCharacterDevelopment},
		EvaluatorFunc{config.CategoryArtisticAppeal, scoreArtisticAppeal},
	}
	out := make(map[string]Evaluator, len(evs))
	for _, e := range evs {
		out[e.Name()] = e
	}
	return out
}

// ScoreAll runs every evaluator against the output.
func ScoreAll(evaluators map[string]Evaluator, stage int, output json.RawMessage) map[string]float64 {
	out := make(map[string]float64, len(evaluators))
	for name, e := range evaluators {
		out[name] = e.Score(stage, output)
	}
	return out
}

// ── Heuristic scorers ──
//
// Each maps payload completeness into [0.5, 1.0] so an intact payload clears
// the default 0.70 threshold while visibly degraded ones do not.

func scoreVisualConsistency(stage int, output json.RawMessage) float64 {
	if stage == 5 {
		var scenes models.ScenesOutput
		if json.Unmarshal(output, &scenes) != nil || len(scenes.Images) == 0 {
			return 0.5
		}
		placeholders := 0
		for _, img := range scenes.Images {
			if img.Placeholder {
				placeholders++
			}
		}
		return 1.0 - 0.5*float64(placeholders)/float64(len(scenes.Images))
	}
	return completeness(output)
}

func scoreNarrativeCoherence(stage int, output json.RawMessage) float64 {
	if stage == 3 {
		var plot models.PlotOutput
		if json.Unmarshal(output, &plot) != nil {
			return 0.5
		}
		filled := 0
		for _, act := range []string{plot.Act1, plot.Act2, plot.Act3} {
			if act != "" {
				filled++
			}
		}
		return 0.5 + 0.5*float64(filled)/3.0
	}
	return completeness(output)
}

func scoreTechnicalQuality(_ int, output json.RawMessage) float64 {
	if !json.Valid(output) || len(output) == 0 {
		return 0
	}
	return completeness(output)
}

func scoreReadability(stage int, output json.RawMessage) float64 {
	if stage == 6 {
		var d models.DialogueOutput
		if json.Unmarshal(output, &d) != nil || len(d.Dialogues) == 0 {
			return 0.5
		}
		long := 0
		for _, line := range d.Dialogues {
			if len(line.Text) > 200 {
				long++
			}
		}
		return 1.0 - 0.5*float64(long)/float64(len(d.Dialogues))
	}
	return completeness(output)
}

func scorePacingFlow(stage int, output json.RawMessage) float64 {
	if stage == 4 {
		var sb models.StoryboardOutput
		if json.Unmarshal(output, &sb) != nil || len(sb.Pages) == 0 {
			return 0.5
		}
		// Pages with 3–6 panels read best; score distance from that band.
		score := 0.0
		for _, page := range sb.Pages {
			n := len(page.Panels)
			switch {
			case n >= 3 && n <= 6:
				score += 1.0
			case n > 0:
				score += 0.7
			}
		}
		return 0.5 + 0.5*score/float64(len(sb.Pages))
	}
	return completeness(output)
}

func scoreCharacterDevelopment(stage int, output json.RawMessage) float64 {
	if stage == 2 {
		var chars models.CharactersOutput
		if json.Unmarshal(output, &chars) != nil || len(chars.Characters) == 0 {
			return 0.5
		}
		full := 0
		for _, c := range chars.Characters {
			if c.Name != "" && c.Appearance != "" && c.Personality != "" {
				full++
			}
		}
		return 0.5 + 0.5*float64(full)/float64(len(chars.Characters))
	}
	return completeness(output)
}

func scoreArtisticAppeal(_ int, output json.RawMessage) float64 {
	return completeness(output)
}

// completeness scores the fraction of top-level fields that are non-empty,
// mapped into [0.5, 1.0] for any parseable object.
func completeness(output json.RawMessage) float64 {
	var m map[string]any
	if err := json.Unmarshal(output, &m); err != nil || len(m) == 0 {
		return 0.5
	}
	filled := 0
	for _, v := range m {
		if !isEmpty(v) {
			filled++
		}
	}
	return 0.5 + 0.5*float64(filled)/float64(len(m))
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case float64:
		return math.Abs(val) < 1e-12
	}
	return false
}

package hitl

import (
	"strings"

	"github.com/comicgen/comicd/pkg/models"
)

// Quick options offered per gated stage, sent with the awaiting-feedback
// event so clients can render one-tap choices.
var quickOptions = map[int][]string{
	3: {"pacing:faster", "pacing:slower", "tone:darker", "tone:lighter", "plot:more-twists"},
	6: {"dialogue:shorter", "dialogue:longer", "dialogue:more-casual", "dialogue:more-formal"},
}

// QuickOptions returns the quick-option identifiers for a stage.
func QuickOptions(stage int) []string {
	return quickOptions[stage]
}

// Merge translates a resolved envelope into modification descriptors for the
// next stage's input. Default-accepted and skip envelopes produce none.
func Merge(env *models.FeedbackEnvelope) []models.ModificationDescriptor {
	if env == nil {
		return nil
	}
	switch env.Type {
	case models.FeedbackQuickOption:
		if d, ok := parseQuickOption(env.Content); ok {
			return []models.ModificationDescriptor{d}
		}
		return nil
	case models.FeedbackNaturalLanguage:
		return parseNaturalLanguage(env.Content)
	default:
		return nil
	}
}

// parseQuickOption maps a "target:direction" identifier to a descriptor.
func parseQuickOption(content string) (models.ModificationDescriptor, bool) {
	target, dir, ok := strings.Cut(strings.TrimSpace(content), ":")
	if !ok || target == "" || dir == "" {
		return models.ModificationDescriptor{}, false
	}
	d := models.ModificationDescriptor{
		Type:      target,
		Target:    target,
		Intensity: 0.5,
	}
	switch dir {
	case "faster", "longer", "more-twists":
		d.Direction = "increase"
	case "slower", "shorter":
		d.Direction = "decrease"
	default:
		d.Direction = "replace"
		d.Addition = dir
	}
	return d, true
}

// parseNaturalLanguage extracts coarse intent from free text. Unrecognized
// text still flows through as a free-text descriptor so the model sees it.
func parseNaturalLanguage(content string) []models.ModificationDescriptor {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	direction := "replace"
	intensity := 0.5
	switch {
	case containsAny(lower, "more", "increase", "faster", "stronger"):
		direction = "increase"
		intensity = 0.7
	case containsAny(lower, "less", "fewer", "decrease", "slower", "tone down"):
		direction = "decrease"
		intensity = 0.7
	}

	target := "free-text"
	for _, t := range []string{"pacing", "dialogue", "character", "style", "tone", "action", "plot"} {
		if strings.Contains(lower, t) {
			target = t
			break
		}
	}

	return []models.ModificationDescriptor{{
		Type:      target,
		Target:    target,
		Direction: direction,
		Intensity: intensity,
		Addition:  text,
	}}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

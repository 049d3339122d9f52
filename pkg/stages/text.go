package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/comicgen/comicd/pkg/ai"
	"github.com/comicgen/comicd/pkg/models"
)

// textWorker is the shared implementation for the text-model-backed stages
// (1-4 and 6). Per-stage behavior comes from the instruction, the prior
// stages it consumes, and the output validator and fallback.
type textWorker struct {
	stage       int
	instruction string
	model       ai.TextModel
	priorStages []int
	validate    func(raw json.RawMessage) error
	fallback    func(in *Input) (json.RawMessage, error)
}

func (w *textWorker) Stage() int   { return w.stage }
func (w *textWorker) Name() string { return models.StageName(w.stage) }

func (w *textWorker) ValidateInput(in *Input) error {
	if w.stage == 1 && strings.TrimSpace(in.Submission) == "" {
		return models.NewStageError(models.ErrKindInvalidInput, 1, "submission is empty", nil)
	}
	for _, s := range w.priorStages {
		var v json.RawMessage
		if err := requirePrior(in, s, &v); err != nil {
			return err
		}
	}
	return nil
}

func (w *textWorker) Execute(ctx context.Context, in *Input, progress Progress) (json.RawMessage, error) {
	if progress != nil {
		progress(5, "calling text model")
	}

	input, err := w.requestInput(in)
	if err != nil {
		return nil, err
	}
	resp, err := w.model.GenerateText(ctx, &ai.TextRequest{
		Stage:         w.stage,
		StageName:     w.Name(),
		Instruction:   w.instruction,
		Input:         input,
		Modifications: in.Modifications,
	})
	if err != nil {
		return nil, err
	}

	if progress != nil {
		progress(80, "validating output")
	}
	if err := w.validate(resp.Content); err != nil {
		// Malformed model output is transient: the retry budget reprompts.
		return nil, models.NewStageError(models.ErrKindAIRetryable, w.stage,
			"model output failed shape validation", err)
	}
	return resp.Content, nil
}

func (w *textWorker) Fallback(in *Input) (json.RawMessage, error) {
	return w.fallback(in)
}

// requestInput assembles the model input: submission plus consumed priors
// keyed by stage name.
func (w *textWorker) requestInput(in *Input) (json.RawMessage, error) {
	payload := map[string]any{"submission": in.Submission}
	for _, s := range w.priorStages {
		payload[models.StageName(s)] = in.Prior[s]
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewStageError(models.ErrKindInvalidInput, w.stage, "assemble model input", err)
	}
	return data, nil
}

// ── Stage constructors ──

// NewConcept builds the stage 1 worker.
func NewConcept(model ai.TextModel) Worker {
	return &textWorker{
		stage:       1,
		instruction: "Extract the core concept: theme, genres, world setting, target audience, and an estimated page count.",
		model:       model,
		validate: func(raw json.RawMessage) error {
			var c models.ConceptOutput
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			if c.Theme == "" {
				return fmt.Errorf("concept has no theme")
			}
			if c.EstimatedPages < 1 {
				return fmt.Errorf("estimated pages %d out of range", c.EstimatedPages)
			}
			return nil
		},
		fallback: func(in *Input) (json.RawMessage, error) {
			theme := firstSentence(in.Submission)
			return json.Marshal(models.ConceptOutput{
				Theme:          theme,
				Genres:         []string{"drama"},
				WorldSetting:   "unspecified",
				TargetAudience: "general",
				EstimatedPages: 2,
			})
		},
	}
}

// NewCharacters builds the stage 2 worker.
func NewCharacters(model ai.TextModel) Worker {
	return &textWorker{
		stage:       2,
		instruction: "Design the cast: name, role, appearance, and personality for each character the story needs.",
		model:       model,
		priorStages: []int{1},
		validate: func(raw json.RawMessage) error {
			var c models.CharactersOutput
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			if len(c.Characters) == 0 {
				return fmt.Errorf("no characters")
			}
			for i, ch := range c.Characters {
				if ch.Name == "" {
					return fmt.Errorf("character %d has no name", i)
				}
			}
			return nil
		},
		fallback: func(in *Input) (json.RawMessage, error) {
			return json.Marshal(models.CharactersOutput{Characters: []models.Character{
				{Name: "Protagonist", Role: "protagonist", Appearance: "unspecified", Personality: "determined"},
				{Name: "Antagonist", Role: "antagonist", Appearance: "unspecified", Personality: "opposing"},
			}})
		},
	}
}

// NewPlot builds the stage 3 worker.
func NewPlot(model ai.TextModel) Worker {
	return &textWorker{
		stage:       3,
		instruction: "Structure the story into three acts with key plot points and a scene breakdown.",
		model:       model,
		priorStages: []int{1, 2},
		validate: func(raw json.RawMessage) error {
			var p models.PlotOutput
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			if p.Act1 == "" || p.Act2 == "" || p.Act3 == "" {
				return fmt.Errorf("plot is missing an act")
			}
			return nil
		},
		fallback: func(in *Input) (json.RawMessage, error) {
			a1, a2, a3 := trisect(in.Submission)
			return json.Marshal(models.PlotOutput{
				Act1: a1, Act2: a2, Act3: a3,
				SceneBreakdown: []string{"opening", "confrontation", "resolution"},
			})
		},
	}
}

// NewStoryboard builds the stage 4 worker.
func NewStoryboard(model ai.TextModel) Worker {
	return &textWorker{
		stage:       4,
		instruction: "Lay out the scenes as comic pages: panels with size, camera angle, description, dialogue hints, and emotional tone.",
		model:       model,
		priorStages: []int{1, 2, 3},
		validate: func(raw json.RawMessage) error {
			var sb models.StoryboardOutput
			if err := json.Unmarshal(raw, &sb); err != nil {
				return err
			}
			if len(sb.Pages) == 0 {
				return fmt.Errorf("storyboard has no pages")
			}
			for pi, page := range sb.Pages {
				if len(page.Panels) == 0 {
					return fmt.Errorf("page %d has no panels", pi+1)
				}
				for _, panel := range page.Panels {
					if panel.ID == "" {
						return fmt.Errorf("page %d has a panel without id", pi+1)
					}
				}
			}
			return nil
		},
		fallback: func(in *Input) (json.RawMessage, error) {
			var plot models.PlotOutput
			_ = requirePrior(in, 3, &plot)
			pages := make([]models.StoryboardPage, 0, 3)
			for pi, act := range []string{plot.Act1, plot.Act2, plot.Act3} {
				pages = append(pages, models.StoryboardPage{Panels: []models.Panel{
					{ID: fmt.Sprintf("p%d-1", pi+1), Size: "large", CameraAngle: "wide", Description: act, Tone: "calm"},
					{ID: fmt.Sprintf("p%d-2", pi+1), Size: "medium", CameraAngle: "close", Description: act, Tone: "calm"},
					{ID: fmt.Sprintf("p%d-3", pi+1), Size: "small", CameraAngle: "wide", Description: act, Tone: "calm"},
				}})
			}
			return json.Marshal(models.StoryboardOutput{Pages: pages})
		},
	}
}

// NewDialogue builds the stage 6 worker.
func NewDialogue(model ai.TextModel) Worker {
	return &textWorker{
		stage:       6,
		instruction: "Write the dialogue and sound effects: speech bubbles per panel, matched to each character's voice.",
		model:       model,
		priorStages: []int{2, 4},
		validate: func(raw json.RawMessage) error {
			var d models.DialogueOutput
			if err := json.Unmarshal(raw, &d); err != nil {
				return err
			}
			for i, line := range d.Dialogues {
				if line.PanelID == "" {
					return fmt.Errorf("dialogue line %d has no panel id", i)
				}
			}
			return nil
		},
		fallback: func(in *Input) (json.RawMessage, error) {
			var sb models.StoryboardOutput
			_ = requirePrior(in, 4, &sb)
			var lines []models.DialogueLine
			for _, page := range sb.Pages {
				for _, panel := range page.Panels {
					if panel.Dialogue != "" {
						lines = append(lines, models.DialogueLine{
							Character: "Narrator", Text: panel.Dialogue,
							BubbleType: "caption", PanelID: panel.ID,
						})
					}
				}
			}
			return json.Marshal(models.DialogueOutput{Dialogues: lines})
		},
	}
}

// firstSentence truncates the submission to its first sentence, bounded.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i > 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	if s == "" {
		s = "untitled story"
	}
	return s
}

// trisect splits the submission into three roughly equal parts for the plot
// fallback.
func trisect(s string) (string, string, string) {
	words := strings.Fields(s)
	if len(words) < 3 {
		return "beginning", "middle", "end"
	}
	a := len(words) / 3
	b := 2 * len(words) / 3
	return strings.Join(words[:a], " "), strings.Join(words[a:b], " "), strings.Join(words[b:], " ")
}

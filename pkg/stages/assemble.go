package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/comicgen/comicd/pkg/models"
)

// assembleWorker is stage 7: deterministic local composition of the final
// comic from the storyboard, rendered scenes, and dialogue. No backend calls.
type assembleWorker struct{}

// NewAssemble builds the stage 7 worker.
func NewAssemble() Worker { return &assembleWorker{} }

func (w *assembleWorker) Stage() int   { return 7 }
func (w *assembleWorker) Name() string { return models.StageName(7) }

func (w *assembleWorker) ValidateInput(in *Input) error {
	var sb models.StoryboardOutput
	if err := requirePrior(in, 4, &sb); err != nil {
		return err
	}
	var scenes models.ScenesOutput
	if err := requirePrior(in, 5, &scenes); err != nil {
		return err
	}
	var d models.DialogueOutput
	return requirePrior(in, 6, &d)
}

func (w *assembleWorker) Execute(ctx context.Context, in *Input, progress Progress) (json.RawMessage, error) {
	var sb models.StoryboardOutput
	var scenes models.ScenesOutput
	var dialogue models.DialogueOutput
	if err := requirePrior(in, 4, &sb); err != nil {
		return nil, err
	}
	if err := requirePrior(in, 5, &scenes); err != nil {
		return nil, err
	}
	if err := requirePrior(in, 6, &dialogue); err != nil {
		return nil, err
	}

	imageByPanel := make(map[string]models.SceneImage, len(scenes.Images))
	cacheHits := 0
	for _, img := range scenes.Images {
		imageByPanel[img.PanelID] = img
		if img.CacheHit {
			cacheHits++
		}
	}

	out := models.FinalOutput{
		Pages:         make([]models.FinalPage, 0, len(sb.Pages)),
		QualityScores: make(map[string]float64),
		Stats: models.FinalStats{
			CacheHits:  cacheHits,
			ImageTasks: len(scenes.Images),
		},
		OutputPointer: fmt.Sprintf("comic://%s/final", in.SessionID),
	}
	for pi, page := range sb.Pages {
		fp := models.FinalPage{Panels: make([]string, 0, len(page.Panels))}
		for _, panel := range page.Panels {
			fp.Panels = append(fp.Panels, panel.ID)
			// First rendered panel of the page becomes its lead image.
			if fp.Image == "" {
				if img, ok := imageByPanel[panel.ID]; ok && !img.Placeholder {
					fp.Image = img.URL
				}
			}
		}
		if fp.Image == "" {
			fp.Image = fmt.Sprintf("placeholder://page/%d", pi+1)
		}
		if progress != nil {
			progress((pi+1)*100/len(sb.Pages), fmt.Sprintf("assembling page %d", pi+1))
		}
		out.Pages = append(out.Pages, fp)
	}

	return json.Marshal(out)
}

// Fallback is the same local assembly; with no backend involved there is
// nothing weaker to degrade to.
func (w *assembleWorker) Fallback(in *Input) (json.RawMessage, error) {
	return w.Execute(context.Background(), in, nil)
}

package stages

import (
	"context"
	"encoding/json"

	"github.com/comicgen/comicd/pkg/imagegen"
	"github.com/comicgen/comicd/pkg/models"
)

// sceneWorker is stage 5: the storyboard fans out into prioritized image
// tasks rendered through the executor.
type sceneWorker struct {
	exec        *imagegen.Executor
	maxAttempts int
}

// NewScenes builds the stage 5 worker.
func NewScenes(exec *imagegen.Executor, maxAttempts int) Worker {
	return &sceneWorker{exec: exec, maxAttempts: maxAttempts}
}

func (w *sceneWorker) Stage() int   { return 5 }
func (w *sceneWorker) Name() string { return models.StageName(5) }

func (w *sceneWorker) ValidateInput(in *Input) error {
	var sb models.StoryboardOutput
	if err := requirePrior(in, 4, &sb); err != nil {
		return err
	}
	if len(sb.Pages) == 0 {
		return models.NewStageError(models.ErrKindInvalidInput, 5, "storyboard has no pages", nil)
	}
	return nil
}

func (w *sceneWorker) Execute(ctx context.Context, in *Input, progress Progress) (json.RawMessage, error) {
	tasks, err := w.tasks(in)
	if err != nil {
		return nil, err
	}

	var cb func(done, total int)
	if progress != nil {
		cb = func(done, total int) {
			progress(done*100/total, models.StageName(5))
		}
	}
	out, _, err := w.exec.Render(ctx, tasks, cb)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Fallback renders nothing: every panel becomes a placeholder.
func (w *sceneWorker) Fallback(in *Input) (json.RawMessage, error) {
	tasks, err := w.tasks(in)
	if err != nil {
		return nil, err
	}
	out := &models.ScenesOutput{Images: make([]models.SceneImage, len(tasks))}
	for i, task := range tasks {
		out.Images[i] = models.SceneImage{
			PanelID:     task.PanelID,
			URL:         "placeholder://panel/" + task.PanelID,
			Prompt:      task.Prompt,
			Placeholder: true,
		}
	}
	return json.Marshal(out)
}

func (w *sceneWorker) tasks(in *Input) ([]*models.ImageTask, error) {
	var sb models.StoryboardOutput
	if err := requirePrior(in, 4, &sb); err != nil {
		return nil, err
	}
	return imagegen.BuildTasks(in.SessionID, &sb, w.style(in), in.Options.Quality, w.maxAttempts), nil
}

// style derives the shared visual style from the concept so every panel of a
// session renders consistently — and cache keys line up across retries.
func (w *sceneWorker) style(in *Input) map[string]string {
	var concept models.ConceptOutput
	if requirePrior(in, 1, &concept) != nil {
		return nil
	}
	style := map[string]string{"setting": concept.WorldSetting}
	if len(concept.Genres) > 0 {
		style["genre"] = concept.Genres[0]
	}
	return style
}

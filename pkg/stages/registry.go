package stages

import (
	"fmt"

	"github.com/comicgen/comicd/pkg/ai"
	"github.com/comicgen/comicd/pkg/imagegen"
	"github.com/comicgen/comicd/pkg/models"
)

// Registry holds the seven workers in pipeline order.
type Registry struct {
	workers [models.StageCount + 1]Worker
}

// NewRegistry wires the full pipeline over the given backends.
func NewRegistry(text ai.TextModel, images *imagegen.Executor, imageMaxAttempts int) *Registry {
	r := &Registry{}
	for _, w := range []Worker{
		NewConcept(text),
		NewCharacters(text),
		NewPlot(text),
		NewStoryboard(text),
		NewScenes(images, imageMaxAttempts),
		NewDialogue(text),
		NewAssemble(),
	} {
		r.workers[w.Stage()] = w
	}
	return r
}

// Worker returns the worker for a 1-based stage index.
func (r *Registry) Worker(stage int) (Worker, error) {
	if stage < 1 || stage > models.StageCount || r.workers[stage] == nil {
		return nil, fmt.Errorf("no worker for stage %d", stage)
	}
	return r.workers[stage], nil
}

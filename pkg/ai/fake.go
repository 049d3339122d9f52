package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/comicgen/comicd/pkg/models"
)

// FakeTextModel is a scripted text backend for tests and local development.
// Responses come from per-stage script functions; unscripted stages get a
// deterministic minimal payload.
type FakeTextModel struct {
	mu      sync.Mutex
	Scripts map[int]func(req *TextRequest) (json.RawMessage, error)
	calls   atomic.Int64
}

// NewFakeTextModel creates a fake with no scripts.
func NewFakeTextModel() *FakeTextModel {
	return &FakeTextModel{Scripts: make(map[int]func(*TextRequest) (json.RawMessage, error))}
}

// Script installs a response function for a stage.
func (f *FakeTextModel) Script(stage int, fn func(req *TextRequest) (json.RawMessage, error)) {
	f.mu.Lock()
	f.Scripts[stage] = fn
	f.mu.Unlock()
}

// Calls returns how many generations were requested.
func (f *FakeTextModel) Calls() int64 { return f.calls.Load() }

// GenerateText implements TextModel.
func (f *FakeTextModel) GenerateText(ctx context.Context, req *TextRequest) (*TextResponse, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, models.NewStageError(models.ErrKindCancelled, req.Stage, "request cancelled", err)
	}

	f.mu.Lock()
	fn := f.Scripts[req.Stage]
	f.mu.Unlock()

	if fn != nil {
		content, err := fn(req)
		if err != nil {
			return nil, err
		}
		return &TextResponse{Content: content, Model: "fake"}, nil
	}
	return &TextResponse{Content: defaultStagePayload(req.Stage), Model: "fake"}, nil
}

// FakeImageModel is a scripted image backend. FailPrompts maps prompts to
// errors; remaining prompts render a deterministic URL derived from the
// prompt hash.
type FakeImageModel struct {
	mu          sync.Mutex
	FailPrompts map[string]error
	Latency     func()
	calls       atomic.Int64
}

// NewFakeImageModel creates a fake that renders every prompt.
func NewFakeImageModel() *FakeImageModel {
	return &FakeImageModel{FailPrompts: make(map[string]error)}
}

// FailWith makes the given prompt fail with err on every call.
func (f *FakeImageModel) FailWith(prompt string, err error) {
	f.mu.Lock()
	f.FailPrompts[prompt] = err
	f.mu.Unlock()
}

// Calls returns how many renders were requested.
func (f *FakeImageModel) Calls() int64 { return f.calls.Load() }

// GenerateImage implements ImageModel.
func (f *FakeImageModel) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	f.calls.Add(1)
	if f.Latency != nil {
		f.Latency()
	}
	if err := ctx.Err(); err != nil {
		return nil, models.NewStageError(models.ErrKindCancelled, 5, "request cancelled", err)
	}

	f.mu.Lock()
	err := f.FailPrompts[req.Prompt]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(req.Prompt))
	return &ImageResponse{URL: "fake://image/" + hex.EncodeToString(sum[:8])}, nil
}

// defaultStagePayload returns a minimal valid output for each stage shape.
func defaultStagePayload(stage int) json.RawMessage {
	var v any
	switch stage {
	case 1:
		v = models.ConceptOutput{Theme: "a quiet heist", Genres: []string{"noir"},
			WorldSetting: "rain-slick city", TargetAudience: "adult", EstimatedPages: 2}
	case 2:
		v = models.CharactersOutput{Characters: []models.Character{
			{Name: "Mara", Role: "protagonist", Appearance: "trench coat", Personality: "wry"},
			{Name: "Ilya", Role: "foil", Appearance: "sharp suit", Personality: "cold"},
		}}
	case 3:
		v = models.PlotOutput{Act1: "the job", Act2: "the double-cross", Act3: "the getaway",
			KeyPoints: []string{"vault", "betrayal"}, SceneBreakdown: []string{"rooftop", "vault", "alley"}}
	case 4:
		v = models.StoryboardOutput{Pages: []models.StoryboardPage{
			{Panels: []models.Panel{
				{ID: "p1-1", Size: "large", CameraAngle: "wide", Description: "rooftop at night", Tone: "calm"},
				{ID: "p1-2", Size: "medium", CameraAngle: "close", Description: "Mara checks the rope", Tone: "tension"},
				{ID: "p1-3", Size: "small", CameraAngle: "over-shoulder", Description: "the vault below", Tone: "tension"},
			}},
			{Panels: []models.Panel{
				{ID: "p2-1", Size: "splash", CameraAngle: "low", Description: "the drop", Tone: "climax"},
				{ID: "p2-2", Size: "medium", CameraAngle: "close", Description: "alarm light", Tone: "climax"},
				{ID: "p2-3", Size: "small", CameraAngle: "wide", Description: "empty alley", Tone: "calm"},
			}},
		}}
	case 6:
		v = models.DialogueOutput{Dialogues: []models.DialogueLine{
			{Character: "Mara", Text: "Last job.", BubbleType: "speech", PanelID: "p1-2"},
			{Character: "Ilya", Text: "They all are.", BubbleType: "speech", PanelID: "p1-3"},
		}, SoundEffects: []string{"KLANG"}}
	case 7:
		v = models.FinalOutput{Pages: []models.FinalPage{
			{Image: "fake://page/1", Panels: []string{"p1-1", "p1-2", "p1-3"}},
			{Image: "fake://page/2", Panels: []string{"p2-1", "p2-2", "p2-3"}},
		}, OutputPointer: "fake://comic/final"}
	default:
		v = map[string]string{"stage": models.StageName(stage)}
	}
	data, _ := json.Marshal(v)
	return data
}

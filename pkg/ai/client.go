// Package ai defines the generative backend interfaces and their HTTP
// implementations. Stage workers depend only on the interfaces; the HTTP
// clients translate transport failures into the engine's error taxonomy so
// the retry policy upstream never inspects raw errors.
package ai

import (
	"context"
	"encoding/json"

	"github.com/comicgen/comicd/pkg/models"
)

// TextRequest is one call to the text model. Input carries the submission
// plus prior stage outputs; Modifications carry accepted feedback.
type TextRequest struct {
	Stage         int                             `json:"stage"`
	StageName     string                          `json:"stage_name"`
	Instruction   string                          `json:"instruction"`
	Input         json.RawMessage                 `json:"input"`
	Modifications []models.ModificationDescriptor `json:"modifications,omitempty"`
}

// TextResponse is the model's structured reply. Content must parse as the
// requesting stage's output shape; shape violations are the worker's to
// detect.
type TextResponse struct {
	Content json.RawMessage `json:"content"`
	Model   string          `json:"model,omitempty"`
}

// TextModel generates structured stage outputs (stages 1-4, 6, 7).
type TextModel interface {
	GenerateText(ctx context.Context, req *TextRequest) (*TextResponse, error)
}

// ImageRequest is one panel render call.
type ImageRequest struct {
	Prompt         string              `json:"prompt"`
	NegativePrompt string              `json:"negative_prompt,omitempty"`
	Style          map[string]string   `json:"style,omitempty"`
	Quality        models.QualityLevel `json:"quality"`
}

// ImageResponse carries the rendered panel: a URL, inline bytes, or both.
type ImageResponse struct {
	URL   string `json:"url,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

// ImageModel renders panels (stage 5).
type ImageModel interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

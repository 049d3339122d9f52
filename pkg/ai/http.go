package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
)

// HTTPClient talks JSON over HTTP to the text and image services.
type HTTPClient struct {
	httpClient *http.Client
	textURL    string
	imageURL   string
	logger     *slog.Logger
}

// NewHTTPClient creates a client for both backends from configuration.
func NewHTTPClient(cfg *config.AIConfig) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		textURL:    cfg.TextServiceURL,
		imageURL:   cfg.ImageServiceURL,
		logger:     slog.Default(),
	}
}

// GenerateText calls the text service.
func (c *HTTPClient) GenerateText(ctx context.Context, req *TextRequest) (*TextResponse, error) {
	var resp TextResponse
	if err := c.post(ctx, c.textURL+"/v1/generate", req.Stage, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Content) == 0 {
		return nil, models.NewStageError(models.ErrKindAIRetryable, req.Stage,
			"text service returned empty content", nil)
	}
	return &resp, nil
}

// GenerateImage calls the image service.
func (c *HTTPClient) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	var resp ImageResponse
	if err := c.post(ctx, c.imageURL+"/v1/images", 5, req, &resp); err != nil {
		return nil, err
	}
	if resp.URL == "" && len(resp.Bytes) == 0 {
		return nil, models.NewStageError(models.ErrKindAIRetryable, 5,
			"image service returned neither URL nor bytes", nil)
	}
	return &resp, nil
}

// serviceError is the backends' error envelope.
type serviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) post(ctx context.Context, url string, stage int, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return models.NewStageError(models.ErrKindAIFatal, stage, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.NewStageError(models.ErrKindAIFatal, stage, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(stage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(stage, resp.StatusCode, data)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewStageError(models.ErrKindAIRetryable, stage, "decode response", err)
	}
	return nil
}

// classifyTransport maps network-level failures into the taxonomy.
func classifyTransport(stage int, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return models.NewStageError(models.ErrKindCancelled, stage, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewStageError(models.ErrKindAIRetryable, stage, "backend request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewStageError(models.ErrKindAIRetryable, stage, "backend request timed out", err)
	}
	// Connection refused, DNS failures and the like are transient.
	return models.NewStageError(models.ErrKindAIRetryable, stage, "backend unreachable", err)
}

// classifyStatus maps HTTP status codes into the taxonomy. Content policy
// rejections are terminal and never retried.
func classifyStatus(stage, status int, body []byte) error {
	var se serviceError
	_ = json.Unmarshal(body, &se)
	msg := se.Message
	if msg == "" {
		msg = fmt.Sprintf("backend returned HTTP %d", status)
	}

	if se.Code == "content_policy" || status == http.StatusUnprocessableEntity {
		return models.NewStageError(models.ErrKindContentPolicy, stage, msg, nil)
	}
	switch {
	case status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return models.NewStageError(models.ErrKindAIRetryable, stage, msg, nil)
	default:
		return models.NewStageError(models.ErrKindAIFatal, stage, msg, nil)
	}
}

package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
)

func newTestClient(textURL, imageURL string) *HTTPClient {
	return NewHTTPClient(&config.AIConfig{
		TextServiceURL:  textURL,
		ImageServiceURL: imageURL,
		RequestTimeout:  2 * time.Second,
	})
}

func TestGenerateTextSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate", r.URL.Path)
		var req TextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 1, req.Stage)
		json.NewEncoder(w).Encode(TextResponse{Content: json.RawMessage(`{"theme":"noir"}`)})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	resp, err := c.GenerateText(context.Background(), &TextRequest{Stage: 1, StageName: "concept"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"noir"}`, string(resp.Content))
}

func TestGenerateTextStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   models.ErrorKind
	}{
		{"rate limited is retryable", http.StatusTooManyRequests, `{}`, models.ErrKindAIRetryable},
		{"server error is retryable", http.StatusBadGateway, `{}`, models.ErrKindAIRetryable},
		{"bad request is fatal", http.StatusBadRequest, `{"message":"no"}`, models.ErrKindAIFatal},
		{"content policy code", http.StatusBadRequest, `{"code":"content_policy","message":"blocked"}`, models.ErrKindContentPolicy},
		{"content policy status", http.StatusUnprocessableEntity, `{}`, models.ErrKindContentPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(srv.URL, srv.URL)
			_, err := c.GenerateText(context.Background(), &TextRequest{Stage: 3})
			require.Error(t, err)
			assert.Equal(t, tt.kind, models.KindOf(err))
		})
	}
}

func TestGenerateTextUnreachableIsRetryable(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1", "http://127.0.0.1:1")
	_, err := c.GenerateText(context.Background(), &TextRequest{Stage: 2})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindAIRetryable, models.KindOf(err))
}

func TestGenerateTextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	c := newTestClient(srv.URL, srv.URL)
	_, err := c.GenerateText(ctx, &TextRequest{Stage: 1})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindCancelled, models.KindOf(err))
}

func TestGenerateImage(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/images", r.URL.Path)
		json.NewEncoder(w).Encode(ImageResponse{URL: "http://cdn/img/1"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	resp, err := c.GenerateImage(context.Background(), &ImageRequest{
		Prompt: "rooftop at night", Quality: models.QualityMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/img/1", resp.URL)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGenerateImageEmptyResponseIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	_, err := c.GenerateImage(context.Background(), &ImageRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindAIRetryable, models.KindOf(err))
}

func TestFakeModelsAreDeterministic(t *testing.T) {
	text := NewFakeTextModel()
	resp, err := text.GenerateText(context.Background(), &TextRequest{Stage: 4})
	require.NoError(t, err)
	var sb models.StoryboardOutput
	require.NoError(t, json.Unmarshal(resp.Content, &sb))
	assert.NotEmpty(t, sb.Pages)

	img := NewFakeImageModel()
	a, err := img.GenerateImage(context.Background(), &ImageRequest{Prompt: "same"})
	require.NoError(t, err)
	b, err := img.GenerateImage(context.Background(), &ImageRequest{Prompt: "same"})
	require.NoError(t, err)
	assert.Equal(t, a.URL, b.URL)
	assert.EqualValues(t, 2, img.Calls())
}

package hitl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicgen/comicd/pkg/models"
)

func storyboardResult(t *testing.T) *models.StageResult {
	t.Helper()
	out, err := json.Marshal(models.StoryboardOutput{
		Pages: []models.StoryboardPage{
			{Panels: []models.Panel{{ID: "p1-1", Size: "large"}, {ID: "p1-2", Size: "small"}}},
		},
	})
	require.NoError(t, err)
	return &models.StageResult{SessionID: "sess-1", Stage: 4, Output: out}
}

func TestDerivePreviewDeterministicAndCached(t *testing.T) {
	cache := NewPreviewCache(time.Minute)
	result := storyboardResult(t)

	p1 := DerivePreview(cache, "sess-1", result, models.QualityMedium)
	p2 := DerivePreview(cache, "sess-1", result, models.QualityMedium)

	assert.Same(t, p1, p2, "second derivation should hit the cache")
	assert.Equal(t, "1 pages, 2 panels", p1.Summary)
	assert.NotEmpty(t, p1.Fingerprint)

	// A different quality level is a different cache key.
	p3 := DerivePreview(cache, "sess-1", result, models.QualityLow)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, p1.Fingerprint, p3.Fingerprint)
}

func TestDerivePreviewLowQualityStripsBytes(t *testing.T) {
	out, err := json.Marshal(models.ScenesOutput{
		Images: []models.SceneImage{{PanelID: "p1-1", Bytes: []byte("png-data"), URL: "http://img/1"}},
	})
	require.NoError(t, err)
	result := &models.StageResult{SessionID: "sess-1", Stage: 5, Output: out}

	p := DerivePreview(nil, "sess-1", result, models.QualityUltraLow)
	rendered, ok := p.Rendered.(map[string]any)
	require.True(t, ok)
	images, ok := rendered["images"].([]any)
	require.True(t, ok)
	img := images[0].(map[string]any)
	assert.NotContains(t, img, "bytes")
	assert.Equal(t, "http://img/1", img["url"])
}

func TestPreviewCacheExpiry(t *testing.T) {
	cache := NewPreviewCache(10 * time.Millisecond)
	result := storyboardResult(t)

	p := DerivePreview(cache, "sess-1", result, models.QualityHigh)
	time.Sleep(20 * time.Millisecond)

	_, ok := cache.Get(p.Stage, p.Quality, p.Fingerprint)
	assert.False(t, ok, "entry should have expired")
}

func TestFingerprintVariesWithContent(t *testing.T) {
	a := Fingerprint(json.RawMessage(`{"theme":"noir"}`))
	b := Fingerprint(json.RawMessage(`{"theme":"space"}`))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Fingerprint(json.RawMessage(`{"theme":"noir"}`)))
}

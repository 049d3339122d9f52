package hitl

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/comicgen/comicd/pkg/models"
)

// previewEntry holds one derived preview with a timestamp for TTL expiration.
type previewEntry struct {
	payload   *models.PreviewPayload
	derivedAt time.Time
}

// PreviewCache memoises preview derivations keyed by (stage, quality, output
// fingerprint). Expired entries are cleaned up lazily on Get — no background
// goroutine.
type PreviewCache struct {
	mu      sync.RWMutex
	entries map[string]*previewEntry
	ttl     time.Duration
}

// NewPreviewCache creates a cache with the given TTL.
func NewPreviewCache(ttl time.Duration) *PreviewCache {
	return &PreviewCache{
		entries: make(map[string]*previewEntry),
		ttl:     ttl,
	}
}

func previewKey(stage int, quality models.QualityLevel, fingerprint string) string {
	return fmt.Sprintf("%d:%s:%s", stage, quality, fingerprint)
}

// Get returns a cached preview if present and not expired.
func (c *PreviewCache) Get(stage int, quality models.QualityLevel, fingerprint string) (*models.PreviewPayload, bool) {
	key := previewKey(stage, quality, fingerprint)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.derivedAt) > c.ttl {
		// Expired; re-check under write lock in case a concurrent Set
		// refreshed the entry.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.derivedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.payload, true
}

// Set stores a derived preview with the current timestamp.
func (c *PreviewCache) Set(p *models.PreviewPayload) {
	c.mu.Lock()
	c.entries[previewKey(p.Stage, p.Quality, p.Fingerprint)] = &previewEntry{
		payload:   p,
		derivedAt: time.Now(),
	}
	c.mu.Unlock()
}

// Fingerprint returns the content identity of a stage output, used as the
// preview cache key component and recorded on preview payloads.
func Fingerprint(output json.RawMessage) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(output))
}

// DerivePreview builds the rendering-ready projection of a stage result at
// the requested quality level, memoised through the cache. Derivation is pure
// in the result so the same (stage, quality, fingerprint) always yields the
// same preview.
func DerivePreview(cache *PreviewCache, sessionID string, result *models.StageResult, quality models.QualityLevel) *models.PreviewPayload {
	fp := Fingerprint(result.Output)
	if cache != nil {
		if p, ok := cache.Get(result.Stage, quality, fp); ok {
			return p
		}
	}

	p := &models.PreviewPayload{
		SessionID:   sessionID,
		Stage:       result.Stage,
		Quality:     quality,
		Fingerprint: fp,
		Summary:     summarize(result.Stage, result.Output),
		Rendered:    render(result.Output, quality),
		GeneratedAt: time.Now(),
	}
	if cache != nil {
		cache.Set(p)
	}
	return p
}

// summarize produces the one-line human summary per stage shape.
func summarize(stage int, output json.RawMessage) string {
	switch stage {
	case 1:
		var c models.ConceptOutput
		if json.Unmarshal(output, &c) == nil && c.Theme != "" {
			return fmt.Sprintf("concept: %s (%d pages)", c.Theme, c.EstimatedPages)
		}
	case 2:
		var c models.CharactersOutput
		if json.Unmarshal(output, &c) == nil {
			return fmt.Sprintf("%d characters", len(c.Characters))
		}
	case 3:
		var p models.PlotOutput
		if json.Unmarshal(output, &p) == nil {
			return fmt.Sprintf("three-act plot, %d key points", len(p.KeyPoints))
		}
	case 4:
		var sb models.StoryboardOutput
		if json.Unmarshal(output, &sb) == nil {
			panels := 0
			for _, page := range sb.Pages {
				panels += len(page.Panels)
			}
			return fmt.Sprintf("%d pages, %d panels", len(sb.Pages), panels)
		}
	case 5:
		var sc models.ScenesOutput
		if json.Unmarshal(output, &sc) == nil {
			placeholders := 0
			for _, img := range sc.Images {
				if img.Placeholder {
					placeholders++
				}
			}
			return fmt.Sprintf("%d images (%d placeholders)", len(sc.Images), placeholders)
		}
	case 6:
		var d models.DialogueOutput
		if json.Unmarshal(output, &d) == nil {
			return fmt.Sprintf("%d dialogue lines", len(d.Dialogues))
		}
	case 7:
		var f models.FinalOutput
		if json.Unmarshal(output, &f) == nil {
			return fmt.Sprintf("final comic, %d pages", len(f.Pages))
		}
	}
	return models.StageName(stage)
}

// render down-samples the output for transport. Low quality levels strip
// inline image bytes; higher levels pass the payload through.
func render(output json.RawMessage, quality models.QualityLevel) any {
	var v any
	if err := json.Unmarshal(output, &v); err != nil {
		return nil
	}
	switch quality {
	case models.QualityUltraLow, models.QualityLow:
		stripBytes(v)
	}
	return v
}

// stripBytes removes inline "bytes" fields in place, keeping URLs.
func stripBytes(v any) {
	switch val := v.(type) {
	case map[string]any:
		delete(val, "bytes")
		for _, child := range val {
			stripBytes(child)
		}
	case []any:
		for _, child := range val {
			stripBytes(child)
		}
	}
}

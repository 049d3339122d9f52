package imagegen

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
)

// cachedImage holds one rendered panel with its expiry.
type cachedImage struct {
	url       string
	bytes     []byte
	expiresAt time.Time
}

// Cache is a content-addressed image cache. Keys are derived from the full
// generation input (prompt, negative prompt, style) so identical requests
// across sessions share renders. TTL depends on the render quality; expired
// entries are cleaned up lazily on Get.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cachedImage
	cfg     *config.ImageConfig
}

// NewCache creates an empty cache using the configured per-quality TTLs.
func NewCache(cfg *config.ImageConfig) *Cache {
	return &Cache{
		entries: make(map[string]*cachedImage),
		cfg:     cfg,
	}
}

// CacheKey computes the content address of a task's generation input. The
// style map is serialized with sorted keys so key order never changes the
// address.
func CacheKey(task *models.ImageTask) string {
	styleKeys := make([]string, 0, len(task.Style))
	for k := range task.Style {
		styleKeys = append(styleKeys, k)
	}
	sort.Strings(styleKeys)

	canonical := struct {
		Prompt   string   `json:"prompt"`
		Negative string   `json:"negative"`
		Style    []string `json:"style"`
		Quality  string   `json:"quality"`
	}{
		Prompt:   task.Prompt,
		Negative: task.NegativePrompt,
		Style:    make([]string, 0, len(styleKeys)),
		Quality:  string(task.Quality),
	}
	for _, k := range styleKeys {
		canonical.Style = append(canonical.Style, k+"="+task.Style[k])
	}

	data, _ := json.Marshal(canonical)
	// Two independent 64-bit lanes give a 128-bit address; collisions at
	// realistic cache sizes are not a concern.
	lane1 := xxhash.Sum64(data)
	lane2 := xxhash.Sum64(append([]byte{0xff}, data...))
	return fmt.Sprintf("%016x%016x", lane1, lane2)
}

// Get returns a cached render if present and not expired.
func (c *Cache) Get(key string) (url string, bytes []byte, ok bool) {
	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()

	if !found {
		return "", nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		if current, found := c.entries[key]; found && time.Now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return "", nil, false
	}
	return entry.url, entry.bytes, true
}

// Set stores a render with the TTL for its quality level.
func (c *Cache) Set(key string, quality models.QualityLevel, url string, bytes []byte) {
	c.mu.Lock()
	c.entries[key] = &cachedImage{
		url:       url,
		bytes:     bytes,
		expiresAt: time.Now().Add(c.cfg.CacheTTL(quality)),
	}
	c.mu.Unlock()
}

// Len returns the number of resident entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

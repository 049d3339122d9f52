package imagegen

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/comicgen/comicd/pkg/ai"
	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
	"github.com/comicgen/comicd/pkg/pool"
)

// Executor renders a batch of image tasks concurrently. Per-session
// concurrency is bounded by its own semaphore; each in-flight render also
// holds a slot from the global pool so sessions cannot starve each other.
type Executor struct {
	model   ai.ImageModel
	cache   *Cache
	pool    *pool.Pool
	metrics *pool.Metrics
	cfg     *config.ImageConfig
	logger  *slog.Logger
}

// NewExecutor wires an executor over the given backend, cache, and pool.
func NewExecutor(model ai.ImageModel, cache *Cache, p *pool.Pool, metrics *pool.Metrics, cfg *config.ImageConfig) *Executor {
	return &Executor{
		model:   model,
		cache:   cache,
		pool:    p,
		metrics: metrics,
		cfg:     cfg,
		logger:  slog.Default(),
	}
}

// Render executes all tasks and assembles the stage 5 output. Tasks run in
// priority order; failures degrade to placeholders rather than failing the
// batch. Only context cancellation aborts the whole render.
//
// progress, when non-nil, is called after each finished task with
// (done, total).
func (e *Executor) Render(ctx context.Context, tasks []*models.ImageTask, progress func(done, total int)) (*models.ScenesOutput, []models.ImageResult, error) {
	sortTasks(tasks)

	sessionSem := semaphore.NewWeighted(int64(e.cfg.PerSessionConcurrency))
	results := make([]models.ImageResult, len(tasks))
	started := time.Now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for i, task := range tasks {
		if err := sessionSem.Acquire(ctx, 1); err != nil {
			// Cancelled mid-batch; wait for in-flight renders then bail.
			wg.Wait()
			return nil, nil, models.NewStageError(models.ErrKindCancelled, 5, "image fan-out cancelled", ctx.Err())
		}
		wg.Add(1)
		go func(i int, task *models.ImageTask) {
			defer wg.Done()
			defer sessionSem.Release(1)
			results[i] = e.renderOne(ctx, task)

			if progress != nil {
				mu.Lock()
				done++
				n := done
				mu.Unlock()
				progress(n, len(tasks))
			}
		}(i, task)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, models.NewStageError(models.ErrKindCancelled, 5, "image fan-out cancelled", err)
	}

	wall := time.Since(started)
	out := &models.ScenesOutput{
		Images:     make([]models.SceneImage, len(results)),
		Efficiency: parallelEfficiency(results, wall, e.cfg.PerSessionConcurrency),
	}
	for i, r := range results {
		out.Images[i] = models.SceneImage{
			PanelID:     r.PanelID,
			URL:         r.URL,
			Bytes:       r.Bytes,
			Prompt:      r.Prompt,
			CacheHit:    r.CacheHit,
			Placeholder: r.Placeholder,
		}
	}
	return out, results, nil
}

// renderOne runs the retry loop for a single task.
func (e *Executor) renderOne(ctx context.Context, task *models.ImageTask) models.ImageResult {
	started := time.Now()
	result := models.ImageResult{PanelID: task.PanelID, Prompt: task.Prompt}
	logger := e.logger.With("session_id", task.SessionID, "panel_id", task.PanelID)

	key := CacheKey(task)
	if url, bytes, ok := e.cache.Get(key); ok {
		e.metrics.ImageCacheHits.Inc()
		result.URL = url
		result.Bytes = bytes
		result.CacheHit = true
		result.Elapsed = time.Since(started)
		return result
	}
	e.metrics.ImageCacheMisses.Inc()

	for attempt := 1; attempt <= task.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := e.pool.AcquireImageSlot(ctx); err != nil {
			result.Err = err.Error()
			result.Placeholder = true
			break
		}
		resp, err := e.model.GenerateImage(ctx, &ai.ImageRequest{
			Prompt:         task.Prompt,
			NegativePrompt: task.NegativePrompt,
			Style:          task.Style,
			Quality:        task.Quality,
		})
		e.pool.ReleaseImageSlot()

		if err == nil {
			result.URL = resp.URL
			result.Bytes = resp.Bytes
			e.cache.Set(key, task.Quality, resp.URL, resp.Bytes)
			result.Elapsed = time.Since(started)
			return result
		}

		kind := models.KindOf(err)
		result.Err = err.Error()
		if kind == models.ErrKindCancelled {
			result.Placeholder = true
			break
		}
		if !kind.Retryable() {
			// Content policy and fatal backend errors degrade immediately.
			logger.Warn("image task degraded to placeholder",
				"error_kind", string(kind), "attempt", attempt)
			result.Placeholder = true
			break
		}
		if attempt < task.MaxAttempts {
			delay := e.backoff(attempt)
			logger.Debug("image task retrying", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				result.Placeholder = true
				result.Elapsed = time.Since(started)
				return result
			}
		}
	}

	if result.URL == "" && len(result.Bytes) == 0 {
		result.Placeholder = true
		result.URL = "placeholder://panel/" + task.PanelID
	}
	result.Elapsed = time.Since(started)
	return result
}

// backoff returns the exponential retry delay with jitter, capped.
func (e *Executor) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	jitter := 1 + e.cfg.JitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// parallelEfficiency is the published batch score:
// 1 − wall/(count × mean-per-task), scaled by min(1, bound/count), reported
// in [0,1]. count × mean-per-task is the summed per-task time, so a fully
// serial batch scores 0 and perfect overlap under the bound approaches 1.
func parallelEfficiency(results []models.ImageResult, wall time.Duration, bound int) float64 {
	var total time.Duration
	for _, r := range results {
		total += r.Elapsed
	}
	if total <= 0 || wall <= 0 || bound < 1 {
		return 0
	}
	eff := 1 - float64(wall)/float64(total)
	if n := len(results); bound < n {
		eff *= float64(bound) / float64(n)
	}
	if eff < 0 {
		eff = 0
	}
	if eff > 1 {
		eff = 1
	}
	return eff
}

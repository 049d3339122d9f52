// Package pool provides the global resource admission layer: weighted
// semaphores bounding concurrent sessions, stage workers, and image tasks,
// plus the Prometheus metrics describing pipeline health.
package pool

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
)

// Pool bounds the engine's three contended resources. Session admission is
// non-blocking (reject at submission); stage and image slots block until
// available or the context is cancelled.
type Pool struct {
	sessions *semaphore.Weighted
	stages   *semaphore.Weighted
	images   *semaphore.Weighted
}

// New sizes a pool from validated configuration.
func New(cfg *config.PoolConfig) *Pool {
	return &Pool{
		sessions: semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		stages:   semaphore.NewWeighted(int64(cfg.MaxStageWorkers)),
		images:   semaphore.NewWeighted(int64(cfg.MaxImageTasks)),
	}
}

// AdmitSession reserves a session slot, or fails immediately with a capacity
// error when the engine is saturated. Never queues: the caller surfaces the
// rejection to the client, who may retry.
func (p *Pool) AdmitSession() error {
	if !p.sessions.TryAcquire(1) {
		return models.NewEngineError(models.ErrKindCapacity,
			"engine at maximum concurrent sessions")
	}
	return nil
}

// ReleaseSession returns a session slot. Must be called exactly once per
// successful AdmitSession.
func (p *Pool) ReleaseSession() { p.sessions.Release(1) }

// AcquireStageWorker blocks until a stage worker slot is free.
func (p *Pool) AcquireStageWorker(ctx context.Context) error {
	if err := p.stages.Acquire(ctx, 1); err != nil {
		return models.NewEngineError(models.ErrKindCancelled, "stage worker acquisition cancelled")
	}
	return nil
}

// ReleaseStageWorker returns a stage worker slot.
func (p *Pool) ReleaseStageWorker() { p.stages.Release(1) }

// AcquireImageSlot blocks until a global image task slot is free. The per-
// session bound is enforced separately by the image executor.
func (p *Pool) AcquireImageSlot(ctx context.Context) error {
	if err := p.images.Acquire(ctx, 1); err != nil {
		return models.NewEngineError(models.ErrKindCancelled, "image slot acquisition cancelled")
	}
	return nil
}

// ReleaseImageSlot returns a global image task slot.
func (p *Pool) ReleaseImageSlot() { p.images.Release(1) }

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/models"
)

func TestSessionAdmissionRejectsAtCapacity(t *testing.T) {
	p := New(&config.PoolConfig{MaxConcurrentSessions: 2, MaxStageWorkers: 1, MaxImageTasks: 1})

	require.NoError(t, p.AdmitSession())
	require.NoError(t, p.AdmitSession())

	err := p.AdmitSession()
	require.Error(t, err)
	assert.Equal(t, models.ErrKindCapacity, models.KindOf(err))

	p.ReleaseSession()
	assert.NoError(t, p.AdmitSession(), "slot should be reusable after release")
}

func TestImageSlotBlocksUntilReleased(t *testing.T) {
	p := New(&config.PoolConfig{MaxConcurrentSessions: 1, MaxStageWorkers: 1, MaxImageTasks: 1})

	require.NoError(t, p.AcquireImageSlot(context.Background()))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, p.AcquireImageSlot(context.Background()))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the slot is held")
	case <-time.After(20 * time.Millisecond):
	}

	p.ReleaseImageSlot()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not proceed after release")
	}
	p.ReleaseImageSlot()
}

func TestStageWorkerAcquireCancellation(t *testing.T) {
	p := New(&config.PoolConfig{MaxConcurrentSessions: 1, MaxStageWorkers: 1, MaxImageTasks: 1})
	require.NoError(t, p.AcquireStageWorker(context.Background()))
	defer p.ReleaseStageWorker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.AcquireStageWorker(ctx)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindCancelled, models.KindOf(err))
}

func TestMetricsObservations(t *testing.T) {
	m := NopMetrics()

	m.ObserveStage("concept", "pass", 2*time.Second)
	m.ObservePipeline(120*time.Second, 97*time.Second)
	m.ObservePipeline(80*time.Second, 97*time.Second)
	m.ImageCacheHits.Inc()
	m.HITLResolutions.WithLabelValues("timeout").Inc()
	// Collectors accept the observations without panicking; values are
	// scraped through the registry in production.
}

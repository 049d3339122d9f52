// Package engine is the pipeline scheduler: it admits submissions under the
// global pool, drives each session through the seven-stage state machine on a
// dedicated goroutine, and is the single writer of session state. Everything
// user-visible flows out as typed events through the publisher.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comicgen/comicd/pkg/ai"
	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/events"
	"github.com/comicgen/comicd/pkg/hitl"
	"github.com/comicgen/comicd/pkg/imagegen"
	"github.com/comicgen/comicd/pkg/models"
	"github.com/comicgen/comicd/pkg/pool"
	"github.com/comicgen/comicd/pkg/quality"
	"github.com/comicgen/comicd/pkg/stages"
	"github.com/comicgen/comicd/pkg/store"
	"github.com/comicgen/comicd/pkg/version"
)

// sessionState is the engine's handle on one admitted session. The run
// goroutine owns the session value; readers take snapshots under mu.
type sessionState struct {
	mu        sync.Mutex
	session   *models.Session
	log       *version.Log
	cancel    context.CancelFunc
	overrides map[int]string // stage → actor who forced the gate
	doneAt    time.Time
}

func (st *sessionState) snapshot() *models.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session.Clone()
}

func (st *sessionState) update(fn func(s *models.Session)) *models.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.session)
	return st.session.Clone()
}

func (st *sessionState) takeOverride(stage int) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	actor, ok := st.overrides[stage]
	if ok {
		delete(st.overrides, stage)
	}
	return actor, ok
}

// Engine drives sessions end to end.
type Engine struct {
	cfg         *config.Config
	store       store.Store
	bus         *events.Bus
	publisher   *events.Publisher
	registry    *stages.Registry
	gate        *quality.Gate
	evaluators  map[string]quality.Evaluator
	coordinator *hitl.Coordinator
	previews    *hitl.PreviewCache
	pool        *pool.Pool
	metrics     *pool.Metrics
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState
	stopping bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New assembles an engine over the given backends and store.
func New(cfg *config.Config, st store.Store, text ai.TextModel, image ai.ImageModel, metrics *pool.Metrics) *Engine {
	bus := events.NewBus(cfg.Bus.SubscriberQueueSize, func() { metrics.EventsDropped.Inc() })
	p := pool.New(cfg.Pool)
	executor := imagegen.NewExecutor(image, imagegen.NewCache(cfg.Images), p, metrics, cfg.Images)

	return &Engine{
		cfg:         cfg,
		store:       st,
		bus:         bus,
		publisher:   events.NewPublisher(st, bus),
		registry:    stages.NewRegistry(text, executor, cfg.Images.MaxAttempts),
		gate:        quality.NewGate(cfg.Quality, cfg.Pipeline.MaxAttempts),
		evaluators:  quality.DefaultEvaluators(),
		coordinator: hitl.NewCoordinator(),
		previews:    hitl.NewPreviewCache(cfg.HITL.PreviewCacheTTL),
		pool:        p,
		metrics:     metrics,
		logger:      slog.Default(),
		sessions:    make(map[string]*sessionState),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the retention sweeper.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runRetentionSweeper()
	}()
	e.logger.Info("engine started",
		"max_sessions", e.cfg.Pool.MaxConcurrentSessions,
		"stage_workers", e.cfg.Pool.MaxStageWorkers)
}

// Stop rejects new submissions, cancels active sessions, and waits for their
// goroutines to finish or ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopping = true
	active := make([]*sessionState, 0, len(e.sessions))
	for _, st := range e.sessions {
		active = append(active, st)
	}
	e.mu.Unlock()

	e.logger.Info("engine stopping", "active_sessions", len(active))
	for _, st := range active {
		if st.cancel != nil {
			st.cancel()
		}
	}
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit admits a new session and starts its pipeline. When clientToken is
// set and the owner already submitted with it, the existing session is
// returned instead of creating a duplicate.
func (e *Engine) Submit(ctx context.Context, ownerID, submission, clientToken string, opts models.SubmissionOptions) (*models.Session, error) {
	if strings.TrimSpace(submission) == "" {
		return nil, models.NewEngineError(models.ErrKindInvalidInput, "submission is empty")
	}
	if opts.Quality == "" {
		opts.Quality = models.QualityMedium
	}
	if !opts.Quality.Valid() {
		return nil, models.NewEngineError(models.ErrKindInvalidInput, "unknown quality level")
	}
	if opts.StageBudgets != nil && len(opts.StageBudgets) != models.StageCount {
		return nil, models.NewEngineError(models.ErrKindInvalidInput, "stage budget overrides must cover all stages")
	}
	if opts.HITLTimeout == 0 {
		opts.HITLTimeout = e.cfg.HITL.Timeout
	}

	if clientToken != "" {
		if existing, err := e.store.FindByClientToken(ctx, ownerID, clientToken); err == nil {
			return existing, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, models.NewEngineError(models.ErrKindPersistence, err.Error())
		}
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return nil, models.NewEngineError(models.ErrKindCapacity, "engine is shutting down")
	}
	e.mu.Unlock()

	if err := e.pool.AdmitSession(); err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		ClientToken: clientToken,
		Submission:  submission,
		Options:     opts,
		Status:      models.SessionQueued,
		CreatedAt:   time.Now(),
	}
	// The session row must exist before any event or version references it.
	if err := e.store.PutSession(ctx, session); err != nil {
		e.pool.ReleaseSession()
		return nil, models.NewEngineError(models.ErrKindPersistence, err.Error())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &sessionState{
		session:   session,
		log:       version.NewLog(session.ID, e.store),
		cancel:    cancel,
		overrides: make(map[int]string),
	}
	e.mu.Lock()
	e.sessions[session.ID] = st
	e.mu.Unlock()

	e.metrics.ActiveSessions.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSession(runCtx, st)
	}()

	return session.Clone(), nil
}

// Cancel requests cancellation of a session. Idempotent: cancelling a
// terminal or already-cancelled session is a no-op.
func (e *Engine) Cancel(sessionID string) error {
	e.mu.RLock()
	st := e.sessions[sessionID]
	e.mu.RUnlock()
	if st == nil {
		// Resident nowhere: fine if it exists at all.
		if _, err := e.store.GetSession(context.Background(), sessionID); err != nil {
			return models.NewEngineError(models.ErrKindNotFound, "unknown session")
		}
		return nil
	}
	if st.snapshot().Status.Terminal() {
		return nil
	}
	st.cancel()
	return nil
}

// SubmitFeedback routes a feedback envelope to the session's open rendezvous.
func (e *Engine) SubmitFeedback(env *models.FeedbackEnvelope) error {
	e.mu.RLock()
	st := e.sessions[env.SessionID]
	e.mu.RUnlock()
	if st == nil {
		return models.NewEngineError(models.ErrKindNotFound, "unknown session")
	}
	return e.coordinator.Submit(env)
}

// OverrideGate forces the next quality gate evaluation of the stage to pass.
// The actor is recorded on the resulting version. Authorization is the API
// layer's concern.
func (e *Engine) OverrideGate(sessionID string, stage int, actor string) error {
	if stage < 1 || stage > models.StageCount {
		return models.NewEngineError(models.ErrKindInvalidInput, "stage out of range")
	}
	e.mu.RLock()
	st := e.sessions[sessionID]
	e.mu.RUnlock()
	if st == nil {
		return models.NewEngineError(models.ErrKindNotFound, "unknown session")
	}
	if st.snapshot().Status.Terminal() {
		return models.NewEngineError(models.ErrKindStageClosed, "session is terminal")
	}
	st.mu.Lock()
	st.overrides[stage] = actor
	st.mu.Unlock()
	e.logger.Info("gate override registered", "session_id", sessionID, "stage", stage, "actor", actor)
	return nil
}

// Subscribe attaches a live event subscription for the session. The first
// delivered event is a snapshot of current state.
func (e *Engine) Subscribe(sessionID string) (*events.Subscription, error) {
	s, err := e.GetSession(context.Background(), sessionID)
	if err != nil {
		return nil, err
	}
	// A non-resident session has no live topic; seed one from the durable row
	// so the snapshot reflects real state instead of a fresh queued topic.
	e.bus.SeedTopic(sessionID, s.Status, s.CurrentStage)
	return e.bus.Subscribe(sessionID), nil
}

// Unsubscribe detaches a subscription.
func (e *Engine) Unsubscribe(sub *events.Subscription) { e.bus.Unsubscribe(sub) }

// GetSession returns a session snapshot, preferring resident state.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	e.mu.RLock()
	st := e.sessions[sessionID]
	e.mu.RUnlock()
	if st != nil {
		return st.snapshot(), nil
	}
	s, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewEngineError(models.ErrKindNotFound, "unknown session")
	}
	return s, err
}

// ListSessions lists sessions from the store, newest first.
func (e *Engine) ListSessions(ctx context.Context, ownerID string, limit int) ([]*models.Session, error) {
	return e.store.ListSessions(ctx, ownerID, limit)
}

// Events returns the session's journaled events after the given sequence,
// for replay on reconnect.
func (e *Engine) Events(ctx context.Context, sessionID string, afterSeq int64) ([]store.StoredEvent, error) {
	if _, err := e.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, sessionID, afterSeq)
}

// versionLog returns the resident version log for a session.
func (e *Engine) versionLog(sessionID string) (*version.Log, error) {
	e.mu.RLock()
	st := e.sessions[sessionID]
	e.mu.RUnlock()
	if st == nil {
		return nil, models.NewEngineError(models.ErrKindNotFound, "session is not resident")
	}
	return st.log, nil
}

// Versions lists a session's version DAG in append order.
func (e *Engine) Versions(sessionID string) ([]*models.Version, map[string]string, error) {
	log, err := e.versionLog(sessionID)
	if err != nil {
		return nil, nil, err
	}
	return log.List(), log.Branches(), nil
}

// Diff structurally compares two versions of a session.
func (e *Engine) Diff(sessionID, versionA, versionB string) (*version.ChangeSet, error) {
	log, err := e.versionLog(sessionID)
	if err != nil {
		return nil, err
	}
	return log.Diff(versionA, versionB)
}

// Restore branches the session's version log at the given version and makes
// the new branch current. Subsequent checkpoints build on the restored state.
func (e *Engine) Restore(sessionID, versionID string) (string, error) {
	log, err := e.versionLog(sessionID)
	if err != nil {
		return "", err
	}
	branch, err := log.Restore(versionID)
	if err != nil {
		return "", err
	}
	e.logger.Info("version restored", "session_id", sessionID, "version_id", versionID, "branch", branch)
	return branch, nil
}

// SubscriberCount reports live subscribers for a session.
func (e *Engine) SubscriberCount(sessionID string) int { return e.bus.SubscriberCount(sessionID) }

// runRetentionSweeper evicts terminal sessions from memory after the
// configured TTL. Durable rows stay in the store.
func (e *Engine) runRetentionSweeper() {
	ticker := time.NewTicker(e.cfg.Retention.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep(time.Now())
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	ttl := e.cfg.Retention.SessionTTL

	e.mu.Lock()
	var evict []string
	for id, st := range e.sessions {
		st.mu.Lock()
		expired := !st.doneAt.IsZero() && now.Sub(st.doneAt) > ttl
		st.mu.Unlock()
		if expired {
			evict = append(evict, id)
			delete(e.sessions, id)
		}
	}
	e.mu.Unlock()

	for _, id := range evict {
		e.bus.Shutdown(id)
		e.publisher.Forget(id)
		e.coordinator.Forget(id)
		e.logger.Info("session evicted from memory", "session_id", id)
	}
}

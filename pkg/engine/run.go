package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/comicgen/comicd/pkg/events"
	"github.com/comicgen/comicd/pkg/hitl"
	"github.com/comicgen/comicd/pkg/models"
	"github.com/comicgen/comicd/pkg/quality"
	"github.com/comicgen/comicd/pkg/stages"
)

// runSession drives one session through the seven stages. It is the single
// writer of the session's state; all mutation happens here or in helpers it
// calls synchronously.
func (e *Engine) runSession(ctx context.Context, st *sessionState) {
	sessionID := st.session.ID
	logger := e.logger.With("session_id", sessionID)
	defer e.pool.ReleaseSession()
	defer e.metrics.ActiveSessions.Dec()

	started := time.Now()
	e.persist(st.update(func(s *models.Session) {
		s.Status = models.SessionRunning
		s.StartedAt = started
	}))
	logger.Info("pipeline started", "quality", st.session.Options.Quality)

	var mods []models.ModificationDescriptor
	for stage := 1; stage <= models.StageCount; stage++ {
		result, err := e.runStage(ctx, st, stage, mods, started, logger)
		if err != nil {
			if models.KindOf(err) == models.ErrKindCancelled || ctx.Err() != nil {
				e.finishCancelled(st, logger)
			} else {
				e.finishFailed(st, stage, err, logger)
			}
			return
		}
		mods = nil

		if stage < models.StageCount && st.session.Options.HITLEnabled && e.cfg.Pipeline.HITLEnabled(stage) {
			var rerr error
			mods, rerr = e.rendezvous(ctx, st, stage, result, logger)
			if rerr != nil {
				e.finishCancelled(st, logger)
				return
			}
		}
	}

	e.finishCompleted(st, started, logger)
}

// runStage runs the attempt loop for one stage: execute under the budget,
// evaluate the quality gate, retry or fall back, checkpoint on completion.
func (e *Engine) runStage(ctx context.Context, st *sessionState, stage int, mods []models.ModificationDescriptor, pipelineStart time.Time, logger *slog.Logger) (*models.StageResult, error) {
	worker, err := e.registry.Worker(stage)
	if err != nil {
		return nil, models.NewStageError(models.ErrKindInvalidInput, stage, "unknown stage", err)
	}
	sessionID := st.session.ID
	budget := e.stageBudget(st, stage)

	e.persist(st.update(func(s *models.Session) { s.CurrentStage = stage }))

	var attemptErrs []string
	for {
		var attempt int
		st.update(func(s *models.Session) {
			s.Attempts[stage]++
			attempt = s.Attempts[stage]
		})
		_ = e.publisher.StageStarted(ctx, sessionID, stage, attempt)

		if err := e.pool.AcquireStageWorker(ctx); err != nil {
			return nil, err
		}
		input := e.buildInput(st, mods, attempt)
		if err := worker.ValidateInput(input); err != nil {
			e.pool.ReleaseStageWorker()
			return nil, err
		}

		stageCtx, cancel := context.WithTimeout(ctx, budget)
		startedAt := time.Now()
		out, execErr := worker.Execute(stageCtx, input, func(percent int, detail string) {
			_ = e.publisher.StageProgress(ctx, sessionID, stage, percent, detail)
		})
		budgetExceeded := stageCtx.Err() == context.DeadlineExceeded
		cancel()
		e.pool.ReleaseStageWorker()
		elapsed := time.Since(startedAt)

		if execErr != nil {
			if ctx.Err() != nil {
				return nil, models.NewStageError(models.ErrKindCancelled, stage, "session cancelled", ctx.Err())
			}
			kind := models.KindOf(execErr)
			if budgetExceeded {
				kind = models.ErrKindStageTimeout
			}
			e.metrics.ObserveStage(worker.Name(), "error", elapsed)
			attemptErrs = append(attemptErrs, execErr.Error())

			if !kind.Retryable() {
				// Non-retryable failures skip the remaining budget; whether
				// the stage degrades or the session fails is decided by the
				// stage's criticality, same as exhaustion.
				logger.Warn("stage failed with non-retryable error",
					"stage", stage, "attempt", attempt, "error_kind", string(kind))
				_ = e.publisher.StageFailed(ctx, sessionID, stage, events.StageFailedPayload{
					ErrorKind: kind, Message: execErr.Error(), Attempt: attempt, WillRetry: false,
				})
				return e.completeWithFallback(ctx, st, worker, input, stage, attempt, elapsed, kind, attemptErrs, logger)
			}
			if attempt < e.gate.MaxAttempts() {
				logger.Warn("stage attempt failed, retrying",
					"stage", stage, "attempt", attempt, "error_kind", string(kind))
				_ = e.publisher.StageFailed(ctx, sessionID, stage, events.StageFailedPayload{
					ErrorKind: kind, Message: execErr.Error(), Attempt: attempt, WillRetry: true,
				})
				e.recordAttempt(ctx, st, stage, attempt, input, nil, quality.Decision{}, attemptErrs, elapsed, logger)
				continue
			}
			return e.completeWithFallback(ctx, st, worker, input, stage, attempt, elapsed, kind, attemptErrs, logger)
		}

		if stage == models.StageCount {
			out = e.finalizeOutput(st, out, time.Since(pipelineStart))
		}

		categories := quality.ScoreAll(e.evaluators, stage, out)
		decision := e.gate.Evaluate(categories, attempt)
		if actor, ok := st.takeOverride(stage); ok {
			decision = e.gate.Override(decision, actor)
			logger.Info("gate decision overridden", "stage", stage, "actor", actor)
		}
		e.metrics.ObserveStage(worker.Name(), string(decision.Outcome), elapsed)

		switch decision.Outcome {
		case models.GatePass:
			author := models.AuthorSystem
			if decision.Overridden {
				author = models.AuthorAdminOverride
			}
			result, err := e.checkpoint(ctx, st, stage, attempt, input, out, decision, false, author, attemptErrs, elapsed)
			if err != nil {
				return nil, err
			}
			return result, nil

		case models.GateRetry:
			logger.Info("quality gate retry",
				"stage", stage, "attempt", attempt, "score", decision.Score)
			attemptErrs = append(attemptErrs, decision.String())
			_ = e.publisher.StageFailed(ctx, sessionID, stage, events.StageFailedPayload{
				ErrorKind: models.ErrKindQualityBelow,
				Message:   decision.String(),
				Attempt:   attempt,
				WillRetry: true,
			})
			e.recordAttempt(ctx, st, stage, attempt, input, out, decision, attemptErrs, elapsed, logger)
			continue

		default: // fallback
			attemptErrs = append(attemptErrs, decision.String())
			return e.completeWithFallback(ctx, st, worker, input, stage, attempt, elapsed, models.ErrKindQualityBelow, attemptErrs, logger)
		}
	}
}

// completeWithFallback resolves retry-budget exhaustion and non-retryable
// stage errors: critical stages fail the session, others complete degraded
// with the worker's fallback output.
func (e *Engine) completeWithFallback(ctx context.Context, st *sessionState, worker stages.Worker, input *stages.Input, stage, attempt int, elapsed time.Duration, kind models.ErrorKind, errs []string, logger *slog.Logger) (*models.StageResult, error) {
	if e.cfg.Pipeline.Critical(stage) {
		return nil, models.NewStageError(kind, stage, "critical stage could not complete", nil)
	}

	out, err := worker.Fallback(input)
	if err != nil {
		return nil, models.NewStageError(models.ErrKindAIFatal, stage, "fallback generation failed", err)
	}
	logger.Warn("stage completed via fallback", "stage", stage, "error_kind", string(kind))

	st.update(func(s *models.Session) { s.Degraded = append(s.Degraded, stage) })
	decision := quality.Decision{
		Outcome:    models.GateFallback,
		Categories: quality.ScoreAll(e.evaluators, stage, out),
	}
	return e.checkpoint(ctx, st, stage, attempt, input, out, decision, true, models.AuthorSystem, errs, elapsed)
}

// recordAttempt checkpoints a superseded attempt so failed and gate-rejected
// work stays addressable in the version log. The finishing checkpoint becomes
// the stage's current result; entries written here carry the "superseded"
// tag. Failures are logged, not fatal: the attempt loop owns control flow.
func (e *Engine) recordAttempt(ctx context.Context, st *sessionState, stage, attempt int, input *stages.Input, out json.RawMessage, decision quality.Decision, errs []string, elapsed time.Duration, logger *slog.Logger) {
	result := &models.StageResult{
		SessionID:        st.session.ID,
		Stage:            stage,
		Attempt:          attempt,
		InputFingerprint: input.Fingerprint(),
		Output:           out,
		QualityScore:     decision.Score,
		Categories:       decision.Categories,
		ElapsedMS:        elapsed.Milliseconds(),
		Errors:           append([]string(nil), errs...),
		CreatedAt:        time.Now(),
	}
	v, err := st.log.Checkpoint(ctx, stage, result, models.AuthorSystem, models.StageName(stage), "superseded")
	if err != nil {
		logger.Error("failed to checkpoint superseded attempt",
			"stage", stage, "attempt", attempt, "error", err)
		return
	}
	e.persist(st.update(func(s *models.Session) { s.VersionHead = v.ID }))
}

// checkpoint persists the stage result as a version log entry, then publishes
// stage-completed. The version is durable before anyone can observe its id.
func (e *Engine) checkpoint(ctx context.Context, st *sessionState, stage, attempt int, input *stages.Input, out json.RawMessage, decision quality.Decision, fallback bool, author models.VersionAuthor, errs []string, elapsed time.Duration) (*models.StageResult, error) {
	result := &models.StageResult{
		SessionID:        st.session.ID,
		Stage:            stage,
		Attempt:          attempt,
		InputFingerprint: input.Fingerprint(),
		Output:           out,
		QualityScore:     decision.Score,
		Categories:       decision.Categories,
		Fallback:         fallback,
		ElapsedMS:        elapsed.Milliseconds(),
		Errors:           append([]string(nil), errs...),
		CreatedAt:        time.Now(),
	}

	var tags []string
	if fallback {
		tags = append(tags, "fallback")
	}
	v, err := st.log.Checkpoint(ctx, stage, result, author, models.StageName(stage), tags...)
	if err != nil {
		return nil, err
	}

	e.persist(st.update(func(s *models.Session) { s.VersionHead = v.ID }))
	_ = e.publisher.StageCompleted(ctx, st.session.ID, stage, events.StageCompletedPayload{
		VersionID:    v.ID,
		QualityScore: decision.Score,
		Fallback:     fallback,
		ElapsedMS:    result.ElapsedMS,
	})
	return result, nil
}

// rendezvous opens the feedback window after a gated stage and blocks until
// it resolves. Returns the modification descriptors for the next stage.
func (e *Engine) rendezvous(ctx context.Context, st *sessionState, stage int, result *models.StageResult, logger *slog.Logger) ([]models.ModificationDescriptor, error) {
	sessionID := st.session.ID
	opts := st.snapshot().Options

	preview := hitl.DerivePreview(e.previews, sessionID, result, opts.Quality)
	_ = e.publisher.PreviewAvailable(ctx, sessionID, stage, preview)

	r := e.coordinator.Open(sessionID, stage, opts.HITLTimeout)
	e.persist(st.update(func(s *models.Session) { s.Status = models.SessionAwaitingFeedback }))
	_ = e.publisher.AwaitingFeedback(ctx, sessionID, stage, events.AwaitingFeedbackPayload{
		Deadline:     r.Deadline().UTC().Format(time.RFC3339Nano),
		QuickOptions: hitl.QuickOptions(stage),
	})

	res := r.Await(ctx)
	if res.Cancelled {
		e.metrics.HITLResolutions.WithLabelValues("cancelled").Inc()
		return nil, models.NewStageError(models.ErrKindCancelled, stage, "session cancelled while awaiting feedback", ctx.Err())
	}

	effective := res.Envelope.Type
	author := models.AuthorSystem
	switch {
	case res.TimedOut:
		e.metrics.HITLResolutions.WithLabelValues("timeout").Inc()
		logger.Info("feedback window timed out, default accepted", "stage", stage)
	case res.Skipped:
		effective = models.FeedbackUserSkipped
		e.metrics.HITLResolutions.WithLabelValues("skip").Inc()
	default:
		author = models.AuthorFeedbackApplied
		e.metrics.HITLResolutions.WithLabelValues("feedback").Inc()
		logger.Info("feedback accepted", "stage", stage, "feedback_type", string(res.Envelope.Type))
	}

	// Record the transition so the log always explains why the pipeline
	// moved on. The marker carries no stage result.
	if v, err := st.log.Checkpoint(ctx, stage, nil, author, string(effective)); err == nil {
		st.update(func(s *models.Session) { s.VersionHead = v.ID })
	} else {
		logger.Error("failed to checkpoint feedback transition", "error", err)
	}

	e.persist(st.update(func(s *models.Session) { s.Status = models.SessionRunning }))
	_ = e.publisher.FeedbackAccepted(ctx, sessionID, stage, events.FeedbackAcceptedPayload{
		FeedbackType: effective,
		NextStage:    stage + 1,
	})
	return hitl.Merge(res.Envelope), nil
}

// finishCompleted finalizes a successful run.
func (e *Engine) finishCompleted(st *sessionState, started time.Time, logger *slog.Logger) {
	// Use background context for terminal writes — ctx may be cancelled.
	bg := context.Background()
	elapsed := time.Since(started)

	final := st.update(func(s *models.Session) {
		s.Status = models.SessionCompleted
		s.CompletedAt = time.Now()
	})
	e.persist(final)
	e.markDone(st)

	results := st.log.CurrentResults()
	pointer := ""
	if r, ok := results[models.StageCount]; ok {
		var out models.FinalOutput
		if json.Unmarshal(r.Output, &out) == nil {
			pointer = out.OutputPointer
		}
	}

	_ = e.publisher.PipelineCompleted(bg, st.session.ID, events.PipelineCompletedPayload{
		ArtifactPointer: pointer,
		OverallQuality:  overallQuality(results),
		DegradedStages:  final.Degraded,
		DurationMS:      elapsed.Milliseconds(),
	})
	e.metrics.SessionsTotal.WithLabelValues(string(models.SessionCompleted)).Inc()
	e.metrics.ObservePipeline(elapsed, e.cfg.Pipeline.PipelineBudget)
	logger.Info("pipeline completed",
		"duration_ms", elapsed.Milliseconds(), "degraded_stages", final.Degraded)
}

// finishFailed finalizes a failed run.
func (e *Engine) finishFailed(st *sessionState, stage int, cause error, logger *slog.Logger) {
	bg := context.Background()
	final := st.update(func(s *models.Session) {
		s.Status = models.SessionFailed
		s.ErrorMessage = cause.Error()
		s.CompletedAt = time.Now()
	})
	e.persist(final)
	e.markDone(st)

	_ = e.publisher.StageFailed(bg, st.session.ID, stage, events.StageFailedPayload{
		ErrorKind: models.KindOf(cause),
		Message:   cause.Error(),
		Attempt:   final.Attempts[stage],
		WillRetry: false,
	})
	e.metrics.SessionsTotal.WithLabelValues(string(models.SessionFailed)).Inc()
	logger.Error("pipeline failed", "stage", stage, "error", cause)
}

// finishCancelled finalizes a cancelled run.
func (e *Engine) finishCancelled(st *sessionState, logger *slog.Logger) {
	bg := context.Background()
	e.persist(st.update(func(s *models.Session) {
		s.Status = models.SessionCancelled
		s.CompletedAt = time.Now()
	}))
	e.markDone(st)

	_ = e.publisher.PipelineCancelled(bg, st.session.ID, "cancelled")
	e.metrics.SessionsTotal.WithLabelValues(string(models.SessionCancelled)).Inc()
	logger.Info("pipeline cancelled")
}

func (e *Engine) markDone(st *sessionState) {
	st.mu.Lock()
	st.doneAt = time.Now()
	st.mu.Unlock()
}

// buildInput assembles a worker's input from the current branch.
func (e *Engine) buildInput(st *sessionState, mods []models.ModificationDescriptor, attempt int) *stages.Input {
	snap := st.snapshot()
	prior := make(map[int]json.RawMessage)
	for stage, result := range st.log.CurrentResults() {
		prior[stage] = result.Output
	}
	return &stages.Input{
		SessionID:     snap.ID,
		Submission:    snap.Submission,
		Options:       snap.Options,
		Prior:         prior,
		Modifications: mods,
		Attempt:       attempt,
	}
}

// stageBudget resolves the per-stage wall-clock budget, preferring the
// submission's overrides.
func (e *Engine) stageBudget(st *sessionState, stage int) time.Duration {
	opts := st.snapshot().Options
	if len(opts.StageBudgets) == models.StageCount {
		return opts.StageBudgets[stage-1]
	}
	return e.cfg.Pipeline.StageBudget(stage)
}

// finalizeOutput patches the run-level stats into the stage 7 artifact.
func (e *Engine) finalizeOutput(st *sessionState, out json.RawMessage, elapsed time.Duration) json.RawMessage {
	var final models.FinalOutput
	if err := json.Unmarshal(out, &final); err != nil {
		return out
	}
	final.Stats.TotalDurationMS = elapsed.Milliseconds()
	final.Stats.DegradedStages = st.snapshot().Degraded
	if final.QualityScores == nil {
		final.QualityScores = make(map[string]float64)
	}
	for stage, result := range st.log.CurrentResults() {
		final.QualityScores[models.StageName(stage)] = result.QualityScore
	}
	patched, err := json.Marshal(final)
	if err != nil {
		return out
	}
	return patched
}

// overallQuality averages stage scores on the current branch.
func overallQuality(results map[int]*models.StageResult) float64 {
	if len(results) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range results {
		total += r.QualityScore
	}
	return total / float64(len(results))
}

// persist writes a session snapshot, logging rather than failing the
// pipeline: the in-memory state machine remains authoritative mid-run.
// Always uses a background context so terminal writes survive cancellation.
func (e *Engine) persist(s *models.Session) {
	if err := e.store.PutSession(context.Background(), s); err != nil {
		e.logger.Error("failed to persist session", "session_id", s.ID, "error", err)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicgen/comicd/pkg/ai"
	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/events"
	"github.com/comicgen/comicd/pkg/models"
	"github.com/comicgen/comicd/pkg/pool"
	"github.com/comicgen/comicd/pkg/store"
)

const submission = "A thief takes one last job in a rain-slick city and is betrayed by her partner."

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HITL.Timeout = 150 * time.Millisecond
	cfg.Images.BackoffCap = time.Millisecond
	cfg.Retention.SweepInterval = time.Hour
	return cfg
}

type testHarness struct {
	engine *Engine
	store  *store.Memory
	text   *ai.FakeTextModel
	image  *ai.FakeImageModel
}

func newHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	st := store.NewMemory()
	text := ai.NewFakeTextModel()
	image := ai.NewFakeImageModel()
	e := New(cfg, st, text, image, pool.NopMetrics())
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return &testHarness{engine: e, store: st, text: text, image: image}
}

func (h *testHarness) awaitStatus(t *testing.T, sessionID string, want models.SessionStatus) *models.Session {
	t.Helper()
	var got *models.Session
	require.Eventually(t, func() bool {
		s, err := h.engine.GetSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		got = s
		return s.Status == want
	}, 10*time.Second, 5*time.Millisecond, "session never reached %s (last: %+v)", want, got)
	return got
}

func (h *testHarness) journalKinds(t *testing.T, sessionID string) []string {
	t.Helper()
	evts, err := h.store.ListEvents(context.Background(), sessionID, 0)
	require.NoError(t, err)
	kinds := make([]string, 0, len(evts))
	for _, e := range evts {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestHappyPathWithoutHITL(t *testing.T) {
	h := newHarness(t, nil)

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	done := h.awaitStatus(t, s.ID, models.SessionCompleted)
	assert.Empty(t, done.Degraded)
	assert.False(t, done.CompletedAt.IsZero())

	kinds := h.journalKinds(t, s.ID)
	completed := 0
	for _, k := range kinds {
		switch k {
		case "stage-completed":
			completed++
		case "awaiting-feedback":
			t.Fatal("no rendezvous should open when HITL is disabled")
		}
	}
	assert.Equal(t, models.StageCount, completed)
	assert.Equal(t, "pipeline-completed", kinds[len(kinds)-1])

	// Monotonic sequences in the journal.
	evts, err := h.store.ListEvents(context.Background(), s.ID, 0)
	require.NoError(t, err)
	for i := 1; i < len(evts); i++ {
		assert.Greater(t, evts[i].Sequence, evts[i-1].Sequence)
	}

	versions, _, err := h.engine.Versions(s.ID)
	require.NoError(t, err)
	assert.Len(t, versions, models.StageCount)
}

func TestHITLFeedbackApplied(t *testing.T) {
	cfg := testConfig()
	cfg.HITL.Timeout = 5 * time.Second
	h := newHarness(t, cfg)

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium, HITLEnabled: true})
	require.NoError(t, err)

	h.awaitStatus(t, s.ID, models.SessionAwaitingFeedback)
	require.NoError(t, h.engine.SubmitFeedback(&models.FeedbackEnvelope{
		SessionID: s.ID, Stage: 3,
		Type:    models.FeedbackNaturalLanguage,
		Content: "make the pacing faster",
	}))

	// Stage 6 is gated too; let its window time out... it will not within 5s,
	// so answer it with a skip.
	h.awaitStatus(t, s.ID, models.SessionAwaitingFeedback)
	require.NoError(t, h.engine.SubmitFeedback(&models.FeedbackEnvelope{
		SessionID: s.ID, Stage: 6, Type: models.FeedbackSkip,
	}))

	h.awaitStatus(t, s.ID, models.SessionCompleted)

	versions, _, err := h.engine.Versions(s.ID)
	require.NoError(t, err)
	var authors []models.VersionAuthor
	var labels []string
	for _, v := range versions {
		authors = append(authors, v.Author)
		labels = append(labels, v.Label)
	}
	assert.Contains(t, authors, models.AuthorFeedbackApplied)
	assert.Contains(t, labels, string(models.FeedbackUserSkipped))
	assert.Contains(t, h.journalKinds(t, s.ID), "feedback-accepted")
}

func TestHITLTimeoutDefaultAccepts(t *testing.T) {
	h := newHarness(t, nil) // 150ms window

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium, HITLEnabled: true})
	require.NoError(t, err)

	h.awaitStatus(t, s.ID, models.SessionCompleted)

	evts, err := h.store.ListEvents(context.Background(), s.ID, 0)
	require.NoError(t, err)
	var sawDefault bool
	for _, e := range evts {
		if e.Kind != "feedback-accepted" {
			continue
		}
		var body struct {
			Payload struct {
				FeedbackType models.FeedbackType `json:"feedback_type"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &body))
		if body.Payload.FeedbackType == models.FeedbackDefaultAccepted {
			sawDefault = true
		}
	}
	assert.True(t, sawDefault, "timeout should surface as default-accepted")

	// The timed-out windows resolved; late feedback on a resolved stage is
	// rejected as stage-closed, not as never-awaiting.
	err = h.engine.SubmitFeedback(&models.FeedbackEnvelope{
		SessionID: s.ID, Stage: 3, Type: models.FeedbackNaturalLanguage, Content: "late",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindStageClosed, models.KindOf(err))
}

func TestQualityGateRetriesThenPasses(t *testing.T) {
	cfg := testConfig()
	cfg.Quality.Threshold = 0.99
	h := newHarness(t, cfg)

	attempts := 0
	h.text.Script(3, func(*ai.TextRequest) (json.RawMessage, error) {
		attempts++
		if attempts < 2 {
			// Valid shape, hollow content: clears validation, fails the gate.
			return json.Marshal(models.PlotOutput{Act1: "the job", Act2: "the cross", Act3: "the end"})
		}
		return json.Marshal(models.PlotOutput{
			Act1: "the job", Act2: "the double-cross", Act3: "the getaway",
			KeyPoints: []string{"vault", "betrayal"}, SceneBreakdown: []string{"rooftop", "vault"},
		})
	})

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	done := h.awaitStatus(t, s.ID, models.SessionCompleted)
	assert.Equal(t, 2, done.Attempts[3])
	assert.NotContains(t, done.Degraded, 3)
	assert.Contains(t, h.journalKinds(t, s.ID), "stage-failed")

	// The rejected first attempt stays addressable, tagged superseded, and
	// carries the gate's verdict in its error trail.
	versions, _, err := h.engine.Versions(s.ID)
	require.NoError(t, err)
	var superseded int
	for _, v := range versions {
		if v.Stage == 3 && v.HasTag("superseded") {
			superseded++
			require.NotNil(t, v.Result)
			assert.NotEmpty(t, v.Result.Output)
			assert.NotEmpty(t, v.Result.Errors)
		}
	}
	assert.Equal(t, 1, superseded)
}

func TestRetryExhaustionFallsBackDegraded(t *testing.T) {
	h := newHarness(t, nil)

	h.text.Script(3, func(*ai.TextRequest) (json.RawMessage, error) {
		return json.Marshal(models.PlotOutput{Act1: "thin"}) // never clears the gate
	})

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	done := h.awaitStatus(t, s.ID, models.SessionCompleted)
	assert.Contains(t, done.Degraded, 3)
	assert.Equal(t, 3, done.Attempts[3], "full retry budget consumed")

	versions, _, err := h.engine.Versions(s.ID)
	require.NoError(t, err)
	var fallbackSeen bool
	var superseded int
	for _, v := range versions {
		if v.Stage != 3 {
			continue
		}
		switch {
		case v.HasTag("fallback"):
			fallbackSeen = true
			require.NotNil(t, v.Result)
			assert.True(t, v.Result.Fallback)
			assert.NotEmpty(t, v.Result.Errors, "every rejected attempt leaves a trace")
		case v.HasTag("superseded"):
			superseded++
		}
	}
	assert.True(t, fallbackSeen)
	assert.Equal(t, 2, superseded, "both rejected attempts stay in the log")
}

func TestCriticalStageExhaustionFailsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.CriticalStages = []int{3}
	h := newHarness(t, cfg)

	h.text.Script(3, func(*ai.TextRequest) (json.RawMessage, error) {
		return json.Marshal(models.PlotOutput{Act1: "thin"})
	})

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	done := h.awaitStatus(t, s.ID, models.SessionFailed)
	assert.NotEmpty(t, done.ErrorMessage)
	kinds := h.journalKinds(t, s.ID)
	assert.Equal(t, "stage-failed", kinds[len(kinds)-1])
}

func TestFatalAIErrorFallsBackOnNonCriticalStage(t *testing.T) {
	h := newHarness(t, nil)
	h.text.Script(2, func(*ai.TextRequest) (json.RawMessage, error) {
		return nil, models.NewStageError(models.ErrKindContentPolicy, 2, "blocked", nil)
	})

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	done := h.awaitStatus(t, s.ID, models.SessionCompleted)
	assert.Contains(t, done.Degraded, 2)
	assert.Equal(t, 1, done.Attempts[2], "content policy must not retry")

	versions, _, err := h.engine.Versions(s.ID)
	require.NoError(t, err)
	var fallbackSeen bool
	for _, v := range versions {
		if v.Stage == 2 && v.HasTag("fallback") {
			fallbackSeen = true
			require.NotNil(t, v.Result)
			assert.NotEmpty(t, v.Result.Errors, "the triggering error must be on the result")
			assert.Contains(t, v.Result.Errors[0], "blocked")
		}
	}
	assert.True(t, fallbackSeen)
}

func TestFatalAIErrorFailsCriticalStage(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.CriticalStages = []int{2}
	h := newHarness(t, cfg)
	h.text.Script(2, func(*ai.TextRequest) (json.RawMessage, error) {
		return nil, models.NewStageError(models.ErrKindContentPolicy, 2, "blocked", nil)
	})

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	done := h.awaitStatus(t, s.ID, models.SessionFailed)
	assert.Contains(t, done.ErrorMessage, "content-policy")
	assert.Equal(t, 1, done.Attempts[2], "content policy must not retry")
}

func TestCancellationMidRun(t *testing.T) {
	h := newHarness(t, nil)
	h.image.Latency = func() { time.Sleep(30 * time.Millisecond) }

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	// Let it get under way, then cancel.
	h.awaitStatus(t, s.ID, models.SessionRunning)
	require.NoError(t, h.engine.Cancel(s.ID))

	done := h.awaitStatus(t, s.ID, models.SessionCancelled)
	assert.False(t, done.CompletedAt.IsZero())
	kinds := h.journalKinds(t, s.ID)
	assert.Equal(t, "pipeline-cancelled", kinds[len(kinds)-1])

	// Idempotent.
	assert.NoError(t, h.engine.Cancel(s.ID))
}

func TestCapacityRejection(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxConcurrentSessions = 1
	h := newHarness(t, cfg)
	h.image.Latency = func() { time.Sleep(20 * time.Millisecond) }

	_, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	_, err = h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindCapacity, models.KindOf(err))
}

func TestIdempotentSubmission(t *testing.T) {
	h := newHarness(t, nil)

	a, err := h.engine.Submit(context.Background(), "owner-1", submission, "tok-1",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)
	b, err := h.engine.Submit(context.Background(), "owner-1", submission, "tok-1",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "same owner and token must dedupe")

	c, err := h.engine.Submit(context.Background(), "owner-2", submission, "tok-1",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID, "tokens are scoped per owner")
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Submit(context.Background(), "owner-1", "   ", "",
		models.SubmissionOptions{})
	assert.Equal(t, models.ErrKindInvalidInput, models.KindOf(err))

	_, err = h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: "bogus"})
	assert.Equal(t, models.ErrKindInvalidInput, models.KindOf(err))

	_, err = h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{StageBudgets: []time.Duration{time.Second}})
	assert.Equal(t, models.ErrKindInvalidInput, models.KindOf(err))
}

func TestLateFeedbackRejected(t *testing.T) {
	h := newHarness(t, nil)

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)
	h.awaitStatus(t, s.ID, models.SessionCompleted)

	err = h.engine.SubmitFeedback(&models.FeedbackEnvelope{
		SessionID: s.ID, Stage: 3, Type: models.FeedbackNaturalLanguage, Content: "late",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNotAwaiting, models.KindOf(err))
}

func TestSubscribeReplaysSnapshotAndStreams(t *testing.T) {
	h := newHarness(t, nil)

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	sub, err := h.engine.Subscribe(s.ID)
	require.NoError(t, err)
	defer h.engine.Unsubscribe(sub)

	first, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, "snapshot", first.Kind)

	h.awaitStatus(t, s.ID, models.SessionCompleted)

	var sawCompleted bool
	timeout := time.After(5 * time.Second)
	for !sawCompleted {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed before pipeline-completed")
			}
			if evt.Kind == "pipeline-completed" {
				sawCompleted = true
			}
		case <-timeout:
			t.Fatal("never saw pipeline-completed")
		}
	}

	// Journal replay for reconnect.
	evts, err := h.engine.Events(context.Background(), s.ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, evts)
}

func TestGateOverrideForcesPass(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.CriticalStages = []int{3}
	cfg.Quality.Threshold = 0.99
	h := newHarness(t, cfg)

	release := make(chan struct{})
	h.text.Script(3, func(*ai.TextRequest) (json.RawMessage, error) {
		<-release
		// Valid shape, but scores below the raised threshold.
		return json.Marshal(models.PlotOutput{Act1: "the job", Act2: "the cross", Act3: "the end"})
	})

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)

	// Register the override while stage 3 is still executing.
	h.awaitStatus(t, s.ID, models.SessionRunning)
	require.Eventually(t, func() bool {
		sess, err := h.engine.GetSession(context.Background(), s.ID)
		return err == nil && sess.CurrentStage == 3
	}, 10*time.Second, 5*time.Millisecond)
	require.NoError(t, h.engine.OverrideGate(s.ID, 3, "admin@example.com"))
	close(release)

	done := h.awaitStatus(t, s.ID, models.SessionCompleted)
	assert.Equal(t, 1, done.Attempts[3], "override should pass on first attempt")

	versions, _, err := h.engine.Versions(s.ID)
	require.NoError(t, err)
	var overridden bool
	for _, v := range versions {
		if v.Stage == 3 && v.Author == models.AuthorAdminOverride {
			overridden = true
		}
	}
	assert.True(t, overridden, "override actor must be recorded in the version log")
}

func TestRestoreBranches(t *testing.T) {
	h := newHarness(t, nil)

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)
	h.awaitStatus(t, s.ID, models.SessionCompleted)

	versions, branches, err := h.engine.Versions(s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Contains(t, branches, "main")

	branch, err := h.engine.Restore(s.ID, versions[0].ID)
	require.NoError(t, err)
	assert.Contains(t, branch, "restore-")

	_, branches, err = h.engine.Versions(s.ID)
	require.NoError(t, err)
	assert.Contains(t, branches, branch)

	// Diff between first and last checkpoints.
	cs, err := h.engine.Diff(s.ID, versions[0].ID, versions[len(versions)-1].ID)
	require.NoError(t, err)
	assert.Equal(t, versions[0].ID, cs.VersionA)
}

func TestRetentionSweepEvictsTerminalSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Retention.SessionTTL = 10 * time.Millisecond
	h := newHarness(t, cfg)

	s, err := h.engine.Submit(context.Background(), "owner-1", submission, "",
		models.SubmissionOptions{Quality: models.QualityMedium})
	require.NoError(t, err)
	h.awaitStatus(t, s.ID, models.SessionCompleted)

	time.Sleep(20 * time.Millisecond)
	h.engine.sweep(time.Now())

	// Resident state is gone, but the durable row survives.
	_, _, err = h.engine.Versions(s.ID)
	require.Error(t, err)
	got, err := h.engine.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)

	// A fresh subscription after eviction snapshots the durable state, not a
	// blank queued topic.
	sub, err := h.engine.Subscribe(s.ID)
	require.NoError(t, err)
	defer h.engine.Unsubscribe(sub)
	first := <-sub.Events()
	require.Equal(t, "snapshot", first.Kind)
	payload, ok := first.Payload.(events.SnapshotPayload)
	require.True(t, ok)
	assert.Equal(t, models.SessionCompleted, payload.Status)
	assert.Equal(t, models.StageCount, payload.CurrentStage)
}

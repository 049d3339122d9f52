// Package hitl implements the human-in-the-loop rendezvous: after a gated
// stage passes, the pipeline parks until exactly one of user feedback, the
// timeout, or cancellation resolves the wait. Late or duplicate feedback is
// rejected with a typed error rather than applied silently.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/comicgen/comicd/pkg/models"
)

// Resolution is the single outcome of a rendezvous. Exactly one of the
// following holds: Envelope carries accepted user feedback, TimedOut carries
// the synthesized default-accepted envelope, or Cancelled is set.
type Resolution struct {
	Envelope  *models.FeedbackEnvelope
	TimedOut  bool
	Skipped   bool
	Cancelled bool
}

// Rendezvous is one open feedback window. Created by Coordinator.Open and
// resolved exactly once by Await.
type Rendezvous struct {
	coord     *Coordinator
	sessionID string
	stage     int
	deadline  time.Time

	mu       sync.Mutex
	resolved bool
	ch       chan *models.FeedbackEnvelope // buffered 1; at most one send
}

// Stage returns the 1-based stage this rendezvous gates.
func (r *Rendezvous) Stage() int { return r.stage }

// Deadline returns the instant the window falls back to default-accepted.
func (r *Rendezvous) Deadline() time.Time { return r.deadline }

// Await blocks until the rendezvous resolves. Resolution order when racing:
// an envelope already accepted by Submit wins over a concurrent timeout;
// otherwise ctx cancellation and the deadline resolve the wait. The window is
// closed to further Submit calls before Await returns.
func (r *Rendezvous) Await(ctx context.Context) Resolution {
	defer r.coord.remove(r)

	timer := time.NewTimer(time.Until(r.deadline))
	defer timer.Stop()

	select {
	case env := <-r.ch:
		return Resolution{Envelope: env, Skipped: env.Type == models.FeedbackSkip}
	case <-timer.C:
		if env := r.closeWindow(); env != nil {
			// Submit won the race; honor the accepted feedback.
			return Resolution{Envelope: env, Skipped: env.Type == models.FeedbackSkip}
		}
		return Resolution{
			Envelope: &models.FeedbackEnvelope{
				SessionID:  r.sessionID,
				Stage:      r.stage,
				Type:       models.FeedbackDefaultAccepted,
				ReceivedAt: time.Now(),
			},
			TimedOut: true,
		}
	case <-ctx.Done():
		if env := r.closeWindow(); env != nil {
			return Resolution{Envelope: env, Skipped: env.Type == models.FeedbackSkip}
		}
		return Resolution{Cancelled: true}
	}
}

// closeWindow marks the rendezvous resolved and drains an envelope accepted
// concurrently by Submit, if any.
func (r *Rendezvous) closeWindow() *models.FeedbackEnvelope {
	r.mu.Lock()
	r.resolved = true
	r.mu.Unlock()
	select {
	case env := <-r.ch:
		return env
	default:
		return nil
	}
}

// submit accepts the envelope unless the window already resolved or already
// consumed one.
func (r *Rendezvous) submit(env *models.FeedbackEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return models.NewStageError(models.ErrKindFeedbackConsumed, r.stage,
			"feedback window already resolved", nil)
	}
	r.resolved = true
	r.ch <- env // buffered, single send guaranteed
	return nil
}

// Coordinator tracks the open rendezvous per session. A session has at most
// one open window at a time; the highest resolved stage is remembered so
// feedback arriving after a window closed gets the stage-closed rejection
// rather than not-awaiting.
type Coordinator struct {
	mu     sync.Mutex
	open   map[string]*Rendezvous
	closed map[string]int // session → highest stage whose window resolved
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		open:   make(map[string]*Rendezvous),
		closed: make(map[string]int),
	}
}

// Open registers a feedback window for the session at the given stage and
// returns it. Any previous window for the session is replaced; the scheduler
// only opens one at a time.
func (c *Coordinator) Open(sessionID string, stage int, timeout time.Duration) *Rendezvous {
	r := &Rendezvous{
		coord:     c,
		sessionID: sessionID,
		stage:     stage,
		deadline:  time.Now().Add(timeout),
		ch:        make(chan *models.FeedbackEnvelope, 1),
	}
	c.mu.Lock()
	c.open[sessionID] = r
	c.mu.Unlock()
	return r
}

// Submit routes an externally received envelope to the session's open window.
//
//	no open window, stage never gated   → not-awaiting
//	stage's window already resolved     → stage-closed
//	stage not yet reached               → wrong-stage
//	window already consumed an envelope → feedback-already-consumed
func (c *Coordinator) Submit(env *models.FeedbackEnvelope) error {
	if !env.Type.Valid() {
		return models.NewStageError(models.ErrKindInvalidInput, env.Stage,
			fmt.Sprintf("unknown feedback type %q", env.Type), nil)
	}

	c.mu.Lock()
	r := c.open[env.SessionID]
	lastClosed := c.closed[env.SessionID]
	c.mu.Unlock()

	if r == nil {
		if lastClosed > 0 && env.Stage <= lastClosed {
			return models.NewStageError(models.ErrKindStageClosed, env.Stage,
				fmt.Sprintf("feedback window for stage %d already closed", env.Stage), nil)
		}
		return models.NewStageError(models.ErrKindNotAwaiting, env.Stage,
			"session is not awaiting feedback", nil)
	}
	switch {
	case env.Stage < r.stage:
		return models.NewStageError(models.ErrKindStageClosed, env.Stage,
			fmt.Sprintf("stage %d is closed; session is awaiting feedback for stage %d", env.Stage, r.stage), nil)
	case env.Stage > r.stage:
		return models.NewStageError(models.ErrKindWrongStage, env.Stage,
			fmt.Sprintf("session is awaiting feedback for stage %d, not %d", r.stage, env.Stage), nil)
	}

	env.ReceivedAt = time.Now()
	return r.submit(env)
}

// Awaiting reports the open window for a session, if any.
func (c *Coordinator) Awaiting(sessionID string) (stage int, deadline time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.open[sessionID]
	if r == nil {
		return 0, time.Time{}, false
	}
	return r.stage, r.deadline, true
}

// remove drops the window if it is still the session's current one and
// records the stage as closed.
func (c *Coordinator) remove(r *Rendezvous) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.stage > c.closed[r.sessionID] {
		c.closed[r.sessionID] = r.stage
	}
	if c.open[r.sessionID] == r {
		delete(c.open, r.sessionID)
	}
}

// Forget drops all rendezvous bookkeeping for a session. Called when the
// session is evicted from memory.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, sessionID)
	delete(c.closed, sessionID)
}

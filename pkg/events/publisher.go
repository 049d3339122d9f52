package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/comicgen/comicd/pkg/models"
)

// Sink receives events for durable storage. Implemented by the persistence
// adapter. Writes must be idempotent by (session id, sequence).
type Sink interface {
	AppendEvent(ctx context.Context, sessionID string, sequence int64, kind string, payload []byte) error
}

// Publisher assigns per-session sequence numbers, persists events through
// the sink, then broadcasts them on the bus. Persist-then-broadcast keeps
// the invariant that anything a subscriber observes is already durable.
//
// stage-progress events are transient: broadcast only, never persisted —
// they are high-frequency and reconstructible from stage boundaries.
type Publisher struct {
	sink Sink
	bus  *Bus

	mu   sync.Mutex
	seqs map[string]int64
}

// NewPublisher creates a publisher over the given sink and bus. sink may be
// nil (persistence disabled, e.g. some tests).
func NewPublisher(sink Sink, bus *Bus) *Publisher {
	return &Publisher{sink: sink, bus: bus, seqs: make(map[string]int64)}
}

// nextSeq returns the next monotonic sequence for a session.
func (p *Publisher) nextSeq(sessionID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqs[sessionID]++
	return p.seqs[sessionID]
}

// Forget releases the sequence counter for an evicted session.
func (p *Publisher) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seqs, sessionID)
}

// publish persists (unless transient) and broadcasts one event.
func (p *Publisher) publish(ctx context.Context, evt Event, transient bool) error {
	evt.Sequence = p.nextSeq(evt.SessionID)
	evt.Timestamp = now()

	if !transient && p.sink != nil {
		data, err := evt.Marshal()
		if err != nil {
			return err
		}
		if err := p.sink.AppendEvent(ctx, evt.SessionID, evt.Sequence, evt.Kind, data); err != nil {
			return models.NewStageError(models.ErrKindPersistence, 0,
				fmt.Sprintf("failed to persist %s event", evt.Kind), err)
		}
	}

	p.bus.Publish(evt)
	return nil
}

// StageStarted publishes a stage-started event.
func (p *Publisher) StageStarted(ctx context.Context, sessionID string, stage, attempt int) error {
	return p.publish(ctx, Event{
		Kind:      KindStageStarted,
		SessionID: sessionID,
		Stage:     stagePtr(stage),
		Payload:   StageStartedPayload{StageName: models.StageName(stage), Attempt: attempt},
	}, false)
}

// StageProgress publishes a transient stage-progress event.
func (p *Publisher) StageProgress(ctx context.Context, sessionID string, stage, percent int, detail string) error {
	return p.publish(ctx, Event{
		Kind:      KindStageProgress,
		SessionID: sessionID,
		Stage:     stagePtr(stage),
		Payload:   StageProgressPayload{Percent: percent, Detail: detail},
	}, true)
}

// StageCompleted publishes a stage-completed event. The referenced version
// checkpoint must already be persisted by the caller.
func (p *Publisher) StageCompleted(ctx context.Context, sessionID string, stage int, payload StageCompletedPayload) error {
	payload.StageName = models.StageName(stage)
	return p.publish(ctx, Event{
		Kind:      KindStageCompleted,
		SessionID: sessionID,
		Stage:     stagePtr(stage),
		Payload:   payload,
	}, false)
}

// PreviewAvailable publishes a preview-available event.
func (p *Publisher) PreviewAvailable(ctx context.Context, sessionID string, stage int, preview *models.PreviewPayload) error {
	return p.publish(ctx, Event{
		Kind:      KindPreviewAvailable,
		SessionID: sessionID,
		Stage:     stagePtr(stage),
		Payload:   PreviewAvailablePayload{Preview: preview},
	}, false)
}

// AwaitingFeedback publishes an awaiting-feedback event with the rendezvous
// deadline.
func (p *Publisher) AwaitingFeedback(ctx context.Context, sessionID string, stage int, payload AwaitingFeedbackPayload) error {
	return p.publish(ctx, Event{
		Kind:      KindAwaitingFeedback,
		SessionID: sessionID,
		Stage:     stagePtr(stage),
		Payload:   payload,
	}, false)
}

// FeedbackAccepted publishes a feedback-accepted event.
func (p *Publisher) FeedbackAccepted(ctx context.Context, sessionID string, stage int, payload FeedbackAcceptedPayload) error {
	return p.publish(ctx, Event{
		Kind:      KindFeedbackAccepted,
		SessionID: sessionID,
		Stage:     stagePtr(stage),
		Payload:   payload,
	}, false)
}

// StageFailed publishes a stage-failed event.
func (p *Publisher) StageFailed(ctx context.Context, sessionID string, stage int, payload StageFailedPayload) error {
	return p.publish(ctx, Event{
		Kind:      KindStageFailed,
		SessionID: sessionID,
		Stage:     stagePtr(stage),
		Payload:   payload,
	}, false)
}

// PipelineCompleted publishes the terminal pipeline-completed event.
func (p *Publisher) PipelineCompleted(ctx context.Context, sessionID string, payload PipelineCompletedPayload) error {
	return p.publish(ctx, Event{
		Kind:      KindPipelineCompleted,
		SessionID: sessionID,
		Payload:   payload,
	}, false)
}

// PipelineCancelled publishes the terminal pipeline-cancelled event.
func (p *Publisher) PipelineCancelled(ctx context.Context, sessionID string, reason string) error {
	return p.publish(ctx, Event{
		Kind:      KindPipelineCancelled,
		SessionID: sessionID,
		Payload:   PipelineCancelledPayload{Reason: reason},
	}, false)
}

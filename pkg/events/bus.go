package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/comicgen/comicd/pkg/models"
)

// Bus is the in-process live update bus: one topic per session, any number
// of subscribers per topic. Within a session, events are delivered to every
// subscriber in publish order (causal order is the publisher's
// responsibility; the bus preserves whatever order it is handed).
//
// Each subscription has a bounded queue. On overflow the subscriber is
// disconnected with a too-slow error; state can be reacquired by
// re-subscribing (snapshot) and consulting the persistence adapter.
type Bus struct {
	queueSize int
	onDrop    func() // invoked once per disconnected slow subscriber; may be nil

	mu     sync.RWMutex
	topics map[string]*topic
}

// topic is the per-session fan-out state.
type topic struct {
	mu   sync.Mutex
	subs map[string]*Subscription

	// Snapshot state for late subscribers. touched is set once the state
	// reflects a live event or an explicit seed.
	touched      bool
	status       models.SessionStatus
	currentStage int
	lastPreview  *Event
}

// Subscription is one consumer of a session's event stream.
type Subscription struct {
	ID        string
	SessionID string

	ch chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscription ends; check Err to distinguish disconnection causes.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Err returns the disconnection cause, nil for a clean close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// close terminates the subscription at most once.
func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// trySend enqueues without blocking. Returns false when the queue is full.
func (s *Subscription) trySend(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true // drop silently; subscriber already gone
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// NewBus creates a bus whose subscriptions buffer up to queueSize events.
// onDrop, when non-nil, is called once for every subscriber disconnected on
// queue overflow.
func NewBus(queueSize int, onDrop func()) *Bus {
	return &Bus{
		queueSize: queueSize,
		onDrop:    onDrop,
		topics:    make(map[string]*topic),
	}
}

func (b *Bus) topicFor(sessionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription), status: models.SessionQueued}
		b.topics[sessionID] = t
	}
	return t
}

// Subscribe attaches a new consumer to a session's stream. A snapshot
// control message with the current stage and last preview is enqueued before
// any live event, so late subscribers can render state immediately.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	t := b.topicFor(sessionID)

	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ch:        make(chan Event, b.queueSize),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := Event{
		Kind:      KindSnapshot,
		SessionID: sessionID,
		Timestamp: now(),
		Payload: SnapshotPayload{
			Status:       t.status,
			CurrentStage: t.currentStage,
			LastPreview:  t.lastPreview,
		},
	}
	// Queue size is ≥1 per config validation; the snapshot always fits.
	sub.ch <- snapshot

	t.subs[sub.ID] = sub
	return sub
}

// Unsubscribe detaches a consumer cleanly.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.RLock()
	t, ok := b.topics[sub.SessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub.ID)
	t.mu.Unlock()
	sub.close(nil)
}

// Publish fans an event out to every subscriber of its session. Subscribers
// whose queue is full are disconnected with a too-slow error.
func (b *Bus) Publish(evt Event) {
	t := b.topicFor(evt.SessionID)

	t.mu.Lock()
	t.updateSnapshot(evt)

	var dropped []*Subscription
	for id, sub := range t.subs {
		if !sub.trySend(evt) {
			dropped = append(dropped, sub)
			delete(t.subs, id)
		}
	}
	t.mu.Unlock()

	for _, sub := range dropped {
		slog.Warn("Disconnecting slow subscriber",
			"session_id", evt.SessionID, "subscription_id", sub.ID)
		sub.close(models.NewEngineError(models.ErrKindTooSlow,
			"subscriber queue overflow; re-subscribe to resume"))
		if b.onDrop != nil {
			b.onDrop()
		}
	}
}

// SeedTopic primes a session's snapshot state, for subscribers attaching to
// a session whose live topic was evicted or never existed in this process.
// A no-op once the topic has seen a live event or an earlier seed, so it
// never rewinds live state.
func (b *Bus) SeedTopic(sessionID string, status models.SessionStatus, currentStage int) {
	t := b.topicFor(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.touched {
		return
	}
	t.touched = true
	t.status = status
	t.currentStage = currentStage
}

// updateSnapshot folds an event into the topic's late-subscriber state.
// Caller holds t.mu.
func (t *topic) updateSnapshot(evt Event) {
	t.touched = true
	switch evt.Kind {
	case KindStageStarted:
		if evt.Stage != nil {
			t.currentStage = *evt.Stage
		}
		t.status = models.SessionRunning
	case KindAwaitingFeedback:
		t.status = models.SessionAwaitingFeedback
	case KindFeedbackAccepted:
		t.status = models.SessionRunning
	case KindPreviewAvailable:
		e := evt
		t.lastPreview = &e
	case KindPipelineCompleted:
		t.status = models.SessionCompleted
	case KindPipelineCancelled:
		t.status = models.SessionCancelled
	case KindStageFailed:
		// Terminal failure is signalled by the scheduler via Shutdown; a
		// stage-failed event alone may precede a retry.
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	t, ok := b.topics[sessionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Shutdown closes every subscription of a session and forgets the topic.
// Called when a terminal session is evicted from memory.
func (b *Bus) Shutdown(sessionID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[string]*Subscription)
	t.mu.Unlock()
	for _, sub := range subs {
		sub.close(nil)
	}
}

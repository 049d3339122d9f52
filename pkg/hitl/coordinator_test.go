package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicgen/comicd/pkg/models"
)

func TestRendezvousFeedbackResolves(t *testing.T) {
	c := NewCoordinator()
	r := c.Open("sess-1", 3, time.Minute)

	done := make(chan Resolution, 1)
	go func() { done <- r.Await(context.Background()) }()

	// Wrong session first.
	err := c.Submit(&models.FeedbackEnvelope{
		SessionID: "other", Stage: 3, Type: models.FeedbackNaturalLanguage,
	})
	assert.Equal(t, models.ErrKindNotAwaiting, models.KindOf(err))

	err = c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 3,
		Type:    models.FeedbackNaturalLanguage,
		Content: "make the pacing faster",
	})
	require.NoError(t, err)

	res := <-done
	require.NotNil(t, res.Envelope)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Cancelled)
	assert.Equal(t, models.FeedbackNaturalLanguage, res.Envelope.Type)
	assert.False(t, res.Envelope.ReceivedAt.IsZero())
}

func TestRendezvousTimeoutSynthesizesDefaultAccepted(t *testing.T) {
	c := NewCoordinator()
	r := c.Open("sess-1", 3, 20*time.Millisecond)

	res := r.Await(context.Background())
	require.NotNil(t, res.Envelope)
	assert.True(t, res.TimedOut)
	assert.Equal(t, models.FeedbackDefaultAccepted, res.Envelope.Type)
	assert.Equal(t, 3, res.Envelope.Stage)

	// Window resolved: late feedback on the same stage is stage-closed.
	err := c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 3, Type: models.FeedbackQuickOption, Content: "pacing:faster",
	})
	assert.Equal(t, models.ErrKindStageClosed, models.KindOf(err))
}

func TestFeedbackAfterWindowClosed(t *testing.T) {
	c := NewCoordinator()
	r := c.Open("sess-1", 3, 10*time.Millisecond)
	res := r.Await(context.Background())
	require.True(t, res.TimedOut)

	// The timed-out stage and everything before it are closed.
	err := c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 3, Type: models.FeedbackNaturalLanguage, Content: "late",
	})
	assert.Equal(t, models.ErrKindStageClosed, models.KindOf(err))
	err = c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 2, Type: models.FeedbackSkip,
	})
	assert.Equal(t, models.ErrKindStageClosed, models.KindOf(err))

	// A later stage has no window yet.
	err = c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 6, Type: models.FeedbackSkip,
	})
	assert.Equal(t, models.ErrKindNotAwaiting, models.KindOf(err))

	// Eviction drops the bookkeeping with the session.
	c.Forget("sess-1")
	err = c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 3, Type: models.FeedbackSkip,
	})
	assert.Equal(t, models.ErrKindNotAwaiting, models.KindOf(err))
}

func TestRendezvousCancellation(t *testing.T) {
	c := NewCoordinator()
	r := c.Open("sess-1", 6, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Await(ctx)
	assert.True(t, res.Cancelled)
	assert.Nil(t, res.Envelope)
}

func TestRendezvousStageRouting(t *testing.T) {
	c := NewCoordinator()
	r := c.Open("sess-1", 6, time.Minute)
	defer r.closeWindow()

	err := c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 3, Type: models.FeedbackSkip,
	})
	assert.Equal(t, models.ErrKindStageClosed, models.KindOf(err))

	err = c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 7, Type: models.FeedbackSkip,
	})
	assert.Equal(t, models.ErrKindWrongStage, models.KindOf(err))

	err = c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 6, Type: "bogus",
	})
	assert.Equal(t, models.ErrKindInvalidInput, models.KindOf(err))
}

func TestRendezvousSecondFeedbackRejected(t *testing.T) {
	c := NewCoordinator()
	r := c.Open("sess-1", 3, time.Minute)

	first := &models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 3, Type: models.FeedbackQuickOption, Content: "tone:darker",
	}
	require.NoError(t, c.Submit(first))

	err := c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 3, Type: models.FeedbackQuickOption, Content: "tone:lighter",
	})
	assert.Equal(t, models.ErrKindFeedbackConsumed, models.KindOf(err))

	res := r.Await(context.Background())
	require.NotNil(t, res.Envelope)
	assert.Equal(t, "tone:darker", res.Envelope.Content)
}

func TestRendezvousSkip(t *testing.T) {
	c := NewCoordinator()
	r := c.Open("sess-1", 3, time.Minute)

	require.NoError(t, c.Submit(&models.FeedbackEnvelope{
		SessionID: "sess-1", Stage: 3, Type: models.FeedbackSkip,
	}))

	res := r.Await(context.Background())
	assert.True(t, res.Skipped)
	assert.Empty(t, Merge(res.Envelope))
}

func TestAwaiting(t *testing.T) {
	c := NewCoordinator()
	_, _, ok := c.Awaiting("sess-1")
	assert.False(t, ok)

	r := c.Open("sess-1", 3, time.Minute)
	stage, deadline, ok := c.Awaiting("sess-1")
	require.True(t, ok)
	assert.Equal(t, 3, stage)
	assert.True(t, deadline.After(time.Now()))

	r.closeWindow()
	c.remove(r)
	_, _, ok = c.Awaiting("sess-1")
	assert.False(t, ok)
}

func TestMergeQuickOption(t *testing.T) {
	mods := Merge(&models.FeedbackEnvelope{
		Type: models.FeedbackQuickOption, Content: "pacing:faster",
	})
	require.Len(t, mods, 1)
	assert.Equal(t, "pacing", mods[0].Target)
	assert.Equal(t, "increase", mods[0].Direction)
}

func TestMergeNaturalLanguage(t *testing.T) {
	mods := Merge(&models.FeedbackEnvelope{
		Type:    models.FeedbackNaturalLanguage,
		Content: "Less dialogue on the second page please",
	})
	require.Len(t, mods, 1)
	assert.Equal(t, "dialogue", mods[0].Target)
	assert.Equal(t, "decrease", mods[0].Direction)
	assert.NotEmpty(t, mods[0].Addition)
}

func TestMergeDefaultAcceptedProducesNothing(t *testing.T) {
	assert.Empty(t, Merge(&models.FeedbackEnvelope{Type: models.FeedbackDefaultAccepted}))
	assert.Empty(t, Merge(nil))
}

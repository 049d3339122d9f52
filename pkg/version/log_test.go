package version

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicgen/comicd/pkg/models"
)

// captureSink records persisted versions and can be told to fail.
type captureSink struct {
	versions []*models.Version
	err      error
}

func (s *captureSink) PutVersion(_ context.Context, v *models.Version) error {
	if s.err != nil {
		return s.err
	}
	s.versions = append(s.versions, v)
	return nil
}

func result(stage int, payload string) *models.StageResult {
	return &models.StageResult{
		SessionID: "sess-1",
		Stage:     stage,
		Attempt:   1,
		Output:    json.RawMessage(payload),
	}
}

func TestCheckpointChainsParents(t *testing.T) {
	sink := &captureSink{}
	log := NewLog("sess-1", sink)
	ctx := context.Background()

	v1, err := log.Checkpoint(ctx, 1, result(1, `{"a":1}`), models.AuthorSystem, "plot")
	require.NoError(t, err)
	assert.Empty(t, v1.ParentID)
	assert.Equal(t, MainBranch, v1.Branch)

	v2, err := log.Checkpoint(ctx, 2, result(2, `{"b":2}`), models.AuthorSystem, "world")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v2.ParentID)
	assert.Equal(t, v2.ID, log.Head().ID)

	// Persisted through the sink in append order, before the head moved.
	require.Len(t, sink.versions, 2)
	assert.Equal(t, v1.ID, sink.versions[0].ID)
}

func TestCheckpointSinkFailureLeavesHead(t *testing.T) {
	sink := &captureSink{}
	log := NewLog("sess-1", sink)
	ctx := context.Background()

	v1, err := log.Checkpoint(ctx, 1, result(1, `{}`), models.AuthorSystem, "plot")
	require.NoError(t, err)

	sink.err = errors.New("disk full")
	_, err = log.Checkpoint(ctx, 2, result(2, `{}`), models.AuthorSystem, "world")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindPersistence, models.KindOf(err))
	assert.Equal(t, v1.ID, log.Head().ID, "a failed checkpoint must not move the head")
	assert.Len(t, log.List(), 1)
}

func TestRestoreBranchesWithoutRewriting(t *testing.T) {
	log := NewLog("sess-1", nil)
	ctx := context.Background()

	v1, _ := log.Checkpoint(ctx, 1, result(1, `{}`), models.AuthorSystem, "plot")
	v2, _ := log.Checkpoint(ctx, 2, result(2, `{}`), models.AuthorSystem, "world")

	branch, err := log.Restore(v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "restore-1", branch)
	assert.Equal(t, branch, log.CurrentBranch())
	assert.Equal(t, v1.ID, log.Head().ID)

	// Checkpoints now build on the restored state; the old head survives.
	v3, err := log.Checkpoint(ctx, 2, result(2, `{"alt":true}`), models.AuthorFeedbackApplied, "world")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v3.ParentID)
	got, err := log.Get(v2.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, got.ID)
	assert.Len(t, log.List(), 3)

	_, err = log.Restore("no-such-version")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestCurrentResultsPicksNewestPerStage(t *testing.T) {
	log := NewLog("sess-1", nil)
	ctx := context.Background()

	_, err := log.Checkpoint(ctx, 1, result(1, `{"plot":"v1"}`), models.AuthorSystem, "plot", "superseded")
	require.NoError(t, err)
	_, err = log.Checkpoint(ctx, 1, result(1, `{"plot":"v2"}`), models.AuthorSystem, "plot")
	require.NoError(t, err)
	_, err = log.Checkpoint(ctx, 2, result(2, `{"world":"x"}`), models.AuthorSystem, "world")
	require.NoError(t, err)

	current := log.CurrentResults()
	require.Len(t, current, 2)
	assert.JSONEq(t, `{"plot":"v2"}`, string(current[1].Output))
	assert.JSONEq(t, `{"world":"x"}`, string(current[2].Output))

	// The superseded attempt is still addressable in the full listing.
	var superseded int
	for _, v := range log.List() {
		if v.HasTag("superseded") {
			superseded++
		}
	}
	assert.Equal(t, 1, superseded)
}

func TestBranchNameCollision(t *testing.T) {
	log := NewLog("sess-1", nil)
	v1, _ := log.Checkpoint(context.Background(), 1, result(1, `{}`), models.AuthorSystem, "plot")

	require.NoError(t, log.Branch(v1.ID, "experiment"))
	assert.ErrorIs(t, log.Branch(v1.ID, "experiment"), ErrBranchExists)
	assert.ErrorIs(t, log.Switch("missing"), ErrBranchNotFound)
	require.NoError(t, log.Switch("experiment"))
	assert.Equal(t, "experiment", log.CurrentBranch())
}

func TestDiffReportsFieldAndPanelChanges(t *testing.T) {
	log := NewLog("sess-1", nil)
	ctx := context.Background()

	a, _ := log.Checkpoint(ctx, 5, result(5,
		`{"images":[{"panel_id":"p1","url":"u1","prompt":"alley"},{"panel_id":"p2","url":"u2","prompt":"vault"}]}`),
		models.AuthorSystem, "scenes")
	b, _ := log.Checkpoint(ctx, 5, result(5,
		`{"images":[{"panel_id":"p1","url":"u1","prompt":"alley"},{"panel_id":"p2","url":"u2-redo","prompt":"vault door"}]}`),
		models.AuthorSystem, "scenes")

	cs, err := log.Diff(a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, cs.VersionA)
	assert.NotEmpty(t, cs.Changed)
	assert.Greater(t, cs.Similarity, 0.0)
	assert.Less(t, cs.Similarity, 1.0)

	require.Len(t, cs.Panels, 2)
	byID := map[string]PanelDiff{}
	for _, p := range cs.Panels {
		byID[p.PanelID] = p
	}
	assert.True(t, byID["p1"].Identical)
	assert.False(t, byID["p2"].Identical)
	assert.True(t, byID["p2"].PromptChanged)

	_, err = log.Diff(a.ID, "no-such-version")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestDiffIdenticalPayloads(t *testing.T) {
	log := NewLog("sess-1", nil)
	ctx := context.Background()
	a, _ := log.Checkpoint(ctx, 1, result(1, `{"act1":"setup"}`), models.AuthorSystem, "plot")
	b, _ := log.Checkpoint(ctx, 1, result(1, `{"act1":"setup"}`), models.AuthorSystem, "plot")

	cs, err := log.Diff(a.ID, b.ID)
	require.NoError(t, err)
	assert.Empty(t, cs.Added)
	assert.Empty(t, cs.Removed)
	assert.Empty(t, cs.Changed)
	assert.Equal(t, 1.0, cs.Similarity)
}

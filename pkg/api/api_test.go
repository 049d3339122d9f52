package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicgen/comicd/pkg/ai"
	"github.com/comicgen/comicd/pkg/config"
	"github.com/comicgen/comicd/pkg/engine"
	"github.com/comicgen/comicd/pkg/events"
	"github.com/comicgen/comicd/pkg/models"
	"github.com/comicgen/comicd/pkg/pool"
	"github.com/comicgen/comicd/pkg/store"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testServer struct {
	srv    *httptest.Server
	engine *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HITL.Timeout = 150 * time.Millisecond
	cfg.Images.BackoffCap = time.Millisecond
	cfg.Retention.SweepInterval = time.Hour

	st := store.NewMemory()
	eng := engine.New(cfg, st, ai.NewFakeTextModel(), ai.NewFakeImageModel(), pool.NopMetrics())
	eng.Start()

	server := NewServer(cfg, eng, st, prometheus.NewRegistry())
	srv := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return &testServer{srv: srv, engine: eng}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", "owner-1")

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (ts *testServer) submit(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/stories",
		CreateStoryRequest{Story: "A lighthouse keeper finds a map."})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	est, _ := body["estimated_duration_ms"].(float64)
	require.Greater(t, est, float64(0))
	return id
}

func (ts *testServer) awaitStatus(t *testing.T, id string, want models.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := ts.engine.GetSession(context.Background(), id)
		return err == nil && s.Status == want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSubmitAndGetSession(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t)
	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["session_id"])

	ts.awaitStatus(t, id, models.SessionCompleted)
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/stories", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing story field")

	resp, body := ts.do(t, http.MethodPost, "/api/v1/stories",
		CreateStoryRequest{Story: "x", Quality: "cinematic"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(models.ErrKindInvalidInput), body["kind"])
}

func TestGetSessionNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(models.ErrKindNotFound), body["kind"])
}

func TestListSessionsScopedToOwner(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t)
	ts.awaitStatus(t, id, models.SessionCompleted)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions?owner_id=owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions, _ := body["sessions"].([]any)
	assert.Len(t, sessions, 1)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/sessions?owner_id=someone-else", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions, _ = body["sessions"].([]any)
	assert.Empty(t, sessions)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelSession(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/unknown/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeedbackWhenNotAwaiting(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t)
	ts.awaitStatus(t, id, models.SessionCompleted)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/feedback",
		FeedbackRequest{Stage: 3, Type: string(models.FeedbackSkip)})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(models.ErrKindNotAwaiting), body["kind"])
}

func TestEventsReplay(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t)
	ts.awaitStatus(t, id, models.SessionCompleted)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evts, _ := body["events"].([]any)
	require.NotEmpty(t, evts)
	last := evts[len(evts)-1].(map[string]any)
	assert.Equal(t, events.KindPipelineCompleted, last["kind"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/events?after=oops", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVersionsDiffAndRestore(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t)
	ts.awaitStatus(t, id, models.SessionCompleted)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	versions, _ := body["versions"].([]any)
	require.Len(t, versions, models.StageCount)

	first := versions[0].(map[string]any)["version_id"].(string)
	last := versions[len(versions)-1].(map[string]any)["version_id"].(string)

	resp, _ = ts.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/sessions/%s/versions/diff?from=%s&to=%s", id, first, last), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/versions/diff", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing from/to")

	resp, body = ts.do(t, http.MethodPost,
		"/api/v1/sessions/"+id+"/versions/"+first+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["branch"])
}

func TestOverrideGateValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions/unknown/override",
		OverrideRequest{Stage: 3})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.srv.Client().Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.srv.URL, "http://", "ws://", 1) +
		"/api/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// First frame is always the snapshot control message.
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var first events.Event
	require.NoError(t, json.Unmarshal(data, &first))
	assert.Equal(t, events.KindSnapshot, first.Kind)

	// Stream until the pipeline reports completion.
	for {
		_, data, err = conn.Read(ctx)
		require.NoError(t, err)
		var evt events.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		assert.Equal(t, id, evt.SessionID)
		if evt.Kind == events.KindPipelineCompleted {
			return
		}
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.srv.URL, "http://", "ws://", 1) +
		"/api/v1/sessions/unknown/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

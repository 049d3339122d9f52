package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comicgen/comicd/pkg/models"
	"github.com/comicgen/comicd/pkg/store"
)

// ownerID identifies the caller. Authentication is out front; the engine
// only needs a stable identifier for listing and idempotency scoping.
func ownerID(c *gin.Context) string {
	if id := c.GetHeader("X-Owner-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func (s *Server) handleSubmitStory(c *gin.Context) {
	var req CreateStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := models.SubmissionOptions{
		Quality:     models.QualityLevel(req.Quality),
		HITLEnabled: req.HITLEnabled,
	}
	if req.HITLTimeoutMS > 0 {
		opts.HITLTimeout = time.Duration(req.HITLTimeoutMS) * time.Millisecond
	}
	for _, ms := range req.StageBudgetsMS {
		opts.StageBudgets = append(opts.StageBudgets, time.Duration(ms)*time.Millisecond)
	}

	session, err := s.engine.Submit(c.Request.Context(), ownerID(c), req.Story, req.ClientToken, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{
		Session:             session,
		EstimatedDurationMS: s.estimateDuration(session.Options).Milliseconds(),
	})
}

// submitResponse flattens the session and adds the duration estimate.
type submitResponse struct {
	*models.Session
	EstimatedDurationMS int64 `json:"estimated_duration_ms"`
}

// estimateDuration is a coarse upper bound: the sum of stage budgets plus,
// when feedback is enabled, one full window per rendezvous stage.
func (s *Server) estimateDuration(opts models.SubmissionOptions) time.Duration {
	var total time.Duration
	for stage := 1; stage <= models.StageCount; stage++ {
		if len(opts.StageBudgets) == models.StageCount {
			total += opts.StageBudgets[stage-1]
		} else {
			total += s.cfg.Pipeline.StageBudget(stage)
		}
	}
	if opts.HITLEnabled {
		total += time.Duration(len(s.cfg.Pipeline.HITLStages)) * opts.HITLTimeout
	}
	return total
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.engine.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleListSessions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	sessions, err := s.engine.ListSessions(c.Request.Context(), c.Query("owner_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleCancelSession(c *gin.Context) {
	if err := s.engine.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

func (s *Server) handleSubmitFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env := &models.FeedbackEnvelope{
		SessionID:  c.Param("id"),
		Stage:      req.Stage,
		Sequence:   req.Sequence,
		Type:       models.FeedbackType(req.Type),
		Content:    req.Content,
		ReceivedAt: time.Now(),
	}
	if err := s.engine.SubmitFeedback(env); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "feedback accepted"})
}

func (s *Server) handleOverrideGate(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = ownerID(c)
	}

	if err := s.engine.OverrideGate(c.Param("id"), req.Stage, actor); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "override registered", "stage": req.Stage})
}

// handleListEvents replays the journaled event stream, optionally after a
// sequence number, so clients can resume where their socket dropped.
func (s *Server) handleListEvents(c *gin.Context) {
	var after int64
	if raw := c.Query("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		after = n
	}

	events, err := s.engine.Events(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []store.StoredEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "events": events})
}

func (s *Server) handleListVersions(c *gin.Context) {
	versions, branches, err := s.engine.Versions(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "branches": branches})
}

func (s *Server) handleDiffVersions(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to version ids are required"})
		return
	}

	diff, err := s.engine.Diff(c.Param("id"), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (s *Server) handleRestoreVersion(c *gin.Context) {
	branch, err := s.engine.Restore(c.Param("id"), c.Param("version"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": branch})
}

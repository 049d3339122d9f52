package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/comicgen/comicd/pkg/models"
)

// statusForKind maps engine error kinds to HTTP status codes.
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrKindInvalidInput:
		return http.StatusBadRequest
	case models.ErrKindNotFound:
		return http.StatusNotFound
	case models.ErrKindCapacity:
		return http.StatusTooManyRequests
	case models.ErrKindNotAwaiting, models.ErrKindWrongStage,
		models.ErrKindStageClosed, models.ErrKindFeedbackConsumed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps engine error kinds to HTTP responses. The kind travels in
// the body so clients can branch without parsing messages.
func writeError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	if kind == "" {
		slog.Error("Unexpected error in handler", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(statusForKind(kind), gin.H{"error": err.Error(), "kind": string(kind)})
}

// writeErrorJSON is writeError for handlers running outside gin.
func writeErrorJSON(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	body := map[string]string{"error": err.Error(), "kind": string(kind)}
	if kind == "" {
		slog.Error("Unexpected error in handler", "error", err)
		body = map[string]string{"error": "internal server error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(body)
}

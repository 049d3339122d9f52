// Package store is the persistence adapter: durable sessions, version
// checkpoints, and the append-only event journal. The engine depends only on
// the Store interface; Memory backs tests and single-node development,
// Postgres backs production.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/comicgen/comicd/pkg/models"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// StoredEvent is one journaled event row.
type StoredEvent struct {
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the persistence contract. Implementations must make AppendEvent
// and PutVersion idempotent: replaying a write after a crash must not
// duplicate rows.
type Store interface {
	// PutSession upserts a session snapshot.
	PutSession(ctx context.Context, s *models.Session) error

	// GetSession returns a session by id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// ListSessions returns the owner's sessions, newest first. ownerID ""
	// lists all owners.
	ListSessions(ctx context.Context, ownerID string, limit int) ([]*models.Session, error)

	// FindByClientToken returns the owner's session carrying the idempotency
	// token, or ErrNotFound.
	FindByClientToken(ctx context.Context, ownerID, token string) (*models.Session, error)

	// DeleteSession removes a session and its versions and events.
	DeleteSession(ctx context.Context, id string) error

	// PutVersion stores a version checkpoint. Versions are immutable;
	// replaying an id is a no-op.
	PutVersion(ctx context.Context, v *models.Version) error

	// ListVersions returns a session's versions in creation order.
	ListVersions(ctx context.Context, sessionID string) ([]*models.Version, error)

	// AppendEvent journals one event, idempotent by (session id, sequence).
	AppendEvent(ctx context.Context, sessionID string, sequence int64, kind string, payload []byte) error

	// ListEvents returns a session's journaled events with sequence greater
	// than afterSeq, in sequence order.
	ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]StoredEvent, error)

	// Close releases the store's resources.
	Close() error
}

// Package version implements the per-session version log: an append-only
// DAG of stage checkpoints with named branches, structural diff, and
// rollback via restore-branches. Versions are never rewritten; parent edges
// are immutable and version ids are never recycled.
package version

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comicgen/comicd/pkg/models"
)

// MainBranch is the branch every log starts on.
const MainBranch = "main"

var (
	// ErrVersionNotFound indicates the referenced version id does not exist
	// in this session's log.
	ErrVersionNotFound = errors.New("version not found")

	// ErrBranchNotFound indicates the named branch was never registered.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrBranchExists indicates a branch name collision within the session.
	ErrBranchExists = errors.New("branch already exists")
)

// Sink receives versions for durable storage. May be nil (in-memory only).
type Sink interface {
	PutVersion(ctx context.Context, v *models.Version) error
}

// Log is one session's version DAG. Safe for concurrent use; the scheduler
// is the only writer in practice but readers (diff, API) come from other
// goroutines.
type Log struct {
	sessionID string
	sink      Sink

	mu         sync.Mutex
	versions   map[string]*models.Version
	order      []string          // append order, for listing
	branches   map[string]string // branch name → head version id
	current    string            // current branch name
	restoreSeq int
}

// NewLog creates an empty log rooted at the implicit origin, positioned on
// the main branch.
func NewLog(sessionID string, sink Sink) *Log {
	return &Log{
		sessionID: sessionID,
		sink:      sink,
		versions:  make(map[string]*models.Version),
		branches:  map[string]string{MainBranch: ""},
		current:   MainBranch,
	}
}

// Checkpoint appends a new version whose parent is the current branch head
// and returns it. The entry is persisted through the sink before the branch
// head moves, so a version referenced by any published event is durable.
func (l *Log) Checkpoint(ctx context.Context, stage int, result *models.StageResult, author models.VersionAuthor, label string, tags ...string) (*models.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent := l.branches[l.current]
	// Cycle check: a parent edge must target an existing version of this
	// session (or the implicit origin).
	if parent != "" {
		if _, ok := l.versions[parent]; !ok {
			return nil, fmt.Errorf("%w: parent %s", ErrVersionNotFound, parent)
		}
	}

	v := &models.Version{
		ID:        uuid.New().String(),
		SessionID: l.sessionID,
		ParentID:  parent,
		Branch:    l.current,
		Stage:     stage,
		Result:    result,
		Author:    author,
		Label:     label,
		Tags:      tags,
		CreatedAt: time.Now(),
	}

	if l.sink != nil {
		if err := l.sink.PutVersion(ctx, v); err != nil {
			return nil, models.NewStageError(models.ErrKindPersistence, stage,
				"failed to persist version checkpoint", err)
		}
	}

	l.versions[v.ID] = v
	l.order = append(l.order, v.ID)
	l.branches[l.current] = v.ID
	return v, nil
}

// Branch registers a named branch rooted at the given base version. The
// current branch does not change.
func (l *Log) Branch(baseVersionID, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.branchLocked(baseVersionID, name)
}

func (l *Log) branchLocked(baseVersionID, name string) error {
	if _, exists := l.branches[name]; exists {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	if baseVersionID != "" {
		if _, ok := l.versions[baseVersionID]; !ok {
			return fmt.Errorf("%w: %s", ErrVersionNotFound, baseVersionID)
		}
	}
	l.branches[name] = baseVersionID
	return nil
}

// Switch designates the named branch's head as the parent for subsequent
// checkpoints.
func (l *Log) Switch(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.branches[name]; !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	l.current = name
	return nil
}

// Restore creates a fresh branch rooted at the given version and switches to
// it. Existing versions are never mutated. Returns the new branch name.
func (l *Log) Restore(versionID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.versions[versionID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	l.restoreSeq++
	name := fmt.Sprintf("restore-%d", l.restoreSeq)
	for {
		if _, exists := l.branches[name]; !exists {
			break
		}
		l.restoreSeq++
		name = fmt.Sprintf("restore-%d", l.restoreSeq)
	}
	if err := l.branchLocked(versionID, name); err != nil {
		return "", err
	}
	l.current = name
	return name, nil
}

// Head returns the current branch's head version, nil before the first
// checkpoint.
func (l *Log) Head() *models.Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.versions[l.branches[l.current]]
}

// CurrentBranch returns the name of the current branch.
func (l *Log) CurrentBranch() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Get returns a version by id.
func (l *Log) Get(versionID string) (*models.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	return v, nil
}

// List returns all versions in append order.
func (l *Log) List() []*models.Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Version, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.versions[id])
	}
	return out
}

// Branches returns branch name → head version id.
func (l *Log) Branches() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.branches))
	for k, v := range l.branches {
		out[k] = v
	}
	return out
}

// CurrentResults walks the active branch from its head to the origin and
// returns the newest StageResult per stage on that path. This is the
// "current" marking: retries supersede prior attempts, but superseded
// versions stay addressable in the log.
func (l *Log) CurrentResults() map[int]*models.StageResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int]*models.StageResult)
	id := l.branches[l.current]
	for id != "" {
		v, ok := l.versions[id]
		if !ok {
			break
		}
		if v.Result != nil {
			if _, seen := out[v.Stage]; !seen {
				out[v.Stage] = v.Result
			}
		}
		id = v.ParentID
	}
	return out
}

package models

import "time"

// Version is one node of a session's append-only version DAG. Parent edges
// are immutable; a version id once minted is never recycled.
type Version struct {
	ID        string        `json:"version_id"`
	SessionID string        `json:"session_id"`
	ParentID  string        `json:"parent_id,omitempty"` // empty at the DAG origin
	Branch    string        `json:"branch"`
	Stage     int           `json:"stage"`
	Result    *StageResult  `json:"result,omitempty"`
	Author    VersionAuthor `json:"author"`
	Label     string        `json:"label,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// HasTag reports whether the version carries the given tag.
func (v *Version) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Package session implements the Session Store (spec §4.1): durable
// per-session state with an append-only message log, load/save atomically
// under a per-session mutex, matching the teacher's write-to-temp+rename
// persistence style used throughout internal/agent/worktree and
// internal/agent/credentials.
package session

import (
	"time"

	"github.com/kandev/kandev/pkg/api"
)

// record is the on-disk representation of a Session. It mirrors pkg/api.Session
// field-for-field (the exporter must be byte-identical except id/timestamps on
// import), kept as a distinct type the way the teacher splits pkg/api/v1 wire
// DTOs from internal/task/models storage models, in case the two need to
// diverge (e.g. schema versioning) without touching the wire contract.
type record struct {
	SchemaVersion int              `json:"schemaVersion"`
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	WorkDir       string           `json:"workDir"`
	Provider      api.Provider     `json:"provider"`
	Messages      []api.Message    `json:"messages"`
	Agents        []api.PersistedAgent `json:"agents"`
	Modes         api.Modes        `json:"modes"`
}

const currentSchemaVersion = 1

func recordFromSession(s *api.Session) *record {
	return &record{
		SchemaVersion: currentSchemaVersion,
		ID:            s.ID,
		Name:          s.Name,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		WorkDir:       s.WorkDir,
		Provider:      s.Provider,
		Messages:      s.Messages,
		Agents:        s.Agents,
		Modes:         s.Modes,
	}
}

func (r *record) toSession() *api.Session {
	return &api.Session{
		ID:        r.ID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		WorkDir:   r.WorkDir,
		Provider:  r.Provider,
		Messages:  append([]api.Message{}, r.Messages...),
		Agents:    append([]api.PersistedAgent{}, r.Agents...),
		Modes:     r.Modes,
	}
}

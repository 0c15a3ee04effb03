package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/kernelerrors"
	"github.com/kandev/kandev/pkg/api"
)

// SortOrder controls list() ordering.
type SortOrder string

const (
	SortUpdatedDesc SortOrder = "updated_desc"
	SortCreatedDesc SortOrder = "created_desc"
)

// SideEffects are the optional per-turn fields appendMessage may attach in
// addition to the base Message, matching the optional fields on Message
// itself (§3): usage, cost, execution trace, context snapshot are already
// embedded on the Message value passed in, so SideEffects only carries
// fields that apply to the session as a whole.
type SideEffects struct {
	// BumpAgents, when non-nil, are upserted via appendAgent in the same
	// locked section as the message append, so a turn's final state
	// (message + agent outcomes) is persisted as one atomic write.
	BumpAgents []api.PersistedAgent
}

// Store is the Session Store: persists and serves sessions, one JSON file
// per session under Dir, each file written via write-to-temp+rename.
type Store struct {
	dir    string
	logger *logger.Logger

	mu       sync.Mutex // guards the locks map itself
	locks    map[string]*sync.Mutex
	locksRef map[string]int
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.IO, "create session dir", err)
	}
	return &Store{
		dir:      dir,
		logger:   log.WithFields(zap.String("component", "session-store")),
		locks:    make(map[string]*sync.Mutex),
		locksRef: make(map[string]int),
	}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// lockFor returns the per-session mutex, creating it on first use. Callers
// must pair every lockFor with unlockFor to release the reference.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.locksRef[id]++
	return l
}

func (s *Store) unlockFor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locksRef[id]--
	if s.locksRef[id] <= 0 {
		delete(s.locks, id)
		delete(s.locksRef, id)
	}
}

func (s *Store) withLock(id string, fn func() error) error {
	l := s.lockFor(id)
	defer s.unlockFor(id)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// readLocked loads a record from disk. Caller must hold the session's lock.
func (s *Store) readLocked(id string) (*record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernelerrors.New(kernelerrors.NotFound, "session "+id)
		}
		return nil, kernelerrors.Wrap(kernelerrors.IO, "read session file", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.IO, "parse session file", err)
	}
	return &rec, nil
}

// writeLocked persists rec via write-to-temp + rename. Caller must hold the
// session's lock.
func (s *Store) writeLocked(rec *record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.IO, "marshal session", err)
	}
	final := s.path(rec.ID)
	tmp := final + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.IO, "open temp session file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return kernelerrors.Wrap(kernelerrors.IO, "write temp session file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return kernelerrors.Wrap(kernelerrors.IO, "fsync temp session file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return kernelerrors.Wrap(kernelerrors.IO, "close temp session file", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return kernelerrors.Wrap(kernelerrors.IO, "rename session file", err)
	}
	return nil
}

// Create persists a new, empty Session.
func (s *Store) Create(name, workDir string, provider api.Provider) (*api.Session, error) {
	if name == "" {
		name = "untitled session"
	}
	now := time.Now().UTC()
	sess := &api.Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		WorkDir:   workDir,
		Provider:  provider,
		Messages:  []api.Message{},
		Agents:    []api.PersistedAgent{},
		Modes:     api.Modes{Provider: provider},
	}
	err := s.withLock(sess.ID, func() error {
		return s.writeLocked(recordFromSession(sess))
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// List returns a metadata-only projection of every session, sorted and paged.
func (s *Store) List(order SortOrder, limit, offset int) ([]api.SessionSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.IO, "read session dir", err)
	}
	summaries := make([]api.SessionSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		var rec *record
		err := s.withLock(id, func() error {
			r, err := s.readLocked(id)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
		if err != nil {
			s.logger.Warn("skipping unreadable session during list", zap.String("id", id), zap.Error(err))
			continue
		}
		summaries = append(summaries, api.SessionSummary{
			ID:           rec.ID,
			Name:         rec.Name,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
			WorkDir:      rec.WorkDir,
			Provider:     rec.Provider,
			MessageCount: len(rec.Messages),
			AgentCount:   len(rec.Agents),
		})
	}

	switch order {
	case SortCreatedDesc:
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.After(summaries[j].CreatedAt) })
	default:
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt) })
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(summaries) {
		return []api.SessionSummary{}, nil
	}
	end := len(summaries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return summaries[offset:end], nil
}

// Get returns the full Session.
func (s *Store) Get(id string) (*api.Session, error) {
	var sess *api.Session
	err := s.withLock(id, func() error {
		rec, err := s.readLocked(id)
		if err != nil {
			return err
		}
		sess = rec.toSession()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendMessage durably appends msg (and any SideEffects) to the session,
// bumps updatedAt, and returns the new message count.
func (s *Store) AppendMessage(id string, msg api.Message, effects *SideEffects) (int, error) {
	var length int
	err := s.withLock(id, func() error {
		rec, err := s.readLocked(id)
		if err != nil {
			return err
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		rec.Messages = append(rec.Messages, msg)
		if effects != nil {
			for _, agent := range effects.BumpAgents {
				upsertAgent(rec, agent)
			}
		}
		rec.UpdatedAt = time.Now().UTC()
		length = len(rec.Messages)
		return s.writeLocked(rec)
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}

// upsertAgent inserts or updates agent by ID, refusing to regress status.
func upsertAgent(rec *record, agent api.PersistedAgent) {
	statusRank := map[api.PersistedAgentStatus]int{
		api.AgentStatusPending:   0,
		api.AgentStatusActive:    1,
		api.AgentStatusCompleted: 2,
		api.AgentStatusFailed:    2,
	}
	for i := range rec.Agents {
		if rec.Agents[i].ID == agent.ID {
			if statusRank[agent.Status] < statusRank[rec.Agents[i].Status] {
				return
			}
			rec.Agents[i] = agent
			return
		}
	}
	rec.Agents = append(rec.Agents, agent)
}

// AppendAgent upserts a PersistedAgent record by agent.ID, enforcing
// monotonic status advance.
func (s *Store) AppendAgent(id string, agent api.PersistedAgent) error {
	return s.withLock(id, func() error {
		rec, err := s.readLocked(id)
		if err != nil {
			return err
		}
		upsertAgent(rec, agent)
		rec.UpdatedAt = time.Now().UTC()
		return s.writeLocked(rec)
	})
}

// UpdateFields is the allowed patch set for Update (name only, per §4.1).
type UpdateFields struct {
	Name *string
}

// Update applies a patch (name only) and persists it.
func (s *Store) Update(id string, fields UpdateFields) (*api.Session, error) {
	var sess *api.Session
	err := s.withLock(id, func() error {
		rec, err := s.readLocked(id)
		if err != nil {
			return err
		}
		if fields.Name != nil {
			rec.Name = *fields.Name
		}
		rec.UpdatedAt = time.Now().UTC()
		if err := s.writeLocked(rec); err != nil {
			return err
		}
		sess = rec.toSession()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes the session's file.
func (s *Store) Delete(id string) error {
	return s.withLock(id, func() error {
		if _, err := os.Stat(s.path(id)); err != nil {
			if os.IsNotExist(err) {
				return kernelerrors.New(kernelerrors.NotFound, "session "+id)
			}
			return kernelerrors.Wrap(kernelerrors.IO, "stat session file", err)
		}
		if err := os.Remove(s.path(id)); err != nil {
			return kernelerrors.Wrap(kernelerrors.IO, "remove session file", err)
		}
		return nil
	})
}

// Export produces the session's persisted JSON layout verbatim.
func (s *Store) Export(id string) ([]byte, error) {
	var data []byte
	err := s.withLock(id, func() error {
		rec, err := s.readLocked(id)
		if err != nil {
			return err
		}
		data, err = json.MarshalIndent(rec, "", "  ")
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Import assigns a fresh ID to dump and persists it as a new session.
func (s *Store) Import(dump []byte) (*api.Session, error) {
	var rec record
	if err := json.Unmarshal(dump, &rec); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.Validation, "parse import dump", err)
	}
	now := time.Now().UTC()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Messages == nil {
		rec.Messages = []api.Message{}
	}
	if rec.Agents == nil {
		rec.Agents = []api.PersistedAgent{}
	}
	err := s.withLock(rec.ID, func() error {
		return s.writeLocked(&rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.toSession(), nil
}

// Package memory models the kernel's external memory/knowledge-graph
// collaborator (spec §1's Non-goals: "treated as an opaque service exposing
// extract(messages), search(query)->ranked hits, inject(query,sessionId)->
// (contextText, refs)"). The kernel never implements embeddings or recall
// itself; this package is the narrow interface the kernel programs against,
// plus a file-backed stub for single-process deployments and tests.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kandev/kandev/internal/kernelerrors"
	"github.com/kandev/kandev/pkg/api"
)

// Hit is one ranked search result.
type Hit struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Ref   string  `json:"ref"`
}

// Injection is the (contextText, refs) pair returned by Inject. The kernel
// prepends ContextText to the prompt; no `context` event is emitted for it.
type Injection struct {
	ContextText string   `json:"contextText"`
	Refs        []string `json:"refs"`
}

// Service is the opaque memory subsystem contract the kernel programs
// against.
type Service interface {
	Extract(ctx context.Context, sessionID string, messages []api.Message) error
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
	Inject(ctx context.Context, query, sessionID string) (Injection, error)
}

// FileStore is a minimal Service backed by a flat JSON file of extracted
// snippets, scored by naive keyword overlap. It exists so `orchestrate`
// mode and its tests have something real to call without depending on an
// external recall service; it makes no claim to the embeddings-grade recall
// quality the opaque service is allowed to provide.
type FileStore struct {
	path string

	mu      sync.Mutex
	records []record
}

type record struct {
	SessionID string `json:"sessionId"`
	Ref       string `json:"ref"`
	Text      string `json:"text"`
}

// NewFileStore constructs a FileStore persisting to path. Missing files
// start empty.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, kernelerrors.Wrap(kernelerrors.IO, "read memory store", err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.records); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.Validation, "parse memory store", err)
	}
	return fs, nil
}

// Extract appends the text of every non-empty message, whatever its role,
// as a candidate recall snippet, tagged with a generated ref.
func (f *FileStore) Extract(_ context.Context, sessionID string, messages []api.Message) error {
	f.mu.Lock()
	for i, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		f.records = append(f.records, record{
			SessionID: sessionID,
			Ref:       sessionID + "#" + strconv.Itoa(i),
			Text:      m.Content,
		})
	}
	f.mu.Unlock()
	return f.persist()
}

// Search ranks recorded snippets by keyword overlap with query and returns
// the top `limit`.
func (f *FileStore) Search(_ context.Context, query string, limit int) ([]Hit, error) {
	terms := strings.Fields(strings.ToLower(query))
	f.mu.Lock()
	defer f.mu.Unlock()

	var hits []Hit
	for _, r := range f.records {
		score := overlapScore(terms, strings.ToLower(r.Text))
		if score == 0 {
			continue
		}
		hits = append(hits, Hit{Text: r.Text, Score: score, Ref: r.Ref})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Inject concatenates the top hits into a single context block for prompt
// enrichment, plus their refs for citation.
func (f *FileStore) Inject(ctx context.Context, query, sessionID string) (Injection, error) {
	hits, err := f.Search(ctx, query, 5)
	if err != nil {
		return Injection{}, err
	}
	if len(hits) == 0 {
		return Injection{}, nil
	}

	var b strings.Builder
	var refs []string
	b.WriteString("Relevant prior context:\n")
	for _, h := range hits {
		b.WriteString("- ")
		b.WriteString(h.Text)
		b.WriteString("\n")
		refs = append(refs, h.Ref)
	}
	return Injection{ContextText: b.String(), Refs: refs}, nil
}

func (f *FileStore) persist() error {
	f.mu.Lock()
	raw, err := json.Marshal(f.records)
	f.mu.Unlock()
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.IO, "marshal memory store", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return kernelerrors.Wrap(kernelerrors.IO, "create memory store dir", err)
		}
	}
	if err := os.WriteFile(f.path, raw, 0o644); err != nil {
		return kernelerrors.Wrap(kernelerrors.IO, "write memory store", err)
	}
	return nil
}

func overlapScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	matches := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			matches++
		}
	}
	return float64(matches) / float64(len(terms))
}

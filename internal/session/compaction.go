package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/kandev/internal/common/stringutil"
	"github.com/kandev/kandev/internal/kernelerrors"
	"github.com/kandev/kandev/pkg/api"
)

// TokenEstimator approximates the token cost of a message. The Context
// Window Monitor supplies its own (bytes/4 by default, or provider-reported
// usage when available); the store never assumes a specific accounting.
type TokenEstimator func(api.Message) int

// CompactionResult reports what Compact did, for the `compaction_completed`
// event's tokensSaved field.
type CompactionResult struct {
	TokensBefore int
	TokensAfter  int
	TokensSaved  int
	Compacted    int // number of messages folded into the summary
}

// Compact replaces the oldest span of a session's messages with a single
// `system` message tagged "summary", preserving (per §4.5):
//  1. the last 10 messages verbatim,
//  2. all user messages that introduced still-referenced files,
//  3. the cumulative set of tool names used.
//
// Each call is a single pass that folds every message outside the preserved
// set into the summary. targetTokens is not consulted here; the summary's
// size is not bounded by it, and the caller re-estimates usage after the call.
// Deterministic and idempotent: re-running with no intervening writes
// computes the same summary content from the same preserved set (Property 6).
func (s *Store) Compact(id string, targetTokens int, estimate TokenEstimator) (*CompactionResult, error) {
	var result *CompactionResult
	err := s.withLock(id, func() error {
		rec, err := s.readLocked(id)
		if err != nil {
			return err
		}

		before := 0
		for _, m := range rec.Messages {
			before += estimate(m)
		}

		keepFromEnd := 10
		if len(rec.Messages) <= keepFromEnd {
			result = &CompactionResult{TokensBefore: before, TokensAfter: before, TokensSaved: 0, Compacted: 0}
			return nil
		}

		splitIdx := len(rec.Messages) - keepFromEnd
		candidate := rec.Messages[:splitIdx]
		tail := rec.Messages[splitIdx:]

		if len(candidate) == 1 && isSummaryMessage(candidate[0]) {
			// Already fully compacted: a single pre-existing summary ahead of
			// the verbatim tail has nothing further to fold (Property 6).
			result = &CompactionResult{TokensBefore: before, TokensAfter: before, TokensSaved: 0, Compacted: 0}
			return nil
		}

		referencedFiles := referencedFileSet(tail)
		toolNames := map[string]struct{}{}

		var toCompact []api.Message
		var toKeep []api.Message
		for _, m := range candidate {
			if isSummaryMessage(m) {
				// A prior summary message is itself foldable into the new one.
				toCompact = append(toCompact, m)
				continue
			}
			if m.Role == api.RoleUser && introducesReferencedFile(m, referencedFiles) {
				toKeep = append(toKeep, m)
				continue
			}
			for _, t := range m.ToolsUsed {
				toolNames[t] = struct{}{}
			}
			toCompact = append(toCompact, m)
		}

		if len(toCompact) == 0 {
			result = &CompactionResult{TokensBefore: before, TokensAfter: before, TokensSaved: 0, Compacted: 0}
			return nil
		}

		summary := buildSummaryMessage(toCompact, toolNames)
		newMessages := append([]api.Message{}, toKeep...)
		newMessages = append(newMessages, summary)
		newMessages = append(newMessages, tail...)
		rec.Messages = newMessages

		after := 0
		for _, m := range rec.Messages {
			after += estimate(m)
		}

		result = &CompactionResult{
			TokensBefore: before,
			TokensAfter:  after,
			TokensSaved:  before - after,
			Compacted:    len(toCompact),
		}

		rec.UpdatedAt = time.Now().UTC()
		if err := s.writeLocked(rec); err != nil {
			return kernelerrors.Wrap(kernelerrors.CompactionFailed, "persist compacted session", err)
		}
		_ = targetTokens // target is enforced by the caller's loop (contextwindow.Monitor), not here
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const summaryTagPrefix = "[summary] "

func isSummaryMessage(m api.Message) bool {
	return m.Role == api.RoleSystem && strings.HasPrefix(m.Content, summaryTagPrefix)
}

// buildSummaryMessage concatenates a truncated preview of each compacted
// message plus the cumulative tool-name set into one deterministic `system`
// message. This is the rule-based condenser (SPEC_FULL §9 Open Question 2):
// no recursive model call, so compaction stays synchronous and idempotent.
func buildSummaryMessage(compacted []api.Message, toolNames map[string]struct{}) api.Message {
	var b strings.Builder
	b.WriteString(summaryTagPrefix)
	fmt.Fprintf(&b, "%d prior messages condensed.\n", len(compacted))
	for _, m := range compacted {
		preview := stringutil.TruncateStringWithEllipsis(strings.TrimSpace(m.Content), 160)
		if preview == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", m.Role, preview)
	}
	if len(toolNames) > 0 {
		names := make([]string, 0, len(toolNames))
		for t := range toolNames {
			names = append(names, t)
		}
		b.WriteString("tools used: " + strings.Join(names, ", ") + "\n")
	}
	return api.Message{
		ID:        uuid.NewString(),
		Role:      api.RoleSystem,
		Content:   b.String(),
		Timestamp: time.Now().UTC(),
	}
}

func referencedFileSet(tail []api.Message) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range tail {
		for _, tok := range strings.Fields(m.Content) {
			if looksLikePath(tok) {
				out[tok] = struct{}{}
			}
		}
	}
	return out
}

func introducesReferencedFile(m api.Message, referenced map[string]struct{}) bool {
	for _, tok := range strings.Fields(m.Content) {
		if _, ok := referenced[tok]; ok {
			return true
		}
	}
	return false
}

func looksLikePath(tok string) bool {
	tok = strings.Trim(tok, "`'\",.;:()")
	return strings.Contains(tok, "/") && !strings.HasPrefix(tok, "http")
}

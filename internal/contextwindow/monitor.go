// Package contextwindow implements the Context Window Monitor (spec §4.5):
// per-session token accounting, a hysteresis-guarded threshold state
// machine, and the trigger wiring into the Session Store's compaction
// contract. Grounded on the teacher's own threshold/alerting style in
// internal/orchestrator/scheduler (bounded-resource state transitions),
// reworked around token budgets instead of worker-pool load.
package contextwindow

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/kernelerrors"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/pkg/api"
)

// Default thresholds and hysteresis band, per spec.md §4.5/§5.
const (
	WarningThreshold  = 0.70
	CriticalThreshold = 0.85
	Hysteresis        = 0.05
	CompactionTarget  = 0.60 // usedTokens <= this fraction of maxTokens post-compaction
)

// BytesPerToken is the accounting approximation used absent authoritative
// provider usage (§4.5: tokens ≈ bytes/4).
const BytesPerToken = 4

// Monitor tracks one session's token budget and status transitions.
type Monitor struct {
	mu        sync.Mutex
	sessionID string
	maxTokens int
	used      int
	status    api.ContextWindowStatus
	breakdown api.ContextBreakdown

	store  *session.Store
	logger *logger.Logger
	emit   func(api.Event)
}

// New constructs a Monitor for sessionID against store, with emit receiving
// `context_window` events (status_changed, threshold_warning,
// threshold_critical, compaction_started, compaction_completed).
func New(sessionID string, maxTokens int, store *session.Store, log *logger.Logger, emit func(api.Event)) *Monitor {
	return &Monitor{
		sessionID: sessionID,
		maxTokens: maxTokens,
		status:    api.ContextSafe,
		store:     store,
		logger:    log.WithFields(zap.String("component", "contextwindow"), zap.String("session_id", sessionID)),
		emit:      emit,
	}
}

// EstimateMessage approximates one message's token cost.
func EstimateMessage(m api.Message) int {
	if m.Usage != nil && m.Usage.TotalTokens > 0 {
		return m.Usage.TotalTokens
	}
	return (len(m.Content) + 4*len(m.ToolsUsed)) / BytesPerToken
}

// State returns a snapshot of the monitor's current view.
func (m *Monitor) State() api.ContextWindowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	pct := 0.0
	if m.maxTokens > 0 {
		pct = float64(m.used) / float64(m.maxTokens)
	}
	return api.ContextWindowState{
		UsedTokens: m.used,
		MaxTokens:  m.maxTokens,
		Percentage: pct,
		Status:     m.status,
		Breakdown:  m.breakdown,
	}
}

// Update recomputes usedTokens from sess's messages (or authoritative
// provider usage when present), advances the threshold state machine, and
// triggers compaction on entering critical. It returns the (possibly new)
// status.
func (m *Monitor) Update(sess *api.Session) (api.ContextWindowStatus, error) {
	used, breakdown := accumulate(sess)

	m.mu.Lock()
	m.used = used
	m.breakdown = breakdown
	pct := 0.0
	if m.maxTokens > 0 {
		pct = float64(used) / float64(m.maxTokens)
	}
	prev := m.status
	next := m.transition(prev, pct)
	changed := next != prev
	m.status = next
	m.mu.Unlock()

	if changed {
		m.emitStatusChange(prev, next)
	}

	if next == api.ContextCritical && prev != api.ContextCritical {
		return m.compact(sess)
	}
	return next, nil
}

// transition applies the state machine in spec.md §4.5, including the 5%
// hysteresis step-down band.
func (m *Monitor) transition(prev api.ContextWindowStatus, pct float64) api.ContextWindowStatus {
	switch prev {
	case api.ContextCompacting:
		// compact() sets the next status explicitly once it finishes; a
		// concurrent Update() call never exits `compacting` on its own.
		return prev
	case api.ContextSafe:
		if pct >= CriticalThreshold {
			return api.ContextCritical
		}
		if pct >= WarningThreshold {
			return api.ContextWarning
		}
		return api.ContextSafe
	case api.ContextWarning:
		if pct >= CriticalThreshold {
			return api.ContextCritical
		}
		if pct < WarningThreshold-Hysteresis {
			return api.ContextSafe
		}
		return api.ContextWarning
	case api.ContextCritical:
		if pct < CriticalThreshold-Hysteresis {
			if pct >= WarningThreshold {
				return api.ContextWarning
			}
			return api.ContextSafe
		}
		return api.ContextCritical
	default:
		return api.ContextSafe
	}
}

func (m *Monitor) emitStatusChange(prev, next api.ContextWindowStatus) {
	state := m.State()
	m.emit(api.Event{
		Type:         api.EventContextWindow,
		SessionID:    m.sessionID,
		SubEvent:     string(api.CWStatusChanged),
		ContextState: &state,
	})
	switch next {
	case api.ContextWarning:
		m.emit(api.Event{Type: api.EventContextWindow, SessionID: m.sessionID, SubEvent: string(api.CWThresholdWarning), ContextState: &state})
	case api.ContextCritical:
		m.emit(api.Event{Type: api.EventContextWindow, SessionID: m.sessionID, SubEvent: string(api.CWThresholdCritical), ContextState: &state})
	}
}

// compact drives the Session Store's compaction contract (§4.5), emitting
// compaction_started/compaction_completed and stepping the state machine
// back down once the store reports success. On failure the monitor stays at
// `critical` (pre-compaction state) and an error event is the caller's
// responsibility to emit (CompactionFailed).
func (m *Monitor) compact(sess *api.Session) (api.ContextWindowStatus, error) {
	m.mu.Lock()
	m.status = api.ContextCompacting
	m.mu.Unlock()
	m.emit(api.Event{Type: api.EventContextWindow, SessionID: m.sessionID, SubEvent: string(api.CWCompactionStarted)})

	target := int(float64(m.maxTokens) * CompactionTarget)

	// Store.Compact performs one fold-everything-droppable-into-a-summary
	// pass per call; it defers target convergence to the caller since a
	// single pass may still leave preserved (tail/referenced-file) messages
	// above budget. Loop it until at/under target or a pass makes no
	// further progress.
	totalSaved := 0
	tokensAfter := 0
	const maxPasses = 5
	for pass := 0; pass < maxPasses; pass++ {
		result, err := m.store.Compact(sess.ID, target, session.TokenEstimator(EstimateMessage))
		if err != nil {
			m.mu.Lock()
			m.status = api.ContextCritical
			m.mu.Unlock()
			return api.ContextCritical, kernelerrors.Wrap(kernelerrors.CompactionFailed, "compact session", err)
		}
		totalSaved += result.TokensSaved
		tokensAfter = result.TokensAfter
		if result.Compacted == 0 || tokensAfter <= target {
			break
		}
	}

	m.mu.Lock()
	m.used = tokensAfter
	pct := 0.0
	if m.maxTokens > 0 {
		pct = float64(tokensAfter) / float64(m.maxTokens)
	}
	// Re-derive status fresh from the post-compaction token count rather
	// than assuming a reset to safe: a pass that hit maxPasses without
	// converging can still leave the session at warning or critical.
	next := m.transition(api.ContextSafe, pct)
	m.status = next
	m.mu.Unlock()

	m.emit(api.Event{
		Type:        api.EventContextWindow,
		SessionID:   m.sessionID,
		SubEvent:    string(api.CWCompactionCompleted),
		TokensSaved: totalSaved,
	})
	return next, nil
}

func accumulate(sess *api.Session) (int, api.ContextBreakdown) {
	var breakdown api.ContextBreakdown
	total := 0
	for i, msg := range sess.Messages {
		cost := EstimateMessage(msg)
		total += cost
		switch {
		case msg.Role == api.RoleSystem:
			breakdown.System += cost
		case len(msg.ToolsUsed) > 0:
			breakdown.Tools += cost
		case i == len(sess.Messages)-1:
			breakdown.Current += cost
		default:
			breakdown.History += cost
		}
	}
	return total, breakdown
}

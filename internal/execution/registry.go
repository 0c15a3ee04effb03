// Package execution implements the Execution Registry (spec §4.2): admission
// control, cancellation plumbing, and garbage-collection of live turns. The
// abort capability lives as a first-class field on the record (SPEC_FULL
// re-architecture note: no closure fished out of a map), and ordering
// guarantees are delivered entirely by Go's own channel/mutex semantics,
// matching the teacher's internal/agent/executor registry style.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/kernelerrors"
)

// Status is an Execution's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusAborting Status = "aborting"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusTimedOut:
		return true
	default:
		return false
	}
}

// AbortFunc is the capability to abort a live Execution's underlying work.
type AbortFunc func(reason string)

// InjectAnswerFunc is the capability to feed a line to the CLI's stdin while
// it is blocked on an "ask user" prompt.
type InjectAnswerFunc func(line string)

// Execution is a live in-flight turn.
type Execution struct {
	ID          string
	SessionID   string
	StartedAt   time.Time
	DeadlineAt  time.Time

	mu              sync.Mutex
	status          Status
	abortFn         AbortFunc
	injectAnswerFn  InjectAnswerFunc
	ctx             context.Context
	cancel          context.CancelFunc

	// weakly-referenced PersistedAgent ids spawned during this Execution;
	// owned by the Session after the Execution terminates (§3 ownership).
	agentIDs []string
}

// Status returns the current status.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Context returns the Execution's cancellation context.
func (e *Execution) Context() context.Context {
	return e.ctx
}

// SetInjectAnswerFunc registers the capability to inject a line to stdin,
// once the Process Supervisor has one available.
func (e *Execution) SetInjectAnswerFunc(fn InjectAnswerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injectAnswerFn = fn
}

// RecordAgent tracks a sub-agent id spawned under this Execution.
func (e *Execution) RecordAgent(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agentIDs = append(e.agentIDs, agentID)
}

// AgentIDs returns the sub-agent ids spawned so far.
func (e *Execution) AgentIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.agentIDs...)
}

func (e *Execution) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// Caps bundle the capabilities a caller registers when opening an Execution.
type Caps struct {
	Abort AbortFunc
}

// Registry tracks in-flight executions, enforcing the at-most-one-live-per-
// session invariant (Property 1), the global maxActive cap, and sweeping
// stale executions on a schedule (§4.2).
type Registry struct {
	mu          sync.Mutex
	bySession   map[string]*Execution
	byID        map[string]*Execution
	maxActive   int
	ttl         time.Duration
	gracefulGrace time.Duration
	logger      *logger.Logger

	stopSweep chan struct{}
	stopOnce sync.Once
}

// Config holds the Registry's tunable caps (§5).
type Config struct {
	MaxActive     int
	TTL           time.Duration
	SweepInterval time.Duration
	GracefulGrace time.Duration
}

// DefaultConfig returns spec.md §5's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxActive:     64,
		TTL:           10 * time.Minute,
		SweepInterval: 30 * time.Second,
		GracefulGrace: 2 * time.Second,
	}
}

// NewRegistry constructs a Registry and starts its background sweeper.
func NewRegistry(cfg Config, log *logger.Logger) *Registry {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultConfig().MaxActive
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.GracefulGrace <= 0 {
		cfg.GracefulGrace = DefaultConfig().GracefulGrace
	}
	r := &Registry{
		bySession:     make(map[string]*Execution),
		byID:          make(map[string]*Execution),
		maxActive:     cfg.MaxActive,
		ttl:           cfg.TTL,
		gracefulGrace: cfg.GracefulGrace,
		logger:        log.WithFields(zap.String("component", "execution-registry")),
		stopSweep:     make(chan struct{}),
	}
	go r.sweepLoop(cfg.SweepInterval)
	return r
}

// Open admits a new Execution for sessionID, refusing with Busy if one is
// already non-terminal for that session, or AtCapacity if the registry is
// globally saturated (Property 1).
func (r *Registry) Open(ctx context.Context, sessionID string, caps Caps) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySession[sessionID]; ok && !existing.Status().IsTerminal() {
		return nil, kernelerrors.New(kernelerrors.Busy, "session "+sessionID+" already has a running execution")
	}
	if len(r.byID) >= r.maxActive {
		return nil, kernelerrors.New(kernelerrors.AtCapacity, "registry at capacity")
	}

	execCtx, cancel := context.WithCancel(ctx)
	now := time.Now().UTC()
	e := &Execution{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		StartedAt:  now,
		DeadlineAt: now.Add(r.ttl),
		status:     StatusPending,
		abortFn:    caps.Abort,
		ctx:        execCtx,
		cancel:     cancel,
	}
	r.bySession[sessionID] = e
	r.byID[e.ID] = e
	r.logger.Info("execution opened", zap.String("execution_id", e.ID), zap.String("session_id", sessionID))
	return e, nil
}

// MarkRunning transitions an Execution from pending to running.
func (r *Registry) MarkRunning(executionID string) {
	if e := r.get(executionID); e != nil {
		e.setStatus(StatusRunning)
	}
}

// Abort requests cancellation of executionID. Idempotent: a second call is a
// no-op. The abort is happens-before any further event the supervisor
// forwards for this Execution (Property 7, enforced by the caller observing
// ctx.Done() before continuing its read loop).
func (r *Registry) Abort(executionID string, reason string) {
	e := r.get(executionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.status.IsTerminal() || e.status == StatusAborting {
		e.mu.Unlock()
		return
	}
	e.status = StatusAborting
	abortFn := e.abortFn
	e.mu.Unlock()

	e.cancel()
	if abortFn != nil {
		abortFn(reason)
	}
}

// InjectAnswer feeds a line to the Execution's CLI stdin if it is currently
// able to accept one; otherwise it is silently ignored (§4.2).
func (r *Registry) InjectAnswer(executionID string, line string) {
	e := r.get(executionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	fn := e.injectAnswerFn
	e.mu.Unlock()
	if fn != nil {
		fn(line)
	}
}

// Close moves executionID out of the registry with a terminal status,
// freeing the id for reuse and the session slot for a new Execution.
func (r *Registry) Close(executionID string, terminal Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[executionID]
	if !ok {
		return
	}
	e.setStatus(terminal)
	e.cancel()
	delete(r.byID, executionID)
	if r.bySession[e.SessionID] == e {
		delete(r.bySession, e.SessionID)
	}
	r.logger.Info("execution closed", zap.String("execution_id", executionID), zap.String("status", string(terminal)))
}

// Get returns the live Execution for executionID, or nil.
func (r *Registry) Get(executionID string) *Execution {
	return r.get(executionID)
}

// GetBySession returns the live (non-terminal) Execution for sessionID, or nil.
func (r *Registry) GetBySession(sessionID string) *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySession[sessionID]; ok && !e.Status().IsTerminal() {
		return e
	}
	return nil
}

func (r *Registry) get(executionID string) *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[executionID]
}

// Len returns the number of currently tracked (not-yet-closed) executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Stop halts the background sweeper.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopSweep) })
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep aborts any non-terminal Execution past its deadline with TimedOut.
func (r *Registry) sweep() {
	now := time.Now().UTC()
	r.mu.Lock()
	var stale []*Execution
	for _, e := range r.byID {
		if !e.Status().IsTerminal() && now.After(e.DeadlineAt) {
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.logger.Warn("sweeping timed-out execution", zap.String("execution_id", e.ID))
		r.Abort(e.ID, string(kernelerrors.TimedOut))
	}
}

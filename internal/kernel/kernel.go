// Package kernel is the single entry point wiring the Session Store,
// Execution Registry, Event Bus, Process Supervisor, Context Window Monitor,
// Auto-Continuation Controller, Prompt Classifier, Lead Orchestrator, and
// Sub-agent Spawner into one request-handling flow (spec §2's composition
// diagram). A transport (the WS adapter, the operator CLI, a future HTTP
// layer) calls Execute and reads the returned subscription; the kernel owns
// everything between "a prompt arrived" and "a result was persisted and the
// registry slot released."
package kernel

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/appctx"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/continuation"
	"github.com/kandev/kandev/internal/contextwindow"
	"github.com/kandev/kandev/internal/eventbus"
	"github.com/kandev/kandev/internal/execution"
	"github.com/kandev/kandev/internal/expertise"
	"github.com/kandev/kandev/internal/memory"
	"github.com/kandev/kandev/internal/orchestrator"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/subagent"
	"github.com/kandev/kandev/internal/supervisor"
	"github.com/kandev/kandev/pkg/api"
)

// DefaultMaxContextTokens is the token budget handed to the Context Window
// Monitor absent a per-provider override (spec §4.5 is budget-agnostic; the
// kernel is the component that knows which provider/model is in play).
const DefaultMaxContextTokens = 180_000

// Request is one `execute-cli` control message's decoded payload (spec §6).
type Request struct {
	Prompt            string
	SessionID         string
	WorkDir           string
	Resume            bool
	Images            []string
	Orchestrate       bool
	LeadOrchestrate   bool
	Thinking          bool
	PlanMode          bool
	BypassPermissions bool
	AllowFullPC       bool
	Provider          api.Provider
}

// SessionIndexer is an optional secondary queryable projection rebuilt from
// the Session Store's authoritative JSON on every terminal transition (e.g.
// internal/session/sqlite). The kernel treats it as best-effort: a failure
// to reindex never affects the Execution's outcome.
type SessionIndexer interface {
	Reindex(sess *api.Session) error
}

// Kernel is the wired-up runtime. One Kernel instance serves every session.
type Kernel struct {
	store      *session.Store
	registry   *execution.Registry
	sessionBus *eventbus.SessionBus
	runner     supervisor.Runner
	driverFor  func(api.Provider) supervisor.Driver
	memory     memory.Service
	expertise  expertise.Provider
	spawner    *subagent.Spawner
	orch       *orchestrator.Orchestrator
	index      SessionIndexer
	logger     *logger.Logger

	maxContextTokens int
}

// Deps bundles the Kernel's external collaborators so callers (cmd/kerneld,
// tests) construct them however they like and hand them in assembled.
type Deps struct {
	Store            *session.Store
	Registry         *execution.Registry
	SessionBus       *eventbus.SessionBus
	Runner           supervisor.Runner
	DriverFor        func(api.Provider) supervisor.Driver
	Memory           memory.Service
	Expertise        expertise.Provider
	Index            SessionIndexer
	Logger           *logger.Logger
	MaxContextTokens int
}

// New wires a Kernel from deps, filling in sensible defaults for anything
// left zero.
func New(deps Deps) *Kernel {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	maxTokens := deps.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}
	spawner := subagent.New(deps.Runner, deps.DriverFor, deps.Store, log)
	return &Kernel{
		store:            deps.Store,
		registry:         deps.Registry,
		sessionBus:       deps.SessionBus,
		runner:           deps.Runner,
		driverFor:        deps.DriverFor,
		memory:           deps.Memory,
		expertise:        deps.Expertise,
		spawner:          spawner,
		orch:             orchestrator.New(spawner),
		index:            deps.Index,
		logger:           log.WithFields(zap.String("component", "kernel")),
		maxContextTokens: maxTokens,
	}
}

// Execute opens an Execution for req and runs it to completion in the
// background, returning a live subscription the caller reads events from.
// The returned executionID lets the caller later call Abort/InjectAnswer.
func (k *Kernel) Execute(ctx context.Context, req Request) (executionID string, sub *eventbus.Subscription, err error) {
	if _, err := k.store.Get(req.SessionID); err != nil {
		return "", nil, err
	}

	bus := eventbus.New(eventbus.DefaultConfig(), req.SessionID, k.sessionBus, k.logger)

	exec, err := k.registry.Open(ctx, req.SessionID, execution.Caps{
		Abort: func(reason string) {
			bus.Publish(api.Event{Type: api.EventError, SessionID: req.SessionID, Error: reason})
		},
	})
	if err != nil {
		return "", nil, err
	}

	sub = bus.Subscribe()
	bus.Publish(api.Event{Type: api.EventRequestID, Data: exec.ID})

	go k.run(exec, bus, req)

	return exec.ID, sub, nil
}

// Abort requests cancellation of a live Execution (spec §4.2).
func (k *Kernel) Abort(executionID, reason string) {
	k.registry.Abort(executionID, reason)
}

// InjectAnswer feeds a line to a live Execution's CLI stdin, if it is
// currently accepting one (spec §4.2).
func (k *Kernel) InjectAnswer(executionID, line string) {
	k.registry.InjectAnswer(executionID, line)
}

// run drives one Execution end to end: direct or lead-orchestrated,
// auto-continuation, context window monitoring, and side-effect rollback.
func (k *Kernel) run(exec *execution.Execution, bus *eventbus.Bus, req Request) {
	log := k.logger.WithSessionID(req.SessionID)
	k.registry.MarkRunning(exec.ID)

	userMsg := api.Message{
		ID:        exec.ID + "-user",
		Role:      api.RoleUser,
		Content:   req.Prompt,
		Timestamp: time.Now().UTC(),
		Images:    req.Images,
	}
	if _, err := k.store.AppendMessage(req.SessionID, userMsg, nil); err != nil {
		log.Error("failed to persist user turn", zap.Error(err))
	}

	monitor := contextwindow.New(req.SessionID, k.maxContextTokens, k.store, k.logger, bus.Publish)
	if updated, err := k.store.Get(req.SessionID); err == nil {
		if _, err := monitor.Update(updated); err != nil {
			log.Warn("context window update failed", zap.Error(err))
		}
	}

	var (
		resultText string
		resultSeen bool
		aborted    bool
	)

	if req.LeadOrchestrate {
		resultText, resultSeen = k.runOrchestrated(exec, bus, req)
	} else {
		resultText, resultSeen, aborted = k.runDirectWithContinuation(exec, bus, req)
	}

	k.finish(exec, bus, req, resultText, resultSeen, aborted)
}

func (k *Kernel) runOrchestrated(exec *execution.Execution, bus *eventbus.Bus, req Request) (string, bool) {
	prompt := req.Prompt
	if req.Orchestrate {
		prompt = k.enrichWithMemory(exec.Context(), req)
	}

	// A sub-agent CLI's own `done` ends only that sub-agent; finish()
	// publishes the Execution's terminal `done`.
	emit := func(ev api.Event) {
		if ev.Type != api.EventDone {
			bus.Publish(ev)
		}
	}

	outcome := k.orch.Run(exec.Context(), orchestrator.Request{
		EnrichedPrompt:   prompt,
		SessionID:        req.SessionID,
		WorkDir:          req.WorkDir,
		Provider:         req.Provider,
		AvailableExperts: k.availableExperts(),
		ExpertiseFor:     k.expertiseFor,
	}, emit)

	for _, ao := range outcome.Agents {
		exec.RecordAgent(ao.Result.AgentID)
	}

	bus.Publish(api.Event{Type: api.EventText, SessionID: req.SessionID, Data: outcome.Summary})
	bus.Publish(api.Event{Type: api.EventResult, SessionID: req.SessionID, Result: outcome.Summary})
	return outcome.Summary, true
}

// runDirectWithContinuation runs the direct CLI path, applying the
// auto-continuation loop (spec §4.6) across successive inner turns under
// the same Execution id.
func (k *Kernel) runDirectWithContinuation(exec *execution.Execution, bus *eventbus.Bus, req Request) (finalText string, resultSeen, aborted bool) {
	ctrl := continuation.New(req.SessionID)
	ctrl.CurrentIteration = 1 // the initial turn is iteration 1
	prompt := req.Prompt
	if req.Orchestrate {
		prompt = k.enrichWithMemory(exec.Context(), req)
	}

	resume := req.Resume
	var trace []api.Event
	var lastText string

	for {
		text, sawResult, execAborted, turnTrace := k.runOneTurn(exec, bus, req, prompt, resume)
		trace = append(trace, turnTrace...)
		if execAborted {
			return lastText, sawResult, true
		}
		if sawResult {
			lastText = text
			resultSeen = true
		}

		decision := ctrl.Evaluate(text, trace)
		if !decision.Continue {
			bus.Publish(ctrl.CompletedEvent(decision.Reason))
			break
		}
		bus.Publish(ctrl.IterationEvent())
		select {
		case <-exec.Context().Done():
			return lastText, resultSeen, true
		case <-time.After(continuation.PacingDelay):
		}
		prompt = decision.Prompt
		resume = true
	}

	return lastText, resultSeen, false
}

// runOneTurn runs exactly one CLI invocation to completion (or abort),
// forwarding every event except the CLI's own `done` to bus and returning
// the `result` text if any.
func (k *Kernel) runOneTurn(exec *execution.Execution, bus *eventbus.Bus, req Request, prompt string, resume bool) (resultText string, sawResult, aborted bool, trace []api.Event) {
	driver := k.driverFor(req.Provider)

	sink := supervisor.SinkFunc(func(ev api.Event) {
		ev.SessionID = req.SessionID
		trace = append(trace, ev)
		if ev.Type == api.EventResult {
			sawResult = true
			resultText = ev.Result
		}
		if ev.Type == api.EventDone {
			// The CLI's `done` ends only this turn; finish() publishes the
			// Execution's terminal `done` once every turn is over.
			if ev.Aborted {
				aborted = true
			}
			return
		}
		bus.Publish(ev)
	})

	handle, err := k.runner.Run(exec.Context(), supervisor.PromptBundle{
		Prompt:            prompt,
		SessionID:         req.SessionID,
		WorkDir:           req.WorkDir,
		Resume:            resume,
		ImagePaths:        req.Images,
		Thinking:          req.Thinking,
		PlanMode:          req.PlanMode,
		BypassPermissions: req.BypassPermissions,
		AllowFullPC:       req.AllowFullPC,
		OrchestrateHint:   req.Orchestrate,
	}, driver, sink)
	if err != nil {
		bus.Publish(api.Event{Type: api.EventError, SessionID: req.SessionID, Error: err.Error()})
		return "", false, false, trace
	}

	exec.SetInjectAnswerFunc(func(line string) { _ = handle.InjectAnswer(line) })

	select {
	case <-handle.Done():
	case <-exec.Context().Done():
		handle.Abort()
		<-handle.Done()
	}

	return resultText, sawResult, aborted, trace
}

// finish implements §7's side-effect rollback: each step is attempted
// independently of whether an earlier one failed.
func (k *Kernel) finish(exec *execution.Execution, bus *eventbus.Bus, req Request, resultText string, resultSeen, aborted bool) {
	log := k.logger.WithSessionID(req.SessionID)

	if wasAbortedByUser := exec.Status() == execution.StatusAborting; wasAbortedByUser {
		resultText = "Execution aborted by user"
		bus.Publish(api.Event{Type: api.EventResult, SessionID: req.SessionID, Result: resultText})
		resultSeen = true
		aborted = true
	}

	// (a) write the assistant turn iff a result was emitted at least once.
	if resultSeen {
		msg := api.Message{
			ID:        exec.ID + "-assistant",
			Role:      api.RoleAssistant,
			Content:   resultText,
			Timestamp: time.Now().UTC(),
		}
		if _, err := k.store.AppendMessage(req.SessionID, msg, nil); err != nil {
			log.Error("failed to persist assistant turn", zap.Error(err))
		}
		if k.memory != nil {
			if sess, err := k.store.Get(req.SessionID); err == nil {
				// Extraction must survive past the Execution's own context,
				// which may already be cancelled (aborted/timed out) by the
				// time finish() runs.
				extractCtx, cancel := appctx.Detached(context.Background(), nil, 30*time.Second)
				if err := k.memory.Extract(extractCtx, req.SessionID, sess.Messages); err != nil {
					log.Warn("memory extraction failed", zap.Error(err))
				}
				cancel()
			}
		}
	}

	// (b) unlink every temp image file created for the Execution.
	for _, path := range req.Images {
		if strings.Contains(path, os.TempDir()) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to unlink temp image", zap.String("path", path), zap.Error(err))
			}
		}
	}

	// (c) persisting each PersistedAgent's advanced status already happens
	// inside the Sub-agent Spawner at each transition; nothing further to
	// flush here beyond recording which agent ids belong to this Execution,
	// already done via exec.RecordAgent in runOrchestrated.

	if k.index != nil {
		if sess, err := k.store.Get(req.SessionID); err == nil {
			if err := k.index.Reindex(sess); err != nil {
				log.Warn("session index rebuild failed", zap.Error(err))
			}
		}
	}

	// (d) release the registry slot.
	terminal := execution.StatusSucceeded
	switch {
	case aborted:
		terminal = execution.StatusAborted
	case !resultSeen:
		terminal = execution.StatusFailed
	}
	bus.Publish(api.Event{Type: api.EventDone, SessionID: req.SessionID, Aborted: aborted})
	k.registry.Close(exec.ID, terminal)
}

func (k *Kernel) enrichWithMemory(ctx context.Context, req Request) string {
	if k.memory == nil {
		return req.Prompt
	}
	inj, err := k.memory.Inject(ctx, req.Prompt, req.SessionID)
	if err != nil || inj.ContextText == "" {
		return req.Prompt
	}
	return inj.ContextText + "\n" + req.Prompt
}

func (k *Kernel) availableExperts() []string {
	s, ok := k.expertise.(interface{ Domains() []string })
	if !ok {
		return nil
	}
	return s.Domains()
}

func (k *Kernel) expertiseFor(domain string) *api.ExpertisePack {
	if k.expertise == nil {
		return nil
	}
	return k.expertise.Pack(domain)
}

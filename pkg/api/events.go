package api

// EventType is the discriminator for the event envelope wire contract
// (§6): one tag per kind, no string-keyed dynamic dispatch beyond this.
type EventType string

const (
	EventRequestID     EventType = "request_id"
	EventInit          EventType = "init"
	EventText          EventType = "text"
	EventThinking      EventType = "thinking"
	EventToolUse       EventType = "tool_use"
	EventToolResult    EventType = "tool_result"
	EventContext       EventType = "context"
	EventAgentEvent    EventType = "agent_event"
	EventResult        EventType = "result"
	EventContextWindow EventType = "context_window"
	EventContinuation  EventType = "continuation"
	// EventOrchestration carries the Lead Orchestrator's own state machine
	// (classified/executing/synthesizing/aborting/completed/failed/aborted),
	// distinct from the per-sub-agent agent_event lifecycle.
	EventOrchestration EventType = "orchestration"
	EventError         EventType = "error"
	EventDone          EventType = "done"
	// EventUnknown is the fallback tag for unrecognized provider output
	// forwarded unchanged (§4.4).
	EventUnknown EventType = "unknown"
)

// ContextItemType enumerates the `context` event's contextType field.
type ContextItemType string

const (
	ContextItemSkill  ContextItemType = "skill"
	ContextItemRule   ContextItemType = "rule"
	ContextItemMCP    ContextItemType = "mcp"
	ContextItemMemory ContextItemType = "memory"
	ContextItemHook   ContextItemType = "hook"
)

// ContextItemStatus enumerates the `context` event's status field.
type ContextItemStatus string

const (
	ContextItemActive    ContextItemStatus = "active"
	ContextItemCompleted ContextItemStatus = "completed"
	ContextItemFailed    ContextItemStatus = "failed"
)

// AgentLifecycleEvent enumerates the `agent_event` event's event field.
type AgentLifecycleEvent string

const (
	AgentSpawned   AgentLifecycleEvent = "spawned"
	AgentStarted   AgentLifecycleEvent = "started"
	AgentCompleted AgentLifecycleEvent = "completed"
	AgentFailed    AgentLifecycleEvent = "failed"
)

// ContextWindowLifecycleEvent enumerates the `context_window` event's event field.
type ContextWindowLifecycleEvent string

const (
	CWInit                 ContextWindowLifecycleEvent = "init"
	CWStatusChanged        ContextWindowLifecycleEvent = "status_changed"
	CWThresholdWarning     ContextWindowLifecycleEvent = "threshold_warning"
	CWThresholdCritical    ContextWindowLifecycleEvent = "threshold_critical"
	CWCompactionStarted    ContextWindowLifecycleEvent = "compaction_started"
	CWCompactionCompleted  ContextWindowLifecycleEvent = "compaction_completed"
)

// ContinuationLifecycleEvent enumerates the `continuation` event's event field.
type ContinuationLifecycleEvent string

const (
	ContinuationIteration ContinuationLifecycleEvent = "iteration"
	ContinuationCompleted ContinuationLifecycleEvent = "completed"
)

// OrchestrationLifecycleEvent enumerates the `orchestration` event's event
// field, mirroring the Lead Orchestrator's state machine (§4.8):
// pending -> classified -> executing -> {synthesizing|aborting} ->
// {complete|failed|aborted}.
type OrchestrationLifecycleEvent string

const (
	OrchClassified   OrchestrationLifecycleEvent = "classified"
	OrchExecuting    OrchestrationLifecycleEvent = "executing"
	OrchSynthesizing OrchestrationLifecycleEvent = "synthesizing"
	OrchAborting     OrchestrationLifecycleEvent = "aborting"
	OrchCompleted    OrchestrationLifecycleEvent = "completed"
	OrchFailed       OrchestrationLifecycleEvent = "failed"
	OrchAborted      OrchestrationLifecycleEvent = "aborted"
)

// ContinuationReason enumerates the `continuation` event's reason field.
type ContinuationReason string

const (
	ReasonTruncated      ContinuationReason = "truncated"
	ReasonCompleted      ContinuationReason = "completed"
	ReasonMaxIterations  ContinuationReason = "max_iterations"
	ReasonCompleteEnough ContinuationReason = "complete_enough"
)

// Event is the single envelope shape for everything the kernel emits, either
// to a subscriber or into the per-Execution ring buffer. Additional fields
// beyond the contract MAY appear on events forwarded unchanged from a
// provider (type=unknown); this struct models the recognized contract
// fields plus a passthrough Raw bag for those.
type Event struct {
	Type EventType `json:"type"`

	// request_id, init, text, thinking, error, done
	Data string `json:"data,omitempty"`

	// init (optional), text (optional)
	SessionID string `json:"sessionId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`

	// tool_use, tool_result
	Tool            string `json:"tool,omitempty"`
	ToolUseID       string `json:"toolUseId,omitempty"`
	ToolInput       any    `json:"toolInput,omitempty"`
	ToolOutput      string `json:"toolOutput,omitempty"`
	ParentToolUseID string `json:"parentToolUseId,omitempty"`

	// context
	ContextType ContextItemType   `json:"contextType,omitempty"`
	Name        string            `json:"name,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	Status      ContextItemStatus `json:"status,omitempty"`
	Memories    []string          `json:"memories,omitempty"`

	// agent_event / context_window / continuation sub-discriminator. Each of
	// those three Types carries its lifecycle tag in this one wire field
	// (named "event" per §6); AgentLifecycleEvent / ContextWindowLifecycleEvent /
	// ContinuationLifecycleEvent are all defined as string so callers can
	// assign any of the three directly.
	SubEvent string `json:"event,omitempty"`

	// agent_event
	AgentType  string `json:"agentType,omitempty"`
	Task       string `json:"task,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	ToolCalls  int    `json:"toolCalls,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// result
	Usage   *Usage   `json:"usage,omitempty"`
	CostUsd *float64 `json:"costUsd,omitempty"`

	// context_window
	ContextState *ContextWindowState `json:"state,omitempty"`
	TokensSaved  int                 `json:"tokensSaved,omitempty"`

	// continuation
	ContinuationState *ContinuationState `json:"continuationState,omitempty"`
	Reason            ContinuationReason `json:"reason,omitempty"`

	// orchestration
	Classification *Classification `json:"classification,omitempty"`
	AgentsUsed     int             `json:"agentsUsed,omitempty"`

	// done
	Aborted bool `json:"aborted,omitempty"`
}

// ContinuationState mirrors the auto-continuation controller's per-execution
// state as surfaced on `continuation` events.
type ContinuationState struct {
	CurrentIteration int    `json:"currentIteration"`
	MaxIterations    int    `json:"maxIterations"`
	SessionID        string `json:"sessionId"`
}

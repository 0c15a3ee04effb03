// Package continuation implements the Auto-Continuation Controller
// (spec §4.6): a pure decision function over one turn's response plus its
// event trace, deciding whether the kernel should synthesize a `continue`
// turn under the same Execution id. Grounded on the teacher's rule-based,
// no-recursive-model-call style already used for session compaction
// (internal/session/compaction.go): deterministic string/marker matching,
// no LLM-in-the-loop judgment call.
package continuation

import (
	"fmt"
	"strings"
	"time"

	"github.com/kandev/kandev/pkg/api"
)

// DefaultMaxIterations is spec.md §4.6's per-execution default cap.
const DefaultMaxIterations = 5

// PacingDelay is how long the kernel waits before starting the synthesized
// continuation turn (spec.md §4.6). The kernel owns the actual wait; this
// package only decides whether to continue.
const PacingDelay = 1 * time.Second

var completionMarkers = []string{"[DONE]", "</complete>", "<promise>DONE</promise>"}

var truncationIndicators = []string{"...", "[TRUNCATED]", "[CONTINUE]"}

// Controller tracks one Execution's continuation state and applies
// shouldContinue.
type Controller struct {
	SessionID        string
	MaxIterations    int
	CurrentIteration int
}

// New constructs a Controller with the default iteration cap.
func New(sessionID string) *Controller {
	return &Controller{SessionID: sessionID, MaxIterations: DefaultMaxIterations}
}

// Decision is the outcome of evaluating one completed turn.
type Decision struct {
	Continue bool
	Reason   api.ContinuationReason
	// Prompt is the synthesized continuation prompt, set only when
	// Continue is true.
	Prompt string
}

// Evaluate runs shouldContinue (spec §4.6) against response and the turn's
// event trace, advancing CurrentIteration when it decides to continue.
func (c *Controller) Evaluate(response string, trace []api.Event) Decision {
	if c.CurrentIteration >= c.MaxIterations {
		return Decision{Continue: false, Reason: api.ReasonMaxIterations}
	}
	if containsAny(response, completionMarkers) {
		return Decision{Continue: false, Reason: api.ReasonCompleted}
	}
	if !isTruncated(response, trace) {
		return Decision{Continue: false, Reason: api.ReasonCompleteEnough}
	}

	c.CurrentIteration++
	return Decision{
		Continue: true,
		Reason:   api.ReasonTruncated,
		Prompt:   fmt.Sprintf("Continue from where you left off. Previous response ended with: %s", lastLine(response)),
	}
}

// State snapshots the controller for the `continuation` event's
// continuationState field.
func (c *Controller) State() api.ContinuationState {
	return api.ContinuationState{
		CurrentIteration: c.CurrentIteration,
		MaxIterations:    c.MaxIterations,
		SessionID:        c.SessionID,
	}
}

// IterationEvent builds the `continuation.iteration` event for the start of
// an extra turn.
func (c *Controller) IterationEvent() api.Event {
	state := c.State()
	return api.Event{
		Type:              api.EventContinuation,
		SessionID:         c.SessionID,
		SubEvent:          string(api.ContinuationIteration),
		ContinuationState: &state,
	}
}

// CompletedEvent builds the `continuation.completed` event for when the
// controller stops.
func (c *Controller) CompletedEvent(reason api.ContinuationReason) api.Event {
	state := c.State()
	return api.Event{
		Type:              api.EventContinuation,
		SessionID:         c.SessionID,
		SubEvent:          string(api.ContinuationCompleted),
		ContinuationState: &state,
		Reason:            reason,
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func isTruncated(response string, trace []api.Event) bool {
	trimmed := strings.TrimRight(response, " \t\n\r")
	if trimmed == "" {
		return true
	}
	for _, ind := range truncationIndicators {
		if strings.HasSuffix(trimmed, ind) {
			return true
		}
	}

	last := lastLine(trimmed)
	if !endsWithTerminalPunctuation(last) {
		return true
	}

	return hasUnmatchedToolUse(trace)
}

func endsWithTerminalPunctuation(line string) bool {
	if line == "" {
		return false
	}
	switch line[len(line)-1] {
	case '.', '!', '?', ':', '"', '\'', '`':
		return true
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

func hasUnmatchedToolUse(trace []api.Event) bool {
	pending := map[string]bool{}
	for _, ev := range trace {
		switch ev.Type {
		case api.EventToolUse:
			pending[ev.ToolUseID] = true
		case api.EventToolResult:
			delete(pending, ev.ToolUseID)
		}
	}
	return len(pending) > 0
}

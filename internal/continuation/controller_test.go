package continuation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/pkg/api"
)

func TestCompletionMarkerStopsImmediately(t *testing.T) {
	c := New("s1")
	d := c.Evaluate("All done. [DONE]", nil)
	require.False(t, d.Continue)
	require.Equal(t, api.ReasonCompleted, d.Reason)
	require.Equal(t, 0, c.CurrentIteration)
}

func TestWellFormedResponseDoesNotContinue(t *testing.T) {
	c := New("s1")
	d := c.Evaluate("Here is the answer to your question.", nil)
	require.False(t, d.Continue)
	require.Equal(t, api.ReasonCompleteEnough, d.Reason)
}

func TestTruncationIndicatorContinues(t *testing.T) {
	c := New("s1")
	d := c.Evaluate("Working through the steps now...", nil)
	require.True(t, d.Continue)
	require.Equal(t, api.ReasonTruncated, d.Reason)
	require.Contains(t, d.Prompt, "Working through the steps now...")
	require.Equal(t, 1, c.CurrentIteration)
}

func TestMissingTerminalPunctuationContinues(t *testing.T) {
	c := New("s1")
	d := c.Evaluate("the file is now saved to disk", nil)
	require.True(t, d.Continue)
	require.Equal(t, api.ReasonTruncated, d.Reason)
}

func TestUnmatchedToolUseContinues(t *testing.T) {
	c := New("s1")
	trace := []api.Event{
		{Type: api.EventToolUse, ToolUseID: "t1"},
	}
	d := c.Evaluate("Running the build now.", trace)
	require.True(t, d.Continue)
	require.Equal(t, api.ReasonTruncated, d.Reason)
}

func TestMatchedToolUseDoesNotForceContinue(t *testing.T) {
	c := New("s1")
	trace := []api.Event{
		{Type: api.EventToolUse, ToolUseID: "t1"},
		{Type: api.EventToolResult, ToolUseID: "t1"},
	}
	d := c.Evaluate("Build finished successfully.", trace)
	require.False(t, d.Continue)
	require.Equal(t, api.ReasonCompleteEnough, d.Reason)
}

// TestContinuationCap is spec.md §8 Property 10: the controller never
// continues past MaxIterations regardless of how truncated the response
// looks.
func TestContinuationCap(t *testing.T) {
	c := New("s1")
	c.MaxIterations = 3

	for i := 0; i < 3; i++ {
		d := c.Evaluate("still working...", nil)
		require.True(t, d.Continue, "iteration %d", i)
	}
	require.Equal(t, 3, c.CurrentIteration)

	d := c.Evaluate("still working...", nil)
	require.False(t, d.Continue)
	require.Equal(t, api.ReasonMaxIterations, d.Reason)
	require.Equal(t, 3, c.CurrentIteration)
}

func TestIterationAndCompletedEventsCarryState(t *testing.T) {
	c := New("s1")
	c.CurrentIteration = 2

	iter := c.IterationEvent()
	require.Equal(t, api.EventContinuation, iter.Type)
	require.Equal(t, string(api.ContinuationIteration), iter.SubEvent)
	require.NotNil(t, iter.ContinuationState)
	require.Equal(t, 2, iter.ContinuationState.CurrentIteration)

	done := c.CompletedEvent(api.ReasonCompleted)
	require.Equal(t, string(api.ContinuationCompleted), done.SubEvent)
	require.Equal(t, api.ReasonCompleted, done.Reason)
}

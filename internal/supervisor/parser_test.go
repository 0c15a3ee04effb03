package supervisor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/pkg/api"
)

func TestParseLineRecognizedType(t *testing.T) {
	ev, ok, err := ParseLine([]byte(`{"type":"text","data":"hello"}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, api.EventText, ev.Type)
	require.Equal(t, "hello", ev.Data)
}

func TestParseLineUnrecognizedTypeForwardsAsUnknown(t *testing.T) {
	raw := `{"type":"some_future_tag","foo":"bar"}`
	ev, ok, err := ParseLine([]byte(raw))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, api.EventUnknown, ev.Type)
	require.Equal(t, raw, ev.Data)
}

func TestParseLineInvalidJSON(t *testing.T) {
	_, ok, err := ParseLine([]byte(`not json at all`))
	require.Error(t, err)
	require.False(t, ok)
}

func TestTruncationSafety(t *testing.T) {
	bigOutput := strings.Repeat("x", MaxToolOutputBytes+5000)
	payload, err := json.Marshal(map[string]any{
		"type":       "tool_result",
		"toolUseId":  "t1",
		"toolOutput": bigOutput,
	})
	require.NoError(t, err)

	ev, ok, err := ParseLine(payload)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, api.EventToolResult, ev.Type)

	suffix := "…[truncated 5000 bytes]"
	require.LessOrEqual(t, len(ev.ToolOutput), MaxToolOutputBytes+len(suffix))
	require.Contains(t, ev.ToolOutput, suffix)
}

func TestTruncationNoOpUnderLimit(t *testing.T) {
	small := "short output"
	payload, _ := json.Marshal(map[string]any{
		"type":       "tool_result",
		"toolOutput": small,
	})
	ev, ok, err := ParseLine(payload)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, small, ev.ToolOutput)
}

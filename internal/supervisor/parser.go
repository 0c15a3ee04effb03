package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/kandev/kandev/pkg/api"
)

// MaxToolOutputBytes is spec.md §5's maxToolOutputBytes default: a
// tool_result payload larger than this is truncated before forwarding.
const MaxToolOutputBytes = 256 * 1024

// truncationSuffixFmt matches the wire contract's "…[truncated N bytes]".
const truncationSuffixFmt = "…[truncated %d bytes]"

// ParseLine decodes one newline-delimited stdout token into an api.Event
// (spec §4.4's parsing contract). Unrecognized `type` values are forwarded
// unchanged with EventUnknown; a tool_result exceeding MaxToolOutputBytes is
// truncated with a suffix before being returned (Property 5). ok is false
// (with a non-nil err) when line is not valid JSON at all — the caller is
// responsible for accumulating that into the stderr-like parse-failure log
// rather than forwarding it as an event.
func ParseLine(line []byte) (ev api.Event, ok bool, err error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return api.Event{}, false, err
	}

	ev = raw.Event
	if !raw.recognizedType {
		ev.Type = api.EventUnknown
		ev.Data = string(line)
	}

	if ev.Type == api.EventToolResult {
		ev.ToolOutput = truncateToolOutput(ev.ToolOutput)
	}

	return ev, true, nil
}

// rawEvent decodes into api.Event while separately tracking whether `type`
// was one of the recognized tags, so unrecognized ones can be remapped to
// EventUnknown without losing the original payload.
type rawEvent struct {
	api.Event
	recognizedType bool
}

func (r *rawEvent) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type api.EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	var ev api.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	r.Event = ev
	r.recognizedType = isRecognizedEventType(probe.Type)
	return nil
}

func isRecognizedEventType(t api.EventType) bool {
	switch t {
	case api.EventRequestID, api.EventInit, api.EventText, api.EventThinking,
		api.EventToolUse, api.EventToolResult, api.EventContext, api.EventAgentEvent,
		api.EventResult, api.EventContextWindow, api.EventContinuation,
		api.EventError, api.EventDone:
		return true
	default:
		return false
	}
}

// truncateToolOutput enforces MaxToolOutputBytes, appending the wire
// contract's suffix naming exactly how many bytes were cut (Property 5: the
// result never exceeds maxToolOutputBytes + len(suffix)).
func truncateToolOutput(output string) string {
	if len(output) <= MaxToolOutputBytes {
		return output
	}
	cut := len(output) - MaxToolOutputBytes
	return output[:MaxToolOutputBytes] + fmt.Sprintf(truncationSuffixFmt, cut)
}

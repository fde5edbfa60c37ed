package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"dialflow/internal/agent"
)

// ToolCall is the envelope the model emits when it wants to trigger a tool
// instead of (or alongside) speaking.
type ToolCall struct {
	Tool string          `json:"tool"`
	Data json.RawMessage `json:"data"`
}

// Parameter names the model is never allowed to smuggle into a tool call,
// regardless of what the agent declares. These carry whole-conversation
// blobs that do not belong in a structured row.
var blockedParams = map[string]bool{
	"transcript":   true,
	"context":      true,
	"history":      true,
	"payload":      true,
	"conversation": true,
}

// ExtractToolCall looks for a {tool, data} envelope in a model response.
// Models wrap JSON in markdown fences about as often as not, so fenced
// blocks are unwrapped first. Anything that does not parse as the envelope
// is treated as plain speech.
func ExtractToolCall(text string) (ToolCall, bool) {
	candidate := strings.TrimSpace(text)
	if fenced, ok := unfence(candidate); ok {
		candidate = fenced
	}
	if !strings.HasPrefix(candidate, "{") {
		return ToolCall{}, false
	}
	var call ToolCall
	if err := json.Unmarshal([]byte(candidate), &call); err != nil {
		return ToolCall{}, false
	}
	if call.Tool == "" {
		return ToolCall{}, false
	}
	return call, true
}

func unfence(text string) (string, bool) {
	if !strings.HasPrefix(text, "```") {
		return "", false
	}
	rest := strings.TrimPrefix(text, "```")
	rest = strings.TrimPrefix(rest, "json")
	end := strings.LastIndex(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// FilterParams reduces the model-supplied data to the parameters the tool
// declares, minus the blocked names, with every value rendered as a string.
// Unknown keys are dropped silently; the model is not a trusted author.
func FilterParams(tool agent.Tool, raw json.RawMessage) (map[string]string, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("tool data is not an object: %w", err)
	}
	out := make(map[string]string)
	for _, p := range tool.Parameters {
		if blockedParams[p.Name] {
			continue
		}
		v, ok := data[p.Name]
		if !ok {
			continue
		}
		out[p.Name] = stringify(v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable parameters in tool call")
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers land here; trim the float formatting for integers.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// ToolInstruction renders the tool-calling contract appended to the agent's
// system instruction when tools are declared.
func ToolInstruction(tools []agent.Tool) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nWhen the conversation calls for it, you may invoke a tool by replying with only a JSON object: {\"tool\": \"<name>\", \"data\": {...}}. Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s (parameters: ", t.Name, t.Description)
		for i, p := range t.Parameters {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.Name)
			if p.Required {
				b.WriteString(" (required)")
			}
		}
		b.WriteString(")\n")
	}
	return b.String()
}

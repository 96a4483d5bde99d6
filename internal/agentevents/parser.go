// Package agentevents is the Event Parser (§4.4): it converts the agent
// child process's structured stdout (one JSON event per line) into typed
// events, tolerating schema drift the way the stream-json adapters in the
// corpus do — decode into a loose map first, then pull out only the fields
// a given variant needs.
package agentevents

import (
	"encoding/json"
	"strings"
)

// Kind discriminates an Event's variant (§4.4's recognised event table).
type Kind string

const (
	KindSystem    Kind = "system"
	KindAssistant Kind = "assistant"
	KindToolUse   Kind = "tool_use"
	KindResult    Kind = "result"
	KindError     Kind = "error"
	KindRaw       Kind = "raw"
)

// Usage carries a result event's token accounting; either field may be
// absent independently (§4.4 schema tolerance).
type Usage struct {
	InputTokens  *int64
	OutputTokens *int64
}

// Event is one parsed line of the agent's event stream.
type Event struct {
	Kind Kind

	// system
	Model string

	// assistant
	Text          string
	ToolSummaries []string

	// tool_use
	ToolName    string
	ToolArgsSummary string

	// result (terminal)
	FinalText string
	Usage     Usage
	Cost      *float64

	// error
	Message string

	// raw (unrecognised)
	Raw string
}

// ParseLine parses a single line of agent stdout into an Event. A line
// that fails to parse as JSON, or whose "type" field is not one of the
// recognised variants, becomes a KindRaw event carrying the original text.
func ParseLine(line string) Event {
	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "" {
		return Event{Kind: KindRaw, Raw: trimmed}
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return Event{Kind: KindRaw, Raw: trimmed}
	}

	switch getString(raw, "type") {
	case "system":
		return parseSystem(raw, trimmed)
	case "assistant":
		return parseAssistant(raw, trimmed)
	case "tool_use":
		return parseToolUse(raw, trimmed)
	case "result":
		return parseResult(raw, trimmed)
	case "error":
		return parseError(raw, trimmed)
	default:
		return Event{Kind: KindRaw, Raw: trimmed}
	}
}

func parseSystem(raw map[string]any, line string) Event {
	return Event{Kind: KindSystem, Model: getString(raw, "model")}
}

func parseAssistant(raw map[string]any, line string) Event {
	ev := Event{Kind: KindAssistant, Text: getString(raw, "text")}
	if blocks, ok := raw["tool_use"].([]any); ok {
		for _, b := range blocks {
			if m, ok := b.(map[string]any); ok {
				ev.ToolSummaries = append(ev.ToolSummaries, getString(m, "name"))
			}
		}
	}
	return ev
}

func parseToolUse(raw map[string]any, line string) Event {
	return Event{
		Kind:            KindToolUse,
		ToolName:        getString(raw, "name"),
		ToolArgsSummary: summarizeArgs(raw["input"]),
	}
}

// parseResult decodes a terminal result event. cost may appear at the
// top level or nested under usage.cost (§4.4 schema tolerance); its
// absence, and the independent absence of either usage field, is not an
// error.
func parseResult(raw map[string]any, line string) Event {
	ev := Event{Kind: KindResult, FinalText: getString(raw, "text")}

	usageMap, _ := raw["usage"].(map[string]any)
	if usageMap != nil {
		ev.Usage.InputTokens = getInt64Ptr(usageMap, "input_tokens")
		ev.Usage.OutputTokens = getInt64Ptr(usageMap, "output_tokens")
	}

	if cost, ok := getFloat64Ptr(raw, "cost"); ok {
		ev.Cost = cost
	} else if usageMap != nil {
		if cost, ok := getFloat64Ptr(usageMap, "cost"); ok {
			ev.Cost = cost
		}
	}
	return ev
}

func parseError(raw map[string]any, line string) Event {
	msg := getString(raw, "message")
	if msg == "" {
		msg = getString(raw, "error")
	}
	return Event{Kind: KindError, Message: msg}
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt64Ptr(m map[string]any, key string) *int64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	n := int64(f)
	return &n
}

func getFloat64Ptr(m map[string]any, key string) (*float64, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	f, ok := v.(float64)
	if !ok {
		return nil, false
	}
	return &f, true
}

// summarizeArgs renders a tool's input arguments as a brief one-line
// summary rather than the full (potentially large) structure.
func summarizeArgs(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	if cmd, ok := m["command"].(string); ok {
		return cmd
	}
	if path, ok := m["file_path"].(string); ok {
		return path
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	s := string(b)
	const maxLen = 120
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}

// Package codexrpc adapts codex's JSON-RPC-2.0-variant notification lines
// (jsonrpc field omitted, "method"+"params" shape) into parser.Record
// values, grounded on the teacher's codex transport adapter reduced to a
// one-line-in/one-record-out shape.
package codexrpc

import (
	"encoding/json"
	"time"

	"github.com/loopforge/coreloop/internal/parser"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

type Adapter struct{}

func New() Adapter { return Adapter{} }

func (Adapter) Name() string { return "codexrpc" }

func (Adapter) Recognizes(obj map[string]any) bool {
	_, hasMethod := obj["method"]
	return hasMethod
}

type notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type agentMessageParams struct {
	Message string `json:"message"`
}

type toolCallBeginParams struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Input  any    `json:"input"`
}

type toolCallEndParams struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
	Error  bool   `json:"error"`
}

func (Adapter) Parse(line string, obj map[string]any) parser.Record {
	var n notification
	if err := json.Unmarshal([]byte(line), &n); err != nil {
		return parser.Record{DisplayText: line}
	}

	now := time.Now()
	switch n.Method {
	case "codex/event/agent_message", "agent_message":
		var p agentMessageParams
		_ = json.Unmarshal(n.Params, &p)
		return parser.Record{DisplayText: p.Message}
	case "codex/event/tool_call_begin", "tool_call_begin":
		var p toolCallBeginParams
		_ = json.Unmarshal(n.Params, &p)
		return parser.Record{ToolStarts: []coreloop.ToolCallStart{{
			ToolCallID: p.CallID,
			ToolName:   p.Tool,
			Input:      p.Input,
			StartedAt:  now,
		}}}
	case "codex/event/tool_call_end", "tool_call_end":
		var p toolCallEndParams
		_ = json.Unmarshal(n.Params, &p)
		truncated, wasTruncated := parser.Truncate(p.Output, 200)
		if wasTruncated {
			truncated += "…"
		}
		return parser.Record{ToolResults: []coreloop.ToolCallResult{{
			ToolCallID: p.CallID,
			Output:     truncated,
			IsError:    p.Error,
			EndedAt:    now,
		}}}
	default:
		return parser.Record{}
	}
}

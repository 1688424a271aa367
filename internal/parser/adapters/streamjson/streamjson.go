// Package streamjson adapts claude-code's stream-json output lines
// (--output-format stream-json) into parser.Record values. It recognizes
// the "type" discriminator on system/assistant/result/tool_use/tool_result
// messages, grounded on the shape of the teacher's stream-json transport
// adapter, reduced to one-line-in/one-record-out since this core has no
// duplex session protocol to maintain.
package streamjson

import (
	"encoding/json"
	"time"

	"github.com/loopforge/coreloop/internal/parser"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

// Adapter implements parser.Adapter for the stream-json line shape.
type Adapter struct{}

func New() Adapter { return Adapter{} }

func (Adapter) Name() string { return "streamjson" }

func (Adapter) Recognizes(obj map[string]any) bool {
	t, ok := obj["type"].(string)
	if !ok {
		return false
	}
	switch t {
	case "system", "assistant", "user", "result", "tool_use", "tool_result":
		return true
	default:
		return false
	}
}

// contentBlock mirrors the subset of claude-code's content block shape this
// adapter needs: either a text block or a tool_use/tool_result block.
type contentBlock struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Input   any    `json:"input"`
	Content any    `json:"content"`
	IsError bool   `json:"is_error"`
}

type message struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	Message   *innerMessage  `json:"message"`
	ToolUseID string         `json:"tool_use_id"`
	Content   any            `json:"content"`
	IsError   bool           `json:"is_error"`
}

type innerMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

func (Adapter) Parse(line string, obj map[string]any) parser.Record {
	var msg message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return parser.Record{DisplayText: line}
	}

	now := time.Now()
	rec := parser.Record{}

	switch msg.Type {
	case "assistant":
		if msg.Message == nil {
			return rec
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				rec.DisplayText += block.Text
			case "tool_use":
				rec.ToolStarts = append(rec.ToolStarts, coreloop.ToolCallStart{
					ToolCallID: block.ID,
					ToolName:   block.Name,
					Input:      block.Input,
					StartedAt:  now,
				})
			}
		}
	case "tool_result":
		truncated, wasTruncated := parser.Truncate(stringifyAny(msg.Content), 200)
		if wasTruncated {
			truncated += "…"
		}
		rec.ToolResults = append(rec.ToolResults, coreloop.ToolCallResult{
			ToolCallID: msg.ToolUseID,
			Output:     truncated,
			IsError:    msg.IsError,
			EndedAt:    now,
		})
	case "result":
		rec.DisplayText = stringifyAny(obj["result"])
	case "system", "user":
		// Session bookkeeping lines carry no display text of their own in
		// this core's scope; surfaced to callers as an empty Record rather
		// than dropped, so subtask/event accounting stays simple.
	}

	return rec
}

func stringifyAny(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

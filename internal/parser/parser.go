// Package parser converts one already line-delimited string of CLI output
// into a semantic Record (spec §4.3): display text, tool-call starts, and
// tool-call results. Parsing never fails — unrecognized shapes degrade to
// a best-effort pass-through rather than an error.
package parser

import (
	"encoding/json"
	"strings"

	"github.com/loopforge/coreloop/pkg/coreloop"
)

// Record is the semantic result of parsing one output line.
type Record struct {
	DisplayText string
	ToolStarts  []coreloop.ToolCallStart
	ToolResults []coreloop.ToolCallResult
}

// Adapter recognizes and extracts structured records from one provider's
// JSON line shape. Recognizes reports whether this adapter's discriminator
// matched — when false, ParseLine's dispatch tries the next adapter
// or falls through to generic extraction. Adapters never error: a
// provider-specific adapter that can't make sense of a recognized shape
// degrades to an empty Record.
type Adapter interface {
	// Name identifies the adapter for logging.
	Name() string
	// Recognizes reports whether the decoded top-level object carries this
	// adapter's discriminator field.
	Recognizes(obj map[string]any) bool
	// Parse extracts a Record from a line already known to be Recognized.
	Parse(line string, obj map[string]any) Record
}

// truncateBytes is the length cap applied to tool-result content in the
// conversational fallback formatting (spec §4.3: ~200 bytes).
const truncateBytes = 200

// ParseLine dispatches one raw CLI output line through the adapter chain,
// the conversational fallback, and the generic field-extraction fallback,
// in that order, per spec §4.3. adapters is tried in order; the first
// adapter whose Recognizes reports true wins.
func ParseLine(line string, adapters []Adapter) Record {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return Record{DisplayText: line}
	}

	for _, a := range adapters {
		if a.Recognizes(obj) {
			return a.Parse(line, obj)
		}
	}

	if looksConversational(obj) {
		return parseConversational(obj)
	}

	return parseGeneric(line, obj)
}

// looksConversational reports whether obj has the role+content shape of a
// generic chat-style CLI line.
func looksConversational(obj map[string]any) bool {
	_, hasRole := obj["role"]
	_, hasContent := obj["content"]
	return hasRole && hasContent
}

// parseConversational formats role+content objects: user/system/tool roles
// get a bracketed prefix, assistant content passes through verbatim, and
// tool-result content is truncated at a UTF-8-safe boundary with an
// ellipsis when truncated.
func parseConversational(obj map[string]any) Record {
	role, _ := obj["role"].(string)
	content := stringifyContent(obj["content"])

	switch role {
	case "assistant":
		return Record{DisplayText: content}
	case "tool":
		truncated, wasTruncated := Truncate(content, truncateBytes)
		if wasTruncated {
			truncated += "…"
		}
		return Record{DisplayText: "[tool] " + truncated}
	case "user", "system":
		return Record{DisplayText: "[" + role + "] " + content}
	default:
		return Record{DisplayText: content}
	}
}

func stringifyContent(v any) string {
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

// parseGeneric extracts a display string preferring "text", then
// "message", then "output"; otherwise passes the raw line through
// unchanged.
func parseGeneric(line string, obj map[string]any) Record {
	for _, key := range []string{"text", "message", "output"} {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok {
				return Record{DisplayText: s}
			}
		}
	}
	return Record{DisplayText: line}
}

// Truncate returns the longest prefix of s whose byte length is at most n
// and which ends on a valid UTF-8 character boundary, never splitting a
// multibyte rune (spec §4.3, §8 round-trip law). wasTruncated reports
// whether the input was actually shortened.
func Truncate(s string, n int) (result string, wasTruncated bool) {
	if len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8StartsAt(s, cut) {
		cut--
	}
	return s[:cut], true
}

// utf8StartsAt reports whether byte index i of s is the start of a rune
// (i.e. not a UTF-8 continuation byte, and in range).
func utf8StartsAt(s string, i int) bool {
	if i <= 0 || i >= len(s) {
		return i == 0 || i == len(s)
	}
	return s[i]&0xC0 != 0x80
}

// StripTrailingWhitespace trims the trailing \r left by \r\n line endings
// the Stream Normalizer may hand to the parser verbatim.
func StripTrailingWhitespace(s string) string {
	return strings.TrimRight(s, "\r\n")
}

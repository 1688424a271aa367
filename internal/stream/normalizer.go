// Package stream turns raw PTY byte chunks into clean UTF-8 lines and
// structured sub-task events, grounded on the teacher's terminal-pattern
// detectors (claude_code_detector.go, codex_detector.go) reduced from
// full-screen vt10x glyph inspection to an ordered-regex line classifier,
// since this core's Normalizer operates on a scrolling line stream rather
// than a fixed-size TUI buffer.
package stream

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/pkg/coreloop"
	"go.uber.org/zap"
)

// ansiPattern matches CSI and OSC escape sequences: CSI introduces with
// ESC [ and terminates on a byte in 0x40-0x7e; OSC introduces with ESC ]
// and terminates on BEL or ESC \.
var ansiPattern = regexp.MustCompile("\x1b\\[[0-?]*[ -/]*[@-~]|\x1b\\][^\x07\x1b]*(\x07|\x1b\\\\)|\x1b[()][A-Za-z0-9]")

var (
	spawnPattern      = regexp.MustCompile(`^\s*[✻✽✶∴·○◆▪▫□■☐✢*]\s*Task:\s*(.+)$`)
	completionPattern = regexp.MustCompile(`(?i)[✓✔☑]\s*.*\bcompleted\b|\bcompleted\b.*[✓✔☑]`)
	failureGlyph      = regexp.MustCompile(`[✗✘☒]`)
	failureKeyword    = regexp.MustCompile(`(?i)\b(failed|error|exception)\b`)
)

// Normalizer accumulates PTY bytes for one agent, strips terminal control
// sequences, reassembles complete lines, and classifies each line into an
// optional sub-task event. Not safe for concurrent use without external
// synchronization; one Normalizer per agent, fed from its single reader
// goroutine.
type Normalizer struct {
	agentID string
	log     *logger.Logger

	buf []byte

	stack []openSubtask // currently-open sub-tasks, innermost last
	seq   int

	pending []coreloop.SubtaskEvent
}

type openSubtask struct {
	id    string
	depth int
}

// New creates a Normalizer for one agent's output stream.
func New(agentID string, log *logger.Logger) *Normalizer {
	return &Normalizer{
		agentID: agentID,
		log:     log.WithFields(zap.String("component", "stream-normalizer"), zap.String("agent_id", agentID)),
	}
}

// Feed appends chunk to the internal buffer, strips ANSI sequences, and
// returns the complete lines newly available. Incomplete trailing bytes
// remain buffered for the next call. As a side effect, classifies each
// yielded line and queues any resulting sub-task event for Events().
func (n *Normalizer) Feed(chunk []byte) []string {
	n.buf = append(n.buf, chunk...)
	stripped := ansiPattern.ReplaceAll(n.buf, nil)

	var lines []string
	start := 0
	for i := 0; i < len(stripped); i++ {
		if stripped[i] != '\n' {
			continue
		}
		line := trimTrailingCR(stripped[start:i])
		lines = append(lines, sanitizeUTF8(line))
		start = i + 1
	}

	// The buffer now holds only the unterminated remainder, re-stripped
	// from scratch on the next Feed call; a split ANSI sequence at the
	// chunk boundary is thereby retried rather than lost.
	n.buf = append([]byte(nil), stripped[start:]...)

	for _, line := range lines {
		n.classify(line)
	}

	return lines
}

// trimTrailingCR drops one trailing \r, accepting both \n and \r\n line
// endings.
func trimTrailingCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

// sanitizeUTF8 replaces invalid byte sequences with the UTF-8 replacement
// character rather than aborting the stream.
func sanitizeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}

// classify applies the ordered spawn/completion/failure/progress rules to
// one line and appends any resulting event to the pending queue.
func (n *Normalizer) classify(line string) {
	trimmed := strings.TrimRight(line, " \t")

	if m := spawnPattern.FindStringSubmatch(trimmed); m != nil {
		n.seq++
		id := subtaskID(n.agentID, n.seq)
		depth := len(n.stack) + 1
		var parent *string
		if len(n.stack) > 0 {
			p := n.stack[len(n.stack)-1].id
			parent = &p
		}
		n.stack = append(n.stack, openSubtask{id: id, depth: depth})
		n.pending = append(n.pending, coreloop.SubtaskEvent{
			AgentID:     n.agentID,
			SubtaskID:   id,
			ParentID:    parent,
			Kind:        coreloop.SubtaskSpawned,
			Depth:       depth,
			Description: strings.TrimSpace(m[1]),
		})
		return
	}

	if completionPattern.MatchString(trimmed) {
		n.closeInnermost(coreloop.SubtaskCompleted, trimmed)
		return
	}

	if failureGlyph.MatchString(trimmed) && failureKeyword.MatchString(trimmed) {
		n.closeInnermost(coreloop.SubtaskFailed, trimmed)
		return
	}

	if len(n.stack) > 0 {
		top := n.stack[len(n.stack)-1]
		n.pending = append(n.pending, coreloop.SubtaskEvent{
			AgentID:     n.agentID,
			SubtaskID:   top.id,
			Kind:        coreloop.SubtaskProgress,
			Depth:       top.depth,
			Description: trimmed,
		})
	}
}

// closeInnermost pops the most recently opened still-open sub-task and
// emits a completed/failed event for it. An unmatched close (nothing
// open) is logged and ignored; depth stays clamped at zero.
func (n *Normalizer) closeInnermost(kind coreloop.SubtaskKind, text string) {
	if len(n.stack) == 0 {
		n.log.Debug("unmatched sub-task close", zap.String("kind", string(kind)), zap.String("line", text))
		return
	}
	top := n.stack[len(n.stack)-1]
	n.stack = n.stack[:len(n.stack)-1]
	n.pending = append(n.pending, coreloop.SubtaskEvent{
		AgentID:     n.agentID,
		SubtaskID:   top.id,
		Kind:        kind,
		Depth:       top.depth,
		Description: text,
	})
}

// Events drains and returns the sub-task events queued since the last
// call.
func (n *Normalizer) Events() []coreloop.SubtaskEvent {
	out := n.pending
	n.pending = nil
	return out
}

// Depth returns the current nesting depth (number of open sub-tasks).
func (n *Normalizer) Depth() int {
	return len(n.stack)
}

func subtaskID(agentID string, seq int) string {
	return agentID + "-sub-" + strconv.Itoa(seq)
}

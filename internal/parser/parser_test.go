package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine_NonJSONPassesThrough(t *testing.T) {
	rec := ParseLine("plain text line", nil)
	require.Equal(t, "plain text line", rec.DisplayText)
}

func TestParseLine_GenericTextField(t *testing.T) {
	rec := ParseLine(`{"text":"hello world"}`, nil)
	require.Equal(t, "hello world", rec.DisplayText)
}

func TestParseLine_GenericPrefersTextOverMessage(t *testing.T) {
	rec := ParseLine(`{"text":"a","message":"b"}`, nil)
	require.Equal(t, "a", rec.DisplayText)
}

func TestParseLine_GenericFallsBackToOutput(t *testing.T) {
	rec := ParseLine(`{"output":"done"}`, nil)
	require.Equal(t, "done", rec.DisplayText)
}

func TestParseLine_UnrecognizedObjectPassesRawLine(t *testing.T) {
	line := `{"unrelated":"field"}`
	rec := ParseLine(line, nil)
	require.Equal(t, line, rec.DisplayText)
}

func TestParseLine_ConversationalAssistant(t *testing.T) {
	rec := ParseLine(`{"role":"assistant","content":"hi there"}`, nil)
	require.Equal(t, "hi there", rec.DisplayText)
}

func TestParseLine_ConversationalUserPrefixed(t *testing.T) {
	rec := ParseLine(`{"role":"user","content":"do the thing"}`, nil)
	require.Equal(t, "[user] do the thing", rec.DisplayText)
}

func TestParseLine_ConversationalToolTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	line := `{"role":"tool","content":"` + string(long) + `"}`
	rec := ParseLine(line, nil)
	require.LessOrEqual(t, len(rec.DisplayText), truncateBytes+len("[tool] ")+len("…"))
	require.Contains(t, rec.DisplayText, "…")
}

func TestTruncate_NeverSplitsMultibyteRune(t *testing.T) {
	s := "hello🙂world"
	out, truncated := Truncate(s, 6)
	require.True(t, truncated)
	require.Equal(t, "hello", out)
}

func TestTruncate_ShortStringUnchanged(t *testing.T) {
	out, truncated := Truncate("abc", 10)
	require.False(t, truncated)
	require.Equal(t, "abc", out)
}

func TestTruncate_ResultNeverExceedsBudget(t *testing.T) {
	s := "日本語テキストです" // multibyte throughout
	for n := 0; n <= len(s)+2; n++ {
		out, _ := Truncate(s, n)
		require.LessOrEqual(t, len(out), n)
	}
}

type fakeAdapter struct {
	name       string
	discrField string
}

func (f fakeAdapter) Name() string { return f.name }
func (f fakeAdapter) Recognizes(obj map[string]any) bool {
	_, ok := obj[f.discrField]
	return ok
}
func (f fakeAdapter) Parse(line string, obj map[string]any) Record {
	return Record{DisplayText: "handled-by-" + f.name}
}

func TestParseLine_AdapterDispatchByDiscriminator(t *testing.T) {
	adapters := []Adapter{fakeAdapter{name: "p1", discrField: "type"}}
	rec := ParseLine(`{"type":"message","text":"x"}`, adapters)
	require.Equal(t, "handled-by-p1", rec.DisplayText)
}

func TestParseLine_NoAdapterMatchFallsThrough(t *testing.T) {
	adapters := []Adapter{fakeAdapter{name: "p1", discrField: "type"}}
	rec := ParseLine(`{"text":"x"}`, adapters)
	require.Equal(t, "x", rec.DisplayText)
}

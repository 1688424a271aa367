package main

import (
	"strings"
	"text/template"

	"github.com/loopforge/coreloop/internal/orchestrator"
)

// promptBuilder is the one concrete orchestrator.PromptBuilder this binary
// supplies. Prompt construction is deliberately external to the core (the
// orchestrator only gathers the raw PromptInputs); this is where plan
// title, story statuses, the completion-promise sentinel, and accumulated
// learnings are rendered into the text sent to a freshly spawned agent,
// grounded on the teacher's text/template-based hint rendering.
type promptBuilder struct{}

var promptTemplate = template.Must(template.New("loopd-prompt").Parse(strings.TrimSpace(`
# {{.Plan.Title}}

{{.Plan.Body}}

## Stories

{{range .Plan.Stories -}}
- [{{.Status}}] {{.Title}}{{if .LastError}} (last error: {{.LastError}}){{end}}
{{end}}
## Completion

When every story above is passing, end your final message with exactly:

{{.Plan.CompletionPromise}}

Do not emit that line unless the work is actually done.
{{if .Learnings}}
## Learnings

{{range .Learnings -}}
- ({{.Kind}}) {{.Text}}
{{end}}
{{- end}}
`)))

func (promptBuilder) Build(in orchestrator.PromptInputs) string {
	var sb strings.Builder
	if err := promptTemplate.Execute(&sb, in); err != nil {
		// A template execution failure here means a malformed plan reached
		// the loop; fall back to the plan body alone rather than spawning
		// an agent with no instructions at all.
		return in.Plan.Body
	}
	return sb.String()
}

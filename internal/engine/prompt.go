package engine

import (
	"fmt"
	"strings"
	"text/template"
)

// IterationContext holds the paths the prompt refers to. The prompt is the
// same for every iteration of a run; the agent reads its state from the
// files.
type IterationContext struct {
	// TaskFile is the path of the task list the agent works through.
	TaskFile string

	// ProgressFile is the path of the append-only progress log.
	ProgressFile string
}

// PromptBuilder constructs prompts for autonomous agent iterations.
type PromptBuilder struct {
	tmpl *template.Template
}

// NewPromptBuilder creates a new PromptBuilder with the default template.
func NewPromptBuilder() *PromptBuilder {
	tmpl := template.Must(template.New("prompt").Parse(promptTemplate))
	return &PromptBuilder{tmpl: tmpl}
}

// Build generates a prompt string from the given iteration context.
func (pb *PromptBuilder) Build(ctx IterationContext) string {
	var buf strings.Builder
	if err := pb.tmpl.Execute(&buf, ctx); err != nil {
		// This should never happen with a valid template
		return fmt.Sprintf("Error generating prompt: %v", err)
	}
	return buf.String()
}

// promptTemplate is the Go template for generating iteration prompts.
const promptTemplate = `@{{.TaskFile}} @{{.ProgressFile}}

1. Read the task list in {{.TaskFile}} and the progress log in {{.ProgressFile}}.
2. Pick the first task that is not checked off and complete it. Work on ONE task only.
3. Run the tests and type checks that apply to your change.
4. Mark the task done in {{.TaskFile}} by changing ` + "`- [ ]`" + ` to ` + "`- [x]`" + `.
5. Append a short entry to {{.ProgressFile}}: what you did, decisions made, and anything the next iteration should know.
6. Do NOT commit. Instead end your reply with a one-line commit message wrapped in ` + "`<commit>...</commit>`" + `.

If, after your work, every task in {{.TaskFile}} is checked off, output ` + "`" + CompleteSentinel + "`" + `.
`

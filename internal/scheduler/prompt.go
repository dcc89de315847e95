package scheduler

import (
	"bytes"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/testrunner"
	"github.com/Iron-Ham/foreman/internal/util"
)

// ArtifactDir holds agent-facing files inside a worktree. It is excluded
// from git.
const ArtifactDir = ".foreman"

// Artifact file names
const (
	CodingPromptFile = "prompt.md"
	CodingResultFile = "result.json"
	ReviewPromptFile = "review.md"
	ReviewResultFile = "review.json"
	MergePromptFile  = "merge.md"
	MergeResultFile  = "merge.json"
)

// maxCommentLines bounds test output quoted in task comments.
const maxCommentLines = 40

func artifactPath(dir, name string) string {
	return filepath.Join(dir, ArtifactDir, name)
}

var promptFuncs = template.FuncMap{
	"truncate": util.TruncateString,
	"tail":     util.TailLines,
	"join":     strings.Join,
}

var codingPrompt = template.Must(template.New("coding").Funcs(promptFuncs).Parse(`# Task {{.Task.ID}}: {{.Task.Title}}

{{if .Task.Description}}{{.Task.Description}}
{{end}}
## Instructions

You are working in a dedicated git worktree on branch ` + "`{{.Branch}}`" + `.
Make the changes the task asks for and commit them to this branch. Do not
push and do not touch files outside this directory.
{{if .TestCommand}}
Verify your work with:

    {{.TestCommand}}
{{end}}
When you are finished, write a JSON object to ` + "`{{.ResultFile}}`" + `:

    {"status": "success" | "failure", "summary": "...", "reason": "..."}

This is attempt {{.Attempt}}.
{{with .Retry}}
## Previous attempt

The previous attempt failed ({{.FailureType}}).{{if .ReuseBranch}} Its work is
still on this branch; build on it rather than starting over.{{end}}

{{.PreviousFailure}}
{{if .ReviewFeedback}}
### Review feedback

{{.ReviewFeedback}}
{{end}}{{if .TestOutput}}
### Test output

` + "```" + `
{{tail .TestOutput 200}}
` + "```" + `
{{end}}{{if .PreviousDiff}}
### Diff of the previous attempt

` + "```diff" + `
{{truncate .PreviousDiff 60000}}
` + "```" + `
{{end}}{{end}}`))

var reviewPrompt = template.Must(template.New("review").Funcs(promptFuncs).Parse(`# Review task {{.Task.ID}}: {{.Task.Title}}

{{if .Task.Description}}{{.Task.Description}}
{{end}}
## Coder summary

{{if .Summary}}{{.Summary}}{{else}}(none){{end}}

## Tests

{{with .Tests}}{{if .Skipped}}No tests matched the changed files.{{else}}{{.Passed}} passed, {{.Failed}} failed ({{.Command}}){{end}}{{else}}Tests were not run.{{end}}

## Diff

` + "```diff" + `
{{truncate .Diff 60000}}
` + "```" + `

Decide whether this change correctly implements the task. Write a JSON
object to ` + "`{{.ResultFile}}`" + `:

    {"status": "approved" | "rejected", "summary": "...", "issues": ["..."], "notes": "..."}
`))

var mergePrompt = template.Must(template.New("merge").Funcs(promptFuncs).Parse(`# Resolve rebase conflicts on {{.Trunk}}

Rebasing {{.Trunk}} onto the remote stopped with conflicts in:
{{range .Files}}
- {{.}}{{end}}

Resolve every conflict, stage the files, and run ` + "`git rebase --continue`" + `
until the rebase completes. Do not push. Keep the intent of both sides.

` + "```diff" + `
{{truncate .Diff 60000}}
` + "```" + `

Write a JSON object to ` + "`{{.ResultFile}}`" + ` when done:

    {"status": "success" | "failure", "summary": "..."}
`))

type codingPromptData struct {
	Task        *backlog.Task
	Branch      string
	TestCommand string
	ResultFile  string
	Attempt     int
	Retry       *RetryContext
}

type reviewPromptData struct {
	Task       *backlog.Task
	Summary    string
	Diff       string
	Tests      *testrunner.Result
	ResultFile string
}

type mergePromptData struct {
	Trunk      string
	Files      []string
	Diff       string
	ResultFile string
}

func render(tmpl *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Package testrunner runs a project's test command scoped to the files a
// task changed and extracts pass/fail counts from its output.
package testrunner

import (
	"bytes"
	"context"
	"os/exec"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// Result is the outcome of a test run.
type Result struct {
	Passed   int
	Failed   int
	Skipped  bool // no changed file matched the patterns
	TimedOut bool
	ExitCode int
	Command  string
	Output   string
	Duration time.Duration
}

// OK reports whether the run produced no failures.
func (r *Result) OK() bool {
	return r.Skipped || r.Failed == 0
}

// templateData is what the command template sees.
type templateData struct {
	Files []string
	Dirs  []string
}

// Runner renders and executes a scoped test command.
type Runner struct {
	raw      string
	command  *template.Template
	patterns []glob.Glob
	timeout  time.Duration
}

// New compiles command (a text/template over .Files and .Dirs) and the
// glob patterns selecting which changed files are test-relevant. An empty
// pattern list matches every file.
func New(command string, patterns []string, timeout time.Duration) (*Runner, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.NewValidationError("test command is required").WithField("command")
	}
	tmpl, err := template.New("test").Parse(command)
	if err != nil {
		return nil, errors.NewValidationError("invalid test command template: " + err.Error()).
			WithField("command").
			WithValue(command)
	}

	r := &Runner{raw: command, command: tmpl, timeout: timeout}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.NewValidationError("invalid test pattern: " + err.Error()).
				WithField("patterns").
				WithValue(p)
		}
		r.patterns = append(r.patterns, g)
	}
	return r, nil
}

// Scope returns the changed files matching the runner's patterns.
func (r *Runner) Scope(files []string) []string {
	var scoped []string
	for _, f := range files {
		if r.matches(f) {
			scoped = append(scoped, f)
		}
	}
	return scoped
}

func (r *Runner) matches(file string) bool {
	if len(r.patterns) == 0 {
		return true
	}
	for _, g := range r.patterns {
		if g.Match(file) {
			return true
		}
	}
	return false
}

// FullCommand renders the command against the whole repository. Agents get
// this so they can run the suite themselves.
func (r *Runner) FullCommand() string {
	rendered, err := r.render(templateData{Dirs: []string{"./..."}})
	if err != nil {
		return r.raw
	}
	return rendered
}

func (r *Runner) render(data templateData) (string, error) {
	var buf bytes.Buffer
	if err := r.command.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "failed to render test command")
	}
	return strings.TrimSpace(buf.String()), nil
}

// Run executes the test command in dir for changedFiles. A run that cannot
// be started returns an error; failing or hung tests are reported in the
// Result.
func (r *Runner) Run(ctx context.Context, dir string, changedFiles []string) (*Result, error) {
	scoped := r.Scope(changedFiles)
	if len(scoped) == 0 {
		return &Result{Skipped: true}, nil
	}

	command, err := r.render(templateData{Files: scoped, Dirs: packageDirs(scoped)})
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = &output
	cmd.Stderr = &output
	// Kill the whole process group so test binaries forked by the shell die too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	result := &Result{
		Command:  command,
		Output:   output.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitCode = -1
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, errors.Wrapf(runErr, "failed to run test command %q", command)
	}

	result.Passed, result.Failed = ParseCounts(result.Output)
	if (result.ExitCode != 0 || result.TimedOut) && result.Failed == 0 {
		result.Failed = 1
	}
	return result, nil
}

// packageDirs maps files to their unique directories, in "./dir" form.
func packageDirs(files []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, f := range files {
		d := path.Dir(f)
		if d != "." {
			d = "./" + d
		}
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	sort.Strings(dirs)
	return dirs
}

var (
	goTestPass  = regexp.MustCompile(`(?m)^\s*--- PASS: `)
	goTestFail  = regexp.MustCompile(`(?m)^\s*--- FAIL: `)
	goPkgOK     = regexp.MustCompile(`(?m)^ok\s+\S+`)
	goPkgFail   = regexp.MustCompile(`(?m)^FAIL\s+\S+`)
	summaryPass = regexp.MustCompile(`(\d+) (?:passed|passing)`)
	summaryFail = regexp.MustCompile(`(\d+) (?:failed|failing)`)
)

// ParseCounts extracts passed and failed counts from test output. Go
// per-test lines win over package lines; summary lines such as "3 passed,
// 1 failed" are the fallback for other runners.
func ParseCounts(output string) (passed, failed int) {
	passed = len(goTestPass.FindAllString(output, -1))
	failed = len(goTestFail.FindAllString(output, -1))
	if passed+failed > 0 {
		return passed, failed
	}

	passed = len(goPkgOK.FindAllString(output, -1))
	failed = len(goPkgFail.FindAllString(output, -1))
	if passed+failed > 0 {
		return passed, failed
	}

	return sumMatches(summaryPass, output), sumMatches(summaryFail, output)
}

func sumMatches(re *regexp.Regexp, output string) int {
	total := 0
	for _, m := range re.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			total += n
		}
	}
	return total
}

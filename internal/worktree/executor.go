// Package worktree manages the isolated git working copies that agents run
// in, and every git operation the scheduler performs against the shared
// trunk: merging task branches, pushing, and detecting rebase conflicts.
package worktree

import (
	"os"
	"os/exec"
)

// CommandExecutor runs external commands. Manager only shells out through
// it, so tests can script git's responses.
type CommandExecutor interface {
	// Run returns combined stdout and stderr.
	Run(dir string, name string, args ...string) ([]byte, error)
	RunQuiet(dir string, name string, args ...string) error
}

// headlessEnv keeps git from waiting on a terminal nobody is watching:
// credential prompts fail instead of blocking, and commands that would
// open an editor (merge, rebase --continue) accept the default message.
var headlessEnv = []string{
	"GIT_TERMINAL_PROMPT=0",
	"GIT_EDITOR=true",
	"GIT_MERGE_AUTOEDIT=no",
}

// CLICommandExecutor runs commands with os/exec in a non-interactive
// environment.
type CLICommandExecutor struct {
	env []string
}

// NewCLICommandExecutor returns an executor that inherits the process
// environment plus headlessEnv.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{env: append(os.Environ(), headlessEnv...)}
}

func (e *CLICommandExecutor) command(dir, name string, args []string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = e.env
	return cmd
}

func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	return e.command(dir, name, args).CombinedOutput()
}

func (e *CLICommandExecutor) RunQuiet(dir string, name string, args ...string) error {
	return e.command(dir, name, args).Run()
}

package agent

import (
	"strconv"
)

// EnvPrefix marks variables foreman sets for agents.
const EnvPrefix = "FOREMAN_"

// Environment variable names passed to agents.
const (
	EnvTaskID       = "FOREMAN_TASK_ID"
	EnvBranch       = "FOREMAN_BRANCH"
	EnvTestCommand  = "FOREMAN_TEST_COMMAND"
	EnvAttempt      = "FOREMAN_ATTEMPT"
	EnvPromptFile   = "FOREMAN_PROMPT_FILE"
	EnvResultFile   = "FOREMAN_RESULT_FILE"
	EnvRole         = "FOREMAN_ROLE"
	EnvRetryReason  = "FOREMAN_RETRY_REASON"
	EnvFailureType  = "FOREMAN_FAILURE_TYPE"
	EnvReuseBranch  = "FOREMAN_REUSE_BRANCH"
	EnvConflictFile = "FOREMAN_CONFLICT_FILES"
)

// TaskEnv is the context handed to an agent through its environment.
type TaskEnv struct {
	Role        string
	TaskID      string
	Branch      string
	TestCommand string
	Attempt     int
	PromptFile  string
	ResultFile  string

	// Set on retries only.
	RetryReason string
	FailureType string
	ReuseBranch bool

	ConflictFiles string
}

// Vars renders the environment as KEY=VALUE pairs. Retry variables are
// present only when a failure type is set.
func (e TaskEnv) Vars() []string {
	vars := []string{
		EnvRole + "=" + e.Role,
		EnvTaskID + "=" + e.TaskID,
		EnvBranch + "=" + e.Branch,
		EnvTestCommand + "=" + e.TestCommand,
		EnvAttempt + "=" + strconv.Itoa(e.Attempt),
		EnvPromptFile + "=" + e.PromptFile,
		EnvResultFile + "=" + e.ResultFile,
	}
	if e.FailureType != "" {
		vars = append(vars,
			EnvRetryReason+"="+e.RetryReason,
			EnvFailureType+"="+e.FailureType,
			EnvReuseBranch+"="+strconv.FormatBool(e.ReuseBranch),
		)
	}
	if e.ConflictFiles != "" {
		vars = append(vars, EnvConflictFile+"="+e.ConflictFiles)
	}
	return vars
}

package scheduler

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/testrunner"
)

// FailureType classifies why an attempt did not merge.
type FailureType string

// Agent-attributable failures count toward demotion. Infrastructure
// failures get free retries first.
const (
	FailureTestFailure     FailureType = "test_failure"
	FailureReviewRejection FailureType = "review_rejection"
	FailureCodingFailure   FailureType = "coding_failure"
	FailureNoResult        FailureType = "no_result"

	FailureAgentCrash    FailureType = "agent_crash"
	FailureTimeout       FailureType = "timeout"
	FailureMergeConflict FailureType = "merge_conflict"
)

// Infra reports whether the failure is attributable to the environment
// rather than the agent's work.
func (f FailureType) Infra() bool {
	switch f {
	case FailureAgentCrash, FailureTimeout, FailureMergeConflict:
		return true
	default:
		return false
	}
}

func (f FailureType) String() string { return string(f) }

// Failure is a classified attempt failure plus the context the next
// attempt needs.
type Failure struct {
	Type   FailureType
	Reason string

	Summary     string
	Review      *ReviewFeedback
	Diff        string
	TestOutput  string
	TestResults *testrunner.Result
}

func (f *Failure) Error() string {
	if f.Reason == "" {
		return string(f.Type)
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Reason)
}

// ReviewFeedback is the structured critique from a rejecting reviewer.
type ReviewFeedback struct {
	Summary string
	Issues  []string
	Notes   string
}

// String renders the feedback as a markdown block for prompts and comments.
func (r *ReviewFeedback) String() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	if r.Summary != "" {
		b.WriteString(r.Summary)
		b.WriteString("\n")
	}
	for _, issue := range r.Issues {
		b.WriteString("- ")
		b.WriteString(issue)
		b.WriteString("\n")
	}
	if r.Notes != "" {
		b.WriteString("\n")
		b.WriteString(r.Notes)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RetryContext is handed to the next attempt of the same task. It lives
// in memory only; a crash-triggered retry starts without one.
type RetryContext struct {
	TaskID          string
	PreviousFailure string
	ReviewFeedback  string
	PreviousDiff    string
	TestOutput      string
	FailureType     FailureType
	ReuseBranch     bool
}

func newRetryContext(taskID string, f *Failure) *RetryContext {
	return &RetryContext{
		TaskID:          taskID,
		PreviousFailure: f.Reason,
		ReviewFeedback:  f.Review.String(),
		PreviousDiff:    f.Diff,
		TestOutput:      f.TestOutput,
		FailureType:     f.Type,
		ReuseBranch:     true,
	}
}

// codingExit is what the scheduler knows when a coding agent stops.
type codingExit struct {
	exitCode int
	timedOut bool
	result   *agent.Result
	readErr  error
}

// classifyCoding returns nil when the coder declared success, otherwise the
// failure. A timeout wins over everything else, then a missing result is
// split by exit code.
func classifyCoding(exit codingExit) *Failure {
	if exit.timedOut {
		return &Failure{Type: FailureTimeout, Reason: "agent produced no output within the inactivity timeout"}
	}
	if exit.result == nil {
		reason := "agent exited without writing a result"
		if exit.readErr != nil {
			reason = exit.readErr.Error()
		}
		if exit.exitCode != 0 {
			return &Failure{
				Type:   FailureAgentCrash,
				Reason: fmt.Sprintf("agent exited with code %d and no result: %s", exit.exitCode, reason),
			}
		}
		return &Failure{Type: FailureNoResult, Reason: reason}
	}

	switch exit.result.CodingOutcome() {
	case agent.OutcomeSuccess:
		return nil
	case agent.OutcomeFailure:
		return &Failure{
			Type:    FailureCodingFailure,
			Reason:  firstNonEmpty(exit.result.Reason, exit.result.Summary, "agent reported failure"),
			Summary: exit.result.Summary,
		}
	default:
		return &Failure{
			Type:    FailureCodingFailure,
			Reason:  fmt.Sprintf("agent reported unrecognized status %q", exit.result.Status),
			Summary: exit.result.Summary,
		}
	}
}

func classifyTests(res *testrunner.Result) *Failure {
	if res == nil || res.Failed == 0 {
		return nil
	}
	reason := fmt.Sprintf("%d test(s) failed", res.Failed)
	if res.TimedOut {
		reason = "test run timed out"
	}
	return &Failure{
		Type:        FailureTestFailure,
		Reason:      reason,
		TestOutput:  res.Output,
		TestResults: res,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

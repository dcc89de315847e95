package agent

import (
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// Outcome is the closed set of statuses an agent can declare.
type Outcome string

// Outcomes
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeUnknown  Outcome = "unknown"
)

var statusSynonyms = map[string]Outcome{
	"success":    OutcomeSuccess,
	"succeeded":  OutcomeSuccess,
	"successful": OutcomeSuccess,
	"complete":   OutcomeSuccess,
	"completed":  OutcomeSuccess,
	"done":       OutcomeSuccess,
	"finished":   OutcomeSuccess,
	"ok":         OutcomeSuccess,
	"pass":       OutcomeSuccess,
	"passed":     OutcomeSuccess,

	"failure":    OutcomeFailure,
	"fail":       OutcomeFailure,
	"failed":     OutcomeFailure,
	"error":      OutcomeFailure,
	"errored":    OutcomeFailure,
	"incomplete": OutcomeFailure,
	"blocked":    OutcomeFailure,
	"gave_up":    OutcomeFailure,

	"approved": OutcomeApproved,
	"approve":  OutcomeApproved,
	"accept":   OutcomeApproved,
	"accepted": OutcomeApproved,
	"lgtm":     OutcomeApproved,

	"rejected":          OutcomeRejected,
	"reject":            OutcomeRejected,
	"denied":            OutcomeRejected,
	"changes_requested": OutcomeRejected,
	"request_changes":   OutcomeRejected,
	"needs_work":        OutcomeRejected,
	"needs_changes":     OutcomeRejected,
}

// NormalizeStatus maps a loosely written status onto an Outcome.
// Unrecognized strings map to OutcomeUnknown.
func NormalizeStatus(raw string) Outcome {
	s := norm.NFKC.String(raw)
	// Casers are stateful, so one per call.
	s = cases.Fold().String(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	if outcome, ok := statusSynonyms[s]; ok {
		return outcome
	}
	return OutcomeUnknown
}

// Result is what an agent writes to its result file, as JSON or YAML.
type Result struct {
	Status  string   `json:"status" yaml:"status"`
	Summary string   `json:"summary,omitempty" yaml:"summary,omitempty"`
	Reason  string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	Issues  []string `json:"issues,omitempty" yaml:"issues,omitempty"`
	Notes   string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// CodingOutcome is OutcomeSuccess, OutcomeFailure, or OutcomeUnknown.
// A reviewer-style verdict is folded onto success or failure.
func (r *Result) CodingOutcome() Outcome {
	switch NormalizeStatus(r.Status) {
	case OutcomeSuccess, OutcomeApproved:
		return OutcomeSuccess
	case OutcomeFailure, OutcomeRejected:
		return OutcomeFailure
	default:
		return OutcomeUnknown
	}
}

// ReviewOutcome is OutcomeApproved or OutcomeRejected. Anything that is not
// an explicit approval is a rejection.
func (r *Result) ReviewOutcome() Outcome {
	switch NormalizeStatus(r.Status) {
	case OutcomeApproved, OutcomeSuccess:
		return OutcomeApproved
	default:
		return OutcomeRejected
	}
}

// ReadResult parses the result file at path. A missing or empty file
// returns ErrNoResult.
func ReadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNoResult, "no result file at %s", path)
		}
		return nil, errors.Wrapf(err, "failed to read result file %s", path)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.Wrapf(errors.ErrNoResult, "empty result file at %s", path)
	}

	// YAML is a superset of JSON, so one decoder covers both formats.
	var result Result
	if err := yaml.Unmarshal(data, &result); err != nil {
		return nil, errors.NewAgentError("failed to parse result file "+path, err).WithRetryable(false)
	}
	return &result, nil
}

package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/foreman/internal/errors"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Outcome
	}{
		{"success", OutcomeSuccess},
		{"Completed", OutcomeSuccess},
		{"  DONE \n", OutcomeSuccess},
		{"ＤＯＮＥ", OutcomeSuccess}, // fullwidth
		{"failed", OutcomeFailure},
		{"approve", OutcomeApproved},
		{"Accepted", OutcomeApproved},
		{"changes-requested", OutcomeRejected},
		{"needs work", OutcomeRejected},
		{"maybe", OutcomeUnknown},
		{"", OutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeStatus(tt.raw))
		})
	}
}

func TestResultOutcomes(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, (&Result{Status: "done"}).CodingOutcome())
	assert.Equal(t, OutcomeFailure, (&Result{Status: "error"}).CodingOutcome())
	assert.Equal(t, OutcomeUnknown, (&Result{Status: "shrug"}).CodingOutcome())

	assert.Equal(t, OutcomeApproved, (&Result{Status: "LGTM"}).ReviewOutcome())
	assert.Equal(t, OutcomeRejected, (&Result{Status: "reject"}).ReviewOutcome())
	assert.Equal(t, OutcomeRejected, (&Result{Status: "unsure"}).ReviewOutcome(), "unknown verdicts are rejections")
}

func TestReadResult(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadResult(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.Is(err, errors.ErrNoResult))

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	_, err = ReadResult(empty)
	assert.True(t, errors.Is(err, errors.ErrNoResult))

	jsonPath := filepath.Join(dir, "result.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"status":"rejected","summary":"needs tests","issues":["no coverage","typo"],"notes":"close"}`), 0o644))
	res, err := ReadResult(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "needs tests", res.Summary)
	assert.Equal(t, []string{"no coverage", "typo"}, res.Issues)
	assert.Equal(t, OutcomeRejected, res.ReviewOutcome())

	yamlPath := filepath.Join(dir, "result.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("status: completed\nsummary: added endpoint\n"), 0o644))
	res, err = ReadResult(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.CodingOutcome())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("status: [unterminated"), 0o644))
	_, err = ReadResult(bad)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrNoResult))
}

func TestTaskEnvVars(t *testing.T) {
	first := TaskEnv{Role: "coder", TaskID: "fm-1", Branch: "foreman/fm-1", Attempt: 1}.Vars()
	assert.Contains(t, first, "FOREMAN_TASK_ID=fm-1")
	assert.Contains(t, first, "FOREMAN_ATTEMPT=1")
	for _, v := range first {
		assert.NotContains(t, v, EnvFailureType)
	}

	retry := TaskEnv{TaskID: "fm-1", FailureType: "test_failure", RetryReason: "2 failed", ReuseBranch: true}.Vars()
	assert.Contains(t, retry, "FOREMAN_FAILURE_TYPE=test_failure")
	assert.Contains(t, retry, "FOREMAN_REUSE_BRANCH=true")
	assert.Contains(t, retry, "FOREMAN_RETRY_REASON=2 failed")
}

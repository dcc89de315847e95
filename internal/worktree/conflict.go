package worktree

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// Conflict operations
const (
	OpMerge  = "merge"
	OpRebase = "rebase"
)

// ConflictError reports a merge or rebase that stopped on conflicts.
// For OpRebase the rebase is left in progress so it can be resolved.
type ConflictError struct {
	Op     string
	Branch string
	Files  []string
	Output string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("%s conflict on %s", e.Op, e.Branch)
	}
	return fmt.Sprintf("%s conflict on %s in %d file(s): %s", e.Op, e.Branch, len(e.Files), strings.Join(e.Files, ", "))
}

// Unwrap lets errors.Is(err, errors.ErrMergeConflict) match.
func (e *ConflictError) Unwrap() error {
	return errors.ErrMergeConflict
}

// AsConflict extracts a ConflictError from err's chain.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func isConflictOutput(output string) bool {
	return strings.Contains(output, "CONFLICT") ||
		strings.Contains(output, "could not apply") ||
		strings.Contains(output, "Automatic merge failed")
}

func splitLines(output string) []string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return []string{}
	}
	var lines []string
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

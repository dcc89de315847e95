package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions <task-id>",
	Short: "List the archived attempts of a task",
	Long: `List every archived attempt of a task: outcome, failure type, test
counts, and reason. Use --verbose to include diffs and agent logs, and
--remote to read the S3 mirror instead of the local archive.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessions,
}

var (
	sessionsVerbose bool
	sessionsRemote  bool
	sessionsJSON    bool
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().BoolVarP(&sessionsVerbose, "verbose", "v", false, "include diffs and logs")
	sessionsCmd.Flags().BoolVar(&sessionsRemote, "remote", false, "read from the S3 mirror")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print records as JSON")
}

func runSessions(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	return withBacklog(func(a *app) error {
		ctx := cmd.Context()
		task, err := a.store.Show(ctx, taskID)
		if err != nil {
			return err
		}

		var archive session.Archive = a.stores(task.ProjectID).archive
		if sessionsRemote {
			mirror := a.s3Mirror(ctx)
			if mirror == nil {
				return fmt.Errorf("no S3 mirror configured (archive.s3.bucket)")
			}
			archive = mirror
		}
		records, err := archive.List(ctx, taskID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if sessionsJSON || !isTerminal(out) {
			return writeJSON(out, records)
		}
		if len(records) == 0 {
			fmt.Fprintf(out, "No sessions recorded for %s.\n", taskID)
			return nil
		}

		fmt.Fprintln(out, strings.Repeat("─", 70))
		fmt.Fprintf(out, "%s: %s (%d attempt(s))\n", task.ID, task.Title, len(records))
		fmt.Fprintln(out, strings.Repeat("─", 70))
		for _, r := range records {
			printRecord(cmd, r)
		}
		return nil
	})
}

func printRecord(cmd *cobra.Command, r *session.Record) {
	out := cmd.OutOrStdout()
	status := string(r.Status)
	if r.FailureType != "" {
		status += " (" + r.FailureType + ")"
	}
	fmt.Fprintf(out, "\nAttempt %d  %s\n", r.Attempt, status)
	fmt.Fprintf(out, "  ID:       %s\n", r.ID)
	fmt.Fprintf(out, "  Branch:   %s\n", orDash(r.Branch))
	fmt.Fprintf(out, "  Started:  %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Duration: %s\n", r.EndedAt.Sub(r.StartedAt).Round(time.Second))
	if tr := r.TestResults; tr != nil {
		fmt.Fprintf(out, "  Tests:    %d passed, %d failed\n", tr.Passed, tr.Failed)
	}
	if r.Summary != "" {
		fmt.Fprintf(out, "  Summary:  %s\n", firstLine(r.Summary))
	}
	if r.Reason != "" {
		fmt.Fprintf(out, "  Reason:   %s\n", firstLine(r.Reason))
	}
	if rv := r.Review; rv != nil {
		for _, issue := range rv.Issues {
			fmt.Fprintf(out, "  Issue:    %s\n", issue)
		}
	}
	if !sessionsVerbose {
		return
	}
	if r.Diff != "" {
		fmt.Fprintf(out, "\n%s\n", r.Diff)
	}
	if r.Logs != "" {
		fmt.Fprintf(out, "\n--- agent output ---\n%s\n", r.Logs)
	}
}

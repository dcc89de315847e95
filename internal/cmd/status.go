package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/scheduler"
	"github.com/Iron-Ham/foreman/internal/snapshot"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what each project's scheduler is doing",
	Long: `Show each project's scheduler state as last persisted: the task in
flight, its phase and attempt, the agent PID, and when the agent last
produced output.

Output is a table on a terminal and JSON otherwise.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON even on a terminal")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	statuses := make([]scheduler.Status, 0, len(a.projects))
	for _, p := range a.projects {
		st, err := a.diskStatus(p.ID)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}

	out := cmd.OutOrStdout()
	if statusJSON || !isTerminal(out) {
		return writeJSON(out, statuses)
	}
	return printStatusTable(out, statuses, time.Now())
}

// diskStatus reads a project's snapshot and heartbeat without touching its
// scheduler. Running means another foreman process holds the project lock.
func (a *app) diskStatus(projectID string) (scheduler.Status, error) {
	st := a.stores(projectID)
	status := scheduler.Status{ProjectID: projectID, Phase: snapshot.PhaseIdle}

	snap, err := st.snapshots.Load()
	switch {
	case err == nil:
		status = scheduler.StatusFromSnapshot(snap)
		status.ProjectID = projectID
		if snap.Active() {
			status.LastOutputAt = st.heartbeats.Freshest(snap.TaskID, snap.LastOutputAt)
		}
	case errors.IsNotFound(err):
	default:
		return status, fmt.Errorf("project %s: %w", projectID, err)
	}

	_, status.Running = snapshot.IsLocked(a.fs, st.dir)
	return status, nil
}

func printStatusTable(w io.Writer, statuses []scheduler.Status, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tRUNNING\tPHASE\tTASK\tATTEMPT\tAGENT\tLAST OUTPUT\tQUEUE\tDONE\tFAILED")
	for _, s := range statuses {
		agentCol := "-"
		if s.PID > 0 {
			agentCol = fmt.Sprintf("%s/%d", s.Role, s.PID)
		}
		attempt := "-"
		if s.TaskID != "" {
			attempt = fmt.Sprint(s.Attempt)
		}
		running := "no"
		if s.Running {
			running = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ProjectID, running, s.Phase, orDash(s.TaskID), attempt, agentCol,
			ago(s.LastOutputAt, now), s.QueueDepth, s.Done, s.Failed)
	}
	return tw.Flush()
}

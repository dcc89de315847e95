package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/session"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize backlog progress and attempt outcomes",
	Long: `Display, for each project, how many tasks are in each state and what
became of every archived attempt:

- Tasks by status
- Attempts by outcome, and failures by type
- Average attempts per closed task
- Total agent time`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var statsJSON bool

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON even on a terminal")
}

// projectStats summarizes one project.
type projectStats struct {
	ProjectID  string                 `json:"project_id"`
	Tasks      map[backlog.Status]int `json:"tasks"`
	Attempts   int                    `json:"attempts"`
	Outcomes   map[session.Status]int `json:"outcomes"`
	Failures   map[string]int         `json:"failures"`
	ClosedWith float64                `json:"avg_attempts_per_closed_task"`
	AgentTime  time.Duration          `json:"agent_time_ns"`
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if err := a.openBacklog(); err != nil {
		return err
	}
	defer a.close()

	all := make([]projectStats, 0, len(a.projects))
	for _, p := range a.projects {
		tasks, err := a.store.Project(p.ID, "").ListAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		ps, err := collectStats(cmd.Context(), p.ID, tasks, a.stores(p.ID).archive)
		if err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		all = append(all, ps)
	}

	out := cmd.OutOrStdout()
	if statsJSON || !isTerminal(out) {
		return writeJSON(out, all)
	}
	for _, ps := range all {
		printStats(out, ps)
	}
	return nil
}

func collectStats(ctx context.Context, projectID string, tasks []*backlog.Task, archive session.Archive) (projectStats, error) {
	ps := projectStats{
		ProjectID: projectID,
		Tasks:     make(map[backlog.Status]int),
		Outcomes:  make(map[session.Status]int),
		Failures:  make(map[string]int),
	}
	closed, closedAttempts := 0, 0
	for _, t := range tasks {
		if t.IsEpic() {
			continue
		}
		ps.Tasks[t.Status]++

		records, err := archive.List(ctx, t.ID)
		if err != nil {
			return ps, err
		}
		for _, r := range records {
			ps.Attempts++
			ps.Outcomes[r.Status]++
			if r.FailureType != "" {
				ps.Failures[r.FailureType]++
			}
			if !r.StartedAt.IsZero() && r.EndedAt.After(r.StartedAt) {
				ps.AgentTime += r.EndedAt.Sub(r.StartedAt)
			}
		}
		if t.Status == backlog.StatusClosed {
			closed++
			closedAttempts += len(records)
		}
	}
	if closed > 0 {
		ps.ClosedWith = float64(closedAttempts) / float64(closed)
	}
	return ps, nil
}

func printStats(w io.Writer, ps projectStats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.ToUpper(ps.ProjectID))
	fmt.Fprintln(w, strings.Repeat("─", 50))

	var parts []string
	for _, s := range backlog.ValidStatuses() {
		parts = append(parts, fmt.Sprintf("%d %s", ps.Tasks[s], s))
	}
	fmt.Fprintf(w, "Tasks:     %s\n", strings.Join(parts, ", "))

	parts = parts[:0]
	for _, s := range []session.Status{session.StatusSuccess, session.StatusFailed, session.StatusRejected, session.StatusCrashed} {
		if n := ps.Outcomes[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	fmt.Fprintf(w, "Attempts:  %d", ps.Attempts)
	if len(parts) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w)

	if len(ps.Failures) > 0 {
		types := make([]string, 0, len(ps.Failures))
		for k := range ps.Failures {
			types = append(types, k)
		}
		// Most frequent first.
		slices.SortFunc(types, func(a, b string) int {
			if d := ps.Failures[b] - ps.Failures[a]; d != 0 {
				return d
			}
			return strings.Compare(a, b)
		})
		fmt.Fprintln(w, "Failures:")
		for _, k := range types {
			fmt.Fprintf(w, "  %-18s %d\n", k, ps.Failures[k])
		}
	}
	if ps.ClosedWith > 0 {
		fmt.Fprintf(w, "Per close: %.1f attempts\n", ps.ClosedWith)
	}
	fmt.Fprintf(w, "Agent time: %s\n", ps.AgentTime.Round(time.Second))
}

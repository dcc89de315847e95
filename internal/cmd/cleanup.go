package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/snapshot"
	"github.com/Iron-Ham/foreman/internal/worktree"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove task branches and worktrees that are no longer needed",
	Long: `Cleanup removes the task branches and worktrees of closed tasks, and of
tasks that no longer exist in the backlog.

Branches of open and blocked tasks are kept: they hold work preserved from
earlier attempts, which the next attempt continues. Projects whose
scheduler is running are skipped.

Use --dry-run to see what would be removed.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var (
	cleanupDryRun  bool
	cleanupForce   bool
	cleanupProject string
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "show what would be removed without changing anything")
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "skip the confirmation prompt")
	cleanupCmd.Flags().StringVarP(&cleanupProject, "project", "p", "", "only clean this project")
}

// staleTask is a task whose branch or worktree can be removed.
type staleTask struct {
	TaskID   string
	Reason   string
	Branch   bool
	Worktree bool
}

// projectCleanup is the plan for one project.
type projectCleanup struct {
	project config.ProjectConfig
	repo    *worktree.Manager
	lock    *snapshot.Lock
	stale   []staleTask
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if err := a.openBacklog(); err != nil {
		return err
	}
	defer a.close()

	projects := a.projects
	if cleanupProject != "" {
		p, err := a.project(cleanupProject)
		if err != nil {
			return err
		}
		projects = []config.ProjectConfig{p}
	}

	out := cmd.OutOrStdout()
	var plans []*projectCleanup
	defer func() {
		for _, pc := range plans {
			_ = pc.lock.Release()
		}
	}()

	for _, p := range projects {
		st := a.stores(p.ID)
		lock, err := snapshot.AcquireLock(a.fs, st.dir, p.ID, a.logger)
		if err != nil {
			if errors.Is(err, snapshot.ErrProjectLocked) {
				fmt.Fprintf(out, "Skipping %s: its scheduler is running\n", p.ID)
				continue
			}
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		pc := &projectCleanup{project: p, lock: lock}
		plans = append(plans, pc)

		if pc.repo, err = a.repository(p); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		if pc.stale, err = findStaleTasks(cmd.Context(), pc.repo, st.snapshots, a.store); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
	}

	total := 0
	for _, pc := range plans {
		total += len(pc.stale)
	}
	if total == 0 {
		fmt.Fprintln(out, "Nothing to clean up.")
		return nil
	}
	printCleanupPlan(out, plans)

	if cleanupDryRun {
		fmt.Fprintln(out, "\nDry run; nothing removed.")
		return nil
	}
	if !cleanupForce && !confirm(cmd.InOrStdin(), out, "\nRemove these? [y/N] ") {
		fmt.Fprintln(out, "Cancelled.")
		return nil
	}

	var errs []error
	for _, pc := range plans {
		for _, s := range pc.stale {
			if err := removeStale(pc.repo, s); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", pc.project.ID, s.TaskID, err))
				continue
			}
			a.logger.Info("removed stale task resources", "project", pc.project.ID, "task_id", s.TaskID, "reason", s.Reason)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	fmt.Fprintf(out, "Removed resources of %d task(s).\n", total)
	return nil
}

// taskLookup finds a task in any project. Projects sharing a repository
// share its task branches.
type taskLookup interface {
	Show(ctx context.Context, id string) (*backlog.Task, error)
}

// findStaleTasks lists branches and worktrees whose task is closed or gone.
// The task in the project's snapshot is never stale.
func findStaleTasks(ctx context.Context, repo *worktree.Manager, snapshots *snapshot.Store, tasks taskLookup) ([]staleTask, error) {
	snap, err := snapshots.Load()
	if err != nil {
		return nil, err
	}
	var active string
	if snap != nil && snap.Active() {
		active = snap.TaskID
	}

	branches, err := repo.TaskBranches()
	if err != nil {
		return nil, err
	}
	worktrees, err := repo.TaskWorktrees()
	if err != nil {
		return nil, err
	}

	ids := slices.Concat(branches, worktrees)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var stale []staleTask
	for _, id := range ids {
		if id == active {
			continue
		}
		var reason string
		task, err := tasks.Show(ctx, id)
		switch {
		case errors.IsNotFound(err):
			reason = "not in backlog"
		case err != nil:
			return nil, err
		case task.Status == backlog.StatusClosed:
			reason = "closed"
		default:
			continue
		}
		stale = append(stale, staleTask{
			TaskID:   id,
			Reason:   reason,
			Branch:   slices.Contains(branches, id),
			Worktree: slices.Contains(worktrees, id),
		})
	}
	return stale, nil
}

// removeStale removes the worktree before the branch it has checked out.
func removeStale(repo *worktree.Manager, s staleTask) error {
	if s.Worktree {
		if err := repo.RemoveTaskWorktree(repo.WorktreePath(s.TaskID)); err != nil {
			return err
		}
	}
	if s.Branch {
		if err := repo.DeleteBranch(repo.BranchName(s.TaskID)); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func printCleanupPlan(w io.Writer, plans []*projectCleanup) {
	for _, pc := range plans {
		if len(pc.stale) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", pc.project.ID)
		for _, s := range pc.stale {
			var what []string
			if s.Branch {
				what = append(what, "branch "+pc.repo.BranchName(s.TaskID))
			}
			if s.Worktree {
				what = append(what, "worktree")
			}
			fmt.Fprintf(w, "  %s (%s): %s\n", s.TaskID, s.Reason, strings.Join(what, ", "))
		}
	}
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

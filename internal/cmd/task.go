package cmd

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/backlog"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the backlog",
	Long:  `Commands for adding, inspecting, and unblocking backlog tasks.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task to a project's backlog",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its blockers and comments",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskDependCmd = &cobra.Command{
	Use:   "depend <task-id> <blocker-id>",
	Short: "Make a task wait for another to close",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskDepend,
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock <task-id>",
	Short: "Return a blocked task to the queue",
	Long: `Reopen a task that was blocked after repeated failures.

By default its priority is reset to 0 so it is picked up next; use
--keep-priority to leave it where it was demoted to.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskUnblock,
}

var taskCommentCmd = &cobra.Command{
	Use:   "comment <task-id> <text>",
	Short: "Add a comment to a task",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskComment,
}

var (
	taskProject      string
	taskDescription  string
	taskPriority     int
	taskEpic         bool
	taskStatusFilter string
	taskKeepPriority bool
	taskAuthor       string
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskDependCmd)
	taskCmd.AddCommand(taskUnblockCmd)
	taskCmd.AddCommand(taskCommentCmd)

	taskCmd.PersistentFlags().StringVarP(&taskProject, "project", "p", "", "project id (default: the only configured project)")

	taskAddCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "task description given to the coding agent")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "scheduling priority (lower runs first)")
	taskAddCmd.Flags().BoolVar(&taskEpic, "epic", false, "create an epic, which is never scheduled itself")

	taskListCmd.Flags().StringVar(&taskStatusFilter, "status", "", "only list tasks with this status")
	taskUnblockCmd.Flags().BoolVar(&taskKeepPriority, "keep-priority", false, "keep the demoted priority")
	taskCommentCmd.Flags().StringVar(&taskAuthor, "author", "user", "comment author")
}

// withBacklog runs fn with an open backlog.
func withBacklog(fn func(a *app) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if err := a.openBacklog(); err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	return withBacklog(func(a *app) error {
		p, err := a.project(taskProject)
		if err != nil {
			return err
		}
		typ := backlog.TypeTask
		if taskEpic {
			typ = backlog.TypeEpic
		}
		task, err := a.store.Create(cmd.Context(), backlog.NewTask{
			ProjectID:   p.ID,
			Title:       args[0],
			Description: taskDescription,
			Type:        typ,
			Priority:    taskPriority,
		}, p.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s: %s\n", task.ID, task.Title)
		return nil
	})
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var status backlog.Status
	if taskStatusFilter != "" {
		status = backlog.Status(taskStatusFilter)
		if !slices.Contains(backlog.ValidStatuses(), status) {
			return fmt.Errorf("unknown status %q", taskStatusFilter)
		}
	}
	return withBacklog(func(a *app) error {
		var tasks []*backlog.Task
		var err error
		if taskProject != "" {
			tasks, err = a.store.Project(taskProject, "").ListAll(cmd.Context())
		} else {
			tasks, err = a.store.ListAll(cmd.Context())
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !isTerminal(out) {
			return writeJSON(out, filterTasks(tasks, status))
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROJECT\tSTATUS\tPRI\tATTEMPTS\tTITLE")
		for _, t := range filterTasks(tasks, status) {
			title := t.Title
			if t.IsEpic() {
				title = "[epic] " + title
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", t.ID, t.ProjectID, t.Status, t.Priority, t.CumulativeAttempts, title)
		}
		return tw.Flush()
	})
}

func filterTasks(tasks []*backlog.Task, status backlog.Status) []*backlog.Task {
	if status == "" {
		return tasks
	}
	out := make([]*backlog.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	return withBacklog(func(a *app) error {
		ctx := cmd.Context()
		task, err := a.store.Show(ctx, args[0])
		if err != nil {
			return err
		}
		blockers, err := a.store.Blockers(ctx, task.ID)
		if err != nil {
			return err
		}
		comments, err := a.store.Comments(ctx, task.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s\n", task.ID, task.Title)
		fmt.Fprintf(out, "  Project:   %s\n", task.ProjectID)
		fmt.Fprintf(out, "  Type:      %s\n", task.Type)
		fmt.Fprintf(out, "  Status:    %s\n", task.Status)
		fmt.Fprintf(out, "  Priority:  %d\n", task.Priority)
		fmt.Fprintf(out, "  Attempts:  %d\n", task.CumulativeAttempts)
		fmt.Fprintf(out, "  Assignee:  %s\n", orDash(task.Assignee))
		if task.Description != "" {
			fmt.Fprintf(out, "\n%s\n", strings.TrimSpace(task.Description))
		}
		if task.CloseSummary != "" {
			fmt.Fprintf(out, "\nClosed: %s\n", task.CloseSummary)
		}
		if len(blockers) > 0 {
			fmt.Fprintln(out, "\nBlocked by:")
			for _, b := range blockers {
				fmt.Fprintf(out, "  %s (%s) %s\n", b.ID, b.Status, b.Title)
			}
		}
		if len(comments) > 0 {
			fmt.Fprintln(out, "\nComments:")
			for _, c := range comments {
				fmt.Fprintf(out, "  [%s] %s:\n", c.CreatedAt.Local().Format(time.DateTime), c.Author)
				for _, line := range strings.Split(strings.TrimRight(c.Body, "\n"), "\n") {
					fmt.Fprintf(out, "    %s\n", line)
				}
			}
		}
		return nil
	})
}

func runTaskDepend(cmd *cobra.Command, args []string) error {
	return withBacklog(func(a *app) error {
		if err := a.store.AddDependency(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s now waits for %s\n", args[0], args[1])
		return nil
	})
}

func runTaskUnblock(cmd *cobra.Command, args []string) error {
	return withBacklog(func(a *app) error {
		var priority *int
		if !taskKeepPriority {
			priority = backlog.Ptr(0)
		}
		if err := a.store.Unblock(cmd.Context(), args[0], priority); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reopened\n", args[0])
		return nil
	})
}

func runTaskComment(cmd *cobra.Command, args []string) error {
	return withBacklog(func(a *app) error {
		if err := a.store.AddComment(cmd.Context(), args[0], taskAuthor, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Comment added to %s\n", args[0])
		return nil
	})
}

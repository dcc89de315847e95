package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reconcile persisted state without starting the schedulers",
	Long: `Run crash recovery for every project and exit.

For each project with a task in flight: if its agent is still running and
producing output it is left alone for the next 'foreman run' to re-attach;
otherwise the agent is terminated, the worktree removed, and the task
returned to the backlog. The task branch is kept only when it has commits.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if err := a.openLogger(); err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if err := a.buildSchedulers(ctx, true); err != nil {
		return err
	}
	actions, err := a.registry.RecoverAll(ctx)

	ids := make([]string, 0, len(actions))
	for id := range actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, actions[id])
	}
	return err
}

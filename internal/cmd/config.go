package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/foreman/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify foreman configuration",
	Long: `View or modify foreman configuration.

Without arguments, displays the effective configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation and must already exist, e.g.:
  foreman config set scheduler.review_mode always
  foreman config set scheduler.inactivity_timeout_minutes 20
  foreman config set backlog.watch false`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		return err
	}
	settings := viper.AllSettings()
	delete(settings, "config")

	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# config file: (none, using defaults)")
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return err
	}
	return enc.Close()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if !viper.IsSet(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	var value any
	switch current := viper.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		value = b
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid value for %s: expected a non-negative integer", key)
		}
		value = n
	case string:
		value = raw
	default:
		return fmt.Errorf("%s holds a %T; edit the config file to change it", key, current)
	}

	viper.Set(key, value)
	if _, err := config.Load(); err != nil {
		return err
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfig saved to %s\n", key, value, configFile)
	return nil
}

const defaultConfigFile = `# foreman configuration

# One scheduler runs per project. With no projects listed, the repository
# foreman is started in is the only project.
# projects:
#   - id: web
#     repo: ~/src/web
#     trunk: main
#     remote: origin
#     review_mode: always
#     test_command: "npm test -- {{range .Files}}{{.}} {{end}}"

scheduler:
  # Kill an agent after this long without output
  inactivity_timeout_minutes: 10
  # skip, always, or on_failure (review only retries)
  review_mode: on_failure
  # Every Nth attributable failure discards the branch and lowers priority
  demotion_threshold: 3
  # Tasks demoted to this priority are blocked
  max_priority: 4
  # Free retries for crashes, timeouts, and merge conflicts
  max_infra_retries: 2

agents:
  coder:
    command: claude
    args: ["-p", "--dangerously-skip-permissions", "Follow the instructions in .foreman/prompt.md"]
  reviewer:
    command: claude
    args: ["-p", "Follow the review instructions in .foreman/review.md"]
  merger:
    command: claude
    args: ["-p", "--dangerously-skip-permissions", "Resolve the rebase conflict described in .foreman/merge.md"]
  # Paths symlinked from the main checkout into every worktree
  shared_links: []

tests:
  # Rendered with .Files and .Dirs of the changed files matching patterns
  command: "go test {{range .Dirs}}{{.}} {{end}}"
  patterns: ["**.go"]
  timeout_minutes: 10

backlog:
  # Wake schedulers when the backlog database changes
  watch: true

# archive:
#   s3:
#     bucket: my-foreman-sessions
#     prefix: foreman
#     region: us-east-1

logging:
  level: info
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'foreman config set' to modify values", configFile)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. ./%s (current directory)\n", localConfigFile)
	fmt.Fprintf(out, "  2. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "\nEnvironment variables: FOREMAN_* (e.g., FOREMAN_SCHEDULER_REVIEW_MODE)")
	return nil
}

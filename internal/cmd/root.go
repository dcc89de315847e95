package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/foreman/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Crash-tolerant scheduler for autonomous coding agents",
	Long: `Foreman drives coding agents through a project's backlog one task at a
time: each task gets its own git worktree, its work is tested and optionally
reviewed, and it is merged to trunk only when it passes. Progress is
snapshotted after every step so a restarted foreman picks up where it left off.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./foreman.yaml, then $HOME/.config/foreman/config.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "directory for snapshots, worktrees, and logs")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("paths.state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// localConfigFile in the working directory takes precedence over the user
// config.
const localConfigFile = "foreman.yaml"

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func initConfig() {
	config.SetDefaults()

	switch cfgFile := viper.GetString("config"); {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	case fileExists(localConfigFile):
		viper.SetConfigFile(localConfigFile)
	default:
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FOREMAN")
	// FOREMAN_SCHEDULER_REVIEW_MODE sets scheduler.review_mode
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

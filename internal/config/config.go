package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete foreman configuration
type Config struct {
	Projects  []ProjectConfig `mapstructure:"projects"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Tests     TestsConfig     `mapstructure:"tests"`
	Backlog   BacklogConfig   `mapstructure:"backlog"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ProjectConfig describes one repository driven by its own scheduler.
type ProjectConfig struct {
	// ID keys the project's snapshot, heartbeats, and backlog rows.
	ID string `mapstructure:"id"`
	// Repo is the path to the main working copy.
	Repo string `mapstructure:"repo"`
	// Trunk is the branch task work is merged into (default: scheduler default "main")
	Trunk string `mapstructure:"trunk"`
	// Remote is pushed to after each merge. Empty disables pushing.
	Remote string `mapstructure:"remote"`
	// ReviewMode overrides scheduler.review_mode for this project.
	ReviewMode string `mapstructure:"review_mode"`
	// TestCommand overrides tests.command for this project.
	TestCommand string `mapstructure:"test_command"`
}

// SchedulerConfig controls the per-project loop and failure policy
type SchedulerConfig struct {
	// InactivityTimeoutMinutes is how long an agent may go without output
	// before it is terminated.
	InactivityTimeoutMinutes int `mapstructure:"inactivity_timeout_minutes"`
	// HeartbeatIntervalSeconds is how often the heartbeat file is rewritten.
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	// MonitorIntervalSeconds is how often PID liveness and inactivity are checked.
	MonitorIntervalSeconds int `mapstructure:"monitor_interval_seconds"`
	// KillGraceSeconds is the delay between SIGTERM and SIGKILL.
	KillGraceSeconds int `mapstructure:"kill_grace_seconds"`
	// WatchdogIntervalMinutes is the period of the stall-guard nudge.
	WatchdogIntervalMinutes int `mapstructure:"watchdog_interval_minutes"`
	// CooldownSeconds is the pause after a successful merge before selecting again.
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
	// RetryDelaySeconds is the pause before retrying a failed task.
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
	// ErrorDelaySeconds is the pause after an unexpected loop error.
	ErrorDelaySeconds int `mapstructure:"error_delay_seconds"`
	// DemotionThreshold is N: every N-th attributable failure deletes the
	// branch and escalates priority.
	DemotionThreshold int `mapstructure:"demotion_threshold"`
	// MaxPriority is the priority ceiling at which tasks are blocked.
	MaxPriority int `mapstructure:"max_priority"`
	// MaxInfraRetries is the number of free retries for crash, timeout,
	// and merge conflict failures.
	MaxInfraRetries int `mapstructure:"max_infra_retries"`
	// ReviewMode is one of "skip", "always", "on_failure".
	ReviewMode string `mapstructure:"review_mode"`
	// MaxConcurrentCoders is accepted for compatibility; values above 1
	// are clamped.
	MaxConcurrentCoders int `mapstructure:"max_concurrent_coders"`
	// GitIdleTimeoutSeconds bounds the wait for index.lock to clear before merging.
	GitIdleTimeoutSeconds int `mapstructure:"git_idle_timeout_seconds"`
	// AgentName is written as the task assignee while work is in flight.
	AgentName string `mapstructure:"agent_name"`
	// BranchPrefix namespaces task branches (<prefix>/<task-id>).
	BranchPrefix string `mapstructure:"branch_prefix"`
	// OutputBufferSize is the number of bytes of agent output retained in memory.
	OutputBufferSize int `mapstructure:"output_buffer_size"`
}

// AgentsConfig describes how each agent role is launched
type AgentsConfig struct {
	Coder    AgentCommand `mapstructure:"coder"`
	Reviewer AgentCommand `mapstructure:"reviewer"`
	Merger   AgentCommand `mapstructure:"merger"`
	// SharedLinks are repo-relative paths (e.g. node_modules, .env) symlinked
	// into each worktree when missing.
	SharedLinks []string `mapstructure:"shared_links"`
}

// AgentCommand is an executable plus arguments
type AgentCommand struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Env entries are KEY=VALUE pairs appended to the inherited environment.
	Env []string `mapstructure:"env"`
}

// TestsConfig controls the scoped test runner
type TestsConfig struct {
	// Command is a text/template rendered with .Files and .Dirs of the
	// changed files that match Patterns, then run through sh -c.
	Command string `mapstructure:"command"`
	// Patterns are glob patterns selecting which changed files are testable.
	Patterns []string `mapstructure:"patterns"`
	// TimeoutMinutes bounds a single test run (0 means no limit).
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
}

// BacklogConfig locates the sqlite task store
type BacklogConfig struct {
	// Path of the sqlite database. Empty means <state_dir>/backlog.db.
	Path string `mapstructure:"path"`
	// Watch nudges schedulers when the database file changes.
	Watch bool `mapstructure:"watch"`
	// DebounceMs coalesces bursts of database writes into one nudge.
	DebounceMs int `mapstructure:"debounce_ms"`
}

// ArchiveConfig controls where session records are stored
type ArchiveConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

// S3Config enables mirroring session records to S3 when Bucket is set
type S3Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// Enabled reports whether the S3 mirror is configured.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

// PathsConfig controls where foreman keeps its state
type PathsConfig struct {
	// StateDir holds snapshots, heartbeats, archives, worktrees, and logs.
	// Supports ~ expansion. Empty means $XDG_STATE_HOME/foreman.
	StateDir string `mapstructure:"state_dir"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Projects: []ProjectConfig{},
		Scheduler: SchedulerConfig{
			InactivityTimeoutMinutes: 10,
			HeartbeatIntervalSeconds: 10,
			MonitorIntervalSeconds:   5,
			KillGraceSeconds:         10,
			WatchdogIntervalMinutes:  3,
			CooldownSeconds:          5,
			RetryDelaySeconds:        2,
			ErrorDelaySeconds:        30,
			DemotionThreshold:        3,
			MaxPriority:              4,
			MaxInfraRetries:          2,
			ReviewMode:               ReviewOnFailure,
			MaxConcurrentCoders:      1,
			GitIdleTimeoutSeconds:    30,
			AgentName:                "foreman",
			BranchPrefix:             "foreman",
			OutputBufferSize:         256 * 1024,
		},
		Agents: AgentsConfig{
			Coder: AgentCommand{
				Command: "claude",
				Args:    []string{"-p", "--dangerously-skip-permissions", "Follow the instructions in .foreman/prompt.md"},
			},
			Reviewer: AgentCommand{
				Command: "claude",
				Args:    []string{"-p", "Follow the review instructions in .foreman/review.md"},
			},
			Merger: AgentCommand{
				Command: "claude",
				Args:    []string{"-p", "--dangerously-skip-permissions", "Resolve the rebase conflict described in .foreman/merge.md"},
			},
			SharedLinks: []string{},
		},
		Tests: TestsConfig{
			Command:        "go test {{range .Dirs}}{{.}} {{end}}",
			Patterns:       []string{"**.go"},
			TimeoutMinutes: 10,
		},
		Backlog: BacklogConfig{
			Watch:      true,
			DebounceMs: 500,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
	}
}

// Review modes
const (
	ReviewSkip      = "skip"
	ReviewAlways    = "always"
	ReviewOnFailure = "on_failure"
)

// ValidReviewModes returns the list of valid review mode values
func ValidReviewModes() []string {
	return []string{ReviewSkip, ReviewAlways, ReviewOnFailure}
}

// InactivityTimeout returns the agent inactivity threshold.
func (c *SchedulerConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMinutes) * time.Minute
}

// HeartbeatInterval returns the heartbeat write period.
func (c *SchedulerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// MonitorInterval returns the supervision poll period.
func (c *SchedulerConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// KillGrace returns the SIGTERM to SIGKILL delay.
func (c *SchedulerConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// WatchdogInterval returns the watchdog nudge period.
func (c *SchedulerConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalMinutes) * time.Minute
}

// Cooldown returns the post-merge re-arm delay.
func (c *SchedulerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// RetryDelay returns the re-arm delay after a task failure.
func (c *SchedulerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// ErrorDelay returns the re-arm delay after a loop error.
func (c *SchedulerConfig) ErrorDelay() time.Duration {
	return time.Duration(c.ErrorDelaySeconds) * time.Second
}

// GitIdleTimeout returns the maximum wait for git to release its locks.
func (c *SchedulerConfig) GitIdleTimeout() time.Duration {
	return time.Duration(c.GitIdleTimeoutSeconds) * time.Second
}

// Timeout returns the test run limit (0 means no limit).
func (c *TestsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// ResolveStateDir returns the absolute state directory, expanding ~ and
// falling back to $XDG_STATE_HOME/foreman or ~/.local/state/foreman.
func (p *PathsConfig) ResolveStateDir() string {
	if p.StateDir == "" {
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, "foreman")
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return ".foreman"
		}
		return filepath.Join(home, ".local", "state", "foreman")
	}
	return expandHome(p.StateDir)
}

// ProjectStateDir returns the directory holding one project's snapshot,
// heartbeats, sessions, and worktrees.
func (c *Config) ProjectStateDir(projectID string) string {
	return filepath.Join(c.Paths.ResolveStateDir(), "projects", projectID)
}

// BacklogPath returns the sqlite database path.
func (c *Config) BacklogPath() string {
	if c.Backlog.Path == "" {
		return filepath.Join(c.Paths.ResolveStateDir(), "backlog.db")
	}
	return expandHome(c.Backlog.Path)
}

// ResolveProjects returns the configured projects with defaults applied.
// With no projects configured, the repository at cwd is the only project.
func (c *Config) ResolveProjects(cwd string) []ProjectConfig {
	projects := c.Projects
	if len(projects) == 0 {
		projects = []ProjectConfig{{ID: filepath.Base(cwd), Repo: cwd, Remote: "origin"}}
	}

	resolved := make([]ProjectConfig, 0, len(projects))
	for _, p := range projects {
		if p.Repo == "" {
			p.Repo = cwd
		}
		p.Repo = expandHome(p.Repo)
		if p.ID == "" {
			p.ID = filepath.Base(p.Repo)
		}
		if p.Trunk == "" {
			p.Trunk = "main"
		}
		if p.ReviewMode == "" {
			p.ReviewMode = c.Scheduler.ReviewMode
		}
		if p.TestCommand == "" {
			p.TestCommand = c.Tests.Command
		}
		resolved = append(resolved, p)
	}
	return resolved
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	d := Default()

	viper.SetDefault("projects", d.Projects)

	viper.SetDefault("scheduler.inactivity_timeout_minutes", d.Scheduler.InactivityTimeoutMinutes)
	viper.SetDefault("scheduler.heartbeat_interval_seconds", d.Scheduler.HeartbeatIntervalSeconds)
	viper.SetDefault("scheduler.monitor_interval_seconds", d.Scheduler.MonitorIntervalSeconds)
	viper.SetDefault("scheduler.kill_grace_seconds", d.Scheduler.KillGraceSeconds)
	viper.SetDefault("scheduler.watchdog_interval_minutes", d.Scheduler.WatchdogIntervalMinutes)
	viper.SetDefault("scheduler.cooldown_seconds", d.Scheduler.CooldownSeconds)
	viper.SetDefault("scheduler.retry_delay_seconds", d.Scheduler.RetryDelaySeconds)
	viper.SetDefault("scheduler.error_delay_seconds", d.Scheduler.ErrorDelaySeconds)
	viper.SetDefault("scheduler.demotion_threshold", d.Scheduler.DemotionThreshold)
	viper.SetDefault("scheduler.max_priority", d.Scheduler.MaxPriority)
	viper.SetDefault("scheduler.max_infra_retries", d.Scheduler.MaxInfraRetries)
	viper.SetDefault("scheduler.review_mode", d.Scheduler.ReviewMode)
	viper.SetDefault("scheduler.max_concurrent_coders", d.Scheduler.MaxConcurrentCoders)
	viper.SetDefault("scheduler.git_idle_timeout_seconds", d.Scheduler.GitIdleTimeoutSeconds)
	viper.SetDefault("scheduler.agent_name", d.Scheduler.AgentName)
	viper.SetDefault("scheduler.branch_prefix", d.Scheduler.BranchPrefix)
	viper.SetDefault("scheduler.output_buffer_size", d.Scheduler.OutputBufferSize)

	viper.SetDefault("agents.coder.command", d.Agents.Coder.Command)
	viper.SetDefault("agents.coder.args", d.Agents.Coder.Args)
	viper.SetDefault("agents.reviewer.command", d.Agents.Reviewer.Command)
	viper.SetDefault("agents.reviewer.args", d.Agents.Reviewer.Args)
	viper.SetDefault("agents.merger.command", d.Agents.Merger.Command)
	viper.SetDefault("agents.merger.args", d.Agents.Merger.Args)
	viper.SetDefault("agents.shared_links", d.Agents.SharedLinks)

	viper.SetDefault("tests.command", d.Tests.Command)
	viper.SetDefault("tests.patterns", d.Tests.Patterns)
	viper.SetDefault("tests.timeout_minutes", d.Tests.TimeoutMinutes)

	viper.SetDefault("backlog.path", d.Backlog.Path)
	viper.SetDefault("backlog.watch", d.Backlog.Watch)
	viper.SetDefault("backlog.debounce_ms", d.Backlog.DebounceMs)

	viper.SetDefault("archive.s3.bucket", d.Archive.S3.Bucket)
	viper.SetDefault("archive.s3.prefix", d.Archive.S3.Prefix)
	viper.SetDefault("archive.s3.region", d.Archive.S3.Region)

	viper.SetDefault("paths.state_dir", d.Paths.StateDir)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	viper.SetDefault("logging.compress", d.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".config", "foreman")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.demotion_threshold")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// projectIDRegex keeps project IDs safe for use as directory names.
var projectIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// branchPrefixRegex validates branch prefix characters
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_/-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateProjects()...)
	errs = append(errs, c.validateScheduler()...)
	errs = append(errs, c.validateAgents()...)
	errs = append(errs, c.validateTests()...)
	errs = append(errs, c.validateBacklog()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateProjects() []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)

	for i, p := range c.Projects {
		prefix := fmt.Sprintf("projects[%d]", i)
		if p.ID != "" {
			if !projectIDRegex.MatchString(p.ID) {
				errs = append(errs, ValidationError{
					Field:   prefix + ".id",
					Value:   p.ID,
					Message: "must start with a letter or digit and contain only letters, digits, '.', '_' or '-'",
				})
			}
			if seen[p.ID] {
				errs = append(errs, ValidationError{
					Field:   prefix + ".id",
					Value:   p.ID,
					Message: "duplicate project id",
				})
			}
			seen[p.ID] = true
		}
		if p.ReviewMode != "" && !slices.Contains(ValidReviewModes(), p.ReviewMode) {
			errs = append(errs, ValidationError{
				Field:   prefix + ".review_mode",
				Value:   p.ReviewMode,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidReviewModes(), ", ")),
			})
		}
		if p.TestCommand != "" {
			if err := checkTemplate(p.TestCommand); err != nil {
				errs = append(errs, ValidationError{Field: prefix + ".test_command", Value: p.TestCommand, Message: err.Error()})
			}
		}
	}
	return errs
}

func (c *Config) validateScheduler() []ValidationError {
	var errs []ValidationError
	s := c.Scheduler

	positive := []struct {
		field string
		value int
	}{
		{"scheduler.inactivity_timeout_minutes", s.InactivityTimeoutMinutes},
		{"scheduler.heartbeat_interval_seconds", s.HeartbeatIntervalSeconds},
		{"scheduler.monitor_interval_seconds", s.MonitorIntervalSeconds},
		{"scheduler.watchdog_interval_minutes", s.WatchdogIntervalMinutes},
		{"scheduler.demotion_threshold", s.DemotionThreshold},
		{"scheduler.max_priority", s.MaxPriority},
		{"scheduler.max_concurrent_coders", s.MaxConcurrentCoders},
		{"scheduler.output_buffer_size", s.OutputBufferSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Value: p.value, Message: "must be positive"})
		}
	}

	nonNegative := []struct {
		field string
		value int
	}{
		{"scheduler.kill_grace_seconds", s.KillGraceSeconds},
		{"scheduler.cooldown_seconds", s.CooldownSeconds},
		{"scheduler.retry_delay_seconds", s.RetryDelaySeconds},
		{"scheduler.error_delay_seconds", s.ErrorDelaySeconds},
		{"scheduler.max_infra_retries", s.MaxInfraRetries},
		{"scheduler.git_idle_timeout_seconds", s.GitIdleTimeoutSeconds},
	}
	for _, n := range nonNegative {
		if n.value < 0 {
			errs = append(errs, ValidationError{Field: n.field, Value: n.value, Message: "must be non-negative"})
		}
	}

	if s.HeartbeatIntervalSeconds > 0 && s.InactivityTimeoutMinutes > 0 &&
		s.HeartbeatIntervalSeconds >= s.InactivityTimeoutMinutes*60 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.heartbeat_interval_seconds",
			Value:   s.HeartbeatIntervalSeconds,
			Message: "must be shorter than the inactivity timeout",
		})
	}

	if !slices.Contains(ValidReviewModes(), s.ReviewMode) {
		errs = append(errs, ValidationError{
			Field:   "scheduler.review_mode",
			Value:   s.ReviewMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidReviewModes(), ", ")),
		})
	}

	if s.AgentName == "" {
		errs = append(errs, ValidationError{Field: "scheduler.agent_name", Value: s.AgentName, Message: "must not be empty"})
	}
	if !branchPrefixRegex.MatchString(s.BranchPrefix) {
		errs = append(errs, ValidationError{
			Field:   "scheduler.branch_prefix",
			Value:   s.BranchPrefix,
			Message: "must start with a letter and contain only letters, digits, '/', '_' or '-'",
		})
	}
	return errs
}

func (c *Config) validateAgents() []ValidationError {
	var errs []ValidationError
	roles := []struct {
		name string
		cmd  AgentCommand
	}{
		{"coder", c.Agents.Coder},
		{"reviewer", c.Agents.Reviewer},
		{"merger", c.Agents.Merger},
	}
	for _, r := range roles {
		if strings.TrimSpace(r.cmd.Command) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("agents.%s.command", r.name),
				Value:   r.cmd.Command,
				Message: "must not be empty",
			})
		}
		for i, kv := range r.cmd.Env {
			if !strings.Contains(kv, "=") {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("agents.%s.env[%d]", r.name, i),
					Value:   kv,
					Message: "must be KEY=VALUE",
				})
			}
		}
	}
	for i, link := range c.Agents.SharedLinks {
		if link == "" || strings.HasPrefix(link, "/") || strings.Contains(link, "..") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("agents.shared_links[%d]", i),
				Value:   link,
				Message: "must be a relative path inside the repository",
			})
		}
	}
	return errs
}

func (c *Config) validateTests() []ValidationError {
	var errs []ValidationError
	if err := checkTemplate(c.Tests.Command); err != nil {
		errs = append(errs, ValidationError{Field: "tests.command", Value: c.Tests.Command, Message: err.Error()})
	}
	for i, pattern := range c.Tests.Patterns {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("tests.patterns[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob: %v", err),
			})
		}
	}
	if c.Tests.TimeoutMinutes < 0 {
		errs = append(errs, ValidationError{Field: "tests.timeout_minutes", Value: c.Tests.TimeoutMinutes, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateBacklog() []ValidationError {
	if c.Backlog.DebounceMs < 0 {
		return []ValidationError{{Field: "backlog.debounce_ms", Value: c.Backlog.DebounceMs, Message: "must be non-negative"}}
	}
	return nil
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Value: c.Logging.MaxSizeMB, Message: "must be non-negative"})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Value: c.Logging.MaxBackups, Message: "must be non-negative"})
	}
	return errs
}

func checkTemplate(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("must not be empty")
	}
	if _, err := template.New("test").Parse(text); err != nil {
		return fmt.Errorf("invalid template: %v", err)
	}
	return nil
}

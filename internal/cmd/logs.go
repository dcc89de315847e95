package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the foreman log",
	Long: `View and filter the structured log written by foreman run.

Examples:
  # Last 50 entries
  foreman logs

  # Everything about one task
  foreman logs --task web-12 -n 0

  # Warnings and errors for one project, as they happen
  foreman logs -p web --level warn -f

  # Entries from the last hour mentioning a push
  foreman logs --since 1h --grep push`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail    int
	logsFollow  bool
	logsLevel   string
	logsSince   string
	logsGrep    string
	logsProject string
	logsTask    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new entries")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level (debug, info, warn, error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "only entries newer than this duration (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "only entries whose message or fields match this regex")
	logsCmd.Flags().StringVarP(&logsProject, "project", "p", "", "only entries for this project")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "only entries for this task")
}

// logEntry is one parsed JSON line of foreman.log.
type logEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Msg     string         `json:"msg"`
	Project string         `json:"project,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Phase   string         `json:"phase,omitempty"`
	Extra   map[string]any `json:"-"`
}

func (e *logEntry) UnmarshalJSON(data []byte) error {
	type alias logEntry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"time", "level", "msg", "project", "task_id", "phase"} {
		delete(all, k)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// levelRank orders levels for --level; unknown levels rank -1.
func levelRank(level string) int {
	return slices.Index(logging.ValidLevels(), strings.ToUpper(level))
}

// logFilter selects entries. Zero values match everything.
type logFilter struct {
	minLevel int
	since    time.Time
	pattern  *regexp.Regexp
	project  string
	task     string
}

func newLogFilter(now time.Time) (logFilter, error) {
	f := logFilter{minLevel: -1, project: logsProject, task: logsTask}
	if logsLevel != "" {
		f.minLevel = levelRank(logging.ParseLevel(logsLevel))
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return f, fmt.Errorf("invalid --since duration: %w", err)
		}
		f.since = now.Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return f, fmt.Errorf("invalid --grep pattern: %w", err)
		}
		f.pattern = re
	}
	return f, nil
}

func (f logFilter) match(e *logEntry) bool {
	if f.minLevel >= 0 && levelRank(e.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && e.Time.Before(f.since) {
		return false
	}
	if f.project != "" && e.Project != f.project {
		return false
	}
	if f.task != "" && e.TaskID != f.task {
		return false
	}
	if f.pattern != nil {
		text := e.Msg
		for _, v := range e.Extra {
			text += " " + fmt.Sprint(v)
		}
		if !f.pattern.MatchString(text) {
			return false
		}
	}
	return true
}

func (f logFilter) matchRaw(raw string) bool {
	if f.minLevel >= 0 || !f.since.IsZero() || f.project != "" || f.task != "" {
		return false
	}
	return f.pattern == nil || f.pattern.MatchString(raw)
}

// logPrinter renders entries, with ANSI colors when color is set.
type logPrinter struct {
	w     io.Writer
	color bool
}

func (p logPrinter) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + colorReset
}

func (p logPrinter) format(e *logEntry) string {
	var sb strings.Builder
	sb.WriteString(p.paint(colorGray, "["+e.Time.Local().Format("15:04:05.000")+"]"))
	sb.WriteString(" ")
	sb.WriteString(p.paint(levelColor(e.Level), fmt.Sprintf("%-5s", strings.ToUpper(e.Level))))
	sb.WriteString(" ")
	sb.WriteString(e.Msg)

	field := func(k string, v any) {
		sb.WriteString(" ")
		sb.WriteString(p.paint(colorCyan, k+"="))
		sb.WriteString(fmt.Sprint(v))
	}
	if e.Project != "" {
		field("project", e.Project)
	}
	if e.TaskID != "" {
		field("task_id", e.TaskID)
	}
	if e.Phase != "" {
		field("phase", e.Phase)
	}
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		field(k, e.Extra[k])
	}
	return sb.String()
}

// line formats one raw log line, or reports false when it is filtered out.
// Lines that are not JSON are passed through as-is unless a field filter is
// set.
func (p logPrinter) line(raw string, f logFilter) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	var e logEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return raw, f.matchRaw(raw)
	}
	if !f.match(&e) {
		return "", false
	}
	return p.format(&e), true
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	path := filepath.Join(a.cfg.Paths.ResolveStateDir(), "logs", logging.LogFileName)

	filter, err := newLogFilter(time.Now())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	p := logPrinter{w: out, color: isTerminal(out)}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(out, "No log yet at %s\n", path)
		return nil
	}
	if logsFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return followLog(ctx, path, p, filter)
	}
	return printLog(path, logsTail, p, filter)
}

func printLog(path string, tail int, p logPrinter, f logFilter) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if s, ok := p.line(scanner.Text(), f); ok {
			lines = append(lines, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	if len(lines) == 0 {
		fmt.Fprintln(p.w, "No matching log entries.")
		return nil
	}
	for _, s := range lines {
		fmt.Fprintln(p.w, s)
	}
	return nil
}

// followLog prints entries appended after the current end of the file
// until ctx is done. A rotation shows up as the file shrinking and restarts
// reading from the top of the new file.
func followLog(ctx context.Context, path string, p logPrinter, f logFilter) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer func() { _ = file.Close() }()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek log: %w", err)
	}
	reader := bufio.NewReader(file)
	var partial string

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		for {
			chunk, err := reader.ReadString('\n')
			offset += int64(len(chunk))
			if err != nil {
				partial += chunk
				break
			}
			if s, ok := p.line(partial+chunk, f); ok {
				fmt.Fprintln(p.w, s)
			}
			partial = ""
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil || info.Size() >= offset {
			continue
		}
		// Rotated.
		_ = file.Close()
		if file, err = os.Open(path); err != nil {
			return fmt.Errorf("failed to reopen log: %w", err)
		}
		reader.Reset(file)
		offset, partial = 0, ""
	}
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/heartbeat"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/scheduler"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/snapshot"
	"github.com/Iron-Ham/foreman/internal/testrunner"
	"github.com/Iron-Ham/foreman/internal/worktree"
)

// app holds what the commands share: the loaded config, the backlog, and,
// for commands that drive projects, one scheduler per project.
type app struct {
	cfg      *config.Config
	projects []config.ProjectConfig
	fs       afero.Fs
	logger   *logging.Logger
	store    *backlog.SQLiteStore
	bus      *event.Bus
	registry *scheduler.Registry
	locks    []*snapshot.Lock
}

// loadApp reads the config and resolves projects relative to the working
// directory. It opens nothing.
func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return &app{
		cfg:      cfg,
		projects: cfg.ResolveProjects(cwd),
		fs:       afero.NewOsFs(),
		logger:   logging.NopLogger(),
		bus:      event.NewBus(),
	}, nil
}

// openLogger replaces the no-op logger with one writing to the state dir.
func (a *app) openLogger() error {
	lc := a.cfg.Logging
	logger, err := logging.NewLoggerWithRotation(
		filepath.Join(a.cfg.Paths.ResolveStateDir(), "logs"),
		lc.Level,
		logging.RotationConfig{MaxSizeMB: lc.MaxSizeMB, MaxBackups: lc.MaxBackups, Compress: lc.Compress},
	)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) openBacklog() error {
	path := a.cfg.BacklogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create backlog directory: %w", err)
	}
	store, err := backlog.OpenSQLite(path)
	if err != nil {
		return fmt.Errorf("failed to open backlog %s: %w", path, err)
	}
	a.store = store
	return nil
}

// project returns the configured project with id, or the only project when
// id is empty.
func (a *app) project(id string) (config.ProjectConfig, error) {
	if id == "" {
		if len(a.projects) == 1 {
			return a.projects[0], nil
		}
		return config.ProjectConfig{}, fmt.Errorf("%d projects configured; choose one with --project", len(a.projects))
	}
	for _, p := range a.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return config.ProjectConfig{}, fmt.Errorf("unknown project %q", id)
}

// projectStores are the on-disk stores of one project's state directory.
type projectStores struct {
	dir        string
	snapshots  *snapshot.Store
	heartbeats *heartbeat.Store
	archive    *session.FileArchive
}

func (a *app) stores(projectID string) projectStores {
	dir := a.cfg.ProjectStateDir(projectID)
	return projectStores{
		dir:        dir,
		snapshots:  snapshot.NewStore(a.fs, dir),
		heartbeats: heartbeat.NewStore(a.fs, filepath.Join(dir, "heartbeats")),
		archive:    session.NewFileArchive(a.fs, filepath.Join(dir, "sessions")),
	}
}

// archiveFor wraps a project's file archive with the S3 mirror when one is
// configured.
func (a *app) archiveFor(primary session.Archive, mirror session.Archive) session.Archive {
	if mirror == nil {
		return primary
	}
	return session.NewMultiArchive(primary, a.logger, mirror)
}

func (a *app) s3Mirror(ctx context.Context) session.Archive {
	s3cfg := a.cfg.Archive.S3
	if !s3cfg.Enabled() {
		return nil
	}
	mirror, err := session.NewS3Archive(ctx, session.S3Config{Bucket: s3cfg.Bucket, Prefix: s3cfg.Prefix, Region: s3cfg.Region})
	if err != nil {
		a.logger.Warn("S3 session mirror disabled", "bucket", s3cfg.Bucket, "error", err)
		return nil
	}
	return mirror
}

// repository opens the git repository of p with worktrees kept in the
// project's state directory.
func (a *app) repository(p config.ProjectConfig) (*worktree.Manager, error) {
	repoDir, err := worktree.FindGitRoot(p.Repo)
	if err != nil {
		return nil, err
	}
	return worktree.New(worktree.Options{
		RepoDir:      repoDir,
		Trunk:        p.Trunk,
		Remote:       p.Remote,
		WorktreeDir:  filepath.Join(a.cfg.ProjectStateDir(p.ID), "worktrees"),
		BranchPrefix: a.cfg.Scheduler.BranchPrefix,
	})
}

// buildSchedulers creates one scheduler per project. With lock set, each
// project's state directory is locked first so a second foreman process
// cannot drive the same project.
func (a *app) buildSchedulers(ctx context.Context, lock bool) error {
	if a.store == nil {
		if err := a.openBacklog(); err != nil {
			return err
		}
	}
	if n := a.cfg.Scheduler.MaxConcurrentCoders; n > 1 {
		a.logger.Warn("max_concurrent_coders above 1 is not supported; running one coder per project", "configured", n)
	}

	a.registry = scheduler.NewRegistry(a.logger)
	launcher := agent.NewExecLauncher()
	mirror := a.s3Mirror(ctx)
	queues := make(map[string]*scheduler.MergeQueue)

	for _, p := range a.projects {
		st := a.stores(p.ID)
		if lock {
			l, err := snapshot.AcquireLock(a.fs, st.dir, p.ID, a.logger)
			if err != nil {
				return fmt.Errorf("project %s: %w", p.ID, err)
			}
			a.locks = append(a.locks, l)
		}

		repo, err := a.repository(p)
		if err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		repoDir := repo.RepoDir()

		// Projects sharing a repository share its trunk.
		queue, ok := queues[repoDir]
		if !ok {
			queue = scheduler.NewMergeQueue()
			queues[repoDir] = queue
		}

		deps := scheduler.Deps{
			Backlog:    a.store.Project(p.ID, a.cfg.Scheduler.AgentName),
			Repo:       repo,
			Launcher:   launcher,
			Archive:    a.archiveFor(st.archive, mirror),
			Snapshots:  st.snapshots,
			Heartbeats: st.heartbeats,
			MergeQueue: queue,
			Bus:        a.bus,
			Logger:     a.logger.WithProject(p.ID),
			Fs:         a.fs,
		}
		if p.TestCommand != "" {
			runner, err := testrunner.New(p.TestCommand, a.cfg.Tests.Patterns, a.cfg.Tests.Timeout())
			if err != nil {
				return fmt.Errorf("project %s: %w", p.ID, err)
			}
			deps.Tests = runner
		}

		s, err := scheduler.New(scheduler.OptionsFromConfig(a.cfg, p), deps)
		if err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		if err := a.registry.Add(s); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) close() {
	if a.registry != nil {
		a.registry.Shutdown()
	}
	for _, l := range a.locks {
		if err := l.Release(); err != nil {
			a.logger.Warn("failed to release project lock", "project", l.ProjectID, "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close backlog", "error", err)
		}
	}
	_ = a.logger.Close()
}

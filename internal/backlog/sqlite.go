package backlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SQLiteStore keeps every project's backlog in one sqlite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create backlog directory: %w", err)
		}
	}
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open backlog: %w", err)
	}
	// One connection serializes writers within the process and keeps a
	// :memory: database alive.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an open database, applying the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := NewMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate backlog: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Project returns the Backlog view of one project. Comments are authored
// as author.
func (s *SQLiteStore) Project(projectID, author string) *ProjectBacklog {
	return &ProjectBacklog{store: s, projectID: projectID, author: author}
}

// NewTask describes a task to create.
type NewTask struct {
	ID          string // generated as "<prefix>-<n>" when empty
	ProjectID   string
	Title       string
	Description string
	Type        Type
	Priority    int
}

// Create inserts a task in status open.
func (s *SQLiteStore) Create(ctx context.Context, nt NewTask, idPrefix string) (*Task, error) {
	if nt.ProjectID == "" {
		return nil, errors.NewValidationError("project is required").WithField("project")
	}
	if strings.TrimSpace(nt.Title) == "" {
		return nil, errors.NewValidationError("title is required").WithField("title")
	}
	if nt.Type == "" {
		nt.Type = TypeTask
	}
	if nt.Type != TypeTask && nt.Type != TypeEpic {
		return nil, errors.NewValidationError("unknown task type").WithField("type").WithValue(nt.Type)
	}
	if nt.Priority < 0 {
		return nil, errors.NewValidationError("priority must be non-negative").WithField("priority").WithValue(nt.Priority)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction failed: %w", err)
	}
	defer tx.Rollback()

	id := nt.ID
	if id == "" {
		var next int64
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks").Scan(&next); err != nil {
			return nil, fmt.Errorf("failed to allocate task id: %w", err)
		}
		id = idPrefix + "-" + strconv.FormatInt(next, 10)
	}

	now := formatTime(s.now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, type, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nt.ProjectID, nt.Title, nt.Description, StatusOpen, nt.Type, nt.Priority, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, errors.NewValidationError("task id already exists").WithField("id").WithValue(id)
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return s.show(ctx, "", id)
}

// AddDependency records that blockerID must close before taskID can run.
func (s *SQLiteStore) AddDependency(ctx context.Context, taskID, blockerID string) error {
	if taskID == blockerID {
		return errors.NewValidationError("a task cannot block itself").WithField("blocker").WithValue(blockerID)
	}
	for _, id := range []string{taskID, blockerID} {
		if _, err := s.show(ctx, "", id); err != nil {
			return err
		}
	}

	// Adding the edge closes a cycle if taskID already blocks blockerID.
	blocks, err := s.transitivelyBlocks(ctx, taskID, blockerID)
	if err != nil {
		return err
	}
	if blocks {
		return errors.NewTaskError(
			fmt.Sprintf("%s already depends on %s", blockerID, taskID),
			errors.ErrDependencyCycle,
		).WithTaskID(taskID).WithRetryable(false)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO task_dependencies (task_id, blocker_id, created_at) VALUES (?, ?, ?)",
		taskID, blockerID, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to add dependency: %w", err)
	}
	return nil
}

// transitivelyBlocks reports whether from is among target's blockers,
// directly or transitively.
func (s *SQLiteStore) transitivelyBlocks(ctx context.Context, from, target string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE blockers(id) AS (
			SELECT blocker_id FROM task_dependencies WHERE task_id = ?
			UNION
			SELECT d.blocker_id FROM task_dependencies d JOIN blockers b ON d.task_id = b.id
		)
		SELECT COUNT(*) FROM blockers WHERE id = ?`,
		target, from,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to walk dependencies: %w", err)
	}
	return count > 0, nil
}

// Blockers lists the tasks blocking id.
func (s *SQLiteStore) Blockers(ctx context.Context, id string) ([]*Task, error) {
	return s.query(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		JOIN task_dependencies d ON d.blocker_id = t.id
		WHERE d.task_id = ?
		ORDER BY t.seq`, id)
}

// Comments lists a task's comments oldest first.
func (s *SQLiteStore) Comments(ctx context.Context, id string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, author, body, created_at FROM task_comments WHERE task_id = ? ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		var created string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &created); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		c.CreatedAt = parseTime(created)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// Unblock reopens a blocked task, optionally resetting its priority.
func (s *SQLiteStore) Unblock(ctx context.Context, id string, priority *int) error {
	task, err := s.show(ctx, "", id)
	if err != nil {
		return err
	}
	if task.Status != StatusBlocked {
		return errors.NewTaskError("task is not blocked", errors.ErrTaskNotRunnable).WithTaskID(id)
	}
	return s.update(ctx, "", id, TaskUpdate{Status: Ptr(StatusOpen), Assignee: Ptr(""), Priority: priority})
}

const taskColumns = `t.id, t.project_id, t.title, t.description, t.status, t.type, t.priority,
	t.assignee, t.cumulative_attempts, t.close_summary, t.created_at, t.updated_at`

func scanTask(rows interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var created, updated string
	err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Type, &t.Priority,
		&t.Assignee, &t.CumulativeAttempts, &t.CloseSummary, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// projectFilter scopes a query to projectID; empty matches every project.
func projectFilter(projectID string) (string, []any) {
	if projectID == "" {
		return "", nil
	}
	return " AND t.project_id = ?", []any{projectID}
}

func (s *SQLiteStore) show(ctx context.Context, projectID, id string) (*Task, error) {
	filter, args := projectFilter(projectID)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks t WHERE t.id = ?"+filter,
		append([]any{id}, args...)...)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) list(ctx context.Context, projectID string) ([]*Task, error) {
	filter, args := projectFilter(projectID)
	return s.query(ctx,
		"SELECT "+taskColumns+" FROM tasks t WHERE 1 = 1"+filter+" ORDER BY t.priority, t.created_at, t.seq",
		args...)
}

func (s *SQLiteStore) ready(ctx context.Context, projectID string) ([]*Task, error) {
	filter, args := projectFilter(projectID)
	return s.query(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'open'`+filter+`
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks b ON b.id = d.blocker_id
			WHERE d.task_id = t.id AND b.status != 'closed'
		)
		ORDER BY t.priority, t.created_at, t.seq`, args...)
}

func (s *SQLiteStore) exec(ctx context.Context, projectID, id, set string, args ...any) error {
	filter, fargs := projectFilter(projectID)
	args = append(args, formatTime(s.now()), id)
	args = append(args, fargs...)
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET "+set+", updated_at = ? WHERE id = ?"+strings.ReplaceAll(filter, "t.", ""),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n == 0 {
		return errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	return nil
}

func (s *SQLiteStore) update(ctx context.Context, projectID, id string, u TaskUpdate) error {
	var sets []string
	var args []any
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.Assignee != nil {
		sets = append(sets, "assignee = ?")
		args = append(args, *u.Assignee)
	}
	if u.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *u.Priority)
	}
	if len(sets) == 0 {
		return nil
	}
	return s.exec(ctx, projectID, id, strings.Join(sets, ", "), args...)
}

func (s *SQLiteStore) comment(ctx context.Context, projectID, id, author, text string) error {
	if _, err := s.show(ctx, projectID, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_comments (task_id, author, body, created_at) VALUES (?, ?, ?, ?)",
		id, author, text, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to comment on task %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) blockersClosed(ctx context.Context, projectID, id string) (bool, error) {
	if _, err := s.show(ctx, projectID, id); err != nil {
		return false, err
	}
	var open int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_dependencies d
		JOIN tasks b ON b.id = d.blocker_id
		WHERE d.task_id = ? AND b.status != 'closed'`, id).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("failed to check blockers of %s: %w", id, err)
	}
	return open == 0, nil
}

// ListAll returns every task across projects.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*Task, error) {
	return s.list(ctx, "")
}

// Show loads a task from any project.
func (s *SQLiteStore) Show(ctx context.Context, id string) (*Task, error) {
	return s.show(ctx, "", id)
}

// AddComment appends a comment to any task.
func (s *SQLiteStore) AddComment(ctx context.Context, id, author, text string) error {
	return s.comment(ctx, "", id, author, text)
}

// ProjectBacklog is the Backlog of a single project.
type ProjectBacklog struct {
	store     *SQLiteStore
	projectID string
	author    string
}

var _ Backlog = (*ProjectBacklog)(nil)

func (p *ProjectBacklog) Ready(ctx context.Context) ([]*Task, error) {
	return p.store.ready(ctx, p.projectID)
}

func (p *ProjectBacklog) Show(ctx context.Context, id string) (*Task, error) {
	return p.store.show(ctx, p.projectID, id)
}

func (p *ProjectBacklog) Update(ctx context.Context, id string, update TaskUpdate) error {
	return p.store.update(ctx, p.projectID, id, update)
}

func (p *ProjectBacklog) Close(ctx context.Context, id, summary string) error {
	return p.store.exec(ctx, p.projectID, id, "status = ?, close_summary = ?", StatusClosed, summary)
}

func (p *ProjectBacklog) Comment(ctx context.Context, id, text string) error {
	return p.store.comment(ctx, p.projectID, id, p.author, text)
}

func (p *ProjectBacklog) GetCumulativeAttempts(ctx context.Context, id string) (int, error) {
	t, err := p.store.show(ctx, p.projectID, id)
	if err != nil {
		return 0, err
	}
	return t.CumulativeAttempts, nil
}

func (p *ProjectBacklog) SetCumulativeAttempts(ctx context.Context, id string, n int) error {
	if n < 0 {
		return errors.NewValidationError("attempts must be non-negative").WithField("cumulative_attempts").WithValue(n)
	}
	return p.store.exec(ctx, p.projectID, id, "cumulative_attempts = ?", n)
}

func (p *ProjectBacklog) AreAllBlockersClosed(ctx context.Context, id string) (bool, error) {
	return p.store.blockersClosed(ctx, p.projectID, id)
}

func (p *ProjectBacklog) ListAll(ctx context.Context) ([]*Task, error) {
	return p.store.list(ctx, p.projectID)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/example/dispatch/db/migrations"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteOptions struct {
	Path          string
	MaxAge        time.Duration
	TerminalGrace time.Duration
	Now           func() time.Time
}

// SQLiteStore is the durable backend. The database is the single source of
// truth: every mutation goes through SQL inside one transaction, there is no
// independently mutable in-memory copy to drift from it.
type SQLiteStore struct {
	db            *sql.DB
	maxAge        time.Duration
	terminalGrace time.Duration
	now           func() time.Time
}

func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.TerminalGrace <= 0 {
		opts.TerminalGrace = DefaultTerminalGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	db, err := sql.Open("sqlite3", opts.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent updates.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, maxAge: opts.MaxAge, terminalGrace: opts.TerminalGrace, now: opts.Now}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.SQLite)
	if err != nil {
		return err
	}
	for _, file := range files {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=?)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := fs.ReadFile(migrations.SQLite, file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, file, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const taskColumns = `seq, id, owner_id, type, payload, priority, status, retry_count, result, created_at, updated_at, completed_at, purge_after`

func (s *SQLiteStore) Enqueue(ctx context.Context, task TaskRecord) (TaskRecord, error) {
	now := s.now().UTC()
	task.Status = StatusPending
	task.RetryCount = 0
	task.Result = nil
	task.CompletedAt = time.Time{}
	task.PurgeAfter = time.Time{}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	payload, err := encodeDoc(task.Payload)
	if err != nil {
		return TaskRecord{}, fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, type, payload, priority, status, retry_count, result, created_at, updated_at, completed_at, purge_after)
		 VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, 0, 0)`,
		task.ID, task.OwnerID, task.Type, payload, task.Priority, task.Status,
		encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return TaskRecord{}, fmt.Errorf("%w: task %s already enqueued", ErrConflict, task.ID)
		}
		return TaskRecord{}, err
	}
	return task, nil
}

func (s *SQLiteStore) Get(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return task, true, nil
}

func (s *SQLiteStore) PollPending(ctx context.Context, ownerID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE owner_id = ? AND status IN (?, ?)
		 ORDER BY priority DESC, seq ASC
		 LIMIT ?`,
		ownerID, StatusPending, StatusProcessing, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskRecord, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, taskID, status string, result map[string]any) (StatusUpdate, error) {
	if !IsValidStatus(status) {
		return StatusUpdate{}, fmt.Errorf("%w: unknown status %q", ErrConflict, status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StatusUpdate{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusUpdate{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return StatusUpdate{}, err
	}
	previous := task.Status

	if previous == status {
		return StatusUpdate{Task: task, Previous: previous, Changed: false}, tx.Commit()
	}
	if !transitionAllowed(previous, status) {
		return StatusUpdate{}, fmt.Errorf("%w: cannot transition %s from %s to %s", ErrConflict, taskID, previous, status)
	}

	now := s.now().UTC()
	task.Status = status
	task.UpdatedAt = now
	if result != nil {
		task.Result = result
	}
	if IsTerminal(status) {
		task.CompletedAt = now
		task.PurgeAfter = now.Add(s.terminalGrace)
	}
	resultDoc, err := encodeNullableDoc(task.Result)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("encode result: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, updated_at = ?, completed_at = ?, purge_after = ? WHERE id = ?`,
		task.Status, resultDoc, encodeTime(task.UpdatedAt), encodeTime(task.CompletedAt), encodeTime(task.PurgeAfter), taskID); err != nil {
		return StatusUpdate{}, err
	}
	if err := tx.Commit(); err != nil {
		return StatusUpdate{}, err
	}
	return StatusUpdate{Task: task, Previous: previous, Changed: true}, nil
}

func (s *SQLiteStore) Retry(ctx context.Context, taskID string) (TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return TaskRecord{}, err
	}
	if IsTerminal(task.Status) {
		return TaskRecord{}, fmt.Errorf("%w: cannot retry %s task %s", ErrConflict, task.Status, taskID)
	}
	task.Status = StatusPending
	task.RetryCount++
	task.UpdatedAt = s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		task.Status, task.RetryCount, encodeTime(task.UpdatedAt), taskID); err != nil {
		return TaskRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return TaskRecord{}, err
	}
	return task, nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, now time.Time) (CleanupStats, error) {
	stats := CleanupStats{}
	cutoff := encodeTime(now.Add(-s.maxAge))

	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE updated_at < ?`, cutoff)
	if err != nil {
		return stats, err
	}
	abandoned, _ := res.RowsAffected()
	stats.Abandoned = int(abandoned)

	res, err = s.db.ExecContext(ctx, `DELETE FROM tasks WHERE purge_after > 0 AND purge_after <= ?`, encodeTime(now))
	if err != nil {
		return stats, err
	}
	terminal, _ := res.RowsAffected()
	stats.Terminal = int(terminal)
	return stats, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int, 4)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var (
		task                                         TaskRecord
		payload                                      string
		result                                       sql.NullString
		createdAt, updatedAt, completedAt, purgeAfter int64
	)
	err := row.Scan(&task.seq, &task.ID, &task.OwnerID, &task.Type, &payload, &task.Priority,
		&task.Status, &task.RetryCount, &result, &createdAt, &updatedAt, &completedAt, &purgeAfter)
	if err != nil {
		return TaskRecord{}, err
	}
	if err := json.Unmarshal([]byte(payload), &task.Payload); err != nil {
		return TaskRecord{}, fmt.Errorf("decode payload for %s: %w", task.ID, err)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &task.Result); err != nil {
			return TaskRecord{}, fmt.Errorf("decode result for %s: %w", task.ID, err)
		}
	}
	task.CreatedAt = decodeTime(createdAt)
	task.UpdatedAt = decodeTime(updatedAt)
	task.CompletedAt = decodeTime(completedAt)
	task.PurgeAfter = decodeTime(purgeAfter)
	return task, nil
}

func encodeDoc(doc map[string]any) (string, error) {
	if doc == nil {
		return "{}", nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeNullableDoc(doc map[string]any) (any, error) {
	if doc == nil {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func decodeTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

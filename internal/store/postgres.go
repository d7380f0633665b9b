package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/example/dispatch/db/migrations"
)

type PostgresOptions struct {
	DSN           string
	MaxAge        time.Duration
	TerminalGrace time.Duration
	Now           func() time.Time
}

// PostgresStore is the shared durable backend for multi-instance
// deployments. It speaks database/sql against the pgx stdlib driver, which
// the binary links; this package does not import it.
type PostgresStore struct {
	db            *sql.DB
	maxAge        time.Duration
	terminalGrace time.Duration
	now           func() time.Time
}

func NewPostgresStore(opts PostgresOptions) (*PostgresStore, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
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
	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db, maxAge: opts.MaxAge, terminalGrace: opts.TerminalGrace, now: opts.Now}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Postgres)
	if err != nil {
		return err
	}
	for _, file := range files {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := fs.ReadFile(migrations.Postgres, file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Enqueue(ctx context.Context, task TaskRecord) (TaskRecord, error) {
	now := p.now().UTC()
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
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, type, payload, priority, status, retry_count, result, created_at, updated_at, completed_at, purge_after)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, NULL, $7, $8, 0, 0)`,
		task.ID, task.OwnerID, task.Type, payload, task.Priority, task.Status,
		encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "SQLSTATE 23505") {
			return TaskRecord{}, fmt.Errorf("%w: task %s already enqueued", ErrConflict, task.ID)
		}
		return TaskRecord{}, err
	}
	return task, nil
}

func (p *PostgresStore) Get(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return task, true, nil
}

func (p *PostgresStore) PollPending(ctx context.Context, ownerID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE owner_id = $1 AND status IN ($2, $3)
		 ORDER BY priority DESC, seq ASC
		 LIMIT $4`,
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

func (p *PostgresStore) UpdateStatus(ctx context.Context, taskID, status string, result map[string]any) (StatusUpdate, error) {
	if !IsValidStatus(status) {
		return StatusUpdate{}, fmt.Errorf("%w: unknown status %q", ErrConflict, status)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return StatusUpdate{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// FOR UPDATE serializes concurrent reports for the same task; the loser
	// of the race sees the winner's status and gets the idempotent path or a
	// conflict.
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
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

	now := p.now().UTC()
	task.Status = status
	task.UpdatedAt = now
	if result != nil {
		task.Result = result
	}
	if IsTerminal(status) {
		task.CompletedAt = now
		task.PurgeAfter = now.Add(p.terminalGrace)
	}
	resultDoc, err := encodeNullableDoc(task.Result)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("encode result: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, result = $2, updated_at = $3, completed_at = $4, purge_after = $5 WHERE id = $6`,
		task.Status, resultDoc, encodeTime(task.UpdatedAt), encodeTime(task.CompletedAt), encodeTime(task.PurgeAfter), taskID); err != nil {
		return StatusUpdate{}, err
	}
	if err := tx.Commit(); err != nil {
		return StatusUpdate{}, err
	}
	return StatusUpdate{Task: task, Previous: previous, Changed: true}, nil
}

func (p *PostgresStore) Retry(ctx context.Context, taskID string) (TaskRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
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
	task.UpdatedAt = p.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, retry_count = $2, updated_at = $3 WHERE id = $4`,
		task.Status, task.RetryCount, encodeTime(task.UpdatedAt), taskID); err != nil {
		return TaskRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return TaskRecord{}, err
	}
	return task, nil
}

func (p *PostgresStore) Cleanup(ctx context.Context, now time.Time) (CleanupStats, error) {
	stats := CleanupStats{}
	cutoff := encodeTime(now.Add(-p.maxAge))

	res, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE updated_at < $1`, cutoff)
	if err != nil {
		return stats, err
	}
	abandoned, _ := res.RowsAffected()
	stats.Abandoned = int(abandoned)

	res, err = p.db.ExecContext(ctx, `DELETE FROM tasks WHERE purge_after > 0 AND purge_after <= $1`, encodeTime(now))
	if err != nil {
		return stats, err
	}
	terminal, _ := res.RowsAffected()
	stats.Terminal = int(terminal)
	return stats, nil
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
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

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

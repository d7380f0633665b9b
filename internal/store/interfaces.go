package store

import (
	"context"
	"time"
)

// Store is the task queue. Every method is safe for concurrent use;
// UpdateStatus and Retry apply their read-modify-write atomically per task.
type Store interface {
	Enqueue(ctx context.Context, task TaskRecord) (TaskRecord, error)
	Get(ctx context.Context, taskID string) (TaskRecord, bool, error)
	// PollPending returns up to limit pending or processing tasks for the
	// owner, priority descending then creation order ascending. It never
	// mutates state: claiming is the executing agent's problem.
	PollPending(ctx context.Context, ownerID string, limit int) ([]TaskRecord, error)
	UpdateStatus(ctx context.Context, taskID, status string, result map[string]any) (StatusUpdate, error)
	// Retry resets a non-terminal task to pending and bumps its retry
	// count. Terminal tasks stay terminal.
	Retry(ctx context.Context, taskID string) (TaskRecord, error)
	Cleanup(ctx context.Context, now time.Time) (CleanupStats, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	Close() error
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteTestStore(t *testing.T, now *time.Time) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.db")
	s, err := NewSQLiteStore(SQLiteOptions{
		Path: path,
		Now:  func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newSQLiteTestStore(t, &now)
	ctx := context.Background()

	payload := map[string]any{"title": "couch", "price": float64(150), "photos": []any{"a.jpg"}}
	if _, err := s.Enqueue(ctx, TaskRecord{ID: "task_sq1", OwnerID: "acct-1", Type: "post_listing", Payload: payload, Priority: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, ok, err := s.Get(ctx, "task_sq1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if task.Status != StatusPending || task.Priority != 3 {
		t.Fatalf("stored task = %+v", task)
	}
	if task.Payload["title"] != "couch" || task.Payload["price"] != float64(150) {
		t.Fatalf("payload did not survive the round trip: %+v", task.Payload)
	}
	if !task.CreatedAt.Equal(now) || !task.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps = created %v updated %v, want %v", task.CreatedAt, task.UpdatedAt, now)
	}

	if _, err := s.Enqueue(ctx, TaskRecord{ID: "task_sq1", OwnerID: "acct-1", Type: "post_listing"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate enqueue err = %v, want ErrConflict", err)
	}
}

func TestSQLiteStorePollOrdering(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newSQLiteTestStore(t, &now)
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority int
	}{
		{"task_a", 1}, {"task_b", 5}, {"task_c", 3}, {"task_d", 5},
	} {
		if _, err := s.Enqueue(ctx, TaskRecord{ID: tc.id, OwnerID: "acct-1", Type: "post_listing", Priority: tc.priority}); err != nil {
			t.Fatalf("enqueue %s: %v", tc.id, err)
		}
	}

	tasks, err := s.PollPending(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	want := []string{"task_b", "task_d", "task_c", "task_a"}
	if len(tasks) != len(want) {
		t.Fatalf("poll returned %d tasks, want %d", len(tasks), len(want))
	}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Fatalf("tasks[%d] = %s, want %s", i, tasks[i].ID, id)
		}
	}
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newSQLiteTestStore(t, &now)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, TaskRecord{ID: "task_lc1", OwnerID: "acct-1", Type: "scrape_inbox"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "task_lc1", StatusProcessing, nil); err != nil {
		t.Fatalf("processing: %v", err)
	}

	first, err := s.UpdateStatus(ctx, "task_lc1", StatusFailed, map[string]any{"error": "captcha"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !first.Changed || first.Task.CompletedAt.IsZero() {
		t.Fatalf("terminal update = %+v", first)
	}
	if !first.Task.PurgeAfter.Equal(now.Add(DefaultTerminalGrace)) {
		t.Fatalf("purgeAfter = %v, want %v", first.Task.PurgeAfter, now.Add(DefaultTerminalGrace))
	}

	now = now.Add(time.Minute)
	repeat, err := s.UpdateStatus(ctx, "task_lc1", StatusFailed, map[string]any{"error": "captcha"})
	if err != nil {
		t.Fatalf("repeat fail: %v", err)
	}
	if repeat.Changed || !repeat.Task.CompletedAt.Equal(first.Task.CompletedAt) {
		t.Fatalf("repeated terminal report mutated the record: %+v", repeat)
	}

	if _, err := s.UpdateStatus(ctx, "task_lc1", StatusProcessing, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("failed->processing err = %v, want ErrConflict", err)
	}
	if _, err := s.Retry(ctx, "task_lc1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("retry of terminal task err = %v, want ErrConflict", err)
	}
	if _, err := s.UpdateStatus(ctx, "task_missing", StatusCompleted, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreRetryAndCleanup(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	s := newSQLiteTestStore(t, &now)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, TaskRecord{ID: "task_old", OwnerID: "acct-1", Type: "send_message"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now = start.Add(30 * time.Minute)
	if _, err := s.Enqueue(ctx, TaskRecord{ID: "task_new", OwnerID: "acct-1", Type: "send_message"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "task_new", StatusProcessing, nil); err != nil {
		t.Fatalf("processing: %v", err)
	}
	task, err := s.Retry(ctx, "task_new")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if task.Status != StatusPending || task.RetryCount != 1 {
		t.Fatalf("after retry status=%s retryCount=%d, want pending/1", task.Status, task.RetryCount)
	}

	stats, err := s.Cleanup(ctx, start.Add(DefaultMaxAge+time.Second))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if stats.Abandoned != 1 || stats.Terminal != 0 {
		t.Fatalf("cleanup stats = %+v, want 1 abandoned", stats)
	}
	if _, ok, _ := s.Get(ctx, "task_old"); ok {
		t.Fatalf("stale task survived cleanup")
	}
	if _, ok, _ := s.Get(ctx, "task_new"); !ok {
		t.Fatalf("fresh task purged by cleanup")
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "dispatch.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(SQLiteOptions{Path: path, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Enqueue(ctx, TaskRecord{ID: "task_keep", OwnerID: "acct-1", Type: "post_listing", Payload: map[string]any{"n": float64(1)}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen runs the migrations again; already applied versions are skipped.
	s2, err := NewSQLiteStore(SQLiteOptions{Path: path, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	task, ok, err := s2.Get(ctx, "task_keep")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if task.Status != StatusPending || task.Payload["n"] != float64(1) {
		t.Fatalf("task after reopen = %+v", task)
	}
}

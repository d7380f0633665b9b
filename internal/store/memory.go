package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryOptions struct {
	MaxAge        time.Duration
	TerminalGrace time.Duration
	Now           func() time.Time
}

type MemoryStore struct {
	mu            sync.Mutex
	tasks         map[string]TaskRecord
	maxAge        time.Duration
	terminalGrace time.Duration
	now           func() time.Time
	nextSeq       uint64
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithOptions(MemoryOptions{})
}

func NewMemoryStoreWithOptions(opts MemoryOptions) *MemoryStore {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.TerminalGrace <= 0 {
		opts.TerminalGrace = DefaultTerminalGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryStore{
		tasks:         make(map[string]TaskRecord, 128),
		maxAge:        opts.MaxAge,
		terminalGrace: opts.TerminalGrace,
		now:           opts.Now,
		nextSeq:       1,
	}
}

func (m *MemoryStore) Enqueue(_ context.Context, task TaskRecord) (TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return TaskRecord{}, fmt.Errorf("%w: task %s already enqueued", ErrConflict, task.ID)
	}
	now := m.now().UTC()
	task.Status = StatusPending
	task.RetryCount = 0
	task.Result = nil
	task.CompletedAt = time.Time{}
	task.PurgeAfter = time.Time{}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.seq = m.nextSeq
	m.nextSeq++
	m.tasks[task.ID] = task
	return task, nil
}

func (m *MemoryStore) Get(_ context.Context, taskID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	return task, ok, nil
}

func (m *MemoryStore) PollPending(_ context.Context, ownerID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0, limit)
	for _, task := range m.tasks {
		if task.OwnerID != ownerID {
			continue
		}
		if task.Status != StatusPending && task.Status != StatusProcessing {
			continue
		}
		out = append(out, task)
	}
	// Priority first; insertion order breaks ties so equal priorities stay
	// FIFO even when CreatedAt collides within clock resolution.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, taskID, status string, result map[string]any) (StatusUpdate, error) {
	if !IsValidStatus(status) {
		return StatusUpdate{}, fmt.Errorf("%w: unknown status %q", ErrConflict, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return StatusUpdate{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	previous := task.Status

	if previous == status {
		// Idempotent repeat. A terminal repeat must not disturb
		// CompletedAt or the scheduled purge.
		return StatusUpdate{Task: task, Previous: previous, Changed: false}, nil
	}
	if !transitionAllowed(previous, status) {
		return StatusUpdate{}, fmt.Errorf("%w: cannot transition %s from %s to %s", ErrConflict, taskID, previous, status)
	}

	now := m.now().UTC()
	task.Status = status
	task.UpdatedAt = now
	if result != nil {
		task.Result = result
	}
	if IsTerminal(status) {
		task.CompletedAt = now
		task.PurgeAfter = now.Add(m.terminalGrace)
	}
	m.tasks[taskID] = task
	return StatusUpdate{Task: task, Previous: previous, Changed: true}, nil
}

func (m *MemoryStore) Retry(_ context.Context, taskID string) (TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return TaskRecord{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if IsTerminal(task.Status) {
		return TaskRecord{}, fmt.Errorf("%w: cannot retry %s task %s", ErrConflict, task.Status, taskID)
	}
	task.Status = StatusPending
	task.RetryCount++
	task.UpdatedAt = m.now().UTC()
	m.tasks[taskID] = task
	return task, nil
}

func (m *MemoryStore) Cleanup(_ context.Context, now time.Time) (CleanupStats, error) {
	cutoff := now.Add(-m.maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := CleanupStats{}
	for id, task := range m.tasks {
		if task.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			stats.Abandoned++
			continue
		}
		if !task.PurgeAfter.IsZero() && !task.PurgeAfter.After(now) {
			delete(m.tasks, id)
			stats.Terminal++
		}
	}
	return stats, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, 4)
	for _, task := range m.tasks {
		out[task.Status]++
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Package sweep runs the periodic maintenance jobs: expiring replay-cache
// entries and purging abandoned or settled tasks.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/dispatch/internal/store"
)

const (
	DefaultNonceInterval   = time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

// Target is the subset of the engine the sweeps drive.
type Target interface {
	SweepNonces(ctx context.Context) (int, error)
	CleanupTasks(ctx context.Context) (store.CleanupStats, error)
}

type Options struct {
	NonceInterval   time.Duration
	CleanupInterval time.Duration
	Logger          *log.Logger
}

// Runner schedules the sweeps on a shared cron instance. Job errors are
// logged and the schedule keeps going; a failed sweep retries at the next
// tick.
type Runner struct {
	target Target
	cron   *cron.Cron
	logger *log.Logger

	mu      sync.Mutex
	started bool
}

func NewRunner(target Target, opts Options) (*Runner, error) {
	if target == nil {
		return nil, errors.New("sweep: target is required")
	}
	if opts.NonceInterval <= 0 {
		opts.NonceInterval = DefaultNonceInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	r := &Runner{
		target: target,
		cron:   cron.New(),
		logger: opts.Logger,
	}
	if _, err := r.cron.AddFunc(every(opts.NonceInterval), r.runNonceSweep); err != nil {
		return nil, fmt.Errorf("schedule nonce sweep: %w", err)
	}
	if _, err := r.cron.AddFunc(every(opts.CleanupInterval), r.runCleanup); err != nil {
		return nil, fmt.Errorf("schedule cleanup: %w", err)
	}
	return r, nil
}

// Start begins the schedule. Starting twice is an error.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("sweep: already started")
	}
	r.started = true
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()
	<-r.cron.Stop().Done()
}

func (r *Runner) runNonceSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.RunNonceSweepOnce(ctx); err != nil {
		r.logger.Printf("sweep: nonce sweep failed: %v", err)
	}
}

func (r *Runner) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.RunCleanupOnce(ctx); err != nil {
		r.logger.Printf("sweep: cleanup failed: %v", err)
	}
}

// RunNonceSweepOnce runs a single nonce sweep outside the schedule.
func (r *Runner) RunNonceSweepOnce(ctx context.Context) (int, error) {
	return r.target.SweepNonces(ctx)
}

// RunCleanupOnce runs a single task cleanup outside the schedule.
func (r *Runner) RunCleanupOnce(ctx context.Context) (store.CleanupStats, error) {
	return r.target.CleanupTasks(ctx)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

package nonce

import (
	"context"
	"sync"
	"time"
)

// MaxAge matches the maximum signature age accepted by envelope
// verification. An entry is never evicted while the envelope that produced
// it could still verify.
const MaxAge = 5 * time.Minute

// Guard is the replay cache. Consume must be an atomic check-and-insert so
// two concurrent verifications of the same nonce cannot both pass.
type Guard interface {
	Consume(ctx context.Context, taskID, nonce string) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Sizer is implemented by guards that can report their entry count for the
// nonce_cache_size gauge.
type Sizer interface {
	Size() int
}

type MemoryGuard struct {
	mu      sync.Mutex
	maxAge  time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		maxAge:  MaxAge,
		entries: make(map[string]time.Time, 256),
		now:     time.Now,
	}
}

func key(taskID, nonce string) string {
	return taskID + ":" + nonce
}

// Consume records (taskID, nonce) and returns true exactly once; any repeat
// within MaxAge returns false.
func (g *MemoryGuard) Consume(_ context.Context, taskID, nonce string) (bool, error) {
	k := key(taskID, nonce)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.entries[k]; seen {
		return false, nil
	}
	g.entries[k] = g.now().UTC()
	return true, nil
}

// Sweep drops entries older than MaxAge and returns the number removed.
func (g *MemoryGuard) Sweep(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-g.maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for k, seenAt := range g.entries {
		if seenAt.Before(cutoff) {
			delete(g.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (g *MemoryGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Package presence tracks which worker accounts are online based on the
// heartbeats they send to the control plane.
package presence

import (
	"sync"
	"time"
)

// OnlineWindow is how long after its last heartbeat an account is still
// considered online.
const OnlineWindow = 60 * time.Second

type Status struct {
	OwnerID       string    `json:"ownerId"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Tracker records heartbeats and answers liveness queries. Entries are only
// ever overwritten with newer timestamps, so a late heartbeat from a slow
// network path cannot move an account backwards in time.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	beats  map[string]time.Time
	now    func() time.Time
}

func NewTracker() *Tracker {
	return NewTrackerWithWindow(OnlineWindow)
}

func NewTrackerWithWindow(window time.Duration) *Tracker {
	if window <= 0 {
		window = OnlineWindow
	}
	return &Tracker{
		window: window,
		beats:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// Heartbeat records a heartbeat for ownerID and returns the timestamp it was
// recorded at.
func (t *Tracker) Heartbeat(ownerID string) time.Time {
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.beats[ownerID]; !ok || now.After(prev) {
		t.beats[ownerID] = now
	}
	return t.beats[ownerID]
}

// IsOnline reports whether ownerID heartbeated within the online window.
// Unknown accounts are offline.
func (t *Tracker) IsOnline(ownerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.beats[ownerID]
	if !ok {
		return false
	}
	return t.now().UTC().Sub(last) < t.window
}

// LastHeartbeat returns the most recent heartbeat time for ownerID. The bool
// is false if the account has never heartbeated.
func (t *Tracker) LastHeartbeat(ownerID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.beats[ownerID]
	return last, ok
}

// Status returns the combined presence view for ownerID.
func (t *Tracker) Status(ownerID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.beats[ownerID]
	if !ok {
		return Status{OwnerID: ownerID}
	}
	return Status{
		OwnerID:       ownerID,
		Online:        t.now().UTC().Sub(last) < t.window,
		LastHeartbeat: last,
	}
}

// Snapshot returns the presence of every known account.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	out := make([]Status, 0, len(t.beats))
	for owner, last := range t.beats {
		out = append(out, Status{
			OwnerID:       owner,
			Online:        now.Sub(last) < t.window,
			LastHeartbeat: last,
		})
	}
	return out
}

// Prune drops accounts whose last heartbeat is older than maxAge. It returns
// the number of entries removed.
func (t *Tracker) Prune(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().UTC().Add(-maxAge)
	removed := 0
	for owner, last := range t.beats {
		if last.Before(cutoff) {
			delete(t.beats, owner)
			removed++
		}
	}
	return removed
}

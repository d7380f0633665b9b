package presence

import (
	"testing"
	"time"
)

func TestTrackerUnknownAccountOffline(t *testing.T) {
	tr := NewTracker()
	if tr.IsOnline("acct-ghost") {
		t.Fatalf("account with no heartbeats reported online")
	}
	if _, ok := tr.LastHeartbeat("acct-ghost"); ok {
		t.Fatalf("LastHeartbeat returned an entry for an unknown account")
	}
	st := tr.Status("acct-ghost")
	if st.Online || !st.LastHeartbeat.IsZero() {
		t.Fatalf("status for unknown account = %+v", st)
	}
}

func TestTrackerOnlineWindow(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	tr := NewTracker()
	tr.now = func() time.Time { return now }

	tr.Heartbeat("acct-1")

	now = t0.Add(59 * time.Second)
	if !tr.IsOnline("acct-1") {
		t.Fatalf("account offline at +59s, want online")
	}

	// The window is half-open: exactly 60s after the heartbeat is offline.
	now = t0.Add(60 * time.Second)
	if tr.IsOnline("acct-1") {
		t.Fatalf("account online at exactly +60s, want offline")
	}
	if st := tr.Status("acct-1"); st.Online {
		t.Fatalf("status online at exactly +60s: %+v", st)
	}

	now = t0.Add(61 * time.Second)
	if tr.IsOnline("acct-1") {
		t.Fatalf("account online at +61s, want offline")
	}

	// Any heartbeat restores the account immediately.
	tr.Heartbeat("acct-1")
	if !tr.IsOnline("acct-1") {
		t.Fatalf("account still offline right after a heartbeat")
	}
	last, ok := tr.LastHeartbeat("acct-1")
	if !ok || !last.Equal(t0.Add(61*time.Second)) {
		t.Fatalf("last heartbeat = %v ok=%v, want %v", last, ok, t0.Add(61*time.Second))
	}
}

func TestTrackerHeartbeatNeverMovesBackwards(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(10 * time.Second)
	tr := NewTracker()
	tr.now = func() time.Time { return now }

	tr.Heartbeat("acct-1")
	now = t0
	got := tr.Heartbeat("acct-1")
	if !got.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("heartbeat moved backwards to %v", got)
	}
}

func TestTrackerSnapshotAndPrune(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	tr := NewTracker()
	tr.now = func() time.Time { return now }

	tr.Heartbeat("acct-old")
	now = t0.Add(2 * time.Minute)
	tr.Heartbeat("acct-new")

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	online := map[string]bool{}
	for _, st := range snap {
		online[st.OwnerID] = st.Online
	}
	if online["acct-old"] || !online["acct-new"] {
		t.Fatalf("snapshot liveness = %v", online)
	}

	if removed := tr.Prune(time.Minute); removed != 1 {
		t.Fatalf("prune removed %d, want 1", removed)
	}
	if _, ok := tr.LastHeartbeat("acct-old"); ok {
		t.Fatalf("pruned account still present")
	}
	if !tr.IsOnline("acct-new") {
		t.Fatalf("fresh account lost during prune")
	}
}

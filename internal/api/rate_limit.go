package api

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// submitLimiter bounds task submissions per owner and globally over a sliding
// one minute window.
type submitLimiter struct {
	mu          sync.Mutex
	perOwnerMax int
	globalMax   int
	window      time.Duration
	owners      map[string][]int64
	global      []int64
}

func newSubmitLimiterFromEnv() *submitLimiter {
	perOwner := getenvIntRL("DISPATCH_SUBMIT_RATE_LIMIT_PER_MIN", 120)
	global := getenvIntRL("DISPATCH_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 2000)
	if perOwner < 0 {
		perOwner = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perOwnerMax: perOwner,
		globalMax:   global,
		window:      time.Minute,
		owners:      map[string][]int64{},
		global:      make([]int64, 0, 1024),
	}
}

// allow records one submission attempt and reports whether it is admitted,
// plus the owner's remaining budget in the current window. A zero limit
// disables that check.
func (l *submitLimiter) allow(ownerID string, now time.Time) (bool, int) {
	if l == nil || (l.perOwnerMax == 0 && l.globalMax == 0) {
		return true, -1
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false, l.remainingLocked(ownerID)
	}

	history := trimCutoff(l.owners[ownerID], cutoff)
	if l.perOwnerMax > 0 && len(history) >= l.perOwnerMax {
		l.owners[ownerID] = history
		return false, 0
	}

	history = append(history, ts)
	l.owners[ownerID] = history
	l.global = append(l.global, ts)
	return true, l.remainingLocked(ownerID)
}

func (l *submitLimiter) remainingLocked(ownerID string) int {
	if l.perOwnerMax == 0 {
		return -1
	}
	remaining := l.perOwnerMax - len(l.owners[ownerID])
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

func getenvIntRL(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

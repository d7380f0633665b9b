package store

import (
	"errors"
	"time"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	// DefaultMaxAge is how long an untouched task may linger before the
	// cleanup sweep treats it as abandoned, regardless of status.
	DefaultMaxAge = time.Hour
	// DefaultTerminalGrace is how long a completed or failed task stays
	// readable after its deletion was scheduled by the update path.
	DefaultTerminalGrace = 5 * time.Minute
)

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("conflicting task state")
)

// TaskRecord is the stored form of an automation instruction.
type TaskRecord struct {
	ID          string
	Type        string
	OwnerID     string
	Payload     map[string]any
	Priority    int
	Status      string
	RetryCount  int
	Result      map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	// PurgeAfter is zero until the first terminal transition schedules the
	// record for deletion.
	PurgeAfter time.Time

	seq uint64
}

// StatusUpdate reports the applied transition.
type StatusUpdate struct {
	Task     TaskRecord
	Previous string
	// Changed is false when the update was an idempotent repeat of an
	// already-terminal status.
	Changed bool
}

// CleanupStats counts records removed by one sweep pass.
type CleanupStats struct {
	Abandoned int
	Terminal  int
}

// IsValidStatus reports whether s is one of the four lifecycle states.
func IsValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedTransitions encodes the monotonic lifecycle. Idempotent repeats of
// a terminal status are handled separately by UpdateStatus.
var allowedTransitions = map[string]map[string]struct{}{
	StatusPending: {
		StatusProcessing: {},
		StatusCompleted:  {},
		StatusFailed:     {},
	},
	StatusProcessing: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

func transitionAllowed(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Mutation statuses. A mutation is visible to reconciliation only while
// pending; completed rows are deleted rather than retained.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Mutation is a user action captured while the server was unreachable,
// held durably until a reconciliation pass replays it.
type Mutation struct {
	ID          string
	OwnerID     string
	OpType      string
	PayloadJSON string
	Status      string // "pending", "processing", "completed", "failed"
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// CacheEntry is the last known-good snapshot for one logical dataset key
// (or one conversation thread). DataJSON is always a complete snapshot,
// never a delta, so a read can be served from cache as-is.
type CacheEntry struct {
	Key       string
	DataJSON  string
	UpdatedAt time.Time
}

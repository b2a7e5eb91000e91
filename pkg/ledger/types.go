package ledger

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a reward batch.
//
// Transitions: pending → processing → {completed | failed}. A failed batch
// returns to processing only through a recovery claim. Completed is a sink.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further processing.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

var (
	// ErrDuplicateBatch is returned when an externally supplied batch id collides
	// with an existing row.
	ErrDuplicateBatch = errors.New("batch id already exists")

	// ErrBatchNotFound is returned by reads for an unknown batch id.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrProgressConflict is returned when a level-progress update is applied out
	// of order or twice for the same level.
	ErrProgressConflict = errors.New("level progress conflict")

	// ErrInvalidTransition is returned when a status change is attempted from a
	// state that does not admit it.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RewardBatch is one reward-distribution run triggered by a single income
// event for one source user. The batch id is the idempotency key for the run.
type RewardBatch struct {
	BatchID          string
	SourceUserID     int64
	Currency         string
	EarnedAmount     float64
	LevelsProcessed  int
	InviterCount     *int // nil until chain resolution has completed once
	TotalDistributed float64
	Status           Status
	ErrorMessage     *string
	RecoveryAttempts int
	ProcessedAt      time.Time
	ClaimedAt        *time.Time
	CompletedAt      *time.Time
}

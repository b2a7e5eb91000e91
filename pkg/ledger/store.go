// Package ledger persists reward batches: one row per distribution event.
//
// Every mutation is a single conditional UPDATE, so each operation is atomic
// with respect to the one batch_id it touches. The Claim compare-and-swap is
// the engine's only mutual-exclusion boundary; it is scoped to a single batch,
// never to the whole engine.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unifarm/refdist/pkg/metrics"
)

const pgUniqueViolation = "23505"

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	// ClaimStaleAfter is how long a processing batch may go without progress
	// before a recovery claim may take it over. The executor refreshes the
	// claim on every level it records, so a live worker never goes stale.
	ClaimStaleAfter time.Duration
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.ClaimStaleAfter <= 0 {
		cfg.ClaimStaleAfter = 2 * time.Minute
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

const batchColumns = `batch_id, source_user_id, currency, earned_amount, levels_processed,
	inviter_count, total_distributed, status, error_message, recovery_attempts,
	processed_at, claimed_at, completed_at`

// CreateBatch inserts a fresh pending batch with an engine-generated id.
func (s *Store) CreateBatch(ctx context.Context, sourceUserID int64, currency string, earnedAmount float64) (string, error) {
	return s.CreateBatchWithID(ctx, uuid.NewString(), sourceUserID, currency, earnedAmount)
}

// CreateBatchWithID inserts a fresh pending batch under a caller-supplied id.
// Returns ErrDuplicateBatch if the id already exists.
func (s *Store) CreateBatchWithID(ctx context.Context, batchID string, sourceUserID int64, currency string, earnedAmount float64) (string, error) {
	s.log.Debug("ledger: creating batch",
		"batch_id", batchID, "source_user_id", sourceUserID, "currency", currency, "amount", earnedAmount)

	_, err := s.cfg.Pool.Exec(ctx, `
		INSERT INTO reward_batches (batch_id, source_user_id, currency, earned_amount, status)
		VALUES ($1, $2, $3, $4, 'pending')`,
		batchID, sourceUserID, currency, earnedAmount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return "", fmt.Errorf("batch %s: %w", batchID, ErrDuplicateBatch)
		}
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to insert batch: %w", err)
	}

	metrics.LedgerQueriesTotal.WithLabelValues("success").Inc()
	return batchID, nil
}

// Claim attempts to take exclusive ownership of a batch, transitioning it to
// processing. It succeeds for pending and failed batches, and for processing
// batches whose claim has gone stale (the previous worker died mid-run).
// Exactly one of several racing claimants wins: the update is a single
// compare-and-swap and a winner's fresh claimed_at makes the losers' WHERE
// clause no longer match.
func (s *Store) Claim(ctx context.Context, batchID string) (bool, error) {
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE reward_batches
		SET status = 'processing',
		    claimed_at = now(),
		    recovery_attempts = recovery_attempts + CASE WHEN status = 'failed' THEN 1 ELSE 0 END
		WHERE batch_id = $1
		  AND (status IN ('pending', 'failed')
		       OR (status = 'processing'
		           AND (claimed_at IS NULL OR claimed_at < now() - $2::interval)))`,
		batchID, s.cfg.ClaimStaleAfter)
	if err != nil {
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to claim batch %s: %w", batchID, err)
	}

	metrics.LedgerQueriesTotal.WithLabelValues("success").Inc()
	claimed := tag.RowsAffected() == 1
	s.log.Debug("ledger: claim attempt", "batch_id", batchID, "claimed", claimed)
	return claimed, nil
}

// SetInviterCount fixes the resolved chain length for a batch. It is written
// once, after the first successful chain resolution, and never changed.
func (s *Store) SetInviterCount(ctx context.Context, batchID string, count int) error {
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE reward_batches
		SET inviter_count = $2
		WHERE batch_id = $1 AND status = 'processing' AND inviter_count IS NULL`,
		batchID, count)
	if err != nil {
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to set inviter count for batch %s: %w", batchID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("batch %s: inviter count already fixed or batch not processing: %w", batchID, ErrInvalidTransition)
	}
	metrics.LedgerQueriesTotal.WithLabelValues("success").Inc()
	return nil
}

// RecordLevelProgress advances levels_processed to the given level and adds the
// credited amount to total_distributed. The levels_processed == level-1 guard
// rejects out-of-order and duplicate application, and the write refreshes the
// claim so a live worker never looks stale.
func (s *Store) RecordLevelProgress(ctx context.Context, batchID string, level int, creditedAmount float64) error {
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE reward_batches
		SET levels_processed = $2,
		    total_distributed = total_distributed + $3,
		    claimed_at = now()
		WHERE batch_id = $1 AND status = 'processing' AND levels_processed = $2 - 1`,
		batchID, level, creditedAmount)
	if err != nil {
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to record level %d for batch %s: %w", level, batchID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("batch %s level %d: %w", batchID, level, ErrProgressConflict)
	}
	metrics.LedgerQueriesTotal.WithLabelValues("success").Inc()
	return nil
}

// Complete marks a processing batch completed. Completed batches are immutable.
func (s *Store) Complete(ctx context.Context, batchID string) error {
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE reward_batches
		SET status = 'completed', error_message = NULL, completed_at = now()
		WHERE batch_id = $1 AND status = 'processing'`,
		batchID)
	if err != nil {
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to complete batch %s: %w", batchID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("batch %s is not processing: %w", batchID, ErrInvalidTransition)
	}
	metrics.LedgerQueriesTotal.WithLabelValues("success").Inc()
	s.log.Debug("ledger: batch completed", "batch_id", batchID)
	return nil
}

// Fail marks a processing batch failed with a message. Levels already recorded
// stay credited; a later recovery claim picks the batch up from where it was.
func (s *Store) Fail(ctx context.Context, batchID string, message string) error {
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE reward_batches
		SET status = 'failed', error_message = $2
		WHERE batch_id = $1 AND status = 'processing'`,
		batchID, message)
	if err != nil {
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to mark batch %s failed: %w", batchID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("batch %s is not processing: %w", batchID, ErrInvalidTransition)
	}
	metrics.LedgerQueriesTotal.WithLabelValues("success").Inc()
	s.log.Debug("ledger: batch failed", "batch_id", batchID, "message", message)
	return nil
}

// ListIncomplete returns batches in pending or processing state, oldest first.
// When includeFailed is set, failed batches with fewer than maxRecoveryAttempts
// recovery claims are included as well.
func (s *Store) ListIncomplete(ctx context.Context, includeFailed bool, maxRecoveryAttempts int) ([]RewardBatch, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+batchColumns+`
		FROM reward_batches
		WHERE status IN ('pending', 'processing')
		   OR ($1 AND status = 'failed' AND recovery_attempts < $2)
		ORDER BY processed_at`,
		includeFailed, maxRecoveryAttempts)
	if err != nil {
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list incomplete batches: %w", err)
	}
	defer rows.Close()

	var batches []RewardBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read incomplete batches: %w", err)
	}

	metrics.LedgerQueriesTotal.WithLabelValues("success").Inc()
	return batches, nil
}

// GetBatch returns a single batch by id, or ErrBatchNotFound.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*RewardBatch, error) {
	row := s.cfg.Pool.QueryRow(ctx, `
		SELECT `+batchColumns+`
		FROM reward_batches
		WHERE batch_id = $1`,
		batchID)

	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
		}
		metrics.LedgerQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}

	metrics.LedgerQueriesTotal.WithLabelValues("success").Inc()
	return &b, nil
}

func scanBatch(row pgx.Row) (RewardBatch, error) {
	var b RewardBatch
	var status string
	err := row.Scan(
		&b.BatchID,
		&b.SourceUserID,
		&b.Currency,
		&b.EarnedAmount,
		&b.LevelsProcessed,
		&b.InviterCount,
		&b.TotalDistributed,
		&status,
		&b.ErrorMessage,
		&b.RecoveryAttempts,
		&b.ProcessedAt,
		&b.ClaimedAt,
		&b.CompletedAt,
	)
	if err != nil {
		return RewardBatch{}, err
	}
	b.Status = Status(status)
	return b, nil
}

// Package wallet credits referral rewards to inviter balances and records an
// immutable ledger entry per credited (batch, level) pair.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
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

// LedgerEntry is one credited amount for one (batch, level) pair.
type LedgerEntry struct {
	BatchID   string
	Level     int
	UserID    int64
	Currency  string
	Amount    float64
	CreatedAt time.Time
}

// Credit adds amount to the user's balance and records the ledger entry for
// (batchID, level), in one transaction. The (batch_id, level) primary key makes
// the call idempotent: when the entry already exists the balance is not
// incremented again and the call reports success. The balance write is an
// atomic in-place increment, so concurrent batches crediting the same inviter
// cannot lose updates.
func (s *Store) Credit(ctx context.Context, batchID string, level int, userID int64, currency string, amount float64) error {
	s.log.Debug("wallet: crediting",
		"batch_id", batchID, "level", level, "user_id", userID, "currency", currency, "amount", amount)

	tx, err := s.cfg.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO reward_ledger_entries (batch_id, level, user_id, currency, amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (batch_id, level) DO NOTHING`,
		batchID, level, userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry for batch %s level %d: %w", batchID, level, err)
	}
	if tag.RowsAffected() == 0 {
		// Already credited by a previous attempt; nothing more to do.
		s.log.Debug("wallet: ledger entry already exists, skipping",
			"batch_id", batchID, "level", level)
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_balances (user_id, currency, balance, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, currency)
		DO UPDATE SET balance = wallet_balances.balance + EXCLUDED.balance, updated_at = now()`,
		userID, currency, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance for user %d: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit credit for batch %s level %d: %w", batchID, level, err)
	}
	return nil
}

// Balance returns the current balance for the given user and currency,
// or 0 when no balance row exists yet.
func (s *Store) Balance(ctx context.Context, userID int64, currency string) (float64, error) {
	var balance float64
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT balance FROM wallet_balances WHERE user_id = $1 AND currency = $2`,
		userID, currency).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read balance for user %d: %w", userID, err)
	}
	return balance, nil
}

// SumForBatch returns the sum of ledger-entry amounts recorded for a batch.
func (s *Store) SumForBatch(ctx context.Context, batchID string) (float64, error) {
	var sum float64
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM reward_ledger_entries WHERE batch_id = $1`,
		batchID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries for batch %s: %w", batchID, err)
	}
	return sum, nil
}

// EntriesForBatch returns the ledger entries for a batch ordered by level.
func (s *Store) EntriesForBatch(ctx context.Context, batchID string) ([]LedgerEntry, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT batch_id, level, user_id, currency, amount, created_at
		FROM reward_ledger_entries
		WHERE batch_id = $1
		ORDER BY level`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.BatchID, &e.Level, &e.UserID, &e.Currency, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger entries for batch %s: %w", batchID, err)
	}
	return entries, nil
}

// Package distributor orchestrates multi-level referral reward distribution:
// it resolves the inviter chain for a source user's income event, applies the
// rate table, credits each inviter through the wallet collaborator, and
// advances durable batch progress one level at a time.
//
// The design is crash-only: any abrupt termination leaves the batch in
// processing with an accurate levels_processed, and resumption is always safe
// because crediting is idempotent per (batch, level) and progress updates are
// guarded to apply strictly in order.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unifarm/refdist/pkg/chain"
	"github.com/unifarm/refdist/pkg/ledger"
	"github.com/unifarm/refdist/pkg/metrics"
	"github.com/unifarm/refdist/pkg/rate"
	"github.com/unifarm/refdist/pkg/retry"
)

// DefaultMinRewardThreshold is the smallest per-level reward worth crediting.
// Rewards below it advance progress with zero credit instead of leaving
// permanently stuck fractional-reward batches.
const DefaultMinRewardThreshold = 1e-6

var (
	// ErrInvalidAmount is returned when a distribution is requested with a
	// non-positive or non-finite amount. Nothing is persisted in that case.
	ErrInvalidAmount = errors.New("earned amount must be positive and finite")

	// ErrInvalidCurrency is returned when a distribution is requested without a
	// currency code. Nothing is persisted in that case.
	ErrInvalidCurrency = errors.New("currency is required")

	// ErrAlreadyClaimed is returned by Resume when another worker holds the
	// batch or the batch is terminal. It is the expected outcome of losing a
	// recovery race, not a failure.
	ErrAlreadyClaimed = errors.New("batch already claimed or terminal")
)

// Ledger is the batch persistence collaborator (see pkg/ledger).
type Ledger interface {
	CreateBatch(ctx context.Context, sourceUserID int64, currency string, earnedAmount float64) (string, error)
	Claim(ctx context.Context, batchID string) (bool, error)
	SetInviterCount(ctx context.Context, batchID string, count int) error
	RecordLevelProgress(ctx context.Context, batchID string, level int, creditedAmount float64) error
	Complete(ctx context.Context, batchID string) error
	Fail(ctx context.Context, batchID string, message string) error
	ListIncomplete(ctx context.Context, includeFailed bool, maxRecoveryAttempts int) ([]ledger.RewardBatch, error)
	GetBatch(ctx context.Context, batchID string) (*ledger.RewardBatch, error)
}

// Wallet is the external wallet collaborator. Credit must apply an atomic
// account-level increment and must be idempotent per (batchID, level).
type Wallet interface {
	Credit(ctx context.Context, batchID string, level int, userID int64, currency string, amount float64) error
}

// ChainResolver produces the ordered inviter chain above a source user.
type ChainResolver interface {
	ResolveChain(ctx context.Context, sourceUserID int64) ([]chain.Link, error)
}

type ExecutorConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Rates    *rate.Table
	Resolver ChainResolver
	Wallet   Wallet
	Ledger   Ledger

	// Retry bounds the per-level wallet credit attempts.
	Retry retry.Config

	// MinRewardThreshold is the smallest reward that is actually credited;
	// smaller rewards advance progress with zero credit.
	MinRewardThreshold float64
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Rates == nil {
		return errors.New("rate table is required")
	}
	if cfg.Resolver == nil {
		return errors.New("chain resolver is required")
	}
	if cfg.Wallet == nil {
		return errors.New("wallet is required")
	}
	if cfg.Ledger == nil {
		return errors.New("batch ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.MinRewardThreshold <= 0 {
		cfg.MinRewardThreshold = DefaultMinRewardThreshold
	}
	return nil
}

type Executor struct {
	log *slog.Logger
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Distribute runs a fresh distribution for one income event and returns the
// batch id. Validation failures abort before anything is persisted. A non-nil
// error alongside a non-empty batch id means the batch exists and will be
// picked up by a later recovery pass.
func (e *Executor) Distribute(ctx context.Context, sourceUserID int64, currency string, earnedAmount float64) (string, error) {
	if currency == "" {
		return "", ErrInvalidCurrency
	}
	if earnedAmount <= 0 || math.IsNaN(earnedAmount) || math.IsInf(earnedAmount, 0) {
		return "", fmt.Errorf("amount %v: %w", earnedAmount, ErrInvalidAmount)
	}

	batchID, err := e.cfg.Ledger.CreateBatch(ctx, sourceUserID, currency, earnedAmount)
	if err != nil {
		metrics.DistributionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to create batch: %w", err)
	}

	e.log.Info("executor: distribution started",
		"batch_id", batchID, "source_user_id", sourceUserID, "currency", currency, "amount", earnedAmount)

	claimed, err := e.cfg.Ledger.Claim(ctx, batchID)
	if err != nil {
		// The pending batch stays behind for recovery.
		metrics.DistributionsTotal.WithLabelValues("error").Inc()
		return batchID, fmt.Errorf("failed to claim batch %s: %w", batchID, err)
	}
	if !claimed {
		return batchID, fmt.Errorf("batch %s: %w", batchID, ErrAlreadyClaimed)
	}

	b := &ledger.RewardBatch{
		BatchID:      batchID,
		SourceUserID: sourceUserID,
		Currency:     currency,
		EarnedAmount: earnedAmount,
		Status:       ledger.StatusProcessing,
	}
	return batchID, e.run(ctx, b)
}

// Resume continues an interrupted batch from its last persisted level. The
// claim compare-and-swap makes concurrent resumption safe: the loser gets
// ErrAlreadyClaimed and must not touch the batch.
func (e *Executor) Resume(ctx context.Context, batchID string) error {
	claimed, err := e.cfg.Ledger.Claim(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to claim batch %s: %w", batchID, err)
	}
	if !claimed {
		return fmt.Errorf("batch %s: %w", batchID, ErrAlreadyClaimed)
	}

	b, err := e.cfg.Ledger.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}

	e.log.Info("executor: resuming batch",
		"batch_id", batchID, "levels_processed", b.LevelsProcessed, "recovery_attempts", b.RecoveryAttempts)

	return e.run(ctx, b)
}

// run processes the remaining levels of a claimed batch. b must reflect the
// persisted state at claim time; its Status is processing.
func (e *Executor) run(ctx context.Context, b *ledger.RewardBatch) error {
	start := time.Now()

	links, err := e.cfg.Resolver.ResolveChain(ctx, b.SourceUserID)
	if err != nil {
		e.failBatch(ctx, b.BatchID, fmt.Sprintf("chain resolution: %v", err))
		metrics.DistributionsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to resolve chain for batch %s: %w", b.BatchID, err)
	}

	if b.InviterCount == nil {
		n := len(links)
		if err := e.cfg.Ledger.SetInviterCount(ctx, b.BatchID, n); err != nil {
			// Persistence trouble: leave the batch as-is for recovery.
			metrics.DistributionsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("failed to persist inviter count for batch %s: %w", b.BatchID, err)
		}
		b.InviterCount = &n
	} else if len(links) != *b.InviterCount {
		// The chain length is fixed at first resolution; directory edits made
		// after that must not change what this batch pays out.
		e.log.Warn("executor: resolved chain length differs from fixed inviter count",
			"batch_id", b.BatchID, "resolved", len(links), "fixed", *b.InviterCount)
		if len(links) > *b.InviterCount {
			links = links[:*b.InviterCount]
		}
	}

	for _, link := range links {
		if link.Level <= b.LevelsProcessed {
			continue
		}

		reward := b.EarnedAmount * e.cfg.Rates.RateForLevel(link.Level)
		credited := 0.0

		if reward < e.cfg.MinRewardThreshold {
			e.log.Debug("executor: reward below threshold, advancing with zero credit",
				"batch_id", b.BatchID, "level", link.Level, "reward", reward)
			metrics.LevelsSkippedTotal.Inc()
		} else {
			err := retry.Do(ctx, e.cfg.Retry, func() error {
				return e.cfg.Wallet.Credit(ctx, b.BatchID, link.Level, link.InviterID, b.Currency, reward)
			})
			if err != nil {
				// Forward-only: levels already recorded stay credited; the
				// remaining levels wait for a recovery pass.
				msg := fmt.Sprintf("credit level %d to user %d: %v", link.Level, link.InviterID, err)
				e.failBatch(ctx, b.BatchID, msg)
				metrics.DistributionsTotal.WithLabelValues("failed").Inc()
				return fmt.Errorf("failed to credit level %d of batch %s: %w", link.Level, b.BatchID, err)
			}
			credited = reward
			metrics.LevelsCreditedTotal.Inc()
			metrics.CreditedAmountTotal.WithLabelValues(b.Currency).Add(reward)
		}

		if err := e.cfg.Ledger.RecordLevelProgress(ctx, b.BatchID, link.Level, credited); err != nil {
			// The credit (if any) is durable and idempotent; recovery replays
			// the level safely. No further writes under storage instability.
			metrics.DistributionsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("failed to record progress for batch %s: %w", b.BatchID, err)
		}
		b.LevelsProcessed = link.Level
	}

	if err := e.cfg.Ledger.Complete(ctx, b.BatchID); err != nil {
		metrics.DistributionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to complete batch %s: %w", b.BatchID, err)
	}

	duration := time.Since(start)
	metrics.DistributionsTotal.WithLabelValues("completed").Inc()
	metrics.DistributionDuration.Observe(duration.Seconds())
	e.log.Info("executor: distribution completed",
		"batch_id", b.BatchID, "levels", b.LevelsProcessed, "duration", duration.String())
	return nil
}

// failBatch records a terminal-for-now failure. Errors here mean the batch
// ledger itself is unhealthy; the batch is left as-is for a recovery pass.
func (e *Executor) failBatch(ctx context.Context, batchID, message string) {
	if err := e.cfg.Ledger.Fail(ctx, batchID, message); err != nil {
		e.log.Error("executor: failed to mark batch failed",
			"batch_id", batchID, "message", message, "error", err)
	}
}

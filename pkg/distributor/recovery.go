package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/unifarm/refdist/pkg/metrics"
)

// Resumer is the executor surface the scanner drives.
type Resumer interface {
	Resume(ctx context.Context, batchID string) error
}

type ScannerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Ledger   Ledger
	Executor Resumer

	// Interval between periodic recovery passes after the mandatory startup
	// pass. Zero disables the periodic loop (Start still runs once).
	Interval time.Duration

	// MaxRecoveryAttempts caps how often the periodic scanner re-claims a
	// failed batch before treating it as terminal.
	MaxRecoveryAttempts int

	// MaxConcurrency bounds how many batches are resumed in parallel.
	MaxConcurrency int
}

func (cfg *ScannerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("batch ledger is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 5
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return nil
}

// Scanner finds interrupted batches and resumes them through the executor.
// It runs once at process startup to repair batches left behind by the
// previous process, and optionally on a timer to retry failed batches.
type Scanner struct {
	log *slog.Logger
	cfg ScannerConfig
}

func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scanner{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Start runs the mandatory startup pass, then a periodic loop when Interval is
// configured. It returns after launching the loop.
func (s *Scanner) Start(ctx context.Context) {
	go func() {
		s.log.Info("recovery: starting", "interval", s.cfg.Interval)

		s.safeRecover(ctx)

		if s.cfg.Interval <= 0 {
			return
		}
		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeRecover(ctx)
			}
		}
	}()
}

func (s *Scanner) safeRecover(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovery: pass panicked", "panic", r)
			metrics.RecoveryPassesTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := s.RecoverIncompleteBatches(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("recovery: pass failed", "error", err)
	}
}

// RecoverIncompleteBatches resumes every batch that is not in a terminal
// state, plus failed batches with remaining recovery budget, and returns the
// number successfully resumed to completion. Losing a claim race to another
// worker is not an error.
func (s *Scanner) RecoverIncompleteBatches(ctx context.Context) (int, error) {
	batches, err := s.cfg.Ledger.ListIncomplete(ctx, true, s.cfg.MaxRecoveryAttempts)
	if err != nil {
		metrics.RecoveryPassesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to list incomplete batches: %w", err)
	}
	if len(batches) == 0 {
		metrics.RecoveryPassesTotal.WithLabelValues("success").Inc()
		return 0, nil
	}

	s.log.Info("recovery: resuming incomplete batches", "count", len(batches))

	var resumed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, b := range batches {
		g.Go(func() error {
			err := s.cfg.Executor.Resume(gctx, b.BatchID)
			switch {
			case err == nil:
				resumed.Add(1)
			case errors.Is(err, ErrAlreadyClaimed):
				s.log.Debug("recovery: batch claimed elsewhere, skipping", "batch_id", b.BatchID)
			default:
				// The batch keeps its state; a later pass retries it.
				s.log.Warn("recovery: failed to resume batch", "batch_id", b.BatchID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RecoveryPassesTotal.WithLabelValues("error").Inc()
		return int(resumed.Load()), err
	}

	n := int(resumed.Load())
	metrics.RecoveryPassesTotal.WithLabelValues("success").Inc()
	metrics.RecoveryResumedTotal.Add(float64(n))
	s.log.Info("recovery: pass completed", "resumed", n, "candidates", len(batches))
	return n, nil
}

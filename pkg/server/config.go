package server

import (
	"context"
	"errors"
	"time"

	"github.com/unifarm/refdist/pkg/ledger"
	"github.com/unifarm/refdist/pkg/wallet"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Distributor runs a fresh distribution for one income event.
type Distributor interface {
	Distribute(ctx context.Context, sourceUserID int64, currency string, earnedAmount float64) (string, error)
}

// Recoverer runs one recovery pass over incomplete batches.
type Recoverer interface {
	RecoverIncompleteBatches(ctx context.Context) (int, error)
}

// BatchReader reads batch state for the read endpoints.
type BatchReader interface {
	GetBatch(ctx context.Context, batchID string) (*ledger.RewardBatch, error)
}

// EntryReader reads the credited ledger entries of a batch.
type EntryReader interface {
	EntriesForBatch(ctx context.Context, batchID string) ([]wallet.LedgerEntry, error)
}

// Pinger reports storage health for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Distributor Distributor
	Recoverer   Recoverer
	Batches     BatchReader
	Entries     EntryReader

	// Pinger backs /readyz. Nil means always ready.
	Pinger Pinger

	// RateLimitPerMinute bounds requests per client IP. Zero disables limiting.
	RateLimitPerMinute int
	RateLimitBurst     int
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Distributor == nil {
		return errors.New("distributor is required")
	}
	if cfg.Recoverer == nil {
		return errors.New("recoverer is required")
	}
	if cfg.Batches == nil {
		return errors.New("batch reader is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimitPerMinute > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	return nil
}

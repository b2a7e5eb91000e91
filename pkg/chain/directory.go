package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGDirectoryConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PGDirectoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PGDirectory reads inviter links from the user_referrals table. The table is
// a read model: the platform that owns user accounts syncs links into it, and
// the resolver only ever reads.
type PGDirectory struct {
	log *slog.Logger
	cfg PGDirectoryConfig
}

func NewPGDirectory(cfg PGDirectoryConfig) (*PGDirectory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PGDirectory{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (d *PGDirectory) ImmediateInviter(ctx context.Context, userID int64) (int64, bool, error) {
	var inviterID *int64
	err := d.cfg.Pool.QueryRow(ctx, `
		SELECT inviter_id FROM user_referrals WHERE user_id = $1`,
		userID).Scan(&inviterID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to look up inviter of user %d: %w", userID, err)
	}
	if inviterID == nil {
		return 0, false, nil
	}
	return *inviterID, true, nil
}

// SetInviter records who invited a user, for sync jobs and tests. A nil
// inviter marks the user as having no inviter.
func (d *PGDirectory) SetInviter(ctx context.Context, userID int64, inviterID *int64) error {
	_, err := d.cfg.Pool.Exec(ctx, `
		INSERT INTO user_referrals (user_id, inviter_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET inviter_id = EXCLUDED.inviter_id`,
		userID, inviterID)
	if err != nil {
		return fmt.Errorf("failed to set inviter of user %d: %w", userID, err)
	}
	return nil
}

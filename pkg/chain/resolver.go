// Package chain resolves the ordered ancestor chain of inviters above a user.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// MaxDepth bounds how far up the inviter chain resolution walks.
const MaxDepth = 20

// Directory is the external user-directory collaborator. It answers single-hop
// parent lookups: who invited the given user, if anyone.
type Directory interface {
	ImmediateInviter(ctx context.Context, userID int64) (inviterID int64, ok bool, err error)
}

// Link is one resolved level of a referral chain.
type Link struct {
	Level     int
	InviterID int64
}

type ResolverConfig struct {
	Logger    *slog.Logger
	Directory Directory
}

func (cfg *ResolverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	return nil
}

type Resolver struct {
	log *slog.Logger
	cfg ResolverConfig
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// ResolveChain walks the inviter links above sourceUserID and returns the
// ordered chain, levels numbered from 1. It stops when there is no further
// inviter, when MaxDepth levels have been collected, or when an id repeats.
// A repeated id means the underlying parent links are corrupt (a legitimate
// referral graph is acyclic); the chain is truncated silently at that point.
// Directory lookup failures are returned as errors.
//
// This is a pure read: no side effects, safe to call repeatedly.
func (r *Resolver) ResolveChain(ctx context.Context, sourceUserID int64) ([]Link, error) {
	seen := map[int64]struct{}{sourceUserID: {}}
	chain := make([]Link, 0, MaxDepth)

	current := sourceUserID
	for level := 1; level <= MaxDepth; level++ {
		inviterID, ok, err := r.cfg.Directory.ImmediateInviter(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve inviter of user %d at level %d: %w", current, level, err)
		}
		if !ok {
			break
		}
		if _, dup := seen[inviterID]; dup {
			r.log.Warn("chain: cycle detected in referral links, truncating",
				"source_user_id", sourceUserID, "repeated_user_id", inviterID, "level", level)
			break
		}
		seen[inviterID] = struct{}{}
		chain = append(chain, Link{Level: level, InviterID: inviterID})
		current = inviterID
	}

	return chain, nil
}

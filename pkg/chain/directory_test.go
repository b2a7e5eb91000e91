package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unifarm/refdist/pkg/pgtest"
	refdisttesting "github.com/unifarm/refdist/pkg/testing"
)

func TestRefdist_Chain_PGDirectory(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		dir, err := NewPGDirectory(PGDirectoryConfig{})
		require.Error(t, err)
		require.Nil(t, dir)
	})

	log := refdisttesting.NewLogger()
	db, err := pgtest.NewDB(context.Background(), log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	pgtest.Migrate(t, db)
	pool := pgtest.NewTestPool(t, db)

	dir, err := NewPGDirectory(PGDirectoryConfig{Logger: log, Pool: pool})
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("unknown user has no inviter", func(t *testing.T) {
		_, ok, err := dir.ImmediateInviter(ctx, 404)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("reads a synced link", func(t *testing.T) {
		inviter := int64(2)
		require.NoError(t, dir.SetInviter(ctx, 1, &inviter))

		got, ok, err := dir.ImmediateInviter(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(2), got)
	})

	t.Run("null inviter means no inviter", func(t *testing.T) {
		require.NoError(t, dir.SetInviter(ctx, 3, nil))

		_, ok, err := dir.ImmediateInviter(ctx, 3)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("resolves a synced chain end to end", func(t *testing.T) {
		// 10 <- 11 <- 12
		for _, link := range []struct{ user, inviter int64 }{{10, 11}, {11, 12}} {
			inviter := link.inviter
			require.NoError(t, dir.SetInviter(ctx, link.user, &inviter))
		}

		resolver, err := NewResolver(ResolverConfig{Logger: log, Directory: dir})
		require.NoError(t, err)

		links, err := resolver.ResolveChain(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []Link{{Level: 1, InviterID: 11}, {Level: 2, InviterID: 12}}, links)
	})
}

package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	refdisttesting "github.com/unifarm/refdist/pkg/testing"
)

// nextUserID hands out user ids that do not collide across parallel subtests
// sharing one database.
var nextUserID struct {
	sync.Mutex
	n int64
}

func testUserID() int64 {
	nextUserID.Lock()
	defer nextUserID.Unlock()
	nextUserID.n++
	return 1_000_000 + nextUserID.n
}

func TestRefdist_Wallet_NewStore(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing pool", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: refdisttesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "postgres pool is required")
	})
}

func TestRefdist_Wallet_Credit(t *testing.T) {
	t.Parallel()

	t.Run("credits balance and records the ledger entry", func(t *testing.T) {
		t.Parallel()
		store := testStore(t)
		ctx := context.Background()
		userID := testUserID()
		batchID := uuid.NewString()

		require.NoError(t, store.Credit(ctx, batchID, 1, userID, "UNI", 10))

		balance, err := store.Balance(ctx, userID, "UNI")
		require.NoError(t, err)
		require.InDelta(t, 10.0, balance, 1e-9)

		entries, err := store.EntriesForBatch(ctx, batchID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, 1, entries[0].Level)
		require.Equal(t, userID, entries[0].UserID)
		require.InDelta(t, 10.0, entries[0].Amount, 1e-9)
		require.False(t, entries[0].CreatedAt.IsZero())
	})

	t.Run("replaying a credited level does not double-credit", func(t *testing.T) {
		t.Parallel()
		store := testStore(t)
		ctx := context.Background()
		userID := testUserID()
		batchID := uuid.NewString()

		require.NoError(t, store.Credit(ctx, batchID, 1, userID, "UNI", 10))
		require.NoError(t, store.Credit(ctx, batchID, 1, userID, "UNI", 10))
		require.NoError(t, store.Credit(ctx, batchID, 1, userID, "UNI", 10))

		balance, err := store.Balance(ctx, userID, "UNI")
		require.NoError(t, err)
		require.InDelta(t, 10.0, balance, 1e-9)

		entries, err := store.EntriesForBatch(ctx, batchID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("different levels of one batch accumulate", func(t *testing.T) {
		t.Parallel()
		store := testStore(t)
		ctx := context.Background()
		userID := testUserID()
		batchID := uuid.NewString()

		require.NoError(t, store.Credit(ctx, batchID, 1, userID, "UNI", 10))
		require.NoError(t, store.Credit(ctx, batchID, 2, userID, "UNI", 5))
		require.NoError(t, store.Credit(ctx, batchID, 3, userID, "UNI", 2))

		balance, err := store.Balance(ctx, userID, "UNI")
		require.NoError(t, err)
		require.InDelta(t, 17.0, balance, 1e-9)

		sum, err := store.SumForBatch(ctx, batchID)
		require.NoError(t, err)
		require.InDelta(t, 17.0, sum, 1e-9)

		entries, err := store.EntriesForBatch(ctx, batchID)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			require.Equal(t, i+1, e.Level)
		}
	})

	t.Run("currencies are tracked separately", func(t *testing.T) {
		t.Parallel()
		store := testStore(t)
		ctx := context.Background()
		userID := testUserID()

		require.NoError(t, store.Credit(ctx, uuid.NewString(), 1, userID, "UNI", 10))
		require.NoError(t, store.Credit(ctx, uuid.NewString(), 1, userID, "USDT", 3))

		uni, err := store.Balance(ctx, userID, "UNI")
		require.NoError(t, err)
		require.InDelta(t, 10.0, uni, 1e-9)

		usdt, err := store.Balance(ctx, userID, "USDT")
		require.NoError(t, err)
		require.InDelta(t, 3.0, usdt, 1e-9)
	})

	t.Run("concurrent credits to one user lose no updates", func(t *testing.T) {
		t.Parallel()
		store := testStore(t)
		ctx := context.Background()
		userID := testUserID()

		const n = 16
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = store.Credit(ctx, uuid.NewString(), 1, userID, "UNI", 1)
			}()
		}
		wg.Wait()

		for i, err := range errs {
			require.NoError(t, err, "credit %d", i)
		}
		balance, err := store.Balance(ctx, userID, "UNI")
		require.NoError(t, err)
		require.InDelta(t, float64(n), balance, 1e-9)
	})
}

func TestRefdist_Wallet_Balance(t *testing.T) {
	t.Parallel()

	store := testStore(t)

	balance, err := store.Balance(context.Background(), testUserID(), "UNI")
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestRefdist_Wallet_SumForBatch(t *testing.T) {
	t.Parallel()

	store := testStore(t)

	sum, err := store.SumForBatch(context.Background(), uuid.NewString())
	require.NoError(t, err)
	require.Zero(t, sum)
}

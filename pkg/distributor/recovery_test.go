package distributor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unifarm/refdist/pkg/ledger"
	"github.com/unifarm/refdist/pkg/rate"
)

func newTestScanner(t *testing.T, lg *memLedger, exec Resumer) *Scanner {
	t.Helper()
	s, err := NewScanner(ScannerConfig{
		Logger:   testLogger(),
		Ledger:   lg,
		Executor: exec,
	})
	require.NoError(t, err)
	return s
}

// seedInterrupted creates a batch that looks like a crashed run: claimed,
// inviter count fixed, some levels already recorded.
func seedInterrupted(t *testing.T, lg *memLedger, w *memWallet, inviterCount, levelsDone int) string {
	t.Helper()
	ctx := context.Background()
	batchID, err := lg.CreateBatch(ctx, 1, "UNI", 100)
	require.NoError(t, err)
	claimed, err := lg.Claim(ctx, batchID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, lg.SetInviterCount(ctx, batchID, inviterCount))
	for level := 1; level <= levelsDone; level++ {
		require.NoError(t, w.Credit(ctx, batchID, level, int64(level+1), "UNI", 1))
		require.NoError(t, lg.RecordLevelProgress(ctx, batchID, level, 1))
	}
	return batchID
}

func TestRefdist_Scanner_RecoverIncompleteBatches(t *testing.T) {
	t.Parallel()

	t.Run("no incomplete batches", func(t *testing.T) {
		t.Parallel()
		lg := newMemLedger()
		w := newMemWallet()
		exec := newTestExecutor(t, &mapDirectory{parents: map[int64]int64{}}, lg, w, threeLevelRates(t))
		scanner := newTestScanner(t, lg, exec)

		n, err := scanner.RecoverIncompleteBatches(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, n)
	})

	t.Run("resumes an interrupted batch to completion", func(t *testing.T) {
		t.Parallel()
		dir := &mapDirectory{parents: map[int64]int64{1: 2, 2: 3, 3: 4}}
		lg := newMemLedger()
		w := newMemWallet()
		exec := newTestExecutor(t, dir, lg, w, threeLevelRates(t))
		scanner := newTestScanner(t, lg, exec)

		batchID := seedInterrupted(t, lg, w, 3, 1)
		lg.allowStaleClaim = true

		n, err := scanner.RecoverIncompleteBatches(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)

		b := lg.get(t, batchID)
		require.Equal(t, ledger.StatusCompleted, b.Status)
		require.Equal(t, 3, b.LevelsProcessed)
		require.Len(t, w.batchEntries(batchID), 3)
	})

	t.Run("leaves completed batches untouched", func(t *testing.T) {
		t.Parallel()
		dir := &mapDirectory{parents: map[int64]int64{1: 2}}
		lg := newMemLedger()
		w := newMemWallet()
		exec := newTestExecutor(t, dir, lg, w, threeLevelRates(t))
		scanner := newTestScanner(t, lg, exec)

		batchID, err := exec.Distribute(context.Background(), 1, "UNI", 100)
		require.NoError(t, err)
		callsBefore := w.calls

		// Running the pass again must be a no-op for the completed batch.
		n, err := scanner.RecoverIncompleteBatches(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, n)
		require.Equal(t, callsBefore, w.calls)
		require.Equal(t, ledger.StatusCompleted, lg.get(t, batchID).Status)
	})

	t.Run("skips failed batches past the recovery budget", func(t *testing.T) {
		t.Parallel()
		dir := &mapDirectory{parents: map[int64]int64{1: 2}}
		lg := newMemLedger()
		w := newMemWallet()
		exec := newTestExecutor(t, dir, lg, w, threeLevelRates(t))
		scanner := newTestScanner(t, lg, exec)

		ctx := context.Background()
		batchID, err := lg.CreateBatch(ctx, 1, "UNI", 100)
		require.NoError(t, err)
		claimed, err := lg.Claim(ctx, batchID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, lg.Fail(ctx, batchID, "credit level 1: wallet timeout"))
		lg.batches[batchID].RecoveryAttempts = scanner.cfg.MaxRecoveryAttempts

		n, err := scanner.RecoverIncompleteBatches(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, n)
		require.Equal(t, ledger.StatusFailed, lg.get(t, batchID).Status)
	})

	t.Run("losing a claim race is not an error", func(t *testing.T) {
		t.Parallel()
		lg := newMemLedger()
		w := newMemWallet()
		exec := newTestExecutor(t, &mapDirectory{parents: map[int64]int64{}}, lg, w, threeLevelRates(t))
		scanner := newTestScanner(t, lg, exec)

		ctx := context.Background()
		batchID, err := lg.CreateBatch(ctx, 1, "UNI", 100)
		require.NoError(t, err)
		claimed, err := lg.Claim(ctx, batchID)
		require.NoError(t, err)
		require.True(t, claimed)
		// Claim is fresh, so the scanner's Resume loses the race.

		n, err := scanner.RecoverIncompleteBatches(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, n)
	})

	t.Run("one broken batch does not block the others", func(t *testing.T) {
		t.Parallel()
		lg := newMemLedger()
		// Two pending batches; resuming the first fails hard.
		ctx := context.Background()
		badID, err := lg.CreateBatch(ctx, 1, "UNI", 100)
		require.NoError(t, err)
		goodID, err := lg.CreateBatch(ctx, 2, "UNI", 100)
		require.NoError(t, err)
		calls := &recordingResumer{lg: lg, failID: badID}

		scanner := newTestScanner(t, lg, calls)
		n, err := scanner.RecoverIncompleteBatches(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Contains(t, calls.batchIDs(), badID)
		require.Contains(t, calls.batchIDs(), goodID)
	})
}

// recordingResumer marks every batch it sees completed, except failID which
// errors without touching state.
type recordingResumer struct {
	lg     *memLedger
	failID string

	mu   sync.Mutex
	seen []string
}

func (r *recordingResumer) batchIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *recordingResumer) Resume(ctx context.Context, batchID string) error {
	r.mu.Lock()
	r.seen = append(r.seen, batchID)
	r.mu.Unlock()
	if batchID == r.failID {
		return errors.New("resolver unavailable")
	}
	claimed, err := r.lg.Claim(ctx, batchID)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyClaimed
	}
	return r.lg.Complete(ctx, batchID)
}

func TestRefdist_Scanner_Validate(t *testing.T) {
	t.Parallel()

	lg := newMemLedger()
	w := newMemWallet()
	tbl, err := rate.New([]float64{0.1})
	require.NoError(t, err)
	exec := newTestExecutor(t, &mapDirectory{parents: map[int64]int64{}}, lg, w, tbl)

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		s, err := NewScanner(ScannerConfig{Logger: testLogger(), Ledger: lg, Executor: exec})
		require.NoError(t, err)
		require.Equal(t, 5, s.cfg.MaxRecoveryAttempts)
		require.Equal(t, 4, s.cfg.MaxConcurrency)
		require.NotNil(t, s.cfg.Clock)
	})

	t.Run("missing ledger", func(t *testing.T) {
		t.Parallel()
		_, err := NewScanner(ScannerConfig{Logger: testLogger(), Executor: exec})
		require.Error(t, err)
	})

	t.Run("missing executor", func(t *testing.T) {
		t.Parallel()
		_, err := NewScanner(ScannerConfig{Logger: testLogger(), Ledger: lg})
		require.Error(t, err)
	})
}

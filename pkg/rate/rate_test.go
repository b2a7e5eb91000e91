package rate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefdist_Rate_Default(t *testing.T) {
	t.Parallel()

	tbl := Default()
	require.Equal(t, MaxLevels, tbl.Levels())
	require.Equal(t, 0.10, tbl.RateForLevel(1))

	// Level 1 carries the largest share and rates never increase with depth.
	for level := 2; level <= tbl.Levels(); level++ {
		require.LessOrEqual(t, tbl.RateForLevel(level), tbl.RateForLevel(level-1),
			"rate must not increase from level %d to %d", level-1, level)
	}
}

func TestRefdist_Rate_RateForLevel_OutOfRange(t *testing.T) {
	t.Parallel()

	tbl := Default()
	require.Equal(t, 0.0, tbl.RateForLevel(0))
	require.Equal(t, 0.0, tbl.RateForLevel(-1))
	require.Equal(t, 0.0, tbl.RateForLevel(MaxLevels+1))
	require.Equal(t, 0.0, tbl.RateForLevel(1000))
}

func TestRefdist_Rate_New(t *testing.T) {
	t.Parallel()

	t.Run("accepts valid rates", func(t *testing.T) {
		t.Parallel()
		tbl, err := New([]float64{0.10, 0.05, 0.02})
		require.NoError(t, err)
		require.Equal(t, 3, tbl.Levels())
		require.Equal(t, 0.05, tbl.RateForLevel(2))
		require.Equal(t, 0.0, tbl.RateForLevel(4))
	})

	t.Run("rejects empty table", func(t *testing.T) {
		t.Parallel()
		_, err := New(nil)
		require.Error(t, err)
	})

	t.Run("rejects more than twenty levels", func(t *testing.T) {
		t.Parallel()
		rates := make([]float64, MaxLevels+1)
		for i := range rates {
			rates[i] = 0.01
		}
		_, err := New(rates)
		require.Error(t, err)
		require.Contains(t, err.Error(), "maximum")
	})

	t.Run("rejects increasing rates", func(t *testing.T) {
		t.Parallel()
		_, err := New([]float64{0.05, 0.10})
		require.Error(t, err)
		require.Contains(t, err.Error(), "must not increase")
	})

	t.Run("rejects rates outside [0,1)", func(t *testing.T) {
		t.Parallel()
		_, err := New([]float64{1.5})
		require.Error(t, err)
		_, err = New([]float64{-0.1})
		require.Error(t, err)
	})

	t.Run("is immune to caller mutation", func(t *testing.T) {
		t.Parallel()
		rates := []float64{0.10, 0.05}
		tbl, err := New(rates)
		require.NoError(t, err)
		rates[0] = 0.99
		require.Equal(t, 0.10, tbl.RateForLevel(1))
	})
}

func TestRefdist_Rate_Load(t *testing.T) {
	t.Parallel()

	t.Run("loads a valid file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "rates.yaml")
		err := os.WriteFile(path, []byte("rates:\n  - 0.10\n  - 0.05\n  - 0.02\n"), 0o644)
		require.NoError(t, err)

		tbl, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, 3, tbl.Levels())
		require.Equal(t, 0.02, tbl.RateForLevel(3))
	})

	t.Run("rejects missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("rejects malformed yaml", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "rates.yaml")
		err := os.WriteFile(path, []byte("rates: {not: [valid"), 0o644)
		require.NoError(t, err)

		_, err = Load(path)
		require.Error(t, err)
	})

	t.Run("rejects invalid schedule", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "rates.yaml")
		err := os.WriteFile(path, []byte("rates:\n  - 0.01\n  - 0.10\n"), 0o644)
		require.NoError(t, err)

		_, err = Load(path)
		require.Error(t, err)
	})
}

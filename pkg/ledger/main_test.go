package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/unifarm/refdist/pkg/pgtest"
	refdisttesting "github.com/unifarm/refdist/pkg/testing"
)

var (
	sharedDB *pgtest.DB
)

func TestMain(m *testing.M) {
	log := refdisttesting.NewLogger()
	var err error
	sharedDB, err = pgtest.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	if err := pgtest.MigrateDB(sharedDB); err != nil {
		log.Error("failed to migrate shared DB", "error", err)
		sharedDB.Close()
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testStore(t *testing.T) *Store {
	t.Helper()
	pool := pgtest.NewTestPool(t, sharedDB)
	store, err := NewStore(StoreConfig{
		Logger: refdisttesting.NewLogger(),
		Pool:   pool,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

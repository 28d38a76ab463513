package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/meterledger/internal/balance/balancetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMigrateNonPostgresCreatesTables(t *testing.T) {
	conn := balancetest.OpenDB(t)
	require.NoError(t, Migrate(conn, zap.NewNop()))
	// A second run is a no-op.
	require.NoError(t, Migrate(conn, zap.NewNop()))

	for _, table := range []string{
		"account_balances",
		"balance_events",
		"external_event_receipts",
		"reservations",
		"job_leases",
		"api_keys",
	} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", name)
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestMigrateRequiresHandle(t *testing.T) {
	require.Error(t, Migrate(nil, nil))
	_, err := RunMigrations(nil)
	require.Error(t, err)
}

package storage

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DCF_TEST_SQL_DSN is "<driver>://<dsn>", e.g.
// "postgres://host=localhost user=dcf dbname=dcf sslmode=disable".
func sqlOptions(t *testing.T, name string) SQLOptions {
	t.Helper()
	raw := os.Getenv("DCF_TEST_SQL_DSN")
	if raw == "" {
		t.Skip("DCF_TEST_SQL_DSN not set")
	}
	driver, dsn, ok := strings.Cut(raw, "://")
	require.True(t, ok, "DCF_TEST_SQL_DSN must be <driver>://<dsn>")
	return SQLOptions{Driver: driver, DSN: dsn, Owner: "127.0.0.1:7001", Name: name}
}

func TestSQLBackendContract(t *testing.T) {
	sqlOptions(t, "")
	runBackendContract(t, func(t *testing.T) Backend {
		b, err := NewSQLBackend(context.Background(), sqlOptions(t, t.Name()), nil)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestSQLCleanUpRemovesStaleGenerations(t *testing.T) {
	ctx := context.Background()
	opts := sqlOptions(t, "cleanup")

	crashed, err := NewSQLBackend(ctx, opts, nil)
	require.NoError(t, err)
	require.NoError(t, crashed.SetItem(ctx, "left-behind", []byte("x")))

	restarted, err := NewSQLBackend(ctx, opts, nil)
	require.NoError(t, err)
	defer restarted.Close()

	require.NoError(t, restarted.CleanUp(ctx))

	_, err = crashed.GetItem(ctx, "left-behind")
	assert.Error(t, err)
}

func TestOpenSQLUnknownDriver(t *testing.T) {
	_, err := OpenSQL("oracle", "dsn")
	assert.Error(t, err)
}

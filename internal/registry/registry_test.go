package registry

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/postgres"
)

// openRegistry connects to SP_TEST_POSTGRES_DSN or skips the test.
func openRegistry(t *testing.T, retention int) *Registry {
	t.Helper()
	dsn := os.Getenv("SP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SP_TEST_POSTGRES_DSN not set")
	}
	client, err := postgres.Open(dsn, config.PostgresConfig{MaxOpenConns: 2, MaxIdleConns: 1, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	r := New(client, retention)
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func TestRegistryRecordsGenerations(t *testing.T) {
	ctx := context.Background()
	r := openRegistry(t, 2)
	scope := fmt.Sprintf("test-%d", time.Now().UnixNano())

	_, err := r.LatestPath(ctx, scope)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	for i, path := range []string{"a.index", "a.index.tmp", "a.index"} {
		require.NoError(t, r.OnCommit(ctx, indexer.Generation{
			Scope:       scope,
			Path:        path,
			Documents:   i + 1,
			CommittedAt: time.Now().UTC(),
		}))
	}

	path, err := r.LatestPath(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, "a.index", path)

	history, err := r.History(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "pruned to the retention limit")
	assert.Equal(t, 3, history[0].Documents)
	assert.Equal(t, "a.index.tmp", history[1].Path)
}

func TestNewDefaultsRetention(t *testing.T) {
	assert.Equal(t, DefaultRetention, New(nil, 0).retention)
}

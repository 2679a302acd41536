package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
)

func TestIsNilError(t *testing.T) {
	assert.False(t, IsNilError(nil))
	assert.False(t, IsNilError(fmt.Errorf("other")))
}

// TestClientRoundTrip needs a running server at SP_TEST_REDIS_ADDR.
func TestClientRoundTrip(t *testing.T) {
	addr := os.Getenv("SP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SP_TEST_REDIS_ADDR not set")
	}
	c, err := NewClient(config.RedisConfig{Addr: addr, PoolSize: 2})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	prefix := fmt.Sprintf("indexstore-test:%d:", time.Now().UnixNano())
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("%s%d", prefix, i), []byte("v"), time.Minute))
	}
	got, err := c.Get(ctx, prefix+"0")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	deleted, err := c.FlushByPattern(ctx, prefix+"*")
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	_, err = c.Get(ctx, prefix+"0")
	assert.True(t, IsNilError(err))
}

package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestUserKey(t *testing.T) {
	assert.Equal(t, "concurrent:user:u-42", UserKey("u-42"))
}

func TestIncrWithExpiry(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()
	key := UserKey("u1")

	n, err := c.IncrWithExpiry(ctx, key, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.IncrWithExpiry(ctx, key, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2*time.Hour, mr.TTL(key))

	mr.FastForward(2*time.Hour + time.Second)
	assert.False(t, mr.Exists(key))
}

func TestDecrFloor(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	key := UserKey("u1")

	// missing key stays at zero
	n, err := c.DecrFloor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = c.IncrWithExpiry(ctx, key, time.Hour)
	require.NoError(t, err)

	n, err = c.DecrFloor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = c.DecrFloor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestDecrFloor_Concurrent(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	key := UserKey("u1")

	for i := 0; i < 3; i++ {
		_, err := c.IncrWithExpiry(ctx, key, time.Hour)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.DecrFloor(ctx, key)
		}()
	}
	wg.Wait()

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestUnavailable(t *testing.T) {
	c, mr := setup(t)
	mr.Close()

	_, err := c.IncrWithExpiry(context.Background(), UserKey("u1"), time.Hour)
	assert.Error(t, err)
	_, err = c.DecrFloor(context.Background(), UserKey("u1"))
	assert.Error(t, err)
	_, err = c.Get(context.Background(), UserKey("u1"))
	assert.Error(t, err)
}

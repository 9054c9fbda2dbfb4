package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestLock_OnlyHolderReleases(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "shipment:O1", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "shipment:O1", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := c.ReleaseLock(ctx, "shipment:O1", "b")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:shipment:O1"))

	released, err = c.ReleaseLock(ctx, "shipment:O1", "a")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("lock:shipment:O1"))
}

func TestLock_ExpiresAfterTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = c.AcquireLock(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJSONCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	type view struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}

	var got view
	found, err := c.GetJSON(ctx, "order:O1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetJSON(ctx, "order:O1", view{ID: "O1", Status: "CONFIRMED"}, time.Minute))
	found, err = c.GetJSON(ctx, "order:O1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, view{ID: "O1", Status: "CONFIRMED"}, got)

	require.NoError(t, c.Delete(ctx, "order:O1"))
	assert.False(t, mr.Exists("order:O1"))

	require.NoError(t, mr.Set("order:O2", "{"))
	_, err = c.GetJSON(ctx, "order:O2", &got)
	assert.Error(t, err)

	assert.NoError(t, c.Ping(ctx))
}

package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxAge time.Duration, opts ...PeerCacheOption) (*PeerCache, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	opts = append([]PeerCacheOption{WithClock(clk)}, opts...)
	c, err := NewPeerCache(maxAge, opts...)
	require.NoError(t, err)
	return c, clk
}

func TestPeerCacheUpsertAndGet(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, time.Minute)
	_, ok := c.Get("missing")
	require.False(t, ok)

	c.Upsert("key", "10.0.0.2:9999")
	c.Upsert("key", "10.0.0.1:8080")
	c.Upsert("key", "10.0.0.2:9999")

	peers, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, []Peer{{Host: "10.0.0.1:8080"}, {Host: "10.0.0.2:9999"}}, peers)
}

func TestPeerCacheExpiresIdleEntries(t *testing.T) {
	t.Parallel()

	maxAge := 2*10*time.Second + time.Second
	c, clk := newTestCache(t, maxAge)
	c.Upsert("key", "127.0.0.1:1337")

	clk.Add(maxAge)
	_, ok := c.Get("key")
	require.True(t, ok, "entry is still inside max age")

	clk.Add(maxAge + time.Millisecond)
	_, ok = c.Get("key")
	require.False(t, ok, "entry must expire without capacity pressure")
	require.Equal(t, 0, c.Len())
}

func TestPeerCacheReadRefreshesEntry(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(t, time.Minute)
	c.Upsert("key", "127.0.0.1:1337")
	for range 5 {
		clk.Add(50 * time.Second)
		_, ok := c.Get("key")
		require.True(t, ok)
	}
}

func TestPeerCacheUpsertAfterExpiryStartsFresh(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(t, time.Minute)
	c.Upsert("key", "127.0.0.1:1")
	clk.Add(2 * time.Minute)
	c.Upsert("key", "127.0.0.1:2")

	peers, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, []Peer{{Host: "127.0.0.1:2"}}, peers)
}

func TestPeerCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, time.Minute, WithSize(2))
	c.Upsert("a", "127.0.0.1:1")
	c.Upsert("b", "127.0.0.1:2")
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Upsert("c", "127.0.0.1:3")

	_, ok = c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestPeerCachePurge(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(t, time.Minute)
	c.Upsert("old", "127.0.0.1:1")
	clk.Add(45 * time.Second)
	c.Upsert("new", "127.0.0.1:2")
	clk.Add(30 * time.Second)

	require.Equal(t, 1, c.Purge())
	require.Equal(t, 1, c.Len())
	_, ok := c.Get("new")
	require.True(t, ok)
}

func TestPeerCacheTrack(t *testing.T) {
	t.Parallel()

	c, clk := newTestCache(t, time.Minute)
	c.Upsert("key", "127.0.0.1:1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Track(ctx, 10*time.Second)
	}()

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		return c.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPeerCacheConcurrentUpsert(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, time.Minute)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Upsert("key", fmt.Sprintf("127.0.0.1:%d", 1000+i))
		}(i)
	}
	wg.Wait()

	peers, ok := c.Get("key")
	require.True(t, ok)
	require.Len(t, peers, 50)
}

func TestNewPeerCacheValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPeerCache(0)
	require.Error(t, err)
	_, err = NewPeerCache(time.Minute, WithSize(0))
	require.Error(t, err)
}

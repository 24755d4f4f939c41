package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	"grape/pkg/metrics"
)

// MaxEntries bounds the number of discovery keys held at once.
const MaxEntries = 10000

// Peer is a provider found for a discovery key.
type Peer struct {
	Host string `json:"host"`
}

type entry struct {
	peers   map[string]Peer
	touched time.Time
}

// PeerCache maps hashed discovery keys to the peers discovered for them. It is
// the rendezvous between asynchronous discovery events and lookups.
type PeerCache struct {
	mx     sync.Mutex
	lru    *lru.Cache[string, *entry]
	clock  clock.Clock
	maxAge time.Duration
}

type PeerCacheConfig struct {
	Size  int
	Clock clock.Clock
}

func (cfg *PeerCacheConfig) Apply(opts ...PeerCacheOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type PeerCacheOption func(cfg *PeerCacheConfig) error

func WithClock(c clock.Clock) PeerCacheOption {
	return func(cfg *PeerCacheConfig) error {
		cfg.Clock = c
		return nil
	}
}

func WithSize(size int) PeerCacheOption {
	return func(cfg *PeerCacheConfig) error {
		if size <= 0 {
			return fmt.Errorf("peer cache size must be positive but got %d", size)
		}
		cfg.Size = size
		return nil
	}
}

func NewPeerCache(maxAge time.Duration, opts ...PeerCacheOption) (*PeerCache, error) {
	cfg := PeerCacheConfig{
		Size:  MaxEntries,
		Clock: clock.New(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("peer cache max age must be positive but got %s", maxAge)
	}
	l, err := lru.New[string, *entry](cfg.Size)
	if err != nil {
		return nil, err
	}
	return &PeerCache{
		lru:    l,
		clock:  cfg.Clock,
		maxAge: maxAge,
	}, nil
}

// Get returns the peers cached for key ordered by address. A hit refreshes
// the entry; an entry idle for longer than the max age is dropped instead.
func (c *PeerCache) Get(key string) ([]Peer, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	now := c.clock.Now()
	if c.expired(e, now) {
		c.lru.Remove(key)
		metrics.PeerCacheEntries.Set(float64(c.lru.Len()))
		return nil, false
	}
	e.touched = now
	if len(e.peers) == 0 {
		return nil, false
	}
	peers := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Host < peers[j].Host
	})
	return peers, true
}

// Upsert records addr as a provider for key.
func (c *PeerCache) Upsert(key, addr string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	now := c.clock.Now()
	e, ok := c.lru.Get(key)
	if !ok || c.expired(e, now) {
		e = &entry{peers: map[string]Peer{}}
		c.lru.Add(key, e)
	}
	e.peers[addr] = Peer{Host: addr}
	e.touched = now
	metrics.PeerCacheEntries.Set(float64(c.lru.Len()))
}

// Len returns the number of keys held, expired ones included.
func (c *PeerCache) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.lru.Len()
}

// Purge drops every expired entry and returns how many were removed.
func (c *PeerCache) Purge() int {
	c.mx.Lock()
	defer c.mx.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok || !c.expired(e, now) {
			continue
		}
		c.lru.Remove(key)
		removed++
	}
	metrics.PeerCacheEntries.Set(float64(c.lru.Len()))
	return removed
}

// Track purges expired entries every interval until ctx is done.
func (c *PeerCache) Track(ctx context.Context, interval time.Duration) error {
	log := logr.FromContextOrDiscard(ctx).WithName("cache")
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := c.Purge()
			if removed > 0 {
				log.V(4).Info("purged expired peer cache entries", "removed", removed, "remaining", c.Len())
			}
		}
	}
}

func (c *PeerCache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.touched) > c.maxAge
}

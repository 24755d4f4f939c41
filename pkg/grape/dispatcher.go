package grape

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"grape/pkg/cache"
	"grape/pkg/dht"
	"grape/pkg/metrics"
	"grape/pkg/timeslot"
)

const (
	TypeLookup   = "lookup"
	TypeAnnounce = "announce"
	TypePut      = "put"
	TypeGet      = "get"
)

type handlerFunc func(ctx context.Context, data []byte) (any, error)

// Record is the client facing form of a stored DHT record.
type Record struct {
	ID   string `json:"id"`
	K    string `json:"k,omitempty"`
	V    string `json:"v"`
	Seq  int64  `json:"seq"`
	Sig  string `json:"sig,omitempty"`
	Salt string `json:"salt,omitempty"`
}

type DispatcherConfig struct {
	Log logr.Logger
}

func (cfg *DispatcherConfig) Apply(opts ...DispatcherOption) error {
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

type DispatcherOption func(cfg *DispatcherConfig) error

func WithLogger(log logr.Logger) DispatcherOption {
	return func(cfg *DispatcherConfig) error {
		cfg.Log = log
		return nil
	}
}

// Dispatcher validates requests and routes them to the DHT node and peer cache.
type Dispatcher struct {
	log      logr.Logger
	node     dht.Node
	cache    *cache.PeerCache
	slotter  *timeslot.Slotter
	handlers map[string]handlerFunc
}

func NewDispatcher(node dht.Node, peerCache *cache.PeerCache, slotter *timeslot.Slotter, opts ...DispatcherOption) (*Dispatcher, error) {
	cfg := DispatcherConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if node == nil || peerCache == nil || slotter == nil {
		return nil, errors.New("dispatcher requires a dht node, peer cache and slotter")
	}
	d := &Dispatcher{
		log:     cfg.Log,
		node:    node,
		cache:   peerCache,
		slotter: slotter,
	}
	d.handlers = map[string]handlerFunc{
		TypeLookup:   d.handleLookup,
		TypeAnnounce: d.handleAnnounce,
		TypePut:      d.handlePut,
		TypeGet:      d.handleGet,
	}
	return d, nil
}

// Handle runs the operation registered for typ with the raw JSON payload data.
func (d *Dispatcher) Handle(ctx context.Context, typ string, data []byte) (any, error) {
	handler, ok := d.handlers[typ]
	if !ok {
		d.log.V(4).Info("rejecting unknown request type", "type", typ)
		metrics.RequestsTotal.WithLabelValues("unknown", "error").Inc()
		return nil, ErrReqNotFound
	}
	res, err := handler(ctx, data)
	result := "ok"
	if err != nil {
		result = "error"
		d.log.V(4).Info("request failed", "type", typ, "error", err)
	}
	metrics.RequestsTotal.WithLabelValues(typ, result).Inc()
	return res, err
}

// Lookup returns the providers of value from the current time slot, falling
// back to the previous one when the current slot has none.
func (d *Dispatcher) Lookup(ctx context.Context, value string) ([]string, error) {
	for _, offset := range []int{0, -1} {
		hosts, err := d.lookupKey(ctx, d.slotter.Key(value, offset))
		if err != nil {
			return nil, err
		}
		if len(hosts) > 0 {
			return hosts, nil
		}
	}
	return []string{}, nil
}

func (d *Dispatcher) lookupKey(ctx context.Context, key string) ([]string, error) {
	hash := dht.HashKey(key)
	cacheKey := hex.EncodeToString(hash)
	if peers, ok := d.cache.Get(cacheKey); ok {
		metrics.LookupDurHistogram.WithLabelValues("cache").Observe(0)
		return peerHosts(peers), nil
	}

	timer := prometheus.NewTimer(metrics.LookupDurHistogram.WithLabelValues("dht"))
	queried, err := d.node.Lookup(ctx, hash)
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	peers, _ := d.cache.Get(cacheKey)
	d.log.V(4).Info("dht lookup completed", "key", key, "queried", queried, "peers", len(peers))
	return peerHosts(peers), nil
}

// Announce publishes port as a provider of value for the current time slot.
func (d *Dispatcher) Announce(ctx context.Context, value string, port int) error {
	key := d.slotter.Key(value, 0)
	d.log.V(4).Info("announcing", "key", key, "port", port)
	return d.node.Announce(ctx, dht.HashKey(key), port)
}

// Put stores a record and returns its hex encoded id.
func (d *Dispatcher) Put(ctx context.Context, opts dht.PutOptions) (string, error) {
	id, err := d.node.Put(ctx, opts)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// Get fetches the record stored under hash.
func (d *Dispatcher) Get(ctx context.Context, hash string) (*Record, error) {
	rec, err := d.node.Get(ctx, hash)
	if errors.Is(err, dht.ErrHashFormat) {
		return nil, newError(KindHashFormat, err)
	}
	if err != nil {
		return nil, newError(KindGeneric, err)
	}
	return &Record{
		ID:   hex.EncodeToString(rec.ID),
		K:    hex.EncodeToString(rec.K),
		V:    string(rec.V),
		Seq:  rec.Seq,
		Sig:  hex.EncodeToString(rec.Sig),
		Salt: hex.EncodeToString(rec.Salt),
	}, nil
}

func peerHosts(peers []cache.Peer) []string {
	hosts := make([]string, 0, len(peers))
	seen := map[string]struct{}{}
	for _, p := range peers {
		if _, ok := seen[p.Host]; ok {
			continue
		}
		seen[p.Host] = struct{}{}
		hosts = append(hosts, p.Host)
	}
	return hosts
}

// Observe feeds DHT discovery events into the peer cache.
func (d *Dispatcher) Observe(ev dht.Event) {
	if ev.Kind != dht.EventPeer {
		return
	}
	metrics.DiscoveredPeersTotal.Inc()
	d.cache.Upsert(hex.EncodeToString(ev.Key), ev.Peer)
}


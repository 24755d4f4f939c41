package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"grape/pkg/api"
	"grape/pkg/cache"
	"grape/pkg/dht"
	"grape/pkg/grape"
	"grape/pkg/metrics"
	"grape/pkg/timeslot"
)

var ErrBusy = errors.New("grape node is starting or stopping")

// Config holds the settings of a single grape node. It is not modified after
// the node has been created.
type Config struct {
	Host            string
	DHTPort         int
	DHTBootstrap    []string
	DHTMaxTables    int
	DHTConcurrency  int
	DHTNodeLiveness time.Duration
	APIPort         int
	Timeslot        time.Duration
}

func DefaultConfig() Config {
	return Config{
		DHTPort:         20001,
		DHTMaxTables:    5000,
		DHTConcurrency:  10,
		DHTNodeLiveness: 5 * time.Minute,
		Timeslot:        2 * time.Minute,
	}
}

// CacheMaxAge is how long discovered peers stay cached without activity.
func (c Config) CacheMaxAge() time.Duration {
	return 2*c.Timeslot + time.Second
}

// NodeFactory creates the DHT node used for one run of a grape node.
type NodeFactory func(cfg Config) (dht.Node, error)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type GrapeConfig struct {
	Log         logr.Logger
	Clock       clock.Clock
	NodeFactory NodeFactory
	DHTOptions  []dht.P2PNodeOption
}

func (cfg *GrapeConfig) Apply(opts ...GrapeOption) error {
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

type GrapeOption func(cfg *GrapeConfig) error

func WithLogger(log logr.Logger) GrapeOption {
	return func(cfg *GrapeConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithClock(c clock.Clock) GrapeOption {
	return func(cfg *GrapeConfig) error {
		cfg.Clock = c
		return nil
	}
}

// WithNodeFactory replaces the libp2p engine with another DHT node implementation.
func WithNodeFactory(factory NodeFactory) GrapeOption {
	return func(cfg *GrapeConfig) error {
		cfg.NodeFactory = factory
		return nil
	}
}

// WithDHTOptions passes additional options to the default libp2p engine.
func WithDHTOptions(opts ...dht.P2PNodeOption) GrapeOption {
	return func(cfg *GrapeConfig) error {
		cfg.DHTOptions = append(cfg.DHTOptions, opts...)
		return nil
	}
}

// Grape runs a DHT node together with the HTTP API serving requests against it.
type Grape struct {
	log     logr.Logger
	cfg     Config
	factory NodeFactory
	cache   *cache.PeerCache
	slotter *timeslot.Slotter

	mx          sync.Mutex
	state       State
	node        dht.Node
	unsubscribe []func()
	srv         *http.Server
	addr        net.Addr
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewGrape(cfg Config, opts ...GrapeOption) (*Grape, error) {
	gCfg := GrapeConfig{
		Log:   logr.Discard(),
		Clock: clock.New(),
	}
	err := gCfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if gCfg.NodeFactory == nil {
		gCfg.NodeFactory = p2pNodeFactory(gCfg.Log, gCfg.DHTOptions)
	}

	slotter, err := timeslot.NewSlotter(cfg.Timeslot, timeslot.WithClock(gCfg.Clock))
	if err != nil {
		return nil, err
	}
	peerCache, err := cache.NewPeerCache(cfg.CacheMaxAge(), cache.WithClock(gCfg.Clock))
	if err != nil {
		return nil, err
	}
	return &Grape{
		log:     gCfg.Log,
		cfg:     cfg,
		factory: gCfg.NodeFactory,
		cache:   peerCache,
		slotter: slotter,
	}, nil
}

func p2pNodeFactory(log logr.Logger, extra []dht.P2PNodeOption) NodeFactory {
	return func(cfg Config) (dht.Node, error) {
		opts := []dht.P2PNodeOption{
			dht.WithLogger(log),
			dht.WithHost(cfg.Host),
			dht.WithConcurrency(cfg.DHTConcurrency),
			dht.WithMaxTables(cfg.DHTMaxTables),
			dht.WithNodeLiveness(cfg.DHTNodeLiveness),
		}
		if len(cfg.DHTBootstrap) > 0 {
			bs, err := dht.NewStaticBootstrapperFromStrings(cfg.DHTBootstrap)
			if err != nil {
				return nil, err
			}
			opts = append(opts, dht.WithBootstrapper(bs))
		}
		opts = append(opts, extra...)
		return dht.NewP2PNode(opts...)
	}
}

func (g *Grape) State() State {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.state
}

// Addr returns the address the API is bound to, or nil when not active.
func (g *Grape) Addr() net.Addr {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.addr
}

// Start brings up the DHT node and then the API. Starting an active node is a no-op.
func (g *Grape) Start(ctx context.Context) error {
	g.mx.Lock()
	switch g.state {
	case StateActive:
		g.mx.Unlock()
		return nil
	case StateStarting, StateStopping:
		g.mx.Unlock()
		return ErrBusy
	}
	g.state = StateStarting
	g.mx.Unlock()

	err := g.start(ctx)
	g.mx.Lock()
	defer g.mx.Unlock()
	if err != nil {
		g.state = StateStopped
		return err
	}
	g.state = StateActive
	return nil
}

func (g *Grape) start(ctx context.Context) error {
	node, err := g.factory(g.cfg)
	if err != nil {
		return fmt.Errorf("could not create dht node: %w", err)
	}
	dispatcher, err := grape.NewDispatcher(node, g.cache, g.slotter, grape.WithLogger(g.log))
	if err != nil {
		return err
	}
	unsubscribe := []func(){
		node.Subscribe(dispatcher.Observe),
		node.Subscribe(g.logEvent),
	}
	abort := func(err error) error {
		for _, fn := range unsubscribe {
			fn()
		}
		return errors.Join(err, node.Destroy(ctx))
	}

	err = node.Listen(ctx, g.cfg.DHTPort)
	if err != nil {
		return abort(fmt.Errorf("could not listen on dht port %d: %w", g.cfg.DHTPort, err))
	}
	if g.cfg.APIPort == 0 {
		return abort(grape.ErrNoPort)
	}
	a, err := api.NewAPI(dispatcher, api.WithLogger(g.log))
	if err != nil {
		return abort(err)
	}
	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.APIPort))
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return abort(fmt.Errorf("could not listen on api address %s: %w", addr, err))
	}
	srv := a.Server(addr)

	trackCtx, cancel := context.WithCancel(context.Background())
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		err := srv.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error(err, "api server stopped")
		}
	}()
	go func() {
		defer g.wg.Done()
		err := g.cache.Track(trackCtx, g.cfg.Timeslot)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.log.Error(err, "peer cache tracking stopped")
		}
	}()

	g.mx.Lock()
	g.node = node
	g.unsubscribe = unsubscribe
	g.srv = srv
	g.addr = lis.Addr()
	g.cancel = cancel
	g.mx.Unlock()
	g.log.Info("grape node started", "api", lis.Addr().String(), "dhtPort", g.cfg.DHTPort)
	return nil
}

// Stop destroys the DHT node and then shuts down the API. Both steps are
// always attempted and their errors joined. Stopping a stopped node is a no-op.
func (g *Grape) Stop(ctx context.Context) error {
	g.mx.Lock()
	switch g.state {
	case StateStopped:
		g.mx.Unlock()
		return nil
	case StateStarting, StateStopping:
		g.mx.Unlock()
		return ErrBusy
	}
	g.state = StateStopping
	node, srv, cancel, unsubscribe := g.node, g.srv, g.cancel, g.unsubscribe
	g.mx.Unlock()

	var errs []error
	if err := node.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("could not destroy dht node: %w", err))
	}
	for _, fn := range unsubscribe {
		fn()
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("could not shutdown api server: %w", err))
	}
	cancel()
	g.wg.Wait()

	g.mx.Lock()
	g.state = StateStopped
	g.node = nil
	g.srv = nil
	g.addr = nil
	g.cancel = nil
	g.unsubscribe = nil
	g.mx.Unlock()
	g.log.Info("grape node stopped")
	return errors.Join(errs...)
}

// Run starts the node and keeps it running until ctx is cancelled.
func (g *Grape) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	err := g.Start(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return g.Stop(shutdownCtx)
}

func (g *Grape) logEvent(ev dht.Event) {
	metrics.DHTEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case dht.EventListening:
		g.log.Info("dht listening", "addrs", ev.Addrs)
	case dht.EventReady:
		g.log.Info("dht ready")
	case dht.EventWarning:
		g.log.Info("dht warning", "error", ev.Err)
	case dht.EventError:
		g.log.Error(ev.Err, "dht error")
	case dht.EventNode:
		g.log.V(4).Info("dht node discovered", "node", ev.Node)
	default:
		g.log.V(4).Info("dht event", "event", ev.Kind, "peer", ev.Peer, "from", ev.From)
	}
}

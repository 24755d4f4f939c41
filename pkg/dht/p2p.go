package dht

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	corerouting "github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/core/sec"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/spf13/afero"

	"grape/pkg/metrics"
)

const (
	// ProtocolPrefix isolates the overlay from other Kademlia networks.
	ProtocolPrefix = "/grape"
	// PortsProtocol is used by lookups to ask a provider which service ports
	// it announced for a key.
	PortsProtocol = "/grape/ports/1.0.0"
)

type P2PNodeConfig struct {
	Log          logr.Logger
	FS           afero.Fs
	Bootstrapper Bootstrapper
	Verifier     Verifier
	Host         string
	DataDir      string
	Libp2pOpts   []libp2p.Option
	Concurrency  int
	MaxTables    int
	NodeLiveness time.Duration
}

func (cfg *P2PNodeConfig) Apply(opts ...P2PNodeOption) error {
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

type P2PNodeOption func(cfg *P2PNodeConfig) error

func WithLogger(log logr.Logger) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithFileSystem(fs afero.Fs) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		cfg.FS = fs
		return nil
	}
}

func WithBootstrapper(bs Bootstrapper) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		cfg.Bootstrapper = bs
		return nil
	}
}

func WithVerifier(verify Verifier) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		cfg.Verifier = verify
		return nil
	}
}

func WithHost(h string) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		cfg.Host = h
		return nil
	}
}

func WithDataDir(dataDir string) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		cfg.DataDir = dataDir
		return nil
	}
}

func WithLibP2POptions(opts ...libp2p.Option) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		cfg.Libp2pOpts = opts
		return nil
	}
}

func WithConcurrency(concurrency int) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		if concurrency < 1 {
			return fmt.Errorf("dht concurrency must be positive but got %d", concurrency)
		}
		cfg.Concurrency = concurrency
		return nil
	}
}

func WithMaxTables(maxTables int) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		if maxTables < 1 {
			return fmt.Errorf("dht max tables must be positive but got %d", maxTables)
		}
		cfg.MaxTables = maxTables
		return nil
	}
}

func WithNodeLiveness(liveness time.Duration) P2PNodeOption {
	return func(cfg *P2PNodeConfig) error {
		if liveness <= 0 {
			return fmt.Errorf("dht node liveness must be positive but got %s", liveness)
		}
		cfg.NodeLiveness = liveness
		return nil
	}
}

var _ Node = &P2PNode{}

// P2PNode is a Node backed by a libp2p host running a Kademlia DHT. Provider
// records carry the host identity only, so the announced service ports are
// kept in a local table and served over PortsProtocol.
type P2PNode struct {
	emitter
	cfg   P2PNodeConfig
	log   logr.Logger
	ports *lru.Cache[string, []int]

	mx     sync.Mutex
	host   host.Host
	kdht   *kaddht.IpfsDHT
	rd     *drouting.RoutingDiscovery
	sub    event.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewP2PNode(opts ...P2PNodeOption) (*P2PNode, error) {
	cfg := P2PNodeConfig{
		Log:          logr.Discard(),
		FS:           afero.NewOsFs(),
		Bootstrapper: NewStaticBootstrapper(nil),
		Verifier:     Ed25519Verifier,
		Concurrency:  10,
		MaxTables:    5000,
		NodeLiveness: 5 * time.Minute,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	ports, err := lru.New[string, []int](cfg.MaxTables)
	if err != nil {
		return nil, err
	}
	return &P2PNode{
		cfg:   cfg,
		log:   cfg.Log.WithName("p2p"),
		ports: ports,
	}, nil
}

func (n *P2PNode) Listen(ctx context.Context, port int) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.host != nil {
		return errors.New("p2p node is already listening")
	}

	multiAddrs, err := listenMultiaddrs(net.JoinHostPort(n.cfg.Host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrs(multiAddrs...),
		libp2p.PrometheusRegisterer(metrics.DefaultRegisterer),
	}
	if n.cfg.DataDir != "" {
		peerKey, err := loadOrCreatePrivateKey(ctx, n.cfg.FS, n.cfg.DataDir)
		if err != nil {
			return err
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(peerKey))
	}
	libp2pOpts = append(libp2pOpts, n.cfg.Libp2pOpts...)
	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return fmt.Errorf("could not create host: %w", err)
	}

	dhtOpts := []kaddht.Option{
		kaddht.Mode(kaddht.ModeServer),
		kaddht.ProtocolPrefix(ProtocolPrefix),
		kaddht.NamespacedValidator(Namespace, &recordValidator{verify: n.cfg.Verifier}),
		kaddht.Concurrency(n.cfg.Concurrency),
		kaddht.RoutingTableRefreshPeriod(n.cfg.NodeLiveness),
		kaddht.BootstrapPeersFunc(bootstrapFunc(n.log, n.cfg.Bootstrapper, h)),
	}
	kdht, err := kaddht.New(ctx, h, dhtOpts...)
	if err != nil {
		return errors.Join(fmt.Errorf("could not create distributed hash table: %w", err), h.Close())
	}
	sub, err := h.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return errors.Join(err, kdht.Close(), h.Close())
	}
	h.SetStreamHandler(PortsProtocol, n.handlePortsRequest)

	loopCtx, cancel := context.WithCancel(context.Background())
	n.host = h
	n.kdht = kdht
	n.rd = drouting.NewRoutingDiscovery(kdht)
	n.sub = sub
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.forwardEvents(loopCtx, sub, n.done)

	addrs := []string{}
	for _, addr := range h.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr.String(), h.ID().String()))
	}
	n.log.Info("p2p node listening", "id", h.ID().String(), "addrs", addrs)
	n.emit(Event{Kind: EventListening, Addrs: addrs})

	err = kdht.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("could not bootstrap distributed hash table: %w", err)
	}
	n.emit(Event{Kind: EventReady})
	return nil
}

func (n *P2PNode) Announce(ctx context.Context, key []byte, port int) error {
	_, kdht, rd, err := n.running()
	if err != nil {
		return err
	}
	keyHex := hex.EncodeToString(key)
	ports, _ := n.ports.Get(keyHex)
	n.ports.Add(keyHex, mergePort(ports, port))
	metrics.AnnouncedKeys.Set(float64(n.ports.Len()))

	c, err := keyCid(key)
	if err != nil {
		return err
	}
	// Providing to an empty routing table fails, keep the record local until peers show up.
	brdcst := kdht.RoutingTable().Size() > 0
	err = rd.Provide(ctx, c, brdcst)
	if err != nil {
		return err
	}
	n.emit(Event{Kind: EventAnnounce, Peer: net.JoinHostPort(n.advertisedHost(), strconv.Itoa(port)), Key: key})
	return nil
}

func (n *P2PNode) Lookup(ctx context.Context, key []byte) (int, error) {
	h, _, rd, err := n.running()
	if err != nil {
		return 0, err
	}
	c, err := keyCid(key)
	if err != nil {
		return 0, err
	}
	keyHex := hex.EncodeToString(key)
	self := h.ID()

	queryCtx, cancel := context.WithCancel(ctx)
	queryCtx, queryEvents := corerouting.RegisterForQueryEvents(queryCtx)
	responded := map[peer.ID]struct{}{}
	countDone := make(chan struct{})
	go func() {
		defer close(countDone)
		for ev := range queryEvents {
			if ev.Type == corerouting.PeerResponse {
				responded[ev.ID] = struct{}{}
			}
		}
	}()
	queried := func() int {
		cancel()
		<-countDone
		return len(responded)
	}

	for addrInfo := range rd.FindProvidersAsync(queryCtx, c, 0) {
		if addrInfo.ID == self {
			ports, _ := n.ports.Get(keyHex)
			for _, port := range ports {
				n.emit(Event{Kind: EventPeer, Peer: net.JoinHostPort(n.advertisedHost(), strconv.Itoa(port)), Key: key, From: self.String()})
			}
			continue
		}
		ip, ports, err := fetchPorts(ctx, h, addrInfo, keyHex)
		if err != nil {
			n.emit(Event{Kind: EventWarning, Err: fmt.Errorf("could not fetch ports from %s: %w", addrInfo.ID, err)})
			continue
		}
		for _, port := range ports {
			n.emit(Event{Kind: EventPeer, Peer: net.JoinHostPort(ip, strconv.Itoa(port)), Key: key, From: addrInfo.ID.String()})
		}
	}
	return queried(), ctx.Err()
}

func (n *P2PNode) Put(ctx context.Context, opts PutOptions) ([]byte, error) {
	_, kdht, _, err := n.running()
	if err != nil {
		return nil, err
	}
	rec, err := NewRecord(opts, n.cfg.Verifier)
	if err != nil {
		return nil, err
	}
	b, err := marshalRecord(rec)
	if err != nil {
		return nil, err
	}
	err = kdht.PutValue(ctx, valueKey(rec.ID), b)
	if errors.Is(err, kb.ErrLookupFailure) {
		n.emit(Event{Kind: EventWarning, Err: fmt.Errorf("record %x only stored locally: %w", rec.ID, err)})
		return rec.ID, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.ID, nil
}

func (n *P2PNode) Get(ctx context.Context, hash string) (*Record, error) {
	_, kdht, _, err := n.running()
	if err != nil {
		return nil, err
	}
	id, err := DecodeHash(hash)
	if err != nil {
		return nil, err
	}
	b, err := kdht.GetValue(ctx, valueKey(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return unmarshalRecord(b)
}

func (n *P2PNode) Destroy(ctx context.Context) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.host == nil {
		return nil
	}
	n.cancel()
	errs := []error{n.sub.Close()}
	<-n.done
	errs = append(errs, n.kdht.Close(), n.host.Close())
	n.host = nil
	n.kdht = nil
	n.rd = nil
	n.sub = nil
	return errors.Join(errs...)
}

// Addrs returns the dialable addresses of the node including its peer id.
func (n *P2PNode) Addrs() []string {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.host == nil {
		return nil
	}
	addrs := []string{}
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr.String(), n.host.ID().String()))
	}
	return addrs
}

// RoutingTableSize returns the number of peers in the routing table.
func (n *P2PNode) RoutingTableSize() int {
	_, kdht, _, err := n.running()
	if err != nil {
		return 0
	}
	return kdht.RoutingTable().Size()
}

func (n *P2PNode) running() (host.Host, *kaddht.IpfsDHT, *drouting.RoutingDiscovery, error) {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.host == nil {
		return nil, nil, nil, ErrNotListening
	}
	return n.host, n.kdht, n.rd, nil
}

func (n *P2PNode) forwardEvents(ctx context.Context, sub event.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			evt, ok := e.(event.EvtPeerIdentificationCompleted)
			if !ok {
				continue
			}
			n.emit(Event{Kind: EventNode, Node: evt.Peer.String()})
		}
	}
}

func (n *P2PNode) advertisedHost() string {
	ip := net.ParseIP(n.cfg.Host)
	if ip == nil || ip.IsUnspecified() {
		return "127.0.0.1"
	}
	return ip.String()
}

func fetchPorts(ctx context.Context, h host.Host, addrInfo peer.AddrInfo, keyHex string) (string, []int, error) {
	var ip string
	var ports []int
	err := retry.Do(
		func() error {
			if err := h.Connect(ctx, addrInfo); err != nil {
				return err
			}
			s, err := h.NewStream(ctx, addrInfo.ID, PortsProtocol)
			if err != nil {
				return err
			}
			defer s.Close()
			_, err = io.WriteString(s, keyHex+"\n")
			if err != nil {
				return err
			}
			err = s.CloseWrite()
			if err != nil {
				return err
			}
			b, err := io.ReadAll(io.LimitReader(s, 4096))
			if err != nil {
				return fmt.Errorf("failed to read ports from stream: %w", err)
			}
			err = json.Unmarshal(b, &ports)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			remoteIP, err := manet.ToIP(s.Conn().RemoteMultiaddr())
			if err != nil {
				return retry.Unrecoverable(err)
			}
			ip = remoteIP.String()
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(50*time.Millisecond),
	)
	if err != nil {
		return "", nil, err
	}
	return ip, ports, nil
}

func (n *P2PNode) handlePortsRequest(s network.Stream) {
	defer s.Close()
	line, err := bufio.NewReader(io.LimitReader(s, 2*KeySize+2)).ReadString('\n')
	if err != nil {
		n.log.V(4).Info("could not read ports request", "error", err)
		_ = s.Reset()
		return
	}
	ports, ok := n.ports.Get(strings.TrimSpace(line))
	if !ok {
		ports = []int{}
	}
	b, err := json.Marshal(ports)
	if err != nil {
		_ = s.Reset()
		return
	}
	_, _ = s.Write(b)
}

func mergePort(ports []int, port int) []int {
	for _, p := range ports {
		if p == port {
			return ports
		}
	}
	merged := append(append([]int{}, ports...), port)
	sort.Ints(merged)
	return merged
}

func bootstrapFunc(log logr.Logger, bootstrapper Bootstrapper, h host.Host) func() []peer.AddrInfo {
	return func() []peer.AddrInfo {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer bootstrapCancel()

		hostAddrs := h.Addrs()
		if len(hostAddrs) == 0 {
			return nil
		}
		var hostPort ma.Component
		ma.ForEach(hostAddrs[0], func(c ma.Component) bool {
			if c.Protocol().Code == ma.P_TCP {
				hostPort = c
				return false
			}
			return true
		})

		addrInfos, err := bootstrapper.Get(bootstrapCtx)
		if err != nil {
			log.Error(err, "could not get bootstrap addresses")
			return nil
		}
		filteredAddrInfos := []peer.AddrInfo{}
		for _, addrInfo := range addrInfos {
			if addrInfo.ID != "" && addrInfo.ID == h.ID() {
				log.Info("skipping bootstrap peer that is same as host")
				continue
			}

			// Add port to address if it is missing.
			modifiedAddrs := []ma.Multiaddr{}
			for _, addr := range addrInfo.Addrs {
				hasPort := false
				ma.ForEach(addr, func(c ma.Component) bool {
					if c.Protocol().Code == ma.P_TCP {
						hasPort = true
						return false
					}
					return true
				})
				if hasPort {
					modifiedAddrs = append(modifiedAddrs, addr)
					continue
				}
				modifiedAddrs = append(modifiedAddrs, ma.Join(addr, &hostPort))
			}
			addrInfo.Addrs = modifiedAddrs

			// Resolve ID if it is missing.
			if addrInfo.ID != "" {
				filteredAddrInfos = append(filteredAddrInfos, addrInfo)
				continue
			}
			addrInfo.ID = "id"
			err = h.Connect(bootstrapCtx, addrInfo)
			var mismatchErr sec.ErrPeerIDMismatch
			if !errors.As(err, &mismatchErr) {
				log.Error(err, "could not get peer id")
				continue
			}
			if mismatchErr.Actual == h.ID() {
				continue
			}
			addrInfo.ID = mismatchErr.Actual
			filteredAddrInfos = append(filteredAddrInfos, addrInfo)
		}
		if len(filteredAddrInfos) == 0 {
			log.Info("no bootstrap nodes found")
			return nil
		}
		return filteredAddrInfos
	}
}

func listenMultiaddrs(addr string) ([]ma.Multiaddr, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tcpComp, err := ma.NewMultiaddr(fmt.Sprintf("/tcp/%s", p))
	if err != nil {
		return nil, err
	}
	ipComps := []ma.Multiaddr{}
	ip := net.ParseIP(h)
	if ip.To4() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	} else if ip.To16() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	}
	if len(ipComps) == 0 {
		ipComps = []ma.Multiaddr{manet.IP6Unspecified, manet.IP4Unspecified}
	}
	multiAddrs := []ma.Multiaddr{}
	for _, ipComp := range ipComps {
		multiAddrs = append(multiAddrs, ipComp.Encapsulate(tcpComp))
	}
	return multiAddrs, nil
}

func keyCid(key []byte) (cid.Cid, error) {
	if len(key) != KeySize {
		return cid.Cid{}, fmt.Errorf("%w: expected %d bytes but got %d", ErrHashFormat, KeySize, len(key))
	}
	m, err := mh.Encode(key, mh.SHA2_256)
	if err != nil {
		return cid.Cid{}, err
	}
	return cid.NewCidV1(uint64(mc.Raw), mh.Multihash(m)), nil
}

func loadOrCreatePrivateKey(ctx context.Context, fs afero.Fs, dataDir string) (crypto.PrivKey, error) { //nolint: ireturn // LibP2P returns interfaces so we also have to.
	keyPath := filepath.Join(dataDir, "private.key")
	log := logr.FromContextOrDiscard(ctx).WithValues("path", keyPath)
	err := fs.MkdirAll(dataDir, 0o755)
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(fs, keyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Info("creating a new private key")
		privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		rawBytes, err := privKey.Raw()
		if err != nil {
			return nil, err
		}
		pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(ed25519.PrivateKey(rawBytes))
		if err != nil {
			return nil, err
		}
		block := &pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: pkcs8Bytes,
		}
		err = afero.WriteFile(fs, keyPath, pem.EncodeToMemory(block), 0o600)
		if err != nil {
			return nil, err
		}
		return privKey, nil
	}
	log.Info("loading the private key from data directory")
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("invalid PEM block in private key file")
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	edKey, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}
	return crypto.UnmarshalEd25519PrivateKey(edKey)
}

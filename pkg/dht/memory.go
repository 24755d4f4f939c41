package dht

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var _ Node = &MemoryNode{}

// MemoryNetwork is an in-process overlay shared by MemoryNodes.
type MemoryNetwork struct {
	mx        sync.Mutex
	nodes     map[*MemoryNode]struct{}
	providers map[string]map[string]string
	records   map[string]*Record
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:     map[*MemoryNode]struct{}{},
		providers: map[string]map[string]string{},
		records:   map[string]*Record{},
	}
}

// MemoryNode is a Node living inside a MemoryNetwork.
type MemoryNode struct {
	emitter
	network *MemoryNetwork
	host    string
	verify  Verifier

	mx   sync.Mutex
	id   string
	port int
}

// NewNode creates a node announcing itself on host. An empty host uses the
// loopback address.
func (n *MemoryNetwork) NewNode(host string, verify Verifier) *MemoryNode {
	if host == "" || net.ParseIP(host).IsUnspecified() {
		host = "127.0.0.1"
	}
	if verify == nil {
		verify = Ed25519Verifier
	}
	return &MemoryNode{
		network: n,
		host:    host,
		verify:  verify,
	}
}

func (m *MemoryNode) Listen(ctx context.Context, port int) error {
	m.mx.Lock()
	if m.id != "" {
		m.mx.Unlock()
		return fmt.Errorf("memory node is already listening on %d", m.port)
	}
	m.port = port
	m.id = net.JoinHostPort(m.host, strconv.Itoa(port))
	m.mx.Unlock()

	m.network.mx.Lock()
	others := []*MemoryNode{}
	for other := range m.network.nodes {
		others = append(others, other)
	}
	m.network.nodes[m] = struct{}{}
	m.network.mx.Unlock()

	m.emit(Event{Kind: EventListening, Addrs: []string{m.id}})
	for _, other := range others {
		m.emit(Event{Kind: EventNode, Node: other.nodeID()})
		other.emit(Event{Kind: EventNode, Node: m.id})
	}
	m.emit(Event{Kind: EventReady})
	return nil
}

func (m *MemoryNode) Announce(ctx context.Context, key []byte, port int) error {
	id := m.nodeID()
	if id == "" {
		return ErrNotListening
	}
	addr := net.JoinHostPort(m.host, strconv.Itoa(port))
	k := hex.EncodeToString(key)

	m.network.mx.Lock()
	if _, ok := m.network.providers[k]; !ok {
		m.network.providers[k] = map[string]string{}
	}
	m.network.providers[k][addr] = id
	nodes := m.network.listeners()
	m.network.mx.Unlock()

	for _, node := range nodes {
		node.emit(Event{Kind: EventAnnounce, Peer: addr, Key: key})
	}
	return nil
}

func (m *MemoryNode) Lookup(ctx context.Context, key []byte) (int, error) {
	if m.nodeID() == "" {
		return 0, ErrNotListening
	}
	m.network.mx.Lock()
	providers := map[string]string{}
	for addr, from := range m.network.providers[hex.EncodeToString(key)] {
		providers[addr] = from
	}
	queried := len(m.network.nodes)
	m.network.mx.Unlock()

	for addr, from := range providers {
		if err := ctx.Err(); err != nil {
			return queried, err
		}
		m.emit(Event{Kind: EventPeer, Peer: addr, Key: key, From: from})
	}
	return queried, nil
}

func (m *MemoryNode) Put(ctx context.Context, opts PutOptions) ([]byte, error) {
	if m.nodeID() == "" {
		return nil, ErrNotListening
	}
	rec, err := NewRecord(opts, m.verify)
	if err != nil {
		return nil, err
	}
	id := hex.EncodeToString(rec.ID)

	m.network.mx.Lock()
	defer m.network.mx.Unlock()
	if stored, ok := m.network.records[id]; ok && len(rec.K) > 0 && rec.Seq < stored.Seq {
		return nil, fmt.Errorf("%w: %d < %d", ErrSequenceTooLow, rec.Seq, stored.Seq)
	}
	m.network.records[id] = rec
	return rec.ID, nil
}

func (m *MemoryNode) Get(ctx context.Context, hash string) (*Record, error) {
	if m.nodeID() == "" {
		return nil, ErrNotListening
	}
	id, err := DecodeHash(hash)
	if err != nil {
		return nil, err
	}
	m.network.mx.Lock()
	defer m.network.mx.Unlock()
	rec, ok := m.network.records[hex.EncodeToString(id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryNode) Destroy(ctx context.Context) error {
	m.mx.Lock()
	m.id = ""
	m.mx.Unlock()

	m.network.mx.Lock()
	delete(m.network.nodes, m)
	m.network.mx.Unlock()
	return nil
}

func (m *MemoryNode) nodeID() string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.id
}

// listeners must be called with the network lock held.
func (n *MemoryNetwork) listeners() []*MemoryNode {
	nodes := make([]*MemoryNode, 0, len(n.nodes))
	for node := range n.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

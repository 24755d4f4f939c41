package dht

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	sha256 "github.com/minio/sha256-simd"
)

// KeySize is the width of hashed discovery keys and record ids.
const KeySize = sha256.Size

var (
	ErrHashFormat       = errors.New("hash is not a valid hex encoded key")
	ErrNotListening     = errors.New("dht node is not listening")
	ErrInvalidSignature = errors.New("record signature is invalid")
	ErrValueTooLarge    = errors.New("record value is too large")
	ErrSequenceTooLow   = errors.New("record sequence number is lower than the stored one")
	ErrNotFound         = errors.New("record not found")
)

// Node is a distributed key/value and peer discovery engine.
type Node interface {
	// Listen binds the node to port and joins the network.
	Listen(ctx context.Context, port int) error
	// Announce publishes this host as a provider of key reachable on port.
	Announce(ctx context.Context, key []byte, port int) error
	// Lookup searches providers of key and returns how many nodes answered.
	// Providers are reported through EventPeer before Lookup returns.
	Lookup(ctx context.Context, key []byte) (int, error)
	// Put stores a record and returns its id.
	Put(ctx context.Context, opts PutOptions) ([]byte, error)
	// Get fetches the record stored under the hex encoded id.
	Get(ctx context.Context, hash string) (*Record, error)
	// Destroy leaves the network and releases every resource held.
	Destroy(ctx context.Context) error
	// Subscribe registers fn for every event emitted by the node.
	Subscribe(fn func(Event)) (unsubscribe func())
}

type EventKind string

const (
	EventListening EventKind = "listening"
	EventReady     EventKind = "ready"
	EventNode      EventKind = "node"
	EventWarning   EventKind = "warning"
	EventError     EventKind = "error"
	EventAnnounce  EventKind = "announce"
	EventPeer      EventKind = "peer"
)

// Event is emitted by a Node. Which fields are set depends on Kind:
// Peer and Key for announce and peer, From for peer, Node for node,
// Addrs for listening and Err for warning and error.
type Event struct {
	Kind  EventKind
	Peer  string
	Key   []byte
	From  string
	Node  string
	Addrs []string
	Err   error
}

// PutOptions describes a record to store. A record carrying K is mutable and
// must be signed by the matching private key.
type PutOptions struct {
	K    []byte
	Sig  []byte
	Salt []byte
	V    []byte
	Seq  int64
}

// Record is a value stored in the DHT.
type Record struct {
	ID   []byte
	K    []byte
	V    []byte
	Seq  int64
	Sig  []byte
	Salt []byte
}

// HashKey hashes a discovery key to the fixed width identifier handed to Node.
func HashKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// DecodeHash parses a hex encoded key or record id.
func DecodeHash(hash string) ([]byte, error) {
	b, err := hex.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHashFormat, err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes but got %d", ErrHashFormat, KeySize, len(b))
	}
	return b, nil
}

type emitter struct {
	mx   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func (e *emitter) Subscribe(fn func(Event)) func() {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.subs == nil {
		e.subs = map[int]func(Event){}
	}
	id := e.next
	e.next++
	e.subs[id] = fn
	return func() {
		e.mx.Lock()
		defer e.mx.Unlock()
		delete(e.subs, id)
	}
}

func (e *emitter) emit(ev Event) {
	e.mx.RLock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mx.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

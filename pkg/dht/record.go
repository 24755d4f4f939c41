package dht

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/libp2p/go-libp2p/core/crypto"
	record "github.com/libp2p/go-libp2p-record"
	sha256 "github.com/minio/sha256-simd"
)

const (
	// Namespace prefixes every value key stored in the DHT.
	Namespace = "grape"
	// MaxValueSize is the largest value a record may carry.
	MaxValueSize = 1000
)

// Verifier reports whether sig is a valid signature of msg by pubKey.
type Verifier func(sig, msg, pubKey []byte) bool

// Ed25519Verifier verifies ed25519 signatures.
func Ed25519Verifier(sig, msg, pubKey []byte) bool {
	pk, err := crypto.UnmarshalEd25519PublicKey(pubKey)
	if err != nil {
		return false
	}
	ok, err := pk.Verify(msg, sig)
	return err == nil && ok
}

// SignableMessage returns the bytes a mutable record's signature covers.
func SignableMessage(salt []byte, seq int64, v []byte) []byte {
	buf := &bytes.Buffer{}
	if len(salt) > 0 {
		buf.WriteString("4:salt")
		writeBencodeBytes(buf, salt)
	}
	buf.WriteString("3:seqi")
	buf.WriteString(strconv.FormatInt(seq, 10))
	buf.WriteString("e1:v")
	writeBencodeBytes(buf, v)
	return buf.Bytes()
}

func writeBencodeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}

// RecordID derives the id a record is stored under. Mutable records are
// addressed by public key and salt, immutable ones by their value.
func RecordID(opts PutOptions) []byte {
	h := sha256.New()
	if len(opts.K) > 0 {
		h.Write(opts.K)
		h.Write(opts.Salt)
	} else {
		h.Write(opts.V)
	}
	return h.Sum(nil)
}

// NewRecord validates opts and builds the record to store.
func NewRecord(opts PutOptions, verify Verifier) (*Record, error) {
	if len(opts.V) > MaxValueSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrValueTooLarge, len(opts.V), MaxValueSize)
	}
	if len(opts.K) > 0 {
		if len(opts.Sig) == 0 {
			return nil, fmt.Errorf("%w: mutable record is not signed", ErrInvalidSignature)
		}
		if verify == nil {
			verify = Ed25519Verifier
		}
		if !verify(opts.Sig, SignableMessage(opts.Salt, opts.Seq, opts.V), opts.K) {
			return nil, ErrInvalidSignature
		}
	}
	return &Record{
		ID:   RecordID(opts),
		K:    opts.K,
		V:    opts.V,
		Seq:  opts.Seq,
		Sig:  opts.Sig,
		Salt: opts.Salt,
	}, nil
}

func valueKey(id []byte) string {
	return "/" + Namespace + "/" + hex.EncodeToString(id)
}

type wireRecord struct {
	K    []byte `json:"k,omitempty"`
	V    []byte `json:"v"`
	Seq  int64  `json:"seq,omitempty"`
	Sig  []byte `json:"sig,omitempty"`
	Salt []byte `json:"salt,omitempty"`
}

func marshalRecord(rec *Record) ([]byte, error) {
	return json.Marshal(wireRecord{
		K:    rec.K,
		V:    rec.V,
		Seq:  rec.Seq,
		Sig:  rec.Sig,
		Salt: rec.Salt,
	})
}

func unmarshalRecord(b []byte) (*Record, error) {
	w := wireRecord{}
	err := json.Unmarshal(b, &w)
	if err != nil {
		return nil, err
	}
	opts := PutOptions{K: w.K, V: w.V, Seq: w.Seq, Sig: w.Sig, Salt: w.Salt}
	return &Record{
		ID:   RecordID(opts),
		K:    w.K,
		V:    w.V,
		Seq:  w.Seq,
		Sig:  w.Sig,
		Salt: w.Salt,
	}, nil
}

var _ record.Validator = &recordValidator{}

// recordValidator checks values stored under the grape namespace of the DHT.
type recordValidator struct {
	verify Verifier
}

func (v *recordValidator) Validate(key string, value []byte) error {
	ns, id, err := record.SplitKey(key)
	if err != nil {
		return err
	}
	if ns != Namespace {
		return fmt.Errorf("unexpected namespace %s", ns)
	}
	rec, err := unmarshalRecord(value)
	if err != nil {
		return fmt.Errorf("could not decode record: %w", err)
	}
	if hex.EncodeToString(rec.ID) != id {
		return errors.New("record does not match its key")
	}
	_, err = NewRecord(PutOptions{K: rec.K, Sig: rec.Sig, Salt: rec.Salt, V: rec.V, Seq: rec.Seq}, v.verify)
	return err
}

// Select prefers the mutable record with the highest sequence number.
func (v *recordValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestSeq int64
	for i, value := range values {
		rec, err := unmarshalRecord(value)
		if err != nil {
			continue
		}
		if best == -1 || rec.Seq > bestSeq {
			best = i
			bestSeq = rec.Seq
		}
	}
	if best == -1 {
		return 0, errors.New("no valid record to select")
	}
	return best, nil
}

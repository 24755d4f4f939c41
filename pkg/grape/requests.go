package grape

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"grape/pkg/dht"
)

func (d *Dispatcher) handleLookup(ctx context.Context, data []byte) (any, error) {
	value, ok := decodeString(data)
	if !ok {
		return nil, ErrLookup
	}
	return d.Lookup(ctx, value)
}

func (d *Dispatcher) handleAnnounce(ctx context.Context, data []byte) (any, error) {
	args := []json.RawMessage{}
	err := json.Unmarshal(data, &args)
	if err != nil || len(args) != 2 {
		return nil, ErrAnnounce
	}
	value, ok := decodeString(args[0])
	if !ok {
		return nil, ErrAnnounce
	}
	port, ok := decodeInteger(args[1])
	if !ok {
		return nil, ErrServicePort
	}
	err = d.Announce(ctx, value, port)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

type putRequest struct {
	K    json.RawMessage `json:"k"`
	Sig  json.RawMessage `json:"sig"`
	Salt json.RawMessage `json:"salt"`
	V    json.RawMessage `json:"v"`
	Seq  *float64        `json:"seq"`
}

func (d *Dispatcher) handlePut(ctx context.Context, data []byte) (any, error) {
	req := putRequest{}
	err := json.Unmarshal(data, &req)
	if err != nil {
		return nil, newError(KindGeneric, fmt.Errorf("could not decode put request: %w", err))
	}
	opts, err := req.options()
	if err != nil {
		return nil, newError(KindGeneric, err)
	}
	return d.Put(ctx, opts)
}

func (req putRequest) options() (dht.PutOptions, error) {
	opts := dht.PutOptions{
		V: decodeValue(req.V),
	}
	if req.Seq != nil {
		if *req.Seq != math.Trunc(*req.Seq) {
			return dht.PutOptions{}, errors.New("seq must be an integer")
		}
		opts.Seq = int64(*req.Seq)
	}
	if isAbsent(req.K) {
		return opts, nil
	}
	var err error
	opts.K, err = decodeBytes(req.K)
	if err != nil {
		return dht.PutOptions{}, fmt.Errorf("invalid k: %w", err)
	}
	if !isAbsent(req.Sig) {
		opts.Sig, err = decodeBytes(req.Sig)
		if err != nil {
			return dht.PutOptions{}, fmt.Errorf("invalid sig: %w", err)
		}
	}
	if !isAbsent(req.Salt) {
		opts.Salt, err = decodeBytes(req.Salt)
		if err != nil {
			return dht.PutOptions{}, fmt.Errorf("invalid salt: %w", err)
		}
	}
	return opts, nil
}

type getRequest struct {
	Hash string `json:"hash"`
	Salt string `json:"salt"`
}

func (d *Dispatcher) handleGet(ctx context.Context, data []byte) (any, error) {
	hash, ok := decodeString(data)
	if !ok {
		req := getRequest{}
		if err := json.Unmarshal(data, &req); err == nil {
			hash = req.Hash
		}
	}
	return d.Get(ctx, hash)
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeString(raw []byte) (string, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// decodeInteger accepts JSON numbers without a fractional part.
func decodeInteger(raw []byte) (int, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := num.Int64(); err == nil {
		if i < math.MinInt32 || i > math.MaxInt32 {
			return 0, false
		}
		return int(i), true
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// decodeValue returns the bytes of a JSON string, or the compact JSON
// encoding of any other value.
func decodeValue(raw json.RawMessage) []byte {
	if isAbsent(raw) {
		return nil
	}
	if s, ok := decodeString(raw); ok {
		return []byte(s)
	}
	buf := &bytes.Buffer{}
	if err := json.Compact(buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// decodeBytes normalizes a hex string, a JSON array of bytes or a serialized
// buffer object ({"type":"Buffer","data":[...]}) to raw bytes.
func decodeBytes(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case string:
		return hex.DecodeString(t)
	case []any:
		return byteArray(t)
	case map[string]any:
		arr, ok := t["data"].([]any)
		if !ok || t["type"] != "Buffer" {
			return nil, errors.New("unsupported byte object")
		}
		return byteArray(arr)
	default:
		return nil, fmt.Errorf("unsupported byte encoding %T", v)
	}
}

func byteArray(arr []any) ([]byte, error) {
	b := make([]byte, 0, len(arr))
	for _, e := range arr {
		f, ok := e.(float64)
		if !ok || f != math.Trunc(f) || f < 0 || f > 255 {
			return nil, fmt.Errorf("invalid byte %v", e)
		}
		b = append(b, byte(f))
	}
	return b, nil
}

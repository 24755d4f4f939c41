package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) (crypto.PrivKey, []byte) {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	raw, err := pub.Raw()
	require.NoError(t, err)
	return priv, raw
}

func signedOptions(t *testing.T, priv crypto.PrivKey, k, salt, v []byte, seq int64) PutOptions {
	t.Helper()
	sig, err := priv.Sign(SignableMessage(salt, seq, v))
	require.NoError(t, err)
	return PutOptions{K: k, Sig: sig, Salt: salt, V: v, Seq: seq}
}

func TestSignableMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "3:seqi1e1:v5:hello", string(SignableMessage(nil, 1, []byte("hello"))))
	require.Equal(t, "4:salt3:foo3:seqi42e1:v0:", string(SignableMessage([]byte("foo"), 42, nil)))
}

func TestHexRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range [][]byte{{}, {0x00}, {0xde, 0xad, 0xbe, 0xef}, HashKey("foo-10000"), bytes.Repeat([]byte{0xff}, 64)} {
		b, err := hex.DecodeString(hex.EncodeToString(s))
		require.NoError(t, err)
		require.Equal(t, s, b)
	}
}

func TestDecodeHash(t *testing.T) {
	t.Parallel()

	key := HashKey("foo")
	b, err := DecodeHash(hex.EncodeToString(key))
	require.NoError(t, err)
	require.Equal(t, key, b)

	for _, hash := range []string{"zz", "abc", "deadbeef", ""} {
		_, err := DecodeHash(hash)
		require.ErrorIs(t, err, ErrHashFormat, hash)
	}
}

func TestNewRecord(t *testing.T) {
	t.Parallel()

	priv, pub := newSigner(t)

	rec, err := NewRecord(PutOptions{V: []byte("immutable")}, nil)
	require.NoError(t, err)
	require.Equal(t, RecordID(PutOptions{V: []byte("immutable")}), rec.ID)

	opts := signedOptions(t, priv, pub, []byte("salt"), []byte("mutable"), 3)
	rec, err = NewRecord(opts, nil)
	require.NoError(t, err)
	require.Equal(t, RecordID(PutOptions{K: pub, Salt: []byte("salt")}), rec.ID)
	require.Equal(t, int64(3), rec.Seq)

	opts.V = []byte("tampered")
	_, err = NewRecord(opts, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewRecord(PutOptions{K: pub, V: []byte("unsigned")}, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewRecord(PutOptions{V: bytes.Repeat([]byte("a"), MaxValueSize+1)}, nil)
	require.ErrorIs(t, err, ErrValueTooLarge)

	alwaysValid := func(sig, msg, pubKey []byte) bool { return true }
	_, err = NewRecord(PutOptions{K: []byte{0xde, 0xad, 0xbe, 0xef}, Sig: []byte{1}, V: []byte("x")}, alwaysValid)
	require.NoError(t, err)
}

func TestRecordValidator(t *testing.T) {
	t.Parallel()

	priv, pub := newSigner(t)
	v := &recordValidator{verify: Ed25519Verifier}

	low, err := NewRecord(signedOptions(t, priv, pub, nil, []byte("one"), 1), nil)
	require.NoError(t, err)
	high, err := NewRecord(signedOptions(t, priv, pub, nil, []byte("two"), 2), nil)
	require.NoError(t, err)
	lowB, err := marshalRecord(low)
	require.NoError(t, err)
	highB, err := marshalRecord(high)
	require.NoError(t, err)

	require.NoError(t, v.Validate(valueKey(low.ID), lowB))
	require.Error(t, v.Validate(valueKey(HashKey("other")), lowB))
	require.Error(t, v.Validate("/other/"+hex.EncodeToString(low.ID), lowB))
	require.Error(t, v.Validate(valueKey(low.ID), []byte("not json")))

	idx, err := v.Select(valueKey(low.ID), [][]byte{lowB, []byte("garbage"), highB})
	require.NoError(t, err)
	require.Equal(t, 2, idx)

	_, err = v.Select(valueKey(low.ID), [][]byte{[]byte("garbage")})
	require.Error(t, err)
}

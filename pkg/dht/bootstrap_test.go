package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestNewStaticBootstrapperFromStrings(t *testing.T) {
	t.Parallel()

	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	id := pid.String()
	bs, err := NewStaticBootstrapperFromStrings([]string{
		"127.0.0.1:20001",
		"[::1]:20002",
		" ",
		"/ip4/10.0.0.1/tcp/20003",
		"/ip4/10.0.0.2/tcp/20004/p2p/" + id,
		"seed.example.com:20005",
	})
	require.NoError(t, err)
	addrInfos, err := bs.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, addrInfos, 5)

	require.Equal(t, "/ip4/127.0.0.1/tcp/20001", addrInfos[0].Addrs[0].String())
	require.Empty(t, addrInfos[0].ID)
	require.Equal(t, "/ip6/::1/tcp/20002", addrInfos[1].Addrs[0].String())
	require.Equal(t, "/ip4/10.0.0.1/tcp/20003", addrInfos[2].Addrs[0].String())
	require.Equal(t, id, addrInfos[3].ID.String())
	require.Equal(t, "/ip4/10.0.0.2/tcp/20004", addrInfos[3].Addrs[0].String())
	require.Equal(t, "/dns/seed.example.com/tcp/20005", addrInfos[4].Addrs[0].String())

	_, err = NewStaticBootstrapperFromStrings([]string{"no-port"})
	require.Error(t, err)
	_, err = NewStaticBootstrapperFromStrings([]string{"/bogus/1"})
	require.Error(t, err)
}

type failingBootstrapper struct{}

func (failingBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	return nil, errors.New("unreachable")
}

func TestCombineBootstrappers(t *testing.T) {
	t.Parallel()

	static, err := NewStaticBootstrapperFromStrings([]string{"127.0.0.1:1"})
	require.NoError(t, err)

	addrInfos, err := CombineBootstrappers(failingBootstrapper{}, nil, static).Get(context.Background())
	require.NoError(t, err)
	require.Len(t, addrInfos, 1)

	_, err = CombineBootstrappers(failingBootstrapper{}).Get(context.Background())
	require.EqualError(t, err, "unreachable")
}

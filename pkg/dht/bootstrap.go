package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
)

// Bootstrapper returns the seed nodes used to join the network.
type Bootstrapper interface {
	Get(ctx context.Context) ([]peer.AddrInfo, error)
}

var _ Bootstrapper = &StaticBootstrapper{}

type StaticBootstrapper struct {
	peers []peer.AddrInfo
}

func NewStaticBootstrapper(peers []peer.AddrInfo) *StaticBootstrapper {
	return &StaticBootstrapper{
		peers: peers,
	}
}

// NewStaticBootstrapperFromStrings accepts multiaddrs, with or without a
// /p2p component, and plain host:port pairs.
func NewStaticBootstrapperFromStrings(addrs []string) (*StaticBootstrapper, error) {
	peers := []peer.AddrInfo{}
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		addrInfo, err := parseBootstrapAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %s: %w", addr, err)
		}
		peers = append(peers, addrInfo)
	}
	return NewStaticBootstrapper(peers), nil
}

func (b *StaticBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	return b.peers, nil
}

func parseBootstrapAddr(addr string) (peer.AddrInfo, error) {
	if !strings.HasPrefix(addr, "/") {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return peer.AddrInfo{}, err
		}
		maddr, err := hostPortMultiaddr(host, port)
		if err != nil {
			return peer.AddrInfo{}, err
		}
		return peer.AddrInfo{Addrs: []ma.Multiaddr{maddr}}, nil
	}
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	addrInfo, err := peer.AddrInfoFromP2pAddr(maddr)
	if errors.Is(err, peer.ErrInvalidAddr) {
		return peer.AddrInfo{Addrs: []ma.Multiaddr{maddr}}, nil
	}
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return *addrInfo, nil
}

func hostPortMultiaddr(host, port string) (ma.Multiaddr, error) {
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return ma.NewMultiaddr(fmt.Sprintf("/dns/%s/tcp/%s", host, port))
	case ip.To4() != nil:
		return ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%s", host, port))
	default:
		return ma.NewMultiaddr(fmt.Sprintf("/ip6/%s/tcp/%s", host, port))
	}
}

var _ Bootstrapper = &DNSBootstrapper{}

// DNSBootstrapper resolves seed nodes from the A and AAAA records of a domain.
// The returned addresses have no port; the node's own DHT port is assumed.
type DNSBootstrapper struct {
	client  *dns.Client
	domain  string
	server  string
	limit   int
	retries uint
}

func NewDNSBootstrapper(domain string, limit int) *DNSBootstrapper {
	return &DNSBootstrapper{
		client:  &dns.Client{Timeout: 5 * time.Second},
		domain:  dns.Fqdn(domain),
		limit:   limit,
		retries: 3,
	}
}

// WithServer pins the resolver instead of reading /etc/resolv.conf.
func (b *DNSBootstrapper) WithServer(server string) *DNSBootstrapper {
	b.server = server
	return b
}

func (b *DNSBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	server := b.server
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, err
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no dns servers configured")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	addrInfos := []peer.AddrInfo{}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := &dns.Msg{}
		msg.SetQuestion(b.domain, qtype)
		var resp *dns.Msg
		err := retry.Do(
			func() error {
				var err error
				resp, _, err = b.client.ExchangeContext(ctx, msg, server)
				return err
			},
			retry.Context(ctx),
			retry.Attempts(b.retries),
			retry.Delay(100*time.Millisecond),
		)
		if err != nil {
			return nil, fmt.Errorf("could not resolve %s: %w", b.domain, err)
		}
		for _, answer := range resp.Answer {
			var ip net.IP
			switch rr := answer.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			maddr, err := ipMultiaddr(ip)
			if err != nil {
				return nil, err
			}
			addrInfos = append(addrInfos, peer.AddrInfo{Addrs: []ma.Multiaddr{maddr}})
			if b.limit > 0 && len(addrInfos) >= b.limit {
				return addrInfos, nil
			}
		}
	}
	return addrInfos, nil
}

func ipMultiaddr(ip net.IP) (ma.Multiaddr, error) {
	if ip.To4() != nil {
		return ma.NewMultiaddr(fmt.Sprintf("/ip4/%s", ip.String()))
	}
	return ma.NewMultiaddr(fmt.Sprintf("/ip6/%s", ip.String()))
}

type multiBootstrapper []Bootstrapper

// CombineBootstrappers returns a Bootstrapper merging the results of bs.
func CombineBootstrappers(bs ...Bootstrapper) Bootstrapper { //nolint: ireturn // Return type can be different structs.
	return multiBootstrapper(bs)
}

func (m multiBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	addrInfos := []peer.AddrInfo{}
	errs := []error{}
	for _, b := range m {
		if b == nil {
			continue
		}
		found, err := b.Get(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrInfos = append(addrInfos, found...)
	}
	if len(addrInfos) == 0 {
		return nil, errors.Join(errs...)
	}
	return addrInfos, nil
}

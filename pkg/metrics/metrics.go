package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grape"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of dispatched requests by type and outcome.",
	}, []string{"type", "result"})

	LookupDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lookup_duration_seconds",
		Help:      "The duration for a lookup to resolve peers.",
	}, []string{"source"})

	PeerCacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peer_cache_entries",
		Help:      "Number of discovery keys held in the peer cache.",
	})

	DiscoveredPeersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovered_peers_total",
		Help:      "Total number of peer discovery events received from the DHT.",
	})

	AnnouncedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "announced_keys",
		Help:      "Number of discovery keys this node currently serves ports for.",
	})

	DHTEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dht_events_total",
		Help:      "Total number of events emitted by the DHT node.",
	}, []string{"event"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests served by the API.",
	}, []string{"handler", "method", "code"})

	HTTPResponseSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "The size of HTTP API responses.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"handler"})
)

func Register() {
	DefaultRegisterer.MustRegister(RequestsTotal)
	DefaultRegisterer.MustRegister(LookupDurHistogram)
	DefaultRegisterer.MustRegister(PeerCacheEntries)
	DefaultRegisterer.MustRegister(DiscoveredPeersTotal)
	DefaultRegisterer.MustRegister(AnnouncedKeys)
	DefaultRegisterer.MustRegister(DHTEventsTotal)
	DefaultRegisterer.MustRegister(HTTPRequestsTotal)
	DefaultRegisterer.MustRegister(HTTPResponseSizeHistogram)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"grape/pkg/dht"
	"grape/pkg/metrics"
	"grape/pkg/node"
)

type Arguments struct {
	Config          string        `arg:"--config,env:GRAPE_CONFIG" help:"TOML file providing defaults for every other option."`
	Host            string        `arg:"--host,env:GRAPE_HOST" help:"Address the DHT and API bind to, empty binds to all interfaces."`
	DHTPort         int           `arg:"--dht-port,env:DHT_PORT" help:"Port the DHT listens on."`
	DHTBootstrap    []string      `arg:"--dht-bootstrap,env:DHT_BOOTSTRAP" help:"Seed nodes as host:port or multiaddr."`
	DHTBootstrapDNS string        `arg:"--dht-bootstrap-dns,env:DHT_BOOTSTRAP_DNS" help:"Domain resolving to seed nodes listening on the DHT port."`
	DHTMaxTables    int           `arg:"--dht-max-tables,env:DHT_MAX_TABLES" help:"Maximum number of announced keys served by this node."`
	DHTConcurrency  int           `arg:"--dht-concurrency,env:DHT_CONCURRENCY" help:"Number of parallel DHT queries."`
	DHTNodeLiveness time.Duration `arg:"--dht-node-liveness,env:DHT_NODE_LIVENESS" help:"Interval at which the routing table is refreshed."`
	APIPort         int           `arg:"--api-port,env:API_PORT" help:"Port the HTTP API listens on."`
	Timeslot        time.Duration `arg:"--timeslot,env:TIMESLOT" help:"Width of an announce time slot."`
	MetricsAddr     string        `arg:"--metrics-addr,env:METRICS_ADDR" help:"Address to serve metrics and pprof on, empty disables it."`
	DataDir         string        `arg:"--data-dir,env:DATA_DIR" help:"Directory where the node identity is persisted, empty uses an ephemeral identity."`
	LogLevel        slog.Level    `arg:"--log-level,env:LOG_LEVEL" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

// fileConfig is the TOML representation of Arguments.
type fileConfig struct {
	Host            *string  `toml:"host"`
	DHTPort         *int     `toml:"dht_port"`
	DHTBootstrap    []string `toml:"dht_bootstrap"`
	DHTBootstrapDNS *string  `toml:"dht_bootstrap_dns"`
	DHTMaxTables    *int     `toml:"dht_maxTables"`
	DHTConcurrency  *int     `toml:"dht_concurrency"`
	DHTNodeLiveness any      `toml:"dht_nodeLiveness"`
	APIPort         *int     `toml:"api_port"`
	Timeslot        any      `toml:"timeslot"`
	MetricsAddr     *string  `toml:"metrics_addr"`
	DataDir         *string  `toml:"data_dir"`
	LogLevel        *string  `toml:"log_level"`
}

func defaultArguments() *Arguments {
	cfg := node.DefaultConfig()
	return &Arguments{
		DHTPort:         cfg.DHTPort,
		DHTMaxTables:    cfg.DHTMaxTables,
		DHTConcurrency:  cfg.DHTConcurrency,
		DHTNodeLiveness: cfg.DHTNodeLiveness,
		Timeslot:        cfg.Timeslot,
		MetricsAddr:     ":9090",
		LogLevel:        slog.LevelInfo,
	}
}

func main() {
	args := defaultArguments()
	if path := configPath(os.Args[1:]); path != "" {
		err := loadConfigFile(path, args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

// configPath finds the config file before flags are parsed so that its values
// become the defaults flags and env override.
func configPath(argv []string) string {
	for i, a := range argv {
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return os.Getenv("GRAPE_CONFIG")
}

func loadConfigFile(path string, args *Arguments) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	fc := fileConfig{}
	err = toml.Unmarshal(b, &fc)
	if err != nil {
		return fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return fc.apply(args)
}

func (fc fileConfig) apply(args *Arguments) error {
	setIfPresent(&args.Host, fc.Host)
	setIfPresent(&args.DHTPort, fc.DHTPort)
	setIfPresent(&args.DHTBootstrapDNS, fc.DHTBootstrapDNS)
	setIfPresent(&args.DHTMaxTables, fc.DHTMaxTables)
	setIfPresent(&args.DHTConcurrency, fc.DHTConcurrency)
	setIfPresent(&args.APIPort, fc.APIPort)
	setIfPresent(&args.MetricsAddr, fc.MetricsAddr)
	setIfPresent(&args.DataDir, fc.DataDir)
	if fc.DHTBootstrap != nil {
		args.DHTBootstrap = fc.DHTBootstrap
	}
	var errs []error
	if fc.DHTNodeLiveness != nil {
		d, err := parseDuration("dht_nodeLiveness", fc.DHTNodeLiveness)
		errs = append(errs, err)
		args.DHTNodeLiveness = d
	}
	if fc.Timeslot != nil {
		d, err := parseDuration("timeslot", fc.Timeslot)
		errs = append(errs, err)
		args.Timeslot = d
	}
	if fc.LogLevel != nil {
		errs = append(errs, args.LogLevel.UnmarshalText([]byte(*fc.LogLevel)))
	}
	return errors.Join(errs...)
}

// parseDuration accepts integer milliseconds or a duration string such as "30s".
func parseDuration(key string, v any) (time.Duration, error) {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("%s must not be negative, got %d", key, v)
		}
		return time.Duration(v) * time.Millisecond, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("%s must be milliseconds or a duration string, got %T", key, v)
	}
}

func setIfPresent[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (args *Arguments) nodeConfig() node.Config {
	return node.Config{
		Host:            args.Host,
		DHTPort:         args.DHTPort,
		DHTBootstrap:    args.DHTBootstrap,
		DHTMaxTables:    args.DHTMaxTables,
		DHTConcurrency:  args.DHTConcurrency,
		DHTNodeLiveness: args.DHTNodeLiveness,
		APIPort:         args.APIPort,
		Timeslot:        args.Timeslot,
	}
}

func run(ctx context.Context, args *Arguments) error {
	log := logr.FromContextOrDiscard(ctx)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	cfg := args.nodeConfig()
	dhtOpts := []dht.P2PNodeOption{
		dht.WithDataDir(args.DataDir),
	}
	if args.DHTBootstrapDNS != "" {
		bootstrapper, err := getBootstrapper(args)
		if err != nil {
			return err
		}
		dhtOpts = append(dhtOpts, dht.WithBootstrapper(bootstrapper))
	}
	grape, err := node.NewGrape(cfg, node.WithLogger(log), node.WithDHTOptions(dhtOpts...))
	if err != nil {
		return err
	}
	g.Go(func() error {
		return grape.Run(ctx, 30*time.Second)
	})

	// Metrics
	if args.MetricsAddr != "" {
		metrics.Register()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
		mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
		mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
		mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		mux.Handle("/debug/pprof/block", pprof.Handler("block"))
		mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
		metricsSrv := &http.Server{
			Addr:              args.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	log.Info("running grape", "api", args.APIPort, "dht", args.DHTPort, "metrics", args.MetricsAddr)
	return g.Wait()
}

func getBootstrapper(args *Arguments) (dht.Bootstrapper, error) { //nolint: ireturn // Return type can be different structs.
	static, err := dht.NewStaticBootstrapperFromStrings(args.DHTBootstrap)
	if err != nil {
		return nil, err
	}
	dns := dht.NewDNSBootstrapper(args.DHTBootstrapDNS, 10)
	return dht.CombineBootstrappers(static, dns), nil
}

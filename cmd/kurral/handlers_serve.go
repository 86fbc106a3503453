// Package main provides the kurral command line interface.
//
// handlers_serve.go wires the MCP proxy to the configured backends: the
// artifact store, the tool-call cache, the hook bus with its Pulse stream
// fan-out and the health checker.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/kurral/kurral/config"
	rediscache "github.com/kurral/kurral/features/cache/redis"
	mongostore "github.com/kurral/kurral/features/store/mongo"
	clientsmongo "github.com/kurral/kurral/features/store/mongo/clients/mongo"
	"github.com/kurral/kurral/features/store/remote"
	streampulse "github.com/kurral/kurral/features/stream/pulse"
	clientspulse "github.com/kurral/kurral/features/stream/pulse/clients/pulse"
	"github.com/kurral/kurral/runtime/cache"
	cacheinmem "github.com/kurral/kurral/runtime/cache/inmem"
	"github.com/kurral/kurral/runtime/hooks"
	"github.com/kurral/kurral/runtime/mcp/proxy"
	"github.com/kurral/kurral/runtime/store"
	storeinmem "github.com/kurral/kurral/runtime/store/inmem"
	"github.com/kurral/kurral/runtime/store/local"
	"github.com/kurral/kurral/runtime/telemetry"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

func runServe(ctx context.Context, mode, upstream, artifactPath string, httpPort int, dbg bool) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Proxy.Mode = mode
	}
	if upstream != "" {
		cfg.Proxy.Upstream = upstream
	}
	if httpPort != 0 {
		cfg.Proxy.Port = httpPort
	}
	dbg = dbg || cfg.Debug
	if dbg {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	var upstreamURL *url.URL
	if cfg.Proxy.Upstream != "" {
		upstreamURL, err = url.Parse(cfg.Proxy.Upstream)
		if err != nil {
			return fmt.Errorf("parse upstream: %w", err)
		}
	}

	st, storePingers, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := hooks.NewBus()
	cch, cachePingers, closeCache := buildCache(ctx, cfg, bus)
	defer closeCache()

	p, err := proxy.New(proxy.Options{
		Mode:            proxy.Mode(cfg.Proxy.Mode),
		Upstream:        upstreamURL,
		Cache:           cch,
		Store:           st,
		Bus:             bus,
		EventWindow:     cfg.Proxy.EventWindow,
		UpstreamTimeout: cfg.Proxy.UpstreamTimeout(),
		SSEIdleTimeout:  cfg.Proxy.SSEIdleTimeout(),
		ReplaySpeed:     proxy.Speed(cfg.Proxy.ReplaySpeed),
		Logger:          telemetry.NewClueLogger(),
		Metrics:         telemetry.NewClueMetrics(),
	})
	if err != nil {
		return err
	}

	if artifactPath != "" {
		a, err := readArtifactFile(artifactPath)
		if err != nil {
			return err
		}
		log.Printf(ctx, "loaded %d captured calls from %s", p.Load(a), artifactPath)
	}

	// The proxy handles its own routes; the muxer adds the health checker
	// and, in debug mode, the pprof and log-level endpoints.
	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	mux.Handle("POST", "/", p.ServeHTTP)
	mux.Handle("POST", "/mcp", p.ServeHTTP)
	mux.Handle("GET", "/stats", p.ServeHTTP)
	mux.Handle("GET", "/health", p.ServeHTTP)
	pingers := append(storePingers, cachePingers...)
	mux.Handle("GET", "/healthz", health.Handler(health.NewChecker(pingers...)))

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	addr := net.JoinHostPort(cfg.Proxy.Host, strconv.Itoa(cfg.Proxy.Port))
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "MCP proxy (%s mode) listening on %s", p.Mode(), addr)
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.Printf(ctx, "exiting (%v)", sig)
	case err := <-errc:
		return fmt.Errorf("proxy server: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
	}

	if p.Mode() == proxy.ModeRecord && p.Session().Len() > 0 {
		a, err := p.Export(sctx)
		if err != nil {
			return fmt.Errorf("export session: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session artifact: %s (%d calls)\n", a.KurralID, len(a.MCPToolCalls))
	}

	log.Printf(ctx, "exited")
	return nil
}

// buildStore constructs the artifact store selected by the configuration.
// The returned cleanup releases backend connections.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, []health.Pinger, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case config.BackendLocal:
		st, err := local.New(local.Options{
			Root:    cfg.Storage.LocalPath,
			Logger:  telemetry.NewClueLogger(),
			Metrics: telemetry.NewClueMetrics(),
		})
		return st, nil, noop, err

	case config.BackendMemory:
		st := storeinmem.New(storeinmem.Options{
			MaxEntries: cfg.Storage.MemoryMaxArtifacts,
			MaxBytes:   cfg.Storage.MemoryMaxBytes(),
		})
		return st, nil, noop, nil

	case config.BackendMongo:
		cli, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URL))
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = cli.Disconnect(dctx)
		}
		mc, err := clientsmongo.New(clientsmongo.Options{Client: cli, Database: cfg.Mongo.Database})
		if err != nil {
			disconnect()
			return nil, nil, noop, err
		}
		st, err := mongostore.NewStore(mc)
		if err != nil {
			disconnect()
			return nil, nil, noop, err
		}
		return st, []health.Pinger{mc}, disconnect, nil

	case config.BackendAPI:
		var opts []remote.Option
		if cfg.API.TenantID != "" {
			opts = append(opts, remote.WithTenant(cfg.API.TenantID))
		}
		rc, err := remote.New(cfg.API.URL, cfg.API.Key, opts...)
		if err != nil {
			return nil, nil, noop, err
		}
		return rc, []health.Pinger{rc}, noop, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildCache prefers the configured Redis and registers the Pulse event
// fan-out on the bus when it is reachable. An unreachable Redis falls back
// to an in-process cache without event streaming.
func buildCache(ctx context.Context, cfg *config.Config, bus hooks.Bus) (cache.Cache, []health.Pinger, func()) {
	noop := func() {}
	inproc := func() (cache.Cache, []health.Pinger, func()) {
		return cacheinmem.New(cacheinmem.Options{TTL: cfg.CacheTTL()}), nil, noop
	}
	if cfg.Redis.URL == "" {
		return inproc()
	}

	ropts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Printf(ctx, "invalid redis url, using in-memory cache: %v", err)
		return inproc()
	}
	rdb := redis.NewClient(ropts)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Printf(ctx, "redis unreachable, using in-memory cache: %v", err)
		_ = rdb.Close()
		return inproc()
	}

	rc, err := rediscache.New(rediscache.Options{Redis: rdb, TTL: cfg.CacheTTL()})
	if err != nil {
		log.Printf(ctx, "redis cache unavailable, using in-memory cache: %v", err)
		_ = rdb.Close()
		return inproc()
	}

	streams, sub := buildStreams(ctx, rdb, bus)
	cleanup := func() {
		if sub != nil {
			_ = sub.Close()
		}
		if streams != nil {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = streams.Close(cctx)
		}
		_ = rdb.Close()
	}
	return rc, []health.Pinger{rc}, cleanup
}

// buildStreams registers the Pulse forwarder on the bus so every hook event
// also lands on the Redis stream. Stream failures only cost the fan-out.
func buildStreams(ctx context.Context, rdb *redis.Client, bus hooks.Bus) (*streampulse.Streams, hooks.Subscription) {
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		log.Printf(ctx, "event streaming disabled: %v", err)
		return nil, nil
	}
	streams, err := streampulse.NewStreams(streampulse.StreamsOptions{Client: pc})
	if err != nil {
		log.Printf(ctx, "event streaming disabled: %v", err)
		return nil, nil
	}
	sub, err := bus.Register(streams.Forwarder())
	if err != nil {
		log.Printf(ctx, "event streaming disabled: %v", err)
		return nil, nil
	}
	return streams, sub
}

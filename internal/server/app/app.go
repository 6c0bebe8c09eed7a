package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/adminapi"
	"github.com/ccheshirecat/fleet/internal/server/config"
	"github.com/ccheshirecat/fleet/internal/server/daemon"
	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/db/sqlite"
	"github.com/ccheshirecat/fleet/internal/server/eventbus/memory"
	"github.com/ccheshirecat/fleet/internal/server/eventbus/natsexport"
	"github.com/ccheshirecat/fleet/internal/server/httpapi"
	"github.com/ccheshirecat/fleet/internal/server/inventory"
	"github.com/ccheshirecat/fleet/internal/server/lockreg"
	"github.com/ccheshirecat/fleet/internal/server/metrics"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator"
	"github.com/ccheshirecat/fleet/internal/server/pingcheck"
	"github.com/ccheshirecat/fleet/internal/server/reconcile"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
	"github.com/ccheshirecat/fleet/internal/server/telemetry"
	"github.com/ccheshirecat/fleet/internal/server/tsdb"
)

// Params configures New. Store, Submitter and Pinger are optional and are
// built from Config when nil.
type Params struct {
	Config    config.ServerConfig
	Logger    *slog.Logger
	Store     db.Store
	Submitter submitter.Submitter
	Pinger    pingcheck.Pinger
}

// App wires the config, persistence, orchestrator, daemons and both HTTP
// listeners.
type App struct {
	cfg       config.ServerConfig
	logger    *slog.Logger
	store     db.Store
	points    *tsdb.Store
	engine    orchestrator.Engine
	forwarder *natsexport.Forwarder
	daemons   *daemon.Registry
	metrics   *telemetry.Metrics

	apiServer    *http.Server
	adminServer  *http.Server
	shutdownWait time.Duration

	ready     chan struct{}
	addrMu    sync.Mutex
	apiAddr   string
	adminAddr string
}

// New constructs the daemon application.
func New(ctx context.Context, params Params) (_ *App, err error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("app: logger is required")
	}
	cfg := params.Config
	logger := params.Logger

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	store := params.Store
	if store == nil {
		opened, err := sqlite.Open(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("app: open database: %w", err)
		}
		store = opened
		closers = append(closers, func() error { return opened.Close(context.Background()) })
	}

	sub := params.Submitter
	if sub == nil {
		httpSub, err := submitter.NewHTTP(submitter.HTTPOptions{
			Scheme:  cfg.AgentScheme,
			Port:    cfg.AgentPort,
			Timeout: cfg.AgentTimeout,
			APIKey:  cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("app: agent client: %w", err)
		}
		sub = httpSub
	}

	telemetryMetrics := telemetry.New()
	bus := memory.New()

	engine, err := orchestrator.New(orchestrator.Params{
		Store:          store,
		Logger:         logger,
		Submitter:      sub,
		Bus:            bus,
		Locks:          lockreg.New(),
		Metrics:        telemetryMetrics,
		DiskspaceParam: cfg.DiskspaceParam,
		MetricStreams:  cfg.MetricStreams,
		DeleteTimeout:  cfg.DeleteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	var forwarder *natsexport.Forwarder
	if cfg.NATSURL != "" {
		forwarder, err = natsexport.Connect(cfg.NATSURL, bus, logger)
		if err != nil {
			return nil, fmt.Errorf("app: connect nats: %w", err)
		}
		closers = append(closers, func() error { forwarder.Close(); return nil })
	}

	points, err := tsdb.Open(cfg.TSDBPath)
	if err != nil {
		return nil, fmt.Errorf("app: open tsdb: %w", err)
	}
	closers = append(closers, points.Close)

	var sources []inventory.Source
	if cfg.InventoryFile != "" {
		sources = append(sources, inventory.NewFileSource(cfg.InventoryFile, engine))
	}
	if cfg.InventoryURL != "" {
		sources = append(sources, inventory.NewHTTPSource(cfg.InventoryURL, engine, inventory.HTTPOptions{Timeout: cfg.AgentTimeout}))
	}

	syncDaemon, err := reconcile.New(reconcile.Params{
		Store:        store,
		Orchestrator: engine,
		Sources:      sources,
		Logger:       logger,
		Metrics:      telemetryMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init sync daemon: %w", err)
	}

	pinger := params.Pinger
	if pinger == nil {
		pinger = pingcheck.ICMPPinger{}
	}
	pingDaemon, err := pingcheck.New(pingcheck.Params{
		Store:    store,
		Pinger:   pinger,
		MemLimit: cfg.PingMemLimit,
		Logger:   logger,
		Metrics:  telemetryMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init ping-check daemon: %w", err)
	}

	gatherer, err := metrics.New(metrics.Params{
		Store:     store,
		Submitter: sub,
		Points:    points,
		Logger:    logger,
		Metrics:   telemetryMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init metrics daemon: %w", err)
	}

	registry := daemon.NewRegistry()
	for _, d := range []struct {
		proc     daemon.Process
		interval time.Duration
	}{
		{syncDaemon, cfg.SyncInterval},
		{pingDaemon, cfg.PingInterval},
		{gatherer, cfg.MetricsInterval},
	} {
		runner, err := daemon.NewRunner(d.proc, d.interval, logger, telemetryMetrics)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		if err := registry.Add(runner); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	apiHandler := httpapi.New(logger, engine, httpapi.Options{APIKey: cfg.APIKey})
	adminHandler := adminapi.New(store, registry, telemetryMetrics)

	return &App{
		cfg:       cfg,
		logger:    logger.With("component", "app"),
		store:     store,
		points:    points,
		engine:    engine,
		forwarder: forwarder,
		daemons:   registry,
		metrics:   telemetryMetrics,
		apiServer: &http.Server{
			Addr:        cfg.APIListenAddr,
			Handler:     apiHandler,
			ReadTimeout: 30 * time.Second,
			// Action output and event streams can outlive a fixed write timeout.
			IdleTimeout: 120 * time.Second,
		},
		adminServer: &http.Server{
			Addr:         cfg.AdminListenAddr,
			Handler:      adminHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		shutdownWait: 15 * time.Second,
		ready:        make(chan struct{}),
	}, nil
}

// Ready is closed once both listeners are bound.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// APIAddr returns the bound API address once Ready is closed.
func (a *App) APIAddr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.apiAddr
}

// AdminAddr returns the bound admin address once Ready is closed.
func (a *App) AdminAddr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.adminAddr
}

// Daemons exposes the daemon registry.
func (a *App) Daemons() *daemon.Registry {
	return a.daemons
}

// Engine exposes the orchestrator engine.
func (a *App) Engine() orchestrator.Engine {
	return a.engine
}

// Run starts the orchestrator engine, the daemons and both HTTP servers,
// blocking until context cancellation. Everything is released on return.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		a.close()
		return fmt.Errorf("start orchestrator: %w", err)
	}

	apiLn, err := net.Listen("tcp", a.apiServer.Addr)
	if err != nil {
		a.stopEngine()
		a.close()
		return fmt.Errorf("listen api: %w", err)
	}
	adminLn, err := net.Listen("tcp", a.adminServer.Addr)
	if err != nil {
		_ = apiLn.Close()
		a.stopEngine()
		a.close()
		return fmt.Errorf("listen admin: %w", err)
	}
	a.addrMu.Lock()
	a.apiAddr, a.adminAddr = apiLn.Addr().String(), adminLn.Addr().String()
	a.addrMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.daemons.Run(runCtx)
	}()
	if a.forwarder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.forwarder.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("nats forwarder: %w", err)
			}
		}()
	}
	for _, srv := range []struct {
		name   string
		server *http.Server
		ln     net.Listener
	}{
		{"api", a.apiServer, apiLn},
		{"admin", a.adminServer, adminLn},
	} {
		go func() {
			a.logger.Info(srv.name+" server listening", "addr", srv.ln.Addr().String())
			if err := srv.server.Serve(srv.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", srv.name, err)
			}
		}()
	}
	close(a.ready)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.shutdownWait)
	defer shutdownCancel()

	var errs []error
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	if err := a.adminServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
	}
	cancel()
	wg.Wait()
	if err := a.engine.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine stop: %w", err))
	}
	errs = append(errs, a.close())
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown", "error", err)
		if runErr == nil || errors.Is(runErr, context.Canceled) {
			return err
		}
	}
	return runErr
}

func (a *App) stopEngine() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
	defer cancel()
	_ = a.engine.Stop(ctx)
}

func (a *App) close() error {
	var errs []error
	if a.forwarder != nil {
		a.forwarder.Close()
	}
	if a.points != nil {
		if err := a.points.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tsdb close: %w", err))
		}
	}
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	return errors.Join(errs...)
}

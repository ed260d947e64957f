package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/changefeed"
	"github.com/loqalabs/orbit/internal/config"
	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/natsserver"
	"github.com/loqalabs/orbit/internal/pipeline"
	"github.com/loqalabs/orbit/internal/presence"
	"golang.org/x/sync/errgroup"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	storage  storage
	presence *presence.Registry
	floor    *floor.Controller
	rooms    *pipeline.Manager
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires the bus, storage, floor control and room pipelines, serves
// the control API and blocks until ctx is cancelled or a server fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	if err := r.wire(ctx); err != nil {
		r.teardown()
		return err
	}
	defer r.teardown()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	NewAPI(r.floor, r.rooms, r.presence, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if r.storage.prune != nil {
		g.Go(func() error {
			return pruneLoop(gctx, r.storage.prune, pruneInterval, r.logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind),
		slog.String("store", r.cfg.Store.Driver))

	return g.Wait()
}

func (r *Runtime) wire(ctx context.Context) error {
	embedded, busClient, err := connectBus(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	r.embedded, r.bus = embedded, busClient

	st, err := openStorage(ctx, r.cfg.Store, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	r.storage = st

	r.presence = presence.NewRegistry(r.cfg.Presence, busClient, r.logger)
	if err := r.presence.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence: %w", err)
	}

	feed := changefeed.NewNATS(busClient, r.logger)
	floorCtl := floor.NewController(st.leases, feed, r.logger,
		floor.WithPresence(r.presence),
		floor.WithTTL(time.Duration(r.cfg.Floor.LeaseTTL)*time.Millisecond),
		floor.WithRenewThreshold(time.Duration(r.cfg.Floor.RenewThreshold)*time.Millisecond))
	r.floor = floorCtl

	deps, err := pipelineDeps(r.cfg, busClient, st, floorCtl, feed, r.logger)
	if err != nil {
		return err
	}
	// Room sessions outlive the request that created them and stop only in
	// teardown.
	r.rooms = pipeline.NewManager(context.WithoutCancel(ctx), r.cfg, deps, r.logger)
	return nil
}

// teardown releases everything wire created, in reverse order.
func (r *Runtime) teardown() {
	if r.rooms != nil {
		r.rooms.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.storage.close != nil {
		if err := r.storage.close(); err != nil {
			r.logger.Error("store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) healthy() bool {
	return r.bus != nil && r.bus.Healthy() && r.rooms != nil && r.rooms.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

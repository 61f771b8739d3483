package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bnema/zerowrap"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/dockyard/internal/adapters/in/http/middleware"
	registryhttp "github.com/bnema/dockyard/internal/adapters/in/http/registry"
	"github.com/bnema/dockyard/internal/adapters/out/eventbus"
	"github.com/bnema/dockyard/internal/adapters/out/filesystem"
	"github.com/bnema/dockyard/internal/adapters/out/ratelimit"
	"github.com/bnema/dockyard/internal/adapters/out/sqlite"
	"github.com/bnema/dockyard/internal/adapters/out/telemetry"
	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/internal/usecase/cron"
	"github.com/bnema/dockyard/internal/usecase/registry"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second

	// limiterIdle is how long a per-client bucket may go unused before the
	// sweep job drops it.
	limiterIdle = 10 * time.Minute

	jobUploadReaper   = "upload-reaper"
	jobLimiterSweep   = "ratelimit-sweep"
	limiterSweepEvery = 5 * time.Minute
)

// server holds the wired components behind the HTTP listener.
type server struct {
	handler   http.Handler
	service   *registry.Service
	scheduler *cron.Scheduler
	eventBus  *eventbus.InMemory
	index     *sqlite.Index
	limiters  []*ratelimit.MemoryStore
}

// Run loads the configuration, starts the registry and blocks until ctx is
// cancelled or the process receives SIGINT or SIGTERM.
func Run(ctx context.Context, configPath, version string) error {
	_, cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	limits, err := cfg.validate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, cleanup, err := initLogger(cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = zerowrap.WithCtx(ctx, log)

	_, shutdownTelemetry, err := telemetry.NewProvider(ctx, cfg.Telemetry, "dockyard", version)
	if err != nil {
		return log.WrapErr(err, "failed to initialize telemetry")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(flushCtx)
	}()

	srv, err := buildServer(ctx, cfg, limits, log)
	if err != nil {
		return err
	}
	defer srv.close(log)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return log.WrapErr(err, "failed to listen")
	}

	log.Info().
		Str("version", version).
		Str("addr", ln.Addr().String()).
		Str("data_dir", cfg.Server.DataDir).
		Msg("dockyard registry started")

	return serve(ctx, srv, ln, log)
}

// buildServer wires storage, the use case, background jobs and the HTTP
// stack. Background work is started before it returns.
func buildServer(ctx context.Context, cfg Config, limits registryLimits, log zerowrap.Logger) (*server, error) {
	registryDir := cfg.registryDir()

	blobs, err := filesystem.NewBlobStorage(registryDir, cfg.Registry.BlobCacheSize, log)
	if err != nil {
		return nil, log.WrapErr(err, "failed to create blob storage")
	}
	staging, err := filesystem.NewUploadStaging(registryDir, log)
	if err != nil {
		return nil, log.WrapErr(err, "failed to create upload staging")
	}
	manifests, err := filesystem.NewManifestStorage(registryDir, log)
	if err != nil {
		return nil, log.WrapErr(err, "failed to create manifest storage")
	}
	index, err := sqlite.Open(ctx, filepath.Join(registryDir, sqlite.DBFilename), log)
	if err != nil {
		return nil, log.WrapErr(err, "failed to open repository index")
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		index.Close()
		return nil, log.WrapErr(err, "failed to create metrics")
	}

	bus := eventbus.NewInMemory(100, log)
	bus.SetMetrics(metrics)
	if err := bus.Subscribe(telemetry.NewRecorder(metrics)); err != nil {
		index.Close()
		return nil, log.WrapErr(err, "failed to subscribe metrics recorder")
	}
	if err := bus.Start(); err != nil {
		index.Close()
		return nil, log.WrapErr(err, "failed to start event bus")
	}

	svc := registry.NewService(blobs, staging, manifests, index, bus, registry.Config{
		UploadTTL: cfg.Registry.UploadTTL,
	})

	srv := &server{
		service:  svc,
		eventBus: bus,
		index:    index,
	}

	rateLimit := srv.rateLimiting(cfg, log)

	if err := srv.startJobs(ctx, cfg, log); err != nil {
		srv.close(log)
		return nil, err
	}

	mux := http.NewServeMux()
	registryhttp.NewHandler(svc, registryhttp.Limits{
		MaxManifestSize: limits.maxManifestSize,
		MaxChunkSize:    limits.maxChunkSize,
	}, log).RegisterRoutes(mux)

	trusted := cfg.trustedProxies()
	srv.handler = middleware.Chain(
		middleware.PanicRecovery(log),
		middleware.RequestLogger(log, trusted, metrics),
		middleware.SecurityHeaders,
		middleware.CIDRAllowlist(middleware.ParseTrustedProxies(cfg.API.AllowedCIDRs), trusted, log),
		rateLimit,
	)(mux)

	return srv, nil
}

// rateLimiting builds the configured limiters and the middleware using them.
func (s *server) rateLimiting(cfg Config, log zerowrap.Logger) func(http.Handler) http.Handler {
	rl := cfg.API.RateLimit
	var global, perIP out.RateLimiter
	if rl.Enabled {
		if rl.GlobalRPS > 0 {
			store := ratelimit.NewMemoryStore(rl.GlobalRPS, rl.Burst, log)
			s.limiters = append(s.limiters, store)
			global = store
		}
		if rl.PerIPRPS > 0 {
			store := ratelimit.NewMemoryStore(rl.PerIPRPS, rl.Burst, log)
			s.limiters = append(s.limiters, store)
			perIP = store
		}
	}
	return registryhttp.RateLimitMiddleware(global, perIP, rl.TrustedProxies, log)
}

// startJobs schedules the upload reaper and the limiter sweep. The reaper
// also runs once right away to clear staging left by a previous process.
func (s *server) startJobs(ctx context.Context, cfg Config, log zerowrap.Logger) error {
	resolution := cron.DefaultResolution
	if cfg.Registry.ReapInterval < resolution {
		resolution = cfg.Registry.ReapInterval
	}
	s.scheduler = cron.NewScheduler(resolution, log)

	reap := func(ctx context.Context) error {
		_, err := s.service.ReapExpiredUploads(ctx)
		return err
	}
	if err := s.scheduler.Add(jobUploadReaper, "Reap expired uploads",
		domain.CronSchedule{Every: cfg.Registry.ReapInterval}, reap); err != nil {
		return log.WrapErr(err, "failed to schedule upload reaper")
	}

	if len(s.limiters) > 0 {
		sweep := func(ctx context.Context) error {
			for _, l := range s.limiters {
				l.Sweep(ctx, limiterIdle)
			}
			return nil
		}
		if err := s.scheduler.Add(jobLimiterSweep, "Sweep idle rate limit buckets",
			domain.CronSchedule{Every: limiterSweepEvery}, sweep); err != nil {
			return log.WrapErr(err, "failed to schedule limiter sweep")
		}
	}

	if err := s.scheduler.RunNow(ctx, jobUploadReaper); err != nil {
		log.Warn().Err(err).Msg("initial upload reap failed")
	}
	s.scheduler.Start(ctx)
	return nil
}

// close stops background work and releases storage.
func (s *server) close(log zerowrap.Logger) {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if err := s.eventBus.Stop(); err != nil {
		log.Warn().Err(err).Msg("failed to stop event bus")
	}
	if err := s.index.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close repository index")
	}
}

// serve runs the HTTP server on ln until ctx is done, then drains in-flight
// requests.
func serve(ctx context.Context, srv *server, ln net.Listener, log zerowrap.Logger) error {
	httpServer := &http.Server{
		Handler:           srv.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("registry server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down registry server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

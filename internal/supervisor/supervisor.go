// Package supervisor wires the pipeline together: startup order, graceful
// shutdown with per-component budgets, and process exit codes.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/holorelay/holorelay/internal/auth"
	"github.com/holorelay/holorelay/internal/broadcast"
	"github.com/holorelay/holorelay/internal/bus"
	"github.com/holorelay/holorelay/internal/config"
	"github.com/holorelay/holorelay/internal/correlator"
	"github.com/holorelay/holorelay/internal/gateway"
	"github.com/holorelay/holorelay/internal/generator"
	"github.com/holorelay/holorelay/internal/metrics"
	"github.com/holorelay/holorelay/internal/snapshot"
	"github.com/holorelay/holorelay/internal/store"
	"github.com/holorelay/holorelay/internal/telemetry"
	"github.com/holorelay/holorelay/internal/worker"
)

// Process exit codes.
const (
	ExitOK             = 0 // clean shutdown
	ExitConfig         = 1 // configuration error
	ExitForced         = 2 // shutdown budget overrun or fatal state
	ExitBusUnreachable = 3 // bus unreachable at startup
)

// Shutdown budgets per component.
const (
	gatewayBudget     = 50 * time.Millisecond
	broadcasterBudget = 2500 * time.Millisecond
	workerBudget      = 10 * time.Second
	tailBudget        = 5 * time.Second // snapshotter, store, bus, telemetry
)

// Supervisor owns component lifecycles.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func New(cfg *config.Config, logger zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger}
}

// runtime holds the started components for the shutdown sequence.
type runtime struct {
	store   store.Store
	bus     *bus.Client
	metrics *metrics.Server
	tracing *telemetry.Provider
	snap    *snapshot.Snapshotter
	pool    *worker.Pool
	engine  *broadcast.Engine
	gateway *gateway.Server
}

// Run starts every component in order, blocks until ctx is cancelled (the
// signal handler lives in main) and then shuts down within the budgets.
// The return value is the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	rt, code := s.start(ctx)
	if code != ExitOK {
		return code
	}

	s.logger.Info().Msg("holorelay started")
	<-ctx.Done()
	s.logger.Info().Msg("Shutdown signal received")
	return s.shutdown(rt)
}

func (s *Supervisor) start(ctx context.Context) (*runtime, int) {
	cfg := s.cfg
	rt := &runtime{}

	// Store first: everything downstream persists through it.
	switch cfg.StoreBackend {
	case "sql":
		st, err := store.NewSQL(ctx, store.SQLConfig{DatabaseURL: cfg.DatabaseURL}, s.logger)
		if err != nil {
			s.logger.Error().Err(err).Msg("Scene store startup failed")
			return nil, ExitForced
		}
		rt.store = st
	default:
		rt.store = store.NewMemory()
	}

	busClient, err := bus.Connect(bus.Config{
		URL:  cfg.BusURL,
		Name: cfg.ServiceName,
	}, s.logger)
	if err != nil {
		s.logger.Error().Err(err).Str("bus_url", cfg.BusURL).Msg("Bus unreachable")
		return nil, ExitBusUnreachable
	}
	rt.bus = busClient

	if cfg.ExportProm {
		rt.metrics = metrics.NewServer(cfg.PromPort)
		rt.metrics.Start(ctx)
	}

	rt.tracing, err = telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName, s.logger)
	if err != nil {
		// Tracing is not load-bearing; run without it.
		s.logger.Warn().Err(err).Msg("Tracing setup failed, continuing without traces")
		rt.tracing = &telemetry.Provider{}
	}

	gen, err := generator.New(cfg.Generator)
	if err != nil {
		s.logger.Error().Err(err).Str("generator", cfg.Generator).Msg("Generator selection failed")
		return nil, ExitConfig
	}

	var uploader snapshot.Uploader
	if cfg.Bucket != "" {
		uploader, err = snapshot.NewS3Uploader(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Object storage setup failed")
			return nil, ExitForced
		}
	}
	rt.snap = snapshot.New(snapshot.Config{
		Bucket:   cfg.Bucket,
		Interval: cfg.SnapshotInterval(),
		Timeout:  cfg.SnapshotTimeout(),
	}, rt.store, uploader, s.logger)
	rt.snap.Start(ctx)

	rt.pool = worker.New(worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		GeneratorMax: cfg.GeneratorMax(),
		DedupWindow:  cfg.DedupWindow(),
	}, busClient, rt.store, gen, telemetry.Tracer(), s.logger)
	if err := rt.pool.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Worker pool startup failed")
		return nil, ExitForced
	}

	corr := correlator.New(cfg.RequestReplyTimeout(), s.logger)
	if err := corr.Start(busClient); err != nil {
		s.logger.Error().Err(err).Msg("Correlator startup failed")
		return nil, ExitForced
	}

	rt.engine = broadcast.New(broadcast.Config{
		TickInterval: cfg.TickInterval(),
		QueueCap:     cfg.BroadcastQueueCap,
		SoftBacklog:  cfg.BacklogSoftBytes,
		HardBacklog:  cfg.BacklogHardBytes,
		WriteTimeout: cfg.WriteTimeout(),
	}, telemetry.Tracer(), s.logger)
	go rt.engine.Run(context.Background())
	if err := busClient.Subscribe(bus.FrameSubjectWildcard(), rt.engine.HandleFrame); err != nil {
		s.logger.Error().Err(err).Msg("Frame subscription failed")
		return nil, ExitForced
	}

	rt.gateway = gateway.New(gateway.Config{
		Addr:              cfg.Addr,
		QueueCap:          cfg.BroadcastQueueCap,
		MaxConnsPerIP:     cfg.MaxConnsPerIP,
		MaxConnsPerTenant: cfg.MaxConnsPerTenant,
		WriteTimeout:      cfg.WriteTimeout(),
		RequestTTL:        cfg.GeneratorMax(),
	}, auth.NewJWTVerifier(cfg.JWTSecret), rt.engine, corr, busClient, s.logger)
	rt.gateway.Start(ctx)

	return rt, ExitOK
}

// shutdown runs the teardown sequence. A step that exceeds its budget
// flips the exit code to forced, but later steps still run.
func (s *Supervisor) shutdown(rt *runtime) int {
	forced := false

	step := func(name string, budget time.Duration, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		start := time.Now()
		err := fn(ctx)
		elapsed := time.Since(start)
		if err != nil || elapsed > budget {
			forced = true
			s.logger.Warn().
				Err(err).
				Str("component", name).
				Dur("budget", budget).
				Dur("elapsed", elapsed).
				Msg("Shutdown step overran its budget")
			return
		}
		s.logger.Info().
			Str("component", name).
			Dur("elapsed", elapsed).
			Msg("Shutdown step complete")
	}

	// Stop intake first so nothing new arrives while draining.
	step("gateway", gatewayBudget, rt.gateway.Shutdown)
	step("broadcaster", broadcasterBudget, rt.engine.Shutdown)
	step("workers", workerBudget, rt.pool.Drain)

	step("snapshotter", tailBudget, func(context.Context) error {
		rt.snap.Stop()
		return nil
	})
	step("store", tailBudget, func(context.Context) error {
		return rt.store.Close()
	})
	step("bus", tailBudget, func(context.Context) error {
		return rt.bus.Drain()
	})
	step("tracing", tailBudget, rt.tracing.Shutdown)
	if rt.metrics != nil {
		step("metrics", tailBudget, rt.metrics.Shutdown)
	}

	if forced {
		s.logger.Error().Msg("Shutdown forced (budget overrun)")
		return ExitForced
	}
	s.logger.Info().Msg("Shutdown complete")
	return ExitOK
}

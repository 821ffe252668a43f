// Package worker consumes scene-generation requests from the bus queue
// group, runs the generator under a deadline cap and publishes results and
// live frames.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holorelay/holorelay/internal/bus"
	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/generator"
	"github.com/holorelay/holorelay/internal/logging"
	"github.com/holorelay/holorelay/internal/metrics"
	"github.com/holorelay/holorelay/internal/scene"
	"github.com/holorelay/holorelay/internal/store"
	"github.com/holorelay/holorelay/internal/telemetry"
)

// sceneNamespace derives sceneIDs from jobIDs. Deterministic derivation
// keeps persistence idempotent across redeliveries.
var sceneNamespace = uuid.MustParse("7b1f6f1e-8c2a-4f6e-9f4d-0d3f5a2e9c01")

// Bus is the slice of the bus client the pool needs. Satisfied by
// *bus.Client; faked in tests.
type Bus interface {
	QueueSubscribe(subject, group string, handler bus.Handler) error
	PublishTraced(subject string, body interface{}, traceparent string) error
	Publish(subject string, body interface{}) error
}

// Config holds pool settings.
type Config struct {
	WorkerID     string
	Concurrency  int
	GeneratorMax time.Duration
	DedupWindow  time.Duration
}

// Pool is the queue-group consumer. Up to Concurrency requests are
// processed in parallel; the rest wait in the bus.
type Pool struct {
	cfg    Config
	bus    Bus
	store  store.Store
	gen    generator.Generator
	tracer trace.Tracer
	logger zerolog.Logger

	dedup *dedup
	sem   chan struct{}
	wg    sync.WaitGroup
}

// New builds a pool. tracer may be telemetry.NoopTracer() in tests.
func New(cfg Config, b Bus, st store.Store, gen generator.Generator, tracer trace.Tracer, logger zerolog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.GeneratorMax <= 0 {
		cfg.GeneratorMax = 10 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	return &Pool{
		cfg:    cfg,
		bus:    b,
		store:  st,
		gen:    gen,
		tracer: tracer,
		logger: logger.With().Str("worker_id", cfg.WorkerID).Logger(),
		dedup:  newDedup(cfg.DedupWindow),
		sem:    make(chan struct{}, cfg.Concurrency),
	}
}

// Start subscribes to the request subject. Message handling blocks on a
// semaphore slot, so at most Concurrency generations run at once.
func (p *Pool) Start(ctx context.Context) error {
	err := p.bus.QueueSubscribe(bus.SubjectGenRequest, bus.QueueGroupWorkers, func(env *bus.Envelope) {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			defer logging.RecoverPanic(p.logger, "worker", map[string]interface{}{
				"envelope_id": env.ID,
			})
			p.handle(ctx, env)
		}()
	})
	if err != nil {
		return err
	}

	p.logger.Info().
		Int("concurrency", p.cfg.Concurrency).
		Dur("generator_max", p.cfg.GeneratorMax).
		Str("generator", p.gen.Name()).
		Msg("Worker pool started")
	return nil
}

// Drain waits for in-flight generations to finish, bounded by ctx.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("Worker pool drained")
		return nil
	case <-ctx.Done():
		return errkind.Wrap(errkind.KindTimeout, ctx.Err(), "worker drain")
	}
}

// handle processes one request end to end. Every outcome, success or
// failure, publishes exactly one result.
func (p *Pool) handle(ctx context.Context, env *bus.Envelope) {
	ctx = telemetry.Extract(ctx, env.Traceparent)

	var req scene.Request
	if err := env.DecodeBody(&req); err != nil {
		p.logger.Warn().Err(err).Str("envelope_id", env.ID).Msg("Undecodable scene request")
		metrics.RecordGeneration(false, 0)
		return
	}

	logger := p.logger.With().
		Str("job_id", req.JobID).
		Str("tenant_id", req.TenantID).
		Logger()

	if err := req.Validate(); err != nil {
		logger.Warn().Err(err).Msg("Invalid scene request")
		p.publishFailure(ctx, &req, err, 0)
		return
	}

	if p.dedup.Seen(req.JobID) {
		logger.Debug().Msg("Duplicate request inside dedup window, dropping")
		return
	}

	ctx, span := p.tracer.Start(ctx, "scene.generate", trace.WithAttributes(
		attribute.String("jobID", req.JobID),
		attribute.String("tenantID", req.TenantID),
		attribute.String("workerID", p.cfg.WorkerID),
	))
	defer span.End()

	start := time.Now()
	if req.Expired(start) {
		err := errkind.Newf(errkind.KindExpired, "deadline %s passed before generation", req.Deadline.Format(time.RFC3339))
		span.SetStatus(codes.Error, "expired")
		logger.Warn().Time("deadline", req.Deadline).Msg("Request expired before generation")
		p.publishFailure(ctx, &req, err, 0)
		return
	}

	// Hard cap: whichever comes first, the request deadline or the
	// configured generator maximum.
	budget := p.cfg.GeneratorMax
	if remaining := time.Until(req.Deadline); remaining < budget {
		budget = remaining
	}
	genCtx, cancel := context.WithTimeout(ctx, budget)
	sceneBody, genErr := p.generate(genCtx, &req)
	cancel()
	elapsed := time.Since(start)

	if genErr != nil {
		span.SetStatus(codes.Error, string(errkind.KindOf(genErr)))
		logger.Warn().Err(genErr).Dur("elapsed", elapsed).Msg("Generation failed")
		p.publishFailure(ctx, &req, genErr, elapsed)
		return
	}

	result := &scene.Result{
		JobID:      req.JobID,
		TenantID:   req.TenantID,
		Success:    true,
		SceneID:    uuid.NewSHA1(sceneNamespace, []byte(req.JobID)).String(),
		Scene:      sceneBody,
		ProducedAt: time.Now().UTC(),
		WorkerID:   p.cfg.WorkerID,
		LatencyMs:  elapsed.Milliseconds(),
	}
	if err := result.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid result")
		logger.Error().Err(err).Msg("Generated result violates invariants")
		p.publishFailure(ctx, &req, errkind.Wrap(errkind.KindFatal, err, "result invariant"), elapsed)
		return
	}

	if err := p.persist(ctx, result); err != nil {
		span.SetStatus(codes.Error, "persist failed")
		logger.Error().Err(err).Msg("Scene persistence failed")
		p.publishFailure(ctx, &req, err, elapsed)
		return
	}

	metrics.RecordGeneration(true, elapsed)
	p.publishResult(ctx, result, logger)
	p.publishFrame(ctx, result, logger)

	logger.Info().
		Str("scene_id", result.SceneID).
		Dur("elapsed", elapsed).
		Msg("Scene generated")
}

// generate runs the adapter in its own child span.
func (p *Pool) generate(ctx context.Context, req *scene.Request) (sceneBody []byte, err error) {
	ctx, span := p.tracer.Start(ctx, "scene.generate.adapter", trace.WithAttributes(
		attribute.String("generator", p.gen.Name()),
	))
	defer span.End()

	sceneBody, err = p.gen.Generate(ctx, req)
	if err != nil && ctx.Err() != nil {
		// The cap fired. Distinguish an expired deadline from a slow
		// generator for the caller.
		if req.Expired(time.Now()) {
			return nil, errkind.Wrap(errkind.KindExpired, err, "deadline passed during generation")
		}
		return nil, errkind.Wrap(errkind.KindTimeout, err, "generation cap exceeded")
	}
	return sceneBody, err
}

// persist stores the record idempotently: an existing sceneID is left
// untouched and the result is still published for the correlator.
func (p *Pool) persist(ctx context.Context, result *scene.Result) error {
	ctx, span := p.tracer.Start(ctx, "scene.persist", trace.WithAttributes(
		attribute.String("sceneID", result.SceneID),
	))
	defer span.End()

	return store.WithRetry(ctx, store.DefaultBackoff, func(ctx context.Context) error {
		exists, err := p.store.Has(ctx, result.SceneID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return p.store.Put(ctx, &scene.Record{
			SceneID:    result.SceneID,
			TenantID:   result.TenantID,
			Scene:      result.Scene,
			CreatedAt:  result.ProducedAt,
			ProducedBy: result.WorkerID,
		})
	})
}

func (p *Pool) publishResult(ctx context.Context, result *scene.Result, logger zerolog.Logger) {
	if err := p.bus.PublishTraced(bus.SubjectGenResult, result, telemetry.Inject(ctx)); err != nil {
		logger.Error().Err(err).Msg("Result publish failed")
	}
}

func (p *Pool) publishFrame(ctx context.Context, result *scene.Result, logger zerolog.Logger) {
	frame := &scene.Frame{
		SceneID:  result.SceneID,
		TenantID: result.TenantID,
		TS:       result.ProducedAt,
		Body:     result.Scene,
	}
	if err := p.bus.PublishTraced(bus.FrameSubject(result.TenantID), frame, telemetry.Inject(ctx)); err != nil {
		logger.Error().Err(err).Msg("Frame publish failed")
	}
}

// publishFailure emits a structured error result. elapsed of 0 means
// generation never started.
func (p *Pool) publishFailure(ctx context.Context, req *scene.Request, cause error, elapsed time.Duration) {
	metrics.RecordGeneration(false, elapsed)
	result := &scene.Result{
		JobID:      req.JobID,
		TenantID:   req.TenantID,
		Success:    false,
		Error:      cause.Error(),
		ErrorKind:  resultKind(cause),
		ProducedAt: time.Now().UTC(),
		WorkerID:   p.cfg.WorkerID,
		LatencyMs:  elapsed.Milliseconds(),
	}
	if err := p.bus.PublishTraced(bus.SubjectGenResult, result, telemetry.Inject(ctx)); err != nil {
		p.logger.Error().Err(err).Str("job_id", req.JobID).Msg("Error result publish failed")
	}
}

// resultKind maps the internal taxonomy onto the wire-level errorKind.
func resultKind(err error) string {
	switch errkind.KindOf(err) {
	case errkind.KindExpired:
		return scene.ErrKindExpired
	case errkind.KindTimeout:
		return scene.ErrKindTimeout
	case errkind.KindInvalidRequest:
		return scene.ErrKindInvalid
	default:
		return scene.ErrKindInternal
	}
}

// Package broadcast fans live frames out to WebSocket subscribers under an
// FPS budget, with per-socket queues, backpressure accounting and
// drop-oldest eviction.
package broadcast

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/holorelay/holorelay/internal/bus"
	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/logging"
	"github.com/holorelay/holorelay/internal/metrics"
	"github.com/holorelay/holorelay/internal/scene"
)

// hardTickLimit is how many consecutive ticks a socket may sit above the
// hard backlog threshold before it is closed.
const hardTickLimit = 3

// Config holds engine settings.
type Config struct {
	TickInterval time.Duration // 1000/FPS_TARGET ms
	QueueCap     int           // frames per socket
	SoftBacklog  int64         // bytes; above this the socket skips the tick
	HardBacklog  int64         // bytes; above this for hardTickLimit ticks the socket is closed
	WriteTimeout time.Duration // per socket write
	DrainTimeout time.Duration // shutdown queue flush budget
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 33 * time.Millisecond
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 16
	}
	if c.SoftBacklog <= 0 {
		c.SoftBacklog = 4 << 20
	}
	if c.HardBacklog <= 0 {
		c.HardBacklog = 16 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 200 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
}

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdUnregister
	cmdDetach
	cmdFrame
)

type command struct {
	kind   cmdKind
	sub    *Subscription
	id     int64
	reason string
	frame  *scene.Frame
	reply  chan struct{}
}

// wireFrame is the client-facing shape of one delivered frame.
type wireFrame struct {
	Type    string          `json:"type"`
	SceneID string          `json:"sceneID"`
	Seq     uint64          `json:"seq"`
	TS      int64           `json:"ts"` // unix milliseconds
	Body    json.RawMessage `json:"body"`
}

// Engine owns the subscription table. All mutation flows through the
// command channel into the single Run loop; only writePumps touch sockets.
type Engine struct {
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger

	cmds     chan command
	stopped  chan struct{} // closed when Run exits
	stop     chan struct{} // closed by Shutdown to end Run
	stopOnce sync.Once

	// Run-loop state. Never touched outside the loop.
	subs     map[int64]*Subscription
	byTenant map[string]map[int64]*Subscription
	pending  map[string]*scene.Frame
	seq      map[string]uint64

	delivered int64 // frames written, atomic, for the FPS gauge
}

// New builds an engine. Run must be started before Register.
func New(cfg Config, tracer trace.Tracer, logger zerolog.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		tracer:   tracer,
		logger:   logger,
		cmds:     make(chan command, 1024),
		stopped:  make(chan struct{}),
		stop:     make(chan struct{}),
		subs:     make(map[int64]*Subscription),
		byTenant: make(map[string]map[int64]*Subscription),
		pending:  make(map[string]*scene.Frame),
		seq:      make(map[string]uint64),
	}
}

// Run is the broadcast loop. Blocks until Shutdown.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)
	defer logging.RecoverPanic(e.logger, "broadcast", nil)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	fpsTicker := time.NewTicker(time.Second)
	defer fpsTicker.Stop()

	e.logger.Info().
		Dur("tick", e.cfg.TickInterval).
		Int("queue_cap", e.cfg.QueueCap).
		Msg("Broadcast engine started")

	var lastDelivered int64
	for {
		select {
		case cmd := <-e.cmds:
			e.apply(cmd)
		case <-ticker.C:
			e.tick(ctx)
		case <-fpsTicker.C:
			now := atomic.LoadInt64(&e.delivered)
			metrics.BroadcastFPS.Set(float64(now - lastDelivered))
			lastDelivered = now
		case <-e.stop:
			e.drain()
			return
		case <-ctx.Done():
			e.drain()
			return
		}
	}
}

func (e *Engine) apply(cmd command) {
	switch cmd.kind {
	case cmdRegister:
		sub := cmd.sub
		e.subs[sub.ID] = sub
		if e.byTenant[sub.TenantID] == nil {
			e.byTenant[sub.TenantID] = make(map[int64]*Subscription)
		}
		e.byTenant[sub.TenantID][sub.ID] = sub
		metrics.SubscriptionsActive.Set(float64(len(e.subs)))
		go e.writePump(sub)
		e.logger.Debug().
			Int64("subscription_id", sub.ID).
			Str("tenant_id", sub.TenantID).
			Msg("Subscription registered")
	case cmdUnregister:
		e.remove(cmd.id, cmd.reason, ws.StatusGoingAway)
	case cmdDetach:
		if sub := e.detachSub(cmd.id); sub != nil {
			sub.detach()
		}
	case cmdFrame:
		// Latest frame per tenant wins within a tick.
		e.pending[cmd.frame.TenantID] = cmd.frame
	}
	if cmd.reply != nil {
		close(cmd.reply)
	}
}

// detachSub drops a subscription from the tables without closing anything.
func (e *Engine) detachSub(id int64) *Subscription {
	sub, ok := e.subs[id]
	if !ok {
		return nil
	}
	delete(e.subs, id)
	if tenantSubs := e.byTenant[sub.TenantID]; tenantSubs != nil {
		delete(tenantSubs, id)
		if len(tenantSubs) == 0 {
			delete(e.byTenant, sub.TenantID)
		}
	}
	metrics.SubscriptionsActive.Set(float64(len(e.subs)))
	return sub
}

// remove drops a subscription from the table and closes its socket.
func (e *Engine) remove(id int64, reason string, code ws.StatusCode) {
	sub := e.detachSub(id)
	if sub == nil {
		return
	}
	metrics.SubscriptionClosedTotal.WithLabelValues(reason).Inc()
	sub.close(code, reason)
	e.logger.Debug().
		Int64("subscription_id", id).
		Str("reason", reason).
		Msg("Subscription removed")
}

// tick delivers the coalesced frame of each tenant to its subscribers.
func (e *Engine) tick(ctx context.Context) {
	defer e.sampleGauges()
	e.checkBacklogs()
	if len(e.pending) == 0 {
		return
	}

	_, span := e.tracer.Start(ctx, "broadcast.deliver", trace.WithAttributes(
		attribute.Int("tenants", len(e.pending)),
		attribute.Int("subscriptions", len(e.subs)),
	))
	defer span.End()

	now := time.Now().UTC()
	for tenantID, frame := range e.pending {
		delete(e.pending, tenantID)

		subs := e.byTenant[tenantID]
		if len(subs) == 0 {
			continue
		}

		e.seq[tenantID]++
		frame.Seq = e.seq[tenantID]
		if frame.TS.IsZero() {
			frame.TS = now
		}

		// One marshal per tenant per tick; every subscriber gets the same
		// bytes.
		payload, err := json.Marshal(&wireFrame{
			Type:    "frame",
			SceneID: frame.SceneID,
			Seq:     frame.Seq,
			TS:      frame.TS.UnixMilli(),
			Body:    frame.Body,
		})
		if err != nil {
			e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Frame marshal failed")
			continue
		}

		for _, sub := range subs {
			if !sub.HasScope(ScopeStream) {
				continue
			}
			e.deliver(sub, payload)
		}
	}
}

// checkBacklogs advances the hard-threshold strike count once per tick for
// every subscription, whether or not a frame was pending for its tenant.
// hardTickLimit consecutive ticks above the cap close the socket.
func (e *Engine) checkBacklogs() {
	for id, sub := range e.subs {
		backlog := sub.Backlog()
		if backlog < e.cfg.HardBacklog {
			sub.hardTicks = 0
			continue
		}
		sub.hardTicks++
		if sub.hardTicks >= hardTickLimit {
			e.logger.Warn().
				Int64("subscription_id", id).
				Int64("backlog_bytes", backlog).
				Msg("Backlog above hard threshold, closing subscription")
			e.remove(id, metrics.CloseReasonBacklog, ws.StatusGoingAway)
		}
	}
}

// deliver enqueues payload on one subscription, applying the soft backlog
// threshold and drop-oldest eviction. Hard-threshold strikes are advanced
// in checkBacklogs so they count ticks, not deliveries.
func (e *Engine) deliver(sub *Subscription, payload []byte) {
	if sub.Backlog() >= e.cfg.SoftBacklog {
		metrics.FrameDropTotal.WithLabelValues(metrics.DropReasonTCPBacklog).Inc()
		return
	}

	select {
	case sub.queue <- payload:
	default:
		// Queue full: evict the oldest frame, then retry once. The pump may
		// race us for the slot; losing that race drops the new frame instead.
		select {
		case old := <-sub.queue:
			atomic.AddInt64(&sub.backlogBytes, -int64(len(old)))
		default:
		}
		metrics.FrameDropTotal.WithLabelValues(metrics.DropReasonQueueFull).Inc()
		select {
		case sub.queue <- payload:
		default:
			return
		}
	}
	atomic.AddInt64(&sub.backlogBytes, int64(len(payload)))
}

func (e *Engine) sampleGauges() {
	var queued int
	var backlog int64
	for _, sub := range e.subs {
		queued += sub.QueueLen()
		backlog += sub.Backlog()
	}
	metrics.BroadcastQueueLen.Set(float64(queued))
	metrics.WSBacklogBytes.Set(float64(backlog))
}

// writePump drains one subscription's queue onto its socket. Frames are
// written in queue order; a write timeout discards the frame, any other
// write error removes the subscription.
func (e *Engine) writePump(sub *Subscription) {
	defer logging.RecoverPanic(e.logger, "write_pump", map[string]interface{}{
		"subscription_id": sub.ID,
	})
	for {
		select {
		case payload := <-sub.queue:
			err := sub.socket.WriteFrame(payload, time.Now().Add(e.cfg.WriteTimeout))
			atomic.AddInt64(&sub.backlogBytes, -int64(len(payload)))
			if err == nil {
				atomic.AddInt64(&e.delivered, 1)
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				metrics.FrameDropTotal.WithLabelValues(metrics.DropReasonWriteTimeout).Inc()
				continue
			}
			e.logger.Debug().
				Err(err).
				Int64("subscription_id", sub.ID).
				Msg("Socket write failed")
			e.Unregister(sub.ID, metrics.CloseReasonWriteError)
			return
		case <-sub.done:
			return
		}
	}
}

// HandleFrame is the bus handler for reality.frame.* subjects.
func (e *Engine) HandleFrame(env *bus.Envelope) {
	tenantID, ok := bus.TenantFromFrameSubject(env.Type)
	if !ok {
		e.logger.Warn().Str("subject", env.Type).Msg("Frame on unexpected subject")
		return
	}
	var frame scene.Frame
	if err := env.DecodeBody(&frame); err != nil {
		e.logger.Warn().Err(err).Str("envelope_id", env.ID).Msg("Undecodable frame")
		return
	}
	frame.TenantID = tenantID
	e.Frame(&frame)
}

// Frame submits one frame for delivery on the next tick.
func (e *Engine) Frame(frame *scene.Frame) {
	select {
	case e.cmds <- command{kind: cmdFrame, frame: frame}:
	case <-e.stopped:
	}
}

// Register adds a subscription and starts its writePump. Returns once the
// loop has applied the registration.
func (e *Engine) Register(sub *Subscription) error {
	if !sub.HasScope(ScopeStream) {
		return errkind.Newf(errkind.KindPolicy, "subscription lacks %s scope", ScopeStream)
	}
	reply := make(chan struct{})
	select {
	case e.cmds <- command{kind: cmdRegister, sub: sub, reply: reply}:
	case <-e.stopped:
		return errkind.New(errkind.KindTransient, "broadcast engine stopped")
	}
	select {
	case <-reply:
		return nil
	case <-e.stopped:
		return errkind.New(errkind.KindTransient, "broadcast engine stopped")
	}
}

// Unregister removes a subscription and closes its socket. Safe from any
// goroutine.
func (e *Engine) Unregister(id int64, reason string) {
	select {
	case e.cmds <- command{kind: cmdUnregister, id: id, reason: reason}:
	case <-e.stopped:
	}
}

// Detach removes a subscription but leaves the connection open. Used when
// a client unsubscribes without disconnecting.
func (e *Engine) Detach(id int64) {
	select {
	case e.cmds <- command{kind: cmdDetach, id: id}:
	case <-e.stopped:
	}
}

// Shutdown stops intake, drains queues within the drain budget and closes
// every socket with going_away. Blocks until the loop has exited.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	select {
	case <-e.stopped:
		return nil
	case <-ctx.Done():
		return errkind.Wrap(errkind.KindTimeout, ctx.Err(), "broadcast shutdown")
	}
}

// drain flushes what the writePumps can deliver inside the drain budget,
// then closes every subscription.
func (e *Engine) drain() {
	deadline := time.Now().Add(e.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		remaining := 0
		for _, sub := range e.subs {
			remaining += sub.QueueLen()
		}
		if remaining == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for id := range e.subs {
		e.remove(id, metrics.CloseReasonShutdown, ws.StatusGoingAway)
	}
	e.logger.Info().Msg("Broadcast engine drained")
}

// Package gateway accepts WebSocket clients, authenticates them and routes
// their control messages to the broadcast engine and the bus.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/holorelay/holorelay/internal/auth"
	"github.com/holorelay/holorelay/internal/broadcast"
	"github.com/holorelay/holorelay/internal/bus"
	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/logging"
	"github.com/holorelay/holorelay/internal/metrics"
	"github.com/holorelay/holorelay/internal/scene"
	"github.com/holorelay/holorelay/internal/telemetry"
)

// statusTryAgainLater is RFC 6455 close code 1013, sent when a connection
// cap rejects the client. gobwas/ws does not name it.
const statusTryAgainLater = ws.StatusCode(1013)

// Publisher is the outbound bus surface the gateway needs.
type Publisher interface {
	PublishTraced(subject string, body interface{}, traceparent string) error
}

// Correlator matches published requests to their results.
type Correlator interface {
	Register(jobID string) (<-chan *scene.Result, error)
	Unregister(jobID string)
	Await(ctx context.Context, jobID string, ch <-chan *scene.Result) (*scene.Result, error)
}

// Broadcaster is the engine surface for subscription lifecycle.
type Broadcaster interface {
	Register(sub *broadcast.Subscription) error
	Unregister(id int64, reason string)
	Detach(id int64)
}

// Config holds gateway settings.
type Config struct {
	Addr              string
	QueueCap          int
	MaxConnsPerIP     int
	MaxConnsPerTenant int
	WriteTimeout      time.Duration
	RequestTTL        time.Duration // default deadline for gen_request without deadlineMs
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":3002"
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 16
	}
	if c.MaxConnsPerIP <= 0 {
		c.MaxConnsPerIP = 32
	}
	if c.MaxConnsPerTenant <= 0 {
		c.MaxConnsPerTenant = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 200 * time.Millisecond
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = 10 * time.Second
	}
}

// clientConn is one accepted connection and its read-side state.
type clientConn struct {
	id       int64
	ip       string
	identity *auth.Identity
	raw      net.Conn
	sock     *broadcast.WSSocket

	subscribed atomic.Bool
	cancel     context.CancelFunc
}

// Server is the WebSocket gateway.
type Server struct {
	cfg      Config
	verifier auth.TokenVerifier
	engine   Broadcaster
	corr     Correlator
	pub      Publisher
	logger   zerolog.Logger

	limiter *ipLimiter
	guard   *resourceGuard

	httpSrv      *http.Server
	shuttingDown int32
	nextID       int64

	mu        sync.Mutex
	conns     map[int64]*clientConn
	perIP     map[string]int
	perTenant map[string]int

	wg sync.WaitGroup
}

// New builds the gateway server.
func New(cfg Config, verifier auth.TokenVerifier, engine Broadcaster, corr Correlator, pub Publisher, logger zerolog.Logger) *Server {
	cfg.defaults()
	s := &Server{
		cfg:       cfg,
		verifier:  verifier,
		engine:    engine,
		corr:      corr,
		pub:       pub,
		logger:    logger,
		limiter:   newIPLimiter(1, 10, 50, 300),
		guard:     newResourceGuard(0, 0, logger),
		conns:     make(map[int64]*clientConn),
		perIP:     make(map[string]int),
		perTenant: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// Start begins accepting connections. Non-blocking; errors other than a
// clean close are logged.
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway listener failed")
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.limiter.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops accepting new connections immediately and closes the
// connections that never subscribed. Subscribed sockets are closed by the
// broadcast engine's drain.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.guard.Stop()
	err := s.httpSrv.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.subscribed.Load() {
			_ = c.sock.Close(ws.StatusGoingAway, "server shutting down")
		}
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		metrics.ConnectionsRejected.WithLabelValues("shutting_down").Inc()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter.Allow(clientIP) {
		metrics.ConnectionsRejected.WithLabelValues("rate_limit").Inc()
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if ok, reason := s.guard.Admit(); !ok {
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		s.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("Connection rejected: overloaded")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	token, tokenErr := auth.ExtractToken(r)
	var identity *auth.Identity
	var authErr error
	if tokenErr != nil {
		authErr = tokenErr
	} else {
		identity, authErr = s.verifier.Verify(token)
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}
	sock := broadcast.NewWSSocket(conn)

	if authErr != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		s.logger.Warn().Err(authErr).Str("client_ip", clientIP).Msg("Connection rejected: auth")
		_ = sock.Close(ws.StatusPolicyViolation, "unauthorized")
		return
	}

	c := &clientConn{
		id:       atomic.AddInt64(&s.nextID, 1),
		ip:       clientIP,
		identity: identity,
		raw:      conn,
		sock:     sock,
	}

	if !s.admitConn(c) {
		metrics.ConnectionsRejected.WithLabelValues("conn_cap").Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("tenant_id", identity.TenantID).
			Msg("Connection rejected: per-IP or per-tenant cap")
		_ = sock.Close(statusTryAgainLater, "connection limit reached")
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	s.logger.Info().
		Int64("conn_id", c.id).
		Str("client_ip", clientIP).
		Str("tenant_id", identity.TenantID).
		Str("subject", identity.Subject).
		Msg("Client connected")

	s.writeMsg(c, &connectedMessage{
		Type:     msgConnected,
		TenantID: identity.TenantID,
		ServerTs: time.Now().UnixMilli(),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "read_pump", map[string]interface{}{
			"conn_id": c.id,
		})
		s.readPump(c)
	}()
}

// admitConn registers the connection against the per-IP and per-tenant
// caps. Returns false when either cap is hit.
func (s *Server) admitConn(c *clientConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perIP[c.ip] >= s.cfg.MaxConnsPerIP {
		return false
	}
	if s.perTenant[c.identity.TenantID] >= s.cfg.MaxConnsPerTenant {
		return false
	}
	s.perIP[c.ip]++
	s.perTenant[c.identity.TenantID]++
	s.conns[c.id] = c
	return true
}

// releaseConn undoes admitConn.
func (s *Server) releaseConn(c *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	if s.perIP[c.ip]--; s.perIP[c.ip] <= 0 {
		delete(s.perIP, c.ip)
	}
	if s.perTenant[c.identity.TenantID]--; s.perTenant[c.identity.TenantID] <= 0 {
		delete(s.perTenant, c.identity.TenantID)
	}
}

// readPump parses inbound client messages until the connection drops.
func (s *Server) readPump(c *clientConn) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	defer s.teardown(c)

	for {
		data, err := wsutil.ReadClientText(c.raw)
		if err != nil {
			s.logger.Debug().Err(err).Int64("conn_id", c.id).Msg("Read loop ended")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, "", errkind.Wrap(errkind.KindInvalidRequest, err, "malformed message"))
			continue
		}

		switch msg.Type {
		case msgSubscribe:
			s.handleSubscribe(c, &msg)
		case msgUnsubscribe:
			s.handleUnsubscribe(c)
		case msgPing:
			s.writeMsg(c, &pongMessage{Type: msgPong, TS: msg.TS})
		case msgGenRequest:
			s.handleGenRequest(ctx, c, &msg)
		default:
			s.sendError(c, "", errkind.Newf(errkind.KindInvalidRequest, "unknown message type %q", msg.Type))
		}
	}
}

// teardown cleans up after the read loop exits.
func (s *Server) teardown(c *clientConn) {
	if c.cancel != nil {
		c.cancel()
	}
	if c.subscribed.Load() {
		s.engine.Unregister(c.id, metrics.CloseReasonClient)
	}
	_ = c.sock.Close(ws.StatusNormalClosure, "bye")
	s.releaseConn(c)
	metrics.ConnectionsActive.Dec()
	s.logger.Info().Int64("conn_id", c.id).Msg("Client disconnected")
}

func (s *Server) handleSubscribe(c *clientConn, msg *clientMessage) {
	if msg.Channel != "" && msg.Channel != broadcast.ScopeStream {
		s.sendError(c, "", errkind.Newf(errkind.KindInvalidRequest, "unknown channel %q", msg.Channel))
		return
	}
	if c.subscribed.Load() {
		s.sendError(c, "", errkind.New(errkind.KindInvalidRequest, "already subscribed"))
		return
	}
	sub := broadcast.NewSubscription(c.id, c.identity.TenantID, c.identity.Scopes, c.sock, s.cfg.QueueCap)
	if err := s.engine.Register(sub); err != nil {
		s.sendError(c, "", err)
		return
	}
	c.subscribed.Store(true)
	s.logger.Debug().
		Int64("conn_id", c.id).
		Str("tenant_id", c.identity.TenantID).
		Msg("Client subscribed to frame stream")
}

func (s *Server) handleUnsubscribe(c *clientConn) {
	if !c.subscribed.CompareAndSwap(true, false) {
		s.sendError(c, "", errkind.New(errkind.KindInvalidRequest, "not subscribed"))
		return
	}
	s.engine.Detach(c.id)
}

// handleGenRequest validates and publishes a scene-generation request, then
// answers with the correlated result on a separate goroutine so the read
// loop keeps serving.
func (s *Server) handleGenRequest(ctx context.Context, c *clientConn, msg *clientMessage) {
	if !c.identity.HasScope(ScopeSubmit) {
		s.sendError(c, msg.JobID, errkind.Newf(errkind.KindPolicy, "missing %s scope", ScopeSubmit))
		return
	}

	ttl := s.cfg.RequestTTL
	if msg.DeadlineMs > 0 {
		ttl = time.Duration(msg.DeadlineMs) * time.Millisecond
	}
	now := time.Now().UTC()
	req := &scene.Request{
		JobID:       msg.JobID,
		TenantID:    c.identity.TenantID,
		Payload:     msg.Payload,
		SubmittedAt: now,
		Deadline:    now.Add(ttl),
	}
	if err := req.Validate(); err != nil {
		s.sendError(c, msg.JobID, err)
		return
	}

	// Register before publishing so a fast worker cannot beat the waiter.
	ch, err := s.corr.Register(req.JobID)
	if err != nil {
		s.sendError(c, msg.JobID, err)
		return
	}
	if err := s.pub.PublishTraced(bus.SubjectGenRequest, req, telemetry.Inject(ctx)); err != nil {
		// Release the waiter so a retry with the same jobID is not rejected.
		s.corr.Unregister(req.JobID)
		s.sendError(c, msg.JobID, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "gen_request_waiter", map[string]interface{}{
			"job_id": req.JobID,
		})
		res, err := s.corr.Await(ctx, req.JobID, ch)
		if err != nil {
			s.sendError(c, req.JobID, err)
			return
		}
		s.writeMsg(c, &genResultMessage{
			Type:    msgGenResult,
			JobID:   res.JobID,
			Success: res.Success,
			SceneID: res.SceneID,
			Error:   res.Error,
		})
	}()
}

// writeMsg marshals and writes one server message under the write timeout.
func (s *Server) writeMsg(c *clientConn, msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Int64("conn_id", c.id).Msg("Server message marshal failed")
		return
	}
	if err := c.sock.WriteFrame(payload, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.logger.Debug().Err(err).Int64("conn_id", c.id).Msg("Server message write failed")
	}
}

// sendError surfaces a failure as an error frame with its taxonomy code.
func (s *Server) sendError(c *clientConn, jobID string, err error) {
	kind := errkind.KindOf(err)
	if kind == errkind.KindUnknown {
		kind = errkind.KindFatal
	}
	s.writeMsg(c, &errorMessage{
		Type:    msgError,
		Code:    string(kind),
		JobID:   jobID,
		Message: err.Error(),
	})
}

// clientIP prefers X-Forwarded-For so caps hold behind a load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

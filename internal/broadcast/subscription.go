package broadcast

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ScopeStream is the scope a token must carry to receive live frames.
const ScopeStream = "reality.stream"

// Socket is the write side of one client connection. The engine only ever
// writes and closes; reads belong to the gateway.
type Socket interface {
	// WriteFrame writes one text frame, giving up at deadline.
	WriteFrame(payload []byte, deadline time.Time) error
	// Close sends a close frame with the given status and tears the
	// connection down. Idempotent.
	Close(code ws.StatusCode, reason string) error
}

// WSSocket adapts a raw upgraded connection to the Socket interface. The
// write mutex serializes engine frames with gateway control replies, which
// share the connection.
type WSSocket struct {
	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewWSSocket(conn net.Conn) *WSSocket {
	return &WSSocket{conn: conn}
}

func (s *WSSocket) WriteFrame(payload []byte, deadline time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(s.conn, ws.OpText, payload)
}

func (s *WSSocket) Close(code ws.StatusCode, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(code, reason)
		_ = ws.WriteFrame(s.conn, ws.NewCloseFrame(body))
		err = s.conn.Close()
	})
	return err
}

// Subscription is one registered socket. The queue is written only by the
// engine loop and drained only by the subscription's writePump, so
// drop-oldest eviction needs no locking beyond the channel itself.
type Subscription struct {
	ID       int64
	TenantID string
	Scopes   []string

	socket Socket
	queue  chan []byte
	done   chan struct{}

	// backlogBytes tracks bytes enqueued but not yet written. Mutated by
	// the engine (enqueue) and the writePump (after write), hence atomic.
	backlogBytes int64

	// hardTicks counts consecutive ticks spent above the hard backlog
	// threshold. Engine-loop state only.
	hardTicks int

	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewSubscription builds a subscription with the given queue capacity.
func NewSubscription(id int64, tenantID string, scopes []string, socket Socket, queueCap int) *Subscription {
	if queueCap <= 0 {
		queueCap = 16
	}
	return &Subscription{
		ID:       id,
		TenantID: tenantID,
		Scopes:   scopes,
		socket:   socket,
		queue:    make(chan []byte, queueCap),
		done:     make(chan struct{}),
	}
}

// HasScope reports whether the subscription carries the given scope.
func (s *Subscription) HasScope(scope string) bool {
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

// Backlog returns the current unwritten byte count.
func (s *Subscription) Backlog() int64 {
	return atomic.LoadInt64(&s.backlogBytes)
}

// QueueLen returns the number of queued frames.
func (s *Subscription) QueueLen() int {
	return len(s.queue)
}

// detach stops the writePump without touching the socket. Used when a
// client unsubscribes but keeps its connection.
func (s *Subscription) detach() {
	s.stopOnce.Do(func() { close(s.done) })
}

// close stops the writePump and closes the socket. Idempotent.
func (s *Subscription) close(code ws.StatusCode, reason string) {
	s.detach()
	s.closeOnce.Do(func() {
		_ = s.socket.Close(code, reason)
	})
}

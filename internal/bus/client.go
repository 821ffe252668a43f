// Package bus wraps the NATS connection with the pipeline's envelope codec,
// the closed subject set and queue-group consumption.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/metrics"
)

// ReconnectBufSize caps the client-side publish buffer while disconnected.
// Publishes beyond the cap fail with Backpressure instead of growing memory.
const ReconnectBufSize = 1 << 20 // 1 MiB

// Handler consumes one decoded envelope. Handlers must be idempotent:
// delivery is at-least-once and the bus may redeliver on reconnection.
type Handler func(env *Envelope)

// Config holds bus connection settings.
type Config struct {
	URL           string
	Name          string // connection name, shown in server monitoring
	MaxReconnects int    // <0 = retry forever
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

// Client is a thin, thread-safe wrapper over a NATS connection.
// Subscriptions are re-established by NATS itself across reconnects.
type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the bus. Returns a Transient error when the server is
// unreachable so the supervisor can map it to its startup exit code.
func Connect(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{logger: logger}

	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectWait/2, cfg.ReconnectWait/2),
		nats.PingInterval(cfg.PingInterval),
		nats.ReconnectBufSize(ReconnectBufSize),
		nats.ConnectHandler(c.onConnect),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ErrorHandler(c.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, err, "connect to bus")
	}

	c.conn = conn
	metrics.BusConnected.Set(1)
	return c, nil
}

func (c *Client) onConnect(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to bus")
	metrics.BusConnected.Set(1)
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn().Err(err).Msg("Disconnected from bus")
	} else {
		c.logger.Info().Msg("Disconnected from bus")
	}
	metrics.BusConnected.Set(0)
}

func (c *Client) onReconnect(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to bus")
	metrics.BusConnected.Set(1)
	metrics.BusReconnects.Inc()
}

func (c *Client) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	event := c.logger.Error().Err(err)
	if sub != nil {
		event = event.Str("subject", sub.Subject)
	}
	event.Msg("Bus error")
}

// Publish wraps body in an envelope and fires it at subject. A full
// reconnect buffer while disconnected surfaces as Backpressure.
func (c *Client) Publish(subject string, body interface{}) error {
	return c.publishEnvelope(subject, body, "")
}

// PublishTraced is Publish with a traceparent carried in the envelope.
func (c *Client) PublishTraced(subject string, body interface{}, traceparent string) error {
	return c.publishEnvelope(subject, body, traceparent)
}

func (c *Client) publishEnvelope(subject string, body interface{}, traceparent string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	env, err := NewEnvelope(subject, body)
	if err != nil {
		return err
	}
	env.Traceparent = traceparent
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		metrics.BusPublishErrors.Inc()
		if errors.Is(err, nats.ErrReconnectBufExceeded) {
			return errkind.Wrap(errkind.KindBackpressure, err, "publish buffer full")
		}
		return errkind.Wrap(errkind.KindTransient, err, "publish")
	}
	return nil
}

// Subscribe starts a background consumer; every subscriber receives every
// message on subject. Messages that fail envelope decode are logged and
// dropped, never redelivered to the handler.
func (c *Client) Subscribe(subject string, handler Handler) error {
	return c.subscribe(subject, "", handler)
}

// QueueSubscribe starts a queue-group consumer: exactly one member of the
// group receives each message.
func (c *Client) QueueSubscribe(subject, group string, handler Handler) error {
	return c.subscribe(subject, group, handler)
}

func (c *Client) subscribe(subject, group string, handler Handler) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	cb := func(msg *nats.Msg) {
		metrics.BusMessagesReceived.WithLabelValues(SubjectClass(msg.Subject)).Inc()
		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("subject", msg.Subject).
				Int("bytes", len(msg.Data)).
				Msg("Dropping undecodable bus message")
			return
		}
		// NATS subjects are authoritative for frame routing; keep the
		// envelope type in sync with the delivery subject.
		env.Type = msg.Subject
		handler(env)
	}

	var sub *nats.Subscription
	var err error
	if group == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, group, cb)
	}
	if err != nil {
		return errkind.Wrap(errkind.KindTransient, err, "subscribe")
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	c.logger.Info().
		Str("subject", subject).
		Str("queue_group", group).
		Msg("Subscribed to bus subject")
	return nil
}

// Request publishes body and waits for a reply envelope. Timeout maps to
// the Timeout kind.
func (c *Client) Request(subject string, body interface{}, timeout time.Duration) (*Envelope, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	env, err := NewEnvelope(subject, body)
	if err != nil {
		return nil, err
	}
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, errkind.Wrap(errkind.KindTimeout, err, "request timed out")
		}
		metrics.BusPublishErrors.Inc()
		return nil, errkind.Wrap(errkind.KindTransient, err, "request")
	}
	return DecodeEnvelope(msg.Data)
}

// IsConnected reports the live connection state.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// WaitForConnection blocks until the connection is established or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.KindTransient, ctx.Err(), "waiting for bus connection")
		case <-ticker.C:
		}
	}
}

// Drain unsubscribes everything, flushes pending messages and closes the
// connection. Used on graceful shutdown.
func (c *Client) Drain() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("Unsubscribe failed")
		}
	}
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
			return errkind.Wrap(errkind.KindTransient, err, "drain bus connection")
		}
	}
	metrics.BusConnected.Set(0)
	return nil
}

// Close tears the connection down without draining.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
	metrics.BusConnected.Set(0)
}

// Package correlator matches scene-generation results arriving on the bus
// back to the submitters waiting for them.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/holorelay/holorelay/internal/bus"
	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/scene"
)

// DefaultExpiry bounds how long a waiter stays registered without a result.
const DefaultExpiry = 30 * time.Second

// Bus is the subscription surface the correlator needs.
type Bus interface {
	Subscribe(subject string, handler bus.Handler) error
}

// Correlator routes results by jobID over a single shared subscription.
// First result wins; duplicates and results for unknown jobIDs are dropped.
type Correlator struct {
	expiry time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan *scene.Result
}

// New builds a correlator. expiry <= 0 uses DefaultExpiry.
func New(expiry time.Duration, logger zerolog.Logger) *Correlator {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Correlator{
		expiry:  expiry,
		logger:  logger,
		waiters: make(map[string]chan *scene.Result),
	}
}

// Start opens the shared result subscription.
func (c *Correlator) Start(b Bus) error {
	return b.Subscribe(bus.SubjectGenResult, c.onResult)
}

// onResult delivers a decoded result to its waiter, if any.
func (c *Correlator) onResult(env *bus.Envelope) {
	var res scene.Result
	if err := env.DecodeBody(&res); err != nil {
		c.logger.Warn().Err(err).Str("envelope_id", env.ID).Msg("Undecodable scene result")
		return
	}

	c.mu.Lock()
	ch, ok := c.waiters[res.JobID]
	if ok {
		delete(c.waiters, res.JobID)
	}
	c.mu.Unlock()

	if !ok {
		// Unknown jobID: a duplicate delivery, an expired waiter, or a
		// result submitted through another replica.
		c.logger.Debug().Str("job_id", res.JobID).Msg("Result without waiter, discarding")
		return
	}
	ch <- &res
}

// Register reserves a waiter slot for jobID. Call before publishing the
// request so a fast result cannot slip past the waiter.
func (c *Correlator) Register(jobID string) (<-chan *scene.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.waiters[jobID]; exists {
		return nil, errkind.Newf(errkind.KindInvalidRequest, "jobID %s already registered", jobID)
	}
	ch := make(chan *scene.Result, 1)
	c.waiters[jobID] = ch
	return ch, nil
}

// Unregister drops the waiter for jobID. Safe to call after delivery.
// Generation in flight is unaffected; its result is discarded on arrival.
func (c *Correlator) Unregister(jobID string) {
	c.mu.Lock()
	delete(c.waiters, jobID)
	c.mu.Unlock()
}

// Await blocks until the result for jobID arrives, the expiry lapses, or
// ctx ends. The channel must come from Register.
func (c *Correlator) Await(ctx context.Context, jobID string, ch <-chan *scene.Result) (*scene.Result, error) {
	timer := time.NewTimer(c.expiry)
	defer timer.Stop()
	defer c.Unregister(jobID)

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return nil, errkind.Newf(errkind.KindTimeout, "no result for jobID %s within %s", jobID, c.expiry)
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.KindTimeout, ctx.Err(), "result wait cancelled")
	}
}

// Pending reports the number of registered waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

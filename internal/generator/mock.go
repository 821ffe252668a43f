package generator

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/scene"
)

func init() {
	Register("mock", func() Generator { return NewMock() })
}

// Mock renders a synthetic scene after a bounded random delay. It stands in
// for the real engine in development and load testing.
type Mock struct {
	MinLatency time.Duration
	MaxLatency time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMock returns a mock with 20-250 ms latency and a time-based seed.
func NewMock() *Mock {
	return &Mock{
		MinLatency: 20 * time.Millisecond,
		MaxLatency: 250 * time.Millisecond,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSeededMock returns a deterministic mock for tests.
func NewSeededMock(seed int64, min, max time.Duration) *Mock {
	return &Mock{
		MinLatency: min,
		MaxLatency: max,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Generate(ctx context.Context, req *scene.Request) (json.RawMessage, error) {
	select {
	case <-time.After(m.latency()):
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.KindTimeout, ctx.Err(), "generation cancelled")
	}

	body, err := json.Marshal(map[string]any{
		"input":      req.Payload,
		"tenantID":   req.TenantID,
		"renderedAt": time.Now().UTC(),
		"engine":     "mock",
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, err, "encode mock scene")
	}
	return body, nil
}

func (m *Mock) latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MaxLatency <= m.MinLatency {
		return m.MinLatency
	}
	return m.MinLatency + time.Duration(m.rng.Int63n(int64(m.MaxLatency-m.MinLatency)))
}

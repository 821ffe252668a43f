package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holorelay/holorelay/internal/bus"
	"github.com/holorelay/holorelay/internal/generator"
	"github.com/holorelay/holorelay/internal/scene"
	"github.com/holorelay/holorelay/internal/store"
	"github.com/holorelay/holorelay/internal/telemetry"
)

type published struct {
	subject string
	body    interface{}
}

type fakeBus struct {
	mu      sync.Mutex
	msgs    []published
	handler bus.Handler
}

func (f *fakeBus) QueueSubscribe(subject, group string, handler bus.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeBus) Publish(subject string, body interface{}) error {
	return f.PublishTraced(subject, body, "")
}

func (f *fakeBus) PublishTraced(subject string, body interface{}, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, body: body})
	return nil
}

func (f *fakeBus) results(t *testing.T) []*scene.Result {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*scene.Result
	for _, m := range f.msgs {
		if m.subject == bus.SubjectGenResult {
			out = append(out, m.body.(*scene.Result))
		}
	}
	return out
}

func (f *fakeBus) frames(t *testing.T) []*scene.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*scene.Frame
	for _, m := range f.msgs {
		if m.subject != bus.SubjectGenResult {
			out = append(out, m.body.(*scene.Frame))
		}
	}
	return out
}

func testPool(t *testing.T, b *fakeBus, st store.Store) *Pool {
	t.Helper()
	gen := generator.NewSeededMock(1, time.Millisecond, 3*time.Millisecond)
	return New(Config{
		WorkerID:     "worker-test",
		Concurrency:  2,
		GeneratorMax: 500 * time.Millisecond,
		DedupWindow:  time.Minute,
	}, b, st, gen, telemetry.NoopTracer(), zerolog.Nop())
}

func requestEnvelope(t *testing.T, req *scene.Request) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.SubjectGenRequest, req)
	require.NoError(t, err)
	return env
}

func validRequest() *scene.Request {
	now := time.Now().UTC()
	return &scene.Request{
		JobID:       "11111111-1111-1111-1111-111111111111",
		TenantID:    "tenant-a",
		Payload:     json.RawMessage(`{"scene":"alpha"}`),
		SubmittedAt: now,
		Deadline:    now.Add(5 * time.Second),
	}
}

func TestHandleHappyPath(t *testing.T) {
	b := &fakeBus{}
	st := store.NewMemory()
	p := testPool(t, b, st)

	p.handle(context.Background(), requestEnvelope(t, validRequest()))

	results := b.results(t)
	require.Len(t, results, 1)
	res := results[0]
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.SceneID)
	assert.NotEmpty(t, res.Scene)
	assert.Empty(t, res.Error)
	assert.Equal(t, "worker-test", res.WorkerID)

	rec, err := st.Get(context.Background(), res.SceneID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tenant-a", rec.TenantID)

	frames := b.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "reality.frame.tenant-a", b.msgs[len(b.msgs)-1].subject)
	assert.Equal(t, res.SceneID, frames[0].SceneID)
}

func TestHandleExpiredRequest(t *testing.T) {
	b := &fakeBus{}
	p := testPool(t, b, store.NewMemory())

	req := validRequest()
	req.SubmittedAt = time.Now().UTC().Add(-10 * time.Second)
	req.Deadline = time.Now().UTC().Add(-5 * time.Second)

	p.handle(context.Background(), requestEnvelope(t, req))

	results := b.results(t)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, scene.ErrKindExpired, results[0].ErrorKind)
	// Expired requests produce no frame.
	assert.Empty(t, b.frames(t))
}

func TestHandleGeneratorTimeout(t *testing.T) {
	b := &fakeBus{}
	gen := generator.NewSeededMock(1, time.Second, 2*time.Second)
	p := New(Config{
		WorkerID:     "worker-test",
		Concurrency:  1,
		GeneratorMax: 10 * time.Millisecond,
		DedupWindow:  time.Minute,
	}, b, store.NewMemory(), gen, telemetry.NoopTracer(), zerolog.Nop())

	p.handle(context.Background(), requestEnvelope(t, validRequest()))

	results := b.results(t)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, scene.ErrKindTimeout, results[0].ErrorKind)
}

func TestHandleInvalidRequest(t *testing.T) {
	b := &fakeBus{}
	p := testPool(t, b, store.NewMemory())

	req := validRequest()
	req.JobID = "not-a-uuid"
	p.handle(context.Background(), requestEnvelope(t, req))

	results := b.results(t)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, scene.ErrKindInvalid, results[0].ErrorKind)
}

func TestHandleDedupDropsRedelivery(t *testing.T) {
	b := &fakeBus{}
	st := store.NewMemory()
	p := testPool(t, b, st)

	env := requestEnvelope(t, validRequest())
	p.handle(context.Background(), env)
	p.handle(context.Background(), env)

	// One result, one frame, one record: the redelivery is dropped.
	assert.Len(t, b.results(t), 1)
	assert.Len(t, b.frames(t), 1)
	assert.Equal(t, 1, st.Len())
}

func TestSceneIDDeterministicPerJob(t *testing.T) {
	b := &fakeBus{}
	st := store.NewMemory()

	// Two pools simulate two worker replicas receiving the same job outside
	// each other's dedup state.
	p1 := testPool(t, b, st)
	p2 := testPool(t, b, st)
	env := requestEnvelope(t, validRequest())
	p1.handle(context.Background(), env)
	p2.handle(context.Background(), env)

	results := b.results(t)
	require.Len(t, results, 2)
	assert.Equal(t, results[0].SceneID, results[1].SceneID)
	// Second persist is a no-op; the store holds a single record.
	assert.Equal(t, 1, st.Len())
}

func TestStartAndDrain(t *testing.T) {
	b := &fakeBus{}
	p := testPool(t, b, store.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	require.NotNil(t, b.handler)

	b.handler(requestEnvelope(t, validRequest()))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	require.NoError(t, p.Drain(drainCtx))
	assert.Len(t, b.results(t), 1)
}

func TestDedupWindow(t *testing.T) {
	d := newDedup(20 * time.Millisecond)
	assert.False(t, d.Seen("job-1"))
	assert.True(t, d.Seen("job-1"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, d.Seen("job-1"))
}

func TestDedupSweeps(t *testing.T) {
	d := newDedup(10 * time.Millisecond)
	for i := 0; i < 100; i++ {
		d.Seen(string(rune('a' + i%26)))
	}
	time.Sleep(15 * time.Millisecond)
	// Next call sweeps expired entries before recording.
	d.Seen("fresh")
	assert.LessOrEqual(t, d.Len(), 2)
}

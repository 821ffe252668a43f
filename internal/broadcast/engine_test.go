package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holorelay/holorelay/internal/bus"
	"github.com/holorelay/holorelay/internal/metrics"
	"github.com/holorelay/holorelay/internal/scene"
	"github.com/holorelay/holorelay/internal/telemetry"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "write deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type fakeSocket struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode ws.StatusCode

	// block, when non-nil, parks WriteFrame until the channel is closed.
	block chan struct{}
	// err, when set, is returned by every WriteFrame.
	err error
}

func (f *fakeSocket) WriteFrame(payload []byte, _ time.Time) error {
	if f.block != nil {
		<-f.block
		return timeoutError{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, append([]byte(nil), payload...))
	return nil
}

func (f *fakeSocket) Close(code ws.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeSocket) received(t *testing.T) []wireFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wireFrame
	for _, raw := range f.frames {
		var wf wireFrame
		require.NoError(t, json.Unmarshal(raw, &wf))
		assert.Equal(t, "frame", wf.Type)
		out = append(out, wf)
	}
	return out
}

func (f *fakeSocket) isClosed() (bool, ws.StatusCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func testEngine(cfg Config) *Engine {
	return New(cfg, telemetry.NoopTracer(), zerolog.Nop())
}

func testFrame(tenantID, sceneID string) *scene.Frame {
	return &scene.Frame{
		SceneID:  sceneID,
		TenantID: tenantID,
		Body:     json.RawMessage(`{"scene":"alpha"}`),
	}
}

func streamSub(id int64, tenantID string, sock Socket, queueCap int) *Subscription {
	return NewSubscription(id, tenantID, []string{ScopeStream}, sock, queueCap)
}

// register and tick drive the loop synchronously in tests that do not run
// the engine goroutine.
func (e *Engine) testRegister(t *testing.T, sub *Subscription) {
	t.Helper()
	e.apply(command{kind: cmdRegister, sub: sub})
}

func waitFrames(t *testing.T, sock *fakeSocket, n int) []wireFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := sock.received(t); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %d", n, len(sock.received(t)))
	return nil
}

func TestTickDeliversFrame(t *testing.T) {
	e := testEngine(Config{})
	sock := &fakeSocket{}
	e.testRegister(t, streamSub(1, "tenant-a", sock, 16))

	e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", "s1")})
	e.tick(context.Background())

	frames := waitFrames(t, sock, 1)
	assert.Equal(t, "s1", frames[0].SceneID)
	assert.Equal(t, uint64(1), frames[0].Seq)
	assert.Positive(t, frames[0].TS)
	assert.JSONEq(t, `{"scene":"alpha"}`, string(frames[0].Body))
}

func TestTickCoalescesToLatest(t *testing.T) {
	e := testEngine(Config{})
	sock := &fakeSocket{}
	e.testRegister(t, streamSub(1, "tenant-a", sock, 16))

	e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", "old")})
	e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", "new")})
	e.tick(context.Background())

	frames := waitFrames(t, sock, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, "new", frames[0].SceneID)
}

func TestSeqMonotonicPerTenant(t *testing.T) {
	e := testEngine(Config{})
	sockA := &fakeSocket{}
	sockB := &fakeSocket{}
	e.testRegister(t, streamSub(1, "tenant-a", sockA, 16))
	e.testRegister(t, streamSub(2, "tenant-b", sockB, 16))

	for i := 0; i < 3; i++ {
		e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", fmt.Sprintf("a%d", i))})
		e.tick(context.Background())
	}
	e.apply(command{kind: cmdFrame, frame: testFrame("tenant-b", "b0")})
	e.tick(context.Background())

	framesA := waitFrames(t, sockA, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{framesA[0].Seq, framesA[1].Seq, framesA[2].Seq})

	framesB := waitFrames(t, sockB, 1)
	// Tenant sequences are independent.
	assert.Equal(t, uint64(1), framesB[0].Seq)
}

func TestFrameFIFOPerSocket(t *testing.T) {
	e := testEngine(Config{})
	sock := &fakeSocket{}
	e.testRegister(t, streamSub(1, "tenant-a", sock, 64))

	for i := 0; i < 20; i++ {
		e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", fmt.Sprintf("s%02d", i))})
		e.tick(context.Background())
	}

	frames := waitFrames(t, sock, 20)
	for i := 1; i < len(frames); i++ {
		assert.Less(t, frames[i-1].Seq, frames[i].Seq, "frames must arrive in enqueue order")
	}
}

func TestTenantIsolation(t *testing.T) {
	e := testEngine(Config{})
	sockA := &fakeSocket{}
	sockB := &fakeSocket{}
	e.testRegister(t, streamSub(1, "tenant-a", sockA, 16))
	e.testRegister(t, streamSub(2, "tenant-b", sockB, 16))

	e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", "s1")})
	e.tick(context.Background())

	waitFrames(t, sockA, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sockB.received(t))
}

func TestRegisterRequiresStreamScope(t *testing.T) {
	e := testEngine(Config{})
	sub := NewSubscription(1, "tenant-a", []string{"reality.submit"}, &fakeSocket{}, 16)
	err := e.Register(sub)
	require.Error(t, err)
}

func TestSlowSubscriberDropOldest(t *testing.T) {
	queueCap := 16
	e := testEngine(Config{QueueCap: queueCap})
	sock := &fakeSocket{block: make(chan struct{})}
	defer close(sock.block)
	sub := streamSub(1, "tenant-a", sock, queueCap)
	e.testRegister(t, sub)

	before := testutil.ToFloat64(metrics.FrameDropTotal.WithLabelValues(metrics.DropReasonQueueFull))

	// First frame parks the writePump inside the blocked socket.
	e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", "s0")})
	e.tick(context.Background())
	time.Sleep(20 * time.Millisecond)

	for i := 1; i < 100; i++ {
		e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", fmt.Sprintf("s%d", i))})
		e.tick(context.Background())
	}

	dropped := testutil.ToFloat64(metrics.FrameDropTotal.WithLabelValues(metrics.DropReasonQueueFull)) - before
	// 99 enqueues into a full 16-slot queue: one drop per overflow.
	assert.Equal(t, float64(99-queueCap), dropped)
	assert.Equal(t, queueCap, sub.QueueLen())
}

func TestSoftBacklogSkipsTick(t *testing.T) {
	e := testEngine(Config{SoftBacklog: 100, HardBacklog: 1 << 30})
	sock := &fakeSocket{block: make(chan struct{})}
	defer close(sock.block)
	sub := streamSub(1, "tenant-a", sock, 16)
	e.testRegister(t, sub)
	atomic.AddInt64(&sub.backlogBytes, 200)

	before := testutil.ToFloat64(metrics.FrameDropTotal.WithLabelValues(metrics.DropReasonTCPBacklog))
	e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", "s1")})
	e.tick(context.Background())

	after := testutil.ToFloat64(metrics.FrameDropTotal.WithLabelValues(metrics.DropReasonTCPBacklog))
	assert.Equal(t, float64(1), after-before)
	assert.Equal(t, 0, sub.QueueLen())
}

func TestHardBacklogClosesAfterThreeTicks(t *testing.T) {
	e := testEngine(Config{SoftBacklog: 10, HardBacklog: 100})
	sock := &fakeSocket{block: make(chan struct{})}
	defer close(sock.block)
	sub := streamSub(1, "tenant-a", sock, 16)
	e.testRegister(t, sub)
	atomic.AddInt64(&sub.backlogBytes, 200)

	// Strikes advance on every tick, even with no frame pending.
	for i := 0; i < hardTickLimit; i++ {
		closed, _ := sock.isClosed()
		assert.False(t, closed, "must survive until tick %d", hardTickLimit)
		e.tick(context.Background())
	}

	closed, code := sock.isClosed()
	assert.True(t, closed)
	assert.Equal(t, ws.StatusGoingAway, code)
	assert.Empty(t, e.subs)
}

func TestHardBacklogStrikesResetOnRecovery(t *testing.T) {
	e := testEngine(Config{SoftBacklog: 10, HardBacklog: 100})
	sock := &fakeSocket{block: make(chan struct{})}
	defer close(sock.block)
	sub := streamSub(1, "tenant-a", sock, 16)
	e.testRegister(t, sub)

	atomic.AddInt64(&sub.backlogBytes, 200)
	e.tick(context.Background())
	e.tick(context.Background())

	// Backlog drains below the cap before the third strike.
	atomic.AddInt64(&sub.backlogBytes, -200)
	e.tick(context.Background())

	atomic.AddInt64(&sub.backlogBytes, 200)
	e.tick(context.Background())
	e.tick(context.Background())

	closed, _ := sock.isClosed()
	assert.False(t, closed, "strike count must reset after recovery")
}

func TestHandleFrameRoutesByTenantSubject(t *testing.T) {
	e := testEngine(Config{})
	sock := &fakeSocket{}
	e.testRegister(t, streamSub(1, "tenant-a", sock, 16))

	env, err := bus.NewEnvelope(bus.FrameSubject("tenant-a"), testFrame("tenant-a", "s1"))
	require.NoError(t, err)
	e.HandleFrame(env)

	// HandleFrame enqueues through the command channel.
	e.apply(<-e.cmds)
	e.tick(context.Background())

	frames := waitFrames(t, sock, 1)
	assert.Equal(t, "s1", frames[0].SceneID)
}

func TestHandleFrameIgnoresForeignSubject(t *testing.T) {
	e := testEngine(Config{})

	env, err := bus.NewEnvelope(bus.SubjectGenResult, testFrame("tenant-a", "s1"))
	require.NoError(t, err)
	e.HandleFrame(env)

	select {
	case <-e.cmds:
		t.Fatal("non-frame subject must not enqueue a frame")
	default:
	}
}

func TestWriteErrorUnregisters(t *testing.T) {
	e := testEngine(Config{})
	sock := &fakeSocket{err: fmt.Errorf("broken pipe")}
	sub := streamSub(1, "tenant-a", sock, 16)
	e.testRegister(t, sub)

	e.apply(command{kind: cmdFrame, frame: testFrame("tenant-a", "s1")})
	e.tick(context.Background())

	// The pump requests removal through the command channel.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case cmd := <-e.cmds:
			e.apply(cmd)
		default:
			time.Sleep(5 * time.Millisecond)
		}
		if len(e.subs) == 0 {
			return
		}
	}
	t.Fatal("subscription was not removed after write error")
}

func TestRunAndShutdownClosesAll(t *testing.T) {
	e := testEngine(Config{TickInterval: 5 * time.Millisecond})
	go e.Run(context.Background())

	socks := make([]*fakeSocket, 5)
	for i := range socks {
		socks[i] = &fakeSocket{}
		require.NoError(t, e.Register(streamSub(int64(i+1), "tenant-a", socks[i], 16)))
	}

	e.Frame(testFrame("tenant-a", "s1"))
	waitFrames(t, socks[0], 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	for _, sock := range socks {
		closed, code := sock.isClosed()
		assert.True(t, closed)
		assert.Equal(t, ws.StatusGoingAway, code)
	}
}

package consciousness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"guardian/internal/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startEngine(t *testing.T, cfg Config, bus eventbus.Publisher) *Engine {
	t.Helper()
	e := New(cfg, bus)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

func waitProcessed(t *testing.T, e *Engine, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Metrics().Processed >= n }, time.Second, 5*time.Millisecond)
}

func TestLifecycle(t *testing.T) {
	rec := eventbus.NewRecorder(8)
	e := New(Config{Window: 4, ReflectiveThreshold: 0.5}, rec)
	assert.Equal(t, StateDormant, e.State())
	assert.ErrorIs(t, e.Submit(Observation{}), ErrNotRunning)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateAware, e.State())
	assert.ErrorIs(t, e.Start(context.Background()), ErrRunning)

	e.Stop()
	assert.Equal(t, StateDormant, e.State())
	e.Stop()

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.TypeState, events[0].Type)
}

func TestMetricsOverWindow(t *testing.T) {
	e := startEngine(t, Config{Window: 4, ReflectiveThreshold: 0.1}, nil)
	for _, d := range []float64{0.2, 0.2, 0.2, 0.2} {
		require.NoError(t, e.Submit(Observation{DriftScore: d}))
	}
	require.NoError(t, e.Submit(Observation{DriftScore: 0.2, Blocked: true}))
	waitProcessed(t, e, 5)

	m := e.Metrics()
	assert.InDelta(t, 0.8, m.Coherence, 1e-9)
	assert.InDelta(t, 1.0, m.Stability, 1e-9)
	assert.InDelta(t, 0.75, m.Awareness, 1e-9)
	assert.Equal(t, int64(1), m.Blocked)
}

func TestReflectiveWhenCoherenceDrops(t *testing.T) {
	e := startEngine(t, Config{Window: 2, ReflectiveThreshold: 0.6}, nil)
	require.NoError(t, e.Submit(Observation{DriftScore: 0.8}))
	waitProcessed(t, e, 1)
	assert.Equal(t, StateReflective, e.State())

	require.NoError(t, e.Submit(Observation{DriftScore: 0}))
	require.NoError(t, e.Submit(Observation{DriftScore: 0}))
	waitProcessed(t, e, 3)
	assert.Equal(t, StateAware, e.State())
}

func TestSuspendOnCriticalAndResume(t *testing.T) {
	e := startEngine(t, Config{Window: 4, ReflectiveThreshold: 0.1, SuspendOnCritical: true}, nil)

	var mu sync.Mutex
	var seen []Transition
	e.OnTransition(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	assert.ErrorIs(t, e.Resume(), ErrNotSuspended)
	require.NoError(t, e.Submit(Observation{DriftScore: 0.9, Blocked: true, Critical: true}))
	waitProcessed(t, e, 1)
	assert.True(t, e.Suspended())

	// stays suspended regardless of later observations
	require.NoError(t, e.Submit(Observation{}))
	waitProcessed(t, e, 2)
	assert.Equal(t, StateSuspended, e.State())

	require.NoError(t, e.Resume())
	assert.Equal(t, StateAware, e.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, Transition{From: StateAware, To: StateSuspended, Reason: "critical block", At: seen[0].At}, seen[0])
	assert.Equal(t, StateAware, seen[1].To)
}

func TestCriticalIgnoredWithoutSuspendFlag(t *testing.T) {
	e := startEngine(t, Config{Window: 4, ReflectiveThreshold: 0.05}, nil)
	require.NoError(t, e.Submit(Observation{DriftScore: 0.9, Blocked: true, Critical: true}))
	waitProcessed(t, e, 1)
	assert.Equal(t, StateAware, e.State())
}

func TestSubmitBackpressure(t *testing.T) {
	// not started: the queue is never consumed
	e := New(Config{QueueSize: 2, Window: 4}, nil)
	e.running = true
	require.NoError(t, e.Submit(Observation{}))
	require.NoError(t, e.Submit(Observation{}))
	assert.ErrorIs(t, e.Submit(Observation{}), ErrQueueFull)
}

func TestStopDrainsQueue(t *testing.T) {
	e := New(Config{QueueSize: 64, Window: 8}, nil)
	require.NoError(t, e.Start(context.Background()))
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Submit(Observation{DriftScore: 0.1}))
	}
	e.Stop()
	assert.Equal(t, int64(50), e.Metrics().Processed)
}

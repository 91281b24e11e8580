package canbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

// newTestAdapter returns an installed, started SimAdapter, bypassing the
// Manager so dispatchLoop can be driven directly against a Registry.
func newTestAdapter(t *testing.T) *SimAdapter {
	t.Helper()
	a := NewSimAdapter()
	require.NoError(t, a.Install(Config{Mode: ModeListenOnly}))
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Uninstall() })
	return a
}

// runDispatchLoop spins m.dispatchLoop in a goroutine against the given
// context, returning a channel closed once the loop exits.
func runDispatchLoop(m *Manager, ctx context.Context, stopRequested *atomic.Bool) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.dispatchLoop(ctx, stopRequested, hclog.NewNullLogger())
	}()
	return done
}

func TestDispatchLoopFansOutToAllActivatedSubscribers(t *testing.T) {
	adapter := newTestAdapter(t)
	m := &Manager{adapter: adapter, registry: NewRegistry()}

	var calls [3]atomic.Int64
	var handles [3]Handle
	for i := range handles {
		i := i
		h, err := m.registry.Register(RxOnly)
		require.NoError(t, err)
		_, err = m.registry.Activate(h)
		require.NoError(t, err)
		require.NoError(t, m.registry.SetRxCallback(h, func(Frame, interface{}) {
			calls[i].Add(1)
		}, nil))
		handles[i] = h
	}

	ctx, cancel := context.WithCancel(context.Background())
	var stopRequested atomic.Bool
	done := runDispatchLoop(m, ctx, &stopRequested)

	adapter.Inject(Frame{ID: 1})
	require.Eventually(t, func() bool {
		return calls[0].Load() == 1 && calls[1].Load() == 1 && calls[2].Load() == 1
	}, time.Second, time.Millisecond)

	stopRequested.Store(true)
	cancel()
	<-done
}

func TestDispatchLoopSkipsUnregisteredAndInactiveClients(t *testing.T) {
	adapter := newTestAdapter(t)
	m := &Manager{adapter: adapter, registry: NewRegistry()}

	var activeCalls, inactiveCalls, unregisteredCalls atomic.Int64

	active, _ := m.registry.Register(RxOnly)
	_, err := m.registry.Activate(active)
	require.NoError(t, err)
	require.NoError(t, m.registry.SetRxCallback(active, func(Frame, interface{}) { activeCalls.Add(1) }, nil))

	inactive, _ := m.registry.Register(RxOnly)
	require.NoError(t, m.registry.SetRxCallback(inactive, func(Frame, interface{}) { inactiveCalls.Add(1) }, nil))
	// left deliberately un-activated

	unregistered, _ := m.registry.Register(RxOnly)
	_, err = m.registry.Activate(unregistered)
	require.NoError(t, err)
	require.NoError(t, m.registry.SetRxCallback(unregistered, func(Frame, interface{}) { unregisteredCalls.Add(1) }, nil))
	require.True(t, m.registry.Unregister(unregistered))

	ctx, cancel := context.WithCancel(context.Background())
	var stopRequested atomic.Bool
	done := runDispatchLoop(m, ctx, &stopRequested)

	adapter.Inject(Frame{ID: 2})
	require.Eventually(t, func() bool { return activeCalls.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int64(0), inactiveCalls.Load())
	require.Equal(t, int64(0), unregisteredCalls.Load())

	stopRequested.Store(true)
	cancel()
	<-done
}

// A subscriber unregistered mid-flight must never observe another callback
// invocation, and its record must not be reclaimed while its callback is
// still running.
func TestDispatchLoopRefcountHeldAcrossSlowCallback(t *testing.T) {
	adapter := newTestAdapter(t)
	m := &Manager{adapter: adapter, registry: NewRegistry()}

	release := make(chan struct{})
	entered := make(chan struct{})
	var invocations atomic.Int64

	h, _ := m.registry.Register(RxOnly)
	_, err := m.registry.Activate(h)
	require.NoError(t, err)
	require.NoError(t, m.registry.SetRxCallback(h, func(Frame, interface{}) {
		invocations.Add(1)
		close(entered)
		<-release
	}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	var stopRequested atomic.Bool
	done := runDispatchLoop(m, ctx, &stopRequested)

	adapter.Inject(Frame{ID: 3})
	<-entered

	require.True(t, m.registry.Unregister(h))
	require.Equal(t, 1, m.registry.PendingFreeCount())
	m.registry.Reclaim()
	require.Equal(t, 1, m.registry.PendingFreeCount(), "record reclaimed while callback still in flight")

	close(release)
	require.Eventually(t, func() bool {
		m.registry.Reclaim()
		return m.registry.PendingFreeCount() == 0
	}, time.Second, time.Millisecond)

	require.Equal(t, int64(1), invocations.Load())

	stopRequested.Store(true)
	cancel()
	<-done
}

func TestDispatchLoopExitsOnInvalidState(t *testing.T) {
	adapter := newTestAdapter(t)
	m := &Manager{adapter: adapter, registry: NewRegistry()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stopRequested atomic.Bool
	done := runDispatchLoop(m, ctx, &stopRequested)

	require.NoError(t, adapter.Stop())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch loop did not exit after adapter stopped")
	}
}

func TestDispatchLoopExitsOnStopRequested(t *testing.T) {
	adapter := newTestAdapter(t)
	m := &Manager{adapter: adapter, registry: NewRegistry()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stopRequested atomic.Bool
	done := runDispatchLoop(m, ctx, &stopRequested)

	stopRequested.Store(true)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch loop did not exit after stop requested")
	}
}

func TestDispatchLoopDropsBeyondFanoutLimit(t *testing.T) {
	adapter := newTestAdapter(t)
	m := &Manager{adapter: adapter, registry: NewRegistry()}

	var mu sync.Mutex
	var count int
	for i := 0; i < maxFanout+2; i++ {
		h, _ := m.registry.Register(RxOnly)
		_, err := m.registry.Activate(h)
		require.NoError(t, err)
		require.NoError(t, m.registry.SetRxCallback(h, func(Frame, interface{}) {
			mu.Lock()
			count++
			mu.Unlock()
		}, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var stopRequested atomic.Bool
	done := runDispatchLoop(m, ctx, &stopRequested)

	adapter.Inject(Frame{ID: 4})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == maxFanout
	}, time.Second, time.Millisecond)

	stopRequested.Store(true)
	cancel()
	<-done
}

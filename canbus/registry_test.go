package canbus

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterUnregisterRoundTrip(t *testing.T) {
	r := NewRegistry()

	h, err := r.Register(RxOnly)
	require.NoError(t, err)
	require.Equal(t, Counters{RegisteredTotal: 1}, r.Snapshot())

	require.True(t, r.Unregister(h))
	require.Equal(t, Counters{RegisteredTotal: 0}, r.Snapshot())
	require.False(t, r.IsRegistered(h))
}

func TestRegistryIdentifiersMonotonic(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register(RxOnly)
	require.NoError(t, err)
	b, err := r.Register(RxOnly)
	require.NoError(t, err)
	c, err := r.Register(RxOnly)
	require.NoError(t, err)

	require.Less(t, a.id, b.id)
	require.Less(t, b.id, c.id)
}

func TestRegistryActivateIdempotent(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(TxEnabled)

	changed, err := r.Activate(h)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, Counters{RegisteredTotal: 1, ActivatedTotal: 1, ActivatedTxTotal: 1}, r.Snapshot())

	changed, err = r.Activate(h)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, Counters{RegisteredTotal: 1, ActivatedTotal: 1, ActivatedTxTotal: 1}, r.Snapshot())
}

func TestRegistryDeactivateIdempotent(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(RxOnly)
	_, err := r.Activate(h)
	require.NoError(t, err)

	changed, err := r.Deactivate(h)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = r.Deactivate(h)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, Counters{RegisteredTotal: 1}, r.Snapshot())
}

func TestRegistryActivateInvalidHandle(t *testing.T) {
	r := NewRegistry()
	_, err := r.Activate(Handle{id: 9999})
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestRegistrySetModeConflict(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Register(TxEnabled)
	b, _ := r.Register(TxEnabled)
	_, err := r.Activate(a)
	require.NoError(t, err)
	_, err = r.Activate(b)
	require.NoError(t, err)

	before := r.Snapshot()
	changed, err := r.SetMode(b, RxOnly)
	require.ErrorIs(t, err, ErrModeConflict)
	require.False(t, changed)
	require.Equal(t, before, r.Snapshot())
	require.Equal(t, Counters{RegisteredTotal: 2, ActivatedTotal: 2, ActivatedTxTotal: 2}, r.Snapshot())
}

func TestRegistrySetModeSecondCallNoOp(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(TxEnabled)
	_, err := r.Activate(h)
	require.NoError(t, err)

	changed, err := r.SetMode(h, RxOnly)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = r.SetMode(h, RxOnly)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestRegistryUnregisterWhileActivatedAdjustsCounters(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(TxEnabled)
	_, err := r.Activate(h)
	require.NoError(t, err)
	require.Equal(t, Counters{RegisteredTotal: 1, ActivatedTotal: 1, ActivatedTxTotal: 1}, r.Snapshot())

	require.True(t, r.Unregister(h))
	require.Equal(t, Counters{}, r.Snapshot())
}

func TestRegistryUnregisterUnknownHandleIsNoOp(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Unregister(Handle{id: 42}))
}

func TestRegistryPendingFreeHeldUntilRefcountZero(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(RxOnly)
	// take the extra reference an in-flight callback holds, as
	// SnapshotSubscribers would.
	atomic.AddInt32(&r.active[h.id].refcount, 1)
	require.True(t, r.Unregister(h))
	require.Equal(t, 1, r.PendingFreeCount())

	// still referenced by that simulated callback -- reclaim must not
	// remove it.
	c := r.pendingFree[h.id]
	r.Reclaim()
	require.Equal(t, 1, r.PendingFreeCount())
	_ = c

	r.ReleaseRef(subscriberSnapshot{record: c})
	r.Reclaim()
	require.Equal(t, 0, r.PendingFreeCount())
}

func TestRegistrySnapshotSubscribersRespectsFanoutLimit(t *testing.T) {
	r := NewRegistry()
	var handles []Handle
	for i := 0; i < maxFanout+3; i++ {
		h, _ := r.Register(RxOnly)
		_, err := r.Activate(h)
		require.NoError(t, err)
		require.NoError(t, r.SetRxCallback(h, func(Frame, interface{}) {}, nil))
		handles = append(handles, h)
	}

	snaps, dropped := r.SnapshotSubscribers()
	require.Len(t, snaps, maxFanout)
	require.Equal(t, 3, dropped)

	for _, s := range snaps {
		r.ReleaseRef(s)
	}
}

func TestRegistryCheckTransmitAllowed(t *testing.T) {
	r := NewRegistry()
	rx, _ := r.Register(RxOnly)
	tx, _ := r.Register(TxEnabled)

	require.ErrorIs(t, r.CheckTransmitAllowed(rx), ErrNotPermitted)
	require.ErrorIs(t, r.CheckTransmitAllowed(tx), ErrNotPermitted) // not activated yet

	_, err := r.Activate(tx)
	require.NoError(t, err)
	require.NoError(t, r.CheckTransmitAllowed(tx))
}

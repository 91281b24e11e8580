package canbus

import (
	"sync"
	"sync/atomic"
)

// Handle is an opaque, stable client identifier. Per spec.md's
// re-architecture note, identifiers are a monotonically increasing,
// never-reused counter rather than a raw pointer: a Handle from one
// registry can never alias a different client, and staleness is just a
// map lookup away.
type Handle struct {
	id uint64
}

func (h Handle) String() string {
	return "canbus.Handle(" + itoa(h.id) + ")"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Callback is a client's receive callback: invoked by the Dispatcher on
// every frame observed while the client is activated, registered, and not
// pending deletion.
type Callback func(frame Frame, arg interface{})

// client is the registry's internal record. Every field except refcount
// is only ever touched while holding Registry.mu; refcount is the one
// field the Dispatcher mutates without the mutex held, by design (see
// SnapshotSubscribers/ReleaseRef).
type client struct {
	id            uint64
	registered    bool
	activated     bool
	mode          ClientMode
	callback      Callback
	arg           interface{}
	refcount      int32
	pendingDelete bool
}

// Counters is the materialised aggregate state the Bus State Engine reads
// to decide the target mode. It never needs to scan the client list.
type Counters struct {
	RegisteredTotal  int
	ActivatedTotal   int
	ActivatedTxTotal int
}

// Registry owns the set of clients. All mutating operations are
// serialised by a single mutex, held only for in-memory bookkeeping --
// never across Adapter I/O or callback invocation.
type Registry struct {
	mu          sync.Mutex
	nextID      uint64
	active      map[uint64]*client
	order       []uint64 // active set traversal order, for deterministic fan-out
	pendingFree map[uint64]*client
	counters    Counters
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		active:      make(map[uint64]*client),
		pendingFree: make(map[uint64]*client),
	}
}

// Register allocates a new client record. It never fails except on
// allocation failure, which Go's runtime reports by panicking rather than
// returning an error; ErrAllocFailed exists for API completeness with
// spec.md's error table and is returned only if the id space itself is
// exhausted (practically unreachable at uint64 width).
func (r *Registry) Register(mode ClientMode) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID + 1
	if id == 0 {
		return Handle{}, ErrAllocFailed
	}
	r.nextID = id

	c := &client{id: id, registered: true, mode: mode, refcount: 1}
	r.active[id] = c
	r.order = append(r.order, id)
	r.counters.RegisteredTotal++
	return Handle{id: id}, nil
}

// Activate idempotently marks a client activated. changed reports whether
// this call actually flipped the flag (and therefore whether the caller
// needs to re-run the state engine -- calling it even when unchanged is
// harmless, but callers skip the work when they can).
func (r *Registry) Activate(h Handle) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.active[h.id]
	if !ok {
		return false, ErrInvalidHandle
	}
	if c.activated {
		return false, nil
	}
	c.activated = true
	r.counters.ActivatedTotal++
	if c.mode == TxEnabled {
		r.counters.ActivatedTxTotal++
	}
	return true, nil
}

// Deactivate is the symmetric, idempotent counterpart to Activate.
func (r *Registry) Deactivate(h Handle) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.active[h.id]
	if !ok {
		return false, ErrInvalidHandle
	}
	if !c.activated {
		return false, nil
	}
	c.activated = false
	r.counters.ActivatedTotal--
	if c.mode == TxEnabled {
		r.counters.ActivatedTxTotal--
	}
	return true, nil
}

// SetMode changes a client's declared mode. It fails with ErrModeConflict
// if the client is activated and switching TxEnabled -> RxOnly while any
// other activated client is TxEnabled, per spec.md section 4.2 -- this
// leaves all state unchanged on failure. changed reports whether the
// mode actually flipped.
func (r *Registry) SetMode(h Handle, newMode ClientMode) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.active[h.id]
	if !ok {
		return false, ErrInvalidHandle
	}
	if c.mode == newMode {
		return false, nil
	}
	if c.activated && c.mode == TxEnabled && newMode == RxOnly {
		for otherID, other := range r.active {
			if otherID == h.id {
				continue
			}
			if other.activated && other.mode == TxEnabled {
				return false, ErrModeConflict
			}
		}
	}

	if c.activated {
		switch {
		case c.mode == TxEnabled && newMode == RxOnly:
			r.counters.ActivatedTxTotal--
		case c.mode == RxOnly && newMode == TxEnabled:
			r.counters.ActivatedTxTotal++
		}
	}
	c.mode = newMode
	return true, nil
}

// SetRxCallback updates a client's receive callback under the mutex. The
// change is effective for frames snapshotted by the Dispatcher after this
// call returns; no ordering guarantee is made against a snapshot already
// taken.
func (r *Registry) SetRxCallback(h Handle, cb Callback, arg interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.active[h.id]
	if !ok {
		return ErrInvalidHandle
	}
	c.callback = cb
	c.arg = arg
	return nil
}

// Unregister is infallible and idempotent: unknown or already-unregistered
// handles are a silent no-op. It moves the record to the pending-free set
// and releases the registry's own reference; physical reclamation happens
// later, in Reclaim (called by the Dispatcher), once the refcount reaches
// zero.
func (r *Registry) Unregister(h Handle) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.active[h.id]
	if !ok {
		return false
	}

	if c.activated {
		c.activated = false
		r.counters.ActivatedTotal--
		if c.mode == TxEnabled {
			r.counters.ActivatedTxTotal--
		}
	}
	c.registered = false
	c.pendingDelete = true
	delete(r.active, h.id)
	r.removeFromOrder(h.id)
	r.pendingFree[h.id] = c
	r.counters.RegisteredTotal--

	atomic.AddInt32(&c.refcount, -1)
	return true
}

func (r *Registry) removeFromOrder(id uint64) {
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// IsRegistered reports whether h names a client currently in the active
// set with registered == true.
func (r *Registry) IsRegistered(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[h.id]
	return ok && c.registered
}

// Snapshot returns the current aggregate counters.
func (r *Registry) Snapshot() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// CheckTransmitAllowed verifies the client is registered, activated, and
// TxEnabled without mutating anything.
func (r *Registry) CheckTransmitAllowed(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[h.id]
	if !ok {
		return ErrInvalidHandle
	}
	if !c.registered || !c.activated || c.mode != TxEnabled {
		return ErrNotPermitted
	}
	return nil
}

// subscriberSnapshot is a transient, refcount-protected record of one
// callback the Dispatcher will invoke for the current frame.
type subscriberSnapshot struct {
	record   *client
	clientID uint64
	callback Callback
	arg      interface{}
}

// maxFanout bounds the per-frame snapshot buffer. Subscribers beyond this
// are dropped for the frame and counted, per spec.md's Open Questions --
// sized to the expected client cardinality rather than grown dynamically,
// to avoid an allocation on the receive hot path.
const maxFanout = 8

// SnapshotSubscribers walks the active set once and returns up to
// maxFanout eligible callbacks, having already incremented each record's
// refcount. The caller must call ReleaseRef for every returned snapshot
// exactly once, after invoking (or skipping) its callback.
func (r *Registry) SnapshotSubscribers() (snaps []subscriberSnapshot, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		c := r.active[id]
		if c == nil || !c.registered || !c.activated || c.pendingDelete || c.callback == nil {
			continue
		}
		if len(snaps) >= maxFanout {
			dropped++
			continue
		}
		atomic.AddInt32(&c.refcount, 1)
		snaps = append(snaps, subscriberSnapshot{record: c, clientID: c.id, callback: c.callback, arg: c.arg})
	}
	return snaps, dropped
}

// ReleaseRef decrements a snapshotted record's refcount. It must never be
// called while holding r.mu -- the whole point of the scheme is that this
// can race freely with Reclaim and with further registry mutation.
func (r *Registry) ReleaseRef(s subscriberSnapshot) {
	atomic.AddInt32(&s.record.refcount, -1)
}

// Reclaim drains the pending-free set of any record whose refcount has
// reached zero -- the only code path allowed to do so. It is called by
// the Dispatcher at the top of every loop iteration (spec.md section
// 4.4 step 2), which is the well-defined safe point: the Dispatcher is
// the only reader of pending-free refcounts besides the record's own
// in-flight callback invocations.
func (r *Registry) Reclaim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.pendingFree {
		if atomic.LoadInt32(&c.refcount) == 0 {
			delete(r.pendingFree, id)
		}
	}
}

// PendingFreeCount reports how many unregistered records are still
// awaiting reclamation. Exposed for tests and diagnostics.
func (r *Registry) PendingFreeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingFree)
}

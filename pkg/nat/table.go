package nat

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"
)

// Table maps local ports to sessions. There is one slot per 16-bit port and
// each slot is swapped atomically, so lookups never block and never observe
// a partially built session.
type Table struct {
	slots  [1 << 16]atomic.Pointer[Session]
	count  atomic.Int64
	policy EvictionPolicy
	now    func() time.Time

	// OnCreate and OnEvict are invoked after a session is installed or
	// removed. They must not block. Set them before the table is shared.
	OnCreate func(*Session)
	OnEvict  func(*Session)
}

// Option configures a Table.
type Option func(*Table)

// WithPolicy sets the eviction policy used by Sweep.
func WithPolicy(p EvictionPolicy) Option {
	return func(t *Table) { t.policy = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

func NewTable(opts ...Option) *Table {
	t := &Table{policy: DefaultPolicy, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Now returns the table clock.
func (t *Table) Now() time.Time { return t.now() }

// Lookup returns the session for localPort or nil.
func (t *Table) Lookup(localPort uint16) *Session {
	return t.slots[localPort].Load()
}

// GetOrCreate returns the session for localPort if it points at
// remoteIP:remotePort, otherwise it installs a fresh one in its place.
func (t *Table) GetOrCreate(localPort uint16, remoteIP netip.Addr, remotePort uint16) *Session {
	slot := &t.slots[localPort]
	var fresh *Session
	for {
		cur := slot.Load()
		if cur != nil && cur.Matches(remoteIP, remotePort) {
			return cur
		}
		if fresh == nil {
			fresh = newSession(localPort, remoteIP, remotePort, t.now())
		}
		if !slot.CompareAndSwap(cur, fresh) {
			continue
		}
		if cur == nil {
			t.count.Add(1)
		} else if t.OnEvict != nil {
			// The port was recycled for another destination.
			t.OnEvict(cur)
		}
		if t.OnCreate != nil {
			t.OnCreate(fresh)
		}
		return fresh
	}
}

// Reclaim installs a fresh session for the endpoint of old, with reset
// counters, if old is still current. It returns the session now in the slot.
func (t *Table) Reclaim(old *Session) *Session {
	fresh := newSession(old.LocalPort, old.RemoteIP, old.RemotePort, t.now())
	if !t.slots[old.LocalPort].CompareAndSwap(old, fresh) {
		return t.GetOrCreate(old.LocalPort, old.RemoteIP, old.RemotePort)
	}
	if t.OnEvict != nil {
		t.OnEvict(old)
	}
	if t.OnCreate != nil {
		t.OnCreate(fresh)
	}
	return fresh
}

// Remove deletes s if it is still the current session for its port.
func (t *Table) Remove(s *Session) bool {
	if s == nil || !t.slots[s.LocalPort].CompareAndSwap(s, nil) {
		return false
	}
	t.count.Add(-1)
	if t.OnEvict != nil {
		t.OnEvict(s)
	}
	return true
}

// Len returns the number of live sessions.
func (t *Table) Len() int { return int(t.count.Load()) }

// Range calls fn for every live session until fn returns false.
func (t *Table) Range(fn func(*Session) bool) {
	for i := range t.slots {
		if s := t.slots[i].Load(); s != nil && !fn(s) {
			return
		}
	}
}

// Sweep evicts every session the policy allows and returns how many were
// removed. A session replaced concurrently is left alone.
func (t *Table) Sweep(now time.Time) int {
	n := 0
	t.Range(func(s *Session) bool {
		if t.policy.ShouldEvict(s, now) && t.Remove(s) {
			n++
		}
		return true
	})
	return n
}

// Run sweeps the table every interval until ctx is done.
func (t *Table) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

// Clear removes every session, for teardown.
func (t *Table) Clear() {
	t.Range(func(s *Session) bool {
		t.Remove(s)
		return true
	})
}

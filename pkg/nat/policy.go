package nat

import "time"

// EvictionPolicy decides whether a session may be removed from the table.
// Correctness of forwarding never depends on when this returns true.
type EvictionPolicy interface {
	ShouldEvict(s *Session, now time.Time) bool
}

// IdlePolicy evicts sessions that saw no outbound packet for Idle, and
// sessions whose proxied connection closed at least Linger ago and that saw
// no outbound packet for Linger either. A zero duration disables that rule.
type IdlePolicy struct {
	Idle   time.Duration
	Linger time.Duration
}

// DefaultPolicy is used when a Table is created without a policy.
var DefaultPolicy = IdlePolicy{Idle: 5 * time.Minute, Linger: 30 * time.Second}

func (p IdlePolicy) ShouldEvict(s *Session, now time.Time) bool {
	if closed, ok := s.ClosedAt(); ok && p.Linger > 0 &&
		now.Sub(closed) >= p.Linger && now.Sub(s.LastActive()) >= p.Linger {
		return true
	}
	return p.Idle > 0 && now.Sub(s.LastActive()) >= p.Idle
}

// PolicyFunc adapts a function to EvictionPolicy.
type PolicyFunc func(s *Session, now time.Time) bool

func (f PolicyFunc) ShouldEvict(s *Session, now time.Time) bool { return f(s, now) }

// Package credential holds the X API bearer tokens and their rate-limit
// cooldown clocks.
package credential

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCooldown is how long a credential is deprioritized after a 429.
const DefaultCooldown = 900 * time.Second

// Lease is a selected credential. Index identifies it for MarkRateLimited.
type Lease struct {
	Index int
	Token string
}

// Status is a point-in-time view of one credential, safe for display.
type Status struct {
	Index         int
	Masked        string
	Available     bool
	Remaining     time.Duration
	LimitedAt     time.Time
	Cooldown      time.Duration
	RateLimitHits uint64
}

type slot struct {
	token string

	mu            sync.Mutex
	limitedAt     time.Time // zero when never rate-limited
	cooldown      time.Duration
	rateLimitHits uint64
}

// remaining returns the cooldown left at now; <= 0 means usable.
func (s *slot) remaining(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limitedAt.IsZero() {
		return 0
	}
	return s.cooldown - now.Sub(s.limitedAt)
}

// Pool selects credentials in ring order, skipping ones that are cooling down.
//
// Each credential's cooldown fields are guarded by their own mutex; the
// rotation pointer is a separate atomic, so selections never lock across
// credentials.
type Pool struct {
	slots   []*slot
	pointer atomic.Int64
	now     func() time.Time
}

type Option func(*Pool)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func New(tokens []string, opts ...Option) *Pool {
	p := &Pool{now: time.Now}
	for _, t := range tokens {
		p.slots = append(p.slots, &slot{token: t})
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Len returns the number of configured credentials.
func (p *Pool) Len() int { return len(p.slots) }

// Current returns the rotation pointer.
func (p *Pool) Current() int { return int(p.pointer.Load()) }

// Select returns the next usable credential and moves the rotation pointer to it.
//
// Starting at the pointer, the first credential that was never rate-limited or
// whose cooldown has elapsed wins. When every credential is still cooling, the
// one with the least remaining cooldown is returned instead of failing.
// ok is false only when no credentials are configured.
func (p *Pool) Select() (Lease, bool) {
	n := len(p.slots)
	if n == 0 {
		return Lease{}, false
	}
	now := p.now()
	start := int(p.pointer.Load()) % n

	best := -1
	var bestLeft time.Duration
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		left := p.slots[idx].remaining(now)
		if left <= 0 {
			p.pointer.Store(int64(idx))
			return Lease{Index: idx, Token: p.slots[idx].token}, true
		}
		if best == -1 || left < bestLeft {
			best, bestLeft = idx, left
		}
	}
	p.pointer.Store(int64(best))
	return Lease{Index: best, Token: p.slots[best].token}, true
}

// MarkRateLimited starts the cooldown clock of credential index.
// A non-positive cooldown uses DefaultCooldown.
func (p *Pool) MarkRateLimited(index int, cooldown time.Duration) {
	if index < 0 || index >= len(p.slots) {
		return
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	s := p.slots[index]
	s.mu.Lock()
	s.limitedAt = p.now()
	s.cooldown = cooldown
	s.rateLimitHits++
	s.mu.Unlock()
}

// SoonestAvailable reports whether every credential is cooling down and, if so,
// how long until the first one frees up.
func (p *Pool) SoonestAvailable() (time.Duration, bool) {
	if len(p.slots) == 0 {
		return 0, false
	}
	now := p.now()
	var soonest time.Duration
	for i, s := range p.slots {
		left := s.remaining(now)
		if left <= 0 {
			return 0, false
		}
		if i == 0 || left < soonest {
			soonest = left
		}
	}
	return soonest, true
}

// Snapshot returns the status of every credential, in index order.
func (p *Pool) Snapshot() []Status {
	now := p.now()
	out := make([]Status, 0, len(p.slots))
	for i, s := range p.slots {
		s.mu.Lock()
		st := Status{
			Index:         i,
			Masked:        Mask(s.token),
			LimitedAt:     s.limitedAt,
			Cooldown:      s.cooldown,
			RateLimitHits: s.rateLimitHits,
		}
		if !s.limitedAt.IsZero() {
			st.Remaining = s.cooldown - now.Sub(s.limitedAt)
		}
		s.mu.Unlock()
		if st.Remaining <= 0 {
			st.Remaining = 0
			st.Available = true
		}
		out = append(out, st)
	}
	return out
}

// Mask hides all but the last four characters of a token.
func Mask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

package domain

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// VersionSource issues strictly increasing event versions. Versions are
// microsecond timestamps, bumped by one when the clock has not advanced since
// the previous issue, so two upserts in the same microsecond still order.
type VersionSource struct {
	mu    sync.Mutex
	clock clockwork.Clock
	last  int64
}

// NewVersionSource creates a VersionSource on the given clock. Pass nil for
// the real clock.
func NewVersionSource(clock clockwork.Clock) *VersionSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &VersionSource{clock: clock}
}

// Next returns the next version, strictly greater than any previously issued.
func (s *VersionSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.clock.Now().UnixMicro()
	if v <= s.last {
		v = s.last + 1
	}
	s.last = v
	return v
}

// Observe raises the monotonic floor to at least v. Seeding from the store's
// current maximum on startup keeps versions increasing across restarts.
func (s *VersionSource) Observe(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.last {
		s.last = v
	}
}

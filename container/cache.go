package container

import (
	"context"
	"sync"
)

type slotState int

const (
	slotUnbuilt slotState = iota
	slotBuilding
	slotBuilt
)

// Slot memoizes one built entrypoint. The transition is one-directional:
// unbuilt, to in-flight, to built; there is no way back to unbuilt. The
// build computation runs at most once no matter how many invocations race
// on the first call; everyone arriving while the build is in flight waits
// on the same outcome. A failed build is cached, mirroring the container's
// materialization semantics. The build runs on the first caller's context:
// if that caller is cancelled mid-build, the resulting error settles the
// slot like any other failure.
//
// The zero Slot is ready to use.
type Slot[H any] struct {
	mu      sync.Mutex
	state   slotState
	pending chan struct{}
	handler H
	err     error
}

// Get returns the cached entrypoint, running build on the first call.
// Callers arriving during an in-flight build block until it settles and
// then observe its outcome. Once built, Get returns synchronously.
//
// A waiter's ctx only bounds its own wait; cancelling it does not cancel
// the shared build.
func (s *Slot[H]) Get(ctx context.Context, build func(context.Context) (H, error)) (H, error) {
	var zero H
	s.mu.Lock()
	switch s.state {
	case slotBuilt:
		h, err := s.handler, s.err
		s.mu.Unlock()
		return h, err
	case slotBuilding:
		pending := s.pending
		s.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		s.mu.Lock()
		h, err := s.handler, s.err
		s.mu.Unlock()
		return h, err
	}

	s.state = slotBuilding
	s.pending = make(chan struct{})
	s.mu.Unlock()

	h, err := build(ctx)

	s.mu.Lock()
	s.handler = h
	s.err = err
	s.state = slotBuilt
	close(s.pending)
	s.pending = nil
	s.mu.Unlock()
	return h, err
}

// Built reports whether the slot has settled, successfully or not.
func (s *Slot[H]) Built() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == slotBuilt
}

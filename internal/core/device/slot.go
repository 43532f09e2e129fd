package device

import (
	"context"
	"sync"
	"time"
)

// FrameSlot is a single-slot overwritable frame mailbox.
//
// Publish always overwrites the slot and wakes every waiter. Next returns the
// newest frame whose sequence is greater than the caller's cursor, blocking
// until one exists. At most one frame is buffered, so a slow consumer skips
// the frames published while it was busy.
type FrameSlot struct {
	mu     sync.Mutex
	frame  Frame
	seq    uint64
	ready  chan struct{} // closed and replaced on every publish
	closed bool
	drops  uint64
	taken  bool
}

// NewFrameSlot creates an empty slot.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{ready: make(chan struct{})}
}

// Publish stores f as the newest frame and returns its sequence number.
func (s *FrameSlot) Publish(f Frame) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.seq
	}
	if s.seq > 0 && !s.taken {
		s.drops++
	}

	s.seq++
	f.Seq = s.seq
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	s.frame = f
	s.taken = false

	close(s.ready)
	s.ready = make(chan struct{})
	return s.seq
}

// Seq returns the sequence number of the newest published frame.
func (s *FrameSlot) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Drops returns how many published frames were overwritten before anyone read them.
func (s *FrameSlot) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Next blocks until a frame with Seq > after is available and returns it.
func (s *FrameSlot) Next(ctx context.Context, after uint64) (Frame, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Frame{}, ErrClosed
		}
		if s.seq > after {
			f := s.frame
			s.taken = true
			s.mu.Unlock()
			return f, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Close wakes all waiters; subsequent Next calls return ErrClosed.
func (s *FrameSlot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ready)
}

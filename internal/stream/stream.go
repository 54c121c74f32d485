package stream

import (
	"context"

	"github.com/user/pineai/internal/types"
)

// Stream is the lazy, single-consumer sequence of normalized events for one
// turn. Iterate in the scanner style:
//
//	st := ss.OpenStream()
//	for st.Next(ctx) {
//		handle(st.Event())
//	}
//	if err := st.Err(); err != nil { ... }
//
// Next blocks while the session's FIFO is empty and coalesced output is
// still owed (open buffers or armed debounce timers). It returns false once
// the turn is complete and everything queued has been delivered, or after
// cancellation.
type Stream struct {
	ss *SessionStream
	// follow streams ignore turn boundaries and keep blocking for
	// server-initiated activity until the session closes.
	follow bool
	cur    types.NormalizedEvent
	err    error
}

// Next advances to the next event. Cancelling ctx flushes any open buffers
// so partial content is not silently lost; the flushed events are drained
// before Next reports false and Err returns the context error.
func (s *Stream) Next(ctx context.Context) bool {
	for {
		// Pending is checked outside the session lock: the coalescer takes
		// its own lock and pushes into the session from timer callbacks.
		pending := s.ss.co.Pending()

		s.ss.mu.Lock()
		if len(s.ss.fifo) > 0 {
			s.cur = s.ss.fifo[0]
			s.ss.fifo = s.ss.fifo[1:]
			s.ss.mu.Unlock()
			return true
		}
		finished := s.ss.closed || (!s.follow && s.ss.turnDone && !pending)
		s.ss.mu.Unlock()
		if finished {
			return false
		}

		select {
		case <-ctx.Done():
			if s.err == nil {
				s.err = ctx.Err()
			}
			s.ss.Cancel()
			// Loop: flushed events are already queued and the stream is
			// closed, so the drain terminates without blocking.
		case <-s.ss.wake:
		}
	}
}

// Event returns the event produced by the last successful Next.
func (s *Stream) Event() types.NormalizedEvent { return s.cur }

// Err returns the first error encountered, if any. A stream that ends
// normally or by Cancel has a nil error.
func (s *Stream) Err() error { return s.err }

// Cancel cooperatively ends the stream. Open buffers are flushed; Next
// keeps returning queued events until they are drained, then reports false.
func (s *Stream) Cancel() {
	s.ss.Cancel()
}

// Collect drains the stream into a slice. It honors ctx like Next.
func (s *Stream) Collect(ctx context.Context) ([]types.NormalizedEvent, error) {
	var events []types.NormalizedEvent
	for s.Next(ctx) {
		events = append(events, s.Event())
	}
	return events, s.Err()
}

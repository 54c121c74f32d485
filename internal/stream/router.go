package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/user/pineai/internal/types"
)

// Config tunes the router and the per-session coalescers.
type Config struct {
	Coalescer CoalescerConfig
	// BufferSize is the capacity of each session's raw-event lane.
	BufferSize int
	// MaxConcurrent bounds how many session lanes may be handling an event
	// simultaneously.
	MaxConcurrent int64
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

type lane struct {
	ss *SessionStream
	ch chan types.RawEvent
}

// Router demultiplexes raw events by session id onto per-session lanes.
// Each lane preserves arrival order for its session while the semaphore
// bounds cross-session parallelism, so one session's work-log churn never
// delays another session's delivery.
//
// The stream map is mutated only here (create on join, delete on leave);
// each SessionStream mutates only its own state.
type Router struct {
	cfg   Config
	clock Clock
	sem   *semaphore.Weighted

	mu    sync.RWMutex
	lanes map[types.SessionID]*lane

	unknown atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a Router. A nil clock uses the wall clock.
func NewRouter(cfg Config, clock Clock) *Router {
	if clock == nil {
		clock = RealClock()
	}
	cfg = cfg.withDefaults()
	return &Router{
		cfg:   cfg,
		clock: clock,
		sem:   semaphore.NewWeighted(cfg.MaxConcurrent),
		lanes: make(map[types.SessionID]*lane),
	}
}

// Start initialises the router's context. Must be called before Route.
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
}

// Stop cancels all lanes and waits for in-flight handling to finish.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	for id, ln := range r.lanes {
		ln.ss.Cancel()
		close(ln.ch)
		delete(r.lanes, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Join marks a session as joined and returns its stream, creating it on
// first sight.
func (r *Router) Join(id types.SessionID) *SessionStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ln, ok := r.lanes[id]; ok {
		return ln.ss
	}
	ss := newSessionStream(id, r.cfg.Coalescer, r.clock)
	ln := &lane{ss: ss, ch: make(chan types.RawEvent, r.cfg.BufferSize)}
	r.lanes[id] = ln
	r.wg.Add(1)
	go r.processLane(ln)
	return ss
}

// Get returns the stream for a joined session.
func (r *Router) Get(id types.SessionID) (*SessionStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ln, ok := r.lanes[id]
	if !ok {
		return nil, false
	}
	return ln.ss, true
}

// Leave cancels the session's stream and destroys it. Events that arrive
// for it afterwards are treated as stale and discarded.
func (r *Router) Leave(id types.SessionID) {
	r.mu.Lock()
	ln, ok := r.lanes[id]
	if ok {
		delete(r.lanes, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ln.ss.Cancel()
	close(ln.ch)
}

// Route dispatches a raw event to its session's lane. Events for sessions
// never joined are stale data from a prior connection: logged, counted,
// discarded.
func (r *Router) Route(raw types.RawEvent) error {
	r.mu.RLock()
	ln, ok := r.lanes[raw.SessionID]
	r.mu.RUnlock()
	if !ok {
		r.unknown.Add(1)
		slog.Debug("discarding event for unknown session",
			"session_id", string(raw.SessionID), "kind", string(raw.Kind))
		return types.ErrUnknownSession
	}
	select {
	case ln.ch <- raw:
		return nil
	default:
		return fmt.Errorf("event lane full for session %s", raw.SessionID)
	}
}

func (r *Router) processLane(ln *lane) {
	defer r.wg.Done()
	for {
		select {
		case raw, ok := <-ln.ch:
			if !ok {
				return
			}
			if err := r.sem.Acquire(r.ctx, 1); err != nil {
				return
			}
			ln.ss.handleRaw(raw)
			r.sem.Release(1)
		case <-r.ctx.Done():
			return
		}
	}
}

// Suspend pauses every session's debounce timers. Called on transport
// disconnect so pending windows are neither fired nor lost while the
// connection is down.
func (r *Router) Suspend() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ln := range r.lanes {
		ln.ss.co.Pause()
	}
}

// Resume re-arms timers suspended by Suspend. Called after a successful
// reconnect and re-join.
func (r *Router) Resume() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ln := range r.lanes {
		ln.ss.co.Resume()
	}
}

// FailAll ends every stream with a terminal error event. Called when the
// reconnect policy is exhausted. Streams stay registered so consumers can
// drain the terminal event.
func (r *Router) FailAll(err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ln := range r.lanes {
		ln.ss.FailTransport(err)
	}
}

// Sessions returns the ids of all joined sessions, for re-join after a
// reconnect.
func (r *Router) Sessions() []types.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.SessionID, 0, len(r.lanes))
	for id := range r.lanes {
		ids = append(ids, id)
	}
	return ids
}

// UnknownCount returns how many events were discarded for unknown sessions.
func (r *Router) UnknownCount() int64 {
	return r.unknown.Load()
}

package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/user/pineai/internal/types"
)

// wireInputState is the wire type whose system events report whether the
// server is waiting on user input.
const wireInputState = "session:input_state"

const seenRingSize = 256

// seenRing remembers recently processed raw event ids so redelivery across a
// reconnect boundary does not produce duplicate normalized events.
type seenRing struct {
	ids []types.EventID
	set map[types.EventID]struct{}
	pos int
}

func newSeenRing(capacity int) *seenRing {
	return &seenRing{
		ids: make([]types.EventID, capacity),
		set: make(map[types.EventID]struct{}, capacity),
	}
}

func (r *seenRing) Has(id types.EventID) bool {
	_, ok := r.set[id]
	return ok
}

func (r *seenRing) Add(id types.EventID) {
	if old := r.ids[r.pos]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.pos] = id
	r.set[id] = struct{}{}
	r.pos = (r.pos + 1) % len(r.ids)
}

// SessionStream is the per-session unit: the coalescer, the state machine,
// and a FIFO of normalized events not yet delivered to the consumer. It is
// created when a session is joined and destroyed on leave.
type SessionStream struct {
	id types.SessionID
	co *Coalescer

	mu          sync.Mutex
	fifo        []types.NormalizedEvent
	wake        chan struct{}
	state       State
	turnDone    bool
	substantive bool
	cancelled   bool
	closed      bool
	lastConn    int64
	lastSeq     int64
	seen        *seenRing
}

func newSessionStream(id types.SessionID, cfg CoalescerConfig, clock Clock) *SessionStream {
	ss := &SessionStream{
		id:    id,
		wake:  make(chan struct{}, 1),
		state: NewState(),
		seen:  newSeenRing(seenRingSize),
	}
	ss.co = NewCoalescer(id, cfg, clock, ss.push)
	return ss
}

// ID returns the session this stream belongs to.
func (ss *SessionStream) ID() types.SessionID { return ss.id }

// Phase returns the current conversational phase.
func (ss *SessionStream) Phase() Phase {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.Phase
}

// TaskStatus returns the mirrored status of a task, or not_started when the
// task has never been reported.
func (ss *SessionStream) TaskStatus(id types.TaskID) types.TaskStatus {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if status, ok := ss.state.Tasks[id]; ok {
		return status
	}
	return types.TaskNotStarted
}

// Inconsistencies returns the count of server reports that contradicted the
// locally tracked state. Diagnostics only.
func (ss *SessionStream) Inconsistencies() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.Inconsistencies
}

// push appends a normalized event to the FIFO and wakes the consumer. Safe
// to call from the lane goroutine and from timer callbacks.
func (ss *SessionStream) push(ev types.NormalizedEvent) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.fifo = append(ss.fifo, ev)
	ss.mu.Unlock()
	ss.signal()
}

func (ss *SessionStream) signal() {
	select {
	case ss.wake <- struct{}{}:
	default:
	}
}

func (ss *SessionStream) reduce(fn func(State) State) {
	ss.mu.Lock()
	ss.state = fn(ss.state)
	ss.mu.Unlock()
}

// BeginTurn prepares the stream for a new chat turn before the message is
// sent on the wire.
func (ss *SessionStream) BeginTurn() {
	ss.mu.Lock()
	ss.turnDone = false
	ss.substantive = false
	ss.state = ReduceMessageSent(ss.state)
	ss.mu.Unlock()
}

// OpenStream returns the lazy event sequence for this session. The stream
// is single-consumer.
func (ss *SessionStream) OpenStream() *Stream {
	return &Stream{ss: ss}
}

// OpenListen returns a stream that is not scoped to a turn: it keeps
// delivering server-initiated activity past turn boundaries until the
// session closes or the stream is cancelled.
func (ss *SessionStream) OpenListen() *Stream {
	return &Stream{ss: ss, follow: true}
}

// Cancel cooperatively shuts the stream down: open buffers are flushed (at
// most one partial event each), the stream is marked closed, and the
// generator ends after draining already-queued events.
func (ss *SessionStream) Cancel() {
	ss.mu.Lock()
	if ss.cancelled {
		ss.mu.Unlock()
		return
	}
	ss.cancelled = true
	ss.mu.Unlock()

	ss.co.Close()

	ss.mu.Lock()
	ss.closed = true
	ss.turnDone = true
	ss.state = ReduceClosed(ss.state)
	ss.mu.Unlock()
	ss.signal()
}

// FailTransport ends the stream after an unrecoverable transport loss: open
// buffers are flushed, then a terminal error event is queued so the consumer
// reads the failure as a typed event rather than a raised fault.
func (ss *SessionStream) FailTransport(err error) {
	ss.mu.Lock()
	if ss.cancelled {
		ss.mu.Unlock()
		return
	}
	ss.cancelled = true
	ss.mu.Unlock()

	ss.co.Close()
	ss.push(types.NormalizedEvent{
		Type:      types.EventError,
		SessionID: ss.id,
		EmittedAt: ss.co.clock.Now(),
		Err:       &types.ErrorData{Code: "transport_lost", Message: err.Error(), Terminal: true},
	})

	ss.mu.Lock()
	ss.closed = true
	ss.turnDone = true
	ss.state = ReduceClosed(ss.state)
	ss.mu.Unlock()
	ss.signal()
}

// handleRaw processes one raw event. It runs on the session's lane
// goroutine, so raw events for a session are handled strictly in arrival
// order.
func (ss *SessionStream) handleRaw(raw types.RawEvent) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	// Within one connection the sequence hint is monotonic; a regression
	// means stale redelivery. Across connections the hint restarts, so the
	// event-id ring is the idempotency check instead.
	if raw.Conn == ss.lastConn && raw.Seq != 0 && raw.Seq <= ss.lastSeq {
		ss.mu.Unlock()
		return
	}
	if ss.seen.Has(raw.EventID) {
		ss.mu.Unlock()
		return
	}
	ss.seen.Add(raw.EventID)
	ss.lastConn = raw.Conn
	ss.lastSeq = raw.Seq
	ss.mu.Unlock()

	switch raw.Kind {
	case types.RawAck:
		ss.reduce(ReduceActivity)
		var ack types.AckData
		_ = json.Unmarshal(raw.Payload, &ack)
		ss.push(types.NormalizedEvent{
			Type:      types.EventAck,
			SessionID: ss.id,
			MessageID: raw.MessageID,
			EmittedAt: ss.co.clock.Now(),
			Ack:       &ack,
		})

	case types.RawTextPart:
		ss.reduce(ReduceActivity)
		var part types.TextPartData
		_ = json.Unmarshal(raw.Payload, &part)
		ss.co.TextPart(raw.MessageID, part.Content)

	case types.RawTextComplete:
		var complete types.TextCompleteData
		_ = json.Unmarshal(raw.Payload, &complete)
		ss.co.TextComplete(raw.MessageID, complete.Content, complete.Replace)
		ss.afterSealed(false)

	case types.RawWorkLogPart:
		ss.reduce(ReduceActivity)
		var part types.WorkLogPartData
		_ = json.Unmarshal(raw.Payload, &part)
		ss.co.WorkLogPart(part)

	case types.RawWorkLog:
		// Server-side snapshot of whole lines: emitted immediately, one
		// event per step, no debounce.
		ss.reduce(ReduceActivity)
		var wire struct {
			Steps []struct {
				ID          string `json:"id"`
				StepTitle   string `json:"step_title"`
				StepDetails string `json:"step_details"`
				Status      string `json:"status"`
			} `json:"steps"`
		}
		_ = json.Unmarshal(raw.Payload, &wire)
		for _, step := range wire.Steps {
			text := step.StepTitle
			if step.StepDetails != "" {
				text = step.StepDetails
			}
			ss.push(types.NormalizedEvent{
				Type:      types.EventWorkLog,
				SessionID: ss.id,
				MessageID: raw.MessageID,
				EmittedAt: ss.co.clock.Now(),
				WorkLog:   &types.WorkLogData{StepID: step.ID, Text: text, Status: step.Status},
			})
		}
		if len(wire.Steps) > 0 {
			ss.mu.Lock()
			ss.substantive = true
			ss.mu.Unlock()
		}

	case types.RawForm:
		var wire struct {
			MessageToUser string `json:"message_to_user"`
			Form          struct {
				Fields []types.FormField `json:"fields"`
			} `json:"form"`
			RichContent string `json:"rich_content"`
		}
		_ = json.Unmarshal(raw.Payload, &wire)
		ss.push(types.NormalizedEvent{
			Type:      types.EventForm,
			SessionID: ss.id,
			MessageID: raw.MessageID,
			EmittedAt: ss.co.clock.Now(),
			Form: &types.FormData{
				MessageToUser: wire.MessageToUser,
				Fields:        wire.Form.Fields,
				RichContent:   wire.RichContent,
			},
		})
		ss.afterSealed(true)

	case types.RawTaskUpdate:
		var update types.TaskUpdateData
		_ = json.Unmarshal(raw.Payload, &update)
		ss.handleTaskUpdate(raw, update)

	case types.RawPayment:
		var payment types.PaymentData
		_ = json.Unmarshal(raw.Payload, &payment)
		ss.push(types.NormalizedEvent{
			Type:      types.EventPayment,
			SessionID: ss.id,
			MessageID: raw.MessageID,
			EmittedAt: ss.co.clock.Now(),
			Payment:   &payment,
		})
		ss.mu.Lock()
		ss.substantive = true
		ss.mu.Unlock()

	case types.RawError:
		var errData types.ErrorData
		_ = json.Unmarshal(raw.Payload, &errData)
		if errData.Message == "" {
			errData.Message = "server error"
		}
		ss.push(types.NormalizedEvent{
			Type:      types.EventError,
			SessionID: ss.id,
			MessageID: raw.MessageID,
			EmittedAt: ss.co.clock.Now(),
			Err:       &errData,
		})

	case types.RawSystem:
		ss.handleSystem(raw)
	}
}

// afterSealed applies the phase transition for a sealed content event and
// marks the turn complete. The generator still waits for any armed debounce
// timers before terminating.
func (ss *SessionStream) afterSealed(requiresReply bool) {
	ss.mu.Lock()
	ss.state = ReduceSealed(ReduceActivity(ss.state), requiresReply)
	ss.substantive = true
	ss.turnDone = true
	ss.mu.Unlock()
	ss.signal()
}

// handleTaskUpdate mirrors the server's task status. A terminal status
// force-flushes any open buffers for the session before the update itself is
// emitted: no further content is expected to refine them.
func (ss *SessionStream) handleTaskUpdate(raw types.RawEvent, update types.TaskUpdateData) {
	if update.Status.Terminal() {
		ss.co.FlushAll()
	}

	ss.mu.Lock()
	ss.state = ReduceTask(ss.state, update.TaskID, update.Status)
	ss.mu.Unlock()

	evType := types.EventTaskUpdate
	if update.Ready != nil {
		evType = types.EventTaskReady
	}
	ss.push(types.NormalizedEvent{
		Type:      evType,
		SessionID: ss.id,
		MessageID: raw.MessageID,
		EmittedAt: ss.co.clock.Now(),
		Task:      &update,
	})

	if update.Ready != nil {
		ss.afterSealed(true)
		return
	}
	if update.Status.Terminal() {
		ss.mu.Lock()
		ss.substantive = true
		ss.turnDone = true
		ss.mu.Unlock()
		ss.signal()
	}
}

// handleSystem consumes lifecycle signals that drive the state machine but
// produce no normalized event of their own.
func (ss *SessionStream) handleSystem(raw types.RawEvent) {
	if raw.Wire != wireInputState {
		slog.Debug("system event", "session_id", string(ss.id), "wire", raw.Wire)
		return
	}
	var state types.InputState
	_ = json.Unmarshal(raw.Payload, &state)
	if state.Content != "waiting_input" {
		return
	}
	ss.mu.Lock()
	ss.state = ReduceInputWaiting(ss.state)
	// The initial waiting_input is the session's default state and arrives
	// before the server has produced anything; it must not end the turn.
	if ss.substantive {
		ss.turnDone = true
	}
	ss.mu.Unlock()
	ss.signal()
}

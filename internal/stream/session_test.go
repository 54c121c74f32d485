package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/user/pineai/internal/types"
)

func rawEvent(kind types.RawKind, session types.SessionID, message types.MessageID, payload any, conn, seq int64) types.RawEvent {
	data, _ := json.Marshal(payload)
	return types.RawEvent{
		EventID:   types.NewEventID(),
		SessionID: session,
		MessageID: message,
		Kind:      kind,
		Conn:      conn,
		Seq:       seq,
		At:        time.Now(),
		Payload:   data,
	}
}

func newTestSession(t *testing.T, cfg CoalescerConfig) (*SessionStream, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return newSessionStream("S1", cfg, clock), clock
}

func collectWithTimeout(t *testing.T, ss *SessionStream) []types.NormalizedEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := ss.OpenStream().Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	return events
}

func TestSessionTextTurn(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{Debounce: 3 * time.Second})
	ss.BeginTurn()

	seq := int64(0)
	next := func(kind types.RawKind, msg types.MessageID, payload any) {
		seq++
		ss.handleRaw(rawEvent(kind, "S1", msg, payload, 1, seq))
	}

	next(types.RawAck, "M0", types.AckData{Status: "received"})
	next(types.RawTextPart, "M1", types.TextPartData{Content: "Hel"})
	next(types.RawTextPart, "M1", types.TextPartData{Content: "lo"})
	next(types.RawTextComplete, "M1", types.TextCompleteData{})

	events := collectWithTimeout(t, ss)
	if len(events) != 2 {
		t.Fatalf("expected ack + text, got %d events: %+v", len(events), events)
	}
	if events[0].Type != types.EventAck {
		t.Errorf("first event = %v, want ack", events[0].Type)
	}
	if events[1].Type != types.EventText || events[1].Text.Content != "Hello" {
		t.Errorf("second event = %+v, want text Hello", events[1])
	}
	if ss.Phase() != PhaseIdle {
		t.Errorf("phase after seal = %v, want idle", ss.Phase())
	}
}

func TestTerminalTaskFlushesBuffersFirst(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{Debounce: 3 * time.Second})
	ss.BeginTurn()

	ss.handleRaw(rawEvent(types.RawTextPart, "S1", "M1", types.TextPartData{Content: "half-fini"}, 1, 1))
	ss.handleRaw(rawEvent(types.RawWorkLogPart, "S1", "M1", types.WorkLogPartData{StepID: "step1", TextDelta: "checking"}, 1, 2))
	ss.handleRaw(rawEvent(types.RawTaskUpdate, "S1", "M2", types.TaskUpdateData{TaskID: "T1", Status: types.TaskCompleted}, 1, 3))

	events := collectWithTimeout(t, ss)
	if len(events) != 3 {
		t.Fatalf("expected text, work_log, task_update, got %d: %+v", len(events), events)
	}
	if events[0].Type != types.EventText || !events[0].Partial {
		t.Errorf("first = %+v, want partial text", events[0])
	}
	if events[1].Type != types.EventWorkLog || !events[1].Partial {
		t.Errorf("second = %+v, want partial work_log", events[1])
	}
	if events[2].Type != types.EventTaskUpdate || events[2].Task.Status != types.TaskCompleted {
		t.Errorf("third = %+v, want terminal task_update", events[2])
	}
	if ss.TaskStatus("T1") != types.TaskCompleted {
		t.Errorf("task status = %v, want completed", ss.TaskStatus("T1"))
	}
	// not_started straight to completed skips running.
	if ss.Inconsistencies() != 1 {
		t.Errorf("inconsistencies = %d, want 1", ss.Inconsistencies())
	}
}

func TestWorkLogSnapshotEmitsImmediately(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{Debounce: 3 * time.Second})
	ss.BeginTurn()

	snapshot := map[string]any{
		"steps": []map[string]any{
			{"id": "step1", "step_title": "Calling the airline", "status": "completed"},
			{"id": "step2", "step_title": "Confirming", "step_details": "Confirming the new seat", "status": "running"},
		},
	}
	ss.handleRaw(rawEvent(types.RawWorkLog, "S1", "M1", snapshot, 1, 1))
	ss.handleRaw(rawEvent(types.RawTextComplete, "S1", "M2", types.TextCompleteData{Content: "done"}, 1, 2))

	events := collectWithTimeout(t, ss)
	if len(events) != 3 {
		t.Fatalf("expected 2 work_log + text, got %d: %+v", len(events), events)
	}
	if events[0].Type != types.EventWorkLog || events[0].WorkLog.StepID != "step1" || events[0].WorkLog.Text != "Calling the airline" {
		t.Errorf("first = %+v, want step1 snapshot", events[0])
	}
	if events[1].WorkLog.Text != "Confirming the new seat" || events[1].WorkLog.Status != "running" {
		t.Errorf("second = %+v, want step2 details", events[1])
	}
}

func TestTaskReadyEmitsAndEndsTurn(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{})
	ss.BeginTurn()

	ready := types.TaskUpdateData{
		TaskID: "T1",
		Status: types.TaskAwaitingConfirmation,
		Ready:  &types.TaskReadyData{Required: 1},
	}
	ss.handleRaw(rawEvent(types.RawTaskUpdate, "S1", "M1", ready, 1, 1))

	events := collectWithTimeout(t, ss)
	if len(events) != 1 || events[0].Type != types.EventTaskReady {
		t.Fatalf("expected one task_ready event, got %+v", events)
	}
	if ss.Phase() != PhaseAwaitingUserInput {
		t.Errorf("phase = %v, want awaiting_user_input", ss.Phase())
	}
}

func TestDuplicateEventIDDropped(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{})
	ss.BeginTurn()

	ev := rawEvent(types.RawAck, "S1", "M1", types.AckData{Status: "received"}, 1, 1)
	ss.handleRaw(ev)

	// The same event redelivered on a new connection after a reconnect.
	replay := ev
	replay.Conn = 2
	replay.Seq = 1
	ss.handleRaw(replay)
	ss.handleRaw(rawEvent(types.RawTextComplete, "S1", "M2", types.TextCompleteData{Content: "done"}, 2, 2))

	events := collectWithTimeout(t, ss)
	acks := 0
	for _, ev := range events {
		if ev.Type == types.EventAck {
			acks++
		}
	}
	if acks != 1 {
		t.Errorf("expected 1 ack after redelivery, got %d", acks)
	}
}

func TestStaleSequenceDropped(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{})
	ss.BeginTurn()

	ss.handleRaw(rawEvent(types.RawAck, "S1", "M1", types.AckData{Status: "received"}, 1, 5))
	// Regressed sequence on the same connection is a stale redelivery even
	// with a fresh event id.
	ss.handleRaw(rawEvent(types.RawAck, "S1", "M1", types.AckData{Status: "received"}, 1, 3))
	ss.handleRaw(rawEvent(types.RawTextComplete, "S1", "M2", types.TextCompleteData{Content: "done"}, 1, 6))

	events := collectWithTimeout(t, ss)
	acks := 0
	for _, ev := range events {
		if ev.Type == types.EventAck {
			acks++
		}
	}
	if acks != 1 {
		t.Errorf("expected stale seq to be dropped, got %d acks", acks)
	}
}

func TestInitialWaitingInputDoesNotEndTurn(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{})
	ss.BeginTurn()

	sys := rawEvent(types.RawSystem, "S1", "", types.InputState{Content: "waiting_input"}, 1, 1)
	sys.Wire = wireInputState
	ss.handleRaw(sys)

	ss.mu.Lock()
	done := ss.turnDone
	ss.mu.Unlock()
	if done {
		t.Fatal("initial waiting_input must not end the turn")
	}

	ss.handleRaw(rawEvent(types.RawTextComplete, "S1", "M1", types.TextCompleteData{Content: "answer"}, 1, 2))
	sys2 := rawEvent(types.RawSystem, "S1", "", types.InputState{Content: "waiting_input"}, 1, 3)
	sys2.Wire = wireInputState
	ss.handleRaw(sys2)

	ss.mu.Lock()
	done = ss.turnDone
	ss.mu.Unlock()
	if !done {
		t.Fatal("waiting_input after substantive content must end the turn")
	}
	if ss.Phase() != PhaseAwaitingUserInput {
		t.Errorf("phase = %v, want awaiting_user_input", ss.Phase())
	}
}

func TestCancelFlushesOnceThenCloses(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{Debounce: 3 * time.Second})
	ss.BeginTurn()

	ss.handleRaw(rawEvent(types.RawTextPart, "S1", "M1", types.TextPartData{Content: "in flight"}, 1, 1))

	ss.Cancel()
	ss.Cancel()

	events := collectWithTimeout(t, ss)
	if len(events) != 1 {
		t.Fatalf("expected one flushed partial, got %d: %+v", len(events), events)
	}
	if !events[0].Partial || events[0].Text.Content != "in flight" {
		t.Errorf("flushed event = %+v", events[0])
	}
	if ss.Phase() != PhaseClosed {
		t.Errorf("phase = %v, want closed", ss.Phase())
	}

	// Events after close are dropped.
	ss.handleRaw(rawEvent(types.RawAck, "S1", "M2", types.AckData{Status: "received"}, 1, 2))
	if extra := collectWithTimeout(t, ss); len(extra) != 0 {
		t.Errorf("closed session accepted events: %+v", extra)
	}
}

func TestFailTransportEmitsTerminalError(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{Debounce: 3 * time.Second})
	ss.BeginTurn()

	ss.handleRaw(rawEvent(types.RawTextPart, "S1", "M1", types.TextPartData{Content: "partial"}, 1, 1))
	ss.FailTransport(types.ErrNotConnected)

	events := collectWithTimeout(t, ss)
	if len(events) != 2 {
		t.Fatalf("expected flush + terminal error, got %d: %+v", len(events), events)
	}
	last := events[len(events)-1]
	if last.Type != types.EventError || last.Err == nil || !last.Err.Terminal {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	if last.Err.Code != "transport_lost" {
		t.Errorf("error code = %q, want transport_lost", last.Err.Code)
	}
}

func TestServerErrorSurfacesAsEvent(t *testing.T) {
	ss, _ := newTestSession(t, CoalescerConfig{})
	ss.BeginTurn()

	ss.handleRaw(rawEvent(types.RawError, "S1", "M1", types.ErrorData{}, 1, 1))
	ss.handleRaw(rawEvent(types.RawTextComplete, "S1", "M2", types.TextCompleteData{Content: "recovered"}, 1, 2))

	events := collectWithTimeout(t, ss)
	if len(events) != 2 {
		t.Fatalf("expected error + text, got %d", len(events))
	}
	if events[0].Type != types.EventError || events[0].Err.Message != "server error" {
		t.Errorf("expected defaulted server error, got %+v", events[0])
	}
}

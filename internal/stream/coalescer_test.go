package stream

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/user/pineai/internal/types"
)

// fakeClock drives coalescer timers manually so debounce behavior is tested
// without wall-clock waits.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	done     bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward, firing due timers in deadline order. Fire
// callbacks run without the clock lock held so they may re-arm timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.done || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		fn := next.fn
		c.mu.Unlock()
		fn()
	}
}

type capture struct {
	mu     sync.Mutex
	events []types.NormalizedEvent
}

func (c *capture) emit(ev types.NormalizedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) all() []types.NormalizedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.NormalizedEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newTestCoalescer(cfg CoalescerConfig) (*Coalescer, *capture, *fakeClock) {
	clock := newFakeClock()
	cap := &capture{}
	co := NewCoalescer("S1", cfg, clock, cap.emit)
	return co, cap, clock
}

func TestTextMerge(t *testing.T) {
	co, cap, _ := newTestCoalescer(CoalescerConfig{Debounce: 3 * time.Second})

	co.TextPart("M1", "Hel")
	co.TextPart("M1", "lo ")
	co.TextPart("M1", "world")
	if len(cap.all()) != 0 {
		t.Fatal("fragments must not be visible before sealing")
	}

	co.TextComplete("M1", "", false)
	events := cap.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly one text event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != types.EventText || ev.Text == nil {
		t.Fatalf("expected text event, got %+v", ev)
	}
	if ev.Text.Content != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", ev.Text.Content)
	}
	if ev.Partial {
		t.Error("completed text must not be marked partial")
	}
}

func TestTextCompleteCarriesTrailingFragment(t *testing.T) {
	co, cap, _ := newTestCoalescer(CoalescerConfig{})

	co.TextPart("M1", "Hello ")
	co.TextComplete("M1", "world", false)

	events := cap.all()
	if len(events) != 1 || events[0].Text.Content != "Hello world" {
		t.Fatalf("expected single 'Hello world' event, got %+v", events)
	}
}

func TestTextCompleteReplaceSupersedesBuffer(t *testing.T) {
	co, cap, _ := newTestCoalescer(CoalescerConfig{})

	co.TextPart("M1", "partial frag")
	co.TextComplete("M1", "the whole message", true)

	events := cap.all()
	if len(events) != 1 || events[0].Text.Content != "the whole message" {
		t.Fatalf("expected replace to supersede buffer, got %+v", events)
	}
}

func TestTextNewMessageAfterSeal(t *testing.T) {
	co, cap, _ := newTestCoalescer(CoalescerConfig{})

	co.TextPart("M1", "first")
	co.TextComplete("M1", "", false)
	co.TextPart("M2", "second")
	co.TextComplete("M2", "", false)

	events := cap.all()
	if len(events) != 2 {
		t.Fatalf("expected two text events, got %d", len(events))
	}
	if events[0].Text.Content != "first" || events[1].Text.Content != "second" {
		t.Errorf("unexpected contents: %q, %q", events[0].Text.Content, events[1].Text.Content)
	}
}

func TestSealedMessageRedeliveryIgnored(t *testing.T) {
	co, cap, _ := newTestCoalescer(CoalescerConfig{})

	co.TextPart("M1", "Hello")
	co.TextComplete("M1", "", false)

	// Identical fragments redelivered after a reconnect must not produce a
	// duplicate event.
	co.TextPart("M1", "Hello")
	co.TextComplete("M1", "", false)

	if events := cap.all(); len(events) != 1 {
		t.Fatalf("expected one event despite redelivery, got %d", len(events))
	}
}

func TestWorkLogDebounce(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{Debounce: 3 * time.Second})

	co.WorkLogPart(types.WorkLogPartData{StepID: "step1", TextDelta: "Calling "})
	clock.Advance(1 * time.Second)
	co.WorkLogPart(types.WorkLogPartData{StepID: "step1", TextDelta: "the "})
	clock.Advance(1 * time.Second)
	co.WorkLogPart(types.WorkLogPartData{StepID: "step1", TextDelta: "airline", Status: "running"})

	clock.Advance(2 * time.Second)
	if len(cap.all()) != 0 {
		t.Fatal("work log emitted before the quiet period elapsed")
	}

	clock.Advance(1 * time.Second)
	events := cap.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly one work_log event, got %d", len(events))
	}
	wl := events[0].WorkLog
	if wl == nil || wl.StepID != "step1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if wl.Text != "Calling the airline" {
		t.Errorf("expected accumulated text, got %q", wl.Text)
	}
	if wl.Status != "running" {
		t.Errorf("expected latest status, got %q", wl.Status)
	}
}

func TestWorkLogLinesIndependent(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{Debounce: 3 * time.Second})

	co.WorkLogPart(types.WorkLogPartData{StepID: "step1", TextDelta: "one"})
	clock.Advance(2 * time.Second)
	// Re-arming step2 must not delay or cancel step1's timer.
	co.WorkLogPart(types.WorkLogPartData{StepID: "step2", TextDelta: "two"})

	clock.Advance(1 * time.Second)
	events := cap.all()
	if len(events) != 1 || events[0].WorkLog.StepID != "step1" {
		t.Fatalf("expected step1 to fire first, got %+v", events)
	}

	clock.Advance(2 * time.Second)
	events = cap.all()
	if len(events) != 2 || events[1].WorkLog.StepID != "step2" {
		t.Fatalf("expected step2 to fire independently, got %+v", events)
	}
}

func TestWorkLogRestartIsAtomic(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{Debounce: 3 * time.Second})

	for i := 0; i < 10; i++ {
		co.WorkLogPart(types.WorkLogPartData{StepID: "step1", TextDelta: "x"})
		clock.Advance(2 * time.Second)
	}
	clock.Advance(3 * time.Second)

	events := cap.all()
	if len(events) != 1 {
		t.Fatalf("expected one emission for rapid burst, got %d", len(events))
	}
	if events[0].WorkLog.Text != "xxxxxxxxxx" {
		t.Errorf("expected full accumulation, got %q", events[0].WorkLog.Text)
	}
}

func TestFlushAllEmitsEachBufferOnce(t *testing.T) {
	co, cap, _ := newTestCoalescer(CoalescerConfig{Debounce: 3 * time.Second})

	co.TextPart("M1", "half-done")
	co.WorkLogPart(types.WorkLogPartData{StepID: "step1", TextDelta: "working"})
	co.WorkLogPart(types.WorkLogPartData{StepID: "step2", TextDelta: "also working"})

	co.FlushAll()
	co.FlushAll()

	events := cap.all()
	if len(events) != 3 {
		t.Fatalf("expected one flush per open buffer, got %d", len(events))
	}
	for _, ev := range events {
		if !ev.Partial {
			t.Errorf("force-flushed event should be partial: %+v", ev)
		}
	}
	var steps []string
	for _, ev := range events {
		if ev.WorkLog != nil {
			steps = append(steps, ev.WorkLog.StepID)
		}
	}
	sort.Strings(steps)
	if len(steps) != 2 || steps[0] != "step1" || steps[1] != "step2" {
		t.Errorf("expected both lines flushed, got %v", steps)
	}
}

func TestCloseRefusesFurtherInput(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{Debounce: time.Second})

	co.TextPart("M1", "partial")
	co.Close()

	co.TextPart("M2", "late")
	co.WorkLogPart(types.WorkLogPartData{StepID: "s", TextDelta: "late"})
	clock.Advance(5 * time.Second)

	events := cap.all()
	if len(events) != 1 {
		t.Fatalf("expected only the flush from Close, got %d", len(events))
	}
	if events[0].Text == nil || events[0].Text.Content != "partial" || !events[0].Partial {
		t.Errorf("expected partial text flush, got %+v", events[0])
	}
}

func TestPauseSuspendsAndResumeRestoresTimers(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{Debounce: 3 * time.Second})

	co.WorkLogPart(types.WorkLogPartData{StepID: "step1", TextDelta: "before drop"})
	clock.Advance(1 * time.Second)

	co.Pause()
	// Disconnected: time passing must not fire or discard the window.
	clock.Advance(30 * time.Second)
	if len(cap.all()) != 0 {
		t.Fatal("paused timer fired")
	}

	co.Resume()
	clock.Advance(1 * time.Second)
	if len(cap.all()) != 0 {
		t.Fatal("resumed timer fired before its remaining wait elapsed")
	}
	clock.Advance(time.Second + time.Millisecond)
	events := cap.all()
	if len(events) != 1 || events[0].WorkLog.Text != "before drop" {
		t.Fatalf("expected timer to resume with remaining wait, got %+v", events)
	}
}

func TestPartWhilePausedDefersTimer(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{Debounce: 3 * time.Second})

	co.Pause()
	co.WorkLogPart(types.WorkLogPartData{StepID: "step1", TextDelta: "queued"})
	clock.Advance(10 * time.Second)
	if len(cap.all()) != 0 {
		t.Fatal("timer armed while paused")
	}

	co.Resume()
	clock.Advance(3*time.Second + time.Millisecond)
	if events := cap.all(); len(events) != 1 {
		t.Fatalf("expected deferred debounce to fire after resume, got %d", len(events))
	}
}

func TestIdleSealForcesTextWithoutMarker(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{IdleSeal: 2 * time.Second})

	co.TextPart("M1", "no marker ever comes")
	clock.Advance(2*time.Second + time.Millisecond)

	events := cap.all()
	if len(events) != 1 {
		t.Fatalf("expected idle seal to emit, got %d", len(events))
	}
	if !events[0].Partial || events[0].Text.Content != "no marker ever comes" {
		t.Errorf("expected partial text, got %+v", events[0])
	}
}

func TestIdleSealDisabledByDefault(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{})

	co.TextPart("M1", "waits forever")
	clock.Advance(24 * time.Hour)

	if len(cap.all()) != 0 {
		t.Fatal("text sealed without a completion marker while idle seal is disabled")
	}
}

func TestFlushCeilingForcesPartial(t *testing.T) {
	co, cap, clock := newTestCoalescer(CoalescerConfig{IdleSeal: time.Minute, FlushCeiling: 5 * time.Second})

	// Keep the buffer busy so the idle seal never fires; the ceiling must
	// flush anyway rather than hold content indefinitely.
	for i := 0; i < 10; i++ {
		co.TextPart("M1", "x")
		clock.Advance(500 * time.Millisecond)
	}

	events := cap.all()
	if len(events) != 1 {
		t.Fatalf("expected ceiling flush, got %d events", len(events))
	}
	if !events[0].Partial {
		t.Error("ceiling flush must be partial")
	}
}

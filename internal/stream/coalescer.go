package stream

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/pineai/internal/types"
)

// maxSealedMarkers bounds the sealed-message dedup set.
const maxSealedMarkers = 64

// CoalescerConfig tunes the buffering behavior for one session.
type CoalescerConfig struct {
	// Debounce is the quiet period required before an accumulated work-log
	// line is emitted. Each new part for the line resets the wait.
	Debounce time.Duration
	// IdleSeal force-seals an open text buffer after this much silence
	// without a completion marker. Zero disables the behavior; by default a
	// text buffer waits indefinitely for its marker.
	IdleSeal time.Duration
	// FlushCeiling is the safety ceiling: a buffer held open longer than
	// this is force-flushed as partial content rather than dropped. Zero
	// disables it.
	FlushCeiling time.Duration
}

type textBuffer struct {
	messageID types.MessageID
	parts     []string
	gen       uint64
	idleTimer Timer
	ceilTimer Timer
	// deadlines and remainders support suspending timers across a
	// disconnect without firing or losing them
	idleDeadline  time.Time
	ceilDeadline  time.Time
	idleRemaining time.Duration
	ceilRemaining time.Duration
}

type logLine struct {
	stepID    string
	text      strings.Builder
	status    string
	gen       uint64
	timer     Timer
	deadline  time.Time
	remaining time.Duration
}

// Coalescer converts bursts of fragmented raw events for one session into a
// minimal, correctly ordered set of normalized events. At most one text
// buffer is open at a time; work-log lines debounce independently and never
// block one another. All timer work is gen-counted so cancel-and-restart is
// atomic under the mutex and stale callbacks are no-ops.
type Coalescer struct {
	session types.SessionID
	cfg     CoalescerConfig
	clock   Clock
	emit    func(types.NormalizedEvent)

	mu     sync.Mutex
	text   *textBuffer
	lines  map[string]*logLine
	sealed []types.MessageID
	paused bool
	closed bool
}

// NewCoalescer creates a Coalescer for the given session. emit receives each
// normalized event as it is produced; it must be safe to call from timer
// goroutines.
func NewCoalescer(session types.SessionID, cfg CoalescerConfig, clock Clock, emit func(types.NormalizedEvent)) *Coalescer {
	return &Coalescer{
		session: session,
		cfg:     cfg,
		clock:   clock,
		emit:    emit,
		lines:   make(map[string]*logLine),
	}
}

// TextPart appends a fragment to the open text buffer, opening one if
// needed. A fragment for a different message while a buffer is open seals
// the old buffer as partial first: never append across message boundaries.
func (c *Coalescer) TextPart(messageID types.MessageID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.isSealed(messageID) {
		return
	}
	if c.text != nil && c.text.messageID != messageID {
		c.sealTextLocked("", false, true)
	}
	if c.text == nil {
		c.openTextLocked(messageID)
	}
	if content != "" {
		c.text.parts = append(c.text.parts, content)
	}
	c.armIdleLocked()
}

// TextComplete seals the buffer for messageID and emits exactly one text
// event. content is the trailing fragment, or the full text when replace is
// set. A completion with no open buffer still emits (single-frame message).
func (c *Coalescer) TextComplete(messageID types.MessageID, content string, replace bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.isSealed(messageID) {
		return
	}
	if c.text != nil && c.text.messageID != messageID {
		c.sealTextLocked("", false, true)
	}
	if c.text == nil {
		c.openTextLocked(messageID)
	}
	c.sealTextLocked(content, replace, false)
}

// WorkLogPart merges an incremental update into the line's buffer and
// restarts that line's debounce timer. Distinct lines are independent.
func (c *Coalescer) WorkLogPart(part types.WorkLogPartData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	line, ok := c.lines[part.StepID]
	if !ok {
		line = &logLine{stepID: part.StepID}
		c.lines[part.StepID] = line
	}
	line.text.WriteString(part.TextDelta)
	if part.Status != "" {
		line.status = part.Status
	}

	// Atomic cancel-and-restart: bump the generation first so a timer that
	// already fired but has not yet taken the lock becomes a no-op.
	line.gen++
	if line.timer != nil {
		line.timer.Stop()
		line.timer = nil
	}
	if c.paused {
		line.remaining = c.cfg.Debounce
		return
	}
	c.armLineLocked(line, c.cfg.Debounce)
}

func (c *Coalescer) armLineLocked(line *logLine, d time.Duration) {
	gen := line.gen
	stepID := line.stepID
	line.deadline = c.clock.Now().Add(d)
	line.timer = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cur, ok := c.lines[stepID]
		if !ok || cur.gen != gen || c.paused || c.closed {
			return
		}
		c.flushLineLocked(cur, false)
	})
}

func (c *Coalescer) openTextLocked(messageID types.MessageID) {
	buf := &textBuffer{messageID: messageID}
	c.text = buf
	if c.cfg.FlushCeiling > 0 {
		gen := buf.gen
		buf.ceilDeadline = c.clock.Now().Add(c.cfg.FlushCeiling)
		buf.ceilTimer = c.clock.AfterFunc(c.cfg.FlushCeiling, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.text != buf || buf.gen != gen || c.paused || c.closed {
				return
			}
			slog.Warn("text buffer exceeded flush ceiling, force-flushing partial content",
				"session_id", string(c.session), "message_id", string(buf.messageID))
			c.sealTextLocked("", false, true)
		})
	}
}

func (c *Coalescer) armIdleLocked() {
	if c.cfg.IdleSeal <= 0 || c.text == nil {
		return
	}
	buf := c.text
	buf.gen++
	if buf.idleTimer != nil {
		buf.idleTimer.Stop()
		buf.idleTimer = nil
	}
	// Re-arm the ceiling guard under the new generation without moving its
	// deadline.
	c.rearmCeilingLocked(buf, buf.ceilDeadline.Sub(c.clock.Now()))
	gen := buf.gen
	buf.idleDeadline = c.clock.Now().Add(c.cfg.IdleSeal)
	buf.idleTimer = c.clock.AfterFunc(c.cfg.IdleSeal, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.text != buf || buf.gen != gen || c.paused || c.closed {
			return
		}
		c.sealTextLocked("", false, true)
	})
}

func (c *Coalescer) rearmCeilingLocked(buf *textBuffer, d time.Duration) {
	if c.cfg.FlushCeiling <= 0 {
		return
	}
	if buf.ceilTimer != nil {
		buf.ceilTimer.Stop()
		buf.ceilTimer = nil
	}
	if d <= 0 {
		d = time.Millisecond
	}
	gen := buf.gen
	buf.ceilDeadline = c.clock.Now().Add(d)
	buf.ceilTimer = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.text != buf || buf.gen != gen || c.paused || c.closed {
			return
		}
		slog.Warn("text buffer exceeded flush ceiling, force-flushing partial content",
			"session_id", string(c.session), "message_id", string(buf.messageID))
		c.sealTextLocked("", false, true)
	})
}

// sealTextLocked finalizes the open buffer and emits one text event. Sealing
// is the only way buffered content becomes visible.
func (c *Coalescer) sealTextLocked(content string, replace, partial bool) {
	buf := c.text
	if buf == nil {
		return
	}
	buf.gen++
	if buf.idleTimer != nil {
		buf.idleTimer.Stop()
	}
	if buf.ceilTimer != nil {
		buf.ceilTimer.Stop()
	}
	c.text = nil

	var full string
	if replace {
		full = content
	} else {
		full = strings.Join(buf.parts, "") + content
	}
	c.markSealed(buf.messageID)
	c.emit(types.NormalizedEvent{
		Type:      types.EventText,
		SessionID: c.session,
		MessageID: buf.messageID,
		EmittedAt: c.clock.Now(),
		Partial:   partial,
		Text:      &types.TextData{Content: full},
	})
}

func (c *Coalescer) flushLineLocked(line *logLine, partial bool) {
	line.gen++
	if line.timer != nil {
		line.timer.Stop()
		line.timer = nil
	}
	delete(c.lines, line.stepID)
	c.emit(types.NormalizedEvent{
		Type:      types.EventWorkLog,
		SessionID: c.session,
		EmittedAt: c.clock.Now(),
		Partial:   partial,
		WorkLog: &types.WorkLogData{
			StepID: line.stepID,
			Text:   line.text.String(),
			Status: line.status,
		},
	})
}

// FlushAll seals the open text buffer and flushes every pending work-log
// line immediately, marking everything partial. Used on cancellation and
// when a terminal task update arrives: no further content will refine the
// buffers, so nothing may be silently dropped.
func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.text != nil {
		c.sealTextLocked("", false, true)
	}
	for _, line := range c.lines {
		c.flushLineLocked(line, true)
	}
}

// Close flushes pending buffers and refuses all further input.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.text != nil {
		c.sealTextLocked("", false, true)
	}
	for _, line := range c.lines {
		c.flushLineLocked(line, true)
	}
	c.closed = true
	c.mu.Unlock()
}

// Pause suspends all pending timers without firing or discarding them. Used
// on transport disconnect: the remaining wait of each timer is recorded and
// restored by Resume.
func (c *Coalescer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.closed {
		return
	}
	c.paused = true
	now := c.clock.Now()
	for _, line := range c.lines {
		if line.timer != nil {
			line.timer.Stop()
			line.timer = nil
			line.remaining = line.deadline.Sub(now)
			if line.remaining < 0 {
				line.remaining = 0
			}
		}
	}
	if buf := c.text; buf != nil {
		if buf.idleTimer != nil {
			buf.idleTimer.Stop()
			buf.idleTimer = nil
			buf.idleRemaining = buf.idleDeadline.Sub(now)
		}
		if buf.ceilTimer != nil {
			buf.ceilTimer.Stop()
			buf.ceilTimer = nil
			buf.ceilRemaining = buf.ceilDeadline.Sub(now)
		}
	}
}

// Resume re-arms every timer suspended by Pause with its remaining wait.
func (c *Coalescer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused || c.closed {
		return
	}
	c.paused = false
	for _, line := range c.lines {
		d := line.remaining
		if d <= 0 {
			d = time.Millisecond
		}
		line.gen++
		c.armLineLocked(line, d)
	}
	if buf := c.text; buf != nil {
		buf.gen++
		if c.cfg.IdleSeal > 0 {
			// A buffer opened during the outage has no recorded remainder;
			// give it the full window.
			d := buf.idleRemaining
			if d <= 0 {
				d = c.cfg.IdleSeal
			}
			gen := buf.gen
			buf.idleDeadline = c.clock.Now().Add(d)
			buf.idleTimer = c.clock.AfterFunc(d, func() {
				c.mu.Lock()
				defer c.mu.Unlock()
				if c.text != buf || buf.gen != gen || c.paused || c.closed {
					return
				}
				c.sealTextLocked("", false, true)
			})
		}
		d := buf.ceilRemaining
		if d <= 0 {
			d = c.cfg.FlushCeiling
		}
		c.rearmCeilingLocked(buf, d)
	}
}

// Pending reports whether any buffer is still open or any timer armed, so
// the event generator does not terminate while coalesced output is owed.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text != nil || len(c.lines) > 0
}

func (c *Coalescer) isSealed(messageID types.MessageID) bool {
	for _, id := range c.sealed {
		if id == messageID {
			return true
		}
	}
	return false
}

func (c *Coalescer) markSealed(messageID types.MessageID) {
	if messageID == "" {
		return
	}
	c.sealed = append(c.sealed, messageID)
	if len(c.sealed) > maxSealedMarkers {
		c.sealed = c.sealed[len(c.sealed)-maxSealedMarkers:]
	}
}

package stream

import (
	"github.com/user/pineai/internal/types"
)

// Phase is the session-level conversational state.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseAwaitingResponse  Phase = "awaiting_response"
	PhaseResponding        Phase = "responding"
	PhaseAwaitingUserInput Phase = "awaiting_user_input"
	PhaseClosed            Phase = "closed"
)

// State mirrors the server's view of one session: the conversational phase
// plus the lifecycle of each task. The server is authoritative: an
// unexpected transition is force-corrected to the reported value and counted
// in Inconsistencies, never surfaced as an error.
//
// All reducers are pure: they return a new State and never mutate the
// receiver, so they are unit-testable without any transport.
type State struct {
	Phase           Phase
	Tasks           map[types.TaskID]types.TaskStatus
	Inconsistencies int
}

// NewState returns the initial idle state.
func NewState() State {
	return State{Phase: PhaseIdle, Tasks: map[types.TaskID]types.TaskStatus{}}
}

func (s State) clone() State {
	tasks := make(map[types.TaskID]types.TaskStatus, len(s.Tasks))
	for id, status := range s.Tasks {
		tasks[id] = status
	}
	s.Tasks = tasks
	return s
}

// ReduceMessageSent applies the caller sending a chat message.
func ReduceMessageSent(s State) State {
	next := s.clone()
	switch s.Phase {
	case PhaseIdle, PhaseAwaitingUserInput:
	default:
		next.Inconsistencies++
	}
	next.Phase = PhaseAwaitingResponse
	return next
}

// ReduceActivity applies a sign of the server working on a turn (an ack, a
// content fragment, or a work-log fragment). The server may also push
// activity unprompted, so only activity on a closed session is counted as
// an inconsistency.
func ReduceActivity(s State) State {
	next := s.clone()
	if s.Phase == PhaseClosed {
		next.Inconsistencies++
	}
	next.Phase = PhaseResponding
	return next
}

// ReduceSealed applies a sealed content event (text, form, task_ready).
// Content requiring a reply parks the session at awaiting_user_input;
// otherwise the turn cycles back to idle.
func ReduceSealed(s State, requiresReply bool) State {
	next := s.clone()
	if s.Phase != PhaseResponding {
		next.Inconsistencies++
	}
	if requiresReply {
		next.Phase = PhaseAwaitingUserInput
	} else {
		next.Phase = PhaseIdle
	}
	return next
}

// ReduceInputWaiting applies the server's explicit report that it is waiting
// on user input. A direct report is never an inconsistency.
func ReduceInputWaiting(s State) State {
	next := s.clone()
	next.Phase = PhaseAwaitingUserInput
	return next
}

// ReduceClosed marks the session terminally closed.
func ReduceClosed(s State) State {
	next := s.clone()
	next.Phase = PhaseClosed
	return next
}

// taskTransitionOK reports whether from -> to is an expected task
// transition. Repeats of the current status are expected (idempotent
// redelivery). Confirmation resumes the task, so awaiting_confirmation may
// return to running.
func taskTransitionOK(from, to types.TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case types.TaskNotStarted:
		return to == types.TaskRunning
	case types.TaskRunning:
		return to == types.TaskAwaitingConfirmation || to.Terminal()
	case types.TaskAwaitingConfirmation:
		return to == types.TaskRunning || to.Terminal()
	default:
		// Terminal states have no outgoing transitions.
		return false
	}
}

// ReduceTask applies a server task status report. The reported status always
// wins; an unexpected jump is counted.
func ReduceTask(s State, id types.TaskID, status types.TaskStatus) State {
	next := s.clone()
	from, known := s.Tasks[id]
	if !known {
		from = types.TaskNotStarted
	}
	if !taskTransitionOK(from, status) {
		next.Inconsistencies++
	}
	next.Tasks[id] = status
	return next
}

// Package dialog implements the call's conversational core: the Session
// record, the deterministic StateMachine that routes it, and the
// DialogProcessor that glues STT, the state machine, tool calls, the LLM
// context, and background extraction together. Dialog state is reshaped
// into Go's closed-enum/typed-struct idiom, matching how the rest of this
// codebase represents domain tables.
package dialog

// State is a call's position in the dialog flow. Declared as a closed enum
// (int + const block + handler array) rather than string-keyed dynamic
// dispatch, so every state is a named constant the handler array is
// indexed by.
type State int

const (
	StateWelcome State = iota
	StateNonService
	StateLookup
	StateFollowUp
	StateManageBooking
	StateSafety
	StateSafetyExit
	StateServiceArea
	StateDiscovery
	StateUrgency
	StateUrgencyCallback
	StatePreConfirm
	StateBooking
	StateBookingFailed
	StateConfirm
	StateCallback

	numStates
)

func (s State) String() string {
	switch s {
	case StateWelcome:
		return "welcome"
	case StateNonService:
		return "non_service"
	case StateLookup:
		return "lookup"
	case StateFollowUp:
		return "follow_up"
	case StateManageBooking:
		return "manage_booking"
	case StateSafety:
		return "safety"
	case StateSafetyExit:
		return "safety_exit"
	case StateServiceArea:
		return "service_area"
	case StateDiscovery:
		return "discovery"
	case StateUrgency:
		return "urgency"
	case StateUrgencyCallback:
		return "urgency_callback"
	case StatePreConfirm:
		return "pre_confirm"
	case StateBooking:
		return "booking"
	case StateBookingFailed:
		return "booking_failed"
	case StateConfirm:
		return "confirm"
	case StateCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Class partitions states into the three families dialog flow recognizes:
// decision points, side-effecting actions, and terminal wind-down states.
type Class int

const (
	ClassDecision Class = iota
	ClassAction
	ClassTerminal
)

var stateClass = map[State]Class{
	StateWelcome:        ClassDecision,
	StateNonService:      ClassDecision,
	StateSafety:          ClassDecision,
	StateServiceArea:     ClassDecision,
	StateDiscovery:       ClassDecision,
	StateUrgency:         ClassDecision,
	StatePreConfirm:      ClassDecision,
	StateFollowUp:        ClassDecision,
	StateManageBooking:   ClassDecision,
	StateLookup:          ClassAction,
	StateBooking:         ClassAction,
	StateSafetyExit:      ClassTerminal,
	StateConfirm:         ClassTerminal,
	StateCallback:        ClassTerminal,
	StateBookingFailed:   ClassTerminal,
	StateUrgencyCallback: ClassTerminal,
}

// ClassOf reports which family s belongs to.
func ClassOf(s State) Class { return stateClass[s] }

// IsTerminal reports whether s is an absorbing state: the only legal next
// step is to end the call.
func (s State) IsTerminal() bool { return stateClass[s] == ClassTerminal }

// transitions is the full legal-edge table. Any move not listed here is a
// bug, checked by CanTransition.
var transitions = map[State]map[State]bool{
	StateWelcome:        set(StateLookup, StateNonService, StateCallback),
	StateNonService:      set(StateSafety, StateCallback),
	StateLookup:          set(StateSafety, StateFollowUp, StateManageBooking, StateCallback),
	StateFollowUp:        set(StateSafety, StateCallback),
	StateManageBooking:   set(StateConfirm, StateSafety, StateCallback),
	StateSafety:          set(StateServiceArea, StateSafetyExit),
	StateServiceArea:     set(StateDiscovery, StateCallback),
	StateDiscovery:       set(StateUrgency),
	StateUrgency:         set(StatePreConfirm, StateUrgencyCallback, StateCallback),
	StatePreConfirm:      set(StateBooking, StateCallback),
	StateBooking:         set(StateConfirm, StateBookingFailed),
	StateSafetyExit:      {},
	StateUrgencyCallback: {},
	StateBookingFailed:   {},
	StateConfirm:         {},
	StateCallback:        {},
}

func set(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

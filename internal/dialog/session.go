package dialog

import "time"

// UrgencyTier is the caller's reported service urgency. "urgent" is kept
// as a distinct internal tier (set directly by the URGENCY handler) and
// mapped to "high" only at the post-call payload boundary, never
// collapsed internally.
type UrgencyTier string

const (
	UrgencyRoutine   UrgencyTier = "routine"
	UrgencyLow       UrgencyTier = "low"
	UrgencyMedium    UrgencyTier = "medium"
	UrgencyHigh      UrgencyTier = "high"
	UrgencyEmergency UrgencyTier = "emergency"
	UrgencyUrgent    UrgencyTier = "urgent"
)

// TurnEntry is one append-only transcript line: a user utterance, an agent
// reply, or a tool invocation, each timestamped and tagged with the state
// active when it was recorded.
type TurnEntry struct {
	Role      string // "user", "agent", or "tool"
	Content   string
	ToolName  string
	ToolArgs  map[string]any
	ToolResult map[string]any
	State     State
	Timestamp time.Time
}

// ConversationTurn is one message in the LLM-facing conversation history,
// distinct from the transcript log: it carries only what the LLM needs to
// see, not tool bookkeeping.
type ConversationTurn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Session is the full mutable state of one call, owned exclusively by that
// call's DialogProcessor. Field groups follow an ownership breakdown:
// identity, dialog state, lookup facts, dialog facts, booking outcome,
// callback outcome, and the two append-only logs.
type Session struct {
	CallID      string
	PhoneNumber string
	StartedAt   time.Time

	State            State
	StateTurnCount   int
	TurnCount        int
	AgentHasResponded bool

	// Facts from backend lookup. Handler-owned: only the StateMachine and
	// its tool-result handlers set these; the extractor may fill them only
	// if empty.
	CallerKnown     bool
	CustomerName    string
	ZipCode         string
	ServiceAddress  string
	HasAppointment  bool
	AppointmentDate string
	AppointmentTime string
	AppointmentUID  string
	CallbackPromise string

	// Intent hint set once in WELCOME, consumed by the lookup_caller
	// tool-result handler.
	CallerIntent string

	// Facts from dialog, extractor-owned by default but may be set
	// directly by a handler (URGENCY sets PreferredTime); the extractor
	// only ever fills these in when still empty.
	ProblemDescription string
	EquipmentType      string
	ProblemDuration    string
	PreferredTime      string
	UrgencyTier        UrgencyTier
	LeadType           string // "" or "high_ticket"

	// Booking outcome.
	CallerConfirmed     bool
	BookingAttempted    bool
	BookingConfirmed    bool
	BookedTime          string
	ConfirmationMessage string
	AppointmentID       string

	// Callback outcome.
	CallbackCreated  bool
	CallbackAttempts int
	CallbackType     string

	// SalesLeadSent tracks whether send_sales_lead_alert already fired for
	// this lead, since URGENCY_CALLBACK may be re-entered on repeated turns
	// and the alert must not duplicate.
	SalesLeadSent bool

	// TerminalReplyUsed enforces DialogProcessor's "at most one scoped LLM
	// reply per terminal state" rule.
	TerminalReplyUsed bool

	Conversation       []ConversationTurn
	ConversationCursor int // index into Conversation already captured into Transcript as "agent" lines
	Transcript         []TurnEntry
}

// NewSession creates a fresh per-call session in WELCOME with routine
// urgency as the default.
func NewSession(callID, phoneNumber string, startedAt time.Time) *Session {
	return &Session{
		CallID:      callID,
		PhoneNumber: phoneNumber,
		StartedAt:   startedAt,
		State:       StateWelcome,
		UrgencyTier: UrgencyRoutine,
	}
}

// Transition moves the session to newState, resetting the per-state turn
// counter and the agent-responded flag. The only place session.State
// changes; callers must have already checked CanTransition.
func (s *Session) Transition(newState State) {
	s.State = newState
	s.StateTurnCount = 0
	s.AgentHasResponded = false
}

// AppendTranscript records one transcript line tagged with the session's
// current state.
func (s *Session) AppendTranscript(role, content string) {
	s.Transcript = append(s.Transcript, TurnEntry{
		Role:      role,
		Content:   content,
		State:     s.State,
		Timestamp: time.Now(),
	})
}

// AppendToolTranscript records a tool invocation and its result.
func (s *Session) AppendToolTranscript(tool string, args, result map[string]any) {
	s.Transcript = append(s.Transcript, TurnEntry{
		Role:       "tool",
		ToolName:   tool,
		ToolArgs:   args,
		ToolResult: result,
		State:      s.State,
		Timestamp:  time.Now(),
	})
}

// ConfirmBooking atomically marks both attempted and confirmed, preserving
// the invariant booking_confirmed ⇒ booking_attempted by construction:
// this is the only setter path that can set BookingConfirmed.
func (s *Session) ConfirmBooking(bookedTime, confirmationMessage, appointmentID string) {
	s.BookingAttempted = true
	s.BookingConfirmed = true
	s.BookedTime = bookedTime
	s.ConfirmationMessage = confirmationMessage
	s.AppointmentID = appointmentID
}

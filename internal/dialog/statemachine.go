package dialog

import (
	"log/slog"
	"strings"
)

// Turn-limit policy bounding how long a caller can stay in one state or on
// one call before being routed to a human callback.
const (
	MaxTurnsPerState = 5
	MaxTurnsPerCall  = 30
)

// Action is the state machine's per-turn verdict: optionally speak a canned
// line, optionally call exactly one tool, optionally end the call, and
// whether the LLM should still produce a reply.
type Action struct {
	Speak     string
	CallTool  string
	ToolArgs  map[string]any
	EndCall   bool
	NeedsLLM  bool
}

type stateHandler func(sm *StateMachine, s *Session, text string) Action
type toolResultHandler func(sm *StateMachine, s *Session, result map[string]any)

// StateMachine is pure, synchronous, and deterministic: Process and
// HandleToolResult never perform I/O. It is process-wide and immutable
// after construction, so one instance is shared by every call. Dispatch is
// a closed array indexed by State rather than a string-keyed method
// lookup; a state with no entry in the array is not rejected at
// construction, and Process answers it with a plain NeedsLLM action.
type StateMachine struct {
	handlers     [numStates]stateHandler
	toolHandlers map[string]toolResultHandler
	logger       *slog.Logger
}

// NewStateMachine builds the dispatch tables once; the returned StateMachine
// has no mutable state of its own.
func NewStateMachine(logger *slog.Logger) *StateMachine {
	sm := &StateMachine{logger: logger}
	sm.handlers = [numStates]stateHandler{
		StateWelcome:         (*StateMachine).handleWelcome,
		StateNonService:      (*StateMachine).handleNonService,
		StateLookup:          (*StateMachine).handleLookup,
		StateFollowUp:        (*StateMachine).handleFollowUp,
		StateManageBooking:   (*StateMachine).handleManageBooking,
		StateSafety:          (*StateMachine).handleSafety,
		StateSafetyExit:      (*StateMachine).handleSafetyExit,
		StateServiceArea:     (*StateMachine).handleServiceArea,
		StateDiscovery:       (*StateMachine).handleDiscovery,
		StateUrgency:         (*StateMachine).handleUrgency,
		StateUrgencyCallback: (*StateMachine).handleUrgencyCallback,
		StatePreConfirm:      (*StateMachine).handlePreConfirm,
		StateBooking:         (*StateMachine).handleBooking,
		StateBookingFailed:   (*StateMachine).handleBookingFailed,
		StateConfirm:         (*StateMachine).handleConfirm,
		StateCallback:        (*StateMachine).handleCallback,
	}
	sm.toolHandlers = map[string]toolResultHandler{
		"lookup_caller":          (*StateMachine).toolResultLookupCaller,
		"book_service":           (*StateMachine).toolResultBookService,
		"create_callback":        (*StateMachine).toolResultCreateCallback,
		"send_sales_lead_alert":  (*StateMachine).toolResultSendSalesLeadAlert,
		"manage_appointment":     (*StateMachine).toolResultManageAppointment,
	}
	return sm
}

// ValidTransitions returns the set of states legally reachable from state.
func (sm *StateMachine) ValidTransitions(state State) map[State]bool {
	return transitions[state]
}

// AvailableTools returns the tool names a state's handler may invoke.
func (sm *StateMachine) AvailableTools(state State) []string {
	return stateTools[state]
}

var stateTools = map[State][]string{
	StateWelcome:         {},
	StateNonService:      {"create_callback", "end_call"},
	StateLookup:          {"lookup_caller"},
	StateFollowUp:        {"create_callback", "end_call"},
	StateManageBooking:   {"manage_appointment", "end_call"},
	StateSafety:          {},
	StateSafetyExit:      {"end_call"},
	StateServiceArea:     {"end_call"},
	StateDiscovery:       {},
	StateUrgency:         {},
	StateUrgencyCallback: {"create_callback", "send_sales_lead_alert", "end_call"},
	StatePreConfirm:      {},
	StateBooking:         {"book_service"},
	StateBookingFailed:   {"create_callback", "end_call"},
	StateConfirm:         {"end_call"},
	StateCallback:        {"create_callback", "send_sales_lead_alert", "end_call"},
}

// Process advances session by one user turn, returning the resulting
// Action. It enforces the per-state and per-call turn limits before
// dispatching to the active state's handler.
func (sm *StateMachine) Process(s *Session, userText string) Action {
	s.TurnCount++

	// Only count a new state turn when the agent has responded since the
	// last increment. Consecutive user STT fragments without an
	// intervening agent response are one exchange, not several.
	if s.AgentHasResponded {
		s.StateTurnCount++
		s.AgentHasResponded = false
	}

	if s.TurnCount > MaxTurnsPerCall {
		sm.logger.Warn("per-call turn limit exceeded, escalating to callback", "call_id", s.CallID)
		s.Transition(StateCallback)
		return Action{
			Speak:    "I apologize, but let me have someone from the team call you back to help you out.",
			CallTool: "create_callback",
			EndCall:  true,
			NeedsLLM: false,
		}
	}

	if s.StateTurnCount > MaxTurnsPerState {
		sm.logger.Warn("per-state turn limit exceeded", "call_id", s.CallID, "state", s.State)
		s.Transition(StateCallback)
		return Action{
			Speak:    "Let me have someone from the team call you back.",
			CallTool: "create_callback",
			NeedsLLM: false,
		}
	}

	handler := sm.handlers[s.State]
	if handler == nil {
		return Action{NeedsLLM: true}
	}
	return handler(sm, s, userText)
}

// HandleToolResult dispatches a tool's result to its matching handler,
// mutating session facts and possibly transitioning state.
func (sm *StateMachine) HandleToolResult(s *Session, tool string, result map[string]any) {
	if handler, ok := sm.toolHandlers[tool]; ok {
		handler(sm, s, result)
	}
}

// --- state handlers ---

func (sm *StateMachine) handleWelcome(s *Session, text string) Action {
	intent := ClassifyIntent(text)
	s.CallerIntent = intent
	if intent == "non_service" {
		s.Transition(StateNonService)
		return Action{NeedsLLM: true}
	}
	// service, follow_up, manage_booking all go through lookup first.
	s.Transition(StateLookup)
	return Action{CallTool: "lookup_caller", Speak: "One moment.", NeedsLLM: false}
}

func (sm *StateMachine) handleNonService(s *Session, text string) Action {
	lower := strings.ToLower(text)
	scheduleSignals := []string{"yes", "yeah", "schedule", "book", "sure", "go ahead"}
	if containsAny(lower, scheduleSignals) {
		s.Transition(StateSafety)
	}
	return Action{NeedsLLM: true}
}

func (sm *StateMachine) handleLookup(s *Session, text string) Action {
	return Action{CallTool: "lookup_caller", NeedsLLM: false}
}

func (sm *StateMachine) handleFollowUp(s *Session, text string) Action {
	lower := strings.ToLower(text)
	newIssueSignals := []string{"new issue", "something else", "different problem", "also", "another"}
	scheduleSignals := []string{"schedule", "book", "appointment"}
	if containsAny(lower, newIssueSignals) || containsAny(lower, scheduleSignals) {
		s.Transition(StateSafety)
	}
	return Action{NeedsLLM: true}
}

func (sm *StateMachine) handleManageBooking(s *Session, text string) Action {
	lower := strings.ToLower(text)
	newIssueSignals := []string{"new issue", "something else", "different problem", "also broken"}
	if containsAny(lower, newIssueSignals) {
		s.Transition(StateSafety)
	}
	return Action{NeedsLLM: true}
}

func (sm *StateMachine) handleSafety(s *Session, text string) Action {
	if DetectSafetyEmergency(text) {
		s.Transition(StateSafetyExit)
		return Action{NeedsLLM: true}
	}
	lower := strings.ToLower(text)
	noSignals := []string{
		"no", "nope", "nah", "nothing like that", "we're fine",
		"all good", "just not cooling", "just not heating",
	}
	if containsAny(lower, noSignals) {
		s.Transition(StateServiceArea)
	}
	return Action{NeedsLLM: true}
}

func (sm *StateMachine) handleSafetyExit(s *Session, text string) Action {
	return Action{EndCall: true, NeedsLLM: true}
}

func (sm *StateMachine) handleServiceArea(s *Session, text string) Action {
	if s.ZipCode == "" {
		s.ZipCode = ExtractZip(text)
	}
	if s.ZipCode != "" {
		if IsServiceArea(s.ZipCode) {
			s.Transition(StateDiscovery)
		} else {
			s.Transition(StateCallback)
		}
	}
	return Action{NeedsLLM: true}
}

func (sm *StateMachine) handleDiscovery(s *Session, text string) Action {
	s.CustomerName = ValidateName(s.CustomerName)
	s.ServiceAddress = ValidateAddress(s.ServiceAddress)

	if s.CustomerName != "" && s.ProblemDescription != "" && s.ServiceAddress != "" {
		if DetectHighTicket(s.ProblemDescription) {
			s.LeadType = "high_ticket"
		}
		s.Transition(StateUrgency)
	}
	return Action{NeedsLLM: true}
}

func (sm *StateMachine) handleUrgency(s *Session, text string) Action {
	lower := strings.ToLower(text)

	if DetectCallbackRequest(text) {
		s.Transition(StateUrgencyCallback)
		return Action{NeedsLLM: true}
	}

	if s.LeadType == "high_ticket" {
		s.Transition(StateUrgencyCallback)
		return Action{NeedsLLM: true}
	}

	urgentSignals := []string{"today", "asap", "right away", "as soon as", "emergency", "right now"}
	routineSignals := []string{"whenever", "this week", "next few days", "no rush", "not urgent"}

	if containsAny(lower, urgentSignals) {
		s.UrgencyTier = UrgencyUrgent
		s.PreferredTime = "soonest available"
		s.Transition(StatePreConfirm)
		return Action{NeedsLLM: true}
	}

	if containsAny(lower, routineSignals) {
		s.UrgencyTier = UrgencyRoutine
		s.PreferredTime = "soonest available"
		s.Transition(StatePreConfirm)
		return Action{NeedsLLM: true}
	}

	timePatterns := []string{
		"tomorrow", "monday", "tuesday", "wednesday", "thursday",
		"friday", "saturday", "sunday", "morning", "afternoon", "evening",
	}
	if containsAny(lower, timePatterns) {
		s.UrgencyTier = UrgencyRoutine
		s.PreferredTime = strings.TrimSpace(text)
		s.Transition(StatePreConfirm)
		return Action{NeedsLLM: true}
	}

	return Action{NeedsLLM: true}
}

func (sm *StateMachine) handleUrgencyCallback(s *Session, text string) Action {
	if s.LeadType == "high_ticket" && !s.SalesLeadSent {
		return Action{CallTool: "send_sales_lead_alert", NeedsLLM: true}
	}
	if !s.CallbackCreated {
		return Action{CallTool: "create_callback", NeedsLLM: true}
	}
	return Action{EndCall: true, NeedsLLM: true}
}

func (sm *StateMachine) handlePreConfirm(s *Session, text string) Action {
	lower := strings.ToLower(text)

	if DetectCallbackRequest(text) {
		s.Transition(StateCallback)
		return Action{NeedsLLM: true}
	}

	yesSignals := []string{
		"yes", "yeah", "yep", "sounds right", "sounds good",
		"correct", "that's right", "go ahead",
	}
	if containsAny(lower, yesSignals) {
		s.CallerConfirmed = true
		s.BookingAttempted = true
		s.Transition(StateBooking)
		return Action{Speak: "Let me check what we've got open.", CallTool: "book_service", NeedsLLM: true}
	}

	return Action{NeedsLLM: true}
}

func (sm *StateMachine) handleBooking(s *Session, text string) Action {
	// Booking may already have fired from PRE_CONFIRM if the caller spoke
	// again during the wait.
	if s.BookingAttempted {
		return Action{NeedsLLM: false}
	}
	s.BookingAttempted = true
	return Action{CallTool: "book_service", NeedsLLM: false}
}

func (sm *StateMachine) handleBookingFailed(s *Session, text string) Action {
	if !s.CallbackCreated {
		return Action{CallTool: "create_callback", NeedsLLM: true}
	}
	return Action{EndCall: true, NeedsLLM: true}
}

func (sm *StateMachine) handleConfirm(s *Session, text string) Action {
	return Action{EndCall: true, NeedsLLM: true}
}

func (sm *StateMachine) handleCallback(s *Session, text string) Action {
	if s.CallbackCreated {
		return Action{EndCall: true, NeedsLLM: true}
	}
	if s.CallbackAttempts >= 2 {
		sm.logger.Warn("callback creation failed repeatedly", "call_id", s.CallID, "attempts", s.CallbackAttempts)
		return Action{EndCall: true, NeedsLLM: true}
	}
	return Action{CallTool: "create_callback", NeedsLLM: true}
}

// --- tool result handlers ---

func (sm *StateMachine) toolResultLookupCaller(s *Session, result map[string]any) {
	s.CallerKnown, _ = result["found"].(bool)
	s.CustomerName = ValidateName(str(result["customer_name"]))
	s.ZipCode = ValidateZip(str(result["zip_code"]))
	s.ServiceAddress = ValidateAddress(str(result["address"]))
	s.HasAppointment, _ = result["has_appointment"].(bool)
	s.CallbackPromise = str(result["callback_promise"])

	if s.HasAppointment {
		s.AppointmentDate = str(result["appointment_date"])
		s.AppointmentTime = str(result["appointment_time"])
		s.AppointmentUID = str(result["uid"])
	}

	switch {
	case s.CallerIntent == "follow_up":
		s.Transition(StateFollowUp)
	case s.CallerIntent == "manage_booking" && s.HasAppointment:
		s.Transition(StateManageBooking)
	default:
		s.Transition(StateSafety)
	}
}

func (sm *StateMachine) toolResultBookService(s *Session, result map[string]any) {
	booked, _ := result["booked"].(bool)
	if booked {
		s.ConfirmBooking(str(result["booking_time"]), str(result["confirmation_message"]), str(result["appointment_id"]))
		s.Transition(StateConfirm)
		return
	}
	s.BookingConfirmed = false
	s.Transition(StateBookingFailed)
}

func (sm *StateMachine) toolResultCreateCallback(s *Session, result map[string]any) {
	if errStr, ok := result["error"]; ok && errStr != "" && errStr != nil {
		s.CallbackCreated = false
		s.CallbackAttempts++
		return
	}
	s.CallbackCreated = true
}

func (sm *StateMachine) toolResultSendSalesLeadAlert(s *Session, result map[string]any) {
	s.SalesLeadSent = true
}

func (sm *StateMachine) toolResultManageAppointment(s *Session, result map[string]any) {
	action := str(result["action_taken"])
	success, _ := result["success"].(bool)
	switch {
	case action == "cancel":
		s.HasAppointment = false
	case action == "reschedule" && success:
		if d := str(result["new_date"]); d != "" {
			s.AppointmentDate = d
		}
		if t := str(result["new_time"]); t != "" {
			s.AppointmentTime = t
		}
	}
	if success {
		s.Transition(StateConfirm)
	}
}

func containsAny(lower string, signals []string) bool {
	for _, sig := range signals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

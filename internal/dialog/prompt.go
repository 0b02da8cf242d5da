package dialog

import "strings"

// persona is the fixed voice/behavior brief every main-conversation LLM turn
// carries.
const persona = `You are the virtual receptionist for ACE Cooling, an HVAC service company in Austin, Texas.

VOICE: Friendly, brisk, confident. Not bubbly, not salesy.
RESPONSE LENGTH: 1-2 short sentences. Max 25 words total. This is a phone call.
CADENCE: ONE question at a time. Never stack questions.
ACKNOWLEDGMENTS: 5 words or fewer. Often skip entirely.
TONE MATCHING: Mirror the caller's energy.
ACTIVE LISTENING: Paraphrase briefly. Don't parrot exact words.

NEVER describe your own process. NEVER say "moving on to" or "let me move this forward".
If asked if you're AI: "I'm the virtual receptionist for ACE Cooling."`

// statePrompts gives each decision/action state its own short instruction.
// Terminal states are driven by the canned terminalScripts instead and
// never reach the LLM, so they have no entry here.
var statePrompts = map[State]string{
	StateWelcome: `Greet briefly: "Thanks for calling ACE Cooling, how can I help you?"
Then listen. Do NOT ask questions — just greet and listen.`,

	StateLookup: `Say briefly: "One sec, pulling that up."
One short sentence only.`,

	StateSafety: `Ask: "Quick safety check — any gas smells, burning, or CO alarms right now?"
If yes: acknowledge seriously. If no: "Good, just had to ask."`,

	StateServiceArea: `If ZIP known, confirm: "You're in [ZIP] — that's our area."
If not, ask: "What ZIP code do you need service at?"
If out of area: "We only cover Austin. I can have someone call with a referral."`,

	StateDiscovery: `Collect: name, problem, address. Ask ONE missing item at a time.
Paraphrase their problem briefly. No diagnostic questions — the tech handles that.`,

	StateUrgency: `Ask how urgent the issue is and when they'd like service.
One question at a time.`,

	StatePreConfirm: `Read back: "[name], [problem], at [address]. When works best?"
After timing: "Got it. Want me to book that?"`,

	StateBooking: `Say: "Checking the schedule now..."
One sentence only.`,

	StateFollowUp: `Acknowledge they've called before and ask what update they need.`,

	StateManageBooking: `Ask whether they want to reschedule or cancel their existing appointment.`,

	StateNonService: `Politely explain this line handles service calls only and offer to connect them elsewhere.`,
}

// PromptFor builds the system prompt for the current turn of the main
// conversation, combining the fixed persona, known session facts, and the
// active state's instruction.
func PromptFor(s *Session) string {
	var b strings.Builder
	b.WriteString(persona)

	if context := buildContext(s); context != "" {
		b.WriteString("\n\n")
		b.WriteString(context)
	}

	if statePrompt := statePrompts[s.State]; statePrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(statePrompt)
	}

	return b.String()
}

func buildContext(s *Session) string {
	var parts []string
	if s.CustomerName != "" {
		parts = append(parts, "Caller's name: "+s.CustomerName)
	}
	if s.ProblemDescription != "" {
		parts = append(parts, "Issue: "+s.ProblemDescription)
	}
	if s.ServiceAddress != "" {
		parts = append(parts, "Address: "+s.ServiceAddress)
	}
	if s.ZipCode != "" {
		parts = append(parts, "ZIP: "+s.ZipCode)
	}
	if s.HasAppointment {
		parts = append(parts, "Caller has an existing appointment.")
	}
	if s.PreferredTime != "" {
		parts = append(parts, "Preferred time: "+s.PreferredTime)
	}
	if len(parts) == 0 {
		return ""
	}
	return "KNOWN INFO:\n- " + strings.Join(parts, "\n- ")
}

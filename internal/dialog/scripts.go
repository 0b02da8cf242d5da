package dialog

// terminalScripts is the canned line spoken once a terminal state is
// reached — every terminal state has an entry here; absence from this map
// would mean the state ends silently.
var terminalScripts = map[State]string{
	StateSafetyExit:      "Please hang up and call 911 right now, and get everyone outside. We'll follow up once you're safe.",
	StateConfirm:         "You're all set. Anything else I can help with before I let you go?",
	StateCallback:        "I'll have someone from our team reach out to you shortly. Thanks for calling.",
	StateBookingFailed:   "I wasn't able to get that booked just now, but I've had someone from the team follow up with you directly.",
	StateUrgencyCallback: "Given the urgency, I'll have someone from our team call you back shortly. Thanks for calling.",
}

// terminalScopedSystemPrompt bounds the single off-script LLM reply allowed
// in a terminal state: short, and forbidden from talking the caller back
// into a booking flow that has already ended.
const terminalScopedSystemPrompt = `You are wrapping up a phone call that has already reached its conclusion. Respond in one short, plain sentence (max ~50 tokens) acknowledging what the caller just said. Do not offer to schedule, book, or check availability — that part of the call is over.`

// bookingLanguage is the keyword set a scoped terminal reply is rejected
// for containing.
var bookingLanguage = []string{"appointment", "schedule", "book", "available", "slot", "open"}

func containsBookingLanguage(text string) bool {
	return MatchAnyKeyword(text, bookingLanguage)
}

package dialog

import "context"

// ExtractedFields is the extractor's raw output for one pass over the
// conversation history: a best-effort, untrusted guess at fields the
// caller may have mentioned. Mirrors the JSON object the extraction
// prompt is instructed to return.
type ExtractedFields struct {
	CustomerName       string
	ProblemDescription string
	ServiceAddress     string
	ZipCode            string
	PreferredTime      string
	EquipmentType      string
	ProblemDuration    string
}

// Extractor pulls ExtractedFields out of a conversation. The returned value
// is never trusted directly; it must be merged through ApplyExtraction.
type Extractor interface {
	ExtractFields(ctx context.Context, conversation []ConversationTurn) (ExtractedFields, error)
}

// MinConversationTurnsForExtraction guards against running extraction on a
// conversation too short to contain anything useful.
const MinConversationTurnsForExtraction = 2

// ApplyExtraction merges proposed fields into session under the extraction
// firewall: every field here is filled only when the session does not
// already hold a value, and never overwritten once set.
// The session has no direct setter path from the extractor — this is the
// only entry point.
func ApplyExtraction(s *Session, proposed ExtractedFields) {
	if s.CustomerName == "" {
		if name := ValidateName(proposed.CustomerName); name != "" {
			s.CustomerName = name
		}
	}
	if s.ServiceAddress == "" {
		if addr := ValidateAddress(proposed.ServiceAddress); addr != "" {
			s.ServiceAddress = addr
		}
	}
	if s.ZipCode == "" {
		if zip := ValidateZip(proposed.ZipCode); zip != "" {
			s.ZipCode = zip
		}
	}
	if s.ProblemDescription == "" && proposed.ProblemDescription != "" {
		s.ProblemDescription = proposed.ProblemDescription
	}
	if s.PreferredTime == "" && proposed.PreferredTime != "" {
		s.PreferredTime = proposed.PreferredTime
	}
	if s.EquipmentType == "" && proposed.EquipmentType != "" {
		s.EquipmentType = proposed.EquipmentType
	}
	if s.ProblemDuration == "" && proposed.ProblemDuration != "" {
		s.ProblemDuration = proposed.ProblemDuration
	}
}

package dialog

import (
	"regexp"
	"strings"
)

// Keyword taxonomies: these are the exact membership sets tuned against
// real call transcripts, not a detail to second-guess.
var (
	sentinelValues = map[string]bool{
		"not provided": true, "n/a": true, "na": true, "unknown": true,
		"none": true, "tbd": true, "{{customer_name}}": true,
		"{{zip_code}}": true, "{{service_address}}": true, "auto": true,
		"customer_name": true, "service_address": true,
	}

	nonServiceKeywords = []string{
		"billing", "bill", "charge", "payment", "warranty", "invoice",
		"vendor", "supplier", "selling", "partnership", "parts supplier",
		"hiring", "job", "apply", "position", "employment", "wrong number",
	}

	followUpKeywords = []string{
		"following up", "called before", "waiting for callback",
		"checking on", "any update", "called earlier", "still waiting",
	}

	manageBookingKeywords = []string{
		"my appointment", "reschedule", "cancel my", "cancel the",
		"change my appointment", "move my appointment",
	}

	safetyKeywords = []string{"gas", "burning", "smoke", "co detector", "carbon monoxide", "sparks", "fire"}

	safetyRetractionKeywords = []string{
		"never mind", "but don't worry", "actually no", "not the issue",
		"forget i said", "i'm fine", "we're okay", "no emergency",
		"that's not it", "not really",
	}

	highTicketPositive = []string{
		"new system", "new unit", "new ac", "new furnace",
		"replacement", "replace", "quote", "estimate",
		"how much for a new", "cost of a new",
		"upgrade", "whole new", "brand new", "installing a new",
	}

	highTicketNegative = []string{
		"broken", "not working", "stopped working", "won't turn on",
		"cover", "part", "piece", "component",
		"noise", "leak", "smell", "drip",
		"tune-up", "check", "maintenance", "filter",
	}

	callbackRequestKeywords = []string{
		"call me back", "callback", "just call", "have someone call",
		"have the owner call", "don't want to schedule",
	}

	propertyManagerKeywords = []string{
		"property manager", "landlord", "i manage", "managing properties",
		"rental property", "tenant", "property management",
		"calling on behalf", "the unit is at",
	}

	wordToDigit = map[string]string{
		"zero": "0", "oh": "0", "o": "0",
		"one": "1", "two": "2", "three": "3", "four": "4",
		"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	}

	zipPattern       = regexp.MustCompile(`^\d{5}$`)
	zipInlinePattern = regexp.MustCompile(`\b(\d{5})\b`)
	phoneLikePattern = regexp.MustCompile(`^[\d+\-() ]{7,}$`)
	wordTokenPattern = regexp.MustCompile(`[a-zA-Z]+|\d`)
)

// MatchAnyKeyword reports whether any keyword appears in text as a whole
// word on a lowercased copy; substring matches (e.g. "no" inside "noticed")
// are false positives this guards against.
func MatchAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		pattern := `\b` + regexp.QuoteMeta(kw) + `\b`
		if matched, _ := regexp.MatchString(pattern, lower); matched {
			return true
		}
	}
	return false
}

// WordsToDigits converts spoken single-digit words ("seven eight seven oh
// one") and literal digits into a contiguous digit string ("78701"),
// ignoring any other token.
func WordsToDigits(text string) string {
	tokens := wordTokenPattern.FindAllString(strings.ToLower(text), -1)
	var b strings.Builder
	for _, tok := range tokens {
		if d, ok := wordToDigit[tok]; ok {
			b.WriteString(d)
		} else if isAllDigits(tok) {
			b.WriteString(tok)
		}
	}
	return b.String()
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidateZip returns value if it is exactly five ASCII digits after
// trimming, else "".
func ValidateZip(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return ""
	}
	if zipPattern.MatchString(cleaned) {
		return cleaned
	}
	return ""
}

// ValidateName rejects empty input, sentinel placeholders, phone-number
// look-alikes, and template-variable leakage.
func ValidateName(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return ""
	}
	if sentinelValues[strings.ToLower(cleaned)] {
		return ""
	}
	if phoneLikePattern.MatchString(cleaned) {
		return ""
	}
	if strings.Contains(cleaned, "{{") || strings.Contains(cleaned, "}}") {
		return ""
	}
	return cleaned
}

// ValidateAddress rejects empty input, sentinels, the ambiguous bare word
// "or", digit-only strings, and anything under 5 characters.
func ValidateAddress(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return ""
	}
	if sentinelValues[strings.ToLower(cleaned)] {
		return ""
	}
	if matched, _ := regexp.MatchString(`(?i)\bor\b`, cleaned); matched {
		return ""
	}
	if matched, _ := regexp.MatchString(`[a-zA-Z]`, cleaned); !matched {
		return ""
	}
	if len(cleaned) < 5 {
		return ""
	}
	return cleaned
}

// IsServiceArea reports whether zipCode is a valid ZIP inside the 787xx
// dispatch area.
func IsServiceArea(zipCode string) bool {
	validated := ValidateZip(zipCode)
	if validated == "" {
		return false
	}
	return strings.HasPrefix(validated, "787")
}

// ExtractZip pulls a 5-digit ZIP out of free text, first by direct digit
// match and, failing that, by converting spoken digit words first.
func ExtractZip(text string) string {
	if m := zipInlinePattern.FindStringSubmatch(text); m != nil {
		if z := ValidateZip(m[1]); z != "" {
			return z
		}
	}
	digits := WordsToDigits(text)
	if m := zipInlinePattern.FindStringSubmatch(digits); m != nil {
		return ValidateZip(m[1])
	}
	return ""
}

// ClassifyIntent classifies the caller's first utterance into one of
// "manage_booking", "follow_up", "non_service", or "service".
func ClassifyIntent(text string) string {
	if MatchAnyKeyword(text, manageBookingKeywords) {
		return "manage_booking"
	}
	if MatchAnyKeyword(text, followUpKeywords) {
		return "follow_up"
	}
	if MatchAnyKeyword(text, nonServiceKeywords) {
		return "non_service"
	}
	return "service"
}

// DetectSafetyEmergency reports a safety keyword hit not canceled by a
// same-utterance retraction phrase.
func DetectSafetyEmergency(text string) bool {
	if !MatchAnyKeyword(text, safetyKeywords) {
		return false
	}
	return !MatchAnyKeyword(text, safetyRetractionKeywords)
}

// DetectHighTicket reports a high-ticket signal (new system, replacement,
// quote) not canceled by a same-utterance repair/maintenance signal.
func DetectHighTicket(text string) bool {
	if !MatchAnyKeyword(text, highTicketPositive) {
		return false
	}
	return !MatchAnyKeyword(text, highTicketNegative)
}

// DetectCallbackRequest reports an explicit ask for a human callback
// instead of continuing the automated flow.
func DetectCallbackRequest(text string) bool {
	return MatchAnyKeyword(text, callbackRequestKeywords)
}

// DetectPropertyManager reports signals that the caller is managing the
// property on a third party's behalf. ClassifyTags does not call it.
func DetectPropertyManager(text string) bool {
	return MatchAnyKeyword(text, propertyManagerKeywords)
}

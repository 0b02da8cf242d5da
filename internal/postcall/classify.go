package postcall

import (
	"strings"

	"github.com/hvac-dispatch/callvox/internal/dialog"
)

// Tags is the 9-category classification a finished call is reduced to.
type Tags struct {
	Hazard      []string `json:"HAZARD"`
	Urgency     []string `json:"URGENCY"`
	ServiceType []string `json:"SERVICE_TYPE"`
	Revenue     []string `json:"REVENUE"`
	Recovery    []string `json:"RECOVERY"`
	Logistics   []string `json:"LOGISTICS"`
	Customer    []string `json:"CUSTOMER"`
	NonCustomer []string `json:"NON_CUSTOMER"`
	Context     []string `json:"CONTEXT"`
}

var hazardKeywords = map[string][]string{
	"GAS_LEAK":         {"gas", "rotten egg", "sulfur", "hissing"},
	"CO_EVENT":         {"co detector", "carbon monoxide", "co alarm"},
	"ELECTRICAL_FIRE":  {"burning", "smoke", "sparks", "breaker"},
	"ACTIVE_FLOODING":  {"flooding", "water pouring", "burst pipe"},
	"REFRIGERANT_LEAK": {"chemical smell", "frozen coil"},
	"HEALTH_RISK":      {"no heat", "no ac", "freezing"},
}

var serviceTypeKeywords = map[string][]string{
	"REPAIR_AC":            {"ac", "air conditioning", "cooling", "not cooling", "warm air"},
	"REPAIR_HEATING":       {"heating", "furnace", "heat", "not heating", "no heat"},
	"REPAIR_HEATPUMP":      {"heat pump", "heatpump"},
	"REPAIR_THERMOSTAT":    {"thermostat"},
	"REPAIR_DUCTWORK":      {"duct", "ductwork", "vent"},
	"TUNEUP_AC":            {"tune-up", "tuneup", "maintenance", "checkup"},
	"INSTALL_REPLACEMENT":  {"new system", "replacement", "replace", "install"},
	"DIAGNOSTIC_NOISE":     {"noise", "strange sound", "rattling", "buzzing"},
	"DIAGNOSTIC_SMELL":     {"smell", "odor"},
	"SECONDOPINION":        {"second opinion"},
	"WARRANTY_CLAIM":       {"warranty"},
}

var recoveryKeywords = map[string][]string{
	"CALLBACK_RISK":      {"waiting", "no one called back", "still waiting"},
	"COMPLAINT_PRICE":    {"too expensive", "overcharged", "price"},
	"COMPLAINT_SERVICE":  {"poor service", "rude"},
	"COMPLAINT_NOFIX":    {"still broken", "didn't fix", "not fixed"},
	"ESCALATION_REQ":     {"manager", "supervisor", "speak to"},
	"COMPETITOR_MENTION": {"cheaper quote", "another company"},
}

var logisticsKeywords = map[string][]string{
	"GATE_CODE":    {"gate", "gated"},
	"PET_SECURE":   {"dog", "cat", "pet"},
	"LANDLORD_AUTH": {"landlord", "owner permission"},
	"TENANT_COORD": {"tenant", "renter"},
}

var nonCustomerKeywords = map[string][]string{
	"JOB_APPLICANT":      {"hiring", "job", "apply", "position"},
	"VENDOR_SALES":       {"vendor", "supplier", "selling", "partnership"},
	"WRONG_NUMBER":       {"wrong number"},
	"SPAM_TELEMARKETING": {"telemarketing", "spam"},
	"PARTS_SUPPLIER":     {"parts supplier", "supply house"},
	"REALTOR_INQUIRY":    {"realtor", "real estate"},
}

var contextKeywords = map[string][]string{
	"ELDERLY_OCCUPANT": {"elderly", "senior", "grandma", "grandmother"},
	"INFANT_NEWBORN":   {"baby", "infant", "newborn"},
	"MEDICAL_NEED":     {"medical", "oxygen", "health condition"},
}

// urgencyTagMap maps the dialog package's internal urgency tier to the
// 117-tag taxonomy's URGENCY category value.
var urgencyTagMap = map[dialog.UrgencyTier]string{
	dialog.UrgencyEmergency: "EMERGENCY_SAMEDAY",
	dialog.UrgencyUrgent:    "URGENT_24HR",
	dialog.UrgencyHigh:      "PRIORITY_48HR",
	dialog.UrgencyRoutine:   "STANDARD",
	dialog.UrgencyLow:       "FLEXIBLE",
}

// orderedKeys lists a keyword map's tags in a fixed order so output is
// deterministic regardless of Go's randomized map iteration.
func orderedKeys(m map[string][]string) []string {
	// Declared per-map below rather than sorted alphabetically, since
	// downstream consumers (dashboard card copy) expect a fixed tag order.
	switch {
	case sameKeys(m, hazardKeywords):
		return []string{"GAS_LEAK", "CO_EVENT", "ELECTRICAL_FIRE", "ACTIVE_FLOODING", "REFRIGERANT_LEAK", "HEALTH_RISK"}
	case sameKeys(m, serviceTypeKeywords):
		return []string{
			"REPAIR_AC", "REPAIR_HEATING", "REPAIR_HEATPUMP", "REPAIR_THERMOSTAT",
			"REPAIR_DUCTWORK", "TUNEUP_AC", "INSTALL_REPLACEMENT", "DIAGNOSTIC_NOISE",
			"DIAGNOSTIC_SMELL", "SECONDOPINION", "WARRANTY_CLAIM",
		}
	case sameKeys(m, recoveryKeywords):
		return []string{
			"CALLBACK_RISK", "COMPLAINT_PRICE", "COMPLAINT_SERVICE",
			"COMPLAINT_NOFIX", "ESCALATION_REQ", "COMPETITOR_MENTION",
		}
	case sameKeys(m, logisticsKeywords):
		return []string{"GATE_CODE", "PET_SECURE", "LANDLORD_AUTH", "TENANT_COORD"}
	case sameKeys(m, nonCustomerKeywords):
		return []string{
			"JOB_APPLICANT", "VENDOR_SALES", "WRONG_NUMBER",
			"SPAM_TELEMARKETING", "PARTS_SUPPLIER", "REALTOR_INQUIRY",
		}
	case sameKeys(m, contextKeywords):
		return []string{"ELDERLY_OCCUPANT", "INFANT_NEWBORN", "MEDICAL_NEED"}
	default:
		return nil
	}
}

func sameKeys(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func matchGroup(lower string, group map[string][]string) []string {
	var hits []string
	for _, tag := range orderedKeys(group) {
		for _, kw := range group[tag] {
			if strings.Contains(lower, kw) {
				hits = append(hits, tag)
				break
			}
		}
	}
	return hits
}

// ClassifyTags classifies a finished call into the 9-category taxonomy.
// HEALTH_RISK is appended as a hazard fallback only when the call ended in
// the safety-exit state but no specific hazard keyword matched.
func ClassifyTags(s *dialog.Session, transcriptText string) Tags {
	tags := Tags{
		Hazard: []string{}, Urgency: []string{}, ServiceType: []string{},
		Revenue: []string{}, Recovery: []string{}, Logistics: []string{},
		Customer: []string{}, NonCustomer: []string{}, Context: []string{},
	}

	text := strings.ToLower(transcriptText + " " + s.ProblemDescription)

	if s.State == dialog.StateSafetyExit {
		tags.Hazard = matchGroup(text, hazardKeywords)
		if len(tags.Hazard) == 0 {
			tags.Hazard = append(tags.Hazard, "HEALTH_RISK")
		}
	}

	urgencyTag, ok := urgencyTagMap[s.UrgencyTier]
	if !ok {
		urgencyTag = "STANDARD"
	}
	tags.Urgency = append(tags.Urgency, urgencyTag)
	if s.State == dialog.StateSafetyExit {
		tags.Urgency = []string{"CRITICAL_EVACUATE"}
	}

	tags.ServiceType = matchGroup(text, serviceTypeKeywords)

	if dialog.DetectHighTicket(s.ProblemDescription) {
		tags.Revenue = append(tags.Revenue, "HOT_LEAD")
	}
	if strings.Contains(text, "r-22") || strings.Contains(text, "r22") || strings.Contains(text, "freon") {
		tags.Revenue = append(tags.Revenue, "R22_RETROFIT")
	}

	tags.Recovery = matchGroup(text, recoveryKeywords)
	tags.Logistics = matchGroup(text, logisticsKeywords)

	if s.CallerKnown {
		tags.Customer = append(tags.Customer, "EXISTING_CUSTOMER")
	} else {
		tags.Customer = append(tags.Customer, "NEW_CUSTOMER")
	}

	tags.NonCustomer = matchGroup(text, nonCustomerKeywords)
	tags.Context = matchGroup(text, contextKeywords)

	return tags
}

// Priority is the color/reason pair the dashboard sorts cards by.
type Priority struct {
	Color  string `json:"color"`
	Reason string `json:"reason"`
}

// DetectPriority cascades hazard/recovery → red, non-customer → gray,
// revenue → green, else blue.
func DetectPriority(tags Tags) Priority {
	if len(tags.Hazard) > 0 {
		return Priority{Color: "red", Reason: "Safety hazard: " + strings.Join(tags.Hazard, ", ")}
	}
	if len(tags.Recovery) > 0 {
		return Priority{Color: "red", Reason: "Customer concern: " + strings.Join(tags.Recovery, ", ")}
	}
	if len(tags.NonCustomer) > 0 {
		return Priority{Color: "gray", Reason: "Non-customer: " + strings.Join(tags.NonCustomer, ", ")}
	}
	if len(tags.Revenue) > 0 {
		return Priority{Color: "green", Reason: "Revenue opportunity: " + strings.Join(tags.Revenue, ", ")}
	}
	return Priority{Color: "blue", Reason: "Standard residential service request"}
}

// RevenueEstimate is the tier ladder EstimateRevenueTier produces.
type RevenueEstimate struct {
	Tier       string   `json:"tier"`
	TierLabel  string   `json:"tier_label"`
	Signals    []string `json:"signals"`
	Confidence string   `json:"confidence"`
}

var replacementKeywords = []string{"new system", "new unit", "new ac", "replacement", "replace", "install", "installation", "upgrade"}
var majorRepairKeywords = []string{"compressor", "heat exchanger", "evaporator", "condenser", "coil"}
var minorKeywords = []string{"thermostat", "filter", "noise", "strange sound", "weird noise"}
var maintenanceKeywords = []string{"tune-up", "tuneup", "maintenance", "cleaning", "checkup"}

// EstimateRevenueTier ranks the replacement → major_repair → minor →
// maintenance(minor) → standard_repair → diagnostic ladder.
func EstimateRevenueTier(problemDescription string, revenueTags []string) RevenueEstimate {
	lower := strings.ToLower(problemDescription)

	for _, t := range revenueTags {
		if t == "R22_RETROFIT" {
			return RevenueEstimate{Tier: "replacement", TierLabel: "$$$$", Signals: []string{"R-22/Freon system"}, Confidence: "high"}
		}
	}

	if signals := collectSignals(lower, replacementKeywords); len(signals) > 0 {
		confidence := "medium"
		if len(signals) >= 2 {
			confidence = "high"
		}
		return RevenueEstimate{Tier: "replacement", TierLabel: "$$$$", Signals: signals, Confidence: confidence}
	}

	if signals := collectSignals(lower, majorRepairKeywords); len(signals) > 0 {
		return RevenueEstimate{Tier: "major_repair", TierLabel: "$$$", Signals: signals, Confidence: "medium"}
	}

	if signals := collectSignals(lower, minorKeywords); len(signals) > 0 {
		return RevenueEstimate{Tier: "minor", TierLabel: "$", Signals: signals, Confidence: "medium"}
	}

	if signals := collectSignals(lower, maintenanceKeywords); len(signals) > 0 {
		return RevenueEstimate{Tier: "minor", TierLabel: "$", Signals: signals, Confidence: "medium"}
	}

	if strings.TrimSpace(problemDescription) != "" {
		return RevenueEstimate{Tier: "standard_repair", TierLabel: "$$", Signals: []string{"general repair request"}, Confidence: "low"}
	}

	return RevenueEstimate{Tier: "diagnostic", TierLabel: "$$?", Signals: []string{}, Confidence: "low"}
}

func collectSignals(lower string, keywords []string) []string {
	var signals []string
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			signals = append(signals, kw)
		}
	}
	return signals
}

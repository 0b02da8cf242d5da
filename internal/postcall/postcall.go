package postcall

import (
	"context"
	"log/slog"
	"time"

	"github.com/hvac-dispatch/callvox/internal/dialog"
)

// urgencyDashboardMap maps the dialog package's internal urgency tier to
// the dashboard's coarser enum (low|medium|high|emergency), folding
// "urgent" in with "high" since the dashboard has no separate bucket for
// it.
var urgencyDashboardMap = map[dialog.UrgencyTier]string{
	dialog.UrgencyRoutine:   "low",
	dialog.UrgencyLow:       "low",
	dialog.UrgencyMedium:    "medium",
	dialog.UrgencyHigh:      "high",
	dialog.UrgencyUrgent:    "high",
	dialog.UrgencyEmergency: "emergency",
}

func mapUrgency(tier dialog.UrgencyTier) string {
	if v, ok := urgencyDashboardMap[tier]; ok {
		return v
	}
	return "low"
}

// deriveEndCallReason maps the final session state to a dashboard-facing
// outcome string, ported from post_call.py's _derive_end_call_reason.
func deriveEndCallReason(s *dialog.Session) string {
	switch {
	case s.State == dialog.StateSafetyExit:
		return "safety_emergency"
	case s.State == dialog.StateConfirm && s.BookingConfirmed:
		return "completed"
	case s.State == dialog.StateCallback:
		if s.LeadType == "high_ticket" {
			return "sales_lead"
		}
		return "callback_later"
	default:
		return "customer_hangup"
	}
}

// deriveBookingStatus derives booking_status from session state, ported
// from post_call.py's _derive_booking_status.
func deriveBookingStatus(s *dialog.Session) string {
	if s.BookingConfirmed {
		return "confirmed"
	}
	if s.State == dialog.StateCallback && s.CallerConfirmed {
		return "attempted_failed"
	}
	return "not_requested"
}

// JobPayload is the dashboard job/lead payload sent to the jobs webhook.
type JobPayload struct {
	CustomerName    string            `json:"customer_name"`
	CustomerPhone   string            `json:"customer_phone"`
	CustomerAddress string            `json:"customer_address"`
	ServiceType     string            `json:"service_type"`
	Urgency         string            `json:"urgency"`
	UserEmail       string            `json:"user_email"`
	CallID          string            `json:"call_id"`
	CallTranscript  string            `json:"call_transcript"`
	TranscriptObj   []TranscriptEntry `json:"transcript_object"`
	BookingStatus   string            `json:"booking_status"`
	EndCallReason   string            `json:"end_call_reason"`
	IssueDescription string           `json:"issue_description"`
	Tags            Tags              `json:"tags"`
	PriorityColor   string            `json:"priority_color"`
	PriorityReason  string            `json:"priority_reason"`
	RevenueTier     string            `json:"revenue_tier"`
	RevenueTierLabel string           `json:"revenue_tier_label"`
	RevenueSignals  []string          `json:"revenue_tier_signals"`
	RevenueConfidence string          `json:"revenue_confidence"`
	CallerType      string            `json:"caller_type"`
	PrimaryIntent   string            `json:"primary_intent"`
	WorkType        string            `json:"work_type"`
	ScheduledAt     string            `json:"scheduled_at,omitempty"`
}

// CallPayload is the dashboard call-record payload, including the linking
// ids returned by the job POST.
type CallPayload struct {
	CallID             string            `json:"call_id"`
	PhoneNumber        string            `json:"phone_number"`
	CustomerName       string            `json:"customer_name"`
	UserEmail          string            `json:"user_email"`
	StartedAt          string            `json:"started_at"`
	EndedAt            string            `json:"ended_at"`
	DurationSeconds    int               `json:"duration_seconds"`
	Direction          string            `json:"direction"`
	Outcome            string            `json:"outcome"`
	UrgencyTier        string            `json:"urgency_tier"`
	ProblemDescription string            `json:"problem_description"`
	BookingStatus      string            `json:"booking_status"`
	TranscriptObj      []TranscriptEntry `json:"transcript_object"`
	LeadID             string            `json:"lead_id,omitempty"`
	JobID              string            `json:"job_id,omitempty"`
}

// EmergencyAlertPayload is the dashboard alert payload sent only when the
// call ended in SAFETY_EXIT, with a fixed 30-minute callback promise.
type EmergencyAlertPayload struct {
	CallID               string `json:"call_id"`
	PhoneNumber          string `json:"phone_number"`
	CustomerName         string `json:"customer_name"`
	CustomerAddress      string `json:"customer_address"`
	ProblemDescription   string `json:"problem_description"`
	UserEmail            string `json:"user_email"`
	SMSSentAt            string `json:"sms_sent_at"`
	CallbackPromisedMins int    `json:"callback_promised_minutes"`
}

// EmergencyCallbackPromiseMinutes is the fixed callback turnaround promised
// in every emergency alert.
const EmergencyCallbackPromiseMinutes = 30

// BuildJobPayload assembles the job/lead payload from session facts and
// the deterministic classifier output, ported from post_call.py's
// build_job_payload.
func BuildJobPayload(s *dialog.Session, userEmail string) JobPayload {
	transcriptText := ToPlainText(s.Transcript)
	transcriptObj := ToJSONArray(s.Transcript)

	tags := ClassifyTags(s, transcriptText)
	bookingStatus := deriveBookingStatus(s)
	priority := DetectPriority(tags)
	revenue := EstimateRevenueTier(s.ProblemDescription, tags.Revenue)

	customerName := s.CustomerName
	if customerName == "" {
		customerName = "Unknown Caller"
	}
	phone := s.PhoneNumber
	if phone == "" {
		phone = "unknown"
	}

	primaryIntent := "new_lead"
	if s.BookingConfirmed {
		primaryIntent = "booking_request"
	}

	payload := JobPayload{
		CustomerName:      customerName,
		CustomerPhone:     phone,
		CustomerAddress:   s.ServiceAddress,
		ServiceType:       "hvac",
		Urgency:           mapUrgency(s.UrgencyTier),
		UserEmail:         userEmail,
		CallID:            s.CallID,
		CallTranscript:    transcriptText,
		TranscriptObj:     transcriptObj,
		BookingStatus:     bookingStatus,
		EndCallReason:     deriveEndCallReason(s),
		IssueDescription:  s.ProblemDescription,
		Tags:              tags,
		PriorityColor:     priority.Color,
		PriorityReason:    priority.Reason,
		RevenueTier:       revenue.Tier,
		RevenueTierLabel:  revenue.TierLabel,
		RevenueSignals:    revenue.Signals,
		RevenueConfidence: revenue.Confidence,
		CallerType:        "residential",
		PrimaryIntent:     primaryIntent,
		WorkType:          "service",
	}

	if s.BookingConfirmed && s.BookedTime != "" {
		payload.ScheduledAt = s.BookedTime
	}

	return payload
}

// BuildCallPayload assembles the call-record payload, role-filtering the
// transcript to agent/user only and linking in ids the job POST returned.
// Ported from post_call.py's build_call_payload.
func BuildCallPayload(s *dialog.Session, startedAt, endedAt time.Time, userEmail, leadID, jobID string) CallPayload {
	duration := 0
	if !startedAt.IsZero() {
		duration = int(endedAt.Sub(startedAt).Seconds())
	}

	phone := s.PhoneNumber
	if phone == "" {
		phone = "unknown"
	}

	return CallPayload{
		CallID:             s.CallID,
		PhoneNumber:        phone,
		CustomerName:       s.CustomerName,
		UserEmail:          userEmail,
		StartedAt:          startedAt.UTC().Format(time.RFC3339),
		EndedAt:            endedAt.UTC().Format(time.RFC3339),
		DurationSeconds:    duration,
		Direction:          "inbound",
		Outcome:            deriveEndCallReason(s),
		UrgencyTier:        string(s.UrgencyTier),
		ProblemDescription: s.ProblemDescription,
		BookingStatus:      deriveBookingStatus(s),
		TranscriptObj:      CallRoleEntries(ToJSONArray(s.Transcript)),
		LeadID:             leadID,
		JobID:              jobID,
	}
}

// BuildEmergencyAlertPayload assembles the emergency alert payload sent
// only for a SAFETY_EXIT call.
func BuildEmergencyAlertPayload(s *dialog.Session, userEmail string, sentAt time.Time) EmergencyAlertPayload {
	problem := s.ProblemDescription
	if problem == "" {
		problem = "Safety emergency detected"
	}
	return EmergencyAlertPayload{
		CallID:               s.CallID,
		PhoneNumber:          s.PhoneNumber,
		CustomerName:         s.CustomerName,
		CustomerAddress:      s.ServiceAddress,
		ProblemDescription:   problem,
		UserEmail:            userEmail,
		SMSSentAt:            sentAt.UTC().Format(time.RFC3339),
		CallbackPromisedMins: EmergencyCallbackPromiseMinutes,
	}
}

// Pipeline runs the post-call sequence: classify, build job/call payloads,
// dump the transcript, and deliver both webhooks in dependency order,
// tolerating failure at every step so one broken webhook never blocks the
// rest.
type Pipeline struct {
	webhook   *WebhookClient
	userEmail string
	logger    *slog.Logger
}

// NewPipeline builds a Pipeline sharing one WebhookClient instance.
func NewPipeline(webhook *WebhookClient, userEmail string, logger *slog.Logger) *Pipeline {
	return &Pipeline{webhook: webhook, userEmail: userEmail, logger: logger}
}

// Run executes the post-call sequence for one finished session.
// startedAt/endedAt bound the call for duration and timestamp fields.
func (p *Pipeline) Run(ctx context.Context, s *dialog.Session, startedAt, endedAt time.Time) {
	jobPayload := BuildJobPayload(s, p.userEmail)
	jobResp, err := p.webhook.SendJob(ctx, jobPayload)
	if err != nil {
		p.logger.Warn("dashboard job sync failed", "call_id", s.CallID, "error", err)
	}

	var leadID, jobID string
	if jobResp != nil {
		leadID, jobID = jobResp.LeadID, jobResp.JobID
	}

	callPayload := BuildCallPayload(s, startedAt, endedAt, p.userEmail, leadID, jobID)
	if _, err := p.webhook.SendCall(ctx, callPayload); err != nil {
		p.logger.Warn("dashboard call sync failed", "call_id", s.CallID, "error", err)
	}

	if s.State == dialog.StateSafetyExit {
		alertPayload := BuildEmergencyAlertPayload(s, p.userEmail, endedAt)
		if _, err := p.webhook.SendEmergencyAlert(ctx, alertPayload); err != nil {
			p.logger.Warn("dashboard emergency alert failed", "call_id", s.CallID, "error", err)
		}
	}

	duration := endedAt.Sub(startedAt).Seconds()
	for _, line := range BuildTranscriptDumpLines(s.Transcript, s.CallID, s.PhoneNumber, s.State.String(), float64(startedAt.Unix()), duration, 0) {
		p.logger.Info(line)
	}

	p.logger.Info("post-call complete", "call_id", s.CallID, "state", s.State.String(), "booking_confirmed", s.BookingConfirmed)
}

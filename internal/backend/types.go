// Package backend is the BackendClient: the HTTP boundary to the V2
// scheduling/CRM backend that the call pipeline consults for caller lookup,
// booking, callbacks, and sales-lead alerts. DTO shapes generalize a
// telephony-provider request/response abstraction down to just the four V2
// RPCs the scheduling backend actually exposes, plus ManageAppointment
// (added here to match the sibling endpoints' shape, since the backend
// otherwise routes appointment changes through a separate webhook).
package backend

import "context"

// CallerRef identifies the call a backend RPC is being made on behalf of,
// mirroring the call/args envelope every webhook.retell.* endpoint expects.
type CallerRef struct {
	CallID     string `json:"call_id,omitempty"`
	FromNumber string `json:"from_number"`
}

// LookupCallerRequest looks up caller history by phone number.
type LookupCallerRequest struct {
	Call CallerRef `json:"call"`
	Args struct{}  `json:"args"`
}

// LookupCallerResponse carries what the state machine needs to route LOOKUP
// into FOLLOW_UP, MANAGE_BOOKING, or SAFETY. The appointment is held in flat
// sibling fields decoded from the snake_case keys below (has_appointment,
// appointment_date, appointment_time, uid); a response that nests the
// appointment in its own object or uses camelCase keys is not decoded into
// these fields.
type LookupCallerResponse struct {
	Found           bool   `json:"found"`
	Message         string `json:"message,omitempty"`
	CustomerName    string `json:"customer_name,omitempty"`
	ZipCode         string `json:"zip_code,omitempty"`
	Address         string `json:"address,omitempty"`
	CallbackPromise string `json:"callback_promise,omitempty"`
	HasAppointment  bool   `json:"has_appointment"`
	AppointmentDate string `json:"appointment_date,omitempty"`
	AppointmentTime string `json:"appointment_time,omitempty"`
	AppointmentUID  string `json:"uid,omitempty"`
}

// BookServiceRequest books a new service appointment.
type BookServiceRequest struct {
	CustomerName     string `json:"customer_name"`
	CustomerPhone    string `json:"customer_phone"`
	IssueDescription string `json:"issue_description"`
	ServiceAddress   string `json:"service_address"`
	PreferredTime    string `json:"preferred_time"`
}

// BookServiceResponse reports booking success and the resulting appointment.
type BookServiceResponse struct {
	Booked              bool   `json:"booked"`
	BookingTime         string `json:"booking_time,omitempty"`
	ConfirmationMessage string `json:"confirmation_message,omitempty"`
	AppointmentID       string `json:"appointment_id,omitempty"`
	Error               string `json:"error,omitempty"`
}

// ManageAppointmentRequest reschedules or cancels an existing appointment.
type ManageAppointmentRequest struct {
	AppointmentUID string `json:"appointment_uid"`
	Action         string `json:"action"` // "reschedule" or "cancel"
	NewDate        string `json:"new_date,omitempty"`
	NewTime        string `json:"new_time,omitempty"`
}

// ManageAppointmentResponse reports the outcome of a reschedule/cancel.
type ManageAppointmentResponse struct {
	Success    bool   `json:"success"`
	ActionTaken string `json:"action_taken,omitempty"`
	NewDate    string `json:"new_date,omitempty"`
	NewTime    string `json:"new_time,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CreateCallbackRequest requests a human callback for the caller.
type CreateCallbackRequest struct {
	Call CallerRef `json:"call"`
	Args struct {
		CallbackType      string `json:"callback_type"`
		ExecutionMessage  string `json:"execution_message"`
	} `json:"args"`
}

// CreateCallbackResponse reports whether the callback was recorded.
type CreateCallbackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SendSalesLeadAlertRequest flags a high-ticket lead for the sales team.
type SendSalesLeadAlertRequest struct {
	Call CallerRef `json:"call"`
	Args struct {
		ExecutionMessage string `json:"execution_message"`
	} `json:"args"`
}

// SendSalesLeadAlertResponse reports whether the alert was delivered.
type SendSalesLeadAlertResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client is the set of V2 backend RPCs the call pipeline depends on.
type Client interface {
	LookupCaller(ctx context.Context, req LookupCallerRequest) (*LookupCallerResponse, error)
	BookService(ctx context.Context, req BookServiceRequest) (*BookServiceResponse, error)
	ManageAppointment(ctx context.Context, req ManageAppointmentRequest) (*ManageAppointmentResponse, error)
	CreateCallback(ctx context.Context, req CreateCallbackRequest) (*CreateCallbackResponse, error)
	SendSalesLeadAlert(ctx context.Context, req SendSalesLeadAlertRequest) (*SendSalesLeadAlertResponse, error)
}

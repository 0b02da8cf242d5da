package postcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hvac-dispatch/callvox/internal/domain"
	"github.com/hvac-dispatch/callvox/internal/infra/config"
)

// webhookRetryDelay is the one retry-after-failure delay allowed for
// job/call webhook delivery before giving up.
const webhookRetryDelay = 2 * time.Second

// WebhookClient is the HTTP boundary to the three dashboard webhooks
// (jobs, calls, emergency alerts), sharing one secret header and one
// *http.Client instance across all three.
type WebhookClient struct {
	jobsURL   string
	callsURL  string
	alertsURL string
	secret    string
	http      *http.Client
}

// NewWebhookClient builds a WebhookClient from DashboardConfig, timing out
// each POST at the dashboard's 15s delivery budget.
func NewWebhookClient(cfg config.DashboardConfig) *WebhookClient {
	return &WebhookClient{
		jobsURL:   cfg.JobsURL,
		callsURL:  cfg.CallsURL,
		alertsURL: cfg.AlertsURL,
		secret:    cfg.Secret,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// JobResponse carries the linking ids the call payload embeds.
type JobResponse struct {
	Success bool   `json:"success"`
	LeadID  string `json:"lead_id,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// genericResponse is the shape returned by the calls and alerts webhooks,
// which don't hand back linking ids.
type genericResponse struct {
	Success bool `json:"success"`
}

// SendJob POSTs the job/lead payload with one retry after webhookRetryDelay
// on any non-2xx response or transport error.
func (c *WebhookClient) SendJob(ctx context.Context, payload JobPayload) (*JobResponse, error) {
	var resp JobResponse
	err := c.postWithRetry(ctx, "postcall.SendJob", c.jobsURL, payload, &resp)
	return &resp, err
}

// SendCall POSTs the call-record payload with the same retry policy.
func (c *WebhookClient) SendCall(ctx context.Context, payload CallPayload) (bool, error) {
	var resp genericResponse
	err := c.postWithRetry(ctx, "postcall.SendCall", c.callsURL, payload, &resp)
	return resp.Success, err
}

// SendEmergencyAlert POSTs the emergency alert payload with the same
// retry policy.
func (c *WebhookClient) SendEmergencyAlert(ctx context.Context, payload EmergencyAlertPayload) (bool, error) {
	var resp genericResponse
	err := c.postWithRetry(ctx, "postcall.SendEmergencyAlert", c.alertsURL, payload, &resp)
	return resp.Success, err
}

// postWithRetry performs one POST, retrying exactly once after
// webhookRetryDelay on failure. A malformed request
// (no URL configured, unmarshalable body) fails the same way on any
// attempt, so it is not worth the delay — only delivery failures retry.
// Both attempts carry the same idempotency key so a dashboard that already
// processed the first attempt's delivery can discard the retry instead of
// double-booking a job.
func (c *WebhookClient) postWithRetry(ctx context.Context, op, url string, body, out any) error {
	idemKey := generateULID(time.Now())

	err := c.post(ctx, url, body, out, idemKey)
	if err == nil {
		return nil
	}
	if domain.ErrorCodeOf(err) == domain.CodeWebhookSignature {
		return err
	}

	select {
	case <-time.After(webhookRetryDelay):
	case <-ctx.Done():
		return domain.NewSubSystemError("webhook", op, domain.ErrTimeout, ctx.Err().Error())
	}

	return c.post(ctx, url, body, out, idemKey)
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (c *WebhookClient) post(ctx context.Context, url string, body, out any, idemKey string) error {
	if url == "" {
		return domain.NewSubSystemError("webhook", "postcall.post", domain.ErrInvalidInput, "no url configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.NewSubSystemError("webhook", "postcall.post", domain.ErrInvalidInput, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.NewSubSystemError("webhook", "postcall.post", domain.ErrInvalidInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", c.secret)
	req.Header.Set("X-Idempotency-Key", idemKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewSubSystemError("webhook", "postcall.post", domain.ErrTimeout, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewSubSystemError("webhook", "postcall.post", domain.ErrProviderError, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewSubSystemError("webhook", "postcall.post", domain.ErrProviderError,
			fmt.Sprintf("status %d: %s", resp.StatusCode, string(data)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return domain.NewSubSystemError("webhook", "postcall.post", domain.ErrProviderError, err.Error())
		}
	}
	return nil
}

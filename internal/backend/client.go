package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hvac-dispatch/callvox/internal/breaker"
	"github.com/hvac-dispatch/callvox/internal/domain"
	"github.com/hvac-dispatch/callvox/internal/infra/config"
)

const (
	pathLookupCaller      = "/webhook/retell/lookup_caller"
	pathBookService        = "/api/retell/book-service"
	pathManageAppointment  = "/webhook/retell/manage_appointment"
	pathCreateCallback     = "/webhook/retell/create_callback"
	pathSendSalesLeadAlert = "/webhook/retell/send_sales_lead_alert"
)

// HTTPClient is the Client implementation that talks to the V2 backend over
// HTTP, pooled and circuit-breaker-gated the same way every outbound LLM
// provider in this codebase is, through the shared internal/breaker facade
// rather than a one-off gobreaker instance per caller.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// NewHTTPClient builds a backend Client from config, with a pooled transport
// and a breaker tuned to sane production defaults for a dependency this
// latency-sensitive.
func NewHTTPClient(cfg config.BackendConfig, logger *slog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Transport: transport, Timeout: timeout},
		breaker: breaker.New("backend", breaker.Config{}, logger),
		logger:  logger,
	}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) LookupCaller(ctx context.Context, req LookupCallerRequest) (*LookupCallerResponse, error) {
	var resp LookupCallerResponse
	if err := c.call(ctx, pathLookupCaller, req, &resp); err != nil {
		return &LookupCallerResponse{Found: false, Message: "Lookup failed — proceeding without history."}, err
	}
	return &resp, nil
}

func (c *HTTPClient) BookService(ctx context.Context, req BookServiceRequest) (*BookServiceResponse, error) {
	var resp BookServiceResponse
	if err := c.call(ctx, pathBookService, req, &resp); err != nil {
		return &BookServiceResponse{Booked: false, Error: err.Error()}, err
	}
	return &resp, nil
}

func (c *HTTPClient) ManageAppointment(ctx context.Context, req ManageAppointmentRequest) (*ManageAppointmentResponse, error) {
	var resp ManageAppointmentResponse
	if err := c.call(ctx, pathManageAppointment, req, &resp); err != nil {
		return &ManageAppointmentResponse{Success: false, Error: err.Error()}, err
	}
	return &resp, nil
}

func (c *HTTPClient) CreateCallback(ctx context.Context, req CreateCallbackRequest) (*CreateCallbackResponse, error) {
	var resp CreateCallbackResponse
	if err := c.call(ctx, pathCreateCallback, req, &resp); err != nil {
		return &CreateCallbackResponse{Success: false, Error: err.Error()}, err
	}
	return &resp, nil
}

func (c *HTTPClient) SendSalesLeadAlert(ctx context.Context, req SendSalesLeadAlertRequest) (*SendSalesLeadAlertResponse, error) {
	var resp SendSalesLeadAlertResponse
	if err := c.call(ctx, pathSendSalesLeadAlert, req, &resp); err != nil {
		return &SendSalesLeadAlertResponse{Success: false, Error: err.Error()}, err
	}
	return &resp, nil
}

// call performs one breaker-gated JSON POST against path, decoding the
// response body into out on success.
func (c *HTTPClient) call(ctx context.Context, path string, body, out any) error {
	return c.breaker.Run(func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return domain.NewSubSystemError("backend", path, domain.ErrInvalidInput, err.Error())
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return domain.NewSubSystemError("backend", path, domain.ErrInvalidInput, err.Error())
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			c.logger.Error("backend request failed", "path", path, "error", err)
			return domain.NewSubSystemError("backend", path, domain.ErrTimeout, err.Error())
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return domain.NewSubSystemError("backend", path, domain.ErrProviderError, err.Error())
		}

		if resp.StatusCode >= 400 {
			return domain.NewSubSystemError("backend", path, domain.ErrProviderError,
				fmt.Sprintf("status %d: %s", resp.StatusCode, string(data)))
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return domain.NewSubSystemError("backend", path, domain.ErrProviderError, err.Error())
			}
		}
		return nil
	})
}

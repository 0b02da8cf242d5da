package backend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvac-dispatch/callvox/internal/infra/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestHTTPClient_LookupCaller_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathLookupCaller, r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		_ = json.NewEncoder(w).Encode(LookupCallerResponse{Found: true, CustomerName: "Jane Doe"})
	}))
	defer srv.Close()

	c := NewHTTPClient(config.BackendConfig{BaseURL: srv.URL, APIKey: "test-key"}, testLogger())
	resp, err := c.LookupCaller(t.Context(), LookupCallerRequest{Call: CallerRef{FromNumber: "+15551234567"}})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, "Jane Doe", resp.CustomerName)
}

func TestHTTPClient_LookupCaller_FailureReturnsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.BackendConfig{BaseURL: srv.URL}, testLogger())
	resp, err := c.LookupCaller(t.Context(), LookupCallerRequest{Call: CallerRef{FromNumber: "+15551234567"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.Found)
	assert.Equal(t, "Lookup failed — proceeding without history.", resp.Message)
}

func TestHTTPClient_BookService_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req BookServiceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Jane Doe", req.CustomerName)
		_ = json.NewEncoder(w).Encode(BookServiceResponse{Booked: true, AppointmentID: "job-123"})
	}))
	defer srv.Close()

	c := NewHTTPClient(config.BackendConfig{BaseURL: srv.URL}, testLogger())
	resp, err := c.BookService(t.Context(), BookServiceRequest{CustomerName: "Jane Doe"})
	require.NoError(t, err)
	assert.True(t, resp.Booked)
	assert.Equal(t, "job-123", resp.AppointmentID)
}

func TestHTTPClient_ManageAppointment_Reschedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathManageAppointment, r.URL.Path)
		_ = json.NewEncoder(w).Encode(ManageAppointmentResponse{Success: true, ActionTaken: "reschedule", NewDate: "2026-08-01", NewTime: "14:00"})
	}))
	defer srv.Close()

	c := NewHTTPClient(config.BackendConfig{BaseURL: srv.URL}, testLogger())
	resp, err := c.ManageAppointment(t.Context(), ManageAppointmentRequest{AppointmentUID: "job-123", Action: "reschedule", NewDate: "2026-08-01", NewTime: "14:00"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "reschedule", resp.ActionTaken)
}

func TestHTTPClient_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.BackendConfig{BaseURL: srv.URL}, testLogger())
	for i := 0; i < 3; i++ {
		_, _ = c.CreateCallback(t.Context(), CreateCallbackRequest{})
	}
	before := hits
	_, err := c.CreateCallback(t.Context(), CreateCallbackRequest{})
	require.Error(t, err)
	assert.Equal(t, before, hits, "breaker should fail fast without reaching the server")
}

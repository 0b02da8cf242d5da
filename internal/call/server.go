package call

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hvac-dispatch/callvox/internal/infra/config"
	"github.com/hvac-dispatch/callvox/internal/infra/middleware"
	"github.com/hvac-dispatch/callvox/internal/media"
	"github.com/hvac-dispatch/callvox/internal/telephony"
)

const webhookMaxBodySize = 1 << 20 // 1 MiB

// ServerConfig configures Server's HTTP surface.
type ServerConfig struct {
	Addr              string
	WebhookPath       string
	StreamPath        string
	PublicURL         string // external base URL, used to rebuild the signed webhook URL and the wss:// stream URL
	TwilioAuthToken   string
	SkipVerify        bool // dev-only: skip Twilio signature verification
	MaxConcurrentCall int
}

// Server is the HTTP admin surface: it answers the carrier's inbound-call
// webhook with TwiML pointing at the media-stream endpoint, then accepts
// that WebSocket and hands it to a new Call. Status callbacks aren't handled
// here since they have no effect on a stateless, already-ended Call.
type Server struct {
	cfg  ServerConfig
	deps Deps

	httpSrv   *http.Server
	boundAddr string

	sem chan struct{} // bounds concurrent calls to cfg.MaxConcurrentCall

	mu    sync.Mutex
	calls map[string]*Call
}

// NewServer builds a Server. deps is shared, read-only across every
// accepted call.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	if cfg.MaxConcurrentCall <= 0 {
		cfg.MaxConcurrentCall = 8
	}
	return &Server{
		cfg:   cfg,
		deps:  deps,
		sem:   make(chan struct{}, cfg.MaxConcurrentCall),
		calls: make(map[string]*Call),
	}
}

// FromConfig adapts the static YAML/env configuration into a ServerConfig.
func FromConfig(tel config.TelephonyConfig, call config.CallConfig) ServerConfig {
	return ServerConfig{
		Addr:              tel.WebhookAddr,
		WebhookPath:       tel.WebhookPath,
		StreamPath:        tel.StreamPath,
		PublicURL:         tel.WebhookAddr,
		TwilioAuthToken:   tel.TwilioAuthToken,
		SkipVerify:        tel.WebhookSkipVerify,
		MaxConcurrentCall: call.MaxConcurrent,
	}
}

// Start begins serving the inbound webhook and media-stream endpoints,
// shutting down when ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	webhookHandler := middleware.RateLimit(ctx, 120, 30)(http.HandlerFunc(s.handleWebhook))

	mux := http.NewServeMux()
	mux.Handle(s.cfg.WebhookPath, webhookHandler)
	mux.HandleFunc(s.cfg.StreamPath, s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealth)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("call server listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           middleware.SecurityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.deps.Logger.Info("call server started", "addr", s.boundAddr)
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.deps.Logger.Error("call server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	return nil
}

// Stop closes every in-flight call and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	for id, c := range s.calls {
		c.Close()
		delete(s.calls, id)
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}
}

// BoundAddr reports the address the server is listening on.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWebhook answers the carrier's inbound-call POST with TwiML
// connecting to the media stream. A signature mismatch yields 403 so the
// carrier retries nothing and no call is ever established on a spoofed
// request.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookMaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !s.cfg.SkipVerify {
		fullURL := s.cfg.PublicURL + r.URL.Path
		sig := r.Header.Get("X-Twilio-Signature")
		if err := telephony.VerifySignature(s.cfg.TwilioAuthToken, fullURL, body, sig); err != nil {
			s.deps.Logger.Warn("webhook signature verification failed", "error", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	streamURL := s.cfg.PublicURL + s.cfg.StreamPath
	twiml := telephony.ConnectStreamTwiML(streamURL)

	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(twiml))
}

// handleStream upgrades to the media-stream WebSocket and runs one Call to
// completion. A full semaphore rejects the connection outright rather than
// queuing it, since a caller already waiting on hold gets no benefit from a
// media stream that starts late.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.sem }()

	transport, err := media.Accept(w, r, s.deps.Logger)
	if err != nil {
		s.deps.Logger.Warn("media accept failed", "error", err)
		return
	}

	c := New(r.Context(), transport, s.deps)

	s.mu.Lock()
	s.calls[c.ID()] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.calls, c.ID())
		s.mu.Unlock()
	}()

	if err := c.Run(r.Context()); err != nil {
		s.deps.Logger.Info("call ended", "call_id", c.ID(), "error", err)
	}
}

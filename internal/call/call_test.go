package call

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/hvac-dispatch/callvox/internal/backend"
	"github.com/hvac-dispatch/callvox/internal/dialog"
	"github.com/hvac-dispatch/callvox/internal/infra/config"
	"github.com/hvac-dispatch/callvox/internal/media"
	"github.com/hvac-dispatch/callvox/internal/postcall"
	"github.com/hvac-dispatch/callvox/internal/tts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTools is a minimal backend.Client stub; only BookService and
// LookupCaller return scripted data, the rest just succeed.
type fakeTools struct{}

func (fakeTools) LookupCaller(ctx context.Context, req backend.LookupCallerRequest) (*backend.LookupCallerResponse, error) {
	return &backend.LookupCallerResponse{Found: false}, nil
}
func (fakeTools) BookService(ctx context.Context, req backend.BookServiceRequest) (*backend.BookServiceResponse, error) {
	return &backend.BookServiceResponse{Booked: true, BookingTime: "Tuesday 2pm", AppointmentID: "A1"}, nil
}
func (fakeTools) ManageAppointment(ctx context.Context, req backend.ManageAppointmentRequest) (*backend.ManageAppointmentResponse, error) {
	return &backend.ManageAppointmentResponse{Success: true}, nil
}
func (fakeTools) CreateCallback(ctx context.Context, req backend.CreateCallbackRequest) (*backend.CreateCallbackResponse, error) {
	return &backend.CreateCallbackResponse{Success: true}, nil
}
func (fakeTools) SendSalesLeadAlert(ctx context.Context, req backend.SendSalesLeadAlertRequest) (*backend.SendSalesLeadAlertResponse, error) {
	return &backend.SendSalesLeadAlertResponse{Success: true}, nil
}

// fakeChatter scripts the main-conversation LLM turn.
type fakeChatter struct {
	reply string
	err   error
	calls int
}

func (f *fakeChatter) Chat(ctx context.Context, systemPrompt string, history []dialog.ConversationTurn) (string, error) {
	f.calls++
	return f.reply, f.err
}

// fakeScoped scripts the terminal-state scoped reply.
type fakeScoped struct{}

func (fakeScoped) ScopedReply(ctx context.Context, systemPrompt, userText string) (string, error) {
	return "", nil
}

// fakeTTS streams back one fixed PCM chunk per request.
type fakeTTS struct {
	pcm []byte
	err error
}

func (f *fakeTTS) Name() string { return "fake-tts" }
func (f *fakeTTS) SynthesizeStream(ctx context.Context, req tts.SynthesizeRequest) (<-chan tts.AudioChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan tts.AudioChunk, 1)
	ch <- tts.AudioChunk{PCM: f.pcm}
	close(ch)
	return ch, nil
}

// fakeSTTSession never produces transcripts until closed.
type fakeSTTSession struct {
	transcripts chan tts.TranscriptChunk
	closed      chan struct{}
}

func newFakeSTTSession() *fakeSTTSession {
	return &fakeSTTSession{transcripts: make(chan tts.TranscriptChunk), closed: make(chan struct{})}
}
func (s *fakeSTTSession) SendAudio(data []byte) error { return nil }
func (s *fakeSTTSession) Transcripts() <-chan tts.TranscriptChunk {
	return s.transcripts
}
func (s *fakeSTTSession) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
		close(s.transcripts)
	}
	return nil
}

type fakeSTTProvider struct {
	session *fakeSTTSession
}

func (p *fakeSTTProvider) Name() string { return "fake-stt" }
func (p *fakeSTTProvider) StartSession(ctx context.Context, cfg tts.STTSessionConfig) (tts.STTSession, error) {
	return p.session, nil
}

// acceptTestTransport spins up a WebSocket server, performs the carrier
// start handshake against it, and returns the resulting Transport alongside
// the client-side connection so a test can observe outbound frames.
func acceptTestTransport(t *testing.T) (*media.Transport, *websocket.Conn, func()) {
	t.Helper()
	result := make(chan *media.Transport, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := media.Accept(w, r, testLogger())
		if err == nil {
			result <- tr
		}
	}))

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)

	type startPayload struct {
		StreamSID string `json:"streamSid"`
		CallSID   string `json:"callSid"`
	}
	msg := map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start":     startPayload{StreamSID: "MZ1", CallSID: "CA1"},
	}
	data, _ := json.Marshal(msg)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	var transport *media.Transport
	select {
	case transport = <-result:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transport handshake")
	}

	cleanup := func() {
		conn.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
	return transport, conn, cleanup
}

func testDeps(t *testing.T, chat *fakeChatter, ttsProvider tts.Provider, sttSession *fakeSTTSession) Deps {
	t.Helper()
	webhook := postcall.NewWebhookClient(config.DashboardConfig{})
	return Deps{
		Machine:       dialog.NewStateMachine(testLogger()),
		Tools:         fakeTools{},
		Extractor:     nil,
		Chat:          chat,
		Scoped:        fakeScoped{},
		TTS:           ttsProvider,
		STT:           &fakeSTTProvider{session: sttSession},
		PostCall:      postcall.NewPipeline(webhook, "dispatch@example.com", testLogger()),
		Logger:        testLogger(),
		Voice:         "alloy",
		TTSSampleRate: 24000,
	}
}

func TestNew_UsesTransportCallSIDAsCallID(t *testing.T) {
	transport, _, cleanup := acceptTestTransport(t)
	defer cleanup()

	deps := testDeps(t, &fakeChatter{}, &fakeTTS{}, newFakeSTTSession())
	c := New(context.Background(), transport, deps)

	assert.Equal(t, "CA1", c.ID())
}

func TestSpeak_EmptyTextIsNoop(t *testing.T) {
	transport, _, cleanup := acceptTestTransport(t)
	defer cleanup()

	deps := testDeps(t, &fakeChatter{}, &fakeTTS{}, newFakeSTTSession())
	c := New(context.Background(), transport, deps)

	err := c.Speak(context.Background(), "   ")
	require.NoError(t, err)
}

func TestSpeak_StreamsResampledFramesToTransport(t *testing.T) {
	transport, conn, cleanup := acceptTestTransport(t)
	defer cleanup()

	// 24kHz silence, long enough to resample down into at least one 8kHz
	// 160-byte outbound frame.
	pcm := make([]byte, 4800)
	deps := testDeps(t, &fakeChatter{}, &fakeTTS{pcm: pcm}, newFakeSTTSession())
	c := New(context.Background(), transport, deps)

	require.NoError(t, c.Speak(context.Background(), "hello there"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg struct {
		Event string `json:"event"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "media", msg.Event)
}

func TestPushTurn_RunsChatAndRecordsReply(t *testing.T) {
	transport, conn, cleanup := acceptTestTransport(t)
	defer cleanup()

	chat := &fakeChatter{reply: "we can get someone out tomorrow"}
	deps := testDeps(t, chat, &fakeTTS{pcm: make([]byte, 4800)}, newFakeSTTSession())
	c := New(context.Background(), transport, deps)

	c.PushTurn(context.Background(), "my ac is broken")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, chat.calls)
	assert.Contains(t, c.processor.ConversationSnapshot(), dialog.ConversationTurn{Role: "assistant", Content: "we can get someone out tomorrow"})
}

func TestPushTurn_LLMFailureDoesNotPanic(t *testing.T) {
	transport, _, cleanup := acceptTestTransport(t)
	defer cleanup()

	chat := &fakeChatter{err: assertError("boom")}
	deps := testDeps(t, chat, &fakeTTS{}, newFakeSTTSession())
	c := New(context.Background(), transport, deps)

	c.PushTurn(context.Background(), "hello")
	time.Sleep(50 * time.Millisecond) // let the turn's goroutine finish
	assert.Equal(t, 1, chat.calls)
}

func TestEndCall_ImmediateClosesTransport(t *testing.T) {
	transport, conn, cleanup := acceptTestTransport(t)
	defer cleanup()

	deps := testDeps(t, &fakeChatter{}, &fakeTTS{}, newFakeSTTSession())
	c := New(context.Background(), transport, deps)

	c.EndCall(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "transport should be closed after an immediate EndCall")
}

func TestEndCall_CancelsEarlierScheduledEnd(t *testing.T) {
	transport, conn, cleanup := acceptTestTransport(t)
	defer cleanup()

	deps := testDeps(t, &fakeChatter{}, &fakeTTS{}, newFakeSTTSession())
	c := New(context.Background(), transport, deps)

	c.EndCall(500 * time.Millisecond)
	c.EndCall(0) // supersedes the delayed end; should close right away

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

func TestClose_StopsPendingEndTimer(t *testing.T) {
	transport, _, cleanup := acceptTestTransport(t)
	defer cleanup()

	deps := testDeps(t, &fakeChatter{}, &fakeTTS{}, newFakeSTTSession())
	c := New(context.Background(), transport, deps)

	c.EndCall(time.Minute)
	c.Close() // must not panic, and must stop the minute-long timer

	require.NotNil(t, c.endTimer)
	assert.False(t, c.endTimer.Stop(), "Close should already have stopped the end timer")
}

type assertError string

func (e assertError) Error() string { return string(e) }

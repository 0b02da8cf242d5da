// Package call assembles the Pipeline orchestrator: the "Call" type that
// exclusively owns one inbound call's Transport, Session, DialogProcessor,
// TTSFallback, and BackendClient for its lifetime (WebSocket accept to
// final webhook POST). TTS synthesis streams into the outbound send queue
// off the caller's goroutine so a slow provider never blocks the dialog
// loop.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hvac-dispatch/callvox/internal/backend"
	"github.com/hvac-dispatch/callvox/internal/dialog"
	"github.com/hvac-dispatch/callvox/internal/domain"
	"github.com/hvac-dispatch/callvox/internal/infra/tracer"
	"github.com/hvac-dispatch/callvox/internal/media"
	"github.com/hvac-dispatch/callvox/internal/postcall"
	"github.com/hvac-dispatch/callvox/internal/tts"
)

// carrierSampleRate is the 8kHz mu-law rate every carrier media stream
// speaks.
const carrierSampleRate = 8000

// Chatter drives one turn of the main conversation. Implemented by
// internal/llm.Client; kept as an interface here so Call doesn't import a
// concrete HTTP client.
type Chatter interface {
	Chat(ctx context.Context, systemPrompt string, history []dialog.ConversationTurn) (string, error)
}

// Deps are the process-wide, immutable-after-init collaborators every Call
// shares: the StateMachine tables, the backend/LLM/TTS/STT clients (each
// internally breaker-gated where an outbound dependency can fail), and the
// post-call pipeline. One Deps is built once in cmd/callvoxd and handed to
// every accepted call.
type Deps struct {
	Machine   *dialog.StateMachine
	Tools     backend.Client
	Extractor dialog.Extractor
	Chat      Chatter
	Scoped    dialog.LLM
	TTS       tts.Provider
	STT       tts.STTProvider
	PostCall  *postcall.Pipeline
	Logger    *slog.Logger

	Voice         string
	TTSSampleRate int // the synthesizer's native output rate, e.g. 24000
}

// Call is one inbound conversation, alive from WebSocket accept to the
// final post-call webhook POST. It implements dialog.Pipeline so the
// DialogProcessor can drive it without knowing about audio or the LLM
// transport.
type Call struct {
	id        string
	deps      Deps
	transport *media.Transport
	session   *dialog.Session
	processor *dialog.Processor
	resampler *media.StreamResampler

	sttSession tts.STTSession

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	outBuf   *media.RingBuffer
	endOnce  sync.Once
	endTimer *time.Timer
}

var _ dialog.Pipeline = (*Call)(nil)

// New builds a Call around an already-accepted Transport. callerNumber and
// the transport's CallSID/StreamSID are already populated by media.Accept's
// start-handshake parse.
func New(parent context.Context, transport *media.Transport, deps Deps) *Call {
	ctx, cancel := context.WithCancel(parent)

	callID := transport.CallSID
	if callID == "" {
		callID = uuid.NewString()
	}

	session := dialog.NewSession(callID, transport.CallerNumber, time.Now())

	c := &Call{
		id:        callID,
		deps:      deps,
		transport: transport,
		session:   session,
		resampler: media.NewStreamResampler(),
		ctx:       ctx,
		cancel:    cancel,
		outBuf:    media.NewRingBuffer(64 * 1024),
	}
	c.processor = dialog.NewProcessor(session, deps.Machine, deps.Tools, deps.Extractor, deps.Scoped, c, deps.Logger)
	return c
}

// ID reports the call's correlation id, used for logging and the jobs
// backend's CallerRef.
func (c *Call) ID() string { return c.id }

// Run starts the STT session and blocks in the transport's read loop until
// the carrier disconnects, an error occurs, or ctx is canceled. It always
// runs the post-call pipeline exactly once before returning: any
// background extraction still in flight is orphaned, but the call-ending
// sequence itself always completes.
func (c *Call) Run(ctx context.Context) error {
	defer c.runPostCall()
	defer func() {
		c.mu.Lock()
		if c.endTimer != nil {
			c.endTimer.Stop()
		}
		c.mu.Unlock()
		c.cancel()
	}()

	sttSession, err := c.deps.STT.StartSession(c.ctx, tts.STTSessionConfig{
		Model:      "default",
		SampleRate: carrierSampleRate,
		Encoding:   "mulaw",
	})
	if err != nil {
		c.deps.Logger.Error("stt session start failed", "call_id", c.id, "error", err)
		return domain.NewSubSystemError("stt", "Call.Run", domain.ErrUnavailable, err.Error())
	}
	c.sttSession = sttSession
	defer sttSession.Close()

	go c.readTranscripts(sttSession)

	runErr := c.transport.Run(ctx, c.onMedia, c.onUtteranceMark)
	return runErr
}

// onMedia forwards one decoded inbound PCM frame to the STT session. A
// malformed or unsendable frame is dropped and the stream continues — STT
// itself applies VAD to decide utterance boundaries, so the transport
// layer does no buffering here.
func (c *Call) onMedia(frame media.Frame) {
	mulaw := media.LinearBufToMulaw(frame.PCM)
	if err := c.sttSession.SendAudio(mulaw); err != nil {
		c.deps.Logger.Debug("stt send failed", "call_id", c.id, "error", err)
	}
}

// onUtteranceMark handles the carrier's playback-mark event. The state
// machine's own turn logic is keyed off STT finality, not this signal; it
// exists only as a hook for future barge-in-on-mark behavior.
func (c *Call) onUtteranceMark() {}

// readTranscripts pumps final STT transcripts into the DialogProcessor, one
// at a time, preserving arrival order.
func (c *Call) readTranscripts(session tts.STTSession) {
	for chunk := range session.Transcripts() {
		if chunk.Err != nil {
			c.deps.Logger.Warn("stt transcript error", "call_id", c.id, "error", chunk.Err)
			continue
		}
		if !chunk.IsFinal || strings.TrimSpace(chunk.Text) == "" {
			continue
		}

		ctx, span := tracer.StartSpan(c.ctx, "dialog.handle_transcription")
		span.SetAttributes(tracer.StringAttr("call_id", c.id))
		c.processor.HandleTranscription(ctx, chunk.Text)
		span.End()
	}
}

// Speak implements dialog.Pipeline: synthesize text and stream it to the
// carrier without blocking the caller (the DialogProcessor calls this
// synchronously from its single serialization point). It returns as soon
// as synthesis is kicked off rather than waiting for playback to finish.
func (c *Call) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	go c.speak(ctx, text)
	return nil
}

func (c *Call) speak(ctx context.Context, text string) {
	ctx, span := tracer.StartSpan(ctx, "tts.speak")
	span.SetAttributes(tracer.StringAttr("call_id", c.id))
	defer span.End()

	chunks, err := c.deps.TTS.SynthesizeStream(ctx, tts.SynthesizeRequest{
		Text:       text,
		Voice:      c.deps.Voice,
		SampleRate: c.deps.TTSSampleRate,
	})
	if err != nil {
		tracer.RecordError(span, err)
		c.deps.Logger.Warn("tts synthesis failed to start", "call_id", c.id, "error", err)
		return
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			tracer.RecordError(span, chunk.Err)
			c.deps.Logger.Warn("tts stream error, turn ends silent", "call_id", c.id, "error", chunk.Err)
			return
		}
		pcm8k := c.resampler.Resample(chunk.PCM, c.deps.TTSSampleRate, carrierSampleRate)
		mulaw := media.LinearBufToMulaw(pcm8k)
		c.sendFramed(mulaw)
	}
	tracer.SetOK(span)
}

// sendFramed accumulates mu-law bytes in the ring buffer and flushes
// complete 160-byte/20ms frames to the transport, so variable-sized TTS
// chunks still reach the carrier as the carrier's own fixed frame size,
// with only the final short tail of an utterance ever under-sized.
func (c *Call) sendFramed(mulaw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outBuf.Write(mulaw)
	for c.outBuf.Len() >= media.FrameBytes {
		c.transport.Send(c.outBuf.Read(media.FrameBytes))
	}
}

// flushOutBuf sends whatever partial frame remains buffered, for the tail
// of an utterance.
func (c *Call) flushOutBuf() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outBuf.Len() > 0 {
		c.transport.Send(c.outBuf.Read(c.outBuf.Len()))
	}
}

// PushTurn implements dialog.Pipeline: drives one turn of the main
// conversation LLM and speaks its reply. Runs off the caller's goroutine so
// HandleTranscription's single serialization point is never blocked on an
// LLM round-trip — I/O suspends a goroutine, never the state machine
// itself.
func (c *Call) PushTurn(ctx context.Context, text string) {
	c.processor.AppendUserTurn(text)
	go c.runTurn(ctx, text)
}

func (c *Call) runTurn(ctx context.Context, _ string) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat")
	span.SetAttributes(tracer.StringAttr("call_id", c.id), tracer.StringAttr("state", c.processor.State().String()))
	defer span.End()

	prompt := dialog.PromptFor(c.session)
	reply, err := c.deps.Chat.Chat(ctx, prompt, c.processor.ConversationSnapshot())
	if err != nil {
		tracer.RecordError(span, err)
		c.deps.Logger.Warn("main llm turn failed", "call_id", c.id, "error", err)
		c.processor.HandleLLMFailure(ctx)
		return
	}

	c.processor.RecordAssistantReply(reply)
	c.flushOutBuf()
	if err := c.Speak(ctx, reply); err != nil {
		tracer.RecordError(span, err)
	}
}

// EndCall implements dialog.Pipeline: tears the call down after delay (0
// for immediate), canceling any earlier-scheduled end so only the most
// recent request governs. A WebSocket disconnect cancels this timer too:
// Run stops it when the transport's read loop returns, and Close does the
// same.
func (c *Call) EndCall(delay time.Duration) {
	c.mu.Lock()
	if c.endTimer != nil {
		c.endTimer.Stop()
	}
	if delay <= 0 {
		c.mu.Unlock()
		c.doEnd()
		return
	}
	c.endTimer = time.AfterFunc(delay, c.doEnd)
	c.mu.Unlock()
}

func (c *Call) doEnd() {
	c.flushOutBuf()
	c.transport.Close()
}

// runPostCall executes the post-call sequence exactly once, using a fresh
// background context since the call's own ctx is canceled by the time Run
// returns. It is wrapped in a recover so a panic in one call's wind-down
// can never escalate to the process or affect any other concurrent call.
func (c *Call) runPostCall() {
	c.endOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				c.deps.Logger.Error("post-call pipeline panicked", "call_id", c.id, "panic", fmt.Sprint(r))
			}
		}()

		c.processor.FlushAgentResponses()

		pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		spanCtx, span := tracer.StartSpan(pctx, "postcall.run")
		span.SetAttributes(tracer.StringAttr("call_id", c.id), tracer.StringAttr("final_state", c.session.State.String()))
		defer span.End()

		c.deps.PostCall.Run(spanCtx, c.session, c.session.StartedAt, time.Now())
	})
}

// Close tears the call down immediately, canceling its context and
// stopping any pending delayed-end timer. A post-tool debounce already
// buffering in the DialogProcessor is not canceled: its timer still fires
// and pushes the buffered turn.
func (c *Call) Close() {
	c.mu.Lock()
	if c.endTimer != nil {
		c.endTimer.Stop()
	}
	c.mu.Unlock()
	c.cancel()
	c.transport.Close()
}

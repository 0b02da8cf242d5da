package dialog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hvac-dispatch/callvox/internal/backend"
)

// Timing constants governing terminal replies, background extraction, and
// delayed call teardown.
const (
	TerminalReplyTimeout = 2 * time.Second
	ExtractionTimeout    = 10 * time.Second
	DelayedEndDuration   = 3 * time.Second
)

// extractionStates are the data-collection states background extraction
// runs in.
var extractionStates = map[State]bool{
	StateServiceArea: true,
	StateDiscovery:   true,
	StateUrgency:     true,
	StatePreConfirm:  true,
}

// LLM is the scoped-reply collaborator DialogProcessor calls for the single
// off-script terminal-state reply. The main
// conversational LLM turn is driven through Pipeline, not this interface —
// that call is long-running and streams audio, and belongs to the call
// orchestrator, not the deterministic processor.
type LLM interface {
	ScopedReply(ctx context.Context, systemPrompt, userText string) (string, error)
}

// Pipeline is the downstream collaborator DialogProcessor drives: it owns
// immediate TTS playback, the live LLM conversation turn, and call
// teardown. One instance per call, implemented by the Call orchestrator
// (internal/call) that wires Transport, the LLM client, and TTSFallback
// together.
type Pipeline interface {
	// Speak synthesizes and plays text immediately — a canned line spoken
	// ahead of (or instead of) the LLM's own reply.
	Speak(ctx context.Context, text string) error
	// PushTurn sends text into the main LLM conversation turn. The LLM's
	// reply is synthesized via TTSFallback and recorded back into the
	// session through Processor.RecordAssistantReply once it completes.
	PushTurn(ctx context.Context, text string)
	// EndCall tears the call down after delay (0 for immediate).
	EndCall(delay time.Duration)
}

// Processor is the single serialization point for a call. It consumes
// transcription text, drives the StateMachine, invokes tools, manages
// post-tool debounce, enforces the terminal "at most one scoped reply"
// rule, and fires background field extraction — all without blocking the
// caller's next turn.
type Processor struct {
	session   *Session
	machine   *StateMachine
	tools     backend.Client
	extractor Extractor
	llm       LLM
	pipeline  Pipeline
	logger    *slog.Logger

	// mu serializes every Session/Conversation access across the three
	// goroutines that touch them: the transport's transcript-reading
	// goroutine (HandleTranscription), the LLM turn goroutine spawned by
	// PushTurn (RecordAssistantReply, AppendUserTurn, and on failure
	// HandleLLMFailure), and the background extraction goroutine. Without
	// it, an LLM round-trip that outlives its triggering turn races the
	// next turn's state-machine mutations.
	mu         sync.Mutex
	debouncer  *Debouncer
	debouncing bool
}

// NewProcessor builds a Processor for one call. extractor and llm may be
// nil (extraction and scoped terminal replies are then silently skipped),
// matching how a degraded deployment can run without those optional paths.
func NewProcessor(session *Session, machine *StateMachine, tools backend.Client, extractor Extractor, llm LLM, pipeline Pipeline, logger *slog.Logger) *Processor {
	p := &Processor{
		session:   session,
		machine:   machine,
		tools:     tools,
		extractor: extractor,
		llm:       llm,
		pipeline:  pipeline,
		logger:    logger,
	}
	p.debouncer = NewDebouncer(DebounceQuietWindow, DebounceMaxWindow, p.flushDebounce)
	return p
}

// HandleTranscription is the entry point for one STT transcription frame.
// It is not safe to call concurrently — the call's transport must serialize
// frames onto one goroutine, which is what makes this the call's single
// serialization point for transcription frames. The LLM turn goroutine
// PushTurn spawns (RecordAssistantReply and, on failure, HandleLLMFailure)
// is a second writer of the same Session, so every Session mutation here
// runs under p.mu too — except the narrow window of a PushTurn call itself,
// which synchronously calls back into AppendUserTurn and would deadlock on
// the same, non-reentrant mutex if held across it.
func (p *Processor) HandleTranscription(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	p.mu.Lock()

	p.captureAgentResponses()

	if p.debouncing {
		p.mu.Unlock()
		p.debouncer.Add(text)
		return
	}

	p.session.AppendTranscript("user", text)

	stateBeforeTool := p.session.State
	action := p.machine.Process(p.session, text)

	if action.Speak != "" {
		p.session.AppendTranscript("agent", action.Speak)
		_ = p.pipeline.Speak(ctx, action.Speak)
	}

	forceLLM := false
	if action.CallTool != "" {
		args := p.buildToolArgs(action.CallTool, action.ToolArgs)
		result := p.invokeTool(ctx, action.CallTool, args)
		p.session.AppendToolTranscript(action.CallTool, args, result)
		p.machine.HandleToolResult(p.session, action.CallTool, result)
		if p.session.State != stateBeforeTool {
			forceLLM = true
		}
	}

	if p.session.State.IsTerminal() {
		p.handleTerminal(ctx, text)
		p.mu.Unlock()
		return
	}

	if forceLLM {
		p.beginDebounce(text)
		p.mu.Unlock()
		return
	}

	if action.EndCall {
		needsLLM := action.NeedsLLM
		p.mu.Unlock()
		if needsLLM {
			p.pipeline.PushTurn(ctx, text)
			p.pipeline.EndCall(DelayedEndDuration)
		} else {
			p.pipeline.EndCall(0)
		}
		return
	}

	needsLLM := action.NeedsLLM
	if !needsLLM {
		// A pushed turn normally lets the conversation log capture the
		// user's text on its way to the LLM; skipping that push here would
		// silently drop it, so it's appended directly.
		p.session.Conversation = append(p.session.Conversation, ConversationTurn{Role: "user", Content: text})
	}
	shouldExtract := extractionStates[p.session.State]
	p.mu.Unlock()

	if needsLLM {
		p.pipeline.PushTurn(ctx, text)
	}
	if shouldExtract {
		p.runBackgroundExtraction(ctx)
	}
}

// RecordAssistantReply appends the LLM's reply to the conversation so the
// next turn's captureAgentResponses call can log it to the transcript. This
// is the only path assistant speech enters Session.Conversation — the
// pipeline's real-time audio stream bypasses the processor entirely.
func (p *Processor) RecordAssistantReply(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session.Conversation = append(p.session.Conversation, ConversationTurn{Role: "assistant", Content: text})
}

// AppendUserTurn appends a user message to the LLM-facing conversation. The
// pipeline calls this when it accepts a pushed turn, before the LLM
// round-trip that will answer it even starts.
func (p *Processor) AppendUserTurn(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session.Conversation = append(p.session.Conversation, ConversationTurn{Role: "user", Content: text})
}

// ConversationSnapshot returns a copy of the LLM-facing conversation so far,
// safe for the pipeline to read concurrently with background extraction and
// further appends.
func (p *Processor) ConversationSnapshot() []ConversationTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversationSnapshotLocked()
}

// conversationSnapshotLocked is ConversationSnapshot for callers that
// already hold p.mu (mu is not reentrant).
func (p *Processor) conversationSnapshotLocked() []ConversationTurn {
	return append([]ConversationTurn(nil), p.session.Conversation...)
}

// State reports the session's current dialog state, for the pipeline to
// build the next turn's system prompt.
func (p *Processor) State() State {
	return p.session.State
}

// HandleLLMFailure applies the main-LLM failure policy: not retried, the
// session is forced into CALLBACK with a callback created and the canned
// terminal script spoken once. Called by the pipeline's LLM turn goroutine
// when its main conversational LLM call errors or times out — a different
// goroutine than HandleTranscription's, so it takes p.mu itself rather than
// relying on the caller to serialize against the transcription-handling
// goroutine.
func (p *Processor) HandleLLMFailure(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Warn("main llm call failed, forcing callback", "call_id", p.session.CallID)

	p.session.Transition(StateCallback)
	p.session.TerminalReplyUsed = true // the LLM that would produce it just failed

	args := p.buildToolArgs("create_callback", nil)
	result := p.invokeTool(ctx, "create_callback", args)
	p.session.AppendToolTranscript("create_callback", args, result)
	p.machine.HandleToolResult(p.session, "create_callback", result)

	p.handleTerminal(ctx, "")
}

// FlushAgentResponses captures any assistant replies recorded since the
// last transcription turn. The call orchestrator calls this once at the
// start of post-call processing so a final reply recorded after the last
// HandleTranscription call still lands in the transcript dump.
func (p *Processor) FlushAgentResponses() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captureAgentResponses()
}

// captureAgentResponses scans Session.Conversation for assistant entries
// beyond the cursor and logs each to the transcript, setting
// AgentHasResponded so the turn-limit counter advances correctly. Callers
// must hold p.mu.
func (p *Processor) captureAgentResponses() {
	for p.session.ConversationCursor < len(p.session.Conversation) {
		turn := p.session.Conversation[p.session.ConversationCursor]
		p.session.ConversationCursor++
		if turn.Role == "assistant" {
			p.session.AppendTranscript("agent", turn.Content)
			p.session.AgentHasResponded = true
		}
	}
}

// beginDebounce enters post-tool buffer mode: text is the first fragment,
// further fragments arriving within the quiet window are concatenated, and
// the whole burst is pushed downstream as one synthetic turn once the
// debouncer fires.
func (p *Processor) beginDebounce(text string) {
	p.debouncing = true
	p.debouncer.Add(text)
}

// flushDebounce is the debouncer's fire callback: it pushes the
// concatenated burst downstream as a single turn, without re-running the
// state machine (the tool call that triggered debounce already advanced
// it).
func (p *Processor) flushDebounce(text string) {
	p.mu.Lock()
	p.debouncing = false
	p.mu.Unlock()
	p.pipeline.PushTurn(context.Background(), text)
}

// handleTerminal enforces at most one scoped LLM reply for the first
// off-script utterance in a terminal state, then the canned script, then a
// delayed call teardown.
func (p *Processor) handleTerminal(ctx context.Context, lastText string) {
	script, hasScript := terminalScripts[p.session.State]
	if !hasScript {
		p.pipeline.EndCall(DelayedEndDuration)
		return
	}

	if !p.session.TerminalReplyUsed {
		p.session.TerminalReplyUsed = true
		if reply := p.tryScopedReply(ctx, lastText); reply != "" {
			p.session.AppendTranscript("agent", reply)
			_ = p.pipeline.Speak(ctx, reply)
		}
	}

	p.session.AppendTranscript("agent", script)
	_ = p.pipeline.Speak(ctx, script)
	p.pipeline.EndCall(DelayedEndDuration)
}

// tryScopedReply asks the LLM for one short acknowledgment, rejecting
// anything that smuggles the caller back into booking language. Any
// failure (timeout, error, rejection) is silently dropped — a missing
// acknowledgment is never worse than a wrong one.
func (p *Processor) tryScopedReply(ctx context.Context, text string) string {
	if p.llm == nil {
		return ""
	}
	rctx, cancel := context.WithTimeout(ctx, TerminalReplyTimeout)
	defer cancel()

	reply, err := p.llm.ScopedReply(rctx, terminalScopedSystemPrompt, text)
	if err != nil {
		p.logger.Warn("scoped terminal reply failed", "call_id", p.session.CallID, "error", err)
		return ""
	}
	reply = strings.TrimSpace(reply)
	if reply == "" || containsBookingLanguage(reply) {
		return ""
	}
	return reply
}

// runBackgroundExtraction fires the extractor over the conversation so far
// in a goroutine that cannot block or fail the current turn. It is
// deliberately orphaned if the call ends before it completes. Called from
// HandleTranscription after it has released p.mu (see that function's
// comment), so the conversation length check and snapshot here take the
// lock themselves.
func (p *Processor) runBackgroundExtraction(ctx context.Context) {
	if p.extractor == nil {
		return
	}

	p.mu.Lock()
	if len(p.session.Conversation) < MinConversationTurnsForExtraction {
		p.mu.Unlock()
		return
	}
	conversation := p.conversationSnapshotLocked()
	p.mu.Unlock()

	callID := p.session.CallID

	go func() {
		ectx, cancel := context.WithTimeout(context.Background(), ExtractionTimeout)
		defer cancel()

		fields, err := p.extractor.ExtractFields(ectx, conversation)
		if err != nil {
			p.logger.Warn("background extraction failed", "call_id", callID, "error", err)
			return
		}

		p.mu.Lock()
		ApplyExtraction(p.session, fields)
		p.mu.Unlock()
	}()
}

// buildToolArgs merges the state machine's explicit ToolArgs (if any) over
// nothing else — tool RPC bodies are built from session facts directly in
// invokeTool rather than threading a separate args map through.
func (p *Processor) buildToolArgs(tool string, explicit map[string]any) map[string]any {
	if explicit == nil {
		return map[string]any{}
	}
	return explicit
}

// invokeTool dispatches to the matching BackendClient RPC and flattens its
// response into the map[string]any shape the state machine's tool-result
// handlers read. BackendClient already returns a neutral failure document
// on error (it is breaker-gated internally), so the error return is logged
// here and otherwise ignored — the state machine routes on the document,
// not the error.
func (p *Processor) invokeTool(ctx context.Context, tool string, _ map[string]any) map[string]any {
	switch tool {
	case "lookup_caller":
		resp, err := p.tools.LookupCaller(ctx, backend.LookupCallerRequest{
			Call: backend.CallerRef{CallID: p.session.CallID, FromNumber: p.session.PhoneNumber},
		})
		p.logToolErr(tool, err)
		if resp == nil {
			return map[string]any{"found": false}
		}
		return map[string]any{
			"found":            resp.Found,
			"customer_name":    resp.CustomerName,
			"zip_code":         resp.ZipCode,
			"address":          resp.Address,
			"callback_promise": resp.CallbackPromise,
			"has_appointment":  resp.HasAppointment,
			"appointment_date": resp.AppointmentDate,
			"appointment_time": resp.AppointmentTime,
			"uid":              resp.AppointmentUID,
		}

	case "book_service":
		resp, err := p.tools.BookService(ctx, backend.BookServiceRequest{
			CustomerName:     p.session.CustomerName,
			CustomerPhone:    p.session.PhoneNumber,
			IssueDescription: p.session.ProblemDescription,
			ServiceAddress:   p.session.ServiceAddress,
			PreferredTime:    p.session.PreferredTime,
		})
		p.logToolErr(tool, err)
		if resp == nil {
			return map[string]any{"booked": false}
		}
		return map[string]any{
			"booked":               resp.Booked,
			"booking_time":         resp.BookingTime,
			"confirmation_message": resp.ConfirmationMessage,
			"appointment_id":       resp.AppointmentID,
			"error":                resp.Error,
		}

	case "create_callback":
		req := backend.CreateCallbackRequest{
			Call: backend.CallerRef{CallID: p.session.CallID, FromNumber: p.session.PhoneNumber},
		}
		req.Args.CallbackType = p.callbackType()
		req.Args.ExecutionMessage = p.session.ProblemDescription
		resp, err := p.tools.CreateCallback(ctx, req)
		p.logToolErr(tool, err)
		if resp == nil {
			return map[string]any{"success": false, "error": "no response"}
		}
		return map[string]any{"success": resp.Success, "error": resp.Error}

	case "send_sales_lead_alert":
		req := backend.SendSalesLeadAlertRequest{
			Call: backend.CallerRef{CallID: p.session.CallID, FromNumber: p.session.PhoneNumber},
		}
		req.Args.ExecutionMessage = p.session.ProblemDescription
		resp, err := p.tools.SendSalesLeadAlert(ctx, req)
		p.logToolErr(tool, err)
		if resp == nil {
			return map[string]any{"success": false}
		}
		return map[string]any{"success": resp.Success, "error": resp.Error}

	case "manage_appointment":
		resp, err := p.tools.ManageAppointment(ctx, backend.ManageAppointmentRequest{
			AppointmentUID: p.session.AppointmentUID,
		})
		p.logToolErr(tool, err)
		if resp == nil {
			return map[string]any{"success": false}
		}
		return map[string]any{
			"success":      resp.Success,
			"action_taken": resp.ActionTaken,
			"new_date":     resp.NewDate,
			"new_time":     resp.NewTime,
			"error":        resp.Error,
		}

	default:
		p.logger.Warn("unknown tool requested by state machine", "call_id", p.session.CallID, "tool", tool)
		return map[string]any{}
	}
}

func (p *Processor) logToolErr(tool string, err error) {
	if err != nil {
		p.logger.Warn("backend tool call failed, routing on neutral result", "call_id", p.session.CallID, "tool", tool, "error", err)
	}
}

// callbackType picks the callback reason tag, preferring the lead type set
// by URGENCY's high-ticket detection.
func (p *Processor) callbackType() string {
	if p.session.LeadType != "" {
		return p.session.LeadType
	}
	return "service"
}

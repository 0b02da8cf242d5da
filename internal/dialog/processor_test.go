package dialog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hvac-dispatch/callvox/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTools is a minimal backend.Client stub returning scripted responses.
type fakeTools struct {
	lookup *backend.LookupCallerResponse
	book   *backend.BookServiceResponse
}

func (f *fakeTools) LookupCaller(ctx context.Context, req backend.LookupCallerRequest) (*backend.LookupCallerResponse, error) {
	if f.lookup != nil {
		return f.lookup, nil
	}
	return &backend.LookupCallerResponse{Found: false}, nil
}

func (f *fakeTools) BookService(ctx context.Context, req backend.BookServiceRequest) (*backend.BookServiceResponse, error) {
	if f.book != nil {
		return f.book, nil
	}
	return &backend.BookServiceResponse{Booked: true, BookingTime: "Tuesday 2pm", AppointmentID: "A1"}, nil
}

func (f *fakeTools) ManageAppointment(ctx context.Context, req backend.ManageAppointmentRequest) (*backend.ManageAppointmentResponse, error) {
	return &backend.ManageAppointmentResponse{Success: true}, nil
}

func (f *fakeTools) CreateCallback(ctx context.Context, req backend.CreateCallbackRequest) (*backend.CreateCallbackResponse, error) {
	return &backend.CreateCallbackResponse{Success: true}, nil
}

func (f *fakeTools) SendSalesLeadAlert(ctx context.Context, req backend.SendSalesLeadAlertRequest) (*backend.SendSalesLeadAlertResponse, error) {
	return &backend.SendSalesLeadAlertResponse{Success: true}, nil
}

// fakePipeline records calls instead of driving real audio/LLM I/O.
type fakePipeline struct {
	spoken     []string
	pushed     []string
	endCalls   []time.Duration
	ended      bool
}

func (f *fakePipeline) Speak(ctx context.Context, text string) error {
	f.spoken = append(f.spoken, text)
	return nil
}

func (f *fakePipeline) PushTurn(ctx context.Context, text string) {
	f.pushed = append(f.pushed, text)
}

func (f *fakePipeline) EndCall(delay time.Duration) {
	f.ended = true
	f.endCalls = append(f.endCalls, delay)
}

// fakeLLM returns a scripted scoped reply.
type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) ScopedReply(ctx context.Context, systemPrompt, userText string) (string, error) {
	return f.reply, f.err
}

// fakeExtractor returns scripted fields once called.
type fakeExtractor struct {
	fields ExtractedFields
	calls  int
}

func (f *fakeExtractor) ExtractFields(ctx context.Context, conversation []ConversationTurn) (ExtractedFields, error) {
	f.calls++
	return f.fields, nil
}

func newTestProcessor(t *testing.T, tools backend.Client, extractor Extractor, llm LLM, pipeline Pipeline) (*Processor, *Session) {
	t.Helper()
	session := NewSession("call-1", "+15551234567", time.Now())
	machine := NewStateMachine(testLogger())
	p := NewProcessor(session, machine, tools, extractor, llm, pipeline, testLogger())
	return p, session
}

func TestHandleTranscription_WelcomeRoutesToLookup(t *testing.T) {
	tools := &fakeTools{lookup: &backend.LookupCallerResponse{Found: false}}
	pipeline := &fakePipeline{}
	p, session := newTestProcessor(t, tools, nil, nil, pipeline)

	p.HandleTranscription(context.Background(), "my AC is broken")

	assert.Equal(t, StateSafety, session.State)
	assert.Contains(t, pipeline.spoken, "One moment.")
	require.Len(t, session.Transcript, 3) // user, agent speak, tool
}

func TestHandleTranscription_EmptyTextIsNoOp(t *testing.T) {
	pipeline := &fakePipeline{}
	p, session := newTestProcessor(t, &fakeTools{}, nil, nil, pipeline)

	p.HandleTranscription(context.Background(), "   ")

	assert.Empty(t, session.Transcript)
	assert.Empty(t, pipeline.pushed)
}

func TestHandleTranscription_ForceLLMEntersDebounce(t *testing.T) {
	tools := &fakeTools{lookup: &backend.LookupCallerResponse{Found: true}}
	pipeline := &fakePipeline{}
	p, session := newTestProcessor(t, tools, nil, nil, pipeline)
	session.Transition(StateLookup)
	session.CallerIntent = "follow_up"

	p.HandleTranscription(context.Background(), "checking on my appointment")

	assert.Equal(t, StateFollowUp, session.State)
	assert.True(t, p.debouncing)
}

func TestHandleTranscription_TerminalStateSpeaksScriptAndEnds(t *testing.T) {
	pipeline := &fakePipeline{}
	p, session := newTestProcessor(t, &fakeTools{}, nil, nil, pipeline)
	session.Transition(StateConfirm)

	p.HandleTranscription(context.Background(), "thanks, bye")

	assert.Contains(t, pipeline.spoken, terminalScripts[StateConfirm])
	assert.True(t, pipeline.ended)
	assert.True(t, session.TerminalReplyUsed)
}

func TestHandleTranscription_TerminalScopedReplyRejectsBookingLanguage(t *testing.T) {
	pipeline := &fakePipeline{}
	llm := &fakeLLM{reply: "Great, let's get that appointment booked!"}
	p, session := newTestProcessor(t, &fakeTools{}, nil, llm, pipeline)
	session.Transition(StateConfirm)

	p.HandleTranscription(context.Background(), "actually can we also")

	for _, line := range pipeline.spoken {
		assert.NotContains(t, line, "booked")
	}
	assert.Contains(t, pipeline.spoken, terminalScripts[StateConfirm])
}

func TestHandleTranscription_TerminalScopedReplyUsedOnlyOnce(t *testing.T) {
	pipeline := &fakePipeline{}
	llm := &fakeLLM{reply: "Okay, noted."}
	p, session := newTestProcessor(t, &fakeTools{}, nil, llm, pipeline)
	session.Transition(StateConfirm)

	p.HandleTranscription(context.Background(), "one more thing")
	firstSpoken := len(pipeline.spoken)
	p.HandleTranscription(context.Background(), "actually never mind")

	assert.True(t, session.TerminalReplyUsed)
	// Second turn only speaks the canned script again, not another scoped reply.
	assert.Equal(t, firstSpoken+1, len(pipeline.spoken))
}

func TestHandleTranscription_BackgroundExtractionGatedByStateAndTurnCount(t *testing.T) {
	pipeline := &fakePipeline{}
	extractor := &fakeExtractor{fields: ExtractedFields{CustomerName: "Pat Lee"}}
	p, session := newTestProcessor(t, &fakeTools{}, extractor, nil, pipeline)
	session.Transition(StateDiscovery)

	// First turn: the fake pipeline's PushTurn appends nothing, so the
	// conversation is still empty (< MinConversationTurnsForExtraction).
	p.HandleTranscription(context.Background(), "it's in the kitchen")
	assert.Equal(t, 0, extractor.calls)

	session.Conversation = append(session.Conversation, ConversationTurn{Role: "assistant", Content: "got it"})
	session.Conversation = append(session.Conversation, ConversationTurn{Role: "user", Content: "more detail"})

	p.HandleTranscription(context.Background(), "more detail here")

	// Give the background goroutine a moment to run and acquire the mutex.
	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, extractor.calls, 1)
}

func TestHandleTranscription_SafetyExitEndsCallAfterScript(t *testing.T) {
	pipeline := &fakePipeline{}
	p, session := newTestProcessor(t, &fakeTools{}, nil, nil, pipeline)
	session.Transition(StateSafetyExit)

	p.HandleTranscription(context.Background(), "okay thanks")

	assert.Contains(t, pipeline.spoken, terminalScripts[StateSafetyExit])
	assert.True(t, pipeline.ended)
}

func TestHandleLLMFailure_ForcesCallbackAndEndsCall(t *testing.T) {
	pipeline := &fakePipeline{}
	p, session := newTestProcessor(t, &fakeTools{}, nil, nil, pipeline)
	session.Transition(StateDiscovery)

	p.HandleLLMFailure(context.Background())

	assert.Equal(t, StateCallback, session.State)
	assert.Contains(t, pipeline.spoken, terminalScripts[StateCallback])
	assert.True(t, pipeline.ended)
}

func TestAppendUserTurn_AndConversationSnapshot(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeTools{}, nil, nil, &fakePipeline{})

	p.AppendUserTurn("hello there")
	snap := p.ConversationSnapshot()

	require.Len(t, snap, 1)
	assert.Equal(t, "user", snap[0].Role)
	assert.Equal(t, "hello there", snap[0].Content)
}

func TestRecordAssistantReply_CapturedOnNextTurn(t *testing.T) {
	pipeline := &fakePipeline{}
	p, session := newTestProcessor(t, &fakeTools{}, nil, nil, pipeline)

	p.RecordAssistantReply("how can I help?")
	p.HandleTranscription(context.Background(), "my heater is out")

	found := false
	for _, entry := range session.Transcript {
		if entry.Role == "agent" && entry.Content == "how can I help?" {
			found = true
		}
	}
	assert.True(t, found, "expected captured assistant reply in transcript")
}

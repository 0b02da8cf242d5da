package dialog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// extractionPrompt instructs the model to return only the fields the
// caller explicitly stated, never a guess.
const extractionPrompt = `Extract structured data from this conversation. Return ONLY valid JSON.
Fields to extract: customer_name, problem_description, service_address, zip_code, preferred_time.
If a field is not mentioned, use empty string "".
Do not guess or fabricate values. Only extract what the caller explicitly said.`

// maxExtractionTurns bounds how much history is sent per extraction pass.
const maxExtractionTurns = 10

// OpenAIExtractor implements Extractor against OpenAI's chat completions
// API in JSON mode.
type OpenAIExtractor struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIExtractor builds an OpenAIExtractor with a 10s request timeout.
func NewOpenAIExtractor(apiKey string) *OpenAIExtractor {
	return &OpenAIExtractor{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Extractor = (*OpenAIExtractor)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (e *OpenAIExtractor) ExtractFields(ctx context.Context, conversation []ConversationTurn) (ExtractedFields, error) {
	messages := []chatMessage{{Role: "system", Content: extractionPrompt}}
	start := 0
	if len(conversation) > maxExtractionTurns {
		start = len(conversation) - maxExtractionTurns
	}
	for _, turn := range conversation[start:] {
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}

	reqBody := map[string]any{
		"model":           "gpt-4o-mini",
		"temperature":     0.1,
		"response_format": map[string]string{"type": "json_object"},
		"messages":        messages,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return ExtractedFields{}, fmt.Errorf("extraction: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return ExtractedFields{}, fmt.Errorf("extraction: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return ExtractedFields{}, fmt.Errorf("extraction: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExtractedFields{}, fmt.Errorf("extraction: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ExtractedFields{}, fmt.Errorf("extraction: status %d: %s", resp.StatusCode, string(data))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ExtractedFields{}, fmt.Errorf("extraction: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return ExtractedFields{}, fmt.Errorf("extraction: no choices returned")
	}

	var fields struct {
		CustomerName       string `json:"customer_name"`
		ProblemDescription string `json:"problem_description"`
		ServiceAddress     string `json:"service_address"`
		ZipCode            string `json:"zip_code"`
		PreferredTime      string `json:"preferred_time"`
	}
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &fields); err != nil {
		return ExtractedFields{}, fmt.Errorf("extraction: parse extracted json: %w", err)
	}

	return ExtractedFields{
		CustomerName:       fields.CustomerName,
		ProblemDescription: fields.ProblemDescription,
		ServiceAddress:     fields.ServiceAddress,
		ZipCode:            fields.ZipCode,
		PreferredTime:      fields.PreferredTime,
	}, nil
}

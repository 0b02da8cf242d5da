package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProviderConfig configures an HTTPProvider. Two distinct vendors speak
// this way (Inworld as primary, OpenAI's speech endpoint as fallback); both expose a
// "POST text, stream PCM back" contract, so one Go type serves both,
// parameterized by endpoint and auth header name.
type HTTPProviderConfig struct {
	Name       string
	BaseURL    string
	Path       string // e.g. "/v1/audio/speech"
	APIKey     string
	AuthHeader string // defaults to "Authorization" with "Bearer " prefix
	Voice      string
	Model      string
	Timeout    time.Duration
}

// HTTPProvider synthesizes speech over a plain HTTP POST, streaming the
// response body back as PCM chunks.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

// NewHTTPProvider builds an HTTPProvider, applying reasonable defaults.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

var _ Provider = (*HTTPProvider)(nil)

// SynthesizeStream posts the synthesis request and streams the response
// body back as PCM chunks as it arrives, so playback can begin before the
// full utterance finishes rendering.
func (p *HTTPProvider) SynthesizeStream(ctx context.Context, req SynthesizeRequest) (<-chan AudioChunk, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.cfg.Voice
	}

	body := fmt.Sprintf(`{"model":%q,"input":%q,"voice":%q,"sample_rate":%d,"response_format":"pcm"}`,
		p.cfg.Model, req.Text, voice, req.SampleRate)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+p.cfg.Path, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.AuthHeader == "Authorization" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	} else {
		httpReq.Header.Set(p.cfg.AuthHeader, p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%s: status %d: %s", p.cfg.Name, resp.StatusCode, string(data))
	}

	ch := make(chan AudioChunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case ch <- AudioChunk{PCM: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- AudioChunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	return ch, nil
}

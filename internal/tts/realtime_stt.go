package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"
)

// RealtimeSTTConfig configures a WebSocket-based streaming STT provider. It
// fits both an OpenAI-style realtime endpoint and Deepgram's live
// transcription endpoint, since both speak newline-delimited JSON events
// over a single long-lived WebSocket with a server-side VAD.
type RealtimeSTTConfig struct {
	Name              string
	BaseURL           string
	Model             string
	APIKey            string
	SilenceDurationMs int
}

// RealtimeSTTProvider opens one WebSocket per call leg and turns its events
// into TranscriptChunks.
type RealtimeSTTProvider struct {
	cfg RealtimeSTTConfig
	log *slog.Logger
}

// NewRealtimeSTTProvider builds a RealtimeSTTProvider with a silence-duration
// default of 800ms.
func NewRealtimeSTTProvider(cfg RealtimeSTTConfig, logger *slog.Logger) *RealtimeSTTProvider {
	if cfg.SilenceDurationMs <= 0 {
		cfg.SilenceDurationMs = 800
	}
	return &RealtimeSTTProvider{cfg: cfg, log: logger}
}

func (p *RealtimeSTTProvider) Name() string { return p.cfg.Name }

var _ STTProvider = (*RealtimeSTTProvider)(nil)

func (p *RealtimeSTTProvider) StartSession(ctx context.Context, cfg STTSessionConfig) (STTSession, error) {
	url := fmt.Sprintf("%s?model=%s", p.cfg.BaseURL, p.cfg.Model)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + p.cfg.APIKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: websocket connect: %w", p.cfg.Name, err)
	}

	session := &realtimeSTTSession{
		conn:        conn,
		transcripts: make(chan TranscriptChunk, 32),
		done:        make(chan struct{}),
		logger:      p.log,
	}

	sessionCfg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"input_audio_format": cfg.Encoding,
			"input_audio_transcription": map[string]any{
				"model": cfg.Model,
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"silence_duration_ms": p.cfg.SilenceDurationMs,
			},
		},
	}
	data, err := json.Marshal(sessionCfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "config marshal error")
		return nil, fmt.Errorf("marshal session config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "config write error")
		return nil, fmt.Errorf("send session config: %w", err)
	}

	go session.readLoop()
	return session, nil
}

type realtimeSTTSession struct {
	conn        *websocket.Conn
	transcripts chan TranscriptChunk
	done        chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

func (s *realtimeSTTSession) SendAudio(data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("stt session closed")
	default:
	}

	msg := map[string]any{"type": "input_audio_buffer.append", "audio": data}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal audio message: %w", err)
	}
	return s.conn.Write(context.Background(), websocket.MessageText, payload)
}

func (s *realtimeSTTSession) Transcripts() <-chan TranscriptChunk { return s.transcripts }

func (s *realtimeSTTSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}

func (s *realtimeSTTSession) readLoop() {
	defer close(s.transcripts)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				s.transcripts <- TranscriptChunk{Err: err}
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "conversation.item.input_audio_transcription.completed":
			var t struct {
				Transcript string `json:"transcript"`
			}
			if err := json.Unmarshal(data, &t); err == nil && t.Transcript != "" {
				s.transcripts <- TranscriptChunk{Text: t.Transcript, IsFinal: true}
			}
		case "conversation.item.input_audio_transcription.delta":
			var d struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal(data, &d); err == nil && d.Delta != "" {
				s.transcripts <- TranscriptChunk{Text: d.Delta, IsFinal: false}
			}
		case "error":
			var e struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(data, &e); err == nil {
				s.logger.Warn("stt error", "message", e.Error.Message)
				s.transcripts <- TranscriptChunk{Err: fmt.Errorf("stt error: %s", e.Error.Message)}
			}
		}
	}
}

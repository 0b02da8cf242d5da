package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const sendQueueSize = 64

// handshakeTimeout is how long Accept waits for the carrier's "start"
// event. Declared as a var (not const) so tests can shrink it.
var handshakeTimeout = 30 * time.Second

// ErrHandshakeTimeout is returned by Accept when the carrier never sends
// its "start" event within handshakeTimeout.
var ErrHandshakeTimeout = errors.New("media transport: start handshake timed out")

// Frame is one inbound 20ms chunk of decoded 8kHz PCM16, little-endian.
type Frame struct {
	PCM []byte
}

// Transport is the carrier-facing WebSocket media stream for one call: it
// accepts the connection, parses the start handshake, decodes inbound
// mu-law into PCM frames, and paces outbound mu-law frames back out at
// 20ms/160 bytes. The start handshake is bounded by handshakeTimeout so a
// carrier connection that never sends "start" doesn't hang a goroutine
// forever.
type Transport struct {
	conn   *websocket.Conn
	logger *slog.Logger
	pacer  *Pacer

	StreamSID    string
	CallSID      string
	CallerNumber string

	sendQueue chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

// Accept upgrades the HTTP request to a WebSocket and blocks until the
// carrier's "start" event arrives (or handshakeTimeout elapses), returning
// a Transport ready for Run.
func Accept(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Transport, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // carrier media streams originate from varying hosts
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}

	t := &Transport{
		conn:      conn,
		logger:    logger,
		pacer:     NewPacer(),
		sendQueue: make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, "start handshake timed out")
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrHandshakeTimeout
			}
			return nil, fmt.Errorf("read during handshake: %w", err)
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Event == "start" {
			t.StreamSID = msg.StreamSID
			if msg.Start != nil {
				t.CallSID = msg.Start.CallSID
				t.CallerNumber = msg.Start.CustomParameters.From
			}
			return t, nil
		}
		// "connected" events precede "start" and carry nothing useful yet.
	}
}

// Run starts the outbound sender and blocks reading inbound media events,
// invoking onMedia for each decoded PCM frame and onUtteranceEnd for each
// "mark" event the carrier sends. Run
// returns when the carrier sends "stop", the connection errors, or ctx is
// canceled.
func (t *Transport) Run(ctx context.Context, onMedia func(Frame), onUtteranceEnd func()) error {
	go t.sendLoop(ctx)

	for {
		select {
		case <-t.done:
			return nil
		case <-ctx.Done():
			t.Close()
			return ctx.Err()
		default:
		}

		_, data, err := t.conn.Read(ctx)
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
				return fmt.Errorf("media read: %w", err)
			}
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "media":
			raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			onMedia(Frame{PCM: MulawBufToLinear(raw)})

		case "mark":
			if onUtteranceEnd != nil {
				onUtteranceEnd()
			}

		case "stop":
			t.flush(ctx)
			t.Close()
			return nil
		}
	}
}

// Send enqueues mu-law audio for paced delivery, splitting it into 20ms
// frames. It does not block on network I/O; frames are sent by sendLoop.
func (t *Transport) Send(mulaw []byte) {
	for _, frame := range SplitFrames(mulaw) {
		select {
		case t.sendQueue <- frame:
		case <-t.done:
			return
		}
	}
}

// ClearOutbound drains queued-but-unsent outbound frames, for barge-in.
func (t *Transport) ClearOutbound() {
	for {
		select {
		case <-t.sendQueue:
		default:
			return
		}
	}
}

func (t *Transport) sendLoop(ctx context.Context) {
	for {
		select {
		case <-t.done:
			return
		case frame, ok := <-t.sendQueue:
			if !ok {
				return
			}
			if err := t.pacer.Wait(ctx); err != nil {
				return
			}
			if err := t.writeFrame(ctx, frame); err != nil {
				t.logger.Debug("media send failed", "call_sid", t.CallSID, "error", err)
				return
			}
		}
	}
}

// flush drains any remaining outbound frames onto the wire without pacing,
// the transport-level equivalent of letting a final EndFrame push through
// before the connection closes.
func (t *Transport) flush(ctx context.Context) {
	for {
		select {
		case frame, ok := <-t.sendQueue:
			if !ok {
				return
			}
			_ = t.writeFrame(ctx, frame)
		default:
			return
		}
	}
}

func (t *Transport) writeFrame(ctx context.Context, mulaw []byte) error {
	t.mu.Lock()
	streamSID := t.StreamSID
	t.mu.Unlock()

	msg := streamMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close ends the media stream session. Safe to call more than once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close(websocket.StatusNormalClosure, "stream ended")
	})
}

// --- carrier media-stream wire format ---

type streamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     mediaPayload  `json:"media,omitempty"`
	Mark      markPayload   `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSID       string          `json:"streamSid"`
	AccountSID      string          `json:"accountSid"`
	CallSID         string          `json:"callSid"`
	CustomParameters customParams   `json:"customParameters"`
}

type customParams struct {
	From string `json:"From"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

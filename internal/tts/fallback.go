package tts

import (
	"context"
	"log/slog"
	"time"

	"github.com/hvac-dispatch/callvox/internal/breaker"
)

// Default tuning: 5s to judge the primary provider unresponsive.
const (
	DefaultPrimaryTimeout = 5 * time.Second
)

// FallbackConfig tunes Fallback. Zero PrimaryTimeout uses DefaultPrimaryTimeout.
type FallbackConfig struct {
	PrimaryTimeout time.Duration
	Breaker        breaker.Config
}

// Fallback wraps a primary and secondary Provider with per-utterance
// failover: it buffers the primary's stream until its first audio chunk
// arrives (the health signal), then streams the rest directly; on error,
// timeout, or an open breaker it discards the buffer and streams from the
// secondary instead.
type Fallback struct {
	primary   Provider
	secondary Provider
	timeout   time.Duration
	breaker   *breaker.Breaker
	logger    *slog.Logger
}

// NewFallback builds a Fallback provider. name scopes the shared breaker
// (e.g. "tts") since BackendClient and Fallback both construct breakers from
// the same package but must not share state.
func NewFallback(name string, primary, secondary Provider, cfg FallbackConfig, logger *slog.Logger) *Fallback {
	timeout := cfg.PrimaryTimeout
	if timeout == 0 {
		timeout = DefaultPrimaryTimeout
	}
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		timeout:   timeout,
		breaker:   breaker.New(name, cfg.Breaker, logger),
		logger:    logger,
	}
}

// Name reports the wrapped provider pair.
func (f *Fallback) Name() string {
	return "fallback(" + f.primary.Name() + "/" + f.secondary.Name() + ")"
}

var _ Provider = (*Fallback)(nil)

// SynthesizeStream starts synthesis in a goroutine, returning immediately
// with the output channel. The channel is closed when synthesis (primary or
// secondary) completes.
func (f *Fallback) SynthesizeStream(ctx context.Context, req SynthesizeRequest) (<-chan AudioChunk, error) {
	out := make(chan AudioChunk, 4)
	go f.run(ctx, req, out)
	return out, nil
}

func (f *Fallback) run(ctx context.Context, req SynthesizeRequest, out chan<- AudioChunk) {
	defer close(out)

	done, err := f.breaker.Allow()
	if err != nil {
		f.logger.Info("tts circuit open, using fallback provider directly", "provider", f.secondary.Name())
		f.runSecondary(ctx, req, out)
		return
	}

	ok := f.tryPrimary(ctx, req, out)
	done(ok)
	if !ok {
		f.logger.Info("primary tts failed, switching to fallback", "primary", f.primary.Name(), "fallback", f.secondary.Name())
		f.runSecondary(ctx, req, out)
	}
}

// tryPrimary streams from the primary provider, buffering chunks until the
// first successful one arrives. The PrimaryTimeout only bounds the wait for
// that first chunk (the health signal) — once audio has started, the
// remainder streams with no deadline of its own, so a long reply is never
// truncated. It reports true only if at least one chunk was forwarded
// without error.
func (f *Fallback) tryPrimary(ctx context.Context, req SynthesizeRequest, out chan<- AudioChunk) bool {
	ch, err := f.primary.SynthesizeStream(ctx, req)
	if err != nil {
		return false
	}

	firstChunk := time.NewTimer(f.timeout)
	defer firstChunk.Stop()

	var buffer [][]byte
	gotAudio := false

	for {
		// firstChunk only arms the select while still waiting on the health
		// signal; once gotAudio is true it is nil forever, so this branch
		// never fires again.
		var timeoutCh <-chan time.Time
		if !gotAudio {
			timeoutCh = firstChunk.C
		}

		select {
		case chunk, open := <-ch:
			if !open {
				return gotAudio
			}
			if chunk.Err != nil {
				return gotAudio
			}
			if !gotAudio {
				gotAudio = true
				firstChunk.Stop()
				buffer = append(buffer, chunk.PCM)
				for _, b := range buffer {
					out <- AudioChunk{PCM: b}
				}
				continue
			}
			out <- AudioChunk{PCM: chunk.PCM}

		case <-timeoutCh:
			return false

		case <-ctx.Done():
			return gotAudio
		}
	}
}

func (f *Fallback) runSecondary(ctx context.Context, req SynthesizeRequest, out chan<- AudioChunk) {
	ch, err := f.secondary.SynthesizeStream(ctx, req)
	if err != nil {
		out <- AudioChunk{Err: err}
		return
	}
	for chunk := range ch {
		out <- chunk
		if chunk.Err != nil {
			return
		}
	}
}

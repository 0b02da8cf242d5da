package tts

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvac-dispatch/callvox/internal/breaker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

type fakeProvider struct {
	name   string
	chunks []AudioChunk
	delay  time.Duration
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) SynthesizeStream(ctx context.Context, req SynthesizeRequest) (<-chan AudioChunk, error) {
	out := make(chan AudioChunk, len(f.chunks))
	go func() {
		defer close(out)
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return
			}
		}
		for _, c := range f.chunks {
			out <- c
		}
	}()
	return out, nil
}

func drain(t *testing.T, ch <-chan AudioChunk) []AudioChunk {
	t.Helper()
	var got []AudioChunk
	for c := range ch {
		got = append(got, c)
	}
	return got
}

func TestFallback_PrimaryHealthyStreamsFromPrimary(t *testing.T) {
	primary := &fakeProvider{name: "primary", chunks: []AudioChunk{{PCM: []byte("a")}, {PCM: []byte("b")}}}
	secondary := &fakeProvider{name: "secondary", chunks: []AudioChunk{{PCM: []byte("z")}}}

	fb := NewFallback("tts-test-1", primary, secondary, FallbackConfig{}, testLogger())
	ch, err := fb.SynthesizeStream(context.Background(), SynthesizeRequest{Text: "hello"})
	require.NoError(t, err)

	got := drain(t, ch)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got[0].PCM)
	assert.Equal(t, []byte("b"), got[1].PCM)
}

func TestFallback_PrimaryErrorSwitchesToSecondary(t *testing.T) {
	primary := &fakeProvider{name: "primary", chunks: []AudioChunk{{Err: errors.New("boom")}}}
	secondary := &fakeProvider{name: "secondary", chunks: []AudioChunk{{PCM: []byte("fallback-audio")}}}

	fb := NewFallback("tts-test-2", primary, secondary, FallbackConfig{}, testLogger())
	ch, err := fb.SynthesizeStream(context.Background(), SynthesizeRequest{Text: "hello"})
	require.NoError(t, err)

	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("fallback-audio"), got[0].PCM)
}

func TestFallback_PrimaryTimeoutSwitchesToSecondary(t *testing.T) {
	primary := &fakeProvider{name: "primary", delay: 200 * time.Millisecond, chunks: []AudioChunk{{PCM: []byte("too-late")}}}
	secondary := &fakeProvider{name: "secondary", chunks: []AudioChunk{{PCM: []byte("fallback-audio")}}}

	fb := NewFallback("tts-test-3", primary, secondary, FallbackConfig{PrimaryTimeout: 20 * time.Millisecond}, testLogger())
	ch, err := fb.SynthesizeStream(context.Background(), SynthesizeRequest{Text: "hello"})
	require.NoError(t, err)

	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("fallback-audio"), got[0].PCM)
}

// staggeredProvider sends its first chunk immediately, then each later chunk
// only after waiting gap past the previous one — for proving PrimaryTimeout
// bounds only the wait for the first chunk, not the whole stream.
type staggeredProvider struct {
	name   string
	chunks []AudioChunk
	gap    time.Duration
}

func (s *staggeredProvider) Name() string { return s.name }

func (s *staggeredProvider) SynthesizeStream(ctx context.Context, req SynthesizeRequest) (<-chan AudioChunk, error) {
	out := make(chan AudioChunk, len(s.chunks))
	go func() {
		defer close(out)
		for i, c := range s.chunks {
			if i > 0 {
				select {
				case <-time.After(s.gap):
				case <-ctx.Done():
					return
				}
			}
			out <- c
		}
	}()
	return out, nil
}

func TestFallback_LongPrimaryStreamNotTruncatedAfterFirstChunk(t *testing.T) {
	primary := &staggeredProvider{
		name: "primary",
		chunks: []AudioChunk{
			{PCM: []byte("first")},
			{PCM: []byte("second")},
			{PCM: []byte("third")},
		},
		gap: 30 * time.Millisecond,
	}
	secondary := &fakeProvider{name: "secondary", chunks: []AudioChunk{{PCM: []byte("fallback-audio")}}}

	// PrimaryTimeout is shorter than the gap between later chunks, but it
	// must only bound the wait for the *first* chunk.
	fb := NewFallback("tts-test-5", primary, secondary, FallbackConfig{PrimaryTimeout: 10 * time.Millisecond}, testLogger())
	ch, err := fb.SynthesizeStream(context.Background(), SynthesizeRequest{Text: "hello"})
	require.NoError(t, err)

	got := drain(t, ch)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("first"), got[0].PCM)
	assert.Equal(t, []byte("second"), got[1].PCM)
	assert.Equal(t, []byte("third"), got[2].PCM)
}

type countingProvider struct {
	fakeProvider
	attempts *int
}

func (c *countingProvider) SynthesizeStream(ctx context.Context, req SynthesizeRequest) (<-chan AudioChunk, error) {
	*c.attempts++
	return c.fakeProvider.SynthesizeStream(ctx, req)
}

func TestFallback_BreakerOpenSkipsPrimaryEntirely(t *testing.T) {
	attempts := 0
	primary := &countingProvider{
		fakeProvider: fakeProvider{name: "primary", chunks: []AudioChunk{{Err: errors.New("boom")}}},
		attempts:     &attempts,
	}
	secondary := &fakeProvider{name: "secondary", chunks: []AudioChunk{{PCM: []byte("fallback-audio")}}}

	fb := NewFallback("tts-test-4", primary, secondary, FallbackConfig{Breaker: breaker.Config{MaxFailures: 1, Timeout: time.Hour}}, testLogger())

	for i := 0; i < 3; i++ {
		ch, err := fb.SynthesizeStream(context.Background(), SynthesizeRequest{Text: "hello"})
		require.NoError(t, err)
		got := drain(t, ch)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("fallback-audio"), got[0].PCM)
	}

	assert.Equal(t, 1, attempts, "primary should only be attempted once before the breaker opens")
}

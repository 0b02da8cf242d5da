// Package tts holds the speech provider interfaces and the primary/fallback
// synthesis strategy the call pipeline speaks through.
package tts

import "context"

// SynthesizeRequest asks a Provider to speak text with the given voice at
// the given output sample rate.
type SynthesizeRequest struct {
	Text       string
	Voice      string
	SampleRate int
}

// AudioChunk is one piece of streamed PCM16 audio, or a terminal error.
type AudioChunk struct {
	PCM []byte
	Err error
}

// Provider synthesizes speech, streaming PCM audio chunks back as they are
// produced so the call pipeline can start playback before synthesis ends.
type Provider interface {
	SynthesizeStream(ctx context.Context, req SynthesizeRequest) (<-chan AudioChunk, error)
	Name() string
}

// TranscriptChunk is one piece of a live transcription.
type TranscriptChunk struct {
	Text    string
	IsFinal bool
	Err     error
}

// STTSessionConfig configures a real-time transcription session.
type STTSessionConfig struct {
	Language   string
	Model      string
	SampleRate int
	Encoding   string // "mulaw" for carrier-native audio, "pcm16" otherwise
}

// STTSession is an open real-time transcription session for one call leg.
type STTSession interface {
	SendAudio(data []byte) error
	Transcripts() <-chan TranscriptChunk
	Close() error
}

// STTProvider opens STT sessions.
type STTProvider interface {
	StartSession(ctx context.Context, cfg STTSessionConfig) (STTSession, error)
	Name() string
}

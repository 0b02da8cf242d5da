package media

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// FrameDuration is the wall-clock duration of one outbound media frame:
// 160 bytes of 8kHz mu-law, 20ms, matching the carrier's own framing.
const FrameDuration = 20 * time.Millisecond

// FrameBytes is the mu-law byte count of one 20ms frame at 8kHz.
const FrameBytes = 160

// Pacer throttles outbound frame writes to one every FrameDuration so audio
// reaches the carrier in real time instead of in a burst, using
// golang.org/x/time/rate the same way the rest of this codebase paces
// outbound calls.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a Pacer allowing one frame every FrameDuration, with a
// burst of 1 so frames never arrive ahead of schedule.
func NewPacer() *Pacer {
	return &Pacer{limiter: rate.NewLimiter(rate.Every(FrameDuration), 1)}
}

// Wait blocks until the next frame slot is available or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// SplitFrames breaks a mu-law buffer into FrameBytes-sized frames. A final
// short frame (end of an utterance) is returned as-is.
func SplitFrames(mulaw []byte) [][]byte {
	if len(mulaw) == 0 {
		return nil
	}
	var frames [][]byte
	for i := 0; i < len(mulaw); i += FrameBytes {
		end := i + FrameBytes
		if end > len(mulaw) {
			end = len(mulaw)
		}
		frames = append(frames, mulaw[i:end])
	}
	return frames
}

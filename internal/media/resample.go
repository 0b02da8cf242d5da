package media

import (
	"encoding/binary"
	"math"
	"sync"
)

// StreamResampler performs linear-interpolation sample-rate conversion
// between arbitrary rate pairs, carrying fractional phase state across
// calls so that resampling two consecutive chunks produces the same
// samples (within rounding) as resampling their concatenation in one call.
// It keeps one persistent state object per (in_rate, out_rate) pair so an
// arbitrary mix of TTS and carrier sample rates can share one resampler.
type StreamResampler struct {
	mu     sync.Mutex
	states map[rateKey]*resamplerState
}

type rateKey struct {
	in, out int
}

type resamplerState struct {
	pos         float64
	prev        int16
	initialized bool
}

// NewStreamResampler returns a resampler with no state yet recorded for any
// rate pair; state is created lazily on first use of a given pair.
func NewStreamResampler() *StreamResampler {
	return &StreamResampler{states: make(map[rateKey]*resamplerState)}
}

// Resample converts little-endian 16-bit signed PCM at inRate to PCM at
// outRate, continuing the phase left over from the last call made with the
// same (inRate, outRate) pair.
func (r *StreamResampler) Resample(pcm []byte, inRate, outRate int) []byte {
	if inRate == outRate {
		return pcm
	}

	in := bytesToInt16(pcm)

	r.mu.Lock()
	key := rateKey{in: inRate, out: outRate}
	st, ok := r.states[key]
	if !ok {
		st = &resamplerState{}
		r.states[key] = st
	}
	r.mu.Unlock()

	out := st.process(in, float64(inRate)/float64(outRate))
	return int16ToBytes(out)
}

// Reset drops the phase state for a (inRate, outRate) pair, e.g. when a
// call ends and its resampler is about to be reused for a new one.
func (r *StreamResampler) Reset(inRate, outRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, rateKey{in: inRate, out: outRate})
}

func (s *resamplerState) process(in []int16, step float64) []int16 {
	if len(in) == 0 {
		return nil
	}

	var virtual []int16
	if s.initialized {
		virtual = make([]int16, 0, len(in)+1)
		virtual = append(virtual, s.prev)
		virtual = append(virtual, in...)
	} else {
		virtual = in
	}

	var out []int16
	pos := s.pos
	k := 0
	for {
		p := pos + float64(k)*step
		i0 := int(math.Floor(p))
		i1 := i0 + 1
		if i1 >= len(virtual) {
			pos = p
			break
		}
		frac := p - float64(i0)
		s0 := float64(virtual[i0])
		s1 := float64(virtual[i1])
		val := s0 + (s1-s0)*frac
		out = append(out, clampInt16(val))
		k++
	}

	s.prev = in[len(in)-1]
	s.initialized = true
	s.pos = pos - float64(len(virtual)-1)

	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func bytesToInt16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

package audio

import "math"

// RMS computes the root-mean-square level of little-endian mono PCM16 data.
// Returns 0 for empty or malformed (odd-length) input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 || len(pcm)%2 != 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(sampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DCOffset computes the mean sample value of little-endian mono PCM16 data.
// A healthy capture path sits near zero; a large offset indicates a biased
// ADC or a byte-order problem upstream.
func DCOffset(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 || len(pcm)%2 != 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(sampleAt(pcm, i))
	}
	return sum / float64(n)
}

// ClippingRatio returns the fraction of samples at or beyond 99% of full
// scale. Values above a few percent indicate the far end is overdriving.
func ClippingRatio(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 || len(pcm)%2 != 0 {
		return 0
	}
	const threshold = 32767 * 99 / 100
	clipped := 0
	for i := 0; i < n; i++ {
		s := sampleAt(pcm, i)
		if s >= threshold || s <= -threshold {
			clipped++
		}
	}
	return float64(clipped) / float64(n)
}

// ByteSwap16 returns a copy of pcm with each 16-bit sample byte-swapped.
// A trailing odd byte is dropped.
func ByteSwap16(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = pcm[i*2+1]
		out[i*2+1] = pcm[i*2]
	}
	return out
}

// Thresholds for the byte-order probe. Voice-band PCM concentrates near
// zero, so samples at half scale and beyond are rare; a little-endian stream
// read in the wrong order carries the busy low byte in the high position and
// spreads samples across the whole 16-bit range.
const (
	hotSampleLevel = 16384 // |sample| at or above half scale counts as hot
	hotSwapMin     = 0.25  // raw view must be at least this hot to suspect a swap
	hotNativeMax   = 0.05  // and the swapped view this quiet to confirm it
)

// hotFraction returns the fraction of samples at or beyond half scale.
func hotFraction(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 || len(pcm)%2 != 0 {
		return 0
	}
	hot := 0
	for i := 0; i < n; i++ {
		s := sampleAt(pcm, i)
		if s >= hotSampleLevel || s <= -hotSampleLevel {
			hot++
		}
	}
	return float64(hot) / float64(n)
}

// EndianProbe holds the one-shot byte-order decision for a single media flow.
// The zero value is ready to use; Normalize on the first frame decides whether
// the flow needs byte-swapping and all subsequent frames follow that decision.
type EndianProbe struct {
	decided bool
	swap    bool
}

// Swapped reports whether the probe decided the flow is byte-swapped.
func (p *EndianProbe) Swapped() bool {
	return p.decided && p.swap
}

// Normalize returns pcm in little-endian host order. The first call compares
// the half-scale sample density of the raw and byte-swapped interpretations:
// a wrong-order stream looks like wideband noise spread over the full range,
// while the corrected view settles back into the voice band. Silence and
// genuinely loud native audio never satisfy both bounds, so the flow is
// marked big-endian only when the evidence is one-sided. The decision then
// applies to every frame, including this one.
func (p *EndianProbe) Normalize(pcm []byte) []byte {
	if !p.decided {
		p.decided = true
		if hotFraction(pcm) >= hotSwapMin && hotFraction(ByteSwap16(pcm)) <= hotNativeMax {
			p.swap = true
		}
	}
	if p.swap {
		return ByteSwap16(pcm)
	}
	return pcm
}

// dcBlockCoef is the pole of the first-order DC-blocking high-pass filter.
// Close to 1.0 leaves voice band untouched while removing sub-20 Hz drift.
const dcBlockCoef = 0.995

// DCBlockState carries the single-sample history of the DC-block filter for
// one flow. The zero value is a valid initial state.
type DCBlockState struct {
	prevIn  float64
	prevOut float64
}

// DCBlock applies a first-order high-pass filter (y[n] = x[n] - x[n-1] +
// coef*y[n-1]) to little-endian mono PCM16, carrying state across calls so
// consecutive frames of the same flow filter seamlessly.
func DCBlock(pcm []byte, state *DCBlockState) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return pcm
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		x := float64(sampleAt(pcm, i))
		y := x - state.prevIn + dcBlockCoef*state.prevOut
		state.prevIn = x
		state.prevOut = y

		if y > 32767 {
			y = 32767
		} else if y < -32768 {
			y = -32768
		}
		putSample(out, i, int16(y))
	}
	return out
}

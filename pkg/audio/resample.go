package audio

import "fmt"

// supportedRates are the only sample rates the resampler accepts. The media
// plane operates at 8 kHz on the wire, 16 kHz at the provider boundary, and
// 24 kHz for some synthesis outputs; everything else is a capability mismatch
// that must be rejected during transport-profile selection, not papered over
// here.
var supportedRates = map[int]bool{8000: true, 16000: true, 24000: true}

// SupportedRate reports whether rate is one of the fixed telephony rates the
// codec layer can convert between.
func SupportedRate(rate int) bool {
	return supportedRates[rate]
}

// ResampleMono16 resamples little-endian mono PCM16 between the fixed
// telephony rates (8000, 16000, 24000 Hz). Downsampling applies a small
// moving-average low-pass first to suppress aliasing; upsampling uses linear
// interpolation. If srcRate == dstRate the input is returned unchanged.
//
// Returns an error for any rate outside the supported set.
func ResampleMono16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if !SupportedRate(srcRate) || !SupportedRate(dstRate) {
		return nil, fmt.Errorf("audio: unsupported resample ratio %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm, nil
	}
	if dstRate < srcRate {
		pcm = lowPass(pcm)
	}
	return interpolate(pcm, srcRate, dstRate), nil
}

// lowPass applies a 3-tap moving average over the samples. It is a cheap
// anti-aliasing filter for the 2:1 and 3:1 decimation cases; voice-band
// content survives within the round-trip tolerance required of the codec.
func lowPass(pcm []byte) []byte {
	n := len(pcm) / 2
	if n < 3 {
		return pcm
	}
	out := make([]byte, n*2)
	prev := sampleAt(pcm, 0)
	for i := 0; i < n; i++ {
		cur := sampleAt(pcm, i)
		next := cur
		if i+1 < n {
			next = sampleAt(pcm, i+1)
		}
		avg := (int32(prev) + int32(cur) + int32(next)) / 3
		putSample(out, i, int16(avg))
		prev = cur
	}
	return out
}

// interpolate is the linear-interpolation core shared by all ratios.
func interpolate(pcm []byte, srcRate, dstRate int) []byte {
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}

		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// sampleAt reads the i-th little-endian int16 sample from pcm.
func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// putSample writes s as the i-th little-endian int16 sample of pcm.
func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

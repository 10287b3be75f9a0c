package audio_test

import (
	"math"
	"testing"

	"github.com/arivox/arivox/pkg/audio"
)

// tone generates a mono PCM16 sine tone at freq Hz with the given amplitude
// and duration in milliseconds.
func tone(freq float64, rate, ms int, amplitude float64) []byte {
	samples := rate * ms / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		s := int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// ─── G.711 round trip ────────────────────────────────────────────────────────

// TestUlawRoundTrip_BoundedDistortion verifies that PCM16 → μ-law → PCM16 on a
// 1 kHz reference tone keeps the RMS delta within 3%.
func TestUlawRoundTrip_BoundedDistortion(t *testing.T) {
	t.Parallel()

	ref := tone(1000, 8000, 100, 12000)
	decoded := audio.UlawToPCM16(audio.PCM16ToUlaw(ref))

	refRMS := audio.RMS(ref)
	gotRMS := audio.RMS(decoded)
	delta := math.Abs(gotRMS-refRMS) / refRMS
	if delta > 0.03 {
		t.Errorf("round-trip RMS delta = %.4f, want <= 0.03 (ref %.1f, got %.1f)", delta, refRMS, gotRMS)
	}
}

func TestPCM16ToUlaw_MalformedInput(t *testing.T) {
	t.Parallel()

	if got := audio.PCM16ToUlaw(nil); got != nil {
		t.Errorf("PCM16ToUlaw(nil) = %v, want nil", got)
	}
	if got := audio.PCM16ToUlaw([]byte{0x01}); got != nil {
		t.Errorf("PCM16ToUlaw(1 byte) = %v, want nil", got)
	}
	// Odd length: trailing byte discarded, one sample encoded.
	if got := audio.PCM16ToUlaw([]byte{0x00, 0x10, 0x7f}); len(got) != 1 {
		t.Errorf("PCM16ToUlaw(3 bytes) len = %d, want 1", len(got))
	}
}

// ─── Resampling ──────────────────────────────────────────────────────────────

// TestResample_RoundTripEnergy verifies that 16k → 8k → 16k round-trips the
// energy of voice-band content within 3%.
func TestResample_RoundTripEnergy(t *testing.T) {
	t.Parallel()

	ref := tone(440, 16000, 100, 10000)

	down, err := audio.ResampleMono16(ref, 16000, 8000)
	if err != nil {
		t.Fatalf("downsample: %v", err)
	}
	up, err := audio.ResampleMono16(down, 8000, 16000)
	if err != nil {
		t.Fatalf("upsample: %v", err)
	}

	refRMS := audio.RMS(ref)
	gotRMS := audio.RMS(up)
	delta := math.Abs(gotRMS-refRMS) / refRMS
	if delta > 0.03 {
		t.Errorf("round-trip RMS delta = %.4f, want <= 0.03", delta)
	}
}

func TestResample_LengthRatios(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		src, dst int
		inSamp   int
		outSamp  int
	}{
		{"8k to 16k doubles", 8000, 16000, 160, 320},
		{"16k to 8k halves", 16000, 8000, 320, 160},
		{"8k to 24k triples", 8000, 24000, 160, 480},
		{"24k to 16k two thirds", 24000, 16000, 480, 320},
		{"identity", 16000, 16000, 320, 320},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := make([]byte, tc.inSamp*2)
			out, err := audio.ResampleMono16(in, tc.src, tc.dst)
			if err != nil {
				t.Fatalf("ResampleMono16: %v", err)
			}
			if len(out)/2 != tc.outSamp {
				t.Errorf("output samples = %d, want %d", len(out)/2, tc.outSamp)
			}
		})
	}
}

func TestResample_RejectsUnsupportedRates(t *testing.T) {
	t.Parallel()

	if _, err := audio.ResampleMono16(make([]byte, 320), 44100, 16000); err == nil {
		t.Error("expected error for 44100 Hz source")
	}
	if _, err := audio.ResampleMono16(make([]byte, 320), 16000, 48000); err == nil {
		t.Error("expected error for 48000 Hz destination")
	}
}

// ─── Levels and normalisation ────────────────────────────────────────────────

func TestRMS_SilenceAndTone(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(make([]byte, 320)); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}
	if got := audio.RMS(tone(1000, 8000, 20, 10000)); got < 5000 || got > 9000 {
		// A sine of amplitude A has RMS A/sqrt(2) ≈ 7071.
		t.Errorf("RMS(tone) = %f, want ~7071", got)
	}
	if got := audio.RMS([]byte{0x01}); got != 0 {
		t.Errorf("RMS(odd length) = %f, want 0", got)
	}
}

func TestClippingRatio(t *testing.T) {
	t.Parallel()

	// Full-scale square wave: every sample clipped.
	pcm := make([]byte, 100*2)
	for i := 0; i < 100; i++ {
		pcm[i*2] = 0xFF
		pcm[i*2+1] = 0x7F
	}
	if got := audio.ClippingRatio(pcm); got != 1.0 {
		t.Errorf("ClippingRatio(full-scale) = %f, want 1.0", got)
	}
	if got := audio.ClippingRatio(tone(1000, 8000, 20, 1000)); got != 0 {
		t.Errorf("ClippingRatio(quiet tone) = %f, want 0", got)
	}
}

// TestEndianProbe_DetectsSwappedStream verifies that a big-endian PCM16 stream
// is detected on the first frame and normalised on all subsequent frames.
func TestEndianProbe_DetectsSwappedStream(t *testing.T) {
	t.Parallel()

	ref := tone(1000, 16000, 20, 8000)
	swapped := audio.ByteSwap16(ref)

	var probe audio.EndianProbe
	refRMS := audio.RMS(ref)

	for i := 0; i < 10; i++ {
		got := probe.Normalize(swapped)
		gotRMS := audio.RMS(got)
		if math.Abs(gotRMS-refRMS)/refRMS > 0.10 {
			t.Fatalf("frame %d: normalised RMS %.1f deviates more than 10%% from reference %.1f", i, gotRMS, refRMS)
		}
	}
	if !probe.Swapped() {
		t.Error("probe did not mark the flow as byte-swapped")
	}
}

// TestEndianProbe_LeavesNativeStreamAlone verifies the probe does not mangle a
// correctly ordered stream.
func TestEndianProbe_LeavesNativeStreamAlone(t *testing.T) {
	t.Parallel()

	ref := tone(440, 16000, 20, 8000)
	var probe audio.EndianProbe
	got := probe.Normalize(ref)
	if audio.RMS(got) != audio.RMS(ref) {
		t.Error("native-order stream was modified")
	}
	if probe.Swapped() {
		t.Error("probe wrongly marked native stream as swapped")
	}
}

// TestDCBlock_RemovesOffset verifies the high-pass filter removes a constant
// DC offset while carrying state across frames.
func TestDCBlock_RemovesOffset(t *testing.T) {
	t.Parallel()

	// A 200 ms frame of constant +2000 offset.
	offset := int16(2000)
	pcm := make([]byte, 3200*2)
	for i := 0; i < 3200; i++ {
		pcm[i*2] = byte(offset)
		pcm[i*2+1] = byte(offset >> 8)
	}

	var state audio.DCBlockState
	out := audio.DCBlock(pcm, &state)
	// After the filter settles, the tail should sit near zero.
	tail := out[len(out)/2:]
	if got := math.Abs(audio.DCOffset(tail)); got > 100 {
		t.Errorf("DC offset after filter = %f, want < 100", got)
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()

	f := audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000}
	if got := f.Duration().Milliseconds(); got != 20 {
		t.Errorf("Duration = %dms, want 20ms", got)
	}
}

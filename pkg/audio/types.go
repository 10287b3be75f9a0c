package audio

import "time"

// AudioFrame represents a single frame of mono PCM16 audio flowing through the
// pipeline. Frames are the atomic unit of audio transport — decoded from RTP or
// AudioSocket ingress, gated, fed to providers, and written back out as
// synthesised speech.
type AudioFrame struct {
	// Data is little-endian mono PCM16 audio. Length is always even.
	Data []byte

	// SampleRate in Hz (8000 on the wire, 16000 at the provider boundary,
	// 24000 for some synthesis outputs).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// LowEnergy is set when the frame's RMS fell below the configured silence
	// floor at ingress. Such frames are still forwarded, but consumers may
	// skip waking a VAD on pure line hum.
	LowEnergy bool
}

// Samples returns the number of PCM16 samples in the frame.
func (f AudioFrame) Samples() int {
	return len(f.Data) / 2
}

// Duration returns the play time of the frame at its sample rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Package audio provides the codec utilities shared by both media transports:
// G.711 μ-law companding, fixed-ratio resampling between the telephony rates,
// signal-level measurement, and the ingress normalisation helpers (endianness
// probe, DC-block filter).
//
// Samples are signed 16-bit little-endian throughout; any external byte order
// is normalised at the ingress boundary. All functions are stateless except
// where a state value is passed explicitly, so they are safe for concurrent
// use across flows.
package audio

import "github.com/zaf/g711"

// UlawToPCM16 decodes G.711 μ-law bytes to little-endian mono PCM16.
// Each input byte expands to one 16-bit sample.
func UlawToPCM16(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	return g711.DecodeUlaw(ulaw)
}

// PCM16ToUlaw encodes little-endian mono PCM16 to G.711 μ-law. A trailing odd
// byte is discarded; an empty or single-byte input returns nil.
func PCM16ToUlaw(pcm []byte) []byte {
	if len(pcm) < 2 {
		return nil
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return g711.EncodeUlaw(pcm)
}

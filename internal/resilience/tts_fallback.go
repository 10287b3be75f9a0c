package resilience

import (
	"context"

	"github.com/arivox/arivox/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across the
// pipeline's configured synthesis backends.
type TTSFallback struct {
	group *Group[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback wraps primary as the preferred synthesis backend.
// cfg carries the breaker tuning from the config file's breaker block.
func NewTTSFallback(primary tts.Provider, name string, cfg BreakerConfig) *TTSFallback {
	return &TTSFallback{group: NewGroup("tts", name, primary, cfg)}
}

// AddFallback registers an additional synthesis backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.Add(name, p)
}

// SynthesizeStream consumes text fragments and returns audio from the first
// healthy backend. Only stream setup participates in failover; mid-stream
// errors are the caller's responsibility.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	return DoWith(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices returns available voices from the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return DoWith(f.group, func(p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}

// OutputSampleRate reports the primary's PCM rate. Fallback backends must
// emit the same rate; the egress path is sized once at session start and
// does not renegotiate on failover.
func (f *TTSFallback) OutputSampleRate() int {
	return f.group.Primary().OutputSampleRate()
}

package resilience

import (
	"context"

	"github.com/arivox/arivox/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across the
// pipeline's configured transcription backends.
type STTFallback struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback wraps primary as the preferred transcription backend.
// cfg carries the breaker tuning from the config file's breaker block.
func NewSTTFallback(primary stt.Provider, name string, cfg BreakerConfig) *STTFallback {
	return &STTFallback{group: NewGroup("stt", name, primary, cfg)}
}

// AddFallback registers an additional transcription backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.Add(name, p)
}

// StartStream opens a transcription session against the first healthy
// backend. Only stream setup participates in failover; a session that dies
// mid-call surfaces to the pipeline as a provider error.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return DoWith(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

package resilience

import (
	"context"

	"github.com/arivox/arivox/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across the
// pipeline's configured language model backends.
type LLMFallback struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback wraps primary as the preferred language model backend.
// cfg carries the breaker tuning from the config file's breaker block.
func NewLLMFallback(primary llm.Provider, name string, cfg BreakerConfig) *LLMFallback {
	return &LLMFallback{group: NewGroup("llm", name, primary, cfg)}
}

// AddFallback registers an additional language model backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.Add(name, p)
}

// Complete sends the request to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return DoWith(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a streaming completion against the first healthy
// backend. Only the initial connection participates in failover; once a
// stream is up, mid-stream errors are the caller's responsibility.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return DoWith(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the first healthy backend's tokenizer.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return DoWith(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's capabilities. Capabilities are static
// metadata and do not participate in failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllBackendsFailed is returned when no backend in a [Group] could serve
// the call.
var ErrAllBackendsFailed = errors.New("all backends failed")

// backend pairs one provider instance with the breaker guarding it.
type backend[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group chains a pipeline stage's primary backend with its configured
// fallbacks. Calls go to the first backend whose breaker admits them; a
// failure moves on to the next in registration order. Safe for concurrent
// use once all backends are added.
type Group[T any] struct {
	kind     string
	cfg      BreakerConfig
	backends []backend[T]
}

// NewGroup builds a group for one pipeline stage. kind names the stage in
// logs and errors ("stt", "llm", "tts"); name is the primary's provider
// entry key. cfg carries the breaker tuning shared by every backend.
func NewGroup[T any](kind, name string, primary T, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{kind: kind, cfg: cfg}
	g.Add(name, primary)
	return g
}

// Add appends a fallback backend with its own breaker. Backends are tried
// in the order added.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Kind = g.kind
	cfg.Name = name
	g.backends = append(g.backends, backend[T]{
		name:    name,
		value:   v,
		breaker: NewBreaker(cfg),
	})
}

// Primary returns the first backend. Static metadata such as capabilities
// and output sample rates come from the primary; fallbacks must match it.
func (g *Group[T]) Primary() T {
	return g.backends[0].value
}

// Do tries fn against each backend in order until one succeeds. Backends
// with an open breaker are skipped. Returns [ErrAllBackendsFailed] wrapping
// the last error when every backend fails.
func (g *Group[T]) Do(fn func(T) error) error {
	_, err := DoWith(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// DoWith tries fn against the group's backends in order until one returns a
// result. It is a package function because methods cannot introduce type
// parameters.
func DoWith[T, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range g.backends {
		be := &g.backends[i]
		var res R
		err := be.breaker.Do(func() error {
			var callErr error
			res, callErr = fn(be.value)
			return callErr
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("backend skipped, breaker open", "kind", g.kind, "backend", be.name)
			continue
		}
		slog.Warn("backend failed, trying next", "kind", g.kind, "backend", be.name, "err", err)
	}
	var zero R
	return zero, fmt.Errorf("%s: %w: %v", g.kind, ErrAllBackendsFailed, lastErr)
}

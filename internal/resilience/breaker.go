// Package resilience keeps a failing speech or language backend from
// dragging live calls down with it. A [Breaker] counts consecutive failures
// per backend and short-circuits calls while the backend cools down; a
// [Group] chains a pipeline stage's configured fallbacks behind their
// breakers so the first healthy backend answers. [RetryPolicy] covers the
// complementary case of transient PBX command failures.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the guarded backend is
// cooling down. The returned error names the stage kind and backend.
var ErrBreakerOpen = errors.New("breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls until the cooldown window ends.
	BreakerOpen

	// BreakerProbing lets calls through again after the cooldown; enough
	// consecutive successes close the breaker, any failure re-opens it.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// BreakerConfig tunes one backend's breaker. Kind and Name label log lines
// and errors; the pipeline sets Kind to the stage ("stt", "llm", "tts") and
// Name to the provider entry key from the config file.
type BreakerConfig struct {
	Kind string
	Name string

	// Trip is the consecutive failure count that opens the breaker.
	// Default 5.
	Trip int

	// Cooldown is how long an open breaker rejects calls before probing the
	// backend again. Default 30s.
	Cooldown time.Duration

	// Probes is the number of consecutive successful calls required to
	// close a probing breaker. Default 3.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip <= 0 {
		c.Trip = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 3
	}
	return c
}

// Breaker is a three-state circuit breaker guarding a single backend.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int       // consecutive failures while closed
	openUntil time.Time // end of the cooldown window
	probeWins int       // consecutive successes while probing
}

// NewBreaker creates a closed [Breaker]. Zero config fields take the
// documented defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Do runs fn unless the breaker is open and still inside its cooldown, in
// which case it returns an error wrapping [ErrBreakerOpen] without calling
// fn. The first call after the cooldown moves the breaker to probing.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if time.Now().Before(b.openUntil) {
			b.mu.Unlock()
			return fmt.Errorf("%s backend %s: %w", b.cfg.Kind, b.cfg.Name, ErrBreakerOpen)
		}
		b.state = BreakerProbing
		b.probeWins = 0
		slog.Info("breaker probing backend", "kind", b.cfg.Kind, "backend", b.cfg.Name)
	}
	probing := b.state == BreakerProbing
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	if probing {
		b.trip("probe failed")
		return
	}
	b.failures++
	if b.failures >= b.cfg.Trip {
		b.trip("consecutive failure limit reached")
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		b.probeWins++
		if b.probeWins >= b.cfg.Probes {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("breaker closed after successful probes",
				"kind", b.cfg.Kind, "backend", b.cfg.Name)
		}
		return
	}
	b.failures = 0
}

// trip must be called with b.mu held.
func (b *Breaker) trip(why string) {
	b.state = BreakerOpen
	b.openUntil = time.Now().Add(b.cfg.Cooldown)
	slog.Warn("breaker opened",
		"kind", b.cfg.Kind,
		"backend", b.cfg.Name,
		"reason", why,
		"cooldown", b.cfg.Cooldown,
	)
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [BreakerProbing]; the transition itself happens on the
// next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && !time.Now().Before(b.openUntil) {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.probeWins = 0
	slog.Info("breaker reset", "kind", b.cfg.Kind, "backend", b.cfg.Name)
}

// Package gating is the single authority for ingress gating decisions.
//
// Two facts decide whether caller audio reaches the provider: the playback
// refcount (is the agent speaking?) and the barge-in override. Both the RTP
// and AudioSocket ingest paths consult the Coordinator before forwarding a
// frame; frames produced while gated are dropped, not buffered. The one
// exception is the first frame of a detected barge-in, which the caller
// forwards itself to seed the provider's VAD.
package gating

import (
	"context"
	"sync"

	"github.com/arivox/arivox/internal/callstore"
	"github.com/arivox/arivox/internal/observe"
)

// Coordinator owns the audioCaptureEnabled / ttsPlaying flags for every
// call. All methods are safe for concurrent use.
type Coordinator struct {
	store   *callstore.Store
	metrics *observe.Metrics

	mu       sync.Mutex
	bargedIn map[string]bool   // barge-in override active for this call
	dropped  map[string]uint64 // frames dropped while gated
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics replaces the default metrics instance. Tests use this with a
// private meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Coordinator) { g.metrics = m }
}

// New creates a Coordinator over the given call store.
func New(store *callstore.Store, opts ...Option) *Coordinator {
	g := &Coordinator{
		store:    store,
		bargedIn: make(map[string]bool),
		dropped:  make(map[string]uint64),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Acquire takes one gating token for the call. The first token disables
// audio capture (unless a barge-in override is active). Returns the new
// refcount.
func (g *Coordinator) Acquire(callerID, token string) (int, error) {
	var count int
	err := g.store.Update(callerID, func(c *callstore.CallSession) {
		c.TTSActiveCount++
		if c.TTSTokens == nil {
			c.TTSTokens = make(map[string]struct{})
		}
		c.TTSTokens[token] = struct{}{}
		count = c.TTSActiveCount
		if count == 1 && !g.isBargedIn(callerID) {
			c.AudioCaptureEnabled = false
		}
	})
	return count, err
}

// Release returns one gating token. When the refcount reaches zero, capture
// is re-enabled and the barge-in override is cleared. released reports
// whether this call dropped the count to zero (the TTSGateReleased moment).
func (g *Coordinator) Release(callerID, token string) (released bool, err error) {
	err = g.store.Update(callerID, func(c *callstore.CallSession) {
		if _, ok := c.TTSTokens[token]; !ok {
			return
		}
		delete(c.TTSTokens, token)
		if c.TTSActiveCount > 0 {
			c.TTSActiveCount--
		}
		if c.TTSActiveCount == 0 {
			c.AudioCaptureEnabled = true
			released = true
		}
	})
	if released {
		g.clearBargeIn(callerID)
	}
	return released, err
}

// ForceRelease zeroes the refcount and re-enables capture regardless of
// outstanding tokens. Used by the gate watchdog when a completion event was
// lost. Reports whether any tokens were actually dropped.
func (g *Coordinator) ForceRelease(callerID string) (forced bool, err error) {
	err = g.store.Update(callerID, func(c *callstore.CallSession) {
		forced = c.TTSActiveCount > 0 || len(c.TTSTokens) > 0
		c.TTSActiveCount = 0
		c.TTSTokens = make(map[string]struct{})
		c.AudioCaptureEnabled = true
	})
	if err == nil {
		g.clearBargeIn(callerID)
	}
	return forced, err
}

// ForceBargeIn enables capture immediately, regardless of the refcount. The
// override stays active until the gate fully releases, so playback
// completions trickling in afterwards cannot re-gate the caller mid-speech.
func (g *Coordinator) ForceBargeIn(callerID string) error {
	g.mu.Lock()
	g.bargedIn[callerID] = true
	g.mu.Unlock()
	return g.store.Update(callerID, func(c *callstore.CallSession) {
		c.AudioCaptureEnabled = true
	})
}

// CaptureEnabled reports whether caller audio may be forwarded right now.
// Unknown calls are gated.
func (g *Coordinator) CaptureEnabled(callerID string) bool {
	sess, ok := g.store.Get(callerID)
	return ok && sess.AudioCaptureEnabled
}

// TTSPlaying reports whether the agent currently holds the speaking gate.
func (g *Coordinator) TTSPlaying(callerID string) bool {
	sess, ok := g.store.Get(callerID)
	return ok && sess.TTSActiveCount > 0
}

// CheckIngress is the per-frame gate consulted by the media servers. When
// the frame must be dropped it increments the call's drop counter and
// returns false.
func (g *Coordinator) CheckIngress(callerID string) bool {
	if g.CaptureEnabled(callerID) {
		return true
	}
	g.mu.Lock()
	g.dropped[callerID]++
	g.mu.Unlock()
	g.metrics.RecordDroppedFrame(context.Background(), "gate_closed")
	return false
}

// DroppedFrames returns how many ingress frames were dropped for the call
// while gated.
func (g *Coordinator) DroppedFrames(callerID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped[callerID]
}

// Forget clears coordinator-local state for a terminated call.
func (g *Coordinator) Forget(callerID string) {
	g.mu.Lock()
	delete(g.bargedIn, callerID)
	delete(g.dropped, callerID)
	g.mu.Unlock()
}

func (g *Coordinator) isBargedIn(callerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bargedIn[callerID]
}

func (g *Coordinator) clearBargeIn(callerID string) {
	g.mu.Lock()
	delete(g.bargedIn, callerID)
	g.mu.Unlock()
}

// Package playback turns provider audio into caller-audible speech.
//
// Each response is played in one of two modes. File mode buffers the
// response to a raw μ-law file and asks the PBX to play it on the call's
// bridge. Stream mode writes frames straight onto the call's AudioSocket
// connection and synthesizes a finish once the response ends and the
// egress drains. A stalled stream falls back to file mode for the rest of
// the call.
//
// The manager also owns the capture-gate refcount discipline: a token per
// response plus a token per issued playback, a watchdog that force-releases
// a stuck gate, and the deferred farewell hangup once the gate fully
// releases.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arivox/arivox/internal/ari"
	"github.com/arivox/arivox/internal/callstore"
	"github.com/arivox/arivox/internal/gating"
	"github.com/arivox/arivox/internal/observe"
	"github.com/arivox/arivox/pkg/audio"
	"github.com/arivox/arivox/pkg/provider"
)

const (
	defaultWatchdogTimeout = 10 * time.Second
	defaultFarewellDelay   = 2500 * time.Millisecond

	fileWireRate = 8000
)

// Mode selects how a call's responses are delivered.
type Mode int

const (
	// ModeFile buffers each response to a file and plays it through the PBX.
	ModeFile Mode = iota

	// ModeStream writes each response frame onto the AudioSocket egress.
	ModeStream
)

// Commander is the slice of the PBX client the manager issues commands
// through.
type Commander interface {
	PlayOnBridge(ctx context.Context, bridgeID, playbackID, media string) (ari.Playback, error)
	StopPlayback(ctx context.Context, playbackID string) error
	HangupChannel(ctx context.Context, channelID string) error
}

// StreamWriter is the egress half of an AudioSocket connection.
type StreamWriter interface {
	WriteAudio(pcm []byte, sampleRate int) error
	Stalled() bool
}

// Config holds the manager's tuning knobs.
type Config struct {
	// MediaDir is where file-mode utterances are written. It must be
	// readable by the PBX.
	MediaDir string

	// WatchdogTimeout force-releases the capture gate when no completion
	// arrives for this long. Default 10 s.
	WatchdogTimeout time.Duration

	// FarewellDelay is how long after the last gate release the caller is
	// hung up when a farewell is pending. Default 2.5 s.
	FarewellDelay time.Duration

	// Metrics overrides the default metrics instance. Tests set this to a
	// private one.
	Metrics *observe.Metrics
}

// call is the per-call playback state.
type call struct {
	mu sync.Mutex

	mode    Mode
	profile provider.TransportProfile
	stream  StreamWriter
	stalled bool

	// buf accumulates the current response. File mode collects the whole
	// utterance; stream mode holds the sub-chunk remainder.
	buf        []byte
	responseID string

	// queue holds file playbacks waiting for the previous one to finish.
	queue   []queuedFile
	playing bool

	watchdog *time.Timer
	farewell *time.Timer
	stopped  bool
}

type queuedFile struct {
	playbackID string
	path       string
}

// Manager coordinates playback, gating and farewell for all calls.
type Manager struct {
	cmd     Commander
	store   *callstore.Store
	gate    *gating.Coordinator
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	calls map[string]*call

	duplicateFinishes atomic.Uint64
	idSeq             atomic.Uint64
}

// New creates a Manager. Zero-value config fields get defaults.
func New(cmd Commander, store *callstore.Store, gate *gating.Coordinator, cfg Config) *Manager {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaultWatchdogTimeout
	}
	if cfg.FarewellDelay <= 0 {
		cfg.FarewellDelay = defaultFarewellDelay
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cmd:     cmd,
		store:   store,
		gate:    gate,
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     slog.Default().With("component", "playback"),
		calls:   make(map[string]*call),
	}
}

// Register prepares playback state for a call. Stream mode requires a
// writer; passing nil forces file mode.
func (m *Manager) Register(callID string, mode Mode, profile provider.TransportProfile, stream StreamWriter) {
	if mode == ModeStream && stream == nil {
		mode = ModeFile
	}
	m.mu.Lock()
	m.calls[callID] = &call{mode: mode, profile: profile, stream: stream}
	m.mu.Unlock()
}

// DuplicateFinishes reports finish events for unknown playback IDs.
func (m *Manager) DuplicateFinishes() uint64 { return m.duplicateFinishes.Load() }

func (m *Manager) get(callID string) (*call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	return c, ok
}

// OnResponseStart opens a response: acquires a gate token for it and arms
// the watchdog.
func (m *Manager) OnResponseStart(callID, responseID string) {
	c, ok := m.get(callID)
	if !ok {
		return
	}

	if _, err := m.gate.Acquire(callID, responseToken(responseID)); err != nil {
		m.log.Warn("gate acquire failed", "call_id", callID, "err", err)
		return
	}

	c.mu.Lock()
	c.responseID = responseID
	c.buf = c.buf[:0]
	m.armWatchdogLocked(c, callID)
	c.mu.Unlock()
}

// OnAudio handles one response frame. Stream mode writes it out reframed to
// the egress chunk size; file mode appends it to the utterance buffer.
func (m *Manager) OnAudio(callID, responseID string, chunk []byte) {
	c, ok := m.get(callID)
	if !ok || len(chunk) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responseID != responseID {
		return
	}

	if c.mode == ModeStream && !c.stalled {
		m.streamChunkLocked(c, callID, chunk)
		return
	}
	c.buf = append(c.buf, chunk...)
}

// streamChunkLocked converts chunk to PCM16 and writes it in fixed egress
// frames, keeping the remainder buffered. A stalled write flips the call to
// file mode; audio already written stays written, the remainder is replayed
// through the file path.
func (m *Manager) streamChunkLocked(c *call, callID string, chunk []byte) {
	pcm := chunk
	if c.profile.EgressFormat == provider.FormatULaw {
		pcm = audio.UlawToPCM16(chunk)
	}
	c.buf = append(c.buf, pcm...)

	frame := c.profile.EgressSampleRate * c.profile.ChunkMs * 2 / 1000
	if frame <= 0 {
		frame = len(c.buf)
	}
	for len(c.buf) >= frame {
		if err := c.stream.WriteAudio(c.buf[:frame], c.profile.EgressSampleRate); err != nil {
			m.log.Warn("egress stalled, falling back to file mode",
				"call_id", callID, "err", err)
			m.metrics.RecordPlayback(context.Background(), "stalled_fallback")
			c.stalled = true
			if c.profile.EgressFormat == provider.FormatULaw {
				// The file path expects the provider's wire format; re-encode
				// the unplayed remainder.
				c.buf = audio.PCM16ToUlaw(c.buf)
			}
			return
		}
		c.buf = c.buf[frame:]
	}
}

// OnResponseEnd closes a response. Stream mode flushes the remainder and
// releases the response token (the synthetic finish). File mode writes the
// utterance file, indexes the playback, issues the play command, then
// releases the response token so the playback token carries the gate.
func (m *Manager) OnResponseEnd(ctx context.Context, callID, responseID string) {
	c, ok := m.get(callID)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.responseID != responseID {
		c.mu.Unlock()
		return
	}
	c.responseID = ""

	if c.mode == ModeStream && !c.stalled {
		// Flush the sub-frame remainder before the synthetic finish.
		if len(c.buf) > 0 {
			if err := c.stream.WriteAudio(c.buf, c.profile.EgressSampleRate); err != nil {
				m.log.Warn("egress flush failed", "call_id", callID, "err", err)
			}
			c.buf = c.buf[:0]
		}
		c.mu.Unlock()
		m.release(callID, responseToken(responseID))
		return
	}

	utterance := c.buf
	c.buf = nil
	c.mu.Unlock()

	if len(utterance) > 0 {
		if err := m.playFile(ctx, c, callID, utterance); err != nil {
			m.log.Error("file playback failed", "call_id", callID, "err", err)
		}
	}
	m.release(callID, responseToken(responseID))
}

// playFile writes the utterance as raw μ-law at 8 kHz, registers the
// playback before issuing the command, and queues it behind any playback
// still running on the call.
func (m *Manager) playFile(ctx context.Context, c *call, callID string, utterance []byte) error {
	ulaw, err := toFileULaw(utterance, c.profile)
	if err != nil {
		return err
	}

	playbackID := fmt.Sprintf("%s-pb-%d", callID, m.idSeq.Add(1))
	path := filepath.Join(m.cfg.MediaDir, playbackID+".ulaw")
	if err := os.WriteFile(path, ulaw, 0o644); err != nil {
		return fmt.Errorf("write utterance: %w", err)
	}

	if _, err := m.gate.Acquire(callID, playbackID); err != nil {
		os.Remove(path)
		return err
	}
	if err := m.store.RegisterPlayback(callstore.Playback{
		PlaybackID:      playbackID,
		CallerChannelID: callID,
		MediaPath:       path,
		Token:           playbackID,
	}); err != nil {
		m.release(callID, playbackID)
		os.Remove(path)
		return err
	}

	c.mu.Lock()
	m.armWatchdogLocked(c, callID)
	if c.playing {
		c.queue = append(c.queue, queuedFile{playbackID: playbackID, path: path})
		c.mu.Unlock()
		return nil
	}
	c.playing = true
	c.mu.Unlock()

	return m.issuePlay(ctx, c, callID, playbackID, path)
}

func (m *Manager) issuePlay(ctx context.Context, c *call, callID, playbackID, path string) error {
	sess, ok := m.store.Get(callID)
	if !ok {
		m.abortPlayback(callID, playbackID, path)
		return fmt.Errorf("no session for call %s", callID)
	}
	media := "sound:" + strings.TrimSuffix(path, ".ulaw")
	if _, err := m.cmd.PlayOnBridge(ctx, sess.BridgeID, playbackID, media); err != nil {
		m.abortPlayback(callID, playbackID, path)
		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
		return fmt.Errorf("play %s: %w", playbackID, err)
	}
	return nil
}

// abortPlayback unwinds a playback that never made it to the PBX.
func (m *Manager) abortPlayback(callID, playbackID, path string) {
	m.store.CompletePlayback(playbackID)
	m.metrics.RecordPlayback(context.Background(), "aborted")
	m.release(callID, playbackID)
	os.Remove(path)
}

// OnPlaybackFinished handles a PBX finish event. Unknown IDs are counted
// and ignored. Returns true when the ID belonged to a live playback.
func (m *Manager) OnPlaybackFinished(ctx context.Context, playbackID string) bool {
	pb, ok := m.store.CompletePlayback(playbackID)
	if !ok {
		m.duplicateFinishes.Add(1)
		return false
	}
	os.Remove(pb.MediaPath)
	m.metrics.RecordPlayback(ctx, "finished")
	m.release(pb.CallerChannelID, pb.Token)

	c, ok := m.get(pb.CallerChannelID)
	if !ok {
		return true
	}
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.playing = false
		c.mu.Unlock()
		return true
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	if err := m.issuePlay(ctx, c, pb.CallerChannelID, next.playbackID, next.path); err != nil {
		m.log.Error("queued playback failed", "call_id", pb.CallerChannelID, "err", err)
	}
	return true
}

// release drops one gate token, feeding the watchdog and, on the last
// token, the pending farewell.
func (m *Manager) release(callID, token string) {
	released, err := m.gate.Release(callID, token)
	if err != nil {
		return
	}
	c, ok := m.get(callID)
	if !ok {
		return
	}
	c.mu.Lock()
	if released {
		m.disarmWatchdogLocked(c)
	} else {
		m.armWatchdogLocked(c, callID)
	}
	c.mu.Unlock()

	if released {
		m.maybeFarewell(callID, c)
	}
}

// maybeFarewell schedules the deferred hangup if the session asked for one.
func (m *Manager) maybeFarewell(callID string, c *call) {
	sess, ok := m.store.Get(callID)
	if !ok || !sess.FarewellPending {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.farewell != nil {
		return
	}
	c.farewell = time.AfterFunc(m.cfg.FarewellDelay, func() {
		m.log.Info("farewell hangup", "call_id", callID)
		if err := m.cmd.HangupChannel(context.Background(), callID); err != nil {
			m.log.Warn("farewell hangup failed", "call_id", callID, "err", err)
		}
	})
}

// armWatchdogLocked (re)starts the stuck-gate watchdog. Caller holds c.mu.
func (m *Manager) armWatchdogLocked(c *call, callID string) {
	if c.stopped {
		return
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.AfterFunc(m.cfg.WatchdogTimeout, func() {
		forced, err := m.gate.ForceRelease(callID)
		if err != nil || !forced {
			return
		}
		m.metrics.GateWatchdogFires.Add(context.Background(), 1)
		m.log.Warn("gate watchdog fired", "call_id", callID)
		if c, ok := m.get(callID); ok {
			m.maybeFarewell(callID, c)
		}
	})
}

func (m *Manager) disarmWatchdogLocked(c *call) {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// Stop tears down a call's playback state: stops running playbacks, removes
// spooled files, cancels timers.
func (m *Manager) Stop(ctx context.Context, callID string) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	delete(m.calls, callID)
	m.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.stopped = true
	m.disarmWatchdogLocked(c)
	if c.farewell != nil {
		c.farewell.Stop()
		c.farewell = nil
	}
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, q := range queue {
		m.store.CompletePlayback(q.playbackID)
		os.Remove(q.path)
	}
	for _, pb := range m.store.PlaybacksFor(callID) {
		if err := m.cmd.StopPlayback(ctx, pb.PlaybackID); err != nil &&
			!errors.Is(err, context.Canceled) {
			m.log.Warn("stop playback failed", "playback_id", pb.PlaybackID, "err", err)
		}
		m.store.CompletePlayback(pb.PlaybackID)
		os.Remove(pb.MediaPath)
	}
	m.gate.Forget(callID)
}

// toFileULaw converts a buffered utterance in the profile's egress format to
// raw μ-law at the 8 kHz wire rate.
func toFileULaw(utterance []byte, profile provider.TransportProfile) ([]byte, error) {
	if profile.EgressFormat == provider.FormatULaw {
		return utterance, nil
	}
	pcm := utterance
	if profile.EgressSampleRate != fileWireRate {
		var err error
		pcm, err = audio.ResampleMono16(pcm, profile.EgressSampleRate, fileWireRate)
		if err != nil {
			return nil, fmt.Errorf("resample utterance: %w", err)
		}
	}
	return audio.PCM16ToUlaw(pcm), nil
}

func responseToken(responseID string) string {
	return "resp:" + responseID
}

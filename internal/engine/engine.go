// Package engine runs the per-call conversation state machine.
//
// One Engine serves all calls. Control-plane events from the PBX and events
// from each call's provider session are funneled into a per-call FIFO queue
// and processed by a single worker goroutine, so all state transitions for
// one call are serialized. Media frames bypass the queue: they are gated
// and fed to the provider directly on the receive path.
//
// Lifecycle per call: StasisStart creates the session, answers the caller,
// builds a mixing bridge, originates the media leg, locks the transport
// profile against the provider's capabilities, opens the provider session
// and speaks the greeting. FinalTranscript or server speech onset moves the
// call to thinking; the first synthesized audio to speaking; drained
// playback back to listening. ChannelDestroyed or StasisEnd terminates,
// tearing down provider, playback, media leg and bridge in that order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arivox/arivox/internal/ari"
	"github.com/arivox/arivox/internal/callstore"
	"github.com/arivox/arivox/internal/gating"
	"github.com/arivox/arivox/internal/observe"
	"github.com/arivox/arivox/internal/playback"
	"github.com/arivox/arivox/internal/rtp"
	"github.com/arivox/arivox/pkg/audio"
	"github.com/arivox/arivox/pkg/provider"
	"github.com/arivox/arivox/pkg/provider/vad"
)

const (
	defaultSetupTimeout    = 10 * time.Second
	defaultDeadCallTimeout = 60 * time.Second
	defaultFarewellDelay   = 2500 * time.Millisecond
	defaultQuarantine      = 5 * time.Second

	workerQueueDepth = 64
)

// Transport selects the media plane for new calls.
type Transport string

const (
	TransportRTP         Transport = "rtp"
	TransportAudioSocket Transport = "audiosocket"
)

// PBX is the control-plane client surface the engine drives.
type PBX interface {
	AnswerChannel(ctx context.Context, channelID string) error
	HangupChannel(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context) (ari.Bridge, error)
	DeleteBridge(ctx context.Context, bridgeID string) error
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	OriginateExternalMedia(ctx context.Context, dest, format string) (ari.Channel, error)
	OriginateAudioSocket(ctx context.Context, serverAddr string, id uuid.UUID) (ari.Channel, error)
}

// FlowRemover releases an RTP flow record on call termination.
type FlowRemover interface {
	RemoveFlow(ssrc uint32)
}

// StreamConn is the AudioSocket connection surface the engine needs for
// stream-mode playback.
type StreamConn interface {
	playback.StreamWriter
	Close() error
}

// Config holds the engine's per-deployment settings.
type Config struct {
	// Transport selects rtp or audiosocket media.
	Transport Transport

	// DownstreamMode selects file or stream playback for new calls. Stream
	// is only honored on the audiosocket transport.
	DownstreamMode playback.Mode

	// Profile is the transport profile requested by configuration. It must
	// be admitted by the active provider's capabilities or every call fails
	// in setup.
	Profile provider.TransportProfile

	// RTPDest is the host:port the PBX should send external media to.
	RTPDest string

	// AudioSocketAddr is the host:port the PBX should open AudioSocket
	// connections to.
	AudioSocketAddr string

	// GreetingText is synthesized when a call reaches greeting.
	GreetingText string

	// ApologyText is synthesized before hanging up on a fatal call error.
	ApologyText string

	SetupTimeout    time.Duration
	DeadCallTimeout time.Duration
	FarewellDelay   time.Duration

	// QuarantineTimeout is how long an unbindable SSRC is held before being
	// discarded. Default 5 s.
	QuarantineTimeout time.Duration
}

// Engine is the conversation controller for all active calls.
type Engine struct {
	cfg     Config
	pbx     PBX
	adapter provider.Adapter
	store   *callstore.Store
	gate    *gating.Coordinator
	media   *playback.Manager
	flows   FlowRemover
	metrics *observe.Metrics
	log     *slog.Logger

	// phrases holds the greeting and apology texts. Kept apart from cfg so
	// a config reload can swap them for calls that have not started yet.
	phrases atomic.Value

	// bargeEng scores gated ingress frames for caller speech onset. The
	// engine owns this detector because the gate drops those frames before
	// they ever reach the provider session.
	bargeEng vad.Engine
	bargeCfg vad.Config

	mu         sync.Mutex
	workers    map[string]*worker
	quarantine map[uint32]*time.Timer

	bargeMu sync.Mutex
	barge   map[string]*bargeDetector

	lateEvents     atomic.Uint64
	discardedSSRCs atomic.Uint64

	wg sync.WaitGroup
}

// bargeDetector is the per-call speech-onset state for gated ingress. Frames
// for one call arrive from a single media read loop, so no lock beyond the
// session's own is needed.
type bargeDetector struct {
	handle     vad.SessionHandle
	frameBytes int
}

// worker serializes all state transitions for one call.
type worker struct {
	callID string
	queue  chan item
	done   chan struct{}

	// Fields below are owned by the worker goroutine.
	state      callstore.State
	session    provider.Session
	responseID string
	stream     StreamConn
	thinkStart time.Time

	setupTimer *time.Timer
	deadTimer  *time.Timer
}

type itemKind int

const (
	itemARIEvent itemKind = iota
	itemProviderEvent
	itemDTMF
	itemStreamAttached
	itemBargeIn
	itemTimeout
	itemTerminate
)

type item struct {
	kind     itemKind
	ariEvent ari.Event
	provider provider.Event
	digit    byte
	stream   StreamConn
	reason   string
}

// Option configures an Engine.
type Option func(*Engine)

// WithFlowRemover wires the RTP server for flow cleanup on termination.
func WithFlowRemover(fr FlowRemover) Option {
	return func(e *Engine) { e.flows = fr }
}

// WithMetrics replaces the default metrics instance. Tests use this with a
// private meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBargeInVAD installs a speech-onset detector for gated ingress frames,
// so a caller can interrupt the agent mid-playback. Sample rate and frame
// size in cfg are overridden per flow; the thresholds and debounce carry
// over. Without this option barge-in relies on provider speech events alone.
func WithBargeInVAD(eng vad.Engine, cfg vad.Config) Option {
	return func(e *Engine) {
		e.bargeEng = eng
		e.bargeCfg = cfg
	}
}

// New creates an Engine. Zero-value timeouts get defaults.
func New(cfg Config, pbx PBX, adapter provider.Adapter, store *callstore.Store,
	gate *gating.Coordinator, media *playback.Manager, opts ...Option) *Engine {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	if cfg.DeadCallTimeout <= 0 {
		cfg.DeadCallTimeout = defaultDeadCallTimeout
	}
	if cfg.FarewellDelay <= 0 {
		cfg.FarewellDelay = defaultFarewellDelay
	}
	if cfg.QuarantineTimeout <= 0 {
		cfg.QuarantineTimeout = defaultQuarantine
	}
	e := &Engine{
		cfg:        cfg,
		pbx:        pbx,
		adapter:    adapter,
		store:      store,
		gate:       gate,
		media:      media,
		log:        slog.Default().With("component", "engine"),
		workers:    make(map[string]*worker),
		quarantine: make(map[uint32]*time.Timer),
		barge:      make(map[string]*bargeDetector),
	}
	e.phrases.Store(phraseSet{greeting: cfg.GreetingText, apology: cfg.ApologyText})
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

type phraseSet struct {
	greeting string
	apology  string
}

// SetPhrases replaces the greeting and apology texts for subsequent calls.
func (e *Engine) SetPhrases(greeting, apology string) {
	e.phrases.Store(phraseSet{greeting: greeting, apology: apology})
}

// LateEventCount reports provider or PBX events that arrived for a call
// already terminating or gone.
func (e *Engine) LateEventCount() uint64 { return e.lateEvents.Load() }

// ActiveCalls reports the number of live call workers.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Run consumes the PBX event stream until it closes or ctx is cancelled,
// then terminates every remaining call and waits for the workers to drain.
func (e *Engine) Run(ctx context.Context, events <-chan ari.Event) {
	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			return
		case ev, ok := <-events:
			if !ok {
				e.shutdown(ctx)
				return
			}
			e.route(ctx, ev)
		}
	}
}

func (e *Engine) shutdown(ctx context.Context) {
	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()
	for _, w := range workers {
		e.enqueue(w, item{kind: itemTerminate, reason: "shutting down"})
	}
	e.wg.Wait()
}

// route finds or creates the worker responsible for an event and queues it.
func (e *Engine) route(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		if ev.Channel == nil {
			return
		}
		// Our own originated media legs also enter the application; they
		// carry a marker argument and join their call's bridge.
		if len(ev.Args) > 0 && ev.Args[0] == "media-leg" {
			e.handleMediaLegUp(ctx, ev.Channel.ID)
			return
		}
		e.startCall(ctx, ev.Channel)
		return

	case ari.EventPlaybackStarted, ari.EventPlaybackFinished:
		if ev.Playback == nil {
			return
		}
		pb, ok := e.store.GetPlayback(ev.Playback.ID)
		if !ok {
			// Duplicate or unknown; the playback manager keeps the counter.
			if ev.Type == ari.EventPlaybackFinished {
				e.media.OnPlaybackFinished(ctx, ev.Playback.ID)
			}
			return
		}
		if w, ok := e.worker(pb.CallerChannelID); ok {
			e.enqueue(w, item{kind: itemARIEvent, ariEvent: ev})
		}
		return
	}

	if ev.Channel == nil {
		return
	}
	callID := ev.Channel.ID
	if sess, ok := e.store.GetByMediaLeg(callID); ok {
		callID = sess.CallerChannelID
	}
	w, ok := e.worker(callID)
	if !ok {
		e.lateEvent()
		return
	}
	e.enqueue(w, item{kind: itemARIEvent, ariEvent: ev})
}

// lateEvent records an event that arrived for a call already terminating or
// gone.
func (e *Engine) lateEvent() {
	e.lateEvents.Add(1)
	e.metrics.LateEvents.Add(context.Background(), 1)
}

func (e *Engine) worker(callID string) (*worker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[callID]
	return w, ok
}

// enqueue delivers an item to a worker, giving up if the worker is gone.
func (e *Engine) enqueue(w *worker, it item) {
	select {
	case w.queue <- it:
	case <-w.done:
		e.lateEvent()
	}
}

// ─── call setup ───────────────────────────────────────────────────────────────

func (e *Engine) startCall(ctx context.Context, ch *ari.Channel) {
	callID := ch.ID
	if err := e.store.Create(callID); err != nil {
		e.log.Warn("duplicate StasisStart", "call_id", callID)
		return
	}

	w := &worker{
		callID: callID,
		queue:  make(chan item, workerQueueDepth),
		done:   make(chan struct{}),
		state:  callstore.StateSetup,
	}
	e.mu.Lock()
	e.workers[callID] = w
	e.mu.Unlock()

	e.metrics.RecordCallStart(ctx, string(e.cfg.Transport))
	e.log.Info("call started", "call_id", callID, "caller", ch.Caller.Number)

	e.wg.Add(1)
	go e.runWorker(ctx, w)
}

func (e *Engine) runWorker(ctx context.Context, w *worker) {
	defer e.wg.Done()

	w.setupTimer = time.AfterFunc(e.cfg.SetupTimeout, func() {
		e.enqueue(w, item{kind: itemTimeout, reason: "setup timeout"})
	})
	w.deadTimer = time.AfterFunc(e.cfg.DeadCallTimeout, func() {
		e.enqueue(w, item{kind: itemTimeout, reason: "dead call"})
	})

	setupStart := time.Now()
	if err := e.setup(ctx, w); err != nil {
		e.log.Error("call setup failed", "call_id", w.callID, "err", err)
		e.terminate(ctx, w, "setup failed")
		return
	}
	e.metrics.CallSetupDuration.Record(ctx, time.Since(setupStart).Seconds())

	for it := range w.queue {
		if e.process(ctx, w, it) {
			return
		}
	}
}

// setup runs the setup state actions: answer, bridge, media leg, profile
// lock, provider open, greeting.
func (e *Engine) setup(ctx context.Context, w *worker) error {
	callID := w.callID

	if !e.adapter.Capabilities().SupportsProfile(e.cfg.Profile) {
		return fmt.Errorf("%w: profile %+v not admitted by provider %s",
			provider.ErrNoProfile, e.cfg.Profile, e.adapter.Name())
	}

	if err := e.pbx.AnswerChannel(ctx, callID); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	bridge, err := e.pbx.CreateBridge(ctx)
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	e.store.Update(callID, func(s *callstore.CallSession) {
		s.BridgeID = bridge.ID
		s.Profile = e.cfg.Profile
	})
	if err := e.pbx.AddChannelToBridge(ctx, bridge.ID, callID); err != nil {
		return fmt.Errorf("add caller to bridge: %w", err)
	}

	if err := e.originateMediaLeg(ctx, w, callID); err != nil {
		return err
	}

	session, err := e.adapter.Open(ctx, callID, e.cfg.Profile)
	if err != nil {
		return fmt.Errorf("open provider: %w", err)
	}
	w.session = session
	e.store.Update(callID, func(s *callstore.CallSession) { s.Provider = session })

	// Stream mode waits for the AudioSocket handshake before upgrading.
	e.media.Register(callID, playback.ModeFile, e.cfg.Profile, nil)

	e.wg.Add(1)
	go e.pumpProvider(w, session)

	e.transition(w, callstore.StateGreeting)
	if greeting := e.phrases.Load().(phraseSet).greeting; greeting != "" {
		if err := session.FeedText(greeting); err != nil {
			e.log.Warn("greeting failed", "call_id", callID, "err", err)
		}
	}
	return nil
}

func (e *Engine) originateMediaLeg(ctx context.Context, w *worker, callID string) error {
	switch e.cfg.Transport {
	case TransportAudioSocket:
		id := uuid.New()
		ch, err := e.pbx.OriginateAudioSocket(ctx, e.cfg.AudioSocketAddr, id)
		if err != nil {
			return fmt.Errorf("originate audiosocket leg: %w", err)
		}
		if err := e.store.BindMediaLeg(callID, ch.ID); err != nil {
			return err
		}
		return e.store.BindUUID(callID, id)

	default:
		ch, err := e.pbx.OriginateExternalMedia(ctx, e.cfg.RTPDest, "ulaw")
		if err != nil {
			return fmt.Errorf("originate media leg: %w", err)
		}
		// The SSRC binding arrives with the first RTP packet.
		return e.store.BindMediaLeg(callID, ch.ID)
	}
}

// pumpProvider forwards a session's events into the call's FIFO queue.
func (e *Engine) pumpProvider(w *worker, session provider.Session) {
	defer e.wg.Done()
	for ev := range session.Events() {
		e.enqueue(w, item{kind: itemProviderEvent, provider: ev})
	}
}

// handleMediaLegUp adds an originated media leg to its call's bridge.
func (e *Engine) handleMediaLegUp(ctx context.Context, channelID string) {
	sess, ok := e.store.GetByMediaLeg(channelID)
	if !ok {
		e.lateEvent()
		return
	}
	if err := e.pbx.AddChannelToBridge(ctx, sess.BridgeID, channelID); err != nil {
		e.log.Error("add media leg to bridge failed",
			"call_id", sess.CallerChannelID, "err", err)
	}
}

// ─── worker event loop ────────────────────────────────────────────────────────

// process handles one queue item. Returns true when the worker is done.
func (e *Engine) process(ctx context.Context, w *worker, it item) bool {
	switch it.kind {
	case itemTerminate, itemTimeout:
		if it.kind == itemTimeout && !e.timerApplies(w, it.reason) {
			return false
		}
		e.terminate(ctx, w, it.reason)
		return true

	case itemARIEvent:
		return e.processARI(ctx, w, it.ariEvent)

	case itemProviderEvent:
		w.touch(e.cfg.DeadCallTimeout)
		return e.processProvider(ctx, w, it.provider)

	case itemDTMF:
		w.touch(e.cfg.DeadCallTimeout)
		if w.session != nil {
			if err := w.session.FeedText(fmt.Sprintf("DTMF: %c", it.digit)); err != nil {
				e.log.Warn("dtmf forward failed", "call_id", w.callID, "err", err)
			}
		}
		return false

	case itemStreamAttached:
		w.stream = it.stream
		if e.cfg.DownstreamMode == playback.ModeStream && e.cfg.Transport == TransportAudioSocket {
			e.media.Register(w.callID, playback.ModeStream, e.cfg.Profile, it.stream)
		}
		return false

	case itemBargeIn:
		w.touch(e.cfg.DeadCallTimeout)
		e.bargeIn(w)
		return false
	}
	return false
}

// timerApplies filters stale timer fires against the current state.
func (e *Engine) timerApplies(w *worker, reason string) bool {
	if reason == "setup timeout" {
		switch w.state {
		case callstore.StateListening, callstore.StateThinking, callstore.StateSpeaking:
			return false
		}
	}
	return true
}

func (e *Engine) processARI(ctx context.Context, w *worker, ev ari.Event) bool {
	switch ev.Type {
	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		// Media-leg teardown is part of our own cleanup; only the caller's
		// departure ends the call.
		if ev.Channel != nil && ev.Channel.ID != w.callID {
			return false
		}
		e.terminate(ctx, w, "caller left")
		return true

	case ari.EventChannelDtmfReceived:
		if ev.Digit != "" {
			return e.process(ctx, w, item{kind: itemDTMF, digit: ev.Digit[0]})
		}
		return false

	case ari.EventPlaybackFinished:
		e.media.OnPlaybackFinished(ctx, ev.Playback.ID)
		e.afterPlaybackDrain(w)
		return false
	}
	return false
}

func (e *Engine) processProvider(ctx context.Context, w *worker, ev provider.Event) bool {
	switch ev.Type {
	case provider.EventCapabilityAck:
		// The profile is locked at setup; a late ack cannot change it.
		return false

	case provider.EventPartialTranscript:
		return false

	case provider.EventFinalTranscript:
		if w.state == callstore.StateListening {
			e.transition(w, callstore.StateThinking)
		}
		return false

	case provider.EventResponseStart:
		w.responseID = ev.ResponseID
		e.media.OnResponseStart(w.callID, ev.ResponseID)
		if w.state == callstore.StateListening {
			e.transition(w, callstore.StateThinking)
		}
		return false

	case provider.EventAudioOut:
		if w.responseID == "" {
			// Audio before a start bracket opens the response implicitly.
			w.responseID = ev.ResponseID
			e.media.OnResponseStart(w.callID, ev.ResponseID)
		}
		e.media.OnAudio(w.callID, ev.ResponseID, ev.Audio)
		if w.state == callstore.StateThinking {
			e.transition(w, callstore.StateSpeaking)
		}
		return false

	case provider.EventResponseEnd:
		e.media.OnResponseEnd(ctx, w.callID, ev.ResponseID)
		if w.responseID == ev.ResponseID {
			w.responseID = ""
		}
		e.afterPlaybackDrain(w)
		return false

	case provider.EventSpeechStart:
		// Caller speech while the agent is audible is a barge-in: open the
		// gate at once and cancel the in-flight response.
		if w.state == callstore.StateSpeaking || e.gate.TTSPlaying(w.callID) {
			e.bargeIn(w)
		}
		return false

	case provider.EventSpeechEnd:
		return false

	case provider.EventHangup:
		e.store.Update(w.callID, func(s *callstore.CallSession) { s.FarewellPending = true })
		if !e.gate.TTSPlaying(w.callID) {
			// Nothing is playing, so no gate release will fire the farewell.
			callID := w.callID
			time.AfterFunc(e.cfg.FarewellDelay, func() {
				e.pbx.HangupChannel(context.Background(), callID)
			})
		}
		return false

	case provider.EventError:
		return e.handleProviderError(ctx, w, ev)
	}
	return false
}

// afterPlaybackDrain advances the state machine once nothing is audible:
// greeting and speaking both return to listening.
func (e *Engine) afterPlaybackDrain(w *worker) {
	if e.gate.TTSPlaying(w.callID) {
		return
	}
	switch w.state {
	case callstore.StateGreeting:
		e.transition(w, callstore.StateListening)
	case callstore.StateSpeaking:
		e.transition(w, callstore.StateListening)
	}
}

// bargeIn opens the capture gate, cancels the in-flight response, and moves
// a speaking call back to listening. Invoked both on a provider speech-start
// event and on a local speech-onset detection.
func (e *Engine) bargeIn(w *worker) {
	e.gate.ForceBargeIn(w.callID)
	e.metrics.BargeIns.Add(context.Background(), 1)
	if w.session != nil {
		w.session.Interrupt()
	}
	if w.state == callstore.StateSpeaking {
		e.transition(w, callstore.StateListening)
	}
}

// handleProviderError applies the per-kind policy. Returns true when the
// worker must stop.
func (e *Engine) handleProviderError(ctx context.Context, w *worker, ev provider.Event) bool {
	e.metrics.RecordProviderError(ctx, e.adapter.Name(), ev.Kind.String())
	switch ev.Kind {
	case provider.ErrorCancelled:
		return false

	case provider.ErrorProtocol:
		e.log.Warn("provider protocol error", "call_id", w.callID, "err", ev.Err)
		return false

	default:
		// Transient errors are retried inside the adapters; one surfacing
		// here is persistent. Auth and format mismatches are fatal outright.
		e.log.Error("fatal provider error",
			"call_id", w.callID, "kind", ev.Kind, "err", ev.Err)
		e.apologizeAndHangup(w)
		e.terminate(ctx, w, "provider error")
		return true
	}
}

// apologizeAndHangup makes a best-effort apology before the call is torn
// down. The terminate that follows hangs up regardless.
func (e *Engine) apologizeAndHangup(w *worker) {
	apology := e.phrases.Load().(phraseSet).apology
	if w.session == nil || apology == "" {
		return
	}
	if err := w.session.FeedText(apology); err != nil {
		return
	}
	// Give the synthesis a moment to play out before teardown.
	time.Sleep(e.cfg.FarewellDelay)
}

// ─── media plane callbacks ────────────────────────────────────────────────────

// HandleNewFlow binds a previously unseen SSRC to the oldest session with a
// media leg and no binding yet. Without a candidate the SSRC sits in a
// five second quarantine and is then discarded.
func (e *Engine) HandleNewFlow(ssrc uint32, _ *net.UDPAddr) {
	if e.bindSSRC(ssrc) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.quarantine[ssrc]; ok {
		return
	}
	e.quarantine[ssrc] = time.AfterFunc(e.cfg.QuarantineTimeout, func() {
		e.mu.Lock()
		delete(e.quarantine, ssrc)
		e.mu.Unlock()
		e.discardedSSRCs.Add(1)
		e.metrics.DiscardedSSRCs.Add(context.Background(), 1)
		if e.flows != nil {
			e.flows.RemoveFlow(ssrc)
		}
	})
}

func (e *Engine) bindSSRC(ssrc uint32) bool {
	for _, sess := range e.store.Unbound() {
		if sess.MediaLegChannelID == "" {
			continue
		}
		if err := e.store.BindSSRC(sess.CallerChannelID, ssrc); err == nil {
			e.log.Info("media flow bound",
				"call_id", sess.CallerChannelID, "ssrc", fmt.Sprintf("%#x", ssrc))
			return true
		}
	}
	return false
}

// HandleRTPFrame gates and forwards one decoded ingress frame. Called from
// the RTP read loops; must not block.
func (e *Engine) HandleRTPFrame(f rtp.Frame) {
	sess, ok := e.store.GetBySSRC(f.SSRC)
	if !ok {
		// Quarantined flow; a session may have shown up since.
		if e.bindSSRC(f.SSRC) {
			e.mu.Lock()
			if t, ok := e.quarantine[f.SSRC]; ok {
				t.Stop()
				delete(e.quarantine, f.SSRC)
			}
			e.mu.Unlock()
		}
		return
	}
	e.feedIngress(sess, f.PCM, 16000, f.Silent)
}

// OnHandshake implements the AudioSocket handler: the UUID was bound at
// originate time and resolves the connection to its call.
func (e *Engine) OnHandshake(conn StreamConn, id uuid.UUID) error {
	sess, ok := e.store.GetByUUID(id)
	if !ok {
		return fmt.Errorf("no call for media uuid %s", id)
	}
	w, ok := e.worker(sess.CallerChannelID)
	if !ok {
		return fmt.Errorf("call %s already gone", sess.CallerChannelID)
	}
	e.enqueue(w, item{kind: itemStreamAttached, stream: conn})
	return nil
}

// OnAudio implements the AudioSocket handler: pcm is PCM16 mono at 16 kHz.
func (e *Engine) OnAudio(id uuid.UUID, pcm []byte) {
	sess, ok := e.store.GetByUUID(id)
	if !ok {
		e.lateEvent()
		return
	}
	e.feedIngress(sess, pcm, 16000, false)
}

// OnDTMF implements the AudioSocket handler.
func (e *Engine) OnDTMF(id uuid.UUID, digit byte) {
	sess, ok := e.store.GetByUUID(id)
	if !ok {
		return
	}
	if w, ok := e.worker(sess.CallerChannelID); ok {
		e.enqueue(w, item{kind: itemDTMF, digit: digit})
	}
}

// feedIngress applies the capture gate and converts working-rate PCM16 to
// the session's ingress leg format before handing it to the provider. While
// the gate is closed frames are dropped, except the first frame of a
// detected barge-in, which falls through to seed the provider's VAD.
func (e *Engine) feedIngress(sess callstore.CallSession, pcm []byte, rate int, silent bool) {
	callID := sess.CallerChannelID
	if !e.gate.CheckIngress(callID) {
		if silent || !e.detectBargeIn(callID, pcm, rate) {
			return
		}
	}
	if sess.Provider == nil {
		return
	}
	if w, ok := e.worker(callID); ok && !silent {
		w.touch(e.cfg.DeadCallTimeout)
	}

	chunk, err := convertIngress(pcm, rate, sess.Profile)
	if err != nil {
		e.log.Warn("ingress conversion failed", "call_id", callID, "err", err)
		return
	}
	if err := sess.Provider.FeedAudio(chunk); err != nil {
		e.lateEvent()
	}
}

// detectBargeIn scores a gated ingress frame for caller speech onset. On a
// confident onset it opens the gate synchronously, so the triggering frame
// and everything after it reach the provider, and queues the interrupt for
// the call's worker. Returns true when the frame should be forwarded.
func (e *Engine) detectBargeIn(callID string, pcm []byte, rate int) bool {
	if e.bargeEng == nil || len(pcm) == 0 {
		return false
	}

	e.bargeMu.Lock()
	det, ok := e.barge[callID]
	if !ok || det.frameBytes != len(pcm) {
		if ok {
			det.handle.Close()
		}
		cfg := e.bargeCfg
		cfg.SampleRate = rate
		cfg.FrameSizeMs = len(pcm) * 1000 / (rate * 2)
		h, err := e.bargeEng.NewSession(cfg)
		if err != nil {
			e.bargeMu.Unlock()
			e.log.Warn("barge-in detector unavailable", "call_id", callID, "err", err)
			return false
		}
		det = &bargeDetector{handle: h, frameBytes: len(pcm)}
		e.barge[callID] = det
	}
	e.bargeMu.Unlock()

	ev, err := det.handle.ProcessFrame(pcm)
	if err != nil {
		return false
	}
	if ev.Type != vad.VADSpeechStart {
		return false
	}
	det.handle.Reset()

	e.gate.ForceBargeIn(callID)
	if w, ok := e.worker(callID); ok {
		e.enqueue(w, item{kind: itemBargeIn})
	}
	e.log.Info("barge-in detected", "call_id", callID)
	return true
}

// convertIngress adapts working-rate PCM16 to the locked ingress format.
func convertIngress(pcm []byte, rate int, profile provider.TransportProfile) ([]byte, error) {
	if profile.IngressFormat == provider.FormatULaw {
		down, err := audio.ResampleMono16(pcm, rate, 8000)
		if err != nil {
			return nil, err
		}
		return audio.PCM16ToUlaw(down), nil
	}
	if profile.IngressSampleRate != rate {
		return audio.ResampleMono16(pcm, rate, profile.IngressSampleRate)
	}
	return pcm, nil
}

// ─── termination ──────────────────────────────────────────────────────────────

// terminate tears a call down: provider first, then playback, then the
// media leg and bridge, finally the store record. Idempotent through the
// store's state machine.
func (e *Engine) terminate(ctx context.Context, w *worker, reason string) {
	e.mu.Lock()
	if _, ok := e.workers[w.callID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.workers, w.callID)
	e.mu.Unlock()

	e.transition(w, callstore.StateTerminating)
	e.log.Info("call terminating", "call_id", w.callID, "reason", reason)

	if w.setupTimer != nil {
		w.setupTimer.Stop()
	}
	if w.deadTimer != nil {
		w.deadTimer.Stop()
	}

	if w.session != nil {
		w.session.Close()
	}
	e.media.Stop(ctx, w.callID)
	if w.stream != nil {
		w.stream.Close()
	}

	sess, ok := e.store.Get(w.callID)
	if ok {
		if sess.MediaLegChannelID != "" {
			e.pbx.HangupChannel(ctx, sess.MediaLegChannelID)
		}
		if sess.BridgeID != "" {
			e.pbx.DeleteBridge(ctx, sess.BridgeID)
		}
		if sess.Binding.Kind == callstore.BindSSRC && e.flows != nil {
			e.flows.RemoveFlow(sess.Binding.SSRC)
		}
	}
	e.pbx.HangupChannel(ctx, w.callID)
	e.store.Delete(w.callID)
	e.gate.Forget(w.callID)

	e.bargeMu.Lock()
	if det, ok := e.barge[w.callID]; ok {
		det.handle.Close()
		delete(e.barge, w.callID)
	}
	e.bargeMu.Unlock()

	e.metrics.RecordCallEnd(ctx, reason)
	close(w.done)
}

// transition moves the call through the state machine, refusing invalid
// moves.
func (e *Engine) transition(w *worker, to callstore.State) {
	if !callstore.ValidTransition(w.state, to) {
		e.log.Warn("invalid state transition",
			"call_id", w.callID, "from", w.state, "to", to)
		return
	}
	from := w.state
	w.state = to
	switch to {
	case callstore.StateThinking:
		w.thinkStart = time.Now()
	case callstore.StateSpeaking:
		if from == callstore.StateThinking && !w.thinkStart.IsZero() {
			e.metrics.ResponseDuration.Record(context.Background(),
				time.Since(w.thinkStart).Seconds())
			w.thinkStart = time.Time{}
		}
	}
	e.store.Update(w.callID, func(s *callstore.CallSession) { s.State = to })
	e.log.Debug("state transition", "call_id", w.callID, "from", from, "to", to)
}

// touch re-arms the dead-call timer.
func (w *worker) touch(timeout time.Duration) {
	if w.deadTimer != nil {
		w.deadTimer.Reset(timeout)
	}
}

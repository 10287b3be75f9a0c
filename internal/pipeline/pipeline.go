// Package pipeline composes separate STT, LLM, and TTS providers into a
// single synthetic voice agent implementing the provider.Adapter interface.
//
// The orchestrator behaves like a monolithic provider from the engine's point
// of view: callers feed audio continuously and receive a bracketed event
// stream (ResponseStart, AudioOut..., ResponseEnd). Internally it drives
// turns itself. Caller audio flows into the STT stream; each final transcript
// triggers an LLM completion whose tokens are cut into sentences and handed
// to TTS as soon as each sentence completes, so playback starts before the
// model finishes generating.
//
// # Turn discipline
//
// At most one response is in flight per session, enforced by a single token.
// A final transcript arriving while a response is being generated is queued;
// only the newest queued transcript is kept. Barge-in (a local VAD speech
// onset while the agent is speaking) cancels the in-flight turn best-effort
// and closes it with a cancelled ResponseEnd.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arivox/arivox/pkg/audio"
	"github.com/arivox/arivox/pkg/provider"
	"github.com/arivox/arivox/pkg/provider/llm"
	"github.com/arivox/arivox/pkg/provider/stt"
	"github.com/arivox/arivox/pkg/provider/tts"
	"github.com/arivox/arivox/pkg/provider/vad"
)

const (
	// defaultRequestTimeout bounds a single LLM completion. A stuck upstream
	// must not wedge the call forever.
	defaultRequestTimeout = 30 * time.Second

	// defaultHistoryLimit is how many conversation messages are retained and
	// replayed to the LLM on each turn.
	defaultHistoryLimit = 20

	// defaultTextBuf is the buffer depth of the sentence channel feeding TTS.
	// Sized to absorb several sentences without blocking the LLM forwarder.
	defaultTextBuf = 16

	eventBufDepth = 128
)

// Orchestrator builds synthetic monolithic provider sessions from an STT, an
// LLM, and a TTS provider plus an optional local VAD engine for barge-in
// detection. It implements provider.Adapter and is safe for concurrent use;
// each Open call produces an independent session.
type Orchestrator struct {
	name string
	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider

	vadEngine vad.Engine
	vadCfg    vad.Config

	voice          tts.Voice
	systemPrompt   string
	language       string
	requestTimeout time.Duration
	historyLimit   int
}

var _ provider.Adapter = (*Orchestrator)(nil)
var _ provider.Session = (*session)(nil)

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithVAD attaches a local VAD engine used for barge-in detection and
// speech-boundary events. cfg's SampleRate and FrameSizeMs are overwritten
// per session from the transport profile; only the thresholds, StartFrames,
// and HangoverMs fields are taken from cfg.
func WithVAD(e vad.Engine, cfg vad.Config) Option {
	return func(o *Orchestrator) {
		o.vadEngine = e
		o.vadCfg = cfg
	}
}

// WithSystemPrompt sets the system instructions sent to the LLM on every turn.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

// WithLanguage sets the STT language hint (e.g. "en", "de-DE").
func WithLanguage(lang string) Option {
	return func(o *Orchestrator) { o.language = lang }
}

// WithRequestTimeout bounds each LLM completion. Default is 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

// WithHistoryLimit caps the conversation history replayed to the LLM.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) { o.historyLimit = n }
}

// New constructs an Orchestrator over the given providers. name is the
// configured provider name used in logs and metrics; voice selects the TTS
// voice for all sessions.
func New(name string, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, voice tts.Voice, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		name:           name,
		sttP:           sttP,
		llmP:           llmP,
		ttsP:           ttsP,
		voice:          voice,
		requestTimeout: defaultRequestTimeout,
		historyLimit:   defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name returns the configured provider name.
func (o *Orchestrator) Name() string { return o.name }

// Capabilities reports the synthetic agent's transport surface. The
// orchestrator accepts μ-law or linear PCM on both legs and detects turns
// itself, so the engine must not call RequestResponse.
func (o *Orchestrator) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportedInputFormats:   []provider.Format{provider.FormatPCM16, provider.FormatULaw},
		SupportedOutputFormats:  []provider.Format{provider.FormatPCM16, provider.FormatULaw},
		SupportedSampleRates:    []int{8000, 16000, 24000},
		PreferredChunkMs:        20,
		ServerSideTurnDetection: true,
		CanNegotiate:            true,
		Monolithic:              true,
	}
}

// Open starts a synthetic session for one call: it opens the STT stream, a
// VAD session when an engine is configured, and emits a CapabilityAck once
// ready. The transport profile is locked for the session's lifetime.
func (o *Orchestrator) Open(ctx context.Context, callID string, profile provider.TransportProfile) (provider.Session, error) {
	if !o.Capabilities().SupportsProfile(profile) {
		return nil, provider.ErrNoProfile
	}

	// μ-law ingress is decoded to linear PCM before STT and VAD, always at
	// the 8 kHz wire rate.
	sttRate := profile.IngressSampleRate
	if profile.IngressFormat == provider.FormatULaw {
		sttRate = 8000
	}

	sttSess, err := o.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: sttRate,
		Channels:   1,
		Language:   o.language,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: start stt stream: %w", err)
	}

	var vadSess vad.SessionHandle
	if o.vadEngine != nil {
		cfg := o.vadCfg
		cfg.SampleRate = sttRate
		cfg.FrameSizeMs = profile.ChunkMs
		vadSess, err = o.vadEngine.NewSession(cfg)
		if err != nil {
			sttSess.Close()
			return nil, fmt.Errorf("pipeline: vad session: %w", err)
		}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		orch:    o,
		callID:  callID,
		profile: profile,
		sttSess: sttSess,
		vadSess: vadSess,
		events:  make(chan provider.Event, eventBufDepth),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	s.emit(provider.Event{Type: provider.EventCapabilityAck, Profile: profile})

	s.wg.Add(2)
	go s.partialsLoop()
	go s.finalsLoop()

	return s, nil
}

// ─── session ──────────────────────────────────────────────────────────────────

type session struct {
	orch    *Orchestrator
	callID  string
	profile provider.TransportProfile
	sttSess stt.SessionHandle
	vadSess vad.SessionHandle
	events  chan provider.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	closed         bool
	history        []llm.Message
	inFlightCancel context.CancelFunc
	queuedText     string
	hasQueued      bool

	closeOnce sync.Once
	closeErr  error
}

func (s *session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// FeedAudio processes one caller audio chunk: μ-law is decoded, the local
// VAD (if any) updates speech state and may trigger barge-in, and the frame
// is forwarded to the STT stream.
func (s *session) FeedAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrSessionClosed
	}
	s.mu.Unlock()

	pcm := chunk
	if s.profile.IngressFormat == provider.FormatULaw {
		pcm = audio.UlawToPCM16(chunk)
	}

	if s.vadSess != nil {
		ev, err := s.vadSess.ProcessFrame(pcm)
		if err != nil {
			return fmt.Errorf("pipeline: vad: %w", err)
		}
		switch ev.Type {
		case vad.VADSpeechStart:
			s.emit(provider.Event{Type: provider.EventSpeechStart})
			s.bargeIn()
		case vad.VADSpeechEnd:
			s.emit(provider.Event{Type: provider.EventSpeechEnd})
		}
	}

	return s.sttSess.SendAudio(pcm)
}

// bargeIn cancels the in-flight response, if any. The cancelled turn closes
// itself with a cancelled ResponseEnd from its own goroutine.
func (s *session) bargeIn() {
	s.mu.Lock()
	cancel := s.inFlightCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// FeedText injects caller-side text (DTMF digits, operator hints) as a user
// turn and generates a response for it.
func (s *session) FeedText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrSessionClosed
	}
	s.mu.Unlock()
	s.submit(text)
	return nil
}

/// RequestResponse is not used: the orchestrator drives turns itself from
// final transcripts.
func (s *session) RequestResponse() error {
	return provider.ErrNotSupported
}

// Interrupt cancels the in-flight response best-effort and discards any
// queued transcript.
func (s *session) Interrupt() error {
	s.mu.Lock()
	cancel := s.inFlightCancel
	s.hasQueued = false
	s.queuedText = ""
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Events returns the ordered event stream for this session. The channel is
// closed after Close once all background work has drained.
func (s *session) Events() <-chan provider.Event { return s.events }

// Close tears down the STT and VAD sessions, cancels any in-flight turn, and
// closes the event stream. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.inFlightCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		s.cancel()
		s.closeErr = s.sttSess.Close()
		if s.vadSess != nil {
			s.vadSess.Close()
		}
		s.wg.Wait()
		close(s.events)
	})
	return s.closeErr
}

// ─── transcript intake ────────────────────────────────────────────────────────

func (s *session) partialsLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case tr, ok := <-s.sttSess.Partials():
			if !ok {
				return
			}
			if strings.TrimSpace(tr.Text) == "" {
				continue
			}
			s.emit(provider.Event{Type: provider.EventPartialTranscript, Text: tr.Text})
		}
	}
}

func (s *session) finalsLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case tr, ok := <-s.sttSess.Finals():
			if !ok {
				return
			}
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			s.emit(provider.Event{Type: provider.EventFinalTranscript, Text: text})
			s.submit(text)
		}
	}
}

// submit starts a response for text, or queues it when one is already in
// flight. Only the newest queued transcript survives.
func (s *session) submit(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.inFlightCancel != nil {
		s.queuedText = text
		s.hasQueued = true
		return
	}
	s.startResponseLocked(text)
}

// startResponseLocked takes the in-flight token and spawns the turn
// goroutine. Caller must hold s.mu.
func (s *session) startResponseLocked(userText string) {
	s.history = append(s.history, llm.Message{Role: "user", Content: userText})
	s.trimHistoryLocked()

	msgs := make([]llm.Message, len(s.history))
	copy(msgs, s.history)

	turnCtx, turnCancel := context.WithCancel(s.ctx)
	s.inFlightCancel = turnCancel
	responseID := uuid.NewString()

	s.wg.Add(1)
	go s.respond(turnCtx, turnCancel, responseID, msgs)
}

func (s *session) trimHistoryLocked() {
	limit := s.orch.historyLimit
	if limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

// ─── turn execution ───────────────────────────────────────────────────────────

// respond runs one full turn: LLM streaming, sentence cutting, TTS, and
// egress format conversion. It always closes the turn with a ResponseEnd and
// releases the in-flight token.
func (s *session) respond(ctx context.Context, cancel context.CancelFunc, responseID string, msgs []llm.Message) {
	defer s.wg.Done()
	defer cancel()

	s.emit(provider.Event{Type: provider.EventResponseStart, ResponseID: responseID})

	llmCtx, llmCancel := context.WithTimeout(ctx, s.orch.requestTimeout)
	defer llmCancel()

	chunks, err := s.orch.llmP.StreamCompletion(llmCtx, llm.CompletionRequest{
		SystemPrompt: s.orch.systemPrompt,
		Messages:     msgs,
	})
	if err != nil {
		s.emit(provider.Event{
			Type: provider.EventError,
			Err:  fmt.Errorf("pipeline: llm stream: %w", err),
			Kind: provider.ErrorTransient,
		})
		s.finishResponse(ctx, responseID, "")
		return
	}

	textCh := make(chan string, defaultTextBuf)
	audioCh, err := s.orch.ttsP.SynthesizeStream(ctx, textCh, s.orch.voice)
	if err != nil {
		close(textCh)
		go drainChunks(chunks)
		s.emit(provider.Event{
			Type: provider.EventError,
			Err:  fmt.Errorf("pipeline: tts start: %w", err),
			Kind: provider.ErrorTransient,
		})
		s.finishResponse(ctx, responseID, "")
		return
	}

	// Cut the token stream into sentences and hand each to TTS as soon as it
	// completes. The full reply text comes back on replyCh for the history.
	replyCh := make(chan string, 1)
	go func() {
		defer close(textCh)
		replyCh <- forwardSentences(llmCtx, chunks, textCh)
	}()

	ttsRate := s.orch.ttsP.OutputSampleRate()
	for pcm := range audioCh {
		out, convErr := s.convertEgress(pcm, ttsRate)
		if convErr != nil {
			s.emit(provider.Event{
				Type: provider.EventError,
				Err:  fmt.Errorf("pipeline: egress convert: %w", convErr),
				Kind: provider.ErrorUnsupportedFormat,
			})
			continue
		}
		s.emit(provider.Event{
			Type:       provider.EventAudioOut,
			Audio:      out,
			ResponseID: responseID,
		})
	}

	s.finishResponse(ctx, responseID, <-replyCh)
}

// convertEgress resamples TTS output to the egress rate and encodes μ-law
// when the wire leg requires it.
func (s *session) convertEgress(pcm []byte, ttsRate int) ([]byte, error) {
	out := pcm
	if ttsRate != s.profile.EgressSampleRate {
		var err error
		out, err = audio.ResampleMono16(out, ttsRate, s.profile.EgressSampleRate)
		if err != nil {
			return nil, err
		}
	}
	if s.profile.EgressFormat == provider.FormatULaw {
		out = audio.PCM16ToUlaw(out)
	}
	return out, nil
}

// finishResponse records the reply, closes the turn with a ResponseEnd
// (marked cancelled when the turn context was cut short), releases the
// in-flight token, and starts the queued transcript if one is waiting.
func (s *session) finishResponse(ctx context.Context, responseID, reply string) {
	end := provider.Event{Type: provider.EventResponseEnd, ResponseID: responseID}
	if err := ctx.Err(); errors.Is(err, context.Canceled) && s.ctx.Err() == nil {
		end.Err = err
		end.Kind = provider.ErrorCancelled
	}
	s.emit(end)

	s.mu.Lock()
	defer s.mu.Unlock()
	if reply != "" {
		s.history = append(s.history, llm.Message{Role: "assistant", Content: reply})
		s.trimHistoryLocked()
	}
	s.inFlightCancel = nil
	if s.hasQueued && !s.closed {
		next := s.queuedText
		s.hasQueued = false
		s.queuedText = ""
		s.startResponseLocked(next)
	}
}

// ─── sentence cutting ─────────────────────────────────────────────────────────

// forwardSentences reads token chunks from ch, accumulates them into complete
// sentences, and writes each sentence to textCh. Any text remaining when the
// stream ends is flushed as a final fragment. Returns the full reply text.
func forwardSentences(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string) string {
	var buf, full strings.Builder
	for {
		select {
		case <-ctx.Done():
			return full.String()
		case chunk, ok := <-ch:
			if !ok {
				if buf.Len() > 0 {
					select {
					case textCh <- buf.String():
					case <-ctx.Done():
					}
				}
				return full.String()
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				full.WriteString(chunk.Text)
			}

			// Flush complete sentences eagerly for lower TTS latency.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				select {
				case textCh <- sentence:
				case <-ctx.Done():
					return full.String()
				}
			}

			if chunk.FinishReason != "" {
				if buf.Len() > 0 {
					select {
					case textCh <- buf.String():
					case <-ctx.Done():
					}
				}
				return full.String()
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character. Returns
// -1 if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards all remaining chunks from ch so the LLM provider's
// internal goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

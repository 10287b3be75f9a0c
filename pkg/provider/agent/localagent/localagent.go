// Package localagent implements the provider.Adapter interface for the
// companion local AI server.
//
// The local server exposes a WebSocket endpoint speaking a mixed protocol:
// JSON text messages for control and transcript traffic, raw binary messages
// for audio. Caller audio is sent as binary μ-law 8 kHz frames; the server
// runs on-device STT, LLM, and TTS and replies with stt_result and
// llm_response JSON events followed by the synthesized utterance as one
// binary μ-law payload.
//
// The server detects utterance boundaries itself (recognizer finals plus an
// idle promoter), so sessions report server-side turn detection and callers
// must not request responses explicitly.
package localagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/arivox/arivox/pkg/provider"
)

var _ provider.Adapter = (*Adapter)(nil)
var _ provider.Session = (*session)(nil)

const defaultMode = "full"

// Adapter implements provider.Adapter against a local AI server instance.
type Adapter struct {
	name string
	url  string
}

// New creates an Adapter for the local AI server reachable at url
// (e.g. "ws://127.0.0.1:8765").
func New(name, url string) *Adapter {
	return &Adapter{name: name, url: url}
}

// Name returns the configured provider name.
func (a *Adapter) Name() string { return a.name }

// Capabilities reports the local server's fixed transport surface: μ-law at
// the 8 kHz wire rate on both legs, no negotiation.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportedInputFormats:   []provider.Format{provider.FormatULaw},
		SupportedOutputFormats:  []provider.Format{provider.FormatULaw},
		SupportedSampleRates:    []int{8000},
		PreferredChunkMs:        20,
		ServerSideTurnDetection: true,
		CanNegotiate:            false,
		Monolithic:              true,
	}
}

// Open dials the local server, selects full-pipeline mode for the call, and
// returns a Session. The CapabilityAck is emitted once the server confirms
// the mode with mode_ready.
func (a *Adapter) Open(ctx context.Context, callID string, profile provider.TransportProfile) (provider.Session, error) {
	if !a.Capabilities().SupportsProfile(profile) {
		return nil, provider.ErrNoProfile
	}

	conn, _, err := websocket.Dial(ctx, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("localagent: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		callID:  callID,
		profile: profile,
		conn:    conn,
		events:  make(chan provider.Event, 128),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := s.writeJSON(setModeMessage{Type: "set_mode", Mode: defaultMode, CallID: callID}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "set_mode failed")
		return nil, fmt.Errorf("localagent: set mode: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type setModeMessage struct {
	Type   string `json:"type"`
	Mode   string `json:"mode"`
	CallID string `json:"call_id"`
}

type llmRequestMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	CallID string `json:"call_id"`
}

type serverMessage struct {
	Type string `json:"type"`

	// stt_result / llm_response
	Text      string `json:"text,omitempty"`
	IsFinal   bool   `json:"is_final,omitempty"`
	IsPartial bool   `json:"is_partial,omitempty"`

	// mode_ready
	Mode string `json:"mode,omitempty"`

	CallID string `json:"call_id,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	callID  string
	profile provider.TransportProfile
	conn    *websocket.Conn
	events  chan provider.Event

	mu         sync.Mutex
	closed     bool
	responseID string // non-empty while a reply utterance is open

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("localagent: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// receiveLoop dispatches JSON control traffic and binary audio payloads. It
// owns the events channel and closes it on exit.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(provider.Event{
				Type: provider.EventError,
				Err:  fmt.Errorf("localagent: read: %w", err),
				Kind: provider.ErrorTransient,
			})
			return
		}

		if typ == websocket.MessageBinary {
			s.handleAudioPayload(data)
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	switch msg.Type {
	case "mode_ready":
		s.emit(provider.Event{Type: provider.EventCapabilityAck, Profile: s.profile})

	case "stt_result":
		if msg.Text == "" && !msg.IsFinal {
			return
		}
		t := provider.EventPartialTranscript
		if msg.IsFinal {
			t = provider.EventFinalTranscript
		}
		s.emit(provider.Event{Type: t, Text: msg.Text})

	case "llm_response":
		// The reply text arrives before its audio. Open the response here so
		// the engine can gate capture before the first audio byte.
		id := uuid.NewString()
		s.mu.Lock()
		s.responseID = id
		s.mu.Unlock()
		s.emit(provider.Event{Type: provider.EventResponseStart, ResponseID: id})

	case "tts_audio":
		// Metadata preceding a binary payload in selective modes. The binary
		// frame that follows carries the audio; nothing to do here.
	}
}

// handleAudioPayload forwards one synthesized utterance. The server sends the
// complete utterance as a single binary message, so the response closes right
// after the audio is delivered. A payload arriving without an open response
// is bracketed on its own.
func (s *session) handleAudioPayload(data []byte) {
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	id := s.responseID
	s.responseID = ""
	s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
		s.emit(provider.Event{Type: provider.EventResponseStart, ResponseID: id})
	}
	s.emit(provider.Event{Type: provider.EventAudioOut, Audio: data, ResponseID: id})
	s.emit(provider.Event{Type: provider.EventResponseEnd, ResponseID: id})
}

// ── Session methods ───────────────────────────────────────────────────────────

// FeedAudio sends one μ-law frame to the server as a binary message.
func (s *session) FeedAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrSessionClosed
	}
	s.mu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageBinary, chunk)
}

// FeedText submits text (DTMF digits, operator hints) as an llm_request; the
// server replies with llm_response and a synthesized utterance.
func (s *session) FeedText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrSessionClosed
	}
	s.mu.Unlock()
	return s.writeJSON(llmRequestMessage{Type: "llm_request", Text: text, CallID: s.callID})
}

// RequestResponse is not used: the server promotes utterances itself.
func (s *session) RequestResponse() error {
	return provider.ErrNotSupported
}

// Interrupt drops the open response marker so a late utterance is bracketed
// fresh. The wire protocol has no cancel message; audio already queued on
// the server side will still arrive and is discarded by the caller's gating.
func (s *session) Interrupt() error {
	s.mu.Lock()
	s.responseID = ""
	s.mu.Unlock()
	return nil
}

// Events returns the ordered event stream for this session.
func (s *session) Events() <-chan provider.Event { return s.events }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// Package openairt implements the provider.Adapter interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded chunks in the agreed transport profile's
// formats; the model performs speech recognition, response generation, and
// synthesis in one session, with server-side turn detection.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/arivox/arivox/pkg/provider"
)

// Compile-time assertions that Adapter and session satisfy the provider
// interfaces.
var _ provider.Adapter = (*Adapter)(nil)
var _ provider.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithVoice sets the synthesis voice (e.g. "alloy", "coral", "sage").
func WithVoice(voice string) Option {
	return func(a *Adapter) { a.voice = voice }
}

// WithInstructions sets the system instructions for every session.
func WithInstructions(instructions string) Option {
	return func(a *Adapter) { a.instructions = instructions }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements provider.Adapter for OpenAI's Realtime API.
type Adapter struct {
	name         string
	apiKey       string
	model        string
	voice        string
	instructions string
	baseURL      string
}

// New creates a new OpenAI Realtime Adapter with the given API key and
// options. name is the configured provider name used in logs and metrics.
func New(name, apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		model:   defaultModel,
		voice:   defaultVoice,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name returns the configured provider name.
func (a *Adapter) Name() string { return a.name }

// Capabilities returns static metadata about the OpenAI Realtime backend.
// The API accepts both linear PCM and G.711 μ-law and detects utterance
// boundaries server-side.
func (a *Adapter) Capabilities() provider.Capabilities {
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

// Open establishes a new Realtime session for the given call. The returned
// Session emits a CapabilityAck confirming the profile once the server
// acknowledges the session.update, then is ready for audio.
func (a *Adapter) Open(ctx context.Context, callID string, profile provider.TransportProfile) (provider.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, a.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openairt: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		callID:  callID,
		profile: profile,
		conn:    conn,
		events:  make(chan provider.Event, 128),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSessionUpdate(a.voice, a.instructions); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openairt: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice              string         `json:"voice,omitempty"`
	Instructions       string         `json:"instructions,omitempty"`
	InputAudioFormat   string         `json:"input_audio_format"`
	OutputAudioFormat  string         `json:"output_audio_format"`
	TurnDetection      *turnDetection `json:"turn_detection,omitempty"`
	InputTranscription *transcription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type transcription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.created / response.done carry the response envelope.
	Response *responseEnvelope `json:"response,omitempty"`

	// Correlates audio deltas with their response.
	ResponseID string `json:"response_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseEnvelope struct {
	ID string `json:"id"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	callID  string
	profile provider.TransportProfile
	conn    *websocket.Conn
	events  chan provider.Event

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// wireFormat maps a profile format onto the Realtime API's format strings.
func wireFormat(f provider.Format) string {
	if f == provider.FormatULaw {
		return "g711_ulaw"
	}
	return "pcm16"
}

// sendSessionUpdate configures voice, instructions, audio formats, server
// VAD, and caller transcription for the session.
func (s *session) sendSessionUpdate(voice, instructions string) error {
	params := sessionParams{
		InputAudioFormat:   wireFormat(s.profile.IngressFormat),
		OutputAudioFormat:  wireFormat(s.profile.EgressFormat),
		TurnDetection:      &turnDetection{Type: "server_vad"},
		InputTranscription: &transcription{Model: "whisper-1"},
	}
	if voice != "" {
		params.Voice = voice
	}
	if instructions != "" {
		params.Instructions = instructions
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openairt: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// emit delivers an event unless the session is shutting down.
func (s *session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(provider.Event{
				Type: provider.EventError,
				Err:  fmt.Errorf("openairt: read: %w", err),
				Kind: provider.ErrorTransient,
			})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.updated":
		s.emit(provider.Event{
			Type:    provider.EventCapabilityAck,
			Profile: s.profile,
		})

	case "response.created":
		id := ""
		if evt.Response != nil {
			id = evt.Response.ID
		}
		s.emit(provider.Event{Type: provider.EventResponseStart, ResponseID: id})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(provider.Event{
			Type:       provider.EventAudioOut,
			Audio:      audioData,
			ResponseID: evt.ResponseID,
		})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(provider.Event{
			Type:       provider.EventPartialTranscript,
			Text:       evt.Delta,
			ResponseID: evt.ResponseID,
		})

	case "response.done":
		id := ""
		if evt.Response != nil {
			id = evt.Response.ID
		}
		s.emit(provider.Event{Type: provider.EventResponseEnd, ResponseID: id})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(provider.Event{
			Type: provider.EventFinalTranscript,
			Text: evt.Transcript,
		})

	case "input_audio_buffer.speech_started":
		s.emit(provider.Event{Type: provider.EventSpeechStart})

	case "input_audio_buffer.speech_stopped":
		s.emit(provider.Event{Type: provider.EventSpeechEnd})

	case "error":
		s.handleErrorEvent(evt)
	}
}

func (s *session) handleErrorEvent(evt *serverEvent) {
	msg := "unknown error"
	code := ""
	if evt.Error != nil {
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		code = evt.Error.Code
	}
	s.emit(provider.Event{
		Type: provider.EventError,
		Err:  fmt.Errorf("openairt: %s", msg),
		Kind: classifyError(code, msg),
	})
}

// classifyError maps Realtime error codes onto the shared error taxonomy.
func classifyError(code, msg string) provider.ErrorKind {
	lower := strings.ToLower(code + " " + msg)
	switch {
	case strings.Contains(lower, "invalid_api_key"), strings.Contains(lower, "auth"):
		return provider.ErrorAuth
	case strings.Contains(lower, "rate_limit"), strings.Contains(lower, "rate limit"):
		return provider.ErrorRateLimit
	case strings.Contains(lower, "cancelled"), strings.Contains(lower, "canceled"):
		return provider.ErrorCancelled
	case strings.Contains(lower, "format"):
		return provider.ErrorUnsupportedFormat
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "unexpected"):
		return provider.ErrorProtocol
	default:
		return provider.ErrorTransient
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// FeedAudio delivers a caller audio chunk to the model.
func (s *session) FeedAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrSessionClosed
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(chunk)
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// FeedText injects a user text message (DTMF digits, system hints) and asks
// the model to respond to it.
func (s *session) FeedText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrSessionClosed
	}
	s.mu.Unlock()

	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// RequestResponse is not used with server-side turn detection.
func (s *session) RequestResponse() error {
	return provider.ErrNotSupported
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Events returns the ordered event stream for this session.
func (s *session) Events() <-chan provider.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
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

// Package provider defines the adapter contract between the call engine and
// AI speech backends.
//
// An Adapter wraps one backend — either a monolithic voice agent (audio in,
// audio out, turn detection server-side) or a synthetic one composed from
// separate STT/LLM/TTS components. The central abstraction is Session: a
// per-call, stateful handle that accepts caller audio and produces an ordered
// stream of Events (transcripts, synthesised audio, turn brackets, errors).
//
// Capability negotiation happens once, at session open: the engine selects a
// TransportProfile from the intersection of PBX constraints and the adapter's
// advertised Capabilities, and the profile is locked for the lifetime of the
// call. Adapters that can constrain the profile further do so by emitting a
// single EventCapabilityAck immediately after open.
//
// All implementations must be safe for concurrent use.
package provider

import "context"

// Format identifies an audio encoding on the media plane.
type Format string

const (
	// FormatULaw is G.711 μ-law, 8-bit companded, 8 kHz in telephony use.
	FormatULaw Format = "ulaw"

	// FormatPCM16 is signed 16-bit little-endian linear PCM.
	FormatPCM16 Format = "pcm16"
)

// TransportProfile fixes the audio formats and chunking for one call. It is
// selected during call setup and never renegotiated mid-call; a provider ACK
// arriving after the first audio chunk is logged and ignored.
type TransportProfile struct {
	// IngressFormat and IngressSampleRate describe caller audio as delivered
	// to the adapter.
	IngressFormat     Format
	IngressSampleRate int

	// EgressFormat and EgressSampleRate describe synthesised audio as emitted
	// by the adapter.
	EgressFormat     Format
	EgressSampleRate int

	// ChunkMs is the frame duration both directions are packetised to.
	ChunkMs int
}

// Capabilities describes what an Adapter supports. Advertised statically; an
// optional CapabilityAck event may constrain the locked profile once, at
// session start.
type Capabilities struct {
	// SupportedInputFormats and SupportedOutputFormats list acceptable
	// encodings for caller and synthesised audio respectively.
	SupportedInputFormats  []Format
	SupportedOutputFormats []Format

	// SupportedSampleRates lists acceptable rates in Hz, shared by both
	// directions.
	SupportedSampleRates []int

	// PreferredChunkMs is the frame duration the backend performs best with.
	// Zero means no preference.
	PreferredChunkMs int

	// ServerSideTurnDetection is true when the backend decides utterance
	// boundaries itself. The engine must not run a local VAD nor call
	// RequestResponse for such adapters.
	ServerSideTurnDetection bool

	// CanNegotiate is true when the adapter may emit a CapabilityAck that
	// further constrains the profile at session start.
	CanNegotiate bool

	// Monolithic is true for full voice-agent backends that handle STT, LLM,
	// and TTS in one session.
	Monolithic bool
}

// SupportsProfile reports whether the capability set admits the given profile.
func (c Capabilities) SupportsProfile(p TransportProfile) bool {
	return containsFormat(c.SupportedInputFormats, p.IngressFormat) &&
		containsFormat(c.SupportedOutputFormats, p.EgressFormat) &&
		containsRate(c.SupportedSampleRates, p.IngressSampleRate) &&
		containsRate(c.SupportedSampleRates, p.EgressSampleRate)
}

func containsFormat(fs []Format, f Format) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

func containsRate(rs []int, r int) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

// Session is an open adapter session bound to exactly one call.
//
// The session is the hot path of the media plane — FeedAudio must return
// quickly and never block on network I/O. Event delivery is channel-based;
// consumers must drain Events promptly to keep the adapter's receive loop
// from stalling. All methods must be safe for concurrent use.
//
// Callers must call Close when the call ends. Close is idempotent.
type Session interface {
	// FeedAudio delivers one chunk of caller audio in the session's agreed
	// ingress format. The adapter performs any further conversion the backend
	// needs. Returns an error if the session is closed.
	FeedAudio(chunk []byte) error

	// FeedText injects a text message into the conversation (DTMF digits,
	// system hints). Adapters without a text path may return ErrNotSupported.
	FeedText(text string) error

	// RequestResponse asks the backend to generate a response for the audio
	// accumulated since the last turn. Only meaningful for adapters without
	// server-side turn detection; others return ErrNotSupported.
	RequestResponse() error

	// Interrupt cancels the in-flight response, if any, discarding buffered
	// synthesis. Used on barge-in. Best-effort.
	Interrupt() error

	// Events returns the ordered event stream for this session. Within one
	// turn, EventResponseStart strictly precedes the first EventAudioOut and
	// EventResponseEnd strictly follows the last. The channel is closed when
	// the session ends.
	Events() <-chan Event

	// Close terminates the session and releases all resources, closing the
	// Events channel. Safe to call multiple times; subsequent calls return nil.
	Close() error
}

// Adapter is the abstraction over any speech backend.
//
// Implementations must be safe for concurrent use; the engine opens one
// session per active call.
type Adapter interface {
	// Name returns the configured provider name, used in logs and metrics.
	Name() string

	// Capabilities returns static metadata about the backend. The result is
	// constant for the lifetime of the Adapter.
	Capabilities() Capabilities

	// Open establishes a session for the given call using the locked profile.
	// The returned Session is ready to accept audio immediately. The caller
	// owns the Session and must Close it.
	Open(ctx context.Context, callID string, profile TransportProfile) (Session, error)
}

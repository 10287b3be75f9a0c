package provider

import (
	"errors"
	"fmt"
)

// EventType discriminates the events a Session emits.
type EventType int

const (
	// EventAudioOut carries a chunk of synthesised audio in the session's
	// egress format.
	EventAudioOut EventType = iota

	// EventPartialTranscript carries an interim recognition of caller speech.
	EventPartialTranscript

	// EventFinalTranscript carries a finalised recognition of caller speech.
	EventFinalTranscript

	// EventResponseStart marks the beginning of a response turn. It strictly
	// precedes the first EventAudioOut of that turn.
	EventResponseStart

	// EventResponseEnd marks the end of a response turn. It strictly follows
	// the last EventAudioOut of that turn.
	EventResponseEnd

	// EventSpeechStart signals server-side detection of caller speech onset.
	// Only emitted by adapters with server-side turn detection.
	EventSpeechStart

	// EventSpeechEnd signals server-side detection of caller speech offset.
	EventSpeechEnd

	// EventCapabilityAck carries the profile the backend settled on. At most
	// one per session, before the first audio chunk; a late ack is ignored.
	EventCapabilityAck

	// EventHangup asks the engine to end the call after the current response
	// finishes playing out.
	EventHangup

	// EventError reports a session fault. Err and Kind are set.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventAudioOut:
		return "audio_out"
	case EventPartialTranscript:
		return "partial_transcript"
	case EventFinalTranscript:
		return "final_transcript"
	case EventResponseStart:
		return "response_start"
	case EventResponseEnd:
		return "response_end"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventCapabilityAck:
		return "capability_ack"
	case EventHangup:
		return "hangup"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one element of a Session's ordered event stream. Which fields are
// populated depends on Type.
type Event struct {
	Type EventType

	// Audio is the synthesised chunk for EventAudioOut, in the egress format.
	Audio []byte

	// Text is the transcript for partial/final transcript events.
	Text string

	// ResponseID correlates the start/end bracket of one response turn and
	// the audio chunks within it.
	ResponseID string

	// Profile is the acknowledged transport profile for EventCapabilityAck.
	Profile TransportProfile

	// Err and Kind are set for EventError.
	Err  error
	Kind ErrorKind
}

// ErrorKind classifies session faults so the engine can choose between
// retrying, apologising to the caller, and tearing the call down.
type ErrorKind int

const (
	// ErrorTransient covers recoverable network faults: reconnect or retry.
	ErrorTransient ErrorKind = iota

	// ErrorAuth covers credential rejections. Not retryable.
	ErrorAuth

	// ErrorProtocol covers malformed or unexpected backend messages.
	ErrorProtocol

	// ErrorRateLimit means the backend asked us to back off.
	ErrorRateLimit

	// ErrorUnsupportedFormat means no transport profile could be agreed.
	ErrorUnsupportedFormat

	// ErrorCancelled means the operation was cancelled locally (barge-in,
	// session close). Expected during normal operation.
	ErrorCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTransient:
		return "transient-network"
	case ErrorAuth:
		return "auth"
	case ErrorProtocol:
		return "protocol"
	case ErrorRateLimit:
		return "rate-limit"
	case ErrorUnsupportedFormat:
		return "unsupported-format"
	case ErrorCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether a fault of this kind is worth retrying.
func (k ErrorKind) Retryable() bool {
	return k == ErrorTransient || k == ErrorRateLimit
}

var (
	// ErrNotSupported is returned by session operations the adapter has no
	// backend path for (e.g. FeedText on a pure speech pipeline).
	ErrNotSupported = errors.New("provider: operation not supported")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("provider: session closed")

	// ErrNoProfile is returned when the intersection of PBX constraints and
	// adapter capabilities is empty.
	ErrNoProfile = errors.New("provider: no mutually supported transport profile")
)

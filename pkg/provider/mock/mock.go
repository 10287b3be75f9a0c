// Package mock provides scriptable provider.Adapter and provider.Session
// implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/arivox/arivox/pkg/provider"
)

// Adapter is a scriptable provider.Adapter. Configure Caps and OpenErr before
// use; Open hands out the pre-built Sess (or a fresh Session when nil).
type Adapter struct {
	AdapterName string
	Caps        provider.Capabilities
	OpenErr     error
	Sess        *Session

	mu        sync.Mutex
	openCalls []string
}

var _ provider.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string {
	if a.AdapterName == "" {
		return "mock"
	}
	return a.AdapterName
}

func (a *Adapter) Capabilities() provider.Capabilities { return a.Caps }

func (a *Adapter) Open(_ context.Context, callID string, _ provider.TransportProfile) (provider.Session, error) {
	a.mu.Lock()
	a.openCalls = append(a.openCalls, callID)
	a.mu.Unlock()
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	if a.Sess == nil {
		a.Sess = NewSession()
	}
	return a.Sess, nil
}

// OpenCalls returns the call IDs Open was invoked with, in order.
func (a *Adapter) OpenCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.openCalls...)
}

// Session is a scriptable provider.Session. Tests push events with Emit and
// inspect recorded inputs with the accessor methods.
type Session struct {
	FeedAudioErr       error
	FeedTextErr        error
	RequestResponseErr error
	InterruptErr       error

	events chan provider.Event

	mu         sync.Mutex
	audio      [][]byte
	texts      []string
	requests   int
	interrupts int
	closed     bool
}

var _ provider.Session = (*Session)(nil)

// NewSession returns a Session with a buffered event channel ready for Emit.
func NewSession() *Session {
	return &Session{events: make(chan provider.Event, 64)}
}

func (s *Session) FeedAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrSessionClosed
	}
	if s.FeedAudioErr != nil {
		return s.FeedAudioErr
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

func (s *Session) FeedText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrSessionClosed
	}
	if s.FeedTextErr != nil {
		return s.FeedTextErr
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *Session) RequestResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrSessionClosed
	}
	if s.RequestResponseErr != nil {
		return s.RequestResponseErr
	}
	s.requests++
	return nil
}

func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InterruptErr != nil {
		return s.InterruptErr
	}
	s.interrupts++
	return nil
}

func (s *Session) Events() <-chan provider.Event { return s.events }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit pushes an event onto the session's stream. Panics if the channel
// buffer is full; size test scripts accordingly.
func (s *Session) Emit(ev provider.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		panic("mock: event buffer full")
	}
}

// AudioChunks returns copies of all chunks passed to FeedAudio.
func (s *Session) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns all strings passed to FeedText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// ResponseRequests returns how many times RequestResponse was called.
func (s *Session) ResponseRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Interrupts returns how many times Interrupt was called.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

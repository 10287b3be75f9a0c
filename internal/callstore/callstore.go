// Package callstore holds the authoritative registry of active calls.
//
// A CallSession is exclusively owned by the Store; every other component
// refers to a call by one of its identifiers (caller channel, media-leg
// channel, SSRC, AudioSocket UUID, playback id) and must tolerate lookup
// misses, since the call may already have been terminated.
//
// Mutations are serialized per call: Update runs the mutator under that
// call's own lock, so two components never interleave writes to the same
// session. The store-wide lock is held only long enough to maintain the
// secondary indices.
package callstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arivox/arivox/pkg/provider"
)

// State is the conversation state of a call. Terminating is terminal: no
// transition leads out of it.
type State int

const (
	StateSetup State = iota
	StateGreeting
	StateListening
	StateThinking
	StateSpeaking
	StateTerminating
)

// String returns the lowercase state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ValidTransition reports whether a call may move from one state to the
// next. Terminating accepts no outgoing edges.
func ValidTransition(from, to State) bool {
	if to == StateTerminating {
		return true
	}
	switch from {
	case StateSetup:
		return to == StateGreeting
	case StateGreeting:
		return to == StateListening
	case StateListening:
		return to == StateThinking || to == StateSpeaking
	case StateThinking:
		return to == StateSpeaking || to == StateListening
	case StateSpeaking:
		return to == StateListening
	case StateTerminating:
		return false
	default:
		return false
	}
}

// BindingKind discriminates the media binding variants.
type BindingKind int

const (
	BindNone BindingKind = iota
	BindSSRC
	BindUUID
)

// MediaBinding ties a call to its inbound media stream: an RTP SSRC or an
// AudioSocket connection UUID. Set exactly once per call.
type MediaBinding struct {
	Kind BindingKind
	SSRC uint32
	UUID uuid.UUID
}

// CallSession is the per-call state record. Read it through Store snapshots
// and mutate it only inside Store.Update.
type CallSession struct {
	CallerChannelID   string
	BridgeID          string
	MediaLegChannelID string
	Binding           MediaBinding
	Profile           provider.TransportProfile

	State               State
	AudioCaptureEnabled bool
	TTSActiveCount      int
	TTSTokens           map[string]struct{}
	PendingResponse     bool
	FarewellPending     bool

	// Provider is the bound provider session for this call.
	Provider provider.Session

	CreatedAt           time.Time
	LastInboundAudioAt  time.Time
	LastOutboundAudioAt time.Time
}

// clone returns a deep copy safe to hand out as a snapshot.
func (c *CallSession) clone() CallSession {
	cp := *c
	if c.TTSTokens != nil {
		cp.TTSTokens = make(map[string]struct{}, len(c.TTSTokens))
		for k := range c.TTSTokens {
			cp.TTSTokens[k] = struct{}{}
		}
	}
	return cp
}

// Playback is a pending playback record, kept in the store's playback index
// from registration until PlaybackFinished or call cleanup.
type Playback struct {
	PlaybackID      string
	CallerChannelID string
	MediaPath       string
	Token           string
	CreatedAt       time.Time
}

var (
	ErrNotFound     = errors.New("callstore: call not found")
	ErrExists       = errors.New("callstore: call already exists")
	ErrAlreadyBound = errors.New("callstore: media binding already set")
)

// entry pairs a session with its per-call write lock.
type entry struct {
	mu   sync.Mutex
	sess *CallSession
}

// Store is the concurrency-safe call registry. The zero value is not usable;
// construct with New.
type Store struct {
	mu         sync.RWMutex
	byCaller   map[string]*entry
	byMediaLeg map[string]string
	bySSRC     map[uint32]string
	byUUID     map[uuid.UUID]string
	byPlayback map[string]Playback

	onCreate func(callerID string)
	onDelete func(callerID string)
}

// Option configures a Store.
type Option func(*Store)

// WithLifecycleHooks registers callbacks fired after a call is created and
// after it is deleted. Hooks run outside all store locks.
func WithLifecycleHooks(onCreate, onDelete func(callerID string)) Option {
	return func(s *Store) {
		s.onCreate = onCreate
		s.onDelete = onDelete
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		byCaller:   make(map[string]*entry),
		byMediaLeg: make(map[string]string),
		bySSRC:     make(map[uint32]string),
		byUUID:     make(map[uuid.UUID]string),
		byPlayback: make(map[string]Playback),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create registers a new call in setup state with capture enabled. Returns
// ErrExists if the caller channel is already registered.
func (s *Store) Create(callerID string) error {
	s.mu.Lock()
	if _, ok := s.byCaller[callerID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, callerID)
	}
	s.byCaller[callerID] = &entry{sess: &CallSession{
		CallerChannelID:     callerID,
		State:               StateSetup,
		AudioCaptureEnabled: true,
		TTSTokens:           make(map[string]struct{}),
		CreatedAt:           time.Now(),
	}}
	s.mu.Unlock()

	if s.onCreate != nil {
		s.onCreate(callerID)
	}
	return nil
}

func (s *Store) lookup(callerID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byCaller[callerID]
	return e, ok
}

// Get returns a snapshot of the call owned by callerID.
func (s *Store) Get(callerID string) (CallSession, bool) {
	e, ok := s.lookup(callerID)
	if !ok {
		return CallSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.clone(), true
}

// GetByMediaLeg resolves the secondary media-leg channel to its call.
func (s *Store) GetByMediaLeg(mediaLegID string) (CallSession, bool) {
	s.mu.RLock()
	callerID, ok := s.byMediaLeg[mediaLegID]
	s.mu.RUnlock()
	if !ok {
		return CallSession{}, false
	}
	return s.Get(callerID)
}

// GetBySSRC resolves an RTP SSRC to its bound call.
func (s *Store) GetBySSRC(ssrc uint32) (CallSession, bool) {
	s.mu.RLock()
	callerID, ok := s.bySSRC[ssrc]
	s.mu.RUnlock()
	if !ok {
		return CallSession{}, false
	}
	return s.Get(callerID)
}

// GetByUUID resolves an AudioSocket handshake UUID to its bound call.
func (s *Store) GetByUUID(u uuid.UUID) (CallSession, bool) {
	s.mu.RLock()
	callerID, ok := s.byUUID[u]
	s.mu.RUnlock()
	if !ok {
		return CallSession{}, false
	}
	return s.Get(callerID)
}

// Update applies fn to the call under its per-call lock. fn must not call
// back into the Store.
func (s *Store) Update(callerID string, fn func(*CallSession)) error {
	e, ok := s.lookup(callerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callerID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.sess)
	return nil
}

// BindMediaLeg associates the secondary media-leg channel with the call.
// At most one media leg per call.
func (s *Store) BindMediaLeg(callerID, mediaLegID string) error {
	e, ok := s.lookup(callerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callerID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.MediaLegChannelID != "" {
		return fmt.Errorf("%w: media leg for %s", ErrAlreadyBound, callerID)
	}
	e.sess.MediaLegChannelID = mediaLegID

	s.mu.Lock()
	s.byMediaLeg[mediaLegID] = callerID
	s.mu.Unlock()
	return nil
}

// BindSSRC sets the call's media binding to an RTP SSRC. The binding is set
// exactly once; a second bind attempt of either kind fails.
func (s *Store) BindSSRC(callerID string, ssrc uint32) error {
	e, ok := s.lookup(callerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callerID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.Binding.Kind != BindNone {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, callerID)
	}
	e.sess.Binding = MediaBinding{Kind: BindSSRC, SSRC: ssrc}

	s.mu.Lock()
	s.bySSRC[ssrc] = callerID
	s.mu.Unlock()
	return nil
}

// BindUUID sets the call's media binding to an AudioSocket connection UUID.
func (s *Store) BindUUID(callerID string, u uuid.UUID) error {
	e, ok := s.lookup(callerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callerID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.Binding.Kind != BindNone {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, callerID)
	}
	e.sess.Binding = MediaBinding{Kind: BindUUID, UUID: u}

	s.mu.Lock()
	s.byUUID[u] = callerID
	s.mu.Unlock()
	return nil
}

// RegisterPlayback stores a playback record in the playback index. It must
// be called before the corresponding play request is issued so that a
// PlaybackFinished arriving immediately still resolves.
func (s *Store) RegisterPlayback(p Playback) error {
	if _, ok := s.lookup(p.CallerChannelID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.CallerChannelID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.byPlayback[p.PlaybackID] = p
	s.mu.Unlock()
	return nil
}

// CompletePlayback removes and returns the playback record, if present.
func (s *Store) CompletePlayback(playbackID string) (Playback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byPlayback[playbackID]
	if ok {
		delete(s.byPlayback, playbackID)
	}
	return p, ok
}

// GetPlayback returns the playback record without removing it.
func (s *Store) GetPlayback(playbackID string) (Playback, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byPlayback[playbackID]
	return p, ok
}

// PlaybacksFor returns all pending playback records for a call.
func (s *Store) PlaybacksFor(callerID string) []Playback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Playback
	for _, p := range s.byPlayback {
		if p.CallerChannelID == callerID {
			out = append(out, p)
		}
	}
	return out
}

// Delete removes the call and every index entry referring to it, including
// pending playback records. Returns the final snapshot.
func (s *Store) Delete(callerID string) (CallSession, bool) {
	s.mu.Lock()
	e, ok := s.byCaller[callerID]
	if !ok {
		s.mu.Unlock()
		return CallSession{}, false
	}
	delete(s.byCaller, callerID)

	e.mu.Lock()
	snap := e.sess.clone()
	e.mu.Unlock()

	if snap.MediaLegChannelID != "" {
		delete(s.byMediaLeg, snap.MediaLegChannelID)
	}
	switch snap.Binding.Kind {
	case BindSSRC:
		delete(s.bySSRC, snap.Binding.SSRC)
	case BindUUID:
		delete(s.byUUID, snap.Binding.UUID)
	}
	for id, p := range s.byPlayback {
		if p.CallerChannelID == callerID {
			delete(s.byPlayback, id)
		}
	}
	s.mu.Unlock()

	if s.onDelete != nil {
		s.onDelete(callerID)
	}
	return snap, true
}

// Len returns the number of active calls.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCaller)
}

// Each calls fn with a snapshot of every active call. Used by the dead-call
// scanner and the health endpoint.
func (s *Store) Each(fn func(CallSession)) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byCaller))
	for id := range s.byCaller {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if snap, ok := s.Get(id); ok {
			fn(snap)
		}
	}
}

// Unbound returns snapshots of calls that have no media binding yet, in
// creation order (oldest first). Used for SSRC/UUID first-unbound binding.
func (s *Store) Unbound() []CallSession {
	var out []CallSession
	s.Each(func(c CallSession) {
		if c.Binding.Kind == BindNone {
			out = append(out, c)
		}
	})
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

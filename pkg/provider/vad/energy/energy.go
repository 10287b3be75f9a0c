// Package energy implements a vad.Engine based on frame RMS energy.
//
// The detector maps each frame's RMS level to a 0..1 score on a dBFS scale
// and runs a small state machine with start-frame debouncing and a hangover
// period. It has no model dependencies and adds no latency beyond the frame
// size, which makes it the default choice for gating utterance boundaries on
// telephony audio where the noise floor is well-behaved.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/arivox/arivox/pkg/audio"
	"github.com/arivox/arivox/pkg/provider/vad"
)

// floorDB is the dBFS level mapped to score 0. Anything quieter than
// -60 dBFS is indistinguishable from line noise on a PSTN trunk.
const floorDB = 60.0

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a detector session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %f out of [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %f out of [0,%f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.StartFrames <= 0 {
		cfg.StartFrames = 1
	}
	hangFrames := cfg.HangoverMs / cfg.FrameSizeMs
	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		hangFrames: hangFrames,
	}, nil
}

type session struct {
	mu         sync.Mutex
	cfg        vad.Config
	frameBytes int
	hangFrames int
	closed     bool

	inSpeech  bool
	runLength int // consecutive above-threshold frames while silent
	hangover  int // remaining below-threshold frames before speech end
}

var _ vad.SessionHandle = (*session)(nil)

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	score := Score(audio.RMS(frame))

	if !s.inSpeech {
		if score >= s.cfg.SpeechThreshold {
			s.runLength++
			if s.runLength >= s.cfg.StartFrames {
				s.inSpeech = true
				s.runLength = 0
				s.hangover = s.hangFrames
				return vad.VADEvent{Type: vad.VADSpeechStart, Probability: score}, nil
			}
		} else {
			s.runLength = 0
		}
		return vad.VADEvent{Type: vad.VADSilence, Probability: score}, nil
	}

	if score < s.cfg.SilenceThreshold {
		if s.hangover > 0 {
			s.hangover--
			return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: score}, nil
		}
		s.inSpeech = false
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: score}, nil
	}
	s.hangover = s.hangFrames
	return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: score}, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inSpeech = false
	s.runLength = 0
	s.hangover = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Score maps an RMS level of PCM16 audio onto the 0..1 speech score scale
// using dBFS: -60 dBFS and below maps to 0, full scale maps to 1.
func Score(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms/32768.0)
	score := 1 + db/floorDB
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

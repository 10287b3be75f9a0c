package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arivox/arivox/pkg/provider/stt"
	sttmock "github.com/arivox/arivox/pkg/provider/stt/mock"
	"github.com/arivox/arivox/pkg/provider/tts"
	ttsmock "github.com/arivox/arivox/pkg/provider/tts/mock"
)

func TestGroup_PrimaryServes(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{}
	backup := &sttmock.Provider{}
	g := NewGroup[stt.Provider]("stt", "dg", primary, BreakerConfig{Trip: 3})
	g.Add("dg-backup", backup)

	handle, err := DoWith(g, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	})
	if err != nil {
		t.Fatalf("DoWith: %v", err)
	}
	if handle == nil {
		t.Fatal("no session handle")
	}
	if len(primary.StartStreamCalls) != 1 {
		t.Errorf("primary called %d times, want 1", len(primary.StartStreamCalls))
	}
	if len(backup.StartStreamCalls) != 0 {
		t.Errorf("backup called %d times, want 0", len(backup.StartStreamCalls))
	}
}

func TestGroup_FailingPrimaryFallsThrough(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{StartStreamErr: errBackendDown}
	backup := &sttmock.Provider{}
	g := NewGroup[stt.Provider]("stt", "dg", primary, BreakerConfig{Trip: 3})
	g.Add("dg-backup", backup)

	handle, err := DoWith(g, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	})
	if err != nil {
		t.Fatalf("DoWith: %v", err)
	}
	if handle == nil {
		t.Fatal("no session handle")
	}
	if len(backup.StartStreamCalls) != 1 {
		t.Errorf("backup called %d times, want 1", len(backup.StartStreamCalls))
	}
}

func TestGroup_OpenBreakerSkipsBackend(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{StartStreamErr: errBackendDown}
	backup := &sttmock.Provider{}
	g := NewGroup[stt.Provider]("stt", "dg", primary, BreakerConfig{
		Trip:     2,
		Cooldown: time.Hour,
	})
	g.Add("dg-backup", backup)

	start := func() error {
		return g.Do(func(p stt.Provider) error {
			_, err := p.StartStream(context.Background(), stt.StreamConfig{})
			return err
		})
	}

	// Two failed rounds open the primary's breaker.
	for range 2 {
		if err := start(); err != nil {
			t.Fatalf("round with healthy backup failed: %v", err)
		}
	}
	primary.Reset()

	// The primary recovers, but its breaker is still cooling down, so the
	// backup keeps serving without the primary seeing a call.
	primary.StartStreamErr = nil
	if err := start(); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(primary.StartStreamCalls) != 0 {
		t.Errorf("primary called %d times while breaker open, want 0", len(primary.StartStreamCalls))
	}
}

func TestGroup_AllBackendsFailed(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errBackendDown}
	backup := &ttsmock.Provider{SynthesizeErr: errBackendDown}
	g := NewGroup("tts", "el", primary, BreakerConfig{Trip: 3})
	g.Add("el-backup", backup)

	text := make(chan string)
	close(text)
	err := g.Do(func(p *ttsmock.Provider) error {
		_, err := p.SynthesizeStream(context.Background(), text, tts.Voice{})
		return err
	})
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Fatalf("err = %v, want ErrAllBackendsFailed", err)
	}
}

func TestGroup_PrimaryAccessor(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SampleRate: 24000}
	g := NewGroup("tts", "el", primary, BreakerConfig{})
	g.Add("el-backup", &ttsmock.Provider{SampleRate: 16000})

	if got := g.Primary().OutputSampleRate(); got != 24000 {
		t.Errorf("Primary().OutputSampleRate() = %d, want 24000", got)
	}
}

package playback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/arivox/arivox/internal/ari"
	"github.com/arivox/arivox/internal/callstore"
	"github.com/arivox/arivox/internal/gating"
	"github.com/arivox/arivox/internal/observe"
	"github.com/arivox/arivox/pkg/audio"
	"github.com/arivox/arivox/pkg/provider"
)

type playCall struct {
	bridgeID   string
	playbackID string
	media      string
	// registered records whether the playback was already indexed in the
	// store when the command was issued.
	registered bool
}

type fakeCommander struct {
	mu      sync.Mutex
	store   *callstore.Store
	playErr error
	plays   []playCall
	stops   []string
	hangups []string
}

func (f *fakeCommander) PlayOnBridge(_ context.Context, bridgeID, playbackID, media string) (ari.Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, registered := f.store.GetPlayback(playbackID)
	f.plays = append(f.plays, playCall{bridgeID: bridgeID, playbackID: playbackID, media: media, registered: registered})
	if f.playErr != nil {
		return ari.Playback{}, f.playErr
	}
	return ari.Playback{ID: playbackID, State: "queued"}, nil
}

func (f *fakeCommander) StopPlayback(_ context.Context, playbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, playbackID)
	return nil
}

func (f *fakeCommander) HangupChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return nil
}

func (f *fakeCommander) playCalls() []playCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]playCall(nil), f.plays...)
}

func (f *fakeCommander) hangupCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}

func (f *fakeCommander) stopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

var errStreamDown = errors.New("stream down")

type fakeStream struct {
	mu        sync.Mutex
	writes    [][]byte
	failAfter int // fail once this many writes succeeded; -1 never fails
	stalled   bool
}

func newFakeStream() *fakeStream { return &fakeStream{failAfter: -1} }

func (f *fakeStream) WriteAudio(pcm []byte, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.writes) >= f.failAfter {
		f.stalled = true
		return errStreamDown
	}
	f.writes = append(f.writes, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeStream) Stalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalled
}

func (f *fakeStream) all() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func ulawProfile() provider.TransportProfile {
	return provider.TransportProfile{
		IngressFormat: provider.FormatULaw, IngressSampleRate: 8000,
		EgressFormat: provider.FormatULaw, EgressSampleRate: 8000,
		ChunkMs: 20,
	}
}

func pcmProfile() provider.TransportProfile {
	return provider.TransportProfile{
		IngressFormat: provider.FormatPCM16, IngressSampleRate: 16000,
		EgressFormat: provider.FormatPCM16, EgressSampleRate: 16000,
		ChunkMs: 20,
	}
}

type fixture struct {
	mgr   *Manager
	store *callstore.Store
	gate  *gating.Coordinator
	cmd   *fakeCommander
	dir   string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := callstore.New()
	if err := store.Create("call-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	store.Update("call-1", func(s *callstore.CallSession) { s.BridgeID = "bridge-1" })

	gate := gating.New(store)
	cmd := &fakeCommander{store: store}
	if cfg.MediaDir == "" {
		cfg.MediaDir = t.TempDir()
	}
	return &fixture{
		mgr:   New(cmd, store, gate, cfg),
		store: store,
		gate:  gate,
		cmd:   cmd,
		dir:   cfg.MediaDir,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamMode_ReframesToChunkSize(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	w := newFakeStream()
	f.mgr.Register("call-1", ModeStream, ulawProfile(), w)

	f.mgr.OnResponseStart("call-1", "r1")
	if f.gate.CaptureEnabled("call-1") {
		t.Fatal("capture must be gated once the response starts")
	}

	// 480 μ-law bytes decode to 960 PCM bytes: three full 320-byte frames
	// at 8 kHz and 20 ms.
	f.mgr.OnAudio("call-1", "r1", make([]byte, 480))
	writes := w.all()
	if len(writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(writes))
	}
	for i, fr := range writes {
		if len(fr) != 320 {
			t.Errorf("frame %d length = %d, want 320", i, len(fr))
		}
	}

	f.mgr.OnResponseEnd(context.Background(), "call-1", "r1")
	if !f.gate.CaptureEnabled("call-1") {
		t.Error("gate must release on the synthetic finish")
	}
}

func TestStreamMode_FlushesRemainderOnEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	w := newFakeStream()
	f.mgr.Register("call-1", ModeStream, ulawProfile(), w)

	f.mgr.OnResponseStart("call-1", "r1")
	// 200 μ-law bytes decode to 400 PCM bytes: one 320-byte frame plus an
	// 80-byte remainder flushed at response end.
	f.mgr.OnAudio("call-1", "r1", make([]byte, 200))
	f.mgr.OnResponseEnd(context.Background(), "call-1", "r1")

	writes := w.all()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	if len(writes[1]) != 80 {
		t.Errorf("remainder length = %d, want 80", len(writes[1]))
	}
}

func TestStreamMode_StallFallsBackToFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	w := newFakeStream()
	w.failAfter = 1
	f.mgr.Register("call-1", ModeStream, ulawProfile(), w)

	f.mgr.OnResponseStart("call-1", "r1")
	f.mgr.OnAudio("call-1", "r1", make([]byte, 480))
	f.mgr.OnAudio("call-1", "r1", make([]byte, 160))
	f.mgr.OnResponseEnd(context.Background(), "call-1", "r1")

	plays := f.cmd.playCalls()
	if len(plays) != 1 {
		t.Fatalf("plays = %d, want 1 file fallback", len(plays))
	}
	if plays[0].bridgeID != "bridge-1" {
		t.Errorf("bridge = %q, want bridge-1", plays[0].bridgeID)
	}
	if _, err := os.Stat(filepath.Join(f.dir, plays[0].playbackID+".ulaw")); err != nil {
		t.Errorf("fallback file missing: %v", err)
	}
}

func TestFileMode_PlaysBufferedUtterance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.mgr.Register("call-1", ModeFile, ulawProfile(), nil)

	f.mgr.OnResponseStart("call-1", "r1")
	f.mgr.OnAudio("call-1", "r1", make([]byte, 160))
	f.mgr.OnAudio("call-1", "r1", make([]byte, 160))
	f.mgr.OnResponseEnd(context.Background(), "call-1", "r1")

	plays := f.cmd.playCalls()
	if len(plays) != 1 {
		t.Fatalf("plays = %d, want 1", len(plays))
	}
	if !plays[0].registered {
		t.Error("playback must be indexed in the store before the play command")
	}
	// Playback token still holds the gate after the response token released.
	if f.gate.CaptureEnabled("call-1") {
		t.Error("gate must stay held until the playback finishes")
	}

	path := filepath.Join(f.dir, plays[0].playbackID+".ulaw")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read utterance file: %v", err)
	}
	if len(data) != 320 {
		t.Errorf("file length = %d, want 320", len(data))
	}

	if !f.mgr.OnPlaybackFinished(context.Background(), plays[0].playbackID) {
		t.Fatal("finish must be accepted for a live playback")
	}
	if !f.gate.CaptureEnabled("call-1") {
		t.Error("gate must release after the playback finishes")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("utterance file must be deleted, stat = %v", err)
	}
}

func TestFileMode_SequentialPlaybacks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.mgr.Register("call-1", ModeFile, ulawProfile(), nil)

	for _, id := range []string{"r1", "r2"} {
		f.mgr.OnResponseStart("call-1", id)
		f.mgr.OnAudio("call-1", id, make([]byte, 160))
		f.mgr.OnResponseEnd(context.Background(), "call-1", id)
	}

	if got := len(f.cmd.playCalls()); got != 1 {
		t.Fatalf("plays before first finish = %d, want 1", got)
	}

	first := f.cmd.playCalls()[0]
	f.mgr.OnPlaybackFinished(context.Background(), first.playbackID)
	if got := len(f.cmd.playCalls()); got != 2 {
		t.Fatalf("plays after first finish = %d, want 2", got)
	}
}

func TestOnPlaybackFinished_UnknownIDCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.mgr.Register("call-1", ModeFile, ulawProfile(), nil)

	if f.mgr.OnPlaybackFinished(context.Background(), "ghost") {
		t.Error("unknown playback must be rejected")
	}
	if f.mgr.DuplicateFinishes() != 1 {
		t.Errorf("duplicateFinishes = %d, want 1", f.mgr.DuplicateFinishes())
	}
}

func TestWatchdog_ForcesGateRelease(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{WatchdogTimeout: 20 * time.Millisecond})
	w := newFakeStream()
	f.mgr.Register("call-1", ModeStream, ulawProfile(), w)

	f.mgr.OnResponseStart("call-1", "r1")
	// No completion ever arrives; the watchdog must unstick the gate.
	waitFor(t, "forced gate release", func() bool {
		return f.gate.CaptureEnabled("call-1")
	})
}

func TestWatchdog_RecordsFireMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := newFixture(t, Config{WatchdogTimeout: 20 * time.Millisecond, Metrics: m})
	w := newFakeStream()
	f.mgr.Register("call-1", ModeStream, ulawProfile(), w)

	f.mgr.OnResponseStart("call-1", "r1")
	waitFor(t, "forced gate release", func() bool {
		return f.gate.CaptureEnabled("call-1")
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "arivox.gate.watchdog_fires" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("watchdog_fires is not a sum")
			}
			if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
				t.Fatalf("watchdog_fires = %+v, want one sample of 1", sum.DataPoints)
			}
			return
		}
	}
	t.Error("no watchdog_fires sample recorded")
}

func TestFarewell_HangsUpAfterLastRelease(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{FarewellDelay: 10 * time.Millisecond})
	w := newFakeStream()
	f.mgr.Register("call-1", ModeStream, ulawProfile(), w)

	f.mgr.OnResponseStart("call-1", "r1")
	f.store.Update("call-1", func(s *callstore.CallSession) { s.FarewellPending = true })
	f.mgr.OnResponseEnd(context.Background(), "call-1", "r1")

	waitFor(t, "farewell hangup", func() bool {
		h := f.cmd.hangupCalls()
		return len(h) == 1 && h[0] == "call-1"
	})
}

func TestStop_CleansUpCallState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.mgr.Register("call-1", ModeFile, ulawProfile(), nil)

	f.mgr.OnResponseStart("call-1", "r1")
	f.mgr.OnAudio("call-1", "r1", make([]byte, 160))
	f.mgr.OnResponseEnd(context.Background(), "call-1", "r1")

	plays := f.cmd.playCalls()
	if len(plays) != 1 {
		t.Fatalf("plays = %d, want 1", len(plays))
	}
	path := filepath.Join(f.dir, plays[0].playbackID+".ulaw")

	f.mgr.Stop(context.Background(), "call-1")

	if got := f.cmd.stopCalls(); len(got) != 1 || got[0] != plays[0].playbackID {
		t.Errorf("stops = %v, want [%s]", got, plays[0].playbackID)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("spooled file must be removed, stat = %v", err)
	}
	if _, ok := f.store.GetPlayback(plays[0].playbackID); ok {
		t.Error("playback index must be cleared")
	}
}

func TestToFileULaw_ConvertsPCMEgress(t *testing.T) {
	t.Parallel()
	// 640 bytes of PCM16 at 16 kHz downsample to 160 samples at 8 kHz.
	out, err := toFileULaw(make([]byte, 640), pcmProfile())
	if err != nil {
		t.Fatalf("toFileULaw: %v", err)
	}
	if len(out) != 160 {
		t.Errorf("output length = %d, want 160", len(out))
	}

	// μ-law egress passes through untouched.
	in := audio.PCM16ToUlaw(make([]byte, 320))
	out, err = toFileULaw(in, ulawProfile())
	if err != nil {
		t.Fatalf("toFileULaw ulaw: %v", err)
	}
	if len(out) != len(in) {
		t.Errorf("ulaw passthrough length = %d, want %d", len(out), len(in))
	}
}

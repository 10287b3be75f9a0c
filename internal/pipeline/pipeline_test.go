package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arivox/arivox/pkg/provider"
	"github.com/arivox/arivox/pkg/provider/llm"
	llmmock "github.com/arivox/arivox/pkg/provider/llm/mock"
	"github.com/arivox/arivox/pkg/provider/stt"
	sttmock "github.com/arivox/arivox/pkg/provider/stt/mock"
	"github.com/arivox/arivox/pkg/provider/tts"
	ttsmock "github.com/arivox/arivox/pkg/provider/tts/mock"
	"github.com/arivox/arivox/pkg/provider/vad"
	vadmock "github.com/arivox/arivox/pkg/provider/vad/mock"
)

const eventWait = 2 * time.Second

func pcmProfile() provider.TransportProfile {
	return provider.TransportProfile{
		IngressFormat:     provider.FormatPCM16,
		IngressSampleRate: 16000,
		EgressFormat:      provider.FormatPCM16,
		EgressSampleRate:  16000,
		ChunkMs:           20,
	}
}

type fixture struct {
	stt  *sttmock.Provider
	sess *sttmock.Session
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	orch *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
	f := &fixture{
		stt:  &sttmock.Provider{Session: sess},
		sess: sess,
		llm:  &llmmock.Provider{},
		tts:  &ttsmock.Provider{EchoText: true},
	}
	f.orch = New("cascade", f.stt, f.llm, f.tts, tts.Voice{ID: "v1"}, opts...)
	return f
}

func openSession(t *testing.T, f *fixture, profile provider.TransportProfile) provider.Session {
	t.Helper()
	s, err := f.orch.Open(context.Background(), "call-1", profile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// waitEvent reads events until one of type want arrives, failing the test on
// timeout. Events of other types are collected and returned alongside.
func waitEvent(t *testing.T, events <-chan provider.Event, want provider.EventType) (provider.Event, []provider.Event) {
	t.Helper()
	var skipped []provider.Event
	deadline := time.After(eventWait)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", want)
			}
			if ev.Type == want {
				return ev, skipped
			}
			skipped = append(skipped, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %v (saw %d other events)", want, len(skipped))
		}
	}
}

// ---- open / profile negotiation ----

func TestOpen_EmitsCapabilityAck(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := openSession(t, f, pcmProfile())

	ev, _ := waitEvent(t, s.Events(), provider.EventCapabilityAck)
	if ev.Profile != pcmProfile() {
		t.Errorf("ack profile = %+v", ev.Profile)
	}
}

func TestOpen_RejectsUnsupportedProfile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	profile := pcmProfile()
	profile.IngressSampleRate = 44100
	_, err := f.orch.Open(context.Background(), "call-1", profile)
	if !errors.Is(err, provider.ErrNoProfile) {
		t.Fatalf("expected ErrNoProfile, got %v", err)
	}
}

func TestOpen_ConfiguresSTTAndVADFromProfile(t *testing.T) {
	t.Parallel()
	vadEng := &vadmock.Engine{}
	f := newFixture(t, WithVAD(vadEng, vad.Config{
		SpeechThreshold:  0.6,
		SilenceThreshold: 0.3,
		StartFrames:      3,
		HangoverMs:       300,
	}), WithLanguage("en"))
	openSession(t, f, pcmProfile())

	if len(f.stt.StartStreamCalls) != 1 {
		t.Fatalf("expected 1 StartStream call, got %d", len(f.stt.StartStreamCalls))
	}
	cfg := f.stt.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "en" {
		t.Errorf("unexpected stt config: %+v", cfg)
	}

	if len(vadEng.NewSessionCalls) != 1 {
		t.Fatalf("expected 1 NewSession call, got %d", len(vadEng.NewSessionCalls))
	}
	vcfg := vadEng.NewSessionCalls[0].Cfg
	if vcfg.SampleRate != 16000 || vcfg.FrameSizeMs != 20 {
		t.Errorf("vad session config not derived from profile: %+v", vcfg)
	}
	if vcfg.SpeechThreshold != 0.6 || vcfg.StartFrames != 3 {
		t.Errorf("vad thresholds lost: %+v", vcfg)
	}
}

// ---- full turn ----

func TestFinalTranscript_DrivesFullTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Hello caller. "},
		{Text: "How can I help?", FinishReason: "stop"},
	}
	s := openSession(t, f, pcmProfile())

	f.sess.FinalsCh <- stt.Transcript{Text: "hi there", IsFinal: true}

	tr, _ := waitEvent(t, s.Events(), provider.EventFinalTranscript)
	if tr.Text != "hi there" {
		t.Errorf("transcript text = %q", tr.Text)
	}

	start, _ := waitEvent(t, s.Events(), provider.EventResponseStart)
	if start.ResponseID == "" {
		t.Error("expected non-empty ResponseID on ResponseStart")
	}

	end, between := waitEvent(t, s.Events(), provider.EventResponseEnd)
	if end.Err != nil {
		t.Errorf("clean turn should not carry an error, got %v", end.Err)
	}
	if end.ResponseID != start.ResponseID {
		t.Errorf("ResponseEnd id %q != ResponseStart id %q", end.ResponseID, start.ResponseID)
	}

	var audio int
	for _, ev := range between {
		if ev.Type == provider.EventAudioOut {
			audio++
			if ev.ResponseID != start.ResponseID {
				t.Errorf("AudioOut carries id %q, want %q", ev.ResponseID, start.ResponseID)
			}
		}
	}
	if audio == 0 {
		t.Error("expected AudioOut events between ResponseStart and ResponseEnd")
	}
}

func TestSentenceCutting_FeedsTTSIncrementally(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Hello "},
		{Text: "there. How "},
		{Text: "can I help "},
		{Text: "you today?", FinishReason: "stop"},
	}
	s := openSession(t, f, pcmProfile())

	f.sess.FinalsCh <- stt.Transcript{Text: "hi", IsFinal: true}
	waitEvent(t, s.Events(), provider.EventResponseEnd)

	spoken := f.tts.SpokenTexts()
	if len(spoken) != 2 {
		t.Fatalf("expected 2 sentences, got %d: %v", len(spoken), spoken)
	}
	if spoken[0] != "Hello there." {
		t.Errorf("first sentence = %q", spoken[0])
	}
	if spoken[1] != "How can I help you today?" {
		t.Errorf("second sentence = %q", spoken[1])
	}
}

func TestTurn_RecordsConversationHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithSystemPrompt("You answer phones."))
	f.llm.StreamChunks = []llm.Chunk{{Text: "Sure thing.", FinishReason: "stop"}}
	s := openSession(t, f, pcmProfile())

	f.sess.FinalsCh <- stt.Transcript{Text: "first question", IsFinal: true}
	waitEvent(t, s.Events(), provider.EventResponseEnd)
	f.sess.FinalsCh <- stt.Transcript{Text: "second question", IsFinal: true}
	waitEvent(t, s.Events(), provider.EventResponseEnd)

	calls := f.llm.StreamCalls
	if len(calls) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(calls))
	}
	second := calls[1].Req
	if second.SystemPrompt != "You answer phones." {
		t.Errorf("system prompt = %q", second.SystemPrompt)
	}
	// user, assistant, user
	if len(second.Messages) != 3 {
		t.Fatalf("expected 3 history messages, got %d: %+v", len(second.Messages), second.Messages)
	}
	if second.Messages[1].Role != "assistant" || second.Messages[1].Content != "Sure thing." {
		t.Errorf("assistant reply not recorded: %+v", second.Messages[1])
	}
	if second.Messages[2].Content != "second question" {
		t.Errorf("latest user turn = %+v", second.Messages[2])
	}
}

func TestLLMError_EmitsErrorAndClosesTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamErr = errors.New("upstream down")
	s := openSession(t, f, pcmProfile())

	f.sess.FinalsCh <- stt.Transcript{Text: "hi", IsFinal: true}

	errEv, _ := waitEvent(t, s.Events(), provider.EventError)
	if errEv.Kind != provider.ErrorTransient {
		t.Errorf("kind = %v, want transient", errEv.Kind)
	}
	end, _ := waitEvent(t, s.Events(), provider.EventResponseEnd)
	if end.ResponseID == "" {
		t.Error("failed turn must still close with a ResponseEnd")
	}
}

// ---- ingress handling ----

func TestFeedAudio_ForwardsToSTT(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := openSession(t, f, pcmProfile())

	frame := make([]byte, 640) // 20 ms of PCM16 at 16 kHz
	if err := s.FeedAudio(frame); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}
	if got := f.sess.SendAudioCallCount(); got != 1 {
		t.Fatalf("expected 1 SendAudio call, got %d", got)
	}
}

func TestFeedAudio_DecodesULawIngress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	profile := provider.TransportProfile{
		IngressFormat:     provider.FormatULaw,
		IngressSampleRate: 8000,
		EgressFormat:      provider.FormatULaw,
		EgressSampleRate:  8000,
		ChunkMs:           20,
	}
	s := openSession(t, f, profile)

	wire := make([]byte, 160) // 20 ms of μ-law at 8 kHz
	if err := s.FeedAudio(wire); err != nil {
		t.Fatalf("FeedAudio: %v", err)
	}

	if len(f.sess.SendAudioCalls) != 1 {
		t.Fatalf("expected 1 SendAudio call, got %d", len(f.sess.SendAudioCalls))
	}
	if got := len(f.sess.SendAudioCalls[0].Chunk); got != 320 {
		t.Errorf("expected decoded 320-byte PCM frame, got %d bytes", got)
	}
	if f.stt.StartStreamCalls[0].Cfg.SampleRate != 8000 {
		t.Errorf("μ-law ingress must pin STT to 8 kHz, got %d", f.stt.StartStreamCalls[0].Cfg.SampleRate)
	}
}

func TestFeedAudio_EmitsSpeechBoundaries(t *testing.T) {
	t.Parallel()
	vadSess := &vadmock.Session{Script: []vad.VADEvent{
		{Type: vad.VADSpeechStart, Probability: 0.9},
		{Type: vad.VADSpeechContinue, Probability: 0.9},
		{Type: vad.VADSpeechEnd, Probability: 0.2},
	}}
	f := newFixture(t, WithVAD(&vadmock.Engine{Session: vadSess}, vad.Config{}))
	s := openSession(t, f, pcmProfile())

	frame := make([]byte, 640)
	for i := 0; i < 3; i++ {
		if err := s.FeedAudio(frame); err != nil {
			t.Fatalf("FeedAudio %d: %v", i, err)
		}
	}

	waitEvent(t, s.Events(), provider.EventSpeechStart)
	waitEvent(t, s.Events(), provider.EventSpeechEnd)
}

func TestFeedAudio_AfterClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := openSession(t, f, pcmProfile())
	close(f.sess.PartialsCh)
	close(f.sess.FinalsCh)
	s.Close()

	if err := s.FeedAudio(make([]byte, 640)); !errors.Is(err, provider.ErrSessionClosed) {
		t.Errorf("FeedAudio after close = %v, want ErrSessionClosed", err)
	}
}

// ---- turn token / queueing (white box) ----

func TestSubmit_QueuesNewestTranscriptOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := openSession(t, f, pcmProfile()).(*session)

	s.mu.Lock()
	s.inFlightCancel = func() {} // simulate a turn in flight
	s.mu.Unlock()

	s.submit("first")
	s.submit("second")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasQueued || s.queuedText != "second" {
		t.Errorf("queued = (%v, %q), want (true, second)", s.hasQueued, s.queuedText)
	}
}

func TestInterrupt_CancelsAndClearsQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := openSession(t, f, pcmProfile()).(*session)

	cancelled := false
	s.mu.Lock()
	s.inFlightCancel = func() { cancelled = true }
	s.queuedText = "stale"
	s.hasQueued = true
	s.mu.Unlock()

	if err := s.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if !cancelled {
		t.Error("expected in-flight turn to be cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasQueued {
		t.Error("expected queue to be cleared")
	}
}

func TestFinishResponse_CancelledTurnMarksEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := openSession(t, f, pcmProfile()).(*session)

	turnCtx, turnCancel := context.WithCancel(s.ctx)
	turnCancel()
	s.finishResponse(turnCtx, "resp-1", "")

	end, _ := waitEvent(t, s.Events(), provider.EventResponseEnd)
	if end.Kind != provider.ErrorCancelled || end.Err == nil {
		t.Errorf("expected cancelled ResponseEnd, got kind=%v err=%v", end.Kind, end.Err)
	}
}

func TestRequestResponse_NotSupported(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := openSession(t, f, pcmProfile())
	if err := s.RequestResponse(); !errors.Is(err, provider.ErrNotSupported) {
		t.Errorf("RequestResponse = %v, want ErrNotSupported", err)
	}
}

// ---- teardown ----

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := openSession(t, f, pcmProfile())
	close(f.sess.PartialsCh)
	close(f.sess.FinalsCh)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if f.sess.CloseCallCount != 1 {
		t.Errorf("stt Close called %d times, want 1", f.sess.CloseCallCount)
	}

	// The event channel must be closed after Close.
	for range s.Events() {
	}
}

// ---- egress conversion ----

func TestConvertEgress_ResamplesAndEncodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	profile := provider.TransportProfile{
		IngressFormat:     provider.FormatPCM16,
		IngressSampleRate: 16000,
		EgressFormat:      provider.FormatULaw,
		EgressSampleRate:  8000,
		ChunkMs:           20,
	}
	s := openSession(t, f, profile).(*session)

	pcm := make([]byte, 640) // 20 ms of PCM16 at 16 kHz
	out, err := s.convertEgress(pcm, 16000)
	if err != nil {
		t.Fatalf("convertEgress: %v", err)
	}
	// 20 ms at 8 kHz μ-law is 160 bytes.
	if len(out) != 160 {
		t.Errorf("expected 160 μ-law bytes, got %d", len(out))
	}
}

// ---- sentence boundary detection ----

func TestFirstSentenceBoundary(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want int
	}{
		{"Hello. World", 5},
		{"Wait! Go", 4},
		{"Huh? Ok", 3},
		{"No boundary here", -1},
		{"Trailing period.", -1}, // no whitespace after
		{"Dr. Smith", 2},         // known limitation: abbreviations split
		{"Multi.\nLine", 5},      // newline counts as whitespace
		{"", -1},
	}
	for _, tc := range cases {
		if got := firstSentenceBoundary(tc.in); got != tc.want {
			t.Errorf("firstSentenceBoundary(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

package rtp

import (
	"math"
	"net"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/arivox/arivox/pkg/audio"
)

func marshalPacket(t *testing.T, payloadType uint8, ssrc uint32, seq uint16, ts uint32, payload []byte) []byte {
	t.Helper()
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp packet: %v", err)
	}
	return data
}

// tonePayload returns 20 ms of a 400 Hz tone encoded as μ-law.
func tonePayload(amplitude float64) []byte {
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*400*float64(i)/8000))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return audio.PCM16ToUlaw(pcm)
}

// silencePayload is 20 ms of μ-law silence.
func silencePayload() []byte {
	p := make([]byte, 160)
	for i := range p {
		p[i] = 0xff
	}
	return p
}

type capture struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *capture) handler(f Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *capture) all() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

var testRemote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

func TestHandlePacket_DecodesAndResamples(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	s, err := New("127.0.0.1", 18000, 18000, rec.handler)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := marshalPacket(t, payloadTypePCMU, 0xabc, 1, 160, tonePayload(12000))
	s.handlePacket(data, testRemote, time.Now())

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.SSRC != 0xabc || f.Seq != 1 {
		t.Errorf("frame identity = ssrc %#x seq %d", f.SSRC, f.Seq)
	}
	// 160 μ-law samples at 8 kHz become 320 samples (640 bytes) at 16 kHz.
	if len(f.PCM) != 640 {
		t.Errorf("pcm length = %d, want 640", len(f.PCM))
	}
	if f.Silent {
		t.Error("loud tone must not be flagged silent")
	}
}

func TestHandlePacket_FlagsSilence(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	s, _ := New("127.0.0.1", 18000, 18000, rec.handler)

	data := marshalPacket(t, payloadTypePCMU, 0xabc, 1, 160, silencePayload())
	s.handlePacket(data, testRemote, time.Now())

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !frames[0].Silent {
		t.Error("silence must be flagged but still forwarded")
	}
}

func TestHandlePacket_RejectsUnknownPayloadType(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	s, _ := New("127.0.0.1", 18000, 18000, rec.handler)

	data := marshalPacket(t, 8 /* PCMA */, 0xabc, 1, 160, silencePayload())
	s.handlePacket(data, testRemote, time.Now())

	if got := len(rec.all()); got != 0 {
		t.Fatalf("expected no frames, got %d", got)
	}
	if s.UnknownPayloadCount() != 1 {
		t.Errorf("unknownPayload = %d, want 1", s.UnknownPayloadCount())
	}
}

func TestHandlePacket_DropsMalformed(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	s, _ := New("127.0.0.1", 18000, 18000, rec.handler)

	s.handlePacket([]byte{0x80, 0x00, 0x01}, testRemote, time.Now())

	if got := len(rec.all()); got != 0 {
		t.Fatalf("expected no frames, got %d", got)
	}
	if s.DecodeErrorCount() != 1 {
		t.Errorf("decodeErrors = %d, want 1", s.DecodeErrorCount())
	}
}

func TestHandlePacket_NewFlowNotifiedOnce(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	var newFlows []uint32
	var mu sync.Mutex
	s, _ := New("127.0.0.1", 18000, 18000, rec.handler,
		WithNewFlowFunc(func(ssrc uint32, _ *net.UDPAddr) {
			mu.Lock()
			newFlows = append(newFlows, ssrc)
			mu.Unlock()
		}))

	for seq := uint16(1); seq <= 3; seq++ {
		data := marshalPacket(t, payloadTypePCMU, 0x111, seq, uint32(seq)*160, silencePayload())
		s.handlePacket(data, testRemote, time.Now())
	}
	data := marshalPacket(t, payloadTypePCMU, 0x222, 1, 160, silencePayload())
	s.handlePacket(data, testRemote, time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(newFlows) != 2 || newFlows[0] != 0x111 || newFlows[1] != 0x222 {
		t.Errorf("newFlows = %#x, want [0x111 0x222]", newFlows)
	}
}

func TestStats_TracksLossAndJitter(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	s, _ := New("127.0.0.1", 18000, 18000, rec.handler)

	base := time.Now()
	for i, seq := range []uint16{1, 2, 5} { // 3 and 4 lost
		data := marshalPacket(t, payloadTypePCMU, 0x333, seq, uint32(seq)*160, silencePayload())
		s.handlePacket(data, testRemote, base.Add(time.Duration(i)*20*time.Millisecond))
	}

	st, ok := s.Stats(0x333)
	if !ok {
		t.Fatal("expected stats for flow")
	}
	if st.Received != 3 {
		t.Errorf("received = %d, want 3", st.Received)
	}
	if st.Lost != 2 {
		t.Errorf("lost = %d, want 2", st.Lost)
	}
	if st.Jitter < 0 {
		t.Errorf("jitter = %f, must be non-negative", st.Jitter)
	}
	if st.LastArrivalAt.IsZero() {
		t.Error("LastArrivalAt must be set")
	}
}

func TestRemoveFlow(t *testing.T) {
	t.Parallel()
	rec := &capture{}
	s, _ := New("127.0.0.1", 18000, 18000, rec.handler)

	data := marshalPacket(t, payloadTypePCMU, 0x444, 1, 160, silencePayload())
	s.handlePacket(data, testRemote, time.Now())
	s.RemoveFlow(0x444)

	if _, ok := s.Stats(0x444); ok {
		t.Error("flow must be gone after RemoveFlow")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("127.0.0.1", 18000, 18000, nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if _, err := New("127.0.0.1", 18010, 18000, func(Frame) {}); err == nil {
		t.Error("expected error for inverted port range")
	}
	if _, err := New("127.0.0.1", 0, 0, func(Frame) {}); err == nil {
		t.Error("expected error for zero port")
	}
}

// ---- sequence tracker ----

func TestSequenceTracker_InOrder(t *testing.T) {
	t.Parallel()
	var tr sequenceTracker
	for seq := uint16(10); seq < 15; seq++ {
		if _, lost := tr.update(seq); lost != 0 {
			t.Fatalf("seq %d: lost = %d, want 0", seq, lost)
		}
	}
	received, lost := tr.stats()
	if received != 5 || lost != 0 {
		t.Errorf("stats = (%d, %d), want (5, 0)", received, lost)
	}
}

func TestSequenceTracker_Gap(t *testing.T) {
	t.Parallel()
	var tr sequenceTracker
	tr.update(100)
	_, lost := tr.update(104)
	if lost != 3 {
		t.Errorf("lost = %d, want 3", lost)
	}
}

func TestSequenceTracker_Wraparound(t *testing.T) {
	t.Parallel()
	var tr sequenceTracker
	tr.update(65534)
	tr.update(65535)
	ext, lost := tr.update(0)
	if lost != 0 {
		t.Errorf("lost across clean wrap = %d, want 0", lost)
	}
	if ext != (1<<16)|0 {
		t.Errorf("extended = %#x, want %#x", ext, (1<<16)|0)
	}
}

func TestSequenceTracker_Reordered(t *testing.T) {
	t.Parallel()
	var tr sequenceTracker
	tr.update(50)
	tr.update(51)
	if _, lost := tr.update(49); lost != 0 {
		t.Errorf("reordered packet must not count as loss, got %d", lost)
	}
}

func TestSequenceTracker_LatePacketDoesNotRewind(t *testing.T) {
	t.Parallel()
	var tr sequenceTracker
	tr.update(10)
	tr.update(11)
	tr.update(9) // late arrival
	if _, lost := tr.update(12); lost != 0 {
		t.Errorf("in-order packet after a late one counted as loss, got %d", lost)
	}
	if _, total := tr.stats(); total != 0 {
		t.Errorf("total lost = %d, want 0", total)
	}
}

func TestSequenceTracker_DuplicateDoesNotRewind(t *testing.T) {
	t.Parallel()
	var tr sequenceTracker
	tr.update(200)
	tr.update(200)
	if _, lost := tr.update(201); lost != 0 {
		t.Errorf("packet after a duplicate counted as loss, got %d", lost)
	}
}

// Package rtp receives the PBX's external-media RTP streams.
//
// The server listens on a configured UDP port range for RTP-framed μ-law
// (payload type 0, PCMU), decodes each packet to linear PCM at the 8 kHz
// wire rate, resamples to 16 kHz, and hands the frame to a registered
// callback together with its flow record. Flows are keyed by SSRC; the first
// packet of an unknown SSRC raises a new-flow notification so the engine can
// bind the stream to a call.
//
// Sockets that fail are re-bound with exponential backoff capped at five
// seconds. Malformed packets drop individually and increment a counter; they
// never take the listener down.
package rtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/arivox/arivox/pkg/audio"
)

const (
	payloadTypePCMU = 0
	wireRate        = 8000
	outputRate      = 16000

	// defaultSilenceFloor is the RMS level below which a frame is flagged as
	// silent. Silent frames are still forwarded; the flag lets the engine
	// avoid waking a VAD on line hum.
	defaultSilenceFloor = 100.0

	maxRebindBackoff = 5 * time.Second
	readBufSize      = 2048
)

// Frame is one decoded ingress frame delivered to the handler.
type Frame struct {
	SSRC    uint32
	Seq     uint16
	PCM     []byte // PCM16 mono, 16 kHz, little-endian
	Arrival time.Time
	Silent  bool
	Remote  *net.UDPAddr
}

// FlowStats is a snapshot of a flow's reception statistics.
type FlowStats struct {
	SSRC          uint32
	Remote        *net.UDPAddr
	Received      uint64
	Lost          uint64
	Jitter        float64 // RFC 3550, in timestamp units
	LastArrivalAt time.Time
}

// flow is the per-SSRC reception state.
type flow struct {
	ssrc   uint32
	remote *net.UDPAddr

	seq           sequenceTracker
	jitter        float64
	lastTransit   float64
	haveTransit   bool
	lastArrivalAt time.Time

	dcState audio.DCBlockState
}

// Handler receives decoded frames. It is called from the socket read loops
// and must not block.
type Handler func(Frame)

// NewFlowFunc is called once per previously unseen SSRC, before the first
// frame of that flow is delivered.
type NewFlowFunc func(ssrc uint32, remote *net.UDPAddr)

// Option configures a Server.
type Option func(*Server)

// WithSilenceFloor overrides the RMS floor for the silent-frame flag.
func WithSilenceFloor(floor float64) Option {
	return func(s *Server) { s.silenceFloor = floor }
}

// WithNewFlowFunc registers the new-flow notification callback.
func WithNewFlowFunc(fn NewFlowFunc) Option {
	return func(s *Server) { s.onNewFlow = fn }
}

// Server owns the UDP listeners and all flow records.
type Server struct {
	host         string
	portMin      int
	portMax      int
	silenceFloor float64
	handler      Handler
	onNewFlow    NewFlowFunc
	log          *slog.Logger

	mu    sync.RWMutex
	flows map[uint32]*flow

	unknownPayload atomic.Uint64
	decodeErrors   atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server listening on every port in [portMin, portMax] of
// host once Start is called. handler must be non-nil.
func New(host string, portMin, portMax int, handler Handler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("rtp: handler must not be nil")
	}
	if portMin <= 0 || portMax < portMin {
		return nil, fmt.Errorf("rtp: invalid port range %d-%d", portMin, portMax)
	}
	s := &Server{
		host:         host,
		portMin:      portMin,
		portMax:      portMax,
		silenceFloor: defaultSilenceFloor,
		handler:      handler,
		log:          slog.Default().With("component", "rtp"),
		flows:        make(map[uint32]*flow),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start binds the port range and begins reading. It returns after the
// initial binds are attempted; sockets that fail keep retrying in the
// background.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for port := s.portMin; port <= s.portMax; port++ {
		s.wg.Add(1)
		go s.listenLoop(runCtx, port)
	}
}

// Stop shuts down all listeners and waits for the read loops to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// listenLoop binds one UDP port and reads until the context is cancelled,
// re-binding with exponential backoff on socket failure.
func (s *Server) listenLoop(ctx context.Context, port int) {
	defer s.wg.Done()

	backoff := 100 * time.Millisecond
	for ctx.Err() == nil {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{
			IP:   net.ParseIP(s.host),
			Port: port,
		})
		if err != nil {
			s.log.Warn("bind failed, retrying", "port", port, "backoff", backoff, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRebindBackoff)
			continue
		}
		backoff = 100 * time.Millisecond

		s.log.Info("listening", "port", port)
		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("read loop ended, re-binding", "port", port, "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) error {
	// Closing the socket on cancel unblocks the pending read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	buf := make([]byte, readBufSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		s.handlePacket(buf[:n], remote, time.Now())
	}
}

// handlePacket parses, tracks, decodes, and forwards one RTP packet.
// Exposed to tests through the package-internal surface.
func (s *Server) handlePacket(data []byte, remote *net.UDPAddr, arrival time.Time) {
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		s.decodeErrors.Add(1)
		return
	}
	if pkt.PayloadType != payloadTypePCMU {
		s.unknownPayload.Add(1)
		return
	}
	if len(pkt.Payload) == 0 {
		s.decodeErrors.Add(1)
		return
	}

	f, isNew := s.getOrCreateFlow(pkt.SSRC, remote)
	if isNew && s.onNewFlow != nil {
		s.onNewFlow(pkt.SSRC, remote)
	}

	s.mu.Lock()
	f.seq.update(pkt.SequenceNumber)
	f.updateJitter(pkt.Timestamp, arrival)
	f.lastArrivalAt = arrival
	f.remote = remote

	pcm8k := audio.UlawToPCM16(pkt.Payload)
	pcm8k = audio.DCBlock(pcm8k, &f.dcState)
	s.mu.Unlock()

	rms := audio.RMS(pcm8k)

	pcm16k, err := audio.ResampleMono16(pcm8k, wireRate, outputRate)
	if err != nil {
		s.decodeErrors.Add(1)
		return
	}

	s.handler(Frame{
		SSRC:    pkt.SSRC,
		Seq:     pkt.SequenceNumber,
		PCM:     pcm16k,
		Arrival: arrival,
		Silent:  rms < s.silenceFloor,
		Remote:  remote,
	})
}

func (s *Server) getOrCreateFlow(ssrc uint32, remote *net.UDPAddr) (*flow, bool) {
	s.mu.RLock()
	f, ok := s.flows[ssrc]
	s.mu.RUnlock()
	if ok {
		return f, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok = s.flows[ssrc]; ok {
		return f, false
	}
	f = &flow{ssrc: ssrc, remote: remote}
	s.flows[ssrc] = f
	return f, true
}

// updateJitter applies the RFC 3550 interarrival jitter estimator. Caller
// holds s.mu.
func (f *flow) updateJitter(rtpTimestamp uint32, arrival time.Time) {
	// Arrival expressed in RTP timestamp units (8 kHz clock).
	arrivalTS := float64(arrival.UnixNano()) * wireRate / 1e9
	transit := arrivalTS - float64(rtpTimestamp)
	if !f.haveTransit {
		f.haveTransit = true
		f.lastTransit = transit
		return
	}
	d := transit - f.lastTransit
	f.lastTransit = transit
	if d < 0 {
		d = -d
	}
	f.jitter += (d - f.jitter) / 16
}

// Stats returns the reception statistics for one flow.
func (s *Server) Stats(ssrc uint32) (FlowStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[ssrc]
	if !ok {
		return FlowStats{}, false
	}
	received, lost := f.seq.stats()
	return FlowStats{
		SSRC:          f.ssrc,
		Remote:        f.remote,
		Received:      received,
		Lost:          lost,
		Jitter:        f.jitter,
		LastArrivalAt: f.lastArrivalAt,
	}, true
}

// RemoveFlow drops the flow record for a terminated call.
func (s *Server) RemoveFlow(ssrc uint32) {
	s.mu.Lock()
	delete(s.flows, ssrc)
	s.mu.Unlock()
}

// UnknownPayloadCount reports packets rejected for a non-PCMU payload type.
func (s *Server) UnknownPayloadCount() uint64 { return s.unknownPayload.Load() }

// DecodeErrorCount reports packets dropped for parse or decode failures.
func (s *Server) DecodeErrorCount() uint64 { return s.decodeErrors.Load() }

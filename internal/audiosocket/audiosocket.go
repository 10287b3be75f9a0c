// Package audiosocket implements the framed TCP media protocol the PBX
// uses for bidirectional streaming audio.
//
// Every frame is a 3-byte header (type u8, payload length u16 big-endian)
// followed by the payload. A connection must identify itself with exactly
// one UUID handshake frame before any audio; the UUID binds the TCP
// connection to a call. Audio arriving before the handshake is dropped, and
// a second handshake resets the connection.
//
// Ingress audio is normalized to PCM16 at the working rate (16 kHz), with a
// one-shot endianness probe per connection. Egress writes are backpressured:
// a send blocked longer than the configured stall timeout marks the
// connection stalled so playback can fall back to file mode.
package audiosocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arivox/arivox/pkg/audio"
)

// Frame types.
const (
	TypeTerminate = 0x00
	TypeUUID      = 0x01
	TypeDTMF      = 0x03
	TypePCM8k     = 0x10
	TypePCM12k    = 0x11
	TypePCM16k    = 0x12
	TypePCM24k    = 0x13
	TypePCM32k    = 0x14
	TypePCM44k    = 0x15
	TypePCM48k    = 0x16
	TypePCM96k    = 0x17
	TypePCM192k   = 0x18
	TypeError     = 0xff
)

const (
	headerLen      = 3
	uuidPayloadLen = 16
	workingRate    = 16000

	defaultStallTimeout = 2 * time.Second
	maxPayloadLen       = 65535
)

// pcmRates maps audio frame types to their sample rates.
var pcmRates = map[byte]int{
	TypePCM8k:   8000,
	TypePCM12k:  12000,
	TypePCM16k:  16000,
	TypePCM24k:  24000,
	TypePCM32k:  32000,
	TypePCM44k:  44100,
	TypePCM48k:  48000,
	TypePCM96k:  96000,
	TypePCM192k: 192000,
}

// ErrStalled is returned by writes once the connection exceeded the egress
// stall timeout.
var ErrStalled = errors.New("audiosocket: egress stalled")

// Handler receives connection events. Callbacks run on the per-connection
// read goroutine and must not block.
type Handler interface {
	// OnHandshake is called once per connection after a valid UUID frame.
	// Returning an error rejects and closes the connection.
	OnHandshake(conn *Conn, id uuid.UUID) error

	// OnAudio delivers one normalized ingress frame: PCM16 mono little-endian
	// at the working rate (16 kHz).
	OnAudio(conn *Conn, pcm []byte)

	// OnDTMF delivers a single DTMF digit.
	OnDTMF(conn *Conn, digit byte)

	// OnClose is called exactly once when the connection ends, after a
	// terminate frame, a peer disconnect, or a protocol violation.
	OnClose(conn *Conn, err error)
}

// Server accepts AudioSocket connections on one TCP port.
type Server struct {
	addr         string
	handler      Handler
	stallTimeout time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}

	preHandshakeDrops atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithStallTimeout overrides the egress stall timeout (default 2 s).
func WithStallTimeout(d time.Duration) Option {
	return func(s *Server) { s.stallTimeout = d }
}

// New creates a Server that will listen on addr (host:port).
func New(addr string, handler Handler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("audiosocket: handler must not be nil")
	}
	s := &Server{
		addr:         addr,
		handler:      handler,
		stallTimeout: defaultStallTimeout,
		log:          slog.Default().With("component", "audiosocket"),
		conns:        make(map[*Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("audiosocket: listen %s: %w", s.addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(runCtx, ln)
	s.log.Info("listening", "addr", s.addr)
	return nil
}

// Stop closes the listener and all active connections, then waits for the
// connection goroutines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.close(errors.New("server shutting down"))
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// PreHandshakeDrops reports audio frames dropped before a handshake.
func (s *Server) PreHandshakeDrops() uint64 { return s.preHandshakeDrops.Load() }

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}

		c := newConn(netConn, s)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.readLoop()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is one AudioSocket connection. The write half is safe for concurrent
// use; reads are owned by the server.
type Conn struct {
	net     net.Conn
	server  *Server
	probe   audio.EndianProbe
	dcState audio.DCBlockState

	mu         sync.Mutex
	handshaken bool
	id         uuid.UUID
	stalled    bool
	closed     bool
	closeErr   error

	writeMu sync.Mutex
}

func newConn(netConn net.Conn, s *Server) *Conn {
	return &Conn{net: netConn, server: s}
}

// ID returns the handshake UUID, or the zero UUID before the handshake.
func (c *Conn) ID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.net.RemoteAddr() }

// Stalled reports whether an egress write exceeded the stall timeout.
func (c *Conn) Stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

// WriteAudio frames pcm with the type byte for the given sample rate and
// writes it to the peer. Writes exceeding the stall timeout mark the
// connection stalled and return ErrStalled.
func (c *Conn) WriteAudio(pcm []byte, sampleRate int) error {
	typ, ok := typeForRate(sampleRate)
	if !ok {
		return fmt.Errorf("audiosocket: unsupported egress rate %d", sampleRate)
	}
	if len(pcm) > maxPayloadLen {
		return fmt.Errorf("audiosocket: frame too large (%d bytes)", len(pcm))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	if c.stalled {
		c.mu.Unlock()
		return ErrStalled
	}
	c.mu.Unlock()

	buf := make([]byte, headerLen+len(pcm))
	buf[0] = typ
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(pcm)))
	copy(buf[headerLen:], pcm)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.net.SetWriteDeadline(time.Now().Add(c.server.stallTimeout))
	_, err := c.net.Write(buf)
	c.net.SetWriteDeadline(time.Time{})
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.mu.Lock()
			c.stalled = true
			c.mu.Unlock()
			return ErrStalled
		}
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.close(nil)
	return nil
}

func (c *Conn) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	c.mu.Unlock()

	c.net.Close()
	c.server.handler.OnClose(c, err)
}

func (c *Conn) readLoop() {
	header := make([]byte, headerLen)
	for {
		if _, err := io.ReadFull(c.net, header); err != nil {
			if errors.Is(err, io.EOF) {
				c.close(nil)
			} else {
				c.close(err)
			}
			return
		}

		typ := header[0]
		length := binary.BigEndian.Uint16(header[1:3])
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.net, payload); err != nil {
			c.close(fmt.Errorf("audiosocket: short payload: %w", err))
			return
		}

		if err := c.handleFrame(typ, payload); err != nil {
			c.close(err)
			return
		}
		c.mu.Lock()
		done := c.closed
		c.mu.Unlock()
		if done {
			return
		}
	}
}

// handleFrame dispatches one parsed frame. A returned error resets the
// connection.
func (c *Conn) handleFrame(typ byte, payload []byte) error {
	switch typ {
	case TypeTerminate:
		c.close(nil)
		return nil

	case TypeUUID:
		return c.handleHandshake(payload)

	case TypeDTMF:
		if len(payload) != 1 {
			return fmt.Errorf("audiosocket: dtmf payload length %d", len(payload))
		}
		if c.isHandshaken() {
			c.server.handler.OnDTMF(c, payload[0])
		}
		return nil

	case TypeError:
		return fmt.Errorf("audiosocket: peer error frame (%d bytes)", len(payload))

	default:
		rate, ok := pcmRates[typ]
		if !ok {
			// Unknown types are skipped so protocol additions do not kill
			// established calls.
			return nil
		}
		return c.handleAudio(payload, rate)
	}
}

func (c *Conn) handleHandshake(payload []byte) error {
	if len(payload) != uuidPayloadLen {
		return fmt.Errorf("audiosocket: handshake payload length %d", len(payload))
	}

	c.mu.Lock()
	if c.handshaken {
		c.mu.Unlock()
		return errors.New("audiosocket: duplicate handshake")
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("audiosocket: handshake uuid: %w", err)
	}
	c.handshaken = true
	c.id = id
	c.mu.Unlock()

	return c.server.handler.OnHandshake(c, id)
}

func (c *Conn) handleAudio(payload []byte, rate int) error {
	if !c.isHandshaken() {
		c.server.preHandshakeDrops.Add(1)
		return nil
	}
	if len(payload) == 0 || len(payload)%2 != 0 {
		return nil // malformed audio drops the frame only
	}

	pcm := c.probe.Normalize(payload)
	pcm = audio.DCBlock(pcm, &c.dcState)

	if rate != workingRate {
		resampled, err := audio.ResampleMono16(pcm, rate, workingRate)
		if err != nil {
			// Rates outside the resampler's support are dropped per frame.
			return nil
		}
		pcm = resampled
	}

	c.server.handler.OnAudio(c, pcm)
	return nil
}

func (c *Conn) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// typeForRate returns the frame type byte for an egress sample rate.
func typeForRate(rate int) (byte, bool) {
	for typ, r := range pcmRates {
		if r == rate {
			return typ, true
		}
	}
	return 0, false
}

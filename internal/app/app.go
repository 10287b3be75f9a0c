// Package app wires all Arivox subsystems into a running voice agent.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the media transport and serves the PBX event
// stream, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithAdapter,
// WithRegistry). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arivox/arivox/internal/ari"
	"github.com/arivox/arivox/internal/audiosocket"
	"github.com/arivox/arivox/internal/callstore"
	"github.com/arivox/arivox/internal/config"
	"github.com/arivox/arivox/internal/engine"
	"github.com/arivox/arivox/internal/gating"
	"github.com/arivox/arivox/internal/health"
	"github.com/arivox/arivox/internal/observe"
	"github.com/arivox/arivox/internal/playback"
	"github.com/arivox/arivox/internal/rtp"
	"github.com/arivox/arivox/pkg/provider"
)

// App owns all subsystem lifetimes and runs the Arivox voice agent.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	logLevel *slog.LevelVar

	adapter provider.Adapter
	profile provider.TransportProfile
	pbx     *ari.Client
	store   *callstore.Store
	gate    *gating.Coordinator
	media   *playback.Manager
	eng     *engine.Engine

	// Exactly one of the two is non-nil, selected by audio_transport.
	rtpServer *rtp.Server
	asServer  *audiosocket.Server

	health  *health.Handler
	httpSrv *http.Server

	transportUp atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the provider registry used to construct adapters.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithAdapter injects a provider adapter instead of building one from config.
func WithAdapter(ad provider.Adapter) Option {
	return func(a *App) { a.adapter = ad }
}

// WithLogLevelVar hands the app the level var behind the process logger so
// config reloads can adjust verbosity at runtime.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is bound or
// dialled yet; listeners and the PBX event stream start in Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}

	// ── 1. Provider adapter and transport profile ────────────────────────
	if a.adapter == nil {
		adapter, err := buildAdapter(cfg, a.registry)
		if err != nil {
			return nil, fmt.Errorf("app: build provider: %w", err)
		}
		a.adapter = adapter
	}
	cons := provider.Constraints{
		Format:     provider.Format(cfg.Audio.Format),
		SampleRate: cfg.Audio.SampleRate,
	}
	profile, err := provider.SelectProfile(a.adapter.Capabilities(), cons)
	if err != nil {
		if cons.Empty() {
			return nil, fmt.Errorf("app: provider %s: %w", a.adapter.Name(), err)
		}
		// A deployment-pinned profile the provider cannot serve is not a
		// boot failure: the server comes up and every call fails in setup
		// with the same unsupported-format error.
		profile = provider.RequestedProfile(cons)
		slog.Warn("provider does not admit the configured audio profile; calls will fail in setup",
			"provider", a.adapter.Name(),
			"requested", fmt.Sprintf("%s@%d", profile.IngressFormat, profile.IngressSampleRate),
		)
	}
	a.profile = profile
	slog.Info("provider ready",
		"provider", a.adapter.Name(),
		"ingress", fmt.Sprintf("%s@%d", profile.IngressFormat, profile.IngressSampleRate),
		"egress", fmt.Sprintf("%s@%d", profile.EgressFormat, profile.EgressSampleRate),
	)

	// ── 2. Call state, gating, PBX control plane ─────────────────────────
	a.store = callstore.New()
	a.gate = gating.New(a.store)
	a.pbx, err = ari.New(ari.Config{
		URL:         cfg.Asterisk.Host,
		Username:    cfg.Asterisk.ARI.Username,
		Password:    cfg.Asterisk.ARI.Password,
		Application: cfg.Asterisk.App,
	})
	if err != nil {
		return nil, fmt.Errorf("app: ari client: %w", err)
	}

	// ── 3. Playback ──────────────────────────────────────────────────────
	a.media = playback.New(a.pbx, a.store, a.gate, playback.Config{
		MediaDir:        cfg.MediaDir,
		WatchdogTimeout: cfg.Timeouts.TTSGateWatchdog(),
		FarewellDelay:   cfg.Timeouts.FarewellHangupDelay(),
	})

	// ── 4. Media transport ───────────────────────────────────────────────
	var (
		engOpts []engine.Option
		rtpDest string
		asAddr  string
	)
	switch cfg.AudioTransport {
	case config.TransportRTP:
		lo, hi, err := cfg.RTP.Ports()
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		// The engine is constructed after the server, so the handlers go
		// through the app field rather than binding the engine directly.
		a.rtpServer, err = rtp.New("0.0.0.0", lo, hi,
			func(f rtp.Frame) { a.eng.HandleRTPFrame(f) },
			rtp.WithNewFlowFunc(func(ssrc uint32, remote *net.UDPAddr) {
				a.eng.HandleNewFlow(ssrc, remote)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("app: rtp server: %w", err)
		}
		rtpDest = net.JoinHostPort(cfg.RTP.Host, strconv.Itoa(lo))
		engOpts = append(engOpts, engine.WithFlowRemover(a.rtpServer))

	case config.TransportAudioSocket:
		a.asServer, err = audiosocket.New(
			fmt.Sprintf(":%d", cfg.AudioSocket.Port),
			&asHandler{app: a},
			audiosocket.WithStallTimeout(cfg.Timeouts.EgressStall()),
		)
		if err != nil {
			return nil, fmt.Errorf("app: audiosocket server: %w", err)
		}
		asAddr = net.JoinHostPort(cfg.AudioSocket.Host, strconv.Itoa(cfg.AudioSocket.Port))

	default:
		return nil, fmt.Errorf("app: unsupported audio_transport %q", cfg.AudioTransport)
	}

	// ── 5. Engine ────────────────────────────────────────────────────────
	mode := playback.ModeFile
	if cfg.DownstreamMode == config.ModeStream {
		mode = playback.ModeStream
	}
	if vadEng, err := a.registry.CreateVAD(vadEntry(cfg)); err != nil {
		slog.Warn("no vad engine for local barge-in detection", "err", err)
	} else {
		engOpts = append(engOpts, engine.WithBargeInVAD(vadEng, vadConfig(cfg.VAD)))
	}
	a.eng = engine.New(engine.Config{
		Transport:         engine.Transport(cfg.AudioTransport),
		DownstreamMode:    mode,
		Profile:           profile,
		RTPDest:           rtpDest,
		AudioSocketAddr:   asAddr,
		GreetingText:      cfg.Greeting.Text,
		ApologyText:       cfg.Apology.Text,
		SetupTimeout:      cfg.Timeouts.Setup(),
		DeadCallTimeout:   cfg.Timeouts.DeadCall(),
		FarewellDelay:     cfg.Timeouts.FarewellHangupDelay(),
		QuarantineTimeout: cfg.Timeouts.SSRCQuarantine(),
	}, a.pbx, a.adapter, a.store, a.gate, a.media, engOpts...)

	// ── 6. HTTP surface: health and metrics ──────────────────────────────
	a.health = health.New(
		[]health.Checker{
			{Name: "asterisk", Check: a.pbx.Ping},
			{Name: "transport", Check: a.checkTransport},
			{Name: "provider", Check: a.checkProvider},
		},
		health.WithDetail("active_calls", func() any { return a.eng.ActiveCalls() }),
	)
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		a.health.Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())
		a.httpSrv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

func (a *App) checkTransport(context.Context) error {
	if !a.transportUp.Load() {
		return errors.New("media transport not started")
	}
	return nil
}

func (a *App) checkProvider(context.Context) error {
	if !a.adapter.Capabilities().SupportsProfile(a.profile) {
		return fmt.Errorf("provider %s no longer admits the locked profile", a.adapter.Name())
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the media transport, connects the PBX event stream, and serves
// until ctx is cancelled or a subsystem fails. Active calls drain before Run
// returns.
func (a *App) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	switch {
	case a.asServer != nil:
		if err := a.asServer.Start(runCtx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, func() error { a.asServer.Stop(); return nil })
	case a.rtpServer != nil:
		a.rtpServer.Start(runCtx)
		a.closers = append(a.closers, func() error { a.rtpServer.Stop(); return nil })
	}
	a.transportUp.Store(true)

	if err := a.pbx.Connect(runCtx); err != nil {
		return fmt.Errorf("app: connect event stream: %w", err)
	}
	a.closers = append(a.closers, func() error { a.pbx.Close(); return nil })

	g.Go(func() error {
		a.eng.Run(runCtx, a.pbx.Events())
		return nil
	})

	if a.httpSrv != nil {
		a.closers = append(a.closers, a.httpSrv.Close)
		g.Go(func() error {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.httpSrv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-runCtx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeouts.ShutdownDrain())
			defer cancel()
			return a.httpSrv.Shutdown(shCtx)
		})
	}

	slog.Info("arivox running",
		"transport", a.cfg.AudioTransport,
		"mode", a.cfg.DownstreamMode,
		"app", a.cfg.Asterisk.App,
	)
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyReload applies a config change detected by the watcher. Only the
// hot-swappable subset takes effect; the watcher has already warned when the
// change needs a restart.
func (a *App) ApplyReload(diff config.ConfigDiff, cfg *config.Config) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Slog())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.GreetingChanged || diff.ApologyChanged {
		a.eng.SetPhrases(cfg.Greeting.Text, cfg.Apology.Text)
		slog.Info("phrases updated")
	}
	if diff.VADChanged {
		slog.Warn("vad settings changed; sessions pick them up after restart")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.transportUp.Store(false)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Health exposes the health handler, mainly for tests and embedding.
func (a *App) Health() *health.Handler { return a.health }

// ─── AudioSocket handler ─────────────────────────────────────────────────────

// asHandler adapts the AudioSocket server callbacks to the engine surface.
// Connections resolve to calls through the handshake UUID bound at originate
// time.
type asHandler struct {
	app *App
}

func (h *asHandler) OnHandshake(conn *audiosocket.Conn, id uuid.UUID) error {
	return h.app.eng.OnHandshake(conn, id)
}

func (h *asHandler) OnAudio(conn *audiosocket.Conn, pcm []byte) {
	h.app.eng.OnAudio(conn.ID(), pcm)
}

func (h *asHandler) OnDTMF(conn *audiosocket.Conn, digit byte) {
	h.app.eng.OnDTMF(conn.ID(), digit)
}

func (h *asHandler) OnClose(conn *audiosocket.Conn, err error) {
	// Call teardown is driven by the PBX events; a dropped media socket on
	// its own is not a hangup.
	if err != nil {
		slog.Debug("audiosocket connection closed", "id", conn.ID(), "err", err)
	}
}

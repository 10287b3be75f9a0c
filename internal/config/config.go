// Package config provides the configuration schema, loader, and provider
// registry for the Arivox voice agent.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the Arivox server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level. An empty or invalid level
// maps to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Transport selects the media plane between Asterisk and the agent.
type Transport string

const (
	// TransportRTP receives caller audio as RTP-framed PCMU over UDP
	// (external media). Inbound only; playback goes through the file path.
	TransportRTP Transport = "rtp"

	// TransportAudioSocket exchanges framed PCM over a TCP AudioSocket
	// connection. Bidirectional, so stream playback is available.
	TransportAudioSocket Transport = "audiosocket"
)

// IsValid reports whether t is a recognised media transport.
func (t Transport) IsValid() bool {
	return t == TransportRTP || t == TransportAudioSocket
}

// DownstreamMode selects how synthesized audio reaches the caller.
type DownstreamMode string

const (
	// ModeFile stages synthesized audio as μ-law files in the shared media
	// directory and plays them through the ARI playback API.
	ModeFile DownstreamMode = "file"

	// ModeStream writes synthesized audio directly onto the AudioSocket
	// connection. Requires the audiosocket transport.
	ModeStream DownstreamMode = "stream"
)

// IsValid reports whether m is a recognised downstream mode.
func (m DownstreamMode) IsValid() bool {
	return m == ModeFile || m == ModeStream
}

// Config is the root configuration structure for Arivox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Asterisk AsteriskConfig `yaml:"asterisk"`

	// AudioTransport selects the media plane for all calls. Default: rtp.
	AudioTransport Transport `yaml:"audio_transport"`

	// DownstreamMode selects how synthesized audio is delivered. Default: file.
	DownstreamMode DownstreamMode `yaml:"downstream_mode"`

	// ActivePipeline names the STT/LLM/TTS triple (from Pipelines) to run
	// calls through. Empty selects the monolithic DefaultProvider instead.
	ActivePipeline string `yaml:"active_pipeline"`

	// DefaultProvider names the monolithic provider entry (from Providers)
	// used when ActivePipeline is empty.
	DefaultProvider string `yaml:"default_provider"`

	RTP         RTPConfig         `yaml:"rtp"`
	AudioSocket AudioSocketConfig `yaml:"audiosocket"`
	Audio       AudioConfig       `yaml:"audio"`
	Greeting    PhraseConfig      `yaml:"greeting"`
	Apology     PhraseConfig      `yaml:"apology"`

	// MediaDir is the playback staging directory shared with Asterisk.
	// File-mode playbacks are written here and removed when finished.
	MediaDir string `yaml:"media_dir"`

	VAD VADConfig `yaml:"vad"`

	// Providers maps a handle to an adapter configuration. Pipeline stages
	// and DefaultProvider reference entries by their map key.
	Providers map[string]ProviderEntry `yaml:"providers"`

	// Pipelines maps a name to an STT/LLM/TTS triple built from Providers.
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`

	// Breaker tunes the circuit breakers guarding pipeline fallbacks.
	Breaker BreakerConfig `yaml:"breaker"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// ServerConfig holds network and logging settings for the health and
// metrics HTTP surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AsteriskConfig holds the PBX control-plane endpoint and credentials.
type AsteriskConfig struct {
	// Host is the base URL of the Asterisk HTTP server (e.g.,
	// "http://pbx.internal:8088"). The ARI path prefix is appended by the client.
	Host string `yaml:"host"`

	// App is the Stasis application name the agent subscribes to.
	// Default: arivox.
	App string `yaml:"app"`

	ARI ARICredentials `yaml:"ari"`
}

// ARICredentials holds HTTP basic auth credentials for the ARI interface.
type ARICredentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RTPConfig configures the UDP listener for external media.
type RTPConfig struct {
	// Host is the address Asterisk sends external media to. It must be
	// reachable from the PBX. Default "127.0.0.1".
	Host string `yaml:"host"`

	// PortRange is the inclusive UDP port range ("40000-40100") the RTP
	// server may bind within.
	PortRange string `yaml:"port_range"`
}

// Ports parses the configured port range. Returns an error if the range is
// malformed, out of the valid port space, or inverted.
func (r RTPConfig) Ports() (lo, hi int, err error) {
	lower, upper, ok := strings.Cut(r.PortRange, "-")
	if !ok {
		return 0, 0, fmt.Errorf("rtp.port_range %q is not of the form \"min-max\"", r.PortRange)
	}
	lo, err = strconv.Atoi(strings.TrimSpace(lower))
	if err != nil {
		return 0, 0, fmt.Errorf("rtp.port_range lower bound %q: %w", lower, err)
	}
	hi, err = strconv.Atoi(strings.TrimSpace(upper))
	if err != nil {
		return 0, 0, fmt.Errorf("rtp.port_range upper bound %q: %w", upper, err)
	}
	if lo < 1 || hi > 65535 || lo > hi {
		return 0, 0, fmt.Errorf("rtp.port_range %q is not a valid port range", r.PortRange)
	}
	return lo, hi, nil
}

// AudioSocketConfig configures the TCP listener for framed media.
type AudioSocketConfig struct {
	// Host is the address Asterisk opens AudioSocket connections to. It must
	// be reachable from the PBX. Default "127.0.0.1".
	Host string `yaml:"host"`

	// Port is the TCP port the AudioSocket server listens on.
	Port int `yaml:"port"`
}

// AudioConfig optionally pins the transport profile negotiated with the
// provider. Empty fields leave the choice to capability negotiation; a set
// field is a hard constraint, and a provider that cannot satisfy it fails
// every call deterministically during setup.
type AudioConfig struct {
	// Format pins the media-plane encoding: "pcm16" or "ulaw".
	Format string `yaml:"format"`

	// SampleRate pins the sample rate in Hz (e.g., 8000, 16000, 24000).
	SampleRate int `yaml:"sample_rate"`
}

// PhraseConfig holds a fixed phrase the agent synthesizes on its own
// initiative (the greeting on call answer, the apology on a fatal error).
type PhraseConfig struct {
	Text string `yaml:"text"`
}

// VADConfig configures the local energy voice-activity detector. The whole
// block is ignored for providers whose capabilities include server-side turn
// detection.
type VADConfig struct {
	// Aggressiveness trades false positives against latency, 1 (permissive)
	// to 3 (strict). Zero selects the default of 2.
	Aggressiveness int `yaml:"aggressiveness"`

	// StartFrames is the number of consecutive speech frames required before
	// an utterance is considered started. Default: 3.
	StartFrames int `yaml:"start_frames"`

	// EndSilenceMs is the trailing silence, in milliseconds, that closes an
	// utterance. Default: 800.
	EndSilenceMs int `yaml:"end_silence_ms"`
}

// ProviderEntry is the common configuration block shared by all adapter
// types. The map key under providers is the entry's handle; Type selects the
// implementation registered in the [Registry].
type ProviderEntry struct {
	// Type selects the registered implementation (e.g., "deepgram",
	// "elevenlabs", "openai-realtime").
	Type string `yaml:"type"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Voice is the provider-specific voice identifier for TTS-capable entries.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Name is the entry's handle (the providers map key). Filled by the
	// loader; not read from YAML.
	Name string `yaml:"-"`
}

// StringOption returns the named entry from Options as a string, or def when
// absent or not a string.
func (e ProviderEntry) StringOption(key, def string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return def
}

// IntOption returns the named entry from Options as an int, or def when
// absent or not numeric. YAML decodes whole numbers as int.
func (e ProviderEntry) IntOption(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// PipelineConfig names the provider entries composing an STT/LLM/TTS triple.
// Each field references a key of the providers map.
type PipelineConfig struct {
	STT string `yaml:"stt"`
	LLM string `yaml:"llm"`
	TTS string `yaml:"tts"`

	// Fallback lists name provider entries tried in order when a stage's
	// primary backend fails or its circuit breaker is open. Optional.
	STTFallbacks []string `yaml:"stt_fallbacks"`
	LLMFallbacks []string `yaml:"llm_fallbacks"`
	TTSFallbacks []string `yaml:"tts_fallbacks"`
}

// BreakerConfig tunes the circuit breakers wrapped around pipeline stage
// backends. Zero values select the documented defaults.
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive failures.
	// Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeoutMs is how long an open breaker waits before probing the
	// backend again. Default: 30000.
	ResetTimeoutMs int `yaml:"reset_timeout_ms"`

	// HalfOpenProbes is how many trial requests a probing breaker admits
	// before deciding. Default: 3.
	HalfOpenProbes int `yaml:"half_open_probes"`
}

// ResetTimeout returns the open-state hold time as a duration.
func (b BreakerConfig) ResetTimeout() time.Duration { return ms(b.ResetTimeoutMs) }

// TimeoutConfig gathers the timing knobs of the call machinery. All values
// are in milliseconds; zero selects the documented default.
type TimeoutConfig struct {
	// SetupMs bounds the time from StasisStart to a working provider session.
	// Default: 10000.
	SetupMs int `yaml:"setup_timeout_ms"`

	// DeadCallMs terminates a call that has produced no inbound media for
	// this long. Default: 60000.
	DeadCallMs int `yaml:"dead_call_timeout_ms"`

	// TTSGateWatchdogMs force-releases a gate token whose playback never
	// finished. Default: 10000.
	TTSGateWatchdogMs int `yaml:"tts_gate_watchdog_ms"`

	// FarewellHangupDelayMs is the grace period between the last farewell
	// playback finishing and the hangup. Default: 2500.
	FarewellHangupDelayMs int `yaml:"farewell_hangup_delay_ms"`

	// ProviderRequestMs bounds individual provider control requests.
	// Default: 30000.
	ProviderRequestMs int `yaml:"provider_request_timeout_ms"`

	// EgressStallMs is the write deadline on the AudioSocket egress path;
	// a stalled connection falls back to file playback. Default: 2000.
	EgressStallMs int `yaml:"egress_stall_timeout_ms"`

	// ShutdownDrainMs bounds how long shutdown waits for active calls to
	// terminate. Default: 15000.
	ShutdownDrainMs int `yaml:"shutdown_drain_ms"`

	// SSRCQuarantineMs is how long an unbindable RTP source is kept before
	// its flow is discarded. Default: 5000.
	SSRCQuarantineMs int `yaml:"ssrc_quarantine_ms"`
}

// Duration accessors. The loader fills in defaults, so these are plain
// conversions; a zero value only occurs on a hand-built Config.

func (t TimeoutConfig) Setup() time.Duration               { return ms(t.SetupMs) }
func (t TimeoutConfig) DeadCall() time.Duration            { return ms(t.DeadCallMs) }
func (t TimeoutConfig) TTSGateWatchdog() time.Duration     { return ms(t.TTSGateWatchdogMs) }
func (t TimeoutConfig) FarewellHangupDelay() time.Duration { return ms(t.FarewellHangupDelayMs) }
func (t TimeoutConfig) ProviderRequest() time.Duration     { return ms(t.ProviderRequestMs) }
func (t TimeoutConfig) EgressStall() time.Duration         { return ms(t.EgressStallMs) }
func (t TimeoutConfig) ShutdownDrain() time.Duration       { return ms(t.ShutdownDrainMs) }
func (t TimeoutConfig) SSRCQuarantine() time.Duration      { return ms(t.SSRCQuarantineMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

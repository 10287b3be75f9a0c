package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderTypes lists known implementation types per adapter kind.
// Used by [Validate] to warn about unrecognised types.
var ValidProviderTypes = map[string][]string{
	"stt":   {"deepgram"},
	"llm":   {"openai", "anthropic", "gemini", "ollama"},
	"tts":   {"elevenlabs"},
	"vad":   {"energy"},
	"agent": {"openai-realtime", "local"},
}

// Defaults applied by [LoadFromReader] when the corresponding field is absent.
const (
	DefaultApp      = "arivox"
	DefaultMediaDir = "/var/spool/asterisk/arivox"
	DefaultGreeting = "Hello! How can I help you today?"
	DefaultApology  = "I'm sorry, something went wrong on my end. Goodbye."
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. References of the form ${VAR} are expanded from the
// environment before decoding, so secrets can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills absent fields with their documented defaults and
// stamps each provider entry with its map key.
func applyDefaults(cfg *Config) {
	if cfg.Asterisk.App == "" {
		cfg.Asterisk.App = DefaultApp
	}
	if cfg.AudioTransport == "" {
		cfg.AudioTransport = TransportRTP
	}
	if cfg.DownstreamMode == "" {
		cfg.DownstreamMode = ModeFile
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = DefaultMediaDir
	}
	if cfg.RTP.Host == "" {
		cfg.RTP.Host = "127.0.0.1"
	}
	if cfg.AudioSocket.Host == "" {
		cfg.AudioSocket.Host = "127.0.0.1"
	}
	if cfg.Greeting.Text == "" {
		cfg.Greeting.Text = DefaultGreeting
	}
	if cfg.Apology.Text == "" {
		cfg.Apology.Text = DefaultApology
	}

	if cfg.VAD.Aggressiveness == 0 {
		cfg.VAD.Aggressiveness = 2
	}
	if cfg.VAD.StartFrames == 0 {
		cfg.VAD.StartFrames = 3
	}
	if cfg.VAD.EndSilenceMs == 0 {
		cfg.VAD.EndSilenceMs = 800
	}

	t := &cfg.Timeouts
	defaultInt(&t.SetupMs, 10000)
	defaultInt(&t.DeadCallMs, 60000)
	defaultInt(&t.TTSGateWatchdogMs, 10000)
	defaultInt(&t.FarewellHangupDelayMs, 2500)
	defaultInt(&t.ProviderRequestMs, 30000)
	defaultInt(&t.EgressStallMs, 2000)
	defaultInt(&t.ShutdownDrainMs, 15000)
	defaultInt(&t.SSRCQuarantineMs, 5000)

	for key, entry := range cfg.Providers {
		entry.Name = key
		cfg.Providers[key] = entry
	}
}

func defaultInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Asterisk control plane. Missing credentials would only surface as 401s
	// at the first ARI call, so reject them here.
	if cfg.Asterisk.Host == "" {
		errs = append(errs, errors.New("asterisk.host is required"))
	}
	if cfg.Asterisk.ARI.Username == "" || cfg.Asterisk.ARI.Password == "" {
		errs = append(errs, errors.New("asterisk.ari.username and asterisk.ari.password are required"))
	}

	// Media plane
	if !cfg.AudioTransport.IsValid() {
		errs = append(errs, fmt.Errorf("audio_transport %q is invalid; valid values: rtp, audiosocket", cfg.AudioTransport))
	}
	if !cfg.DownstreamMode.IsValid() {
		errs = append(errs, fmt.Errorf("downstream_mode %q is invalid; valid values: file, stream", cfg.DownstreamMode))
	}
	if cfg.DownstreamMode == ModeStream && cfg.AudioTransport != TransportAudioSocket {
		errs = append(errs, errors.New("downstream_mode \"stream\" requires audio_transport \"audiosocket\"; RTP external media is inbound only"))
	}
	switch cfg.AudioTransport {
	case TransportRTP:
		if _, _, err := cfg.RTP.Ports(); err != nil {
			errs = append(errs, err)
		}
	case TransportAudioSocket:
		if cfg.AudioSocket.Port < 1 || cfg.AudioSocket.Port > 65535 {
			errs = append(errs, fmt.Errorf("audiosocket.port %d is not a valid port", cfg.AudioSocket.Port))
		}
	}

	// Audio constraints. The sample rate is only checked for sanity, not
	// against any provider: a rate no provider supports must still load, so
	// the mismatch surfaces as a per-call setup failure.
	switch cfg.Audio.Format {
	case "", "pcm16", "ulaw":
	default:
		errs = append(errs, fmt.Errorf("audio.format %q is invalid; valid values: pcm16, ulaw", cfg.Audio.Format))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout_ms %d must not be negative", cfg.Breaker.ResetTimeoutMs))
	}
	if cfg.Breaker.HalfOpenProbes < 0 {
		errs = append(errs, fmt.Errorf("breaker.half_open_probes %d must not be negative", cfg.Breaker.HalfOpenProbes))
	}

	// Provider selection: either a named pipeline or a monolithic provider.
	if cfg.ActivePipeline != "" {
		pl, ok := cfg.Pipelines[cfg.ActivePipeline]
		if !ok {
			errs = append(errs, fmt.Errorf("active_pipeline %q is not defined under pipelines", cfg.ActivePipeline))
		} else {
			errs = append(errs, validatePipelineRefs(cfg, cfg.ActivePipeline, pl)...)
		}
		if cfg.DefaultProvider != "" {
			slog.Warn("default_provider is ignored while active_pipeline is set",
				"active_pipeline", cfg.ActivePipeline,
				"default_provider", cfg.DefaultProvider,
			)
		}
	} else {
		if cfg.DefaultProvider == "" {
			errs = append(errs, errors.New("either active_pipeline or default_provider must be set"))
		} else if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider %q is not defined under providers", cfg.DefaultProvider))
		} else {
			validateProviderType("agent", cfg.Providers[cfg.DefaultProvider])
		}
	}

	for key, entry := range cfg.Providers {
		if entry.Type == "" {
			errs = append(errs, fmt.Errorf("providers.%s.type is required", key))
		}
	}

	// VAD
	if cfg.VAD.Aggressiveness < 1 || cfg.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [1, 3]", cfg.VAD.Aggressiveness))
	}
	if cfg.VAD.StartFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.start_frames %d must be at least 1", cfg.VAD.StartFrames))
	}
	if cfg.VAD.EndSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("vad.end_silence_ms %d must not be negative", cfg.VAD.EndSilenceMs))
	}

	// Timeouts
	for _, knob := range []struct {
		name  string
		value int
	}{
		{"setup_timeout_ms", cfg.Timeouts.SetupMs},
		{"dead_call_timeout_ms", cfg.Timeouts.DeadCallMs},
		{"tts_gate_watchdog_ms", cfg.Timeouts.TTSGateWatchdogMs},
		{"farewell_hangup_delay_ms", cfg.Timeouts.FarewellHangupDelayMs},
		{"provider_request_timeout_ms", cfg.Timeouts.ProviderRequestMs},
		{"egress_stall_timeout_ms", cfg.Timeouts.EgressStallMs},
		{"shutdown_drain_ms", cfg.Timeouts.ShutdownDrainMs},
		{"ssrc_quarantine_ms", cfg.Timeouts.SSRCQuarantineMs},
	} {
		if knob.value < 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s %d must not be negative", knob.name, knob.value))
		}
	}

	return errors.Join(errs...)
}

// validatePipelineRefs checks that each stage of a pipeline references an
// existing provider entry and warns when the entry's type looks unknown.
func validatePipelineRefs(cfg *Config, name string, pl PipelineConfig) []error {
	var errs []error
	stages := []struct {
		kind string
		ref  string
	}{
		{"stt", pl.STT},
		{"llm", pl.LLM},
		{"tts", pl.TTS},
	}
	for _, stage := range stages {
		if stage.ref == "" {
			errs = append(errs, fmt.Errorf("pipelines.%s.%s is required", name, stage.kind))
			continue
		}
		entry, ok := cfg.Providers[stage.ref]
		if !ok {
			errs = append(errs, fmt.Errorf("pipelines.%s.%s references %q which is not defined under providers", name, stage.kind, stage.ref))
			continue
		}
		validateProviderType(stage.kind, entry)
	}

	fallbacks := []struct {
		kind string
		refs []string
	}{
		{"stt_fallbacks", pl.STTFallbacks},
		{"llm_fallbacks", pl.LLMFallbacks},
		{"tts_fallbacks", pl.TTSFallbacks},
	}
	for _, fb := range fallbacks {
		for _, ref := range fb.refs {
			if _, ok := cfg.Providers[ref]; !ok {
				errs = append(errs, fmt.Errorf("pipelines.%s.%s references %q which is not defined under providers", name, fb.kind, ref))
			}
		}
	}
	return errs
}

// validateProviderType logs a warning if the entry's type is not found in
// the [ValidProviderTypes] list for the given kind.
func validateProviderType(kind string, entry ProviderEntry) {
	if entry.Type == "" {
		return
	}
	known, ok := ValidProviderTypes[kind]
	if !ok {
		return
	}
	if slices.Contains(known, entry.Type) {
		return
	}
	slog.Warn("unknown provider type for this stage; may be a typo or third-party adapter",
		"kind", kind,
		"provider", entry.Name,
		"type", entry.Type,
		"known", known,
	)
}

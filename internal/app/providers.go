package app

import (
	"fmt"
	"log/slog"
	"slices"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/arivox/arivox/internal/config"
	"github.com/arivox/arivox/internal/pipeline"
	"github.com/arivox/arivox/internal/resilience"
	"github.com/arivox/arivox/pkg/provider"
	"github.com/arivox/arivox/pkg/provider/agent/localagent"
	"github.com/arivox/arivox/pkg/provider/agent/openairt"
	"github.com/arivox/arivox/pkg/provider/llm"
	"github.com/arivox/arivox/pkg/provider/llm/anyllm"
	llmopenai "github.com/arivox/arivox/pkg/provider/llm/openai"
	"github.com/arivox/arivox/pkg/provider/stt"
	"github.com/arivox/arivox/pkg/provider/stt/deepgram"
	"github.com/arivox/arivox/pkg/provider/tts"
	"github.com/arivox/arivox/pkg/provider/tts/elevenlabs"
	"github.com/arivox/arivox/pkg/provider/vad"
	"github.com/arivox/arivox/pkg/provider/vad/energy"
)

// DefaultRegistry returns a registry with a factory for every built-in
// adapter type. Factories read their settings from the provider entry; the
// entry's map key becomes the adapter name.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := e.StringOption("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	for _, backend := range []string{"anthropic", "gemini", "ollama"} {
		reg.RegisterLLM(backend, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(e.Type, e.Model, opts...)
		})
	}

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if format := e.StringOption("output_format", ""); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterAgent("openai-realtime", func(e config.ProviderEntry) (provider.Adapter, error) {
		var opts []openairt.Option
		if e.Model != "" {
			opts = append(opts, openairt.WithModel(e.Model))
		}
		if e.Voice != "" {
			opts = append(opts, openairt.WithVoice(e.Voice))
		}
		if e.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(e.BaseURL))
		}
		if instr := e.StringOption("instructions", ""); instr != "" {
			opts = append(opts, openairt.WithInstructions(instr))
		}
		return openairt.New(e.Name, e.APIKey, opts...), nil
	})
	reg.RegisterAgent("local", func(e config.ProviderEntry) (provider.Adapter, error) {
		return localagent.New(e.Name, e.BaseURL), nil
	})

	return reg
}

// buildAdapter constructs the provider surface selected by cfg: the
// monolithic default provider, or a pipeline orchestrator composed from the
// active pipeline's STT, LLM, and TTS stages.
func buildAdapter(cfg *config.Config, reg *config.Registry) (provider.Adapter, error) {
	if cfg.ActivePipeline == "" {
		entry := cfg.Providers[cfg.DefaultProvider]
		adapter, err := reg.CreateAgent(entry)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.DefaultProvider, err)
		}
		return adapter, nil
	}

	pl := cfg.Pipelines[cfg.ActivePipeline]
	sttP, err := reg.CreateSTT(cfg.Providers[pl.STT])
	if err != nil {
		return nil, fmt.Errorf("pipeline %q stt: %w", cfg.ActivePipeline, err)
	}
	llmP, err := reg.CreateLLM(cfg.Providers[pl.LLM])
	if err != nil {
		return nil, fmt.Errorf("pipeline %q llm: %w", cfg.ActivePipeline, err)
	}
	ttsEntry := cfg.Providers[pl.TTS]
	ttsP, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q tts: %w", cfg.ActivePipeline, err)
	}

	brk := breakerSettings(cfg.Breaker)
	if len(pl.STTFallbacks) > 0 {
		fb := resilience.NewSTTFallback(sttP, pl.STT, brk)
		for _, ref := range pl.STTFallbacks {
			p, err := reg.CreateSTT(cfg.Providers[ref])
			if err != nil {
				return nil, fmt.Errorf("pipeline %q stt fallback %q: %w", cfg.ActivePipeline, ref, err)
			}
			fb.AddFallback(ref, p)
		}
		sttP = fb
	}
	if len(pl.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(llmP, pl.LLM, brk)
		for _, ref := range pl.LLMFallbacks {
			p, err := reg.CreateLLM(cfg.Providers[ref])
			if err != nil {
				return nil, fmt.Errorf("pipeline %q llm fallback %q: %w", cfg.ActivePipeline, ref, err)
			}
			fb.AddFallback(ref, p)
		}
		llmP = fb
	}
	if len(pl.TTSFallbacks) > 0 {
		fb := resilience.NewTTSFallback(ttsP, pl.TTS, brk)
		for _, ref := range pl.TTSFallbacks {
			p, err := reg.CreateTTS(cfg.Providers[ref])
			if err != nil {
				return nil, fmt.Errorf("pipeline %q tts fallback %q: %w", cfg.ActivePipeline, ref, err)
			}
			fb.AddFallback(ref, p)
		}
		ttsP = fb
	}

	opts := []pipeline.Option{
		pipeline.WithRequestTimeout(cfg.Timeouts.ProviderRequest()),
	}
	if prompt := cfg.Providers[pl.LLM].StringOption("system_prompt", ""); prompt != "" {
		opts = append(opts, pipeline.WithSystemPrompt(prompt))
	}
	if lang := cfg.Providers[pl.STT].StringOption("language", ""); lang != "" {
		opts = append(opts, pipeline.WithLanguage(lang))
	}
	vadEng, err := reg.CreateVAD(vadEntry(cfg))
	if err != nil {
		slog.Warn("no usable vad engine; barge-in detection disabled", "err", err)
	} else {
		opts = append(opts, pipeline.WithVAD(vadEng, vadConfig(cfg.VAD)))
	}

	voice := tts.Voice{ID: ttsEntry.Voice}
	return pipeline.New(cfg.ActivePipeline, sttP, llmP, ttsP, voice, opts...), nil
}

// breakerSettings maps the config file's breaker block onto the resilience
// package's knobs. Zero values take the package defaults.
func breakerSettings(b config.BreakerConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Trip:     b.MaxFailures,
		Cooldown: b.ResetTimeout(),
		Probes:   b.HalfOpenProbes,
	}
}

// vadEntry finds the configured VAD provider entry, falling back to the
// energy detector when none is declared.
func vadEntry(cfg *config.Config) config.ProviderEntry {
	for _, e := range cfg.Providers {
		if slices.Contains(config.ValidProviderTypes["vad"], e.Type) {
			return e
		}
	}
	return config.ProviderEntry{Type: "energy", Name: "energy"}
}

// vadConfig maps the configured aggressiveness level onto detector
// thresholds. Sample rate and frame size are filled in per session from the
// transport profile.
func vadConfig(v config.VADConfig) vad.Config {
	speech, silence := 0.5, 0.35
	switch v.Aggressiveness {
	case 1:
		speech, silence = 0.4, 0.2
	case 3:
		speech, silence = 0.6, 0.45
	}
	return vad.Config{
		SpeechThreshold:  speech,
		SilenceThreshold: silence,
		StartFrames:      v.StartFrames,
		HangoverMs:       v.EndSilenceMs,
	}
}

package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the fields the
// running process can apply without a restart are tracked individually;
// everything else folds into RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GreetingChanged covers greeting.text; new calls pick it up immediately.
	GreetingChanged bool
	NewGreeting     string

	// ApologyChanged covers apology.text.
	ApologyChanged bool
	NewApology     string

	// VADChanged covers the vad block; applies to sessions opened after the
	// reload, never to calls already in progress.
	VADChanged bool
	NewVAD     VADConfig

	// RestartRequired is set when transport, provider, pipeline, Asterisk,
	// server, or timeout settings changed. Those are wired at boot and the
	// running process keeps the old values.
	RestartRequired bool
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return d == ConfigDiff{}
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Greeting.Text != new.Greeting.Text {
		d.GreetingChanged = true
		d.NewGreeting = new.Greeting.Text
	}

	if old.Apology.Text != new.Apology.Text {
		d.ApologyChanged = true
		d.NewApology = new.Apology.Text
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	d.RestartRequired = bootFieldsChanged(old, new)
	return d
}

// bootFieldsChanged reports whether any setting wired at boot differs.
func bootFieldsChanged(old, new *Config) bool {
	switch {
	case old.Server.ListenAddr != new.Server.ListenAddr,
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS),
		old.Asterisk != new.Asterisk,
		old.AudioTransport != new.AudioTransport,
		old.DownstreamMode != new.DownstreamMode,
		old.ActivePipeline != new.ActivePipeline,
		old.DefaultProvider != new.DefaultProvider,
		old.RTP != new.RTP,
		old.AudioSocket != new.AudioSocket,
		old.Audio != new.Audio,
		old.MediaDir != new.MediaDir,
		old.Breaker != new.Breaker,
		old.Timeouts != new.Timeouts:
		return true
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		return true
	}
	if !reflect.DeepEqual(old.Pipelines, new.Pipelines) {
		return true
	}
	return false
}

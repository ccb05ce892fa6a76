package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Leg, relay, transcript and log level changes apply to calls started after
// the reload; everything else is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LegChanges []LegDiff // per-leg diffs, only legs that changed

	RelayChanged      bool
	TranscriptChanged bool

	// RestartRequired names the sections that changed but cannot be applied
	// without restarting the process.
	RestartRequired []string
}

// LegDiff describes what changed for a single leg between two configs.
type LegDiff struct {
	Role              string
	LanguageChanged   bool
	AutoDetectChanged bool
	VoiceChanged      bool
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.LegChanges) > 0 || d.RelayChanged ||
		d.TranscriptChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Legs
	if ld := diffLeg("caller", old.Legs.Caller, new.Legs.Caller); ld.changed() {
		d.LegChanges = append(d.LegChanges, ld)
	}
	if ld := diffLeg("agent", old.Legs.Agent, new.Legs.Agent); ld.changed() {
		d.LegChanges = append(d.LegChanges, ld)
	}

	d.RelayChanged = old.Relay != new.Relay

	ot, nt := old.Transcript, new.Transcript
	d.TranscriptChanged = ot.BoardURL != nt.BoardURL || ot.QueueSize != nt.QueueSize ||
		ot.ListenAddr != nt.ListenAddr || !slices.Equal(ot.AllowedOrigins, nt.AllowedOrigins)

	// Sections bound at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Recognition, new.Recognition) {
		d.RestartRequired = append(d.RestartRequired, "recognition")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}

// diffLeg compares two configs of the same leg.
func diffLeg(role string, old, new LegConfig) LegDiff {
	return LegDiff{
		Role:              role,
		LanguageChanged:   old.Language != new.Language,
		AutoDetectChanged: old.AutoDetect != new.AutoDetect,
		VoiceChanged:      old.Voice != new.Voice,
	}
}

func (l LegDiff) changed() bool {
	return l.LanguageChanged || l.AutoDetectChanged || l.VoiceChanged
}

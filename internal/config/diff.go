package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Chat, voice and clip changes are picked up by sessions created after the
// reload; running sessions keep the clone they started with. Fields listed in
// RestartRequired only take effect after a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ChatChanged  bool
	VoiceChanged bool
	ClipsChanged bool

	// RestartRequired names the top-level sections that changed but cannot
	// be applied live (e.g. "server.listen_addr", "providers").
	RestartRequired []string
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ChatChanged && !d.VoiceChanged && !d.ClipsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ChatChanged = old.Chat != new.Chat
	d.VoiceChanged = old.Voice != new.Voice
	d.ClipsChanged = !slices.Equal(old.Clips, new.Clips)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Video != new.Video {
		d.RestartRequired = append(d.RestartRequired, "video")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Events != new.Events {
		d.RestartRequired = append(d.RestartRequired, "events")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

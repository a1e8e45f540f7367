package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs. Changes that can be
// applied to a running server are reported individually; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxQueueChanged bool
	NewMaxQueueMs   float64

	FlushIntervalChanged bool
	NewFlushInterval     time.Duration

	// RestartRequired names the top-level keys whose changes only take effect
	// after a restart, e.g. "provider" or "server.listen_addr".
	RestartRequired []string
}

// HotReloadable reports whether d carries anything a running server applies.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.MaxQueueChanged || d.FlushIntervalChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline.MaxQueueDurationMs != new.Pipeline.MaxQueueDurationMs {
		d.MaxQueueChanged = true
		d.NewMaxQueueMs = new.Pipeline.MaxQueueDurationMs
	}
	if old.Pipeline.FlushInterval != new.Pipeline.FlushInterval {
		d.FlushIntervalChanged = true
		d.NewFlushInterval = new.Pipeline.FlushInterval
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	oldPl, newPl := old.Pipeline, new.Pipeline
	oldPl.FlushInterval, newPl.FlushInterval = 0, 0
	oldPl.MaxQueueDurationMs, newPl.MaxQueueDurationMs = 0, 0
	if oldPl != newPl {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "breaker")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}

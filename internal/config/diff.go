package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded without a restart are tracked: the rest of the
// server's configuration (provider selection, database URL, bind address)
// is read once at startup.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	return d
}

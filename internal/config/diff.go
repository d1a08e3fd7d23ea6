package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level, activity
// tuning, auto-idle thresholds and the classifier timeout are applied live;
// everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged covers the activity and auto_idle sections.
	TuningChanged bool

	ClassifierTimeoutChanged bool

	// RestartRequired names the top-level keys whose change only takes
	// effect after a restart, e.g. "sensor" or "classifier.primary".
	RestartRequired []string
}

// Live reports whether d contains anything that can be applied without a
// restart.
func (d ConfigDiff) Live() bool {
	return d.LogLevelChanged || d.TuningChanged || d.ClassifierTimeoutChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Activity != new.Activity || old.AutoIdle != new.AutoIdle {
		d.TuningChanged = true
	}
	if old.Classifier.TimeoutMs != new.Classifier.TimeoutMs {
		d.ClassifierTimeoutChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.config_poll_ms", old.Server.ConfigPollMs != new.Server.ConfigPollMs)
	restart("sensor", !reflect.DeepEqual(old.Sensor, new.Sensor))
	restart("calibration", old.Calibration != new.Calibration)
	restart("classifier.primary", !reflect.DeepEqual(old.Classifier.Primary, new.Classifier.Primary))
	restart("classifier.fallbacks", !reflect.DeepEqual(old.Classifier.Fallbacks, new.Classifier.Fallbacks))
	restart("classifier.labels",
		old.Classifier.IdleLabel != new.Classifier.IdleLabel || old.Classifier.UnknownLabel != new.Classifier.UnknownLabel)
	restart("classifier.breaker", old.Classifier.Breaker != new.Classifier.Breaker)
	restart("archive", old.Archive != new.Archive)

	return d
}

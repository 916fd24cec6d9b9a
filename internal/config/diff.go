package config

import (
	logx "intervalpool/pkg/logx"
)

// TimerDiff is the difference between two timer lists, keyed by ID.
type TimerDiff struct {
	Added     []TimerConfig
	Changed   []TimerConfig // schedule, message or run_immediately differ
	Paused    []TimerConfig // only paused went false -> true
	Resumed   []TimerConfig // only paused went true -> false
	Removed   []string
	Unchanged int
}

func (d TimerDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Paused) == 0 &&
		len(d.Resumed) == 0 && len(d.Removed) == 0
}

// DiffTimers compares two timer lists. Output preserves the order of next
// (and of prev for Removed).
func DiffTimers(prev, next []TimerConfig) TimerDiff {
	old := make(map[string]TimerConfig, len(prev))
	for _, t := range prev {
		old[t.ID] = t
	}
	var d TimerDiff
	seen := make(map[string]struct{}, len(next))
	for _, t := range next {
		seen[t.ID] = struct{}{}
		o, ok := old[t.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, t)
		case !sameEvery(o, t) || o.Message != t.Message || o.RunImmediately != t.RunImmediately:
			d.Changed = append(d.Changed, t)
		case !o.Paused && t.Paused:
			d.Paused = append(d.Paused, t)
		case o.Paused && !t.Paused:
			d.Resumed = append(d.Resumed, t)
		default:
			d.Unchanged++
		}
	}
	for _, t := range prev {
		if _, ok := seen[t.ID]; !ok {
			d.Removed = append(d.Removed, t.ID)
		}
	}
	return d
}

// sameEvery compares parsed intervals, so "1s" and "1000ms" are equal.
// Unparseable values fall back to comparing the raw strings.
func sameEvery(a, b TimerConfig) bool {
	da, errA := a.Interval()
	db, errB := b.Interval()
	if errA != nil || errB != nil {
		return a.Every == b.Every
	}
	return da == db
}

// SummarizeConfigChange returns the changed top-level sections and log
// fields describing them.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Facility != newCfg.Facility {
		changed = append(changed, "facility")
		attrs = append(attrs, logx.String("facility", newCfg.Facility))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.address", newCfg.Metrics.Addr()),
		)
	}
	if d := DiffTimers(oldCfg.Timers, newCfg.Timers); !d.Empty() {
		changed = append(changed, "timers")
		attrs = append(attrs,
			logx.Int("timers.added", len(d.Added)),
			logx.Int("timers.changed", len(d.Changed)),
			logx.Int("timers.paused", len(d.Paused)),
			logx.Int("timers.resumed", len(d.Resumed)),
			logx.Int("timers.removed", len(d.Removed)),
		)
	}
	return changed, attrs
}

package config

import (
	"errors"
	"fmt"
	"strings"

	"intervalpool/internal/interval"
	logx "intervalpool/pkg/logx"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if _, err := interval.ParseFacilityKind(cfg.Facility); err != nil {
		errs = append(errs, fmt.Errorf("facility: %w", err))
	}
	seen := make(map[string]struct{}, len(cfg.Timers))
	for i, t := range cfg.Timers {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("timers[%d].id: required", i))
			continue
		}
		if id != t.ID {
			errs = append(errs, fmt.Errorf("timers[%d].id: %q has surrounding whitespace", i, t.ID))
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("timers[%d].id: duplicate %q", i, id))
		}
		seen[id] = struct{}{}
		if _, err := t.Interval(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package interval

import (
	"fmt"
	"strings"
	"time"
)

// Handle identifies one scheduled repeating callback. Only the Facility that
// issued it may interpret it. A nil Handle means "not scheduled".
type Handle any

// Facility is the platform timer primitive the registry is built on.
//
// ScheduleRepeating must reject a non-positive interval with an error
// wrapping ErrInvalidInterval. Cancel must accept nil and already-cancelled
// handles as no-ops. Once Cancel returns, the handle must not start another
// invocation of fn.
type Facility interface {
	ScheduleRepeating(fn func(), every time.Duration) (Handle, error)
	Cancel(h Handle)
}

type FacilityKind string

const (
	FacilityTicker FacilityKind = "ticker"
	FacilityCron   FacilityKind = "cron"
)

// ParseFacilityKind accepts "ticker" (also the empty string) or "cron".
func ParseFacilityKind(raw string) (FacilityKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(FacilityTicker):
		return FacilityTicker, nil
	case string(FacilityCron):
		return FacilityCron, nil
	default:
		return "", fmt.Errorf("unknown facility %q (use ticker or cron)", raw)
	}
}

func validateSchedule(fn func(), every time.Duration) error {
	if fn == nil {
		return ErrNilCallback
	}
	if every <= 0 {
		return fmt.Errorf("%w (got %s)", ErrInvalidInterval, every)
	}
	return nil
}

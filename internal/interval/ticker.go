package interval

import (
	"sync"
	"sync/atomic"
	"time"
)

// TickerFacility runs each handle on its own goroutine driven by a
// time.Ticker. Invocations for one handle never overlap; if fn runs longer
// than the period, missed ticks are dropped (time.Ticker semantics).
type TickerFacility struct{}

type tickerHandle struct {
	stop      chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

func (TickerFacility) ScheduleRepeating(fn func(), every time.Duration) (Handle, error) {
	if err := validateSchedule(fn, every); err != nil {
		return nil, err
	}
	h := &tickerHandle{stop: make(chan struct{})}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-t.C:
				// Cancel may race with a pending tick; the flag wins.
				if h.cancelled.Load() {
					return
				}
				fn()
			}
		}
	}()
	return h, nil
}

func (TickerFacility) Cancel(h Handle) {
	th, ok := h.(*tickerHandle)
	if !ok || th == nil {
		return
	}
	th.once.Do(func() {
		th.cancelled.Store(true)
		close(th.stop)
	})
}

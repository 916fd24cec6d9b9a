package app

import (
	"errors"
	"fmt"

	"intervalpool/internal/config"
	"intervalpool/internal/interval"
	logx "intervalpool/pkg/logx"
)

// Reconcile makes the registry match cfg.Timers:
//
//   - new or changed timers are (re-)added, which replaces any running one
//   - timers missing from cfg are removed
//   - paused timers are stopped, un-paused ones restarted
//
// Only timers declared by a previous Reconcile are touched. Per-timer
// failures are collected; the rest of the list is still applied, and the
// failed timers are retried by the next Reconcile.
func (a *App) Reconcile(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var prev []config.TimerConfig
	if a.applied != nil {
		prev = a.applied.Timers
	}
	d := config.DiffTimers(prev, cfg.Timers)

	var errs []error
	failed := map[string]struct{}{}
	check := func(id string, err error) {
		if err != nil {
			errs = append(errs, err)
			failed[id] = struct{}{}
		}
	}
	for _, id := range d.Removed {
		if err := a.reg.Remove(id); err != nil && !interval.IsNotFound(err) {
			check(id, err)
		}
	}
	for _, t := range d.Added {
		check(t.ID, a.addTimer(t))
	}
	for _, t := range d.Changed {
		check(t.ID, a.addTimer(t))
	}
	for _, t := range d.Paused {
		check(t.ID, a.reg.Stop(t.ID))
	}
	for _, t := range d.Resumed {
		check(t.ID, a.reg.Restart(t.ID))
	}
	a.applied = appliedConfig(cfg, prev, failed)

	if !d.Empty() {
		a.log.Debug("timers reconciled",
			logx.Int("added", len(d.Added)),
			logx.Int("changed", len(d.Changed)),
			logx.Int("paused", len(d.Paused)),
			logx.Int("resumed", len(d.Resumed)),
			logx.Int("removed", len(d.Removed)),
			logx.Int("unchanged", d.Unchanged),
			logx.Int("failed", len(failed)),
		)
	}
	return errors.Join(errs...)
}

// appliedConfig is cfg without the timers whose action failed, so the next
// diff sees them as Added and upserts them. A failed removal stays declared.
func appliedConfig(cfg *config.Config, prev []config.TimerConfig, failed map[string]struct{}) *config.Config {
	if len(failed) == 0 {
		return cfg
	}
	out := *cfg
	out.Timers = make([]config.TimerConfig, 0, len(cfg.Timers))
	declared := make(map[string]struct{}, len(cfg.Timers))
	for _, t := range cfg.Timers {
		declared[t.ID] = struct{}{}
		if _, bad := failed[t.ID]; !bad {
			out.Timers = append(out.Timers, t)
		}
	}
	for _, t := range prev {
		_, bad := failed[t.ID]
		if _, ok := declared[t.ID]; bad && !ok {
			out.Timers = append(out.Timers, t)
		}
	}
	return &out
}

// addTimer upserts t. A paused timer is registered and then stopped so a
// later resume can Restart it; it never runs immediately.
func (a *App) addTimer(t config.TimerConfig) error {
	every, err := t.Interval()
	if err != nil {
		return err
	}
	opt := interval.AddOptions{RunImmediately: t.RunImmediately && !t.Paused}
	if err := a.reg.AddOpt(t.ID, a.tickFunc(t), every, opt); err != nil {
		return err
	}
	if t.Paused {
		if err := a.reg.Stop(t.ID); err != nil {
			return fmt.Errorf("pause %q: %w", t.ID, err)
		}
	}
	return nil
}

func (a *App) tickFunc(t config.TimerConfig) func() {
	msg := t.Message
	if msg == "" {
		msg = "tick"
	}
	log := a.log.With(logx.String("timer", t.ID))
	return func() { log.Info(msg) }
}

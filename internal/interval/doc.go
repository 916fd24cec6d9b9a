// Package interval implements a registry of named recurring timers.
//
// Each identifier owns at most one entry and at most one live timer handle.
// Re-registering an identifier cancels the previous timer before the new one
// is scheduled, so an identifier never accumulates running timers.
//
// Per identifier:
//
//	absent  -> running  Add
//	running -> running  Add (old handle cancelled), Restart (phase reset)
//	running -> stopped  Stop
//	stopped -> running  Restart
//	*       -> absent   Remove
//
// Timers are driven by a Facility (schedule/cancel). TickerFacility is the
// default; CronFacility runs on robfig/cron.
package interval

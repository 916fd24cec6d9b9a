package interval

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "intervalpool/pkg/logx"
)

// CronFacility schedules handles as robfig/cron entries. Ticks for one
// handle never overlap (SkipIfStillRunning). The runner is started by
// NewCronFacility and must be released with Close.
type CronFacility struct {
	c *cron.Cron
}

func NewCronFacility(log logx.Logger) *CronFacility {
	if log.IsZero() {
		log = logx.Nop()
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	c.Start()
	return &CronFacility{c: c}
}

// everySchedule fires every d after the previous activation.
// cron.Every truncates to whole seconds, which is too coarse here.
type everySchedule struct{ d time.Duration }

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(s.d) }

func (f *CronFacility) ScheduleRepeating(fn func(), every time.Duration) (Handle, error) {
	if err := validateSchedule(fn, every); err != nil {
		return nil, err
	}
	id := f.c.Schedule(everySchedule{d: every}, cron.FuncJob(fn))
	return id, nil
}

func (f *CronFacility) Cancel(h Handle) {
	id, ok := h.(cron.EntryID)
	if !ok || id == 0 {
		return
	}
	f.c.Remove(id)
}

// Len returns the number of live cron entries.
func (f *CronFacility) Len() int { return len(f.c.Entries()) }

// Close stops the runner and waits for in-flight ticks. Do not call it from
// inside a tick.
func (f *CronFacility) Close() {
	<-f.c.Stop().Done()
}

// cronLogger adapts logx to cron.Logger. cron's Info is chatty (every
// schedule/skip), so it is demoted to debug.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

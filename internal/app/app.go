package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"intervalpool/internal/config"
	"intervalpool/internal/eventbus"
	"intervalpool/internal/interval"
	"intervalpool/internal/runtime/supervisor"
	logx "intervalpool/pkg/logx"
)

// App is the intervald daemon: a config-driven interval registry with hot
// reload and an optional metrics endpoint.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	prom     *prometheus.Registry
	reg      *interval.Registry
	facility interval.FacilityKind
	closeFac func()

	http *httpServer

	mu      sync.Mutex
	applied *config.Config // as of the last Reconcile
}

type Option func(*appOptions)

type appOptions struct {
	facility interval.Facility
}

// WithFacility overrides the facility chosen by the config file.
func WithFacility(f interval.Facility) Option {
	return func(o *appOptions) { o.facility = f }
}

// New loads cfgPath and builds the app. Timers are not scheduled until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o appOptions
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.ToLogx())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kind, err := interval.ParseFacilityKind(cfg.Facility)
	if err != nil {
		return nil, err
	}
	fac, closeFac := o.facility, func() {}
	if fac == nil {
		fac, closeFac = buildFacility(kind, log.With(logx.String("comp", "cron")))
	}

	reg := interval.New(
		interval.WithFacility(fac),
		interval.WithLogger(log.With(logx.String("comp", "interval"))),
		interval.WithBus(bus),
		interval.WithMetrics(interval.NewMetrics(prom)),
	)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		prom:     prom,
		reg:      reg,
		facility: kind,
		closeFac: closeFac,
	}
	a.http = newHTTPServer(log.With(logx.String("comp", "http")), reg, prom)
	cfgm.SetValidator(a.validateReload)
	return a, nil
}

// validateReload rejects a reload that switches the timer facility; live
// handles belong to the running backend, so that needs a restart.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	kind, err := interval.ParseFacilityKind(cfg.Facility)
	if err != nil {
		return err
	}
	if kind != a.facility {
		return fmt.Errorf("facility %q -> %q needs a restart", a.facility, kind)
	}
	return nil
}

func buildFacility(kind interval.FacilityKind, log logx.Logger) (interval.Facility, func()) {
	if kind == interval.FacilityCron {
		f := interval.NewCronFacility(log)
		return f, f.Close
	}
	return interval.TickerFacility{}, func() {}
}

func (a *App) Registry() *interval.Registry { return a.reg }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start schedules the configured timers and starts the config watcher,
// reload loop, event logger and (if enabled) metrics server.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	cfg := a.cfgm.Get()
	if err := a.Reconcile(cfg); err != nil {
		return err
	}

	events, unsubEvents := a.bus.SubscribePrefix(interval.EventPrefix, 256)
	a.sup.Go0("events", func(ctx context.Context) {
		defer unsubEvents()
		a.logEvents(ctx, events)
	})

	updates := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		a.reloadLoop(ctx, updates)
	})
	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)

	a.http.Apply(ctx, cfg.Metrics)

	a.log.Info("started",
		logx.String("config", a.cfgm.Path()),
		logx.String("facility", string(a.facility)),
		logx.Int("timers", a.reg.Len()),
	)
	return nil
}

// Stop cancels every timer and waits for background goroutines.
func (a *App) Stop(ctx context.Context) error {
	start := time.Now()
	a.log.Info("stop requested")

	var err error
	if a.sup != nil {
		c := a.sup.Counters()
		a.log.Debug("stopping background goroutines",
			logx.Uint64("started", c.Started),
			logx.Int64("active", c.Active),
		)
		err = a.sup.Stop(ctx)
	}
	a.http.Stop(ctx)
	a.reg.Close()
	a.closeFac()

	a.log.Info("stopped", logx.Duration("took", time.Since(start)))
	_ = a.logs.Close()
	return err
}

func (a *App) reloadLoop(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.applyReload(ctx, cfg)
		}
	}
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.mu.Lock()
	prev := a.applied
	a.mu.Unlock()

	changed, attrs := config.SummarizeConfigChange(prev, cfg)
	a.log.Info("config reloaded", append([]logx.Field{logx.Any("changed", changed)}, attrs...)...)

	a.logs.Apply(cfg.Logging.ToLogx())

	if err := a.Reconcile(cfg); err != nil {
		a.log.Warn("reconcile incomplete", logx.Err(err))
	}
	a.http.Apply(ctx, cfg.Metrics)
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			te, _ := e.Data.(interval.TimerEvent)
			switch e.Type {
			case interval.EventTick:
				a.log.Trace("tick", logx.String("id", te.ID), logx.Uint64("ticks", te.Ticks))
			case interval.EventPanic:
				// The registry already logs panics, rate limited.
				a.log.Debug("timer panicked", logx.String("id", te.ID), logx.String("panic", te.Panic))
			default:
				fields := []logx.Field{logx.String("event", e.Type), logx.String("id", te.ID)}
				if te.Every > 0 {
					fields = append(fields, logx.Duration("every", te.Every))
				}
				a.log.Info("timer "+eventVerb(e.Type), fields...)
			}
		}
	}
}

func eventVerb(typ string) string {
	switch typ {
	case interval.EventAdded:
		return "added"
	case interval.EventReplaced:
		return "replaced"
	case interval.EventRemoved:
		return "removed"
	case interval.EventStopped:
		return "stopped"
	case interval.EventRestarted:
		return "restarted"
	default:
		return fmt.Sprintf("event %s", typ)
	}
}

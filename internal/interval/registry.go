package interval

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"intervalpool/internal/eventbus"
	logx "intervalpool/pkg/logx"
)

// Registry maps identifiers to recurring timers.
//
// All methods are safe for concurrent use. The registry lock is never held
// while a callback runs, so callbacks may call back into the registry
// (including removing their own identifier).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64 // schedule generation; stale ticks carry an older value

	fac      Facility
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *Metrics
	panicLog *rate.Limiter
}

type entry struct {
	id       string
	callback func()
	every    time.Duration // as passed to Add; Restart never changes it

	handle  Handle // nil while stopped
	gen     uint64
	running time.Duration // interval of the live handle

	addedAt  time.Time
	ticks    uint64
	lastTick time.Time
}

// Entry is a point-in-time view of one registered timer.
type Entry struct {
	ID       string
	Callback func()
	// Every is the interval stored by the most recent Add.
	Every time.Duration
	// RunningEvery is the interval of the live schedule, or zero when stopped.
	// It differs from Every after RestartEvery.
	RunningEvery time.Duration
	Running      bool
	AddedAt      time.Time
	Ticks        uint64
	LastTick     time.Time
}

type Option func(*Registry)

// WithFacility sets the timer facility. Default: TickerFacility.
func WithFacility(f Facility) Option {
	return func(r *Registry) {
		if f != nil {
			r.fac = f
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithBus publishes lifecycle and tick events to b.
func WithBus(b eventbus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:  map[string]*entry{},
		fac:      TickerFacility{},
		panicLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.bus == nil {
		r.bus = eventbus.Nop
	}
	return r
}

// AddOptions tunes AddOpt.
type AddOptions struct {
	// RunImmediately invokes the callback once, synchronously, before AddOpt
	// returns. The recurring schedule is unaffected.
	RunImmediately bool
}

// Add registers fn to run every interval under id. An existing entry for id
// is cancelled and replaced.
func (r *Registry) Add(id string, fn func(), every time.Duration) error {
	return r.AddOpt(id, fn, every, AddOptions{})
}

// AddOpt is Add with options.
//
// If the facility rejects every, the previous entry (if any) has already been
// cancelled and id is left unregistered.
func (r *Registry) AddOpt(id string, fn func(), every time.Duration, opt AddOptions) error {
	if fn == nil {
		return ErrNilCallback
	}

	r.mu.Lock()
	old, _ := r.lookupLocked(id, true)
	replaced := old != nil
	if replaced {
		r.cancelLocked(old)
		delete(r.entries, id)
	}

	e := &entry{id: id, callback: fn, every: every, addedAt: time.Now()}
	if err := r.scheduleLocked(e, every); err != nil {
		r.updateGaugesLocked()
		r.mu.Unlock()
		if replaced {
			r.metrics.forget(id)
			r.publish(EventRemoved, TimerEvent{ID: id})
		}
		return fmt.Errorf("add %q: %w", id, err)
	}
	r.entries[id] = e
	gen := e.gen
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.metrics.op("add")
	r.log.Debug("timer registered",
		logx.String("id", id),
		logx.Duration("every", every),
		logx.Bool("replaced", replaced),
		logx.Bool("immediate", opt.RunImmediately),
	)
	typ := EventAdded
	if replaced {
		typ = EventReplaced
	}
	r.publish(typ, TimerEvent{ID: id, Every: every})

	if opt.RunImmediately {
		r.fire(e, gen, true)
	}
	return nil
}

// Lookup returns the entry for id, or a *NotFoundError.
func (r *Registry) Lookup(id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id, false)
	if err != nil {
		return Entry{}, err
	}
	return e.snapshot(), nil
}

// Find is the tolerant Lookup: it reports absence instead of failing.
func (r *Registry) Find(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, _ := r.lookupLocked(id, true)
	if e == nil {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Remove cancels the timer for id and forgets it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, err := r.lookupLocked(id, false)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.cancelLocked(e)
	delete(r.entries, id)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.metrics.op("remove")
	r.metrics.forget(id)
	r.log.Debug("timer removed", logx.String("id", id))
	r.publish(EventRemoved, TimerEvent{ID: id})
	return nil
}

// Stop cancels the timer for id but keeps the entry so Restart can resume it.
// Stopping a stopped timer is a no-op.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	e, err := r.lookupLocked(id, false)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.cancelLocked(e)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.metrics.op("stop")
	r.log.Debug("timer stopped", logx.String("id", id))
	r.publish(EventStopped, TimerEvent{ID: id})
	return nil
}

// Restart reschedules id at its stored interval. A running timer is
// cancelled first, which resets its phase.
func (r *Registry) Restart(id string) error {
	return r.RestartEvery(id, 0)
}

// RestartEvery reschedules id at every, or at the stored interval when
// every <= 0. The stored interval is not changed, so a later Restart goes
// back to it.
func (r *Registry) RestartEvery(id string, every time.Duration) error {
	r.mu.Lock()
	e, err := r.lookupLocked(id, false)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.cancelLocked(e)
	if every <= 0 {
		every = e.every
	}
	if err := r.scheduleLocked(e, every); err != nil {
		r.updateGaugesLocked()
		r.mu.Unlock()
		return fmt.Errorf("restart %q: %w", id, err)
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.metrics.op("restart")
	r.log.Debug("timer restarted", logx.String("id", id), logx.Duration("every", every))
	r.publish(EventRestarted, TimerEvent{ID: id, Every: every})
	return nil
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns every entry, sorted by ID.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close cancels every timer and empties the registry. The registry stays
// usable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		r.cancelLocked(e)
		ids = append(ids, id)
	}
	r.entries = map[string]*entry{}
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, id := range ids {
		r.metrics.forget(id)
		r.publish(EventRemoved, TimerEvent{ID: id})
	}
	if len(ids) > 0 {
		r.log.Info("registry closed", logx.Int("cancelled", len(ids)))
	}
}

// lookupLocked returns (nil, nil) for a missing id when tolerateMissing is set.
// Call with r.mu held.
func (r *Registry) lookupLocked(id string, tolerateMissing bool) (*entry, error) {
	e, ok := r.entries[id]
	if !ok {
		if tolerateMissing {
			return nil, nil
		}
		return nil, &NotFoundError{ID: id}
	}
	return e, nil
}

// cancelLocked cancels e's handle (nil is fine) and marks it stopped.
func (r *Registry) cancelLocked(e *entry) {
	r.fac.Cancel(e.handle)
	e.handle = nil
	e.running = 0
}

// scheduleLocked starts a new handle for e. e.handle must already be nil.
func (r *Registry) scheduleLocked(e *entry, every time.Duration) error {
	r.seq++
	gen := r.seq
	h, err := r.fac.ScheduleRepeating(func() { r.fire(e, gen, false) }, every)
	if err != nil {
		return err
	}
	e.handle = h
	e.gen = gen
	e.running = every
	return nil
}

// fire runs one tick of e. Scheduled ticks from a handle that is no longer
// e's live one (stopped, replaced, removed) are dropped.
func (r *Registry) fire(e *entry, gen uint64, immediate bool) {
	r.mu.Lock()
	if !immediate {
		cur, ok := r.entries[e.id]
		if !ok || cur != e || e.gen != gen || e.handle == nil {
			r.mu.Unlock()
			return
		}
	}
	e.ticks++
	e.lastTick = time.Now()
	ticks := e.ticks
	fn := e.callback
	r.mu.Unlock()

	r.metrics.tick(e.id)
	r.publish(EventTick, TimerEvent{ID: e.id, Immediate: immediate, Ticks: ticks})
	r.invoke(e.id, fn)
}

func (r *Registry) invoke(id string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.panicked(id)
			if r.panicLog.Allow() {
				r.log.Error("timer callback panicked",
					logx.String("id", id),
					logx.Any("panic", p),
					logx.Stack(string(debug.Stack())),
				)
			}
			r.publish(EventPanic, TimerEvent{ID: id, Panic: fmt.Sprint(p)})
		}
	}()
	fn()
}

func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	running, stopped := 0, 0
	for _, e := range r.entries {
		if e.handle != nil {
			running++
		} else {
			stopped++
		}
	}
	r.metrics.setCounts(running, stopped)
}

func (e *entry) snapshot() Entry {
	return Entry{
		ID:           e.id,
		Callback:     e.callback,
		Every:        e.every,
		RunningEvery: e.running,
		Running:      e.handle != nil,
		AddedAt:      e.addedAt,
		Ticks:        e.ticks,
		LastTick:     e.lastTick,
	}
}

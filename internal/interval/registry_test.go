package interval

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"intervalpool/internal/eventbus"
)

// fakeFacility records schedules and fires them only when the test asks.
type fakeFacility struct {
	mu      sync.Mutex
	next    int
	live    map[int]*fakeTimer
	all     map[int]*fakeTimer
	cancels int
}

type fakeTimer struct {
	fn    func()
	every time.Duration
}

func newFakeFacility() *fakeFacility {
	return &fakeFacility{live: map[int]*fakeTimer{}, all: map[int]*fakeTimer{}}
}

func (f *fakeFacility) ScheduleRepeating(fn func(), every time.Duration) (Handle, error) {
	if err := validateSchedule(fn, every); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	t := &fakeTimer{fn: fn, every: every}
	f.live[f.next] = t
	f.all[f.next] = t
	return f.next, nil
}

func (f *fakeFacility) Cancel(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if id, ok := h.(int); ok {
		delete(f.live, id)
	}
}

// tickAll fires every live timer once, outside the facility lock.
func (f *fakeFacility) tickAll() {
	f.mu.Lock()
	ids := make([]int, 0, len(f.live))
	for id := range f.live {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, f.live[id].fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fireHandle fires a handle even if it was cancelled, simulating a tick
// that raced with Cancel.
func (f *fakeFacility) fireHandle(id int) {
	f.mu.Lock()
	t := f.all[id]
	f.mu.Unlock()
	if t != nil {
		t.fn()
	}
}

func (f *fakeFacility) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeFacility) liveEvery() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, 0, len(f.live))
	for _, t := range f.live {
		out = append(out, t.every)
	}
	return out
}

func counter() (*atomic.Int64, func()) {
	var n atomic.Int64
	return &n, func() { n.Add(1) }
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeFacility) {
	t.Helper()
	fac := newFakeFacility()
	r := New(append([]Option{WithFacility(fac)}, opts...)...)
	t.Cleanup(r.Close)
	return r, fac
}

func TestLookupUnknownID(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	_, err := r.Lookup("nope")
	if !IsNotFound(err) {
		t.Fatalf("Lookup err = %v, want not found", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "nope" {
		t.Fatalf("expected *NotFoundError for nope, got %#v", err)
	}
	if _, ok := r.Find("nope"); ok {
		t.Fatal("Find should report absence")
	}
}

func TestAddSchedulesOneTimer(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	n, cb := counter()

	if err := r.Add("x", cb, time.Second); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := fac.liveCount(); got != 1 {
		t.Fatalf("live timers = %d, want 1", got)
	}
	if n.Load() != 0 {
		t.Fatal("callback ran before the first tick")
	}
	e, err := r.Lookup("x")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !e.Running || e.Every != time.Second || e.RunningEvery != time.Second {
		t.Fatalf("unexpected entry: %+v", e)
	}

	fac.tickAll()
	fac.tickAll()
	if n.Load() != 2 {
		t.Fatalf("calls = %d, want 2", n.Load())
	}
	if e, _ := r.Lookup("x"); e.Ticks != 2 || e.LastTick.IsZero() {
		t.Fatalf("tick bookkeeping wrong: %+v", e)
	}
}

func TestAddSameIDReplacesAndCancels(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	first, cb1 := counter()
	second, cb2 := counter()

	if err := r.Add("x", cb1, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("x", cb2, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if got := fac.liveCount(); got != 1 {
		t.Fatalf("live timers = %d, want 1", got)
	}
	if ev := fac.liveEvery(); ev[0] != 500*time.Millisecond {
		t.Fatalf("live interval = %v, want 500ms", ev[0])
	}

	fac.tickAll()
	// A late tick from the first handle must be dropped.
	fac.fireHandle(1)

	if first.Load() != 0 {
		t.Fatalf("replaced callback ran %d times", first.Load())
	}
	if second.Load() != 1 {
		t.Fatalf("new callback ran %d times, want 1", second.Load())
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestAddRunImmediately(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	n, cb := counter()

	if err := r.AddOpt("y", cb, time.Second, AddOptions{RunImmediately: true}); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 1 {
		t.Fatalf("calls after AddOpt = %d, want 1", n.Load())
	}
	if fac.liveCount() != 1 {
		t.Fatal("recurring schedule missing")
	}
	fac.tickAll()
	if n.Load() != 2 {
		t.Fatalf("calls after first tick = %d, want 2", n.Load())
	}
}

func TestStopKeepsEntryUntilRestart(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	n, cb := counter()

	if err := r.Add("x", cb, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop("x"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fac.liveCount() != 0 {
		t.Fatal("Stop left a live timer")
	}
	fac.tickAll()
	fac.fireHandle(1)
	if n.Load() != 0 {
		t.Fatalf("stopped timer ran %d times", n.Load())
	}

	e, err := r.Lookup("x")
	if err != nil {
		t.Fatalf("Lookup after Stop: %v", err)
	}
	if e.Running || e.RunningEvery != 0 || e.Every != time.Second {
		t.Fatalf("unexpected stopped entry: %+v", e)
	}

	// Stopping again only re-issues a cancel.
	if err := r.Stop("x"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := r.Restart("x"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	fac.tickAll()
	if n.Load() != 1 {
		t.Fatalf("calls after Restart = %d, want 1", n.Load())
	}
}

func TestRestartIntervalIsNotStored(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	_, cb := counter()

	if err := r.Add("x", cb, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop("x"); err != nil {
		t.Fatal(err)
	}
	if err := r.RestartEvery("x", 200*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if ev := fac.liveEvery(); len(ev) != 1 || ev[0] != 200*time.Millisecond {
		t.Fatalf("live intervals = %v, want [200ms]", ev)
	}
	e, _ := r.Lookup("x")
	if e.Every != time.Second || e.RunningEvery != 200*time.Millisecond {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if err := r.Stop("x"); err != nil {
		t.Fatal(err)
	}
	if err := r.Restart("x"); err != nil {
		t.Fatal(err)
	}
	if ev := fac.liveEvery(); len(ev) != 1 || ev[0] != time.Second {
		t.Fatalf("live intervals = %v, want [1s]", ev)
	}
}

func TestRestartWhileRunningReplacesHandle(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	n, cb := counter()

	if err := r.Add("x", cb, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Restart("x"); err != nil {
		t.Fatal(err)
	}
	if fac.liveCount() != 1 {
		t.Fatalf("live timers = %d, want 1", fac.liveCount())
	}
	fac.fireHandle(1) // old handle
	if n.Load() != 0 {
		t.Fatal("tick from the pre-restart handle was delivered")
	}
	fac.tickAll()
	if n.Load() != 1 {
		t.Fatalf("calls = %d, want 1", n.Load())
	}
}

func TestRemoveFreesID(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	n, cb := counter()

	if err := r.Add("x", cb, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("x"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if fac.liveCount() != 0 {
		t.Fatal("Remove left a live timer")
	}
	fac.fireHandle(1)
	if n.Load() != 0 {
		t.Fatal("removed timer ran")
	}

	for name, op := range map[string]func() error{
		"Lookup":  func() error { _, err := r.Lookup("x"); return err },
		"Stop":    func() error { return r.Stop("x") },
		"Restart": func() error { return r.Restart("x") },
		"Remove":  func() error { return r.Remove("x") },
	} {
		if err := op(); !IsNotFound(err) {
			t.Fatalf("%s after Remove: err = %v, want not found", name, err)
		}
	}

	if err := r.Add("x", cb, time.Second); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if _, ok := r.Find("x"); !ok {
		t.Fatal("id not reusable after Remove")
	}
}

func TestAddRejectsNilCallback(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	if err := r.Add("x", nil, time.Second); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("err = %v, want ErrNilCallback", err)
	}
	if fac.liveCount() != 0 || r.Len() != 0 {
		t.Fatal("nil callback must not register anything")
	}
}

func TestAddInvalidIntervalLeavesIDAbsent(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	_, cb := counter()

	if err := r.Add("x", cb, time.Second); err != nil {
		t.Fatal(err)
	}
	err := r.Add("x", cb, 0)
	if !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("err = %v, want ErrInvalidInterval", err)
	}
	if _, ok := r.Find("x"); ok {
		t.Fatal("failed Add should leave id absent")
	}
	if fac.liveCount() != 0 {
		t.Fatal("previous timer was not cancelled")
	}
}

func TestCallbackMayRemoveItself(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	var calls atomic.Int64
	err := r.Add("self", func() {
		calls.Add(1)
		if err := r.Remove("self"); err != nil {
			t.Errorf("Remove from callback: %v", err)
		}
	}, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		fac.tickAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback deadlocked calling back into the registry")
	}
	fac.tickAll()
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if r.Len() != 0 {
		t.Fatal("entry still registered")
	}
}

func TestPanickingCallbackIsRecovered(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.SubscribePrefix(EventPanic, 4)
	defer unsub()
	r, fac := newTestRegistry(t, WithBus(bus))

	if err := r.Add("boom", func() { panic("kaboom") }, time.Second); err != nil {
		t.Fatal(err)
	}
	fac.tickAll()

	select {
	case e := <-ch:
		te, ok := e.Data.(TimerEvent)
		if !ok || te.ID != "boom" || te.Panic != "kaboom" {
			t.Fatalf("unexpected panic event: %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no panic event")
	}
	if e, _ := r.Lookup("boom"); !e.Running {
		t.Fatal("a panic must not stop the timer")
	}
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	r, _ := newTestRegistry(t, WithBus(bus))
	_, cb := counter()

	steps := []func() error{
		func() error { return r.Add("x", cb, time.Second) },
		func() error { return r.Add("x", cb, time.Second) },
		func() error { return r.Stop("x") },
		func() error { return r.Restart("x") },
		func() error { return r.Remove("x") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	want := []string{EventAdded, EventReplaced, EventStopped, EventRestarted, EventRemoved}
	for i, typ := range want {
		select {
		case e := <-ch:
			if e.Type != typ {
				t.Fatalf("event %d = %q, want %q", i, e.Type, typ)
			}
			if te := e.Data.(TimerEvent); te.ID != "x" {
				t.Fatalf("event %d id = %q", i, te.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d (%s)", i, typ)
		}
	}
}

func TestMetricsTrackState(t *testing.T) {
	t.Parallel()
	m := NewMetrics(prometheus.NewRegistry())
	r, fac := newTestRegistry(t, WithMetrics(m))
	_, cb := counter()

	if err := r.Add("a", cb, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("b", cb, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop("b"); err != nil {
		t.Fatal(err)
	}
	fac.tickAll()

	if got := testutil.ToFloat64(m.Timers.WithLabelValues("running")); got != 1 {
		t.Fatalf("running gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Timers.WithLabelValues("stopped")); got != 1 {
		t.Fatalf("stopped gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Ticks.WithLabelValues("a")); got != 1 {
		t.Fatalf("ticks{a} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("add")); got != 2 {
		t.Fatalf("ops{add} = %v, want 2", got)
	}
}

func TestCloseCancelsEverything(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t)
	n, cb := counter()
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Add(id, cb, time.Second); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.IDs(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("IDs = %v, want sorted [a b c]", got)
	}

	r.Close()
	if fac.liveCount() != 0 {
		t.Fatalf("live timers after Close = %d", fac.liveCount())
	}
	fac.fireHandle(1)
	if n.Load() != 0 {
		t.Fatal("tick delivered after Close")
	}
	if r.Len() != 0 || len(r.Snapshot()) != 0 {
		t.Fatal("registry not empty after Close")
	}
	r.Close()
}

func TestNilBusFallsBackToNop(t *testing.T) {
	t.Parallel()
	r, fac := newTestRegistry(t, WithBus(nil))
	n, fn := counter()
	if err := r.AddOpt("a", fn, time.Second, AddOptions{RunImmediately: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	fac.tickAll()
	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n.Load() != 2 {
		t.Fatalf("calls = %d, want 2", n.Load())
	}
}

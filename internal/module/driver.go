package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

const (
	// dueGrace treats events this close to now as already due, so a wake
	// landing just short of the deadline does not trigger a tiny re-sleep.
	dueGrace = 2 * time.Second

	minSleep  = 5 * time.Second
	maxSleep  = 48 * time.Hour
	idleSleep = 60 * time.Second
)

// Driver runs the module schedules. It sleeps until the earliest due time
// across all modules, dispatches every due module and repeats. Manual runs
// and module swaps interrupt the sleep through the wake channel.
type Driver struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	modules []Module
	// locks serializes scheduled and manual work per module.
	locks map[string]*sync.Mutex

	wake chan struct{}
}

func NewDriver(log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{
		log:   log,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
		wake:  make(chan struct{}, 1),
	}
}

// SetModules replaces the driven module set and wakes the loop so the new
// schedule takes effect immediately.
func (d *Driver) SetModules(mods []Module) {
	d.mu.Lock()
	d.modules = append([]Module(nil), mods...)
	for _, m := range mods {
		if _, ok := d.locks[m.Name()]; !ok {
			d.locks[m.Name()] = &sync.Mutex{}
		}
	}
	d.mu.Unlock()
	d.Wake()
}

// Quiesce blocks until every in-flight scheduled or manual run has
// finished, by cycling each per-module lock. Collaborators of a retired
// module set can be torn down safely afterwards.
func (d *Driver) Quiesce() {
	d.mu.Lock()
	locks := make([]*sync.Mutex, 0, len(d.locks))
	for _, l := range d.locks {
		locks = append(locks, l)
	}
	d.mu.Unlock()

	for _, l := range locks {
		l.Lock()
		l.Unlock()
	}
}

func (d *Driver) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Driver) snapshot() []Module {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Module(nil), d.modules...)
}

func (d *Driver) lockFor(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

// Run drives the schedule loop until ctx is canceled.
func (d *Driver) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		d.dispatchDue(ctx)

		sleep := d.nextSleep()
		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

// dispatchDue runs ProcessDueEvent for every module whose due time has
// arrived. Modules are dispatched concurrently with each other and the
// call waits for all of them.
func (d *Driver) dispatchDue(ctx context.Context) {
	now := d.now()
	var wg sync.WaitGroup
	for _, m := range d.snapshot() {
		due, ok := m.NextDueTime()
		if !ok || due.After(now.Add(dueGrace)) {
			continue
		}
		wg.Add(1)
		go func(m Module) {
			defer wg.Done()
			lock := d.lockFor(m.Name())
			lock.Lock()
			defer lock.Unlock()
			if err := d.safeProcess(ctx, m); err != nil {
				d.log.Error("module event failed",
					logx.String("module", m.Name()), logx.Err(err))
			}
		}(m)
	}
	wg.Wait()
}

func (d *Driver) safeProcess(ctx context.Context, m Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panicked: %v", r)
		}
	}()
	return m.ProcessDueEvent(ctx)
}

// nextSleep computes how long to sleep until the earliest due event,
// clamped so a stale or far-future due time cannot wedge the loop.
func (d *Driver) nextSleep() time.Duration {
	now := d.now()
	var earliest time.Time
	for _, m := range d.snapshot() {
		due, ok := m.NextDueTime()
		if !ok {
			continue
		}
		if earliest.IsZero() || due.Before(earliest) {
			earliest = due
		}
	}
	if earliest.IsZero() {
		return idleSleep
	}
	sleep := earliest.Sub(now)
	if sleep < minSleep {
		return minSleep
	}
	if sleep > maxSleep {
		return maxSleep
	}
	return sleep
}

// RunNow triggers one manual cycle of the named module. It waits for any
// in-flight scheduled run of the same module to finish first.
func (d *Driver) RunNow(ctx context.Context, name string, targets []transport.ChatTarget) error {
	var target Module
	for _, m := range d.snapshot() {
		if m.Name() == name {
			target = m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown module %q", name)
	}

	lock := d.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("module panicked: %v", r)
			}
		}()
		return target.RunNow(ctx, targets)
	}()
	d.Wake()
	return err
}

// RunAll triggers a manual cycle of every module, collecting errors.
func (d *Driver) RunAll(ctx context.Context, targets []transport.ChatTarget) error {
	var errs []error
	for _, m := range d.snapshot() {
		if err := d.RunNow(ctx, m.Name(), targets); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Modules returns the current module set.
func (d *Driver) Modules() []Module {
	return d.snapshot()
}

package module

import (
	"context"
	"sync"
	"testing"
	"time"

	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeModule struct {
	mu sync.Mutex

	name   string
	due    time.Time
	hasDue bool

	processed int
	ran       int
	targets   []transport.ChatTarget
}

func (f *fakeModule) Name() string { return f.name }

func (f *fakeModule) NextDueTime() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, f.hasDue
}

func (f *fakeModule) ProcessDueEvent(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed++
	return nil
}

func (f *fakeModule) RunNow(_ context.Context, targets []transport.ChatTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran++
	f.targets = targets
	return nil
}

func (f *fakeModule) HasPendingPosts() bool { return false }
func (f *fakeModule) Commands() []Command   { return nil }

func (f *fakeModule) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed, f.ran
}

func TestDispatchDueHonorsGrace(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	overdue := &fakeModule{name: "overdue", due: now.Add(-time.Minute), hasDue: true}
	justShort := &fakeModule{name: "just-short", due: now.Add(time.Second), hasDue: true}
	future := &fakeModule{name: "future", due: now.Add(time.Hour), hasDue: true}
	silent := &fakeModule{name: "silent"}

	d := NewDriver(logx.Nop())
	d.now = func() time.Time { return now }
	d.SetModules([]Module{overdue, justShort, future, silent})

	d.dispatchDue(context.Background())

	for _, tt := range []struct {
		mod  *fakeModule
		want int
	}{
		{overdue, 1}, {justShort, 1}, {future, 0}, {silent, 0},
	} {
		if got, _ := tt.mod.counts(); got != tt.want {
			t.Errorf("%s: processed %d, want %d", tt.mod.name, got, tt.want)
		}
	}
}

func TestNextSleepClamps(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		mods []Module
		want time.Duration
	}{
		{"no modules", nil, idleSleep},
		{"no schedule", []Module{&fakeModule{name: "a"}}, idleSleep},
		{"normal", []Module{&fakeModule{name: "a", due: now.Add(10 * time.Minute), hasDue: true}}, 10 * time.Minute},
		{"imminent", []Module{&fakeModule{name: "a", due: now.Add(time.Second), hasDue: true}}, minSleep},
		{"far future", []Module{&fakeModule{name: "a", due: now.Add(100 * time.Hour), hasDue: true}}, maxSleep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDriver(logx.Nop())
			d.now = func() time.Time { return now }
			if tt.mods != nil {
				d.SetModules(tt.mods)
			}
			if got := d.nextSleep(); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunNow(t *testing.T) {
	mod := &fakeModule{name: "news"}
	d := NewDriver(logx.Nop())
	d.SetModules([]Module{mod})

	targets := []transport.ChatTarget{{ChatID: 42}}
	if err := d.RunNow(context.Background(), "news", targets); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if _, ran := mod.counts(); ran != 1 {
		t.Fatalf("ran %d times, want 1", ran)
	}
	if len(mod.targets) != 1 || mod.targets[0].ChatID != 42 {
		t.Fatalf("targets not forwarded: %v", mod.targets)
	}

	if err := d.RunNow(context.Background(), "nope", targets); err == nil {
		t.Fatalf("expected error for unknown module")
	}
}

type blockingModule struct {
	fakeModule
	started chan struct{}
	release chan struct{}
}

func (b *blockingModule) ProcessDueEvent(context.Context) error {
	close(b.started)
	<-b.release
	return nil
}

func TestQuiesceWaitsForInFlightWork(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	mod := &blockingModule{
		fakeModule: fakeModule{name: "slow", due: now.Add(-time.Minute), hasDue: true},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	d := NewDriver(logx.Nop())
	d.now = func() time.Time { return now }
	d.SetModules([]Module{mod})

	dispatched := make(chan struct{})
	go func() {
		d.dispatchDue(context.Background())
		close(dispatched)
	}()
	<-mod.started

	quiesced := make(chan struct{})
	go func() {
		d.Quiesce()
		close(quiesced)
	}()
	select {
	case <-quiesced:
		t.Fatalf("quiesce returned while a tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(mod.release)
	<-dispatched
	<-quiesced
}

func TestSafeProcessRecoversPanic(t *testing.T) {
	d := NewDriver(logx.Nop())
	panicky := &panicModule{}
	if err := d.safeProcess(context.Background(), panicky); err == nil {
		t.Fatalf("expected error from panicking module")
	}
}

type panicModule struct{ fakeModule }

func (p *panicModule) Name() string                          { return "panicky" }
func (p *panicModule) ProcessDueEvent(context.Context) error { panic("boom") }

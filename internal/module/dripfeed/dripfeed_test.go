package dripfeed

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postbot/internal/config"
	"postbot/internal/post"
	"postbot/internal/scrape"
	"postbot/internal/storage"
	"postbot/internal/translate"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeScraper struct {
	names []string
}

func (f *fakeScraper) ListNames(context.Context, config.Source) ([]string, error) {
	return f.names, nil
}
func (f *fakeScraper) ListItems(context.Context, config.Source) ([]scrape.Item, error) {
	return nil, nil
}
func (f *fakeScraper) FetchContent(context.Context, string, config.Source) (string, error) {
	return "", nil
}

type fakeGen struct {
	mu        sync.Mutex
	textCalls int
}

func (f *fakeGen) GenerateText(_ context.Context, prompt, _ string) (string, error) {
	f.mu.Lock()
	f.textCalls++
	f.mu.Unlock()
	return "caption for " + prompt, nil
}

func (f *fakeGen) GenerateImage(context.Context, string, string) (string, error) {
	return "https://img.example/pic.png", nil
}

func (f *fakeGen) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.textCalls
}

type fakeAdapter struct {
	mu     sync.Mutex
	texts  []string
	chats  []int64
	onSend func()
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }
func (f *fakeAdapter) Reply(context.Context, transport.Message, string) error {
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	if f.onSend != nil {
		f.onSend()
	}
	f.texts = append(f.texts, text)
	f.chats = append(f.chats, to.ChatID)
	f.mu.Unlock()
	return transport.MessageRef{}, nil
}

func (f *fakeAdapter) SendPhoto(ctx context.Context, to transport.ChatTarget, _ string, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return f.SendText(ctx, to, caption, opt)
}

func (f *fakeAdapter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testConfig() config.Module {
	return config.Module{
		Enabled: true,
		Scheduler: config.Scheduler{
			GenerateTimeUTC:  "06:00",
			PostStartTimeUTC: "08:00",
			PostEndTimeUTC:   "20:00",
		},
		LLM: config.ModuleLLM{
			TextPrompt: "write about {holiday}",
			TextModel:  "test-model",
		},
		Sources: []config.Source{{Name: "holidays"}},
	}
}

func newTestModule(t *testing.T, cfg config.Module, scraper *fakeScraper, gen *fakeGen, adapter *fakeAdapter, now time.Time) *Module {
	t.Helper()
	poster := post.New(adapter, translate.Noop{}, nil, 0, logx.Nop())
	m := New(Options{
		Name:      "daily",
		Config:    cfg,
		StatePath: filepath.Join(t.TempDir(), "daily.json"),
		Scraper:   scraper,
		Gen:       gen,
		Poster:    poster,
		Targets: func() []transport.ChatTarget {
			return []transport.ChatTarget{{ChatID: 100}}
		},
		Log: logx.Nop(),
		Now: func() time.Time { return now },
	})
	return m
}

func TestGenerateDailyIsIdempotent(t *testing.T) {
	scraper := &fakeScraper{names: []string{"Day A", "Day B", "Day C"}}
	gen := &fakeGen{}
	adapter := &fakeAdapter{}
	now := time.Date(2025, 3, 10, 6, 30, 0, 0, time.UTC)
	m := newTestModule(t, testConfig(), scraper, gen, adapter, now)

	if err := m.ProcessDueEvent(context.Background()); err != nil {
		t.Fatalf("first event: %v", err)
	}
	first := gen.calls()
	if first != 3 {
		t.Fatalf("generated %d captions, want 3", first)
	}
	if err := m.ProcessDueEvent(context.Background()); err != nil {
		t.Fatalf("second event: %v", err)
	}
	if gen.calls() != first {
		t.Fatalf("second event re-generated the batch")
	}

	// Generation ran before the window opened, so nothing is posted yet.
	if n := len(adapter.sent()); n != 0 {
		t.Fatalf("posted %d items before the window opened", n)
	}
	if !m.HasPendingPosts() {
		t.Fatalf("expected pending posts after generation")
	}
}

func TestBatchSpreadAcrossWindow(t *testing.T) {
	scraper := &fakeScraper{names: []string{"A", "B", "C", "D", "E"}}
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	m := newTestModule(t, testConfig(), scraper, &fakeGen{}, &fakeAdapter{}, now)

	if err := m.generateDaily(context.Background(), now); err != nil {
		t.Fatalf("generate: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	want := []int{8, 11, 14, 17, 20}
	if len(m.st.Items) != len(want) {
		t.Fatalf("got %d items, want %d", len(m.st.Items), len(want))
	}
	for i, it := range m.st.Items {
		if it.PostTime.Hour() != want[i] || it.PostTime.Minute() != 0 {
			t.Errorf("item %d scheduled at %v, want %02d:00", i, it.PostTime, want[i])
		}
	}
}

func TestClaimPersistedBeforeSend(t *testing.T) {
	scraper := &fakeScraper{names: []string{"A"}}
	adapter := &fakeAdapter{}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestModule(t, testConfig(), scraper, &fakeGen{}, adapter, now)

	if err := m.generateDaily(context.Background(), now); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// At send time the on-disk state must already carry the posted marker.
	adapter.onSend = func() {
		var onDisk state
		if _, err := storage.LoadState(m.path, &onDisk); err != nil {
			t.Errorf("load state at send time: %v", err)
			return
		}
		for _, it := range onDisk.Items {
			if it.Status == statusPending && !it.PostTime.After(now) {
				t.Errorf("item %s still pending on disk during send", it.ID)
			}
		}
	}

	m.postDueItem(context.Background(), now)
	if len(adapter.sent()) != 1 {
		t.Fatalf("sent %d messages, want 1", len(adapter.sent()))
	}
}

func TestProcessDueEventPostsOneItemPerCall(t *testing.T) {
	scraper := &fakeScraper{names: []string{"A", "B"}}
	adapter := &fakeAdapter{}
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	m := newTestModule(t, testConfig(), scraper, &fakeGen{}, adapter, now)

	if err := m.generateDaily(context.Background(), now); err != nil {
		t.Fatalf("generate: %v", err)
	}
	// Move past the window end so both scheduled slots are behind us.
	m.now = func() time.Time { return time.Date(2025, 3, 10, 21, 0, 0, 0, time.UTC) }
	if err := m.ProcessDueEvent(context.Background()); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if got := len(adapter.sent()); got != 1 {
		t.Fatalf("first event sent %d messages, want 1", got)
	}
	if err := m.ProcessDueEvent(context.Background()); err != nil {
		t.Fatalf("second event: %v", err)
	}
	if got := len(adapter.sent()); got != 2 {
		t.Fatalf("after two events sent %d messages, want 2", got)
	}
}

func TestEmptyGenerationStillRecordsDate(t *testing.T) {
	scraper := &fakeScraper{}
	gen := &fakeGen{}
	now := time.Date(2025, 3, 10, 6, 30, 0, 0, time.UTC)
	m := newTestModule(t, testConfig(), scraper, gen, &fakeAdapter{}, now)

	if err := m.ProcessDueEvent(context.Background()); err != nil {
		t.Fatalf("event: %v", err)
	}
	m.mu.Lock()
	date, items := m.st.GenerationDate, len(m.st.Items)
	m.mu.Unlock()
	if date != "2025-03-10" || items != 0 {
		t.Fatalf("state after empty generation: date=%q items=%d", date, items)
	}

	// The next due time must be tomorrow's generation, not a retry today.
	due, ok := m.NextDueTime()
	if !ok {
		t.Fatalf("expected a due time")
	}
	if want := time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC); !due.Equal(want) {
		t.Fatalf("due %v, want %v", due, want)
	}
}

func TestRestartReschedulesStaleItems(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "daily.json")
	old := state{
		GenerationDate: "2025-03-10",
		Items: []queueItem{
			{ID: "2025-03-10/0", Caption: "a", PostTime: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), Status: statusPending},
			{ID: "2025-03-10/1", Caption: "b", PostTime: time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC), Status: statusPending},
			{ID: "2025-03-10/2", Caption: "c", PostTime: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), Status: statusPosted},
		},
	}
	if err := storage.SaveState(statePath, &old); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	poster := post.New(&fakeAdapter{}, translate.Noop{}, nil, 0, logx.Nop())
	m := New(Options{
		Name:      "daily",
		Config:    testConfig(),
		StatePath: statePath,
		Scraper:   &fakeScraper{},
		Gen:       &fakeGen{},
		Poster:    poster,
		Targets:   func() []transport.ChatTarget { return nil },
		Log:       logx.Nop(),
		Now:       func() time.Time { return now },
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if got := m.st.Items[0].PostTime; got.Before(now) {
		t.Errorf("stale item still in the past: %v", got)
	}
	if got := m.st.Items[1].PostTime; !got.Equal(old.Items[1].PostTime) {
		t.Errorf("future item moved: %v", got)
	}
	if got := m.st.Items[2].PostTime; !got.Equal(old.Items[2].PostTime) {
		t.Errorf("posted item moved: %v", got)
	}
}

func TestGenerationCarriesForwardRescheduledItems(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "daily.json")
	old := state{
		GenerationDate: "2025-03-10",
		Items: []queueItem{
			{ID: "2025-03-10/0", Caption: "leftover", PostTime: time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC), Status: statusPending},
			{ID: "2025-03-10/1", Caption: "done", PostTime: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), Status: statusPosted},
		},
	}
	if err := storage.SaveState(statePath, &old); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	// Restart the next morning, after the generation slot has passed.
	adapter := &fakeAdapter{}
	now := time.Date(2025, 3, 11, 6, 30, 0, 0, time.UTC)
	poster := post.New(adapter, translate.Noop{}, nil, 0, logx.Nop())
	m := New(Options{
		Name:      "daily",
		Config:    testConfig(),
		StatePath: statePath,
		Scraper:   &fakeScraper{names: []string{"Day A"}},
		Gen:       &fakeGen{},
		Poster:    poster,
		Targets: func() []transport.ChatTarget {
			return []transport.ChatTarget{{ChatID: 100}}
		},
		Log: logx.Nop(),
		Now: func() time.Time { return now },
	})

	// The overdue generation fires first and must not wipe the queue.
	if err := m.ProcessDueEvent(context.Background()); err != nil {
		t.Fatalf("generation event: %v", err)
	}
	m.mu.Lock()
	if m.st.GenerationDate != "2025-03-11" {
		t.Fatalf("generation date %q, want 2025-03-11", m.st.GenerationDate)
	}
	var kept *queueItem
	for i, it := range m.st.Items {
		if it.ID == "2025-03-10/0" {
			kept = &m.st.Items[i]
		}
	}
	if kept == nil || kept.Status != statusPending {
		t.Fatalf("rescheduled item from yesterday dropped by generation: %+v", m.st.Items)
	}
	m.mu.Unlock()

	// The carried item posts on its rescheduled near-future slot, ahead of
	// today's batch.
	m.now = func() time.Time { return time.Date(2025, 3, 11, 7, 0, 0, 0, time.UTC) }
	if err := m.ProcessDueEvent(context.Background()); err != nil {
		t.Fatalf("post event: %v", err)
	}
	got := adapter.sent()
	if len(got) != 1 || got[0] != "leftover" {
		t.Fatalf("posts after carry-forward: %v, want [leftover]", got)
	}
}

func TestRunNowPostsWholeBatchAndLeavesQueueUntouched(t *testing.T) {
	scraper := &fakeScraper{names: []string{"Day A", "Day B"}}
	adapter := &fakeAdapter{}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestModule(t, testConfig(), scraper, &fakeGen{}, adapter, now)

	if err := m.generateDaily(context.Background(), now.Add(-6*time.Hour)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	m.mu.Lock()
	before := len(m.st.Items)
	date := m.st.GenerationDate
	m.mu.Unlock()

	if err := m.RunNow(context.Background(), []transport.ChatTarget{{ChatID: 7}}); err != nil {
		t.Fatalf("run now: %v", err)
	}
	got := adapter.sent()
	if len(got) != 2 {
		t.Fatalf("sent %d messages, want the whole batch of 2", len(got))
	}
	adapter.mu.Lock()
	for _, chat := range adapter.chats {
		if chat != 7 {
			adapter.mu.Unlock()
			t.Fatalf("manual run posted to chat %d, want only 7", chat)
		}
	}
	adapter.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.st.Items) != before || m.st.GenerationDate != date {
		t.Fatalf("manual run mutated the persisted queue")
	}
}

func TestBrokenScheduleDisablesTimerNotManualRuns(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.GenerateTimeUTC = "not-a-time"
	adapter := &fakeAdapter{}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestModule(t, cfg, &fakeScraper{names: []string{"A"}}, &fakeGen{}, adapter, now)

	if _, ok := m.NextDueTime(); ok {
		t.Fatalf("broken schedule should report no due time")
	}
	if err := m.RunNow(context.Background(), []transport.ChatTarget{{ChatID: 7}}); err != nil {
		t.Fatalf("manual run should still work: %v", err)
	}
	if len(adapter.sent()) != 1 {
		t.Fatalf("manual run did not post")
	}
}

func TestNextDueTimePrefersEarlierPendingItem(t *testing.T) {
	scraper := &fakeScraper{names: []string{"A"}}
	now := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	m := newTestModule(t, testConfig(), scraper, &fakeGen{}, &fakeAdapter{}, now)

	if err := m.generateDaily(context.Background(), now); err != nil {
		t.Fatalf("generate: %v", err)
	}
	due, ok := m.NextDueTime()
	if !ok {
		t.Fatalf("expected a due time")
	}
	// The single item sits at the window start, well before tomorrow's
	// generation slot.
	want := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("due %v, want %v", due, want)
	}
}

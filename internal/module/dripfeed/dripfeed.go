// Package dripfeed implements the daily batch pipeline: content is
// generated once per day and drip-posted over a configured window.
package dripfeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"postbot/internal/config"
	"postbot/internal/module"
	"postbot/internal/post"
	"postbot/internal/scrape"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

const dateLayout = "2006-01-02"

// Generator is the LLM capability this pipeline needs.
type Generator interface {
	GenerateText(ctx context.Context, prompt, model string) (string, error)
	GenerateImage(ctx context.Context, prompt, model string) (string, error)
}

type itemStatus string

const (
	statusPending itemStatus = "pending"
	statusPosted  itemStatus = "posted"
	// statusSkipped marks an item that was claimed but delivered to no chat.
	statusSkipped itemStatus = "skipped"
)

type queueItem struct {
	ID       string     `json:"id"`
	Caption  string     `json:"caption"`
	ImageURL string     `json:"image_url,omitempty"`
	PostTime time.Time  `json:"post_time"`
	Status   itemStatus `json:"status"`
}

type state struct {
	GenerationDate string      `json:"generation_date"`
	Items          []queueItem `json:"items"`
}

type Options struct {
	Name      string
	Config    config.Module
	StatePath string
	Scraper   scrape.Provider
	Gen       Generator
	Poster    *post.Poster
	// Targets yields the current destination chats at send time.
	Targets func() []transport.ChatTarget
	Log     logx.Logger
	Now     func() time.Time
}

type Module struct {
	name    string
	cfg     config.Module
	path    string
	scraper scrape.Provider
	gen     Generator
	poster  *post.Poster
	targets func() []transport.ChatTarget
	log     logx.Logger
	now     func() time.Time

	genHour   int
	genMinute int
	window    module.Window
	schedErr  error

	mu sync.Mutex
	st state
}

func New(opts Options) *Module {
	m := &Module{
		name:    opts.Name,
		cfg:     opts.Config,
		path:    opts.StatePath,
		scraper: opts.Scraper,
		gen:     opts.Gen,
		poster:  opts.Poster,
		targets: opts.Targets,
		log:     opts.Log,
		now:     opts.Now,
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}

	// A broken schedule silences the timer but keeps manual runs working.
	sc := opts.Config.Scheduler
	if h, min, err := config.ParseHHMM(sc.GenerateTimeUTC); err != nil {
		m.schedErr = fmt.Errorf("generate_time_utc: %w", err)
	} else {
		m.genHour, m.genMinute = h, min
	}
	if m.schedErr == nil {
		w, err := module.ParseWindow(sc.PostStartTimeUTC, sc.PostEndTimeUTC)
		if err != nil {
			m.schedErr = fmt.Errorf("posting window: %w", err)
		} else {
			m.window = w
		}
	}
	if m.schedErr != nil {
		m.log.Error("schedule disabled by config", logx.String("module", m.name), logx.Err(m.schedErr))
	}

	if _, err := storage.LoadState(m.path, &m.st); err != nil {
		m.log.Error("state load failed; starting empty", logx.String("module", m.name), logx.Err(err))
		m.st = state{}
	}
	if m.schedErr == nil {
		m.rescheduleStale()
	}
	return m
}

// staleRescheduleDelay spaces missed items shortly after startup so they
// post promptly, in their original order, instead of being dropped.
const staleRescheduleDelay = 10 * time.Second

func (m *Module) rescheduleStale() {
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []int
	for i, it := range m.st.Items {
		if it.Status == statusPending && it.PostTime.Before(now) {
			stale = append(stale, i)
		}
	}
	if len(stale) == 0 {
		return
	}
	for j, i := range stale {
		m.st.Items[i].PostTime = now.Add(time.Duration(j+1) * staleRescheduleDelay)
	}
	if err := storage.SaveState(m.path, &m.st); err != nil {
		m.log.Error("state save failed", logx.String("module", m.name), logx.Err(err))
	}
	m.log.Info("rescheduled stale queue items",
		logx.String("module", m.name), logx.Int("count", len(stale)))
}

func (m *Module) Name() string { return m.name }

func (m *Module) NextDueTime() (time.Time, bool) {
	if m.schedErr != nil {
		return time.Time{}, false
	}
	now := m.now().UTC()
	next := m.nextGeneration(now)

	m.mu.Lock()
	for _, it := range m.st.Items {
		if it.Status == statusPending && it.PostTime.Before(next) {
			next = it.PostTime
		}
	}
	m.mu.Unlock()
	return next, true
}

// nextGeneration returns today's generation time while today's batch has
// not been produced yet (it may lie in the past, meaning generation is
// overdue), otherwise tomorrow's.
func (m *Module) nextGeneration(now time.Time) time.Time {
	today := now.Format(dateLayout)
	t := time.Date(now.Year(), now.Month(), now.Day(), m.genHour, m.genMinute, 0, 0, time.UTC)

	m.mu.Lock()
	generated := m.st.GenerationDate == today
	m.mu.Unlock()

	if generated {
		return t.Add(24 * time.Hour)
	}
	return t // may be in the past, meaning generation is overdue
}

func (m *Module) HasPendingPosts() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.st.Items {
		if it.Status == statusPending {
			return true
		}
	}
	return false
}

func (m *Module) Commands() []module.Command { return nil }

// ProcessDueEvent performs one unit of work: the daily generation when its
// slot arrived, otherwise the single queued post whose slot arrived. The
// driver recomputes the due time after every call.
func (m *Module) ProcessDueEvent(ctx context.Context) error {
	now := m.now().UTC()
	if !m.nextGeneration(now).After(now) {
		return m.generateDaily(ctx, now)
	}
	m.postDueItem(ctx, now)
	return nil
}

// generateDaily builds today's batch and schedules it across the posting
// window. Running it twice on the same day is a no-op. The generation date
// is recorded even when the sources yield nothing, so a source outage does
// not trigger retries all day.
func (m *Module) generateDaily(ctx context.Context, now time.Time) error {
	today := now.Format(dateLayout)

	m.mu.Lock()
	if m.st.GenerationDate == today {
		m.mu.Unlock()
		return nil
	}
	// Items still pending from an earlier day were rescheduled at load and
	// must survive the new batch, not be displaced by it.
	var carried []queueItem
	for _, it := range m.st.Items {
		if it.Status == statusPending {
			carried = append(carried, it)
		}
	}
	m.mu.Unlock()

	items := m.buildItems(ctx, today)
	times := m.window.SpreadTimes(now, len(items))
	for i := range items {
		items[i].PostTime = times[i]
	}

	m.mu.Lock()
	m.st = state{GenerationDate: today, Items: append(carried, items...)}
	err := storage.SaveState(m.path, &m.st)
	m.mu.Unlock()
	if err != nil {
		m.log.Error("state save failed; batch kept in memory only",
			logx.String("module", m.name), logx.Err(err))
	}
	m.log.Info("daily batch generated",
		logx.String("module", m.name),
		logx.Int("items", len(items)), logx.Int("carried", len(carried)))
	return nil
}

// buildItems turns today's occasion names into captioned queue items with
// bounded LLM concurrency. An empty result is a valid batch.
func (m *Module) buildItems(ctx context.Context, today string) []queueItem {
	var names []string
	for _, src := range m.cfg.Sources {
		found, err := m.scraper.ListNames(ctx, src)
		if err != nil {
			m.log.Warn("source listing failed",
				logx.String("module", m.name), logx.String("source", src.Name), logx.Err(err))
			continue
		}
		names = append(names, found...)
	}
	if len(names) == 0 {
		return nil
	}

	limit := m.cfg.LLM.ConcurrencyLimit
	if limit <= 0 {
		limit = 2
	}
	sem := make(chan struct{}, limit)
	items := make([]queueItem, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			items[i] = m.composeItem(ctx, today, i, name)
		}(i, name)
	}
	wg.Wait()
	return items
}

func (m *Module) composeItem(ctx context.Context, today string, idx int, name string) queueItem {
	item := queueItem{
		ID:     fmt.Sprintf("%s/%d", today, idx),
		Status: statusPending,
	}

	caption, err := m.gen.GenerateText(ctx, fillPrompt(m.cfg.LLM.TextPrompt, name), m.cfg.LLM.TextModel)
	if err != nil || strings.TrimSpace(caption) == "" {
		m.log.Warn("caption generation failed; using fallback",
			logx.String("module", m.name), logx.String("occasion", name), logx.Err(err))
		caption = fmt.Sprintf("Today is %s!", name)
	}
	item.Caption = caption

	if m.cfg.LLM.ImageModel != "" && m.cfg.LLM.ImagePrompt != "" {
		url, err := m.gen.GenerateImage(ctx, fillPrompt(m.cfg.LLM.ImagePrompt, name), m.cfg.LLM.ImageModel)
		if err != nil {
			m.log.Warn("image generation failed; using placeholder",
				logx.String("module", m.name), logx.String("occasion", name), logx.Err(err))
			url = m.cfg.LLM.ImagePlaceholder
		}
		item.ImageURL = url
	}
	return item
}

func fillPrompt(tpl, name string) string {
	return strings.ReplaceAll(tpl, "{holiday}", name)
}

// postDueItem posts the earliest pending item whose slot arrived, if any.
// The item is marked posted and the state persisted before the send goes
// out, so a crash mid-send cannot double-post it. A failed save is logged
// and the send proceeds; the in-memory queue stays authoritative.
func (m *Module) postDueItem(ctx context.Context, now time.Time) {
	m.mu.Lock()
	idx := -1
	for i, it := range m.st.Items {
		if it.Status == statusPending && !it.PostTime.After(now) {
			if idx < 0 || it.PostTime.Before(m.st.Items[idx].PostTime) {
				idx = i
			}
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.st.Items[idx].Status = statusPosted
	item := m.st.Items[idx]
	if err := storage.SaveState(m.path, &m.st); err != nil {
		m.log.Error("state save failed before send",
			logx.String("module", m.name), logx.String("item", item.ID), logx.Err(err))
	}
	m.mu.Unlock()

	if sent := m.post(ctx, item, m.targets()); sent == 0 {
		m.mu.Lock()
		m.st.Items[idx].Status = statusSkipped
		if err := storage.SaveState(m.path, &m.st); err != nil {
			m.log.Error("state save failed",
				logx.String("module", m.name), logx.Err(err))
		}
		m.mu.Unlock()
	}
}

func (m *Module) post(ctx context.Context, item queueItem, targets []transport.ChatTarget) int {
	sent := m.poster.Send(ctx, m.name, targets, post.Message{
		Parts:        []string{item.Caption},
		ImageURL:     item.ImageURL,
		CaptionLimit: m.cfg.Telegram.CaptionCharacterLimit,
	})
	m.log.Info("queue item posted",
		logx.String("module", m.name), logx.String("item", item.ID), logx.Int("chats", sent))
	return sent
}

// RunNow regenerates a fresh batch from the sources and posts every item
// back-to-back to the given targets. The persisted queue and the daily
// generation marker are not touched, so the scheduled run stays intact.
func (m *Module) RunNow(ctx context.Context, targets []transport.ChatTarget) error {
	today := m.now().UTC().Format(dateLayout)

	items := m.buildItems(ctx, today)
	if len(items) == 0 {
		return fmt.Errorf("no occasions found for %s", today)
	}
	for _, item := range items {
		m.post(ctx, item, targets)
	}
	return nil
}

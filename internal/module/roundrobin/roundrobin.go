// Package roundrobin implements the rotating news pipeline: on every
// scheduled tick one unseen article is posted, taken from the source after
// the one served last.
package roundrobin

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"postbot/internal/config"
	"postbot/internal/module"
	"postbot/internal/post"
	"postbot/internal/scrape"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Summarizer is the LLM capability this pipeline needs.
type Summarizer interface {
	GenerateText(ctx context.Context, prompt, model string) (string, error)
}

type state struct {
	// Cursor is the index of the source that served the last scheduled post.
	Cursor int `json:"cursor"`
}

type Options struct {
	Name      string
	Config    config.Module
	StatePath string
	Scraper   scrape.Provider
	Seen      storage.SeenStore
	Gen       Summarizer
	Poster    *post.Poster
	Targets   func() []transport.ChatTarget
	Log       logx.Logger
	Now       func() time.Time
}

type Module struct {
	name    string
	cfg     config.Module
	path    string
	scraper scrape.Provider
	seen    storage.SeenStore
	gen     Summarizer
	poster  *post.Poster
	targets func() []transport.ChatTarget
	log     logx.Logger
	now     func() time.Time

	window   module.Window
	interval time.Duration
	schedErr error

	mu sync.Mutex
	st state
}

func New(opts Options) *Module {
	m := &Module{
		name:    opts.Name,
		cfg:     opts.Config,
		path:    opts.StatePath,
		scraper: opts.Scraper,
		seen:    opts.Seen,
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

	sc := opts.Config.Scheduler
	w, err := module.ParseWindow(sc.PostStartTimeUTC, sc.PostEndTimeUTC)
	switch {
	case err != nil:
		m.schedErr = fmt.Errorf("posting window: %w", err)
	case sc.PostIntervalMinutes <= 0:
		m.schedErr = fmt.Errorf("post_interval_minutes must be > 0, got %d", sc.PostIntervalMinutes)
	default:
		m.window = w
		m.interval = time.Duration(sc.PostIntervalMinutes) * time.Minute
	}
	if m.schedErr != nil {
		m.log.Error("schedule disabled by config", logx.String("module", m.name), logx.Err(m.schedErr))
	}

	// -1 means no source has served yet, so the first rotation starts at 0.
	m.st.Cursor = -1
	if _, err := storage.LoadState(m.path, &m.st); err != nil {
		m.log.Error("state load failed; starting rotation over",
			logx.String("module", m.name), logx.Err(err))
		m.st = state{Cursor: -1}
	}
	return m
}

func (m *Module) Name() string { return m.name }

func (m *Module) NextDueTime() (time.Time, bool) {
	if m.schedErr != nil || len(m.cfg.Sources) == 0 {
		return time.Time{}, false
	}
	return m.nextTick(m.now().UTC()), true
}

// nextTick returns the next interval boundary inside the posting window, or
// the next window start when the current window is exhausted.
func (m *Module) nextTick(now time.Time) time.Time {
	start, end := m.window.Current(now)
	if now.Before(start) {
		return start
	}
	elapsed := now.Sub(start)
	k := elapsed / m.interval
	if elapsed%m.interval != 0 {
		k++
	}
	tick := start.Add(k * m.interval)
	if tick.After(end) {
		next, _ := m.window.Current(end.Add(time.Minute))
		return next
	}
	return tick
}

// HasPendingPosts is always false: the news pipeline holds no queue, it
// pulls fresh content on every tick.
func (m *Module) HasPendingPosts() bool { return false }

func (m *Module) Commands() []module.Command { return nil }

// ProcessDueEvent serves one article, scanning sources starting after the
// cursor so every source gets its turn.
func (m *Module) ProcessDueEvent(ctx context.Context) error {
	m.mu.Lock()
	cursor := m.st.Cursor
	m.mu.Unlock()

	start := 0
	if n := len(m.cfg.Sources); n > 0 {
		start = (cursor + 1) % n
	}
	return m.serveOne(ctx, start, true, m.targets())
}

// RunNow serves one article immediately, always scanning from the first
// source and leaving the rotation cursor untouched.
func (m *Module) RunNow(ctx context.Context, targets []transport.ChatTarget) error {
	return m.serveOne(ctx, 0, false, targets)
}

// serveOne walks one full rotation from startIdx and posts the first
// unseen article it can fetch. The article is marked seen (and the cursor
// persisted, for scheduled runs) before any send goes out.
func (m *Module) serveOne(ctx context.Context, startIdx int, persistCursor bool, targets []transport.ChatTarget) error {
	n := len(m.cfg.Sources)
	if n == 0 {
		return fmt.Errorf("no sources configured")
	}

	for off := 0; off < n; off++ {
		idx := (startIdx + off) % n
		src := m.cfg.Sources[idx]

		item, content, ok := m.pickUnseen(ctx, src)
		if !ok {
			continue
		}

		if err := m.claim(ctx, item.ID, idx, persistCursor); err != nil {
			return err
		}

		summary := m.summarize(ctx, item.Title, content)
		sent := m.poster.Send(ctx, m.name, targets, post.Message{
			Parts:     []string{item.Title, summary},
			Render:    newsRender(item.URL, m.cfg.Telegram.CaptionCharacterLimit),
			ParseMode: "HTML",
		})
		m.log.Info("article posted",
			logx.String("module", m.name),
			logx.String("source", src.Name),
			logx.String("article", item.ID),
			logx.Int("chats", sent))
		return nil
	}

	m.log.Info("no unseen articles this rotation", logx.String("module", m.name))
	return nil
}

// pickUnseen returns the first unseen listing item of src together with its
// fetched body. An article whose body cannot be fetched is marked seen so
// the rotation never retries it, and the source yields its turn.
func (m *Module) pickUnseen(ctx context.Context, src config.Source) (scrape.Item, string, bool) {
	items, err := m.scraper.ListItems(ctx, src)
	if err != nil {
		m.log.Warn("source listing failed",
			logx.String("module", m.name), logx.String("source", src.Name), logx.Err(err))
		return scrape.Item{}, "", false
	}
	for _, item := range items {
		seen, err := m.seen.Has(ctx, item.ID)
		if err != nil {
			m.log.Warn("seen lookup failed", logx.String("article", item.ID), logx.Err(err))
			continue
		}
		if seen {
			continue
		}
		content, err := m.scraper.FetchContent(ctx, item.URL, src)
		if err != nil {
			m.log.Warn("article fetch failed; burying it",
				logx.String("article", item.ID), logx.Err(err))
			if err := m.seen.Add(ctx, item.ID, m.now()); err != nil {
				m.log.Warn("mark seen failed", logx.String("article", item.ID), logx.Err(err))
			}
			return scrape.Item{}, "", false
		}
		if limit := m.cfg.LLM.MaxContentLength; limit > 0 {
			content = post.TruncRunes(content, limit)
		}
		return item, content, true
	}
	return scrape.Item{}, "", false
}

// claim records the article as seen and, for scheduled runs, advances the
// cursor. Both happen before the post is sent. A failed seen write aborts
// the tick since the dedup guarantee is gone; a failed cursor save only
// degrades rotation fairness across restarts, so it is logged and the post
// proceeds with the in-memory cursor.
func (m *Module) claim(ctx context.Context, articleID string, srcIdx int, persistCursor bool) error {
	if err := m.seen.Add(ctx, articleID, m.now()); err != nil {
		return fmt.Errorf("mark seen %s: %w", articleID, err)
	}
	if !persistCursor {
		return nil
	}
	m.mu.Lock()
	m.st.Cursor = srcIdx
	err := storage.SaveState(m.path, &m.st)
	m.mu.Unlock()
	if err != nil {
		m.log.Error("cursor save failed",
			logx.String("module", m.name), logx.Err(err))
	}
	return nil
}

func (m *Module) summarize(ctx context.Context, title, content string) string {
	prompt := strings.NewReplacer(
		"{title}", title,
		"{content}", content,
	).Replace(m.cfg.LLM.SummaryPrompt)
	summary, err := m.gen.GenerateText(ctx, prompt, m.cfg.LLM.TextModel)
	if err != nil || strings.TrimSpace(summary) == "" {
		m.log.Warn("summary generation failed; using article excerpt",
			logx.String("module", m.name), logx.Err(err))
		return post.TruncRunes(content, 300)
	}
	return summary
}

// newsRender stitches the localized title and summary into the caption:
// bold headline, summary, source link. The summary is budgeted against the
// caption limit so the headline and link always survive truncation.
func newsRender(url string, limit int) func(parts []string) string {
	return func(parts []string) string {
		title := parts[0]
		var summary string
		if len(parts) > 1 {
			summary = parts[1]
		}

		const linkLabel = "Read More"
		if limit > 0 {
			overhead := utf8.RuneCountInString(title) + len(linkLabel) + 4
			avail := limit - overhead
			switch {
			case avail <= 0:
				summary = ""
			case utf8.RuneCountInString(summary) > avail:
				summary = post.TruncRunes(summary, avail)
			}
		}

		text := "<b>" + html.EscapeString(title) + "</b>"
		if summary != "" {
			text += "\n\n" + html.EscapeString(summary)
		}
		return text + fmt.Sprintf("\n\n<a href=%q>%s</a>", url, linkLabel)
	}
}

// PruneSeen drops seen entries older than the module's retention window.
func (m *Module) PruneSeen(ctx context.Context) (int64, error) {
	days := m.cfg.HistoryDays
	if days <= 0 {
		days = 30
	}
	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	return m.seen.Prune(ctx, cutoff)
}

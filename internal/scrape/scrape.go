// Package scrape pulls listing items and article bodies out of configured
// sources. Two source kinds are supported: selector-driven HTML pages
// (goquery) and RSS/Atom feeds (gofeed).
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"postbot/internal/config"
	logx "postbot/pkg/logx"
)

const (
	fetchTimeout = 15 * time.Second
	userAgent    = "Mozilla/5.0 (compatible; postbot/1.0)"

	// listings are over-scanned because some rows miss a headline or link
	scanFactor = 3
)

const (
	KindHTML = "html"
	KindRSS  = "rss"
)

// Item is one entry of a source listing. ID is the canonical URL and is the
// key used by the seen-set.
type Item struct {
	ID    string
	Title string
	URL   string
}

// Provider is the scraping boundary consumed by the pipelines.
type Provider interface {
	ListItems(ctx context.Context, src config.Source) ([]Item, error)
	ListNames(ctx context.Context, src config.Source) ([]string, error)
	FetchContent(ctx context.Context, articleURL string, src config.Source) (string, error)
}

type Client struct {
	http *http.Client
	feed *gofeed.Parser
	log  logx.Logger
	now  func() time.Time
}

func NewClient(log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http: &http.Client{Timeout: fetchTimeout},
		feed: gofeed.NewParser(),
		log:  log,
		now:  time.Now,
	}
}

// ListItems returns the source's current listing, newest first, capped at
// the source limit.
func (c *Client) ListItems(ctx context.Context, src config.Source) ([]Item, error) {
	switch strings.ToLower(strings.TrimSpace(src.Kind)) {
	case KindRSS:
		return c.listFeed(ctx, src)
	case KindHTML, "":
		return c.listHTML(ctx, src)
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

func (c *Client) listFeed(ctx context.Context, src config.Source) ([]Item, error) {
	if strings.TrimSpace(src.URL) == "" {
		return nil, errors.New("source url is empty")
	}
	feed, err := c.feed.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", src.URL, err)
	}

	limit := src.Limit
	if limit <= 0 {
		limit = 5
	}
	items := make([]Item, 0, limit)
	for _, it := range feed.Items {
		link := strings.TrimSpace(it.Link)
		title := strings.TrimSpace(it.Title)
		if link == "" || title == "" {
			continue
		}
		items = append(items, Item{ID: link, Title: title, URL: link})
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (c *Client) listHTML(ctx context.Context, src config.Source) ([]Item, error) {
	doc, err := c.fetchDocument(ctx, c.sourceURL(src))
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}

	limit := src.Limit
	if limit <= 0 {
		limit = 5
	}

	items := make([]Item, 0, limit)
	doc.Find(src.ArticleSelector).EachWithBreak(func(i int, row *goquery.Selection) bool {
		if i >= limit*scanFactor {
			return false
		}
		headline := strings.TrimSpace(row.Find(src.HeadlineSelector).First().Text())
		link := row.Find(src.LinkSelector).First()
		if link.Length() == 0 {
			link = row.Find("a").First()
		}
		href, ok := link.Attr("href")
		if headline == "" || !ok || strings.TrimSpace(href) == "" {
			return true
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref).String()
		items = append(items, Item{ID: abs, Title: headline, URL: abs})
		return len(items) < limit
	})

	c.log.Debug("listing scraped", logx.String("source", src.Name), logx.Int("items", len(items)))
	return items, nil
}

// ListNames returns plain titles from a listing page (holiday sources).
func (c *Client) ListNames(ctx context.Context, src config.Source) ([]string, error) {
	doc, err := c.fetchDocument(ctx, c.sourceURL(src))
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(src.Exclude))
	for _, e := range src.Exclude {
		excluded[e] = struct{}{}
	}

	var names []string
	doc.Find(src.Selector).Each(func(_ int, sel *goquery.Selection) {
		name := strings.TrimSpace(sel.Text())
		if name == "" {
			return
		}
		if _, skip := excluded[name]; skip {
			return
		}
		names = append(names, name)
	})
	if src.Limit > 0 && len(names) > src.Limit {
		names = names[:src.Limit]
	}
	return names, nil
}

// FetchContent reads an article body using the source's content selector.
func (c *Client) FetchContent(ctx context.Context, articleURL string, src config.Source) (string, error) {
	if strings.TrimSpace(src.ContentSelector) == "" {
		return "", errors.New("source has no content selector")
	}
	doc, err := c.fetchDocument(ctx, articleURL)
	if err != nil {
		return "", err
	}

	var parts []string
	doc.Find(src.ContentSelector).Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return "", errors.New("no content matched selector")
	}
	return strings.Join(parts, " "), nil
}

// sourceURL appends the current UTC date to the source URL when the source
// configures a date path layout (e.g. officeholidays uses "2006/01/02").
func (c *Client) sourceURL(src config.Source) string {
	layout := strings.TrimSpace(src.DatePathLayout)
	if layout == "" {
		return src.URL
	}
	suffix := strings.ToLower(c.now().UTC().Format(layout))
	return strings.TrimSuffix(src.URL, "/") + "/" + suffix
}

func (c *Client) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if strings.TrimSpace(pageURL) == "" {
		return nil, errors.New("url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return doc, nil
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Telegram    Telegram          `yaml:"telegram"`
	Logging     Logging           `yaml:"logging"`
	LLM         LLM               `yaml:"llm"`
	Translation Translation       `yaml:"translation"`
	StateDir    string            `yaml:"state_dir"`
	Maintenance Maintenance       `yaml:"maintenance"`
	Modules     map[string]Module `yaml:"modules"`
	// Chats holds per-chat overrides, keyed by the decimal chat id.
	Chats map[string]ChatSettings `yaml:"chats"`
}

type Telegram struct {
	Token        string  `yaml:"token"`
	AdminUserIDs []int64 `yaml:"admin_user_ids"`
	ChatIDs      []int64 `yaml:"chat_ids"`
	// PollTimeout and PostDelay are Go duration strings (e.g. "10s", "1500ms").
	PollTimeout string `yaml:"poll_timeout"`
	PostDelay   string `yaml:"post_delay"`
}

type Logging struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LLM struct {
	Endpoint    string `yaml:"endpoint"`
	ImagesPath  string `yaml:"images_path"`
	APIKey      string `yaml:"api_key"`
	HTTPTimeout string `yaml:"http_timeout"`
}

type Translation struct {
	// Provider is "llm" or "none".
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	PromptTemplate string `yaml:"prompt_template"`
}

type Maintenance struct {
	// PruneSchedule is a cron spec (robfig/cron), e.g. "@daily" or "30 3 * * *".
	PruneSchedule string `yaml:"prune_schedule"`
}

type Module struct {
	// Kind selects the pipeline: "dripfeed", "news", "joke" or "image".
	Kind                 string     `yaml:"kind"`
	Enabled              bool       `yaml:"enabled"`
	DefaultEnabledOnJoin *bool      `yaml:"default_enabled_on_join"`
	Scheduler            Scheduler  `yaml:"scheduler"`
	LLM                  ModuleLLM  `yaml:"llm"`
	Telegram             ModuleSend `yaml:"telegram"`
	Sources              []Source   `yaml:"sources"`
	// HistoryDays bounds the seen-article retention window.
	HistoryDays int   `yaml:"history_days"`
	SeenStore   Store `yaml:"seen_store"`
}

type Scheduler struct {
	// GenerateTimeUTC is the daily HH:MM (UTC) generation trigger (drip-feed).
	GenerateTimeUTC string `yaml:"generate_time_utc"`
	// PostStartTimeUTC/PostEndTimeUTC bound the daily posting window; the end
	// may be before the start, denoting a window crossing midnight.
	PostStartTimeUTC string `yaml:"post_start_time_utc"`
	PostEndTimeUTC   string `yaml:"post_end_time_utc"`
	// PostIntervalMinutes spaces scheduled ticks inside the window (news).
	PostIntervalMinutes int `yaml:"post_interval_minutes"`
}

type ModuleLLM struct {
	TextModel        string `yaml:"text_model"`
	ImageModel       string `yaml:"image_model"`
	TextPrompt       string `yaml:"text_prompt"`
	ImagePrompt      string `yaml:"image_prompt"`
	SummaryPrompt    string `yaml:"summary_prompt"`
	ImagePlaceholder string `yaml:"image_placeholder"`
	ConcurrencyLimit int    `yaml:"concurrency_limit"`
	MaxContentLength int    `yaml:"max_content_length"`
}

type ModuleSend struct {
	CaptionCharacterLimit int `yaml:"caption_character_limit"`
}

type Store struct {
	// Driver is "file" or "sqlite".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type Source struct {
	Name string `yaml:"name"`
	// Kind is "html" (selector scrape) or "rss" (feed).
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// DatePathLayout, when set, appends the current date formatted with this
	// Go layout to the URL (e.g. "2006/01/02" for officeholidays-style pages).
	DatePathLayout string `yaml:"date_path_layout"`

	// Listing selectors (html kind).
	Selector         string   `yaml:"selector"`
	ArticleSelector  string   `yaml:"article_selector"`
	HeadlineSelector string   `yaml:"headline_selector"`
	LinkSelector     string   `yaml:"link_selector"`
	ContentSelector  string   `yaml:"content_selector"`
	Exclude          []string `yaml:"exclude"`

	Limit int `yaml:"limit"`
}

type ChatSettings struct {
	Language string          `yaml:"language"`
	Modules  map[string]bool `yaml:"modules"`
}

// ModuleEnabledForChat resolves the per-chat enablement flag for a module:
// global off wins, then the chat override, then the module's join default.
func (c *Config) ModuleEnabledForChat(module string, chatID int64) bool {
	mc, ok := c.Modules[module]
	if !ok || !mc.Enabled {
		return false
	}
	if cs, ok := c.Chats[chatKey(chatID)]; ok {
		if v, ok := cs.Modules[module]; ok {
			return v
		}
	}
	if mc.DefaultEnabledOnJoin != nil {
		return *mc.DefaultEnabledOnJoin
	}
	return true
}

// ChatLanguage returns the configured language for a chat ("en" by default).
func (c *Config) ChatLanguage(chatID int64) string {
	if cs, ok := c.Chats[chatKey(chatID)]; ok && strings.TrimSpace(cs.Language) != "" {
		return cs.Language
	}
	return "en"
}

func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func chatKey(chatID int64) string { return fmt.Sprintf("%d", chatID) }

// ParseHHMM parses "HH:MM" into hour and minute.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// ParseDurationField parses an optional Go duration string; empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

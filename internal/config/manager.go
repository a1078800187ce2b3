package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	logx "postbot/pkg/logx"
)

// Validator rejects a freshly loaded config before it is published to
// subscribers. A rejected reload keeps the previous snapshot in place.
type Validator func(ctx context.Context, cfg *Config) error

type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	subs     []chan *Config
	validate Validator
	log      logx.Logger
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

func (m *Manager) SetValidator(v Validator) {
	m.mu.Lock()
	m.validate = v
	m.mu.Unlock()
}

func (m *Manager) Load() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()
	return &cfg, nil
}

// Get returns the current immutable snapshot. Callers must not mutate it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(sub chan *Config) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ch := range m.subs {
		if ch == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.mu.RLock()
	subs := append([]chan *Config{}, m.subs...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// drop if slow subscriber
		}
	}
}

// UpdateChats mutates the chat bookkeeping (destination list, per-chat
// settings) and writes the result back to disk. The mutation runs on a deep
// copy of those sections so existing snapshots stay immutable.
func (m *Manager) UpdateChats(mutate func(cfg *Config)) error {
	m.mu.Lock()
	cur := m.cfg
	if cur == nil {
		m.mu.Unlock()
		return os.ErrNotExist
	}
	next := *cur
	next.Telegram.ChatIDs = append([]int64(nil), cur.Telegram.ChatIDs...)
	next.Chats = make(map[string]ChatSettings, len(cur.Chats))
	for k, v := range cur.Chats {
		next.Chats[k] = v
	}
	mutate(&next)
	m.cfg = &next
	m.mu.Unlock()

	if err := m.save(&next); err != nil {
		return err
	}
	m.publish(&next)
	return nil
}

func (m *Manager) save(cfg *Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Watch reloads, validates and publishes the config whenever the file on
// disk changes. Invalid reloads are logged and dropped.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			m.reload(ctx)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if ev.Name == filepath.Join(dir, file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			}
		case <-w.Errors:
			// keep watching
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload read failed", logx.Err(err))
		return
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		m.log.Warn("config reload parse failed; keeping previous config", logx.Err(err))
		return
	}

	m.mu.RLock()
	validate := m.validate
	m.mu.RUnlock()
	if validate != nil {
		if err := validate(ctx, &cfg); err != nil {
			m.log.Warn("config reload rejected; keeping previous config", logx.Err(err))
			return
		}
	}

	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()
	m.publish(&cfg)
}

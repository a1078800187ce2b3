// Package core wires the application together: config, logging, transport,
// the module driver and the command dispatcher.
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/config"
	"postbot/internal/llm"
	"postbot/internal/module"
	"postbot/internal/module/dripfeed"
	"postbot/internal/module/ondemand"
	"postbot/internal/module/roundrobin"
	"postbot/internal/post"
	"postbot/internal/scrape"
	"postbot/internal/storage"
	"postbot/internal/translate"
	"postbot/internal/transport"
	"postbot/internal/transport/telegram"
	logx "postbot/pkg/logx"
)

const defaultPostDelay = 3 * time.Second

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	adapter transport.Adapter
	gen     *llm.Client
	scraper *scrape.Client
	poster  *post.Poster
	driver  *module.Driver
	cmds    *CommandManager
	cron    *cron.Cron

	mu      sync.Mutex
	stores  []storage.SeenStore
	pruners []func(ctx context.Context) (int64, error)
}

// gate resolves send-time chat policy from the live config snapshot, so a
// reload between generation and delivery is honored.
type gate struct{ cfgm *config.Manager }

func (g gate) Enabled(mod string, chatID int64) bool {
	cfg := g.cfgm.Get()
	return cfg != nil && cfg.ModuleEnabledForChat(mod, chatID)
}

func (g gate) Language(chatID int64) string {
	cfg := g.cfgm.Get()
	if cfg == nil {
		return "en"
	}
	return cfg.ChatLanguage(chatID)
}

func NewApp(configPath string) (*App, error) {
	cfgm := config.NewManager(configPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})
	cfgm.SetLogger(log.With(logx.String("component", "config")))
	cfgm.SetValidator(validateModules)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	llmTimeout, err := config.ParseDurationField("llm.http_timeout", cfg.LLM.HTTPTimeout)
	if err != nil {
		return nil, err
	}
	gen := llm.New(llm.Config{
		Endpoint:   cfg.LLM.Endpoint,
		ImagesPath: cfg.LLM.ImagesPath,
		APIKey:     cfg.LLM.APIKey,
		Timeout:    llmTimeout,
	})

	var translator translate.Translator = translate.Noop{}
	if strings.EqualFold(cfg.Translation.Provider, "llm") {
		translator = translate.NewLLM(gen, cfg.Translation.Model, cfg.Translation.PromptTemplate,
			log.With(logx.String("component", "translate")))
	}

	postDelay, err := config.ParseDurationOrDefault("telegram.post_delay", cfg.Telegram.PostDelay, defaultPostDelay)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		adapter: adapter,
		gen:     gen,
		scraper: scrape.NewClient(log.With(logx.String("component", "scrape"))),
		driver:  module.NewDriver(log.With(logx.String("component", "driver"))),
	}
	app.poster = post.New(adapter, translator, gate{cfgm}, postDelay,
		log.With(logx.String("component", "post")))
	app.cmds = NewCommandManager(log.With(logx.String("component", "commands")), adapter, cfgm, app.driver)

	if err := app.rebuildModules(cfg); err != nil {
		return nil, err
	}
	app.setupMaintenance(cfg)
	return app, nil
}

// validateModules rejects config snapshots the module builder could not
// act on, so a bad edit never displaces a working set on reload.
func validateModules(_ context.Context, cfg *config.Config) error {
	for name, mc := range cfg.Modules {
		if !mc.Enabled {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(mc.Kind)) {
		case "dripfeed", "news", "joke", "image":
		default:
			return fmt.Errorf("module %s: unknown kind %q", name, mc.Kind)
		}
	}
	return nil
}

// rebuildModules constructs the module set for a config snapshot and swaps
// it into the driver. Seen stores of the previous set are closed.
func (a *App) rebuildModules(cfg *config.Config) error {
	names := make([]string, 0, len(cfg.Modules))
	for name := range cfg.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mods    []module.Module
		stores  []storage.SeenStore
		pruners []func(ctx context.Context) (int64, error)
	)
	closeAll := func() {
		for _, st := range stores {
			_ = st.Close()
		}
	}

	for _, name := range names {
		mc := cfg.Modules[name]
		if !mc.Enabled {
			continue
		}
		mlog := a.log.With(logx.String("module", name))
		statePath := filepath.Join(cfg.StateDir, name+".json")

		switch strings.ToLower(strings.TrimSpace(mc.Kind)) {
		case "dripfeed":
			mods = append(mods, dripfeed.New(dripfeed.Options{
				Name:      name,
				Config:    mc,
				StatePath: statePath,
				Scraper:   a.scraper,
				Gen:       a.gen,
				Poster:    a.poster,
				Targets:   a.cmds.Targets,
				Log:       mlog,
			}))

		case "news":
			seenCfg := storage.Config{
				Driver: mc.SeenStore.Driver,
				Path:   mc.SeenStore.Path,
			}
			if strings.TrimSpace(seenCfg.Path) == "" {
				seenCfg.Path = filepath.Join(cfg.StateDir, name+".seen.db")
			}
			seen, err := storage.Open(seenCfg, mlog)
			if err != nil {
				closeAll()
				return fmt.Errorf("module %s: open seen store: %w", name, err)
			}
			stores = append(stores, seen)

			news := roundrobin.New(roundrobin.Options{
				Name:      name,
				Config:    mc,
				StatePath: statePath,
				Scraper:   a.scraper,
				Seen:      seen,
				Gen:       a.gen,
				Poster:    a.poster,
				Targets:   a.cmds.Targets,
				Log:       mlog,
			})
			mods = append(mods, news)
			pruners = append(pruners, news.PruneSeen)

		case "joke":
			mods = append(mods, ondemand.NewJoke(ondemand.JokeOptions{
				Name:    name,
				Config:  mc,
				Gen:     a.gen,
				Adapter: a.adapter,
				Poster:  a.poster,
				Targets: a.cmds.Targets,
				Log:     mlog,
			}))

		case "image":
			mods = append(mods, ondemand.NewImage(ondemand.ImageOptions{
				Name:    name,
				Config:  mc,
				Gen:     a.gen,
				Adapter: a.adapter,
				Poster:  a.poster,
				Targets: a.cmds.Targets,
				Log:     mlog,
			}))

		default:
			closeAll()
			return fmt.Errorf("module %s: unknown kind %q", name, mc.Kind)
		}
	}

	var cmds []module.Command
	for _, m := range mods {
		cmds = append(cmds, m.Commands()...)
	}

	a.mu.Lock()
	old := a.stores
	a.stores = stores
	a.pruners = pruners
	a.mu.Unlock()

	a.driver.SetModules(mods)
	a.cmds.SetCommands(cmds)

	// A tick dispatched against the previous set may still hold its seen
	// store; wait for it before closing.
	a.driver.Quiesce()
	for _, st := range old {
		_ = st.Close()
	}

	// Retention is enforced on every load, not only on the daily job.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	a.pruneSeen(ctx)
	cancel()

	a.log.Info("modules built", logx.Int("count", len(mods)))
	return nil
}

func (a *App) pruneSeen(ctx context.Context) {
	a.mu.Lock()
	pruners := append([]func(context.Context) (int64, error)(nil), a.pruners...)
	a.mu.Unlock()

	var total int64
	for _, prune := range pruners {
		n, err := prune(ctx)
		if err != nil {
			a.log.Warn("seen prune failed", logx.Err(err))
			continue
		}
		total += n
	}
	a.log.Info("seen retention pruned", logx.Int64("dropped", total))
}

// setupMaintenance registers the seen-set retention job. The cron spec is
// read once at startup.
func (a *App) setupMaintenance(cfg *config.Config) {
	spec := strings.TrimSpace(cfg.Maintenance.PruneSchedule)
	if spec == "" {
		spec = "@daily"
	}
	a.cron = cron.New()
	_, err := a.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		a.pruneSeen(ctx)
	})
	if err != nil {
		a.log.Error("invalid prune schedule; maintenance disabled",
			logx.String("spec", spec), logx.Err(err))
		a.cron = nil
	}
}

// Run starts everything and blocks until ctx is canceled or a fatal
// component error occurs.
func (a *App) Run(ctx context.Context) error {
	sup := NewSupervisor(ctx,
		WithLogger(a.log.With(logx.String("component", "supervisor"))),
		WithCancelOnError(true),
	)

	updates := make(chan transport.Update, 128)
	if err := a.adapter.Start(sup.Context(), updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	sup.Go("config-watch", a.cfgm.Watch)
	sup.Go("command-dispatch", func(ctx context.Context) error {
		return a.cmds.DispatchLoop(ctx, updates)
	})
	sup.Go("module-driver", a.driver.Run)
	sup.Go0("config-reload", a.reloadLoop)

	if a.cron != nil {
		a.cron.Start()
	}

	a.log.Info("postbot started")
	err := sup.Wait(context.Background())
	a.shutdown()
	return err
}

// reloadLoop applies published config snapshots: logging first, then a
// full module rebuild.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig(cfg.Logging.File),
			})
			if err := a.rebuildModules(cfg); err != nil {
				a.log.Error("module rebuild failed; keeping previous set", logx.Err(err))
				continue
			}
			a.log.Info("config applied")
		}
	}
}

func (a *App) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	_ = a.adapter.Stop(stopCtx)

	a.mu.Lock()
	stores := a.stores
	a.stores = nil
	a.mu.Unlock()
	for _, st := range stores {
		_ = st.Close()
	}

	a.log.Info("postbot stopped")
	_ = a.logs.Close()
}

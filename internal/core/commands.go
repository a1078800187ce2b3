package core

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"postbot/internal/config"
	"postbot/internal/module"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

const commandTimeout = 2 * time.Minute

// CommandManager routes chat commands to handlers through a bounded worker
// pool and keeps the destination chat list in sync with membership updates.
type CommandManager struct {
	mu       sync.RWMutex
	registry map[string]module.Command
	order    []string

	log     logx.Logger
	adapter transport.Adapter
	cfgm    *config.Manager
	driver  *module.Driver

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter transport.Adapter, cfgm *config.Manager, driver *module.Driver) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		registry: map[string]module.Command{},
		log:      log,
		adapter:  adapter,
		cfgm:     cfgm,
		driver:   driver,
		jobs:     make(chan func(), 256),
	}
	m.SetCommands(nil)
	return m
}

// SetCommands replaces the module-provided commands. Built-ins are always
// present and win name collisions.
func (m *CommandManager) SetCommands(cmds []module.Command) {
	reg := map[string]module.Command{}
	var order []string
	add := func(c module.Command) {
		name := strings.TrimSpace(strings.TrimPrefix(c.Name, "/"))
		if name == "" || c.Handler == nil {
			return
		}
		if _, exists := reg[name]; !exists {
			order = append(order, name)
		}
		reg[name] = c
	}
	for _, c := range m.builtins() {
		add(c)
	}
	for _, c := range cmds {
		if _, taken := reg[strings.TrimPrefix(c.Name, "/")]; taken {
			continue
		}
		add(c)
	}
	sort.Strings(order)

	m.mu.Lock()
	m.registry = reg
	m.order = order
	m.mu.Unlock()
}

func (m *CommandManager) builtins() []module.Command {
	return []module.Command{
		{
			Name:        "start",
			Description: "introduce the bot",
			Handler: func(ctx context.Context, msg transport.Message, _ string) error {
				return m.adapter.Reply(ctx, msg,
					"Hi! I post generated content on a schedule. Try /help for the command list.")
			},
		},
		{
			Name:        "help",
			Description: "show the command list",
			Handler:     m.handleHelp,
		},
		{
			Name:        "status",
			Description: "show module schedules and queues",
			AdminOnly:   true,
			Handler:     m.handleStatus,
		},
		{
			Name:        "postnow",
			Description: "run modules against all destination chats",
			AdminOnly:   true,
			Handler:     m.handlePostNow,
		},
		{
			Name:        "posttome",
			Description: "run modules against this chat only",
			AdminOnly:   true,
			Handler:     m.handlePostToMe,
		},
	}
}

func (m *CommandManager) handleHelp(ctx context.Context, msg transport.Message, _ string) error {
	cfg := m.cfgm.Get()
	admin := cfg != nil && cfg.IsAdmin(msg.FromID)

	m.mu.RLock()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range m.order {
		c := m.registry[name]
		if c.AdminOnly && !admin {
			continue
		}
		fmt.Fprintf(&b, "/%s - %s\n", name, c.Description)
	}
	m.mu.RUnlock()
	return m.adapter.Reply(ctx, msg, b.String())
}

func (m *CommandManager) handleStatus(ctx context.Context, msg transport.Message, _ string) error {
	var b strings.Builder
	b.WriteString("Module status:\n")
	for _, mod := range m.driver.Modules() {
		due, ok := mod.NextDueTime()
		next := "no schedule"
		if ok {
			next = due.UTC().Format("2006-01-02 15:04 MST")
		}
		pending := ""
		if mod.HasPendingPosts() {
			pending = ", posts pending"
		}
		fmt.Fprintf(&b, "%s: next %s%s\n", mod.Name(), next, pending)
	}
	return m.adapter.Reply(ctx, msg, b.String())
}

func (m *CommandManager) handlePostNow(ctx context.Context, msg transport.Message, args string) error {
	targets := m.Targets()
	if len(targets) == 0 {
		return m.adapter.Reply(ctx, msg, "no destination chats configured")
	}
	return m.runModules(ctx, msg, args, targets)
}

func (m *CommandManager) handlePostToMe(ctx context.Context, msg transport.Message, args string) error {
	return m.runModules(ctx, msg, args, []transport.ChatTarget{{ChatID: msg.ChatID}})
}

func (m *CommandManager) runModules(ctx context.Context, msg transport.Message, args string, targets []transport.ChatTarget) error {
	name := strings.TrimSpace(args)
	var err error
	if name == "" {
		err = m.driver.RunAll(ctx, targets)
	} else {
		err = m.driver.RunNow(ctx, name, targets)
	}
	if err != nil {
		return m.adapter.Reply(ctx, msg, "run failed: "+err.Error())
	}
	return m.adapter.Reply(ctx, msg, "done")
}

// Targets returns the configured destination chats.
func (m *CommandManager) Targets() []transport.ChatTarget {
	cfg := m.cfgm.Get()
	if cfg == nil {
		return nil
	}
	targets := make([]transport.ChatTarget, 0, len(cfg.Telegram.ChatIDs))
	for _, id := range cfg.Telegram.ChatIDs {
		targets = append(targets, transport.ChatTarget{ChatID: id})
	}
	return targets
}

// DispatchLoop consumes adapter updates until ctx is canceled. Command
// handlers run on a bounded worker pool; membership changes are applied
// inline because they mutate the config.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in command worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}(i)
	}
	defer func() {
		wg.Wait()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case transport.UpdateMessage:
				m.routeMessage(ctx, up)
			case transport.UpdateChatMember:
				m.handleChatMember(ctx, up)
			}
		}
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up transport.Update) {
	if up.Message == nil {
		return
	}
	msg := *up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	word, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	// strip the bot-mention suffix used in groups
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	m.mu.RLock()
	cmd, ok := m.registry[word]
	m.mu.RUnlock()
	if !ok {
		if !msg.IsGroup {
			_ = m.adapter.Reply(ctx, msg, "unknown command. try /help")
		}
		return
	}

	cfg := m.cfgm.Get()
	if cmd.AdminOnly && (cfg == nil || !cfg.IsAdmin(msg.FromID)) {
		_ = m.adapter.Reply(ctx, msg, "unauthorized")
		return
	}

	log := m.log.With(
		logx.String("cmd", word),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID))
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("command handler panicked", logx.Any("panic", r))
			}
		}()
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		started := time.Now()
		err := cmd.Handler(cctx, msg, strings.TrimSpace(args))
		if err != nil {
			log.Error("command failed", logx.Duration("took", time.Since(started)), logx.Err(err))
			return
		}
		log.Info("command handled", logx.Duration("took", time.Since(started)))
	}

	select {
	case m.jobs <- job:
	default:
		_ = m.adapter.Reply(ctx, msg, "busy, try again")
	}
}

// handleChatMember keeps the destination list aligned with where the bot
// actually is: joining a chat enrolls it, being removed drops it.
func (m *CommandManager) handleChatMember(_ context.Context, up transport.Update) {
	ch := up.ChatMember
	if ch == nil {
		return
	}
	err := m.cfgm.UpdateChats(func(cfg *config.Config) {
		key := fmt.Sprintf("%d", ch.ChatID)
		if ch.Joined {
			for _, id := range cfg.Telegram.ChatIDs {
				if id == ch.ChatID {
					return
				}
			}
			cfg.Telegram.ChatIDs = append(cfg.Telegram.ChatIDs, ch.ChatID)
			if _, ok := cfg.Chats[key]; !ok {
				if cfg.Chats == nil {
					cfg.Chats = map[string]config.ChatSettings{}
				}
				cfg.Chats[key] = config.ChatSettings{}
			}
			return
		}
		for i, id := range cfg.Telegram.ChatIDs {
			if id == ch.ChatID {
				cfg.Telegram.ChatIDs = append(cfg.Telegram.ChatIDs[:i], cfg.Telegram.ChatIDs[i+1:]...)
				break
			}
		}
		delete(cfg.Chats, key)
	})
	if err != nil {
		m.log.Error("chat membership update failed",
			logx.Int64("chat_id", ch.ChatID), logx.Err(err))
		return
	}
	m.log.Info("chat membership updated",
		logx.Int64("chat_id", ch.ChatID),
		logx.String("title", ch.Title),
		logx.Bool("joined", ch.Joined))
}

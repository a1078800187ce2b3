// Package ondemand holds the command-driven modules. They expose no
// schedule; all their work starts from a chat command or a manual run.
package ondemand

import (
	"context"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/module"
	"postbot/internal/post"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// TextGenerator is the LLM capability of the joke module.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt, model string) (string, error)
}

const fallbackJoke = "I asked the server for a joke, but it said: 418 I'm a teapot."

type JokeOptions struct {
	Name    string
	Config  config.Module
	Gen     TextGenerator
	Adapter transport.Adapter
	Poster  *post.Poster
	Targets func() []transport.ChatTarget
	Log     logx.Logger
}

type Joke struct {
	name    string
	cfg     config.Module
	gen     TextGenerator
	adapter transport.Adapter
	poster  *post.Poster
	targets func() []transport.ChatTarget
	log     logx.Logger
}

func NewJoke(opts JokeOptions) *Joke {
	j := &Joke{
		name:    opts.Name,
		cfg:     opts.Config,
		gen:     opts.Gen,
		adapter: opts.Adapter,
		poster:  opts.Poster,
		targets: opts.Targets,
		log:     opts.Log,
	}
	if j.log.IsZero() {
		j.log = logx.Nop()
	}
	return j
}

func (j *Joke) Name() string                          { return j.name }
func (j *Joke) NextDueTime() (time.Time, bool)        { return time.Time{}, false }
func (j *Joke) ProcessDueEvent(context.Context) error { return nil }
func (j *Joke) HasPendingPosts() bool                 { return false }

func (j *Joke) Commands() []module.Command {
	return []module.Command{{
		Name:        "joke",
		Description: "tell a fresh joke",
		AdminOnly:   true,
		Handler:     j.handle,
	}}
}

func (j *Joke) handle(ctx context.Context, msg transport.Message, args string) error {
	_ = args
	return j.adapter.Reply(ctx, msg, j.tell(ctx))
}

// RunNow posts one joke to the given targets.
func (j *Joke) RunNow(ctx context.Context, targets []transport.ChatTarget) error {
	joke := j.tell(ctx)
	j.poster.Send(ctx, j.name, targets, post.Message{
		Parts:        []string{joke},
		CaptionLimit: j.cfg.Telegram.CaptionCharacterLimit,
	})
	return nil
}

func (j *Joke) tell(ctx context.Context) string {
	joke, err := j.gen.GenerateText(ctx, j.cfg.LLM.TextPrompt, j.cfg.LLM.TextModel)
	if err != nil || strings.TrimSpace(joke) == "" {
		j.log.Warn("joke generation failed; using fallback", logx.Err(err))
		return fallbackJoke
	}
	return joke
}

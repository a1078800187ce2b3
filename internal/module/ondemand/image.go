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

// ImageGenerator is the LLM capability of the image module.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, model string) (string, error)
}

const imageTimeout = 3 * time.Minute

type ImageOptions struct {
	Name    string
	Config  config.Module
	Gen     ImageGenerator
	Adapter transport.Adapter
	Poster  *post.Poster
	Targets func() []transport.ChatTarget
	Log     logx.Logger
}

type Image struct {
	name    string
	cfg     config.Module
	gen     ImageGenerator
	adapter transport.Adapter
	poster  *post.Poster
	targets func() []transport.ChatTarget
	log     logx.Logger
}

func NewImage(opts ImageOptions) *Image {
	m := &Image{
		name:    opts.Name,
		cfg:     opts.Config,
		gen:     opts.Gen,
		adapter: opts.Adapter,
		poster:  opts.Poster,
		targets: opts.Targets,
		log:     opts.Log,
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	return m
}

func (m *Image) Name() string                          { return m.name }
func (m *Image) NextDueTime() (time.Time, bool)        { return time.Time{}, false }
func (m *Image) ProcessDueEvent(context.Context) error { return nil }
func (m *Image) HasPendingPosts() bool                 { return false }

func (m *Image) Commands() []module.Command {
	return []module.Command{{
		Name:        "img",
		Description: "generate an image from a prompt",
		AdminOnly:   true,
		Handler:     m.handle,
	}}
}

// handle acknowledges right away and ships the image when it is ready, so
// a slow image model does not stall the command loop.
func (m *Image) handle(ctx context.Context, msg transport.Message, args string) error {
	prompt := strings.TrimSpace(args)
	if prompt == "" {
		prompt = m.cfg.LLM.ImagePrompt
	}
	if prompt == "" {
		return m.adapter.Reply(ctx, msg, "Usage: /img <prompt>")
	}
	if err := m.adapter.Reply(ctx, msg, "Generating image, hold on..."); err != nil {
		return err
	}

	go func() {
		gctx, cancel := context.WithTimeout(context.Background(), imageTimeout)
		defer cancel()

		url, err := m.gen.GenerateImage(gctx, prompt, m.cfg.LLM.ImageModel)
		target := transport.ChatTarget{ChatID: msg.ChatID}
		if err != nil {
			m.log.Error("image generation failed", logx.Err(err))
			_, _ = m.adapter.SendText(gctx, target, "Image generation failed, try again later.", nil)
			return
		}
		if _, err := m.adapter.SendPhoto(gctx, target, url, "", nil); err != nil {
			m.log.Error("image send failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		}
	}()
	return nil
}

// RunNow generates one image with the configured prompt and posts it.
func (m *Image) RunNow(ctx context.Context, targets []transport.ChatTarget) error {
	prompt := m.cfg.LLM.ImagePrompt
	if strings.TrimSpace(prompt) == "" {
		return nil
	}
	url, err := m.gen.GenerateImage(ctx, prompt, m.cfg.LLM.ImageModel)
	if err != nil {
		return err
	}
	m.poster.Send(ctx, m.name, targets, post.Message{
		ImageURL:     url,
		CaptionLimit: m.cfg.Telegram.CaptionCharacterLimit,
	})
	return nil
}

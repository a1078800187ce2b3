// Package post fans a composed message out to every enabled destination
// chat, localizing once per language group along the way.
package post

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/translate"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Gate resolves per-chat policy at send time so a config reload between
// generation and posting is honored.
type Gate interface {
	Enabled(module string, chatID int64) bool
	Language(chatID int64) string
}

// Message is a localizable outbound post. Parts are the translatable
// fragments; Render stitches the (possibly translated) parts back into the
// final text. A nil Render joins the parts with newlines.
type Message struct {
	Parts     []string
	Render    func(parts []string) string
	ImageURL  string
	ParseMode string
	// CaptionLimit truncates the final text; 0 means no limit.
	CaptionLimit int
}

func (m Message) render(parts []string) string {
	if m.Render != nil {
		return m.Render(parts)
	}
	return strings.Join(parts, "\n")
}

type Poster struct {
	adapter    transport.Adapter
	translator translate.Translator
	gate       Gate
	limiter    *rate.Limiter
	log        logx.Logger
}

// New builds a Poster. delay spaces consecutive sends to stay under the
// platform's flood limits; zero disables pacing.
func New(adapter transport.Adapter, translator translate.Translator, gate Gate, delay time.Duration, log logx.Logger) *Poster {
	var limiter *rate.Limiter
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	if translator == nil {
		translator = translate.Noop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poster{
		adapter:    adapter,
		translator: translator,
		gate:       gate,
		limiter:    limiter,
		log:        log,
	}
}

// Send delivers msg to every target chat where module is enabled. The
// message is translated at most once per distinct chat language; English
// chats receive the original. Per-destination failures are logged and do
// not stop the fan-out. The number of successful deliveries is returned.
func (p *Poster) Send(ctx context.Context, module string, targets []transport.ChatTarget, msg Message) int {
	// Group destinations by language so each language is translated once.
	groups := make(map[string][]transport.ChatTarget)
	var order []string
	for _, t := range targets {
		if p.gate != nil && !p.gate.Enabled(module, t.ChatID) {
			continue
		}
		lang := "en"
		if p.gate != nil {
			lang = strings.ToLower(strings.TrimSpace(p.gate.Language(t.ChatID)))
			if lang == "" {
				lang = "en"
			}
		}
		if translate.IsEnglish(lang) {
			lang = "en"
		}
		if _, ok := groups[lang]; !ok {
			order = append(order, lang)
		}
		groups[lang] = append(groups[lang], t)
	}

	sent := 0
	for _, lang := range order {
		parts := msg.Parts
		if !translate.IsEnglish(lang) {
			parts = p.translator.TranslateBatch(ctx, parts, lang)
		}
		text := msg.render(parts)
		if msg.CaptionLimit > 0 {
			text = TruncRunes(text, msg.CaptionLimit)
		}
		for _, t := range groups[lang] {
			if err := p.deliver(ctx, t, text, msg); err != nil {
				p.log.Error("post delivery failed",
					logx.String("module", module),
					logx.Int64("chat_id", t.ChatID),
					logx.Err(err))
				continue
			}
			sent++
		}
	}
	return sent
}

func (p *Poster) deliver(ctx context.Context, to transport.ChatTarget, text string, msg Message) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	opt := &transport.SendOptions{ParseMode: msg.ParseMode}
	if strings.TrimSpace(msg.ImageURL) != "" {
		_, err := p.adapter.SendPhoto(ctx, to, msg.ImageURL, text, opt)
		if err == nil {
			return nil
		}
		p.log.Warn("photo send failed; falling back to text",
			logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
	_, err := p.adapter.SendText(ctx, to, text, opt)
	return err
}

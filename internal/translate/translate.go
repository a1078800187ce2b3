// Package translate localizes outbound captions. English targets are
// passed through untouched; failures fall back to the source text so a
// translation outage never blocks a post.
package translate

import (
	"context"
	"strings"

	logx "postbot/pkg/logx"
)

type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
	// TranslateBatch translates each text; on per-item failure the original
	// text is kept in place. The returned slice always has len(texts).
	TranslateBatch(ctx context.Context, texts []string, targetLang string) []string
}

// IsEnglish reports whether targetLang needs no translation.
func IsEnglish(lang string) bool {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "en", "en-us", "en-gb":
		return true
	}
	return false
}

// Noop passes every text through unchanged.
type Noop struct{}

func (Noop) Translate(_ context.Context, text, _ string) (string, error) { return text, nil }

func (Noop) TranslateBatch(_ context.Context, texts []string, _ string) []string {
	return texts
}

// TextGenerator is the LLM capability the translator needs.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt, model string) (string, error)
}

const defaultPromptTemplate = "Translate the following text to {target_lang}. " +
	"Return only the translated text, without any additional comments or explanations:\n\n---\n\n{text}"

// LLMTranslator prompts a chat model for translations.
type LLMTranslator struct {
	gen            TextGenerator
	model          string
	promptTemplate string
	log            logx.Logger
}

func NewLLM(gen TextGenerator, model, promptTemplate string, log logx.Logger) *LLMTranslator {
	if strings.TrimSpace(promptTemplate) == "" {
		promptTemplate = defaultPromptTemplate
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LLMTranslator{gen: gen, model: model, promptTemplate: promptTemplate, log: log}
}

func (t *LLMTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if text == "" || IsEnglish(targetLang) {
		return text, nil
	}
	prompt := strings.NewReplacer(
		"{target_lang}", targetLang,
		"{text}", text,
	).Replace(t.promptTemplate)
	return t.gen.GenerateText(ctx, prompt, t.model)
}

func (t *LLMTranslator) TranslateBatch(ctx context.Context, texts []string, targetLang string) []string {
	if len(texts) == 0 || IsEnglish(targetLang) {
		return texts
	}
	out := make([]string, len(texts))
	for i, text := range texts {
		translated, err := t.Translate(ctx, text, targetLang)
		if err != nil {
			t.log.Warn("translation failed; keeping original text",
				logx.String("lang", targetLang), logx.Err(err))
			out[i] = text
			continue
		}
		out[i] = translated
	}
	return out
}

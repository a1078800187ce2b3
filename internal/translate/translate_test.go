package translate

import (
	"context"
	"errors"
	"testing"

	logx "postbot/pkg/logx"
)

func TestIsEnglish(t *testing.T) {
	for _, lang := range []string{"", "en", "EN", "en-US", " en-gb "} {
		if !IsEnglish(lang) {
			t.Errorf("IsEnglish(%q) = false", lang)
		}
	}
	for _, lang := range []string{"de", "uk", "english-ish"} {
		if IsEnglish(lang) {
			t.Errorf("IsEnglish(%q) = true", lang)
		}
	}
}

type scriptedGen struct {
	fail map[string]bool
}

func (g scriptedGen) GenerateText(_ context.Context, prompt, _ string) (string, error) {
	if g.fail[prompt] {
		return "", errors.New("model unavailable")
	}
	return "T:" + prompt, nil
}

func TestLLMTranslatorSkipsEnglish(t *testing.T) {
	tr := NewLLM(scriptedGen{}, "m", "{target_lang}|{text}", logx.Nop())
	got, err := tr.Translate(context.Background(), "hello", "en")
	if err != nil || got != "hello" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestLLMTranslatorFillsTemplate(t *testing.T) {
	tr := NewLLM(scriptedGen{}, "m", "{target_lang}|{text}", logx.Nop())
	got, err := tr.Translate(context.Background(), "hello", "de")
	if err != nil {
		t.Fatal(err)
	}
	if got != "T:de|hello" {
		t.Fatalf("got %q", got)
	}
}

func TestTranslateBatchKeepsOriginalOnFailure(t *testing.T) {
	gen := scriptedGen{fail: map[string]bool{"de|bad": true}}
	tr := NewLLM(gen, "m", "{target_lang}|{text}", logx.Nop())

	got := tr.TranslateBatch(context.Background(), []string{"good", "bad"}, "de")
	if len(got) != 2 {
		t.Fatalf("len %d, want 2", len(got))
	}
	if got[0] != "T:de|good" {
		t.Fatalf("translated item: %q", got[0])
	}
	if got[1] != "bad" {
		t.Fatalf("failed item should keep original, got %q", got[1])
	}
}

func TestNoopPassesThrough(t *testing.T) {
	got := Noop{}.TranslateBatch(context.Background(), []string{"a", "b"}, "de")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

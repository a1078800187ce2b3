package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func chatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateText(t *testing.T) {
	srv := chatServer(t, "a fine caption", http.StatusOK)
	c := New(Config{Endpoint: srv.URL, APIKey: "test-key"})

	got, err := c.GenerateText(context.Background(), "prompt", "model-x")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "a fine caption" {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateTextStripsThinkBlock(t *testing.T) {
	srv := chatServer(t, "<think>internal musing</think>\nthe answer", http.StatusOK)
	c := New(Config{Endpoint: srv.URL, APIKey: "test-key"})

	got, err := c.GenerateText(context.Background(), "prompt", "model-x")
	if err != nil {
		t.Fatal(err)
	}
	if got != "the answer" {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateTextBadStatus(t *testing.T) {
	srv := chatServer(t, "x", http.StatusTooManyRequests)
	c := New(Config{Endpoint: srv.URL, APIKey: "test-key"})
	if _, err := c.GenerateText(context.Background(), "prompt", "model-x"); err == nil {
		t.Fatalf("expected error on 429")
	}
}

func TestGenerateTextEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	t.Cleanup(srv.Close)
	c := New(Config{Endpoint: srv.URL})
	if _, err := c.GenerateText(context.Background(), "prompt", "model-x"); err == nil {
		t.Fatalf("expected error on empty choices")
	}
}

func TestGenerateImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req imageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat != "url" {
			t.Errorf("response_format %q", req.ResponseFormat)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"url": "https://img.example/out.png"}},
		})
	}))
	t.Cleanup(srv.Close)

	c := New(Config{ImagesPath: srv.URL})
	got, err := c.GenerateImage(context.Background(), "a cat", "img-model")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "https://img.example/out.png" {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateImageRejectsNonHTTPURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"url": "data:image/png;base64,xxxx"}},
		})
	}))
	t.Cleanup(srv.Close)

	c := New(Config{ImagesPath: srv.URL})
	if _, err := c.GenerateImage(context.Background(), "a cat", "img-model"); err == nil {
		t.Fatalf("expected error for non-http url")
	}
}

// Package llm talks to an OpenAI-compatible API for text and image generation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	defaultEndpoint   = "https://api.openai.com/v1/chat/completions"
	defaultImagesPath = "https://api.openai.com/v1/images/generations"
	defaultTimeout    = 60 * time.Second
)

// thinkRe matches <think>...</think> blocks some reasoning models prepend.
var thinkRe = regexp.MustCompile(`(?s)<[Tt]hink>.*?</[Tt]hink>`)

type Config struct {
	Endpoint   string
	ImagesPath string
	APIKey     string
	Timeout    time.Duration
}

type Client struct {
	endpoint   string
	imagesPath string
	apiKey     string
	client     *http.Client
}

func New(cfg Config) *Client {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	imagesPath := strings.TrimSpace(cfg.ImagesPath)
	if imagesPath == "" {
		imagesPath = defaultImagesPath
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint:   endpoint,
		imagesPath: imagesPath,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateText runs a single-turn chat completion and returns the content
// with any model "thinking" block stripped.
func (c *Client) GenerateText(ctx context.Context, prompt, model string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var out chatResponse
	if err := c.post(ctx, c.endpoint, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty choices in response")
	}

	content := strings.TrimSpace(thinkRe.ReplaceAllString(out.Choices[0].Message.Content, ""))
	if content == "" {
		return "", errors.New("empty completion content")
	}
	return content, nil
}

// GenerateImage returns a URL for a generated image.
func (c *Client) GenerateImage(ctx context.Context, prompt, model string) (string, error) {
	body, err := json.Marshal(imageRequest{
		Model:          model,
		Prompt:         prompt,
		ResponseFormat: "url",
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var out imageResponse
	if err := c.post(ctx, c.imagesPath, body, &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", errors.New("empty data in response")
	}
	url := out.Data[0].URL
	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("image generation returned invalid url %q", url)
	}
	return url, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

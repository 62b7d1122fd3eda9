package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// chatCompletions speaks the OpenAI chat-completions dialect, which the
// OpenAI API, a LiteLLM proxy and Ollama all accept.
type chatCompletions struct {
	name    string
	baseURL string
	apiKey  string
	opts    Options
	usage   usage
}

func newChatCompletions(name, baseURL, apiKey string, o Options) Provider {
	return &chatCompletions{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		opts:    o,
		usage:   newUsage(name, name, o),
	}
}

func (c *chatCompletions) Name() string { return c.name }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *chatCompletions) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	start := time.Now()
	text, in, out, err := c.do(ctx, model, messages)
	c.usage.record(model, start, in, out, err)
	return text, err
}

func (c *chatCompletions) do(ctx context.Context, model string, messages []Message) (string, int, int, error) {
	fail := func(status int, err error) (string, int, int, error) {
		return "", 0, 0, &ProviderError{Provider: c.name, Model: model, Status: status, Err: err}
	}
	m, timeout := params(c.opts, c.name, model)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   m.MaxTokens,
		Temperature: m.Temperature,
	})
	if err != nil {
		return fail(0, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, fmt.Errorf("%s", truncate(body, 300)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decoding response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return fail(resp.StatusCode, fmt.Errorf("response has no choices"))
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

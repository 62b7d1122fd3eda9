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

type claude struct {
	baseURL string
	apiKey  string
	opts    Options
	usage   usage
}

func newClaude(o Options) Provider {
	return &claude{
		baseURL: strings.TrimRight(o.ClaudeBaseURL, "/"),
		apiKey:  o.ClaudeKey,
		opts:    o,
		usage:   newUsage("claude", "anthropic", o),
	}
}

func (c *claude) Name() string { return "claude" }

func (c *claude) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	start := time.Now()
	text, in, out, err := c.do(ctx, model, messages)
	c.usage.record(model, start, in, out, err)
	return text, err
}

func (c *claude) do(ctx context.Context, model string, messages []Message) (string, int, int, error) {
	fail := func(status int, err error) (string, int, int, error) {
		return "", 0, 0, &ProviderError{Provider: "claude", Model: model, Status: status, Err: err}
	}
	m, timeout := params(c.opts, "anthropic", model)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxTokens := m.MaxTokens
	if maxTokens == 0 {
		maxTokens = 512
	}
	// System and developer turns go in the top-level system field.
	var system []string
	turns := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system", "developer":
			system = append(system, msg.Content)
		default:
			turns = append(turns, map[string]any{"role": msg.Role, "content": msg.Content})
		}
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   turns,
	}
	if len(system) > 0 {
		body["system"] = strings.Join(system, "\n\n")
	}
	data, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("reading response: %w", err))
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error *struct{ Message string } `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fail(resp.StatusCode, fmt.Errorf("%s", truncate(raw, 300)))
		}
		return fail(resp.StatusCode, fmt.Errorf("decode: %w", err))
	}
	if result.Error != nil {
		return fail(resp.StatusCode, fmt.Errorf("API error: %s", result.Error.Message))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, fmt.Errorf("%s", truncate(raw, 300)))
	}
	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return fail(resp.StatusCode, fmt.Errorf("empty response"))
	}
	return text.String(), result.Usage.InputTokens, result.Usage.OutputTokens, nil
}

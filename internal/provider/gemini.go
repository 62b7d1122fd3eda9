package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// gemini uses the official client. It is created on first use so a missing
// key only fails the requests that need it.
type gemini struct {
	opts  Options
	usage usage

	once sync.Once
	cli  *genai.Client
	err  error
}

func newGemini(o Options) Provider {
	return &gemini{opts: o, usage: newUsage("gemini", "gemini", o)}
}

func (g *gemini) Name() string { return "gemini" }

func (g *gemini) client(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		if g.opts.GeminiKey == "" {
			g.err = fmt.Errorf("GEMINI_API_KEY is not set")
			return
		}
		cfg := &genai.ClientConfig{
			APIKey:     g.opts.GeminiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: g.opts.HTTPClient,
		}
		if g.opts.GeminiBaseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.opts.GeminiBaseURL}
		}
		g.cli, g.err = genai.NewClient(ctx, cfg)
	})
	return g.cli, g.err
}

func (g *gemini) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	start := time.Now()
	text, in, out, err := g.do(ctx, model, messages)
	g.usage.record(model, start, in, out, err)
	return text, err
}

func (g *gemini) do(ctx context.Context, model string, messages []Message) (string, int, int, error) {
	fail := func(err error) (string, int, int, error) {
		return "", 0, 0, &ProviderError{Provider: "gemini", Model: model, Err: err}
	}
	cli, err := g.client(ctx)
	if err != nil {
		return fail(err)
	}
	m, timeout := params(g.opts, "gemini", model)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	gc := &genai.GenerateContentConfig{}
	if m.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(m.MaxTokens)
	}
	if m.Temperature > 0 {
		t := float32(m.Temperature)
		gc.Temperature = &t
	}
	var system []string
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "system", "developer":
			system = append(system, msg.Content)
		case "assistant":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: msg.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		}
	}
	if len(system) > 0 {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}

	resp, err := cli.Models.GenerateContent(ctx, model, contents, gc)
	if err != nil {
		return fail(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return fail(fmt.Errorf("response has no candidates"))
	}
	var in, out int
	if resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return resp.Text(), in, out, nil
}

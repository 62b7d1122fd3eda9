// Package provider executes prompt/completion round-trips against model
// backends. Backends are resolved by name from a fixed registry.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/spice/internal/config"
	"github.com/signalnine/spice/internal/metrics"
	"github.com/signalnine/spice/internal/pricing"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider sends one conversation to a model and returns the reply text.
// Implementations are safe for concurrent use.
type Provider interface {
	Name() string
	Chat(ctx context.Context, model string, messages []Message) (string, error)
}

// Request sends a single user prompt.
func Request(ctx context.Context, p Provider, prompt, model string) (string, error) {
	return p.Chat(ctx, model, []Message{{Role: "user", Content: prompt}})
}

// ProviderError is a transport failure, a non-2xx answer or a reply whose
// shape could not be read.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s model %q: HTTP %d: %v", e.Provider, e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("%s model %q: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

type Options struct {
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Models     *pricing.Table
	HTTPClient *http.Client
	// Timeout applies when the model table has no timeout for a model.
	Timeout time.Duration

	OpenAIBaseURL  string
	OpenAIKey      string
	LiteLLMBaseURL string
	LiteLLMKey     string
	ClaudeBaseURL  string
	ClaudeKey      string
	GeminiBaseURL  string
	GeminiKey      string
	LocalHost      string
}

// OptionsFromEnv fills credentials and endpoints from the usual variables.
func OptionsFromEnv(cfg *config.Config) Options {
	liteLLM := cfg.Proxy.BaseURL
	if liteLLM == "" {
		liteLLM = config.EnvDefault("LITELLM_BASE_URL", "http://localhost:4000")
	}
	return Options{
		Timeout:        time.Duration(cfg.Providers.TimeoutS) * time.Second,
		OpenAIBaseURL:  firstNonEmpty(cfg.Providers.OpenAIBaseURL, os.Getenv("OPENAI_BASE_URL"), "https://api.openai.com/v1"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		LiteLLMBaseURL: liteLLM,
		LiteLLMKey:     os.Getenv("LITELLM_API_KEY"),
		ClaudeBaseURL:  firstNonEmpty(cfg.Providers.ClaudeBaseURL, os.Getenv("ANTHROPIC_BASE_URL"), "https://api.anthropic.com"),
		ClaudeKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:      firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")),
		LocalHost:      firstNonEmpty(cfg.Providers.LocalHost, os.Getenv("LOCAL_MODEL_HOST"), "localhost"),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var registry = map[string]func(Options) Provider{
	"openai": func(o Options) Provider {
		return newChatCompletions("openai", o.OpenAIBaseURL, o.OpenAIKey, o)
	},
	"litellm": func(o Options) Provider {
		return newChatCompletions("litellm", o.LiteLLMBaseURL, o.LiteLLMKey, o)
	},
	"local": func(o Options) Provider {
		return newChatCompletions("local", fmt.Sprintf("http://%s:11434/v1", o.LocalHost), "ollama", o)
	},
	"claude": newClaude,
	"gemini": newGemini,
}

// Names lists the registered providers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is registered.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// New builds the named provider. Unknown names are configuration errors.
func New(name string, opts Options) (Provider, error) {
	build, ok := registry[name]
	if !ok {
		return nil, config.Unknown("model provider", name, Names())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Models == nil {
		opts.Models = pricing.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	return build(opts), nil
}

// usage reports one round-trip to the logger and metrics.
type usage struct {
	provider string
	section  string // model table key for prices
	logger   *zap.Logger
	metrics  *metrics.Metrics
	models   *pricing.Table
}

func newUsage(name, section string, o Options) usage {
	return usage{provider: name, section: section, logger: o.Logger, metrics: o.Metrics, models: o.Models}
}

func (u usage) record(model string, start time.Time, in, out int, err error) {
	latency := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}
	u.metrics.ObserveRequest(u.provider, status, latency, in, out)
	if err != nil {
		u.logger.Warn("model request failed",
			zap.String("provider", u.provider),
			zap.String("model", model),
			zap.Duration("latency", latency),
			zap.Error(err))
		return
	}
	u.logger.Info("model request",
		zap.String("provider", u.provider),
		zap.String("model", model),
		zap.Int("tokens_in", in),
		zap.Int("tokens_out", out),
		zap.Float64("cost_usd", u.models.Cost(u.section, model, in, out)),
		zap.Duration("latency", latency))
}

// params returns the model table entry with the caller's fallbacks applied.
func params(o Options, provider, model string) (pricing.Model, time.Duration) {
	m, _ := o.Models.Lookup(provider, model)
	timeout := o.Timeout
	if m.TimeoutS > 0 {
		timeout = time.Duration(m.TimeoutS) * time.Second
	}
	return m, timeout
}

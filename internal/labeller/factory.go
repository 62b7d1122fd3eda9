package labeller

import (
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/spice/internal/assistant"
	"github.com/signalnine/spice/internal/config"
	"github.com/signalnine/spice/internal/metrics"
	"github.com/signalnine/spice/internal/pipeline"
	"github.com/signalnine/spice/internal/pricing"
	"github.com/signalnine/spice/internal/provider"
)

// Model defaults, overridable through the environment.
const (
	DefaultModel     = "deepseek/deepseek-reasoner"
	DefaultProvider  = "litellm"
	DefaultThreshold = 0.8
)

var allowedParams = map[string][]string{
	Issue:      {"model", "provider", "strategy"},
	Test:       {"provider", "strong_model", "weak_model"},
	Difficulty: {"provider", "strong_model", "weak_model"},
}

// Deps are the collaborators labellers are built from.
type Deps struct {
	// Loggers holds one logger per capability; Logger is the fallback.
	Loggers   map[string]*zap.Logger
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Providers provider.Options
	Prompts   *pipeline.PromptStore
	Backend   assistant.Backend
	Models    *pricing.Table
	Assistant config.Assistant
	// MaxRetries bounds pipeline request attempts.
	MaxRetries int
	Now        func() time.Time
}

func (d Deps) logger(capability string) *zap.Logger {
	if l, ok := d.Loggers[capability]; ok && l != nil {
		return l
	}
	if d.Logger != nil {
		return d.Logger.With(zap.String("capability", capability))
	}
	return zap.NewNop()
}

// Factory resolves labeller names once and hands out fresh labellers bound
// to an Environment. Everything it shares between labellers is safe for
// concurrent use.
type Factory struct {
	deps   Deps
	specs  map[string]config.Labeller
	issue  pipeline.Strategy
	assist map[string]*assisted
}

// NewFactory validates names and parameters and fills parameter defaults.
// Any problem is a *config.ConfigurationError.
func NewFactory(specs config.Labellers, deps Deps) (*Factory, error) {
	if deps.Prompts == nil {
		deps.Prompts = pipeline.NewPromptStore("")
	}
	if deps.Models == nil {
		deps.Models = pricing.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Assistant.Threshold <= 0 {
		deps.Assistant.Threshold = DefaultThreshold
	}
	if deps.Backend == nil {
		deps.Backend = &assistant.CLI{
			Command: deps.Assistant.Command,
			Args:    deps.Assistant.Args,
			Timeout: time.Duration(deps.Assistant.TimeoutS) * time.Second,
			Logger:  deps.Logger,
		}
	}
	f := &Factory{
		deps:   deps,
		specs:  make(map[string]config.Labeller),
		assist: make(map[string]*assisted),
	}
	for _, c := range []struct {
		capability string
		spec       config.Labeller
	}{
		{Issue, specs.Issue},
		{Test, specs.Test},
		{Difficulty, specs.Difficulty},
	} {
		if err := f.resolve(c.capability, c.spec); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Factory) resolve(capability string, spec config.Labeller) error {
	name := spec.Name
	if name == "" {
		name = config.LabellerDefault
	}
	params := maps.Clone(spec.Params)
	if params == nil {
		params = map[string]string{}
	}
	switch name {
	case config.LabellerStub:
		f.specs[capability] = config.Labeller{Name: name, Params: params}
		return nil
	case config.LabellerDefault:
	default:
		return config.Unknown(capability+" labeller", name, config.LabellerNames)
	}
	for k := range params {
		if !slices.Contains(allowedParams[capability], k) {
			return config.Invalid("unknown %s labeller param %q (allowed: %s)", capability, k, strings.Join(allowedParams[capability], ", "))
		}
	}
	setDefault(params, "provider", DefaultProvider)
	switch capability {
	case Issue:
		setDefault(params, "strategy", pipeline.Naive)
		setDefault(params, "model", config.EnvDefault("SPICE_MODEL_ISSUE", DefaultModel))
	case Test:
		setDefault(params, "strong_model", config.EnvDefault("SPICE_MODEL_STRONG", DefaultModel))
		setDefault(params, "weak_model", config.EnvDefault("SPICE_MODEL_WEAK", DefaultModel))
	case Difficulty:
		setDefault(params, "strong_model", config.EnvDefault("SPICE_MODEL_DIFFICULTY_STRONG", config.LabellerStub))
		setDefault(params, "weak_model", config.EnvDefault("SPICE_MODEL_DIFFICULTY_WEAK", config.LabellerStub))
	}
	f.specs[capability] = config.Labeller{Name: name, Params: params}

	logger := f.deps.logger(capability)
	if capability == Issue {
		p, err := f.provider(params["provider"], logger)
		if err != nil {
			return err
		}
		strategy, err := pipeline.NewStrategy(params["strategy"], pipeline.Deps{
			Requester: &pipeline.Requester{
				Provider:   p,
				Model:      params["model"],
				MaxRetries: f.deps.MaxRetries,
				Logger:     logger,
			},
			Prompts: f.deps.Prompts,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		f.issue = strategy
		return nil
	}

	providerName := params["provider"]
	if strings.HasPrefix(params["weak_model"], "ollama/") {
		providerName = "local"
	}
	p, err := f.provider(providerName, logger)
	if err != nil {
		return err
	}
	task := TestTask
	if capability == Difficulty {
		task = DifficultyTask
	}
	window := f.deps.Assistant.ContextWindow
	if m, ok := f.deps.Models.Lookup(params["provider"], params["strong_model"]); ok && m.ContextWindow > 0 {
		window = m.ContextWindow
	}
	f.assist[capability] = &assisted{
		task:      task,
		binarize:  capability == Test,
		strong:    params["strong_model"],
		weak:      params["weak_model"],
		extractor: p,
		backend:   f.deps.Backend,
		prompts:   f.deps.Prompts,
		window:    window,
		threshold: f.deps.Assistant.Threshold,
		now:       f.deps.Now,
	}
	return nil
}

func (f *Factory) provider(name string, logger *zap.Logger) (provider.Provider, error) {
	opts := f.deps.Providers
	opts.Logger = logger
	opts.Metrics = f.deps.Metrics
	opts.Models = f.deps.Models
	return provider.New(name, opts)
}

// Name and Params report the resolved labeller for capability.
func (f *Factory) Name(capability string) string { return f.specs[capability].Name }

func (f *Factory) Params(capability string) map[string]string {
	return maps.Clone(f.specs[capability].Params)
}

func (f *Factory) boundary(capability string, env Environment) boundary {
	return boundary{
		capability: capability,
		env:        env,
		logger:     f.deps.logger(capability),
		metrics:    f.deps.Metrics,
	}
}

// Issue returns a fresh issue labeller bound to env.
func (f *Factory) Issue(env Environment) IssueLabeller {
	b := f.boundary(Issue, env)
	if f.specs[Issue].Name == config.LabellerStub {
		return stubIssue{b: b}
	}
	return &pipelineIssue{b: b, strategy: f.issue}
}

// Test returns a fresh test labeller bound to env.
func (f *Factory) Test(env Environment) TestLabeller {
	return f.assisted(Test, env)
}

// Difficulty returns a fresh difficulty labeller bound to env.
func (f *Factory) Difficulty(env Environment) DifficultyLabeller {
	return f.assisted(Difficulty, env)
}

type assistedLabeller interface {
	TestLabeller
	DifficultyLabeller
}

func (f *Factory) assisted(capability string, env Environment) assistedLabeller {
	b := f.boundary(capability, env)
	if f.specs[capability].Name == config.LabellerStub {
		return stubLabel{b: b}
	}
	a := *f.assist[capability]
	a.b = b
	return &a
}

func setDefault(m map[string]string, k, v string) {
	if _, ok := m[k]; !ok {
		m[k] = v
	}
}

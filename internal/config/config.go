package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config is given. It may be absent.
const DefaultPath = "spice.yaml"

// Labeller names accepted for every capability.
const (
	LabellerDefault = "default"
	LabellerStub    = "stub"
)

var LabellerNames = []string{LabellerDefault, LabellerStub}

type Config struct {
	Experiment Experiment `yaml:"experiment"`
	Labellers  Labellers  `yaml:"labellers"`
	Run        Run        `yaml:"run"`
	Workspace  Workspace  `yaml:"workspace"`
	Proxy      Proxy      `yaml:"proxy"`
	Providers  Providers  `yaml:"providers"`
	Assistant  Assistant  `yaml:"assistant"`
	Prompts    Prompts    `yaml:"prompts"`
	Secrets    Secrets    `yaml:"secrets"`
	Results    Results    `yaml:"results"`
	Logs       Logs       `yaml:"logs"`
	Metrics    Metrics    `yaml:"metrics"`
	// Pricing is an optional model table merged over the built-in one.
	Pricing string `yaml:"pricing"`
}

type Experiment struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description"`
	Dataset       string   `yaml:"dataset"`
	SkipInstances []string `yaml:"skip_instances"`
	Repetitions   int      `yaml:"repetitions"`
}

type Labeller struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params"`
}

type Labellers struct {
	Issue      Labeller `yaml:"issue"`
	Test       Labeller `yaml:"test"`
	Difficulty Labeller `yaml:"difficulty"`
}

type Run struct {
	Parallel   bool `yaml:"parallel"`
	MaxWorkers int  `yaml:"max_workers"`
	MaxRetries int  `yaml:"max_retries"`
}

type Workspace struct {
	Dir  string `yaml:"dir"`
	Host string `yaml:"host"`
	// Mirror, when set, is a directory holding <owner>/<name>.git clones
	// used instead of the remote host.
	Mirror string `yaml:"mirror"`
}

type Proxy struct {
	// Gateway "litellm" starts a local proxy; empty uses BaseURL.
	Gateway    string `yaml:"gateway"`
	BaseURL    string `yaml:"base_url"`
	ConfigFile string `yaml:"config_file"`
	LogDir     string `yaml:"log_dir"`
}

type Providers struct {
	OpenAIBaseURL string `yaml:"openai_base_url"`
	ClaudeBaseURL string `yaml:"claude_base_url"`
	LocalHost     string `yaml:"local_host"`
	TimeoutS      int    `yaml:"timeout_s"`
}

type Assistant struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Threshold float64  `yaml:"threshold"`
	// ContextWindow is used when the model table has no entry.
	ContextWindow int `yaml:"context_window"`
	TimeoutS      int `yaml:"timeout_s"`
}

type Prompts struct {
	Dir string `yaml:"dir"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Logs struct {
	Dir   string `yaml:"dir"`
	Debug bool   `yaml:"debug"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// ConfigurationError is a fatal startup problem: an unknown labeller,
// provider or strategy name, or an unusable setting.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Msg }

// Unknown reports a name that is not in the registry for what.
func Unknown(what, name string, known []string) error {
	sorted := append([]string(nil), known...)
	sort.Strings(sorted)
	return &ConfigurationError{Msg: fmt.Sprintf("unknown %s %q (available: %s)", what, name, strings.Join(sorted, ", "))}
}

func Invalid(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Experiment: Experiment{Repetitions: 3},
		Labellers: Labellers{
			Issue:      Labeller{Name: LabellerDefault},
			Test:       Labeller{Name: LabellerDefault},
			Difficulty: Labeller{Name: LabellerDefault},
		},
		Run:       Run{MaxWorkers: 30, MaxRetries: 3},
		Workspace: Workspace{Dir: "workspace", Host: "github.com"},
		Providers: Providers{LocalHost: EnvDefault("LOCAL_MODEL_HOST", "localhost"), TimeoutS: 120},
		Assistant: Assistant{Command: "aider", Threshold: 0.8, ContextWindow: 65536, TimeoutS: 1800},
		Results:   Results{Dir: "results"},
		Logs:      Logs{Dir: "logs"},
	}
}

// Load reads path over the defaults. ${VAR} and ${VAR:-default} references
// are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ExpandEnv replaces ${VAR} and ${VAR:-default}. Unset variables without a
// default expand to "".
func ExpandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDef := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && (v != "" || !hasDef) {
			return v
		}
		return def
	})
}

// LoadSecrets loads a dotenv file into the process environment. Variables
// that are already set win. An empty path loads ./.env when present.
func LoadSecrets(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading secrets %s: %w", path, err)
	}
	return nil
}

func EnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ParseParams turns repeated key=value flags into a map.
func ParseParams(items []string) (map[string]string, error) {
	params := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, Invalid("invalid param format %q, want key=value", item)
		}
		params[strings.TrimSpace(k)] = v
	}
	return params, nil
}

// Validate checks a configuration assembled outside Load, e.g. after flag
// overrides.
func Validate(cfg *Config) error {
	return validate(cfg)
}

func validate(cfg *Config) error {
	for capability, l := range map[string]*Labeller{
		"issue":      &cfg.Labellers.Issue,
		"test":       &cfg.Labellers.Test,
		"difficulty": &cfg.Labellers.Difficulty,
	} {
		if l.Name == "" {
			l.Name = LabellerDefault
		}
		if l.Name != LabellerDefault && l.Name != LabellerStub {
			return Unknown(capability+" labeller", l.Name, LabellerNames)
		}
		if l.Params == nil {
			l.Params = map[string]string{}
		}
	}
	if cfg.Experiment.Repetitions < 1 {
		return Invalid("repetitions must be at least 1")
	}
	if cfg.Run.MaxWorkers < 1 {
		return Invalid("max_workers must be at least 1")
	}
	if cfg.Run.MaxRetries < 1 {
		cfg.Run.MaxRetries = 3
	}
	if cfg.Assistant.Threshold <= 0 || cfg.Assistant.Threshold > 1 {
		return Invalid("assistant threshold must be in (0, 1], got %v", cfg.Assistant.Threshold)
	}
	switch cfg.Proxy.Gateway {
	case "", "litellm":
	default:
		return Unknown("gateway", cfg.Proxy.Gateway, []string{"litellm"})
	}
	if cfg.Workspace.Host == "" {
		cfg.Workspace.Host = "github.com"
	}
	if cfg.Proxy.LogDir == "" {
		cfg.Proxy.LogDir = cfg.Logs.Dir
	}
	return nil
}

// RequireExperiment checks the fields a run cannot start without.
func (c *Config) RequireExperiment() error {
	if c.Experiment.ID == "" {
		return Invalid("experiment id is required")
	}
	if strings.ContainsAny(c.Experiment.ID, `/\`) || strings.HasPrefix(c.Experiment.ID, ".") {
		return Invalid("experiment id %q must be a plain name", c.Experiment.ID)
	}
	if c.Experiment.Dataset == "" {
		return Invalid("dataset path is required")
	}
	if _, err := os.Stat(c.Experiment.Dataset); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	return nil
}

package config_test

import (
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/signalnine/spice/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spice.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, `experiment:
  id: exp1
  dataset: data/verified.parquet
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Experiment.ID != "exp1" {
		t.Errorf("ID = %q", cfg.Experiment.ID)
	}
	if cfg.Experiment.Repetitions != 3 || cfg.Run.MaxWorkers != 30 || cfg.Run.MaxRetries != 3 {
		t.Errorf("defaults: repetitions=%d workers=%d retries=%d",
			cfg.Experiment.Repetitions, cfg.Run.MaxWorkers, cfg.Run.MaxRetries)
	}
	if cfg.Labellers.Issue.Name != "default" || cfg.Labellers.Test.Params == nil {
		t.Errorf("labellers = %+v", cfg.Labellers)
	}
	if cfg.Workspace.Host != "github.com" {
		t.Errorf("Host = %q", cfg.Workspace.Host)
	}
	if cfg.Assistant.Threshold != 0.8 {
		t.Errorf("Threshold = %v", cfg.Assistant.Threshold)
	}
	if cfg.Proxy.LogDir != "logs" {
		t.Errorf("Proxy.LogDir = %q", cfg.Proxy.LogDir)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `experiment:
  id: verified-deepseek
  description: baseline run
  dataset: data/verified.parquet
  skip_instances: [django__django-10097]
  repetitions: 5
labellers:
  issue:
    name: default
    params:
      strategy: actor_critique_judge
      provider: claude
  test:
    name: stub
  difficulty:
    name: default
    params:
      strong_model: deepseek/deepseek-reasoner
run:
  parallel: true
  max_workers: 8
proxy:
  gateway: litellm
  config_file: litellm.yaml
assistant:
  command: /usr/local/bin/aider
  threshold: 0.6
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Equal(cfg.Experiment.SkipInstances, []string{"django__django-10097"}) {
		t.Errorf("SkipInstances = %v", cfg.Experiment.SkipInstances)
	}
	if cfg.Experiment.Repetitions != 5 {
		t.Errorf("Repetitions = %d", cfg.Experiment.Repetitions)
	}
	if cfg.Labellers.Issue.Params["strategy"] != "actor_critique_judge" || cfg.Labellers.Test.Name != "stub" {
		t.Errorf("labellers = %+v", cfg.Labellers)
	}
	if !cfg.Run.Parallel || cfg.Run.MaxWorkers != 8 {
		t.Errorf("run = %+v", cfg.Run)
	}
	if cfg.Proxy.Gateway != "litellm" || cfg.Assistant.Threshold != 0.6 {
		t.Errorf("gateway=%q threshold=%v", cfg.Proxy.Gateway, cfg.Assistant.Threshold)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SPICE_TEST_DATASET", "/data/x.parquet")
	path := writeConfig(t, `experiment:
  id: ${SPICE_TEST_ID:-fallback-id}
  dataset: ${SPICE_TEST_DATASET}
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Experiment.ID != "fallback-id" || cfg.Experiment.Dataset != "/data/x.parquet" {
		t.Errorf("experiment = %+v", cfg.Experiment)
	}
}

func TestLoadUnknownLabeller(t *testing.T) {
	path := writeConfig(t, `labellers:
  difficulty:
    name: oracle
`)
	_, err := config.Load(path)
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !strings.Contains(err.Error(), `"oracle"`) || !strings.Contains(err.Error(), "default, stub") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"repetitions": "experiment:\n  repetitions: -1\n",
		"workers":     "run:\n  max_workers: 0\n",
		"threshold":   "assistant:\n  threshold: 1.5\n",
		"gateway":     "proxy:\n  gateway: envoy\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := config.Load("nonexistent.yaml"); err == nil {
		t.Error("expected error for a missing explicit config")
	}

	cfg, err := config.LoadOptional(filepath.Join(t.TempDir(), "spice.yaml"))
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg.Experiment.Repetitions != 3 {
		t.Errorf("Repetitions = %d, want default 3", cfg.Experiment.Repetitions)
	}
}

func TestLoadInvalid(t *testing.T) {
	if _, err := config.Load(writeConfig(t, "experiment: [unclosed")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestParseParams(t *testing.T) {
	params, err := config.ParseParams([]string{"strategy=naive", "model=openrouter/x=y"})
	if err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	if want := map[string]string{"strategy": "naive", "model": "openrouter/x=y"}; !maps.Equal(params, want) {
		t.Errorf("params = %v, want %v", params, want)
	}

	_, err = config.ParseParams([]string{"novalue"})
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}

func TestLoadSecretsDoesNotOverride(t *testing.T) {
	t.Setenv("SPICE_TEST_KEY", "from-env")
	envFile := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(envFile, []byte("SPICE_TEST_KEY=from-file\nSPICE_TEST_OTHER='quoted'\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SPICE_TEST_OTHER") })

	if err := config.LoadSecrets(envFile); err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if got := os.Getenv("SPICE_TEST_KEY"); got != "from-env" {
		t.Errorf("SPICE_TEST_KEY = %q, want from-env", got)
	}
	if got := os.Getenv("SPICE_TEST_OTHER"); got != "quoted" {
		t.Errorf("SPICE_TEST_OTHER = %q, want quoted", got)
	}

	if err := config.LoadSecrets(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for a missing env file")
	}
}

func TestRequireExperiment(t *testing.T) {
	cfg := config.Default()
	if err := cfg.RequireExperiment(); err == nil {
		t.Error("expected error without id and dataset")
	}

	dataset := filepath.Join(t.TempDir(), "d.jsonl")
	if err := os.WriteFile(dataset, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Experiment.ID = "exp1"
	cfg.Experiment.Dataset = dataset
	if err := cfg.RequireExperiment(); err != nil {
		t.Errorf("RequireExperiment: %v", err)
	}

	cfg.Experiment.ID = "../escape"
	if err := cfg.RequireExperiment(); err == nil {
		t.Error("expected error for an id escaping the result dir")
	}
}

// Package pricing holds per-model request parameters and token prices.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultTable []byte

// Model describes one model as seen by a provider. Prices are per 1K tokens.
type Model struct {
	Input         float64 `yaml:"input"`
	Output        float64 `yaml:"output"`
	ContextWindow int     `yaml:"context_window"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TimeoutS      int     `yaml:"timeout_s"`
}

// Table maps provider -> model -> parameters.
type Table struct {
	Providers map[string]map[string]Model
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	return parse(data)
}

// Default returns the built-in table.
func Default() *Table {
	t, err := parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("built-in pricing table: %v", err))
	}
	return t
}

func parse(data []byte) (*Table, error) {
	var providers map[string]map[string]Model
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Providers: providers}, nil
}

// Merge overlays entries from other onto t.
func (t *Table) Merge(other *Table) {
	if other == nil {
		return
	}
	if t.Providers == nil {
		t.Providers = make(map[string]map[string]Model)
	}
	for provider, models := range other.Providers {
		if t.Providers[provider] == nil {
			t.Providers[provider] = make(map[string]Model)
		}
		for name, m := range models {
			t.Providers[provider][name] = m
		}
	}
}

// Lookup finds a model under provider. Routed names like
// "deepseek/deepseek-reasoner" also match the "deepseek" section.
func (t *Table) Lookup(provider, model string) (Model, bool) {
	if t == nil || t.Providers == nil {
		return Model{}, false
	}
	if m, ok := t.Providers[provider][model]; ok {
		return m, true
	}
	if vendor, name, ok := strings.Cut(model, "/"); ok {
		if m, ok := t.Providers[vendor][name]; ok {
			return m, true
		}
	}
	return Model{}, false
}

// Cost calculates total cost for a request. Prices are per 1K tokens.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1000.0)*p.Input + (float64(outputTokens)/1000.0)*p.Output
}

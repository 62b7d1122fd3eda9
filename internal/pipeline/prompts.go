package pipeline

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"text/template"
)

//go:embed prompts
var embedded embed.FS

// PromptStore renders prompt templates laid out as
// <task>/<strategy>/<stage>.tmpl. Templates in an override directory take
// precedence over the built-in ones.
type PromptStore struct {
	layers []fs.FS

	mu    sync.Mutex
	cache map[string]*template.Template
}

func builtin() fs.FS {
	sub, err := fs.Sub(embedded, "prompts")
	if err != nil {
		panic(err)
	}
	return sub
}

// NewPromptStore returns a store reading dir first (when non-empty) and the
// built-in prompts second.
func NewPromptStore(dir string) *PromptStore {
	var layers []fs.FS
	if dir != "" {
		layers = append(layers, os.DirFS(dir))
	}
	layers = append(layers, builtin())
	return &PromptStore{layers: layers, cache: make(map[string]*template.Template)}
}

func (s *PromptStore) load(name string) (*template.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cache[name]; ok {
		return t, nil
	}
	for _, layer := range s.layers {
		data, err := fs.ReadFile(layer, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading prompt %s: %w", name, err)
		}
		t, err := template.New(name).Option("missingkey=error").Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parsing prompt %s: %w", name, err)
		}
		s.cache[name] = t
		return t, nil
	}
	return nil, fmt.Errorf("prompt not found: %s", name)
}

// Render fills the template for task/strategy/stage with data.
func (s *PromptStore) Render(task, strategy, stage string, data map[string]any) (string, error) {
	t, err := s.load(path.Join(task, strategy, stage+".tmpl"))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering prompt %s/%s/%s: %w", task, strategy, stage, err)
	}
	return b.String(), nil
}

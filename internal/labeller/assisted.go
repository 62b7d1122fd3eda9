package labeller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/spice/internal/assistant"
	"github.com/signalnine/spice/internal/config"
	"github.com/signalnine/spice/internal/extract"
	"github.com/signalnine/spice/internal/gitops"
	"github.com/signalnine/spice/internal/pipeline"
	"github.com/signalnine/spice/internal/provider"
)

// Prompt layout of the assistant-backed capabilities.
const (
	TestTask       = "test_labeller"
	DifficultyTask = "difficulty_labeller"
	assistantStrat = "assistant"
)

// assisted asks a strong model inside a coding-assistant session, then has
// a weak model pull the ordinal out of the free-text answer.
type assisted struct {
	b        boundary
	task     string
	binarize bool

	strong    string
	weak      string
	extractor provider.Provider
	backend   assistant.Backend
	prompts   *pipeline.PromptStore
	window    int
	threshold float64
	now       func() time.Time
}

func (a *assisted) LabelTest(ctx context.Context, title, body, patch, testPatch string) Label {
	lab, _ := a.b.run(func() (Label, error) { return a.label(ctx, title, body, patch, testPatch) })
	return lab
}

func (a *assisted) LabelDifficulty(ctx context.Context, title, body, patch, testPatch string) Label {
	lab, _ := a.b.run(func() (Label, error) { return a.label(ctx, title, body, patch, testPatch) })
	return lab
}

func (a *assisted) instruction(title, body, patch, testPatch string) (string, error) {
	data := map[string]any{
		"issue_title": title,
		"issue_body":  body,
		"patch":       patch,
		"test_patch":  testPatch,
	}
	var parts []string
	for _, stage := range []string{"general_context", "task_template", "warning"} {
		p, err := a.prompts.Render(a.task, assistantStrat, stage, data)
		if err != nil {
			return "", err
		}
		parts = append(parts, strings.TrimSpace(p))
	}
	return strings.Join(parts, "\n\n"), nil
}

func (a *assisted) label(ctx context.Context, title, body, patch, testPatch string) (Label, error) {
	if a.strong == "" || a.strong == config.LabellerStub {
		return Label{}, errors.New("no strong model configured")
	}
	instruction, err := a.instruction(title, body, patch, testPatch)
	if err != nil {
		return Label{}, err
	}
	session := assistant.NewSession(assistant.SessionOpts{
		Backend:     a.backend,
		Model:       a.strong,
		RepoDir:     a.b.env.RepoPath,
		HistoryFile: assistant.HistoryFileName(a.b.env.LogDir, a.b.env.InstanceID, a.now()),
		Logger:      a.b.logger.With(zap.String("instance_id", a.b.env.InstanceID)),
	})
	files, err := session.AddContextFiles(ctx, patch, testPatch, instruction, a.window, a.threshold)
	if err != nil {
		return Label{}, err
	}
	a.b.logger.Debug("context files added", zap.String("instance_id", a.b.env.InstanceID), zap.Strings("files", files))

	reply, err := session.Run(ctx, "/ask "+instruction)
	if err != nil {
		return Label{}, err
	}
	// Ask mode should leave the tree alone; the next checkout discards
	// anything it did not.
	if changes, err := gitops.CaptureChanges(ctx, a.b.env.RepoPath); err == nil && len(changes) > 0 {
		a.b.logger.Debug("assistant left changes in checkout",
			zap.String("instance_id", a.b.env.InstanceID),
			zap.ByteString("changes", changes))
	}
	n, err := a.extractScore(ctx, reply)
	if err != nil {
		return Label{}, err
	}
	score := &n
	if a.binarize {
		score = extract.Binarize(n)
	}
	return Label{Score: score, Rationale: reply}, nil
}

// extractScore asks the weak model for the ordinal. A reply without one is
// retried exactly once; provider failures are not retried.
func (a *assisted) extractScore(ctx context.Context, reply string) (int, error) {
	if a.weak == "" || a.weak == config.LabellerStub {
		return 0, errors.New("no weak model configured")
	}
	system, err := a.prompts.Render(a.task, assistantStrat, "extract_score", map[string]any{})
	if err != nil {
		return 0, err
	}
	messages := []provider.Message{
		{Role: "developer", Content: strings.TrimSpace(system)},
		{Role: "user", Content: reply},
	}
	var parseErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := a.extractor.Chat(ctx, weakModelName(a.weak), messages)
		if err != nil {
			return 0, fmt.Errorf("extracting score: %w", err)
		}
		n, err := extract.ParseOrdinal(strings.TrimSpace(raw))
		if err == nil {
			return n, nil
		}
		parseErr = err
		a.b.logger.Warn("score extraction failed",
			zap.String("instance_id", a.b.env.InstanceID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return 0, parseErr
}

// weakModelName drops the ollama/ routing prefix, which only selects the
// local provider.
func weakModelName(model string) string {
	return strings.TrimPrefix(model, "ollama/")
}

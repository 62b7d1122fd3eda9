package labeller_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"maps"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/signalnine/spice/internal/assistant"
	"github.com/signalnine/spice/internal/config"
	"github.com/signalnine/spice/internal/labeller"
	"github.com/signalnine/spice/internal/metrics"
	"github.com/signalnine/spice/internal/provider"
)

// chatServer answers chat-completions requests with replies in order,
// repeating the last one.
func chatServer(t *testing.T, replies ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(n.Add(1)) - 1
		if i >= len(replies) {
			i = len(replies) - 1
		}
		if replies[i] == "" {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": replies[i]}}},
		})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

type cannedBackend struct {
	reply string
	panic bool
	turns []assistant.Turn
}

func (c *cannedBackend) Send(_ context.Context, turn assistant.Turn) (string, error) {
	if c.panic {
		panic("boom")
	}
	c.turns = append(c.turns, turn)
	return c.reply, nil
}

func env(t *testing.T) labeller.Environment {
	return labeller.Environment{InstanceID: "proj__proj-1", RepoPath: t.TempDir(), LogDir: t.TempDir()}
}

func defaults() config.Labellers {
	return config.Labellers{
		Issue:      config.Labeller{Name: "default"},
		Test:       config.Labeller{Name: "default", Params: map[string]string{"strong_model": "strong", "weak_model": "weak"}},
		Difficulty: config.Labeller{Name: "default", Params: map[string]string{"strong_model": "strong", "weak_model": "weak"}},
	}
}

func newFactory(t *testing.T, specs config.Labellers, deps labeller.Deps) *labeller.Factory {
	t.Helper()
	f, err := labeller.NewFactory(specs, deps)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return f
}

func score(t *testing.T, s *int) int {
	t.Helper()
	if s == nil {
		t.Fatal("score is null")
	}
	return *s
}

func TestStubLabellers(t *testing.T) {
	f := newFactory(t, config.Labellers{
		Issue:      config.Labeller{Name: "stub"},
		Test:       config.Labeller{Name: "stub"},
		Difficulty: config.Labeller{Name: "stub"},
	}, labeller.Deps{})
	e := env(t)
	ctx := context.Background()

	issue := f.Issue(e).LabelIssue(ctx, "t", "b")
	if score(t, issue.Score) != -1 || issue.Rationale != "Stub Labeller" || issue.HasSolution != false {
		t.Errorf("issue = %+v", issue)
	}

	test := f.Test(e).LabelTest(ctx, "t", "b", "", "")
	if score(t, test.Score) != -1 || test.Rationale != "Stub Labeller" {
		t.Errorf("test = %+v", test)
	}

	diff := f.Difficulty(e).LabelDifficulty(ctx, "t", "b", "", "")
	if score(t, diff.Score) != -1 {
		t.Errorf("difficulty = %+v", diff)
	}
	if name := f.Name(labeller.Difficulty); name != "stub" {
		t.Errorf("Name = %s", name)
	}
}

func TestFactoryConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		specs config.Labellers
		want  string
	}{
		{"unknown labeller", config.Labellers{Issue: config.Labeller{Name: "fancy"}}, `unknown issue labeller "fancy"`},
		{"unknown provider", config.Labellers{Issue: config.Labeller{Name: "default", Params: map[string]string{"provider": "bedrock"}}}, `unknown model provider "bedrock"`},
		{"unknown strategy", config.Labellers{Issue: config.Labeller{Name: "default", Params: map[string]string{"strategy": "debate"}}}, `unknown pipeline strategy "debate"`},
		{"unknown param", config.Labellers{Test: config.Labeller{Name: "default", Params: map[string]string{"temperature": "0"}}}, `unknown test labeller param "temperature"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := labeller.NewFactory(tt.specs, labeller.Deps{})
			var ce *config.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestFactoryDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("SPICE_MODEL_ISSUE", "openai/gpt-4o-mini")
	t.Setenv("SPICE_MODEL_DIFFICULTY_STRONG", "")
	f := newFactory(t, config.Labellers{}, labeller.Deps{})
	want := map[string]string{
		"strategy": "naive",
		"model":    "openai/gpt-4o-mini",
		"provider": "litellm",
	}
	if got := f.Params(labeller.Issue); !maps.Equal(got, want) {
		t.Errorf("issue params = %v, want %v", got, want)
	}
	if got := f.Params(labeller.Difficulty)["strong_model"]; got != "stub" {
		t.Errorf("difficulty strong_model = %q, want stub", got)
	}
	if got := f.Params(labeller.Test)["weak_model"]; got != "deepseek/deepseek-reasoner" {
		t.Errorf("test weak_model = %q", got)
	}
}

func TestPipelineIssueLabeller(t *testing.T) {
	srv, _ := chatServer(t, `<think>score 3?</think>{"explanation": "clear enough", "score": 1, "candidate_solution": "return early"}`)
	f := newFactory(t, defaults(), labeller.Deps{
		Providers: provider.Options{LiteLLMBaseURL: srv.URL},
	})
	got := f.Issue(env(t)).LabelIssue(context.Background(), "Crash on empty input", "Steps to reproduce...")
	if score(t, got.Score) != 0 {
		t.Errorf("Score = %d, want 0", *got.Score)
	}
	if got.Rationale != "clear enough" || got.HasSolution != "return early" {
		t.Errorf("label = %+v", got)
	}
}

func TestPipelineIssueLabellerNullFallback(t *testing.T) {
	srv, n := chatServer(t, "")
	f := newFactory(t, defaults(), labeller.Deps{
		Providers:  provider.Options{LiteLLMBaseURL: srv.URL},
		MaxRetries: 3,
	})
	got := f.Issue(env(t)).LabelIssue(context.Background(), "t", "b")
	if got.Score != nil || got.Rationale != "" || got.HasSolution != nil {
		t.Errorf("exhausted retries should yield the null judgement, got %+v", got)
	}
	if n.Load() != 3 {
		t.Errorf("requests = %d, want 3", n.Load())
	}
}

func TestAssistedLabellers(t *testing.T) {
	srv, _ := chatServer(t, "3")
	backend := &cannedBackend{reply: "The tests only check one spelling of the fix.\nScore: 3"}
	f := newFactory(t, defaults(), labeller.Deps{
		Providers: provider.Options{LiteLLMBaseURL: srv.URL},
		Backend:   backend,
		Now:       func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	e := env(t)
	ctx := context.Background()

	test := f.Test(e).LabelTest(ctx, "Crash on empty input", "body", "", "")
	if score(t, test.Score) != 1 {
		t.Errorf("test score = %d, want binarized 1", *test.Score)
	}
	if test.Rationale != backend.reply {
		t.Errorf("test rationale = %q", test.Rationale)
	}

	diff := f.Difficulty(e).LabelDifficulty(ctx, "Crash on empty input", "body", "", "")
	if score(t, diff.Score) != 3 {
		t.Errorf("difficulty score = %d, want the ordinal 3", *diff.Score)
	}

	if len(backend.turns) != 2 {
		t.Fatalf("expected 2 assistant turns, got %d", len(backend.turns))
	}
	turn := backend.turns[0]
	if turn.Model != "strong" || turn.ChatMode != assistant.ModeAsk || turn.RepoDir != e.RepoPath {
		t.Errorf("turn = %+v", turn)
	}
	for _, want := range []string{"Crash on empty input", "Do not edit any files"} {
		if !strings.Contains(turn.Message, want) {
			t.Errorf("instruction missing %q", want)
		}
	}
	wantHistory := filepath.Join(e.LogDir, "proj__proj-1-aider-chat-history-2025-01-02_03-04-05.000.md")
	if turn.HistoryFile != wantHistory {
		t.Errorf("history file = %s, want %s", turn.HistoryFile, wantHistory)
	}
	if _, err := os.Stat(turn.HistoryFile); err != nil {
		t.Errorf("history file not written: %v", err)
	}
}

func TestScoreExtractionRetriesOnce(t *testing.T) {
	srv, n := chatServer(t, "I cannot tell.", "2")
	f := newFactory(t, defaults(), labeller.Deps{
		Providers: provider.Options{LiteLLMBaseURL: srv.URL},
		Backend:   &cannedBackend{reply: "medium"},
	})
	got := f.Difficulty(env(t)).LabelDifficulty(context.Background(), "t", "b", "", "")
	if score(t, got.Score) != 2 {
		t.Errorf("Score = %d, want 2", *got.Score)
	}
	if n.Load() != 2 {
		t.Errorf("extraction requests = %d, want 2", n.Load())
	}
}

func TestScoreExtractionGivesUpAfterOneRetry(t *testing.T) {
	srv, n := chatServer(t, "no idea", "still no idea", "1")
	core, logs := observer.New(zap.InfoLevel)
	reg := prometheus.NewRegistry()
	f := newFactory(t, defaults(), labeller.Deps{
		Providers: provider.Options{LiteLLMBaseURL: srv.URL},
		Backend:   &cannedBackend{reply: "hard to say"},
		Logger:    zap.New(core),
		Metrics:   metrics.MustNewMetrics(reg),
	})
	got := f.Difficulty(env(t)).LabelDifficulty(context.Background(), "t", "b", "", "")
	if score(t, got.Score) != -1 {
		t.Errorf("Score = %d, want -1", *got.Score)
	}
	if !strings.HasPrefix(got.Rationale, "difficulty error: ") {
		t.Errorf("Rationale = %q", got.Rationale)
	}
	if n.Load() != 2 {
		t.Errorf("extraction requests = %d, want 2", n.Load())
	}

	failed := logs.FilterMessage("labelling failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure log, got %d", len(failed))
	}
	if id := failed[0].ContextMap()["instance_id"]; id != "proj__proj-1" {
		t.Errorf("failure logged for %v", id)
	}

	count, err := testutil.GatherAndCount(reg, "spice_labeller_results_total")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("result series = %d, want 1", count)
	}
}

func TestBoundaryContainsFailures(t *testing.T) {
	srv, _ := chatServer(t, "")
	ctx := context.Background()

	f := newFactory(t, defaults(), labeller.Deps{
		Providers: provider.Options{LiteLLMBaseURL: srv.URL},
		Backend:   &cannedBackend{panic: true},
	})
	got := f.Test(env(t)).LabelTest(ctx, "t", "b", "", "")
	if score(t, got.Score) != -1 || got.Rationale != "test error: panic: boom" {
		t.Errorf("panic = %+v", got)
	}

	f = newFactory(t, defaults(), labeller.Deps{
		Providers: provider.Options{LiteLLMBaseURL: srv.URL},
		Backend:   &cannedBackend{reply: "fine"},
	})
	got = f.Test(env(t)).LabelTest(ctx, "t", "b", "", "")
	if score(t, got.Score) != -1 || !strings.Contains(got.Rationale, "test error: extracting score") {
		t.Errorf("provider failure = %+v", got)
	}
}

func TestDifficultyWithoutStrongModel(t *testing.T) {
	t.Setenv("SPICE_MODEL_DIFFICULTY_STRONG", "")
	f := newFactory(t, config.Labellers{Issue: config.Labeller{Name: "stub"}, Test: config.Labeller{Name: "stub"}}, labeller.Deps{
		Backend: &cannedBackend{reply: "x"},
	})
	got := f.Difficulty(env(t)).LabelDifficulty(context.Background(), "t", "b", "", "")
	if score(t, got.Score) != -1 || got.Rationale != "difficulty error: no strong model configured" {
		t.Errorf("label = %+v", got)
	}
}

func TestLabellerError(t *testing.T) {
	inner := errors.New("boom")
	err := &labeller.LabellerError{Capability: "issue", InstanceID: "x", Err: inner}
	if err.Error() != "issue error: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("LabellerError should unwrap to its cause")
	}
}

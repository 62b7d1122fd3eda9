// Package pipeline turns an issue into a structured judgement through one or
// more model round-trips.
package pipeline

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/signalnine/spice/internal/config"
	"github.com/signalnine/spice/internal/extract"
)

// IssueTask is the prompt directory of the issue capability.
const IssueTask = "issue_labeller"

// Strategy names.
const (
	Naive              = "naive"
	ActorCritiqueJudge = "actor_critique_judge"
)

// Issue is the sanitized-on-use input of a pipeline run.
type Issue struct {
	InstanceID string
	Title      string
	Body       string
}

// Judgement is the final answer of a pipeline run. Score is the binarized
// RawScore, nil when the raw value was not recognised.
type Judgement struct {
	Explanation       string
	RawScore          any
	Score             *int
	CandidateSolution any

	// Set by multi-stage strategies only.
	Actor    map[string]any
	Critique map[string]any
}

// Strategy produces a judgement for one issue. Errors are template
// problems; model failures degrade to a judgement with nil fields.
type Strategy interface {
	Name() string
	Run(ctx context.Context, issue Issue) (Judgement, error)
}

// Deps are shared by every strategy.
type Deps struct {
	Requester *Requester
	Prompts   *PromptStore
	Logger    *zap.Logger
}

var strategies = map[string]func(Deps) Strategy{
	Naive:              func(d Deps) Strategy { return &singleStage{deps: d} },
	ActorCritiqueJudge: func(d Deps) Strategy { return &actorCritiqueJudge{deps: d} },
}

// Strategies lists the registered strategy names.
func Strategies() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStrategy resolves name. Unknown names are configuration errors.
func NewStrategy(name string, d Deps) (Strategy, error) {
	build, ok := strategies[name]
	if !ok {
		return nil, config.Unknown("pipeline strategy", name, Strategies())
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Prompts == nil {
		d.Prompts = NewPromptStore("")
	}
	return build(d), nil
}

func issueData(issue Issue) map[string]any {
	return map[string]any{
		"title":       Sanitize(issue.Title),
		"description": Sanitize(issue.Body),
	}
}

type singleStage struct {
	deps Deps
}

func (s *singleStage) Name() string { return Naive }

func (s *singleStage) Run(ctx context.Context, issue Issue) (Judgement, error) {
	prompt, err := s.deps.Prompts.Render(IssueTask, Naive, Naive, issueData(issue))
	if err != nil {
		return Judgement{}, err
	}
	obj := s.deps.Requester.Request(ctx, prompt, "explanation", "score", "candidate_solution")
	return Judgement{
		Explanation:       extract.String(obj["explanation"]),
		RawScore:          obj["score"],
		Score:             extract.Binarize(obj["score"]),
		CandidateSolution: obj["candidate_solution"],
	}, nil
}

type actorCritiqueJudge struct {
	deps Deps
}

func (a *actorCritiqueJudge) Name() string { return ActorCritiqueJudge }

func (a *actorCritiqueJudge) stage(ctx context.Context, name string, data map[string]any, keys ...string) (map[string]any, error) {
	prompt, err := a.deps.Prompts.Render(IssueTask, ActorCritiqueJudge, name, data)
	if err != nil {
		return nil, err
	}
	a.deps.Logger.Debug("pipeline stage", zap.String("stage", name))
	return a.deps.Requester.Request(ctx, prompt, keys...), nil
}

func (a *actorCritiqueJudge) Run(ctx context.Context, issue Issue) (Judgement, error) {
	data := issueData(issue)

	actor, err := a.stage(ctx, "actor", data, "explanation", "score", "candidate_solution")
	if err != nil {
		return Judgement{}, err
	}
	data["actor_explanation"] = extract.String(actor["explanation"])
	data["actor_score"] = extract.String(actor["score"])
	data["actor_candidate_solution"] = extract.String(actor["candidate_solution"])

	critique, err := a.stage(ctx, "critique", data, "feedback", "suggested_score")
	if err != nil {
		return Judgement{}, err
	}
	data["critique_feedback"] = extract.String(critique["feedback"])
	data["critique_suggested_score"] = extract.String(critique["suggested_score"])

	judge, err := a.stage(ctx, "judge", data, "final_explanation", "final_score", "candidate_solution")
	if err != nil {
		return Judgement{}, err
	}
	return Judgement{
		Explanation:       extract.String(judge["final_explanation"]),
		RawScore:          judge["final_score"],
		Score:             extract.Binarize(judge["final_score"]),
		CandidateSolution: judge["candidate_solution"],
		Actor:             actor,
		Critique:          critique,
	}, nil
}

package labeller

import (
	"context"

	"github.com/signalnine/spice/internal/pipeline"
)

// pipelineIssue scores issue clarity with a reasoning pipeline.
type pipelineIssue struct {
	b        boundary
	strategy pipeline.Strategy
}

func (l *pipelineIssue) LabelIssue(ctx context.Context, title, body string) IssueLabel {
	var hasSolution any
	lab, ok := l.b.run(func() (Label, error) {
		j, err := l.strategy.Run(ctx, pipeline.Issue{InstanceID: l.b.env.InstanceID, Title: title, Body: body})
		if err != nil {
			return Label{}, err
		}
		hasSolution = j.CandidateSolution
		return Label{Score: j.Score, Rationale: j.Explanation}, nil
	})
	if !ok {
		hasSolution = false
	}
	return IssueLabel{Score: lab.Score, Rationale: lab.Rationale, HasSolution: hasSolution}
}

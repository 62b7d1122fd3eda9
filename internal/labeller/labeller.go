// Package labeller scores one instance along one capability: issue clarity,
// test adequacy or task difficulty.
//
// Every labeller is total. Whatever goes wrong inside, including a panic,
// comes back as the sentinel score -1 with a "<capability> error: ..."
// rationale, so callers never handle labelling errors themselves.
package labeller

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/signalnine/spice/internal/metrics"
	"github.com/signalnine/spice/internal/result"
)

// Capabilities.
const (
	Issue      = "issue"
	Test       = "test"
	Difficulty = "difficulty"
)

// StubRationale is what stub labellers answer.
const StubRationale = "Stub Labeller"

// Environment binds a labeller to one instance. It is a value: every
// labeller gets its own copy.
type Environment struct {
	InstanceID string
	RepoPath   string
	LogDir     string
}

// Label is a test or difficulty answer.
type Label struct {
	Score     *int
	Rationale string
}

// IssueLabel additionally carries the candidate solution, if any.
type IssueLabel struct {
	Score       *int
	Rationale   string
	HasSolution any
}

type IssueLabeller interface {
	LabelIssue(ctx context.Context, title, body string) IssueLabel
}

type TestLabeller interface {
	LabelTest(ctx context.Context, title, body, patch, testPatch string) Label
}

type DifficultyLabeller interface {
	LabelDifficulty(ctx context.Context, title, body, patch, testPatch string) Label
}

// LabellerError is a failure inside a scoring call.
type LabellerError struct {
	Capability string
	InstanceID string
	Err        error
}

func (e *LabellerError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Capability, e.Err)
}

func (e *LabellerError) Unwrap() error { return e.Err }

func sentinel() *int {
	v := result.Sentinel
	return &v
}

// boundary converts errors and panics from fn into sentinel labels. ok is
// false when the sentinel was substituted.
type boundary struct {
	capability string
	env        Environment
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func (b boundary) run(fn func() (Label, error)) (lab Label, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			lab, ok = b.fail(fmt.Errorf("panic: %v", r)), false
		}
	}()
	lab, err := fn()
	if err != nil {
		return b.fail(err), false
	}
	b.metrics.ObserveLabel(b.capability, "ok")
	return lab, true
}

func (b boundary) fail(err error) Label {
	lerr := &LabellerError{Capability: b.capability, InstanceID: b.env.InstanceID, Err: err}
	b.logger.Error("labelling failed",
		zap.String("capability", b.capability),
		zap.String("instance_id", b.env.InstanceID),
		zap.Error(err))
	b.metrics.ObserveLabel(b.capability, "error")
	return Label{Score: sentinel(), Rationale: lerr.Error()}
}

type stubIssue struct{ b boundary }

func (s stubIssue) LabelIssue(context.Context, string, string) IssueLabel {
	lab, _ := s.b.run(func() (Label, error) {
		return Label{Score: sentinel(), Rationale: StubRationale}, nil
	})
	return IssueLabel{Score: lab.Score, Rationale: lab.Rationale, HasSolution: false}
}

type stubLabel struct{ b boundary }

func (s stubLabel) LabelTest(context.Context, string, string, string, string) Label {
	return s.label()
}

func (s stubLabel) LabelDifficulty(context.Context, string, string, string, string) Label {
	return s.label()
}

func (s stubLabel) label() Label {
	lab, _ := s.b.run(func() (Label, error) {
		return Label{Score: sentinel(), Rationale: StubRationale}, nil
	})
	return lab
}

// Package runner drives a labelling experiment over a dataset: it resumes
// from the result log, checks out each instance's repository and records one
// result per repetition.
//
// In parallel mode each repository group is one task in a bounded pool, and
// instances of a group run strictly in dataset order, so a checkout is never
// touched by two goroutines at once.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/signalnine/spice/internal/dataset"
	"github.com/signalnine/spice/internal/labeller"
	"github.com/signalnine/spice/internal/metrics"
	"github.com/signalnine/spice/internal/result"
)

// Workspace makes a repository available at a revision.
type Workspace interface {
	EnsureCheckedOut(ctx context.Context, repo, revision string) (string, error)
}

// Labellers hands out fresh labellers for one instance.
type Labellers interface {
	Issue(env labeller.Environment) labeller.IssueLabeller
	Test(env labeller.Environment) labeller.TestLabeller
	Difficulty(env labeller.Environment) labeller.DifficultyLabeller
}

type Options struct {
	Repetitions int
	Parallel    bool
	MaxWorkers  int
	// Skip lists instance ids the operator excluded.
	Skip []string
	// LogDirs maps each capability to its log directory.
	LogDirs map[string]string
}

// Summary counts what one run did.
type Summary struct {
	Instances int
	Processed int
	Skipped   int
	Failed    int
	// Incomplete lists already-logged instances with fewer records than
	// repetitions. They are skipped like complete ones.
	Incomplete  []string
	GroupErrors []error
}

type Orchestrator struct {
	workspace Workspace
	labellers Labellers
	sink      *result.Sink
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics

	skip     map[string]struct{}
	total    int
	progress atomic.Int64
	failed   atomic.Int64
}

func New(ws Workspace, labellers Labellers, sink *result.Sink, opts Options, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if opts.Repetitions < 1 {
		opts.Repetitions = 1
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		workspace: ws,
		labellers: labellers,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}
}

// Run labels every instance not already in the result log and not in the
// operator's skip list.
func (o *Orchestrator) Run(ctx context.Context, instances []dataset.Instance) (*Summary, error) {
	summary := &Summary{Instances: len(instances)}
	skip, incomplete, err := o.skipSet()
	if err != nil {
		return nil, err
	}
	o.skip = skip
	summary.Incomplete = incomplete
	for _, id := range incomplete {
		o.logger.Warn("instance has fewer repetitions than requested and will be skipped; run prune to redo it",
			zap.String("instance_id", id))
	}
	o.logger.Info("skip set built", zap.Int("skipped_instances", len(skip)))

	for _, in := range instances {
		if _, ok := skip[in.ID]; !ok {
			o.total++
		}
	}
	summary.Skipped = len(instances) - o.total

	if o.opts.Parallel {
		summary.GroupErrors = o.runParallel(ctx, instances)
	} else {
		o.runSequential(ctx, instances)
	}
	summary.Processed = int(o.progress.Load())
	summary.Failed = int(o.failed.Load())
	return summary, ctx.Err()
}

// skipSet unions the operator's list with every instance already present
// in the result log. It is built once and only read afterwards.
func (o *Orchestrator) skipSet() (map[string]struct{}, []string, error) {
	counts, err := result.Counts(o.sink.Path())
	if err != nil {
		return nil, nil, fmt.Errorf("reading existing results: %w", err)
	}
	skip := make(map[string]struct{}, len(o.opts.Skip)+len(counts))
	for _, id := range o.opts.Skip {
		skip[id] = struct{}{}
	}
	var incomplete []string
	for id, n := range counts {
		skip[id] = struct{}{}
		if n < o.opts.Repetitions {
			incomplete = append(incomplete, id)
		}
	}
	sort.Strings(incomplete)
	return skip, incomplete, nil
}

func (o *Orchestrator) skipped(in dataset.Instance, row int) bool {
	if _, ok := o.skip[in.ID]; !ok {
		return false
	}
	o.logger.Sugar().Infof("Skipping %d: %s (either by request or already processed)", row, in.ID)
	o.metrics.IncInstance(metrics.OutcomeSkipped)
	return true
}

func (o *Orchestrator) runSequential(ctx context.Context, instances []dataset.Instance) {
	for row, in := range instances {
		if ctx.Err() != nil {
			return
		}
		if o.skipped(in, row) {
			continue
		}
		if err := o.processInstance(ctx, in, row, len(instances)); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("instance aborted", zap.String("instance_id", in.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, instances []dataset.Instance) []error {
	// Row numbers follow the full dataset.
	rows := make(map[string]int, len(instances))
	for i, in := range instances {
		rows[in.ID] = i
	}
	groups := dataset.GroupByRepo(instances)
	o.logger.Info("starting repo-parallel labelling",
		zap.Int("repos", len(groups)),
		zap.Int("max_workers", o.opts.MaxWorkers))

	jobs := make([]Job, 0, len(groups))
	for _, g := range groups {
		jobs = append(jobs, Job{Repo: g.Repo, Run: func() error {
			return o.processGroup(ctx, g, rows, len(instances))
		}})
	}
	errs := RunPool(o.opts.MaxWorkers, jobs)
	for _, err := range errs {
		if !IsCanceled(err) {
			o.logger.Error("repository group failed", zap.Error(err))
		}
	}
	return errs
}

func (o *Orchestrator) processGroup(ctx context.Context, g dataset.Group, rows map[string]int, n int) error {
	o.metrics.GroupStarted()
	defer o.metrics.GroupFinished()
	o.logger.Sugar().Infof("Starting repo %s with %d instances", g.Repo, len(g.Instances))

	for i, in := range g.Instances {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o.skipped(in, rows[in.ID]) {
			continue
		}
		if err := o.processInstance(ctx, in, rows[in.ID], n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			remaining := 0
			for _, rest := range g.Instances[i+1:] {
				if _, ok := o.skip[rest.ID]; !ok {
					remaining++
				}
			}
			if remaining > 0 {
				o.logger.Warn("skipping remaining instances of repository",
					zap.String("repo", g.Repo),
					zap.Int("remaining", remaining))
			}
			return err
		}
	}
	o.logger.Sugar().Infof("Finished repo %s", g.Repo)
	return nil
}

// processInstance checks out the instance and runs every repetition. Only a
// checkout failure (or cancellation) is returned.
func (o *Orchestrator) processInstance(ctx context.Context, in dataset.Instance, row, n int) error {
	o.logger.Sugar().Infof("Processing row %d/%d: %s", row, n-1, in.ID)

	path, err := o.workspace.EnsureCheckedOut(ctx, in.Repo, in.BaseCommit)
	if err != nil {
		o.failed.Add(1)
		o.metrics.IncCheckoutFailure(in.Repo)
		o.metrics.IncInstance(metrics.OutcomeFailed)
		return fmt.Errorf("instance %s: %w", in.ID, err)
	}

	title, body := in.Title(), in.Body()
	for rep := 1; rep <= o.opts.Repetitions; rep++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec := o.labelOnce(ctx, in, path, title, body, rep)
		// Labellers turn cancellation into null or -1 scores. Recording
		// them would mark the instance as processed.
		if ctx.Err() != nil {
			o.logger.Warn("repetition interrupted; not recorded",
				zap.String("instance_id", in.ID),
				zap.Int("repetition", rep))
			return ctx.Err()
		}
		if err := o.sink.Append(rec); err != nil {
			o.logger.Error("writing result failed",
				zap.String("instance_id", in.ID),
				zap.Int("repetition", rep),
				zap.Error(err))
			continue
		}
		o.logger.Sugar().Infof("Completed repetition %d for instance %s", rep, in.ID)
	}

	done := o.progress.Add(1)
	o.metrics.IncInstance(metrics.OutcomeDone)
	o.logger.Info("instance done",
		zap.String("instance_id", in.ID),
		zap.String("progress", fmt.Sprintf("%d/%d", done, o.total)))
	return nil
}

// labelOnce runs issue, test and difficulty in that order with labellers
// built for this repetition only.
func (o *Orchestrator) labelOnce(ctx context.Context, in dataset.Instance, path, title, body string, rep int) result.LabelResult {
	env := func(capability string) labeller.Environment {
		return labeller.Environment{InstanceID: in.ID, RepoPath: path, LogDir: o.opts.LogDirs[capability]}
	}
	issue := o.labellers.Issue(env(labeller.Issue)).LabelIssue(ctx, title, body)
	test := o.labellers.Test(env(labeller.Test)).LabelTest(ctx, title, body, in.Patch, in.TestPatch)
	difficulty := o.labellers.Difficulty(env(labeller.Difficulty)).LabelDifficulty(ctx, title, body, in.Patch, in.TestPatch)

	return result.LabelResult{
		InstanceID:          in.ID,
		Repetition:          rep,
		IssueScore:          issue.Score,
		IssueRationale:      issue.Rationale,
		IssueHasSolution:    issue.HasSolution,
		TestScore:           test.Score,
		TestRationale:       test.Rationale,
		DifficultyScore:     difficulty.Score,
		DifficultyRationale: difficulty.Rationale,
	}
}

// IsCanceled reports whether err only reflects an interrupted run.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

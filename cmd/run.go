package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/spice/internal/config"
	"github.com/signalnine/spice/internal/dataset"
	"github.com/signalnine/spice/internal/gateway"
	"github.com/signalnine/spice/internal/gitops"
	"github.com/signalnine/spice/internal/labeller"
	"github.com/signalnine/spice/internal/logging"
	"github.com/signalnine/spice/internal/metrics"
	"github.com/signalnine/spice/internal/pipeline"
	"github.com/signalnine/spice/internal/pricing"
	"github.com/signalnine/spice/internal/provider"
	"github.com/signalnine/spice/internal/report"
	"github.com/signalnine/spice/internal/result"
	"github.com/signalnine/spice/internal/runner"
)

var (
	flagInput              string
	flagExperimentID       string
	flagExperimentDesc     string
	flagSkipInstances      []string
	flagIssueLabeller      string
	flagTestLabeller       string
	flagDifficultyLabeller string
	flagIssueParams        []string
	flagTestParams         []string
	flagDifficultyParams   []string
	flagRepetitions        int
	flagParallel           bool
	flagMaxWorkers         int
	flagMetricsAddr        string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a labelling experiment",
		Long: "Label every instance of the dataset with the configured issue, test and difficulty " +
			"labellers. Instances already in the experiment's result log are skipped, so an " +
			"interrupted run resumes where it stopped.",
		RunE: runExperiment,
	}
	f := cmd.Flags()
	f.StringVarP(&flagInput, "input", "i", "", "dataset file (.parquet, .jsonl or .csv)")
	f.StringVarP(&flagExperimentID, "experiment-id", "e", "", "experiment identifier")
	f.StringVarP(&flagExperimentDesc, "experiment-desc", "d", "", "experiment description")
	f.StringSliceVarP(&flagSkipInstances, "skip-instances", "s", nil, "comma-separated instance ids to skip")
	f.StringVar(&flagIssueLabeller, "issue-labeller", "", "issue labeller (default, stub)")
	f.StringVar(&flagTestLabeller, "test-labeller", "", "test labeller (default, stub)")
	f.StringVar(&flagDifficultyLabeller, "difficulty-labeller", "", "difficulty labeller (default, stub)")
	f.StringArrayVar(&flagIssueParams, "issue-labeller-param", nil, "issue labeller param key=value (repeatable)")
	f.StringArrayVar(&flagTestParams, "test-labeller-param", nil, "test labeller param key=value (repeatable)")
	f.StringArrayVar(&flagDifficultyParams, "difficulty-labeller-param", nil, "difficulty labeller param key=value (repeatable)")
	f.IntVar(&flagRepetitions, "repetitions", 3, "scoring passes per instance")
	f.BoolVar(&flagParallel, "parallel", false, "process repositories concurrently")
	f.IntVar(&flagMaxWorkers, "max-workers", 30, "repositories processed at once with --parallel")
	f.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// applyRunFlags overlays the flags the user set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("input") {
		cfg.Experiment.Dataset = flagInput
	}
	if changed("experiment-id") {
		cfg.Experiment.ID = flagExperimentID
	}
	if changed("experiment-desc") {
		cfg.Experiment.Description = flagExperimentDesc
	}
	if changed("skip-instances") {
		cfg.Experiment.SkipInstances = append(cfg.Experiment.SkipInstances, flagSkipInstances...)
	}
	if changed("repetitions") {
		cfg.Experiment.Repetitions = flagRepetitions
	}
	if changed("parallel") {
		cfg.Run.Parallel = flagParallel
	}
	if changed("max-workers") {
		cfg.Run.MaxWorkers = flagMaxWorkers
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = flagMetricsAddr
	}

	for _, l := range []struct {
		nameFlag, paramFlag string
		name                string
		params              []string
		target              *config.Labeller
	}{
		{"issue-labeller", "issue-labeller-param", flagIssueLabeller, flagIssueParams, &cfg.Labellers.Issue},
		{"test-labeller", "test-labeller-param", flagTestLabeller, flagTestParams, &cfg.Labellers.Test},
		{"difficulty-labeller", "difficulty-labeller-param", flagDifficultyLabeller, flagDifficultyParams, &cfg.Labellers.Difficulty},
	} {
		if changed(l.nameFlag) {
			l.target.Name = l.name
		}
		if !changed(l.paramFlag) {
			continue
		}
		params, err := config.ParseParams(l.params)
		if err != nil {
			return err
		}
		if l.target.Params == nil {
			l.target.Params = map[string]string{}
		}
		for k, v := range params {
			l.target.Params[k] = v
		}
	}
	return config.Validate(cfg)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.RequireExperiment(); err != nil {
		return err
	}
	if err := config.LoadSecrets(cfg.Secrets.EnvFile); err != nil {
		return err
	}

	expID := cfg.Experiment.ID
	logger := logging.New(expID, cfg.Logs.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instances, err := dataset.Load(cfg.Experiment.Dataset)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded",
		zap.String("dataset", cfg.Experiment.Dataset),
		zap.Int("instances", len(instances)))

	logDirs := make(map[string]string, 3)
	loggers := make(map[string]*zap.Logger, 3)
	for _, c := range []string{labeller.Issue, labeller.Test, labeller.Difficulty} {
		dir := result.CapabilityLogDir(cfg.Logs.Dir, expID, c)
		l, closeFn, err := logging.FileTee(logger.With(zap.String("capability", c)), dir, report.ProviderLogName)
		if err != nil {
			return err
		}
		defer closeFn()
		logDirs[c] = dir
		loggers[c] = l
	}

	models := pricing.Default()
	if cfg.Pricing != "" {
		extra, err := pricing.Load(cfg.Pricing)
		if err != nil {
			return err
		}
		models.Merge(extra)
	}

	providers := provider.OptionsFromEnv(cfg)
	if cfg.Proxy.Gateway == "litellm" {
		gw, err := gateway.Start(ctx, &gateway.StartOpts{
			ConfigFile:     cfg.Proxy.ConfigFile,
			SecretsEnvFile: cfg.Secrets.EnvFile,
			LogDir:         cfg.Proxy.LogDir,
		}, logger)
		if err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
		defer gw.Stop()
		providers.LiteLLMBaseURL = gw.URL()
	}

	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	factory, err := labeller.NewFactory(cfg.Labellers, labeller.Deps{
		Loggers:    loggers,
		Logger:     logger,
		Metrics:    m,
		Providers:  providers,
		Prompts:    pipeline.NewPromptStore(cfg.Prompts.Dir),
		Models:     models,
		Assistant:  cfg.Assistant,
		MaxRetries: cfg.Run.MaxRetries,
	})
	if err != nil {
		return err
	}

	settings := &result.Settings{
		ExperimentID:             expID,
		ExperimentDescription:    cfg.Experiment.Description,
		Dataset:                  cfg.Experiment.Dataset,
		IssueLabeller:            factory.Name(labeller.Issue),
		IssueLabellerParams:      factory.Params(labeller.Issue),
		TestLabeller:             factory.Name(labeller.Test),
		TestLabellerParams:       factory.Params(labeller.Test),
		DifficultyLabeller:       factory.Name(labeller.Difficulty),
		DifficultyLabellerParams: factory.Params(labeller.Difficulty),
		SkippedInstances:         cfg.Experiment.SkipInstances,
		Repetitions:              cfg.Experiment.Repetitions,
		Parallel:                 cfg.Run.Parallel,
		MaxWorkers:               cfg.Run.MaxWorkers,
	}
	if err := result.WriteSettings(cfg.Logs.Dir, settings); err != nil {
		return err
	}

	wsOpts := gitops.WorkspaceOptions{Dir: cfg.Workspace.Dir, Host: cfg.Workspace.Host}
	if mirror := cfg.Workspace.Mirror; mirror != "" {
		wsOpts.Remote = func(repo string) string {
			return filepath.Join(mirror, filepath.FromSlash(repo)+".git")
		}
	}
	ws, err := gitops.NewWorkspace(wsOpts, logger.Named("workspace"))
	if err != nil {
		return err
	}

	sink, err := result.NewSink(result.ResultPath(cfg.Results.Dir, expID))
	if err != nil {
		return err
	}

	orch := runner.New(ws, factory, sink, runner.Options{
		Repetitions: cfg.Experiment.Repetitions,
		Parallel:    cfg.Run.Parallel,
		MaxWorkers:  cfg.Run.MaxWorkers,
		Skip:        cfg.Experiment.SkipInstances,
		LogDirs:     logDirs,
	}, logger, m)
	summary, err := orch.Run(ctx, instances)
	if err != nil {
		if runner.IsCanceled(err) {
			logger.Warn("run interrupted; run again with the same experiment id to resume")
		}
		return err
	}
	logger.Info("experiment finished",
		zap.Int("instances", summary.Instances),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("failed_repo_groups", len(summary.GroupErrors)),
		zap.String("results", sink.Path()))

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\n--- Results ---")
	return report.Generate(report.Options{
		ExperimentID: expID,
		ResultDir:    cfg.Results.Dir,
		LogDir:       cfg.Logs.Dir,
		Repetitions:  cfg.Experiment.Repetitions,
		Pricing:      models,
	}, "table", out)
}

// Package orchestrator walks the stages of a pipeline execution, runs them
// through the gate and the stage runners and checkpoints after every stage
// transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shono-io/pipex/exec"
	"github.com/shono-io/pipex/gate"
	"github.com/shono-io/pipex/metrics"
	"github.com/shono-io/pipex/pkg"
	"github.com/shono-io/pipex/report"
	"github.com/shono-io/pipex/repo"
	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/secrets"
	"github.com/shono-io/pipex/vars"
)

const (
	StagesDirName = "stages"
	// MaxNestingDepth bounds pipelines triggering pipelines.
	MaxNestingDepth = 10

	LayerOutput       = "output"
	LayerSecureOutput = "output_secure"
	LayerRetry        = "retry"
)

type (
	// RepositoryFactory opens the repository that checkpoints e.
	RepositoryFactory func(ctx context.Context, e *sdk.PipelineExecution) (repo.Repository, error)

	Deps struct {
		Gate   *gate.Gate
		Runner exec.Runner
		Repos  RepositoryFactory
		// Publisher receives the report of every finished pipeline, in
		// addition to the ui view kept with the persisted state.
		Publisher report.Publisher
		Encryptor secrets.Encryptor
		Loader    *pkg.Loader
		Metrics   *metrics.Metrics
		Config    pkg.Config
	}

	// Request is a fresh run as asked for on the command line.
	Request struct {
		PipelineData string
		PipelineVars string
		// Vars are added to the parsed PipelineVars, winning on collision.
		Vars   vars.Tree
		Dir    string
		DryRun bool
	}

	Orchestrator struct {
		deps Deps
	}

	// run is the bookkeeping of one execution. mu guards every stage
	// field and the failed flag, so checkpoints never see a stage half
	// written by a parallel child.
	run struct {
		o     *Orchestrator
		e     *sdk.PipelineExecution
		repo  repo.Repository
		depth int

		mu     sync.Mutex
		failed bool
	}
)

func New(deps Deps) *Orchestrator {
	if deps.Gate == nil {
		deps.Gate = gate.New(deps.Config.Gate())
	}
	if deps.Encryptor == nil {
		deps.Encryptor = secrets.Noop{}
	}
	if deps.Repos == nil {
		deps.Repos = FileRepositories(deps.Encryptor)
	}
	if deps.Loader == nil {
		deps.Loader = pkg.NewLoader(nil, deps.Config.GlobalConfigsPrefix)
	}
	return &Orchestrator{deps: deps}
}

// FileRepositories keeps the state of every execution in its own directory,
// its secure values encrypted with enc.
func FileRepositories(enc secrets.Encryptor) RepositoryFactory {
	return func(_ context.Context, e *sdk.PipelineExecution) (repo.Repository, error) {
		return repo.NewFileRepository(e.Dir, repo.WithEncryptor(enc)), nil
	}
}

// Prepare loads the pipeline definition and builds a pending execution with
// its initial variable layers. Nothing is written yet.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (*sdk.PipelineExecution, error) {
	def, err := o.deps.Loader.Load(ctx, req.PipelineData)
	if err != nil {
		return nil, err
	}

	cli := vars.Tree(vars.ParseParams(req.PipelineVars))
	for k, v := range req.Vars {
		cli[k] = v
	}

	dir := req.Dir
	if dir == "" {
		dir = fmt.Sprintf("%s_%s", def.Pipeline.ID, time.Now().Format("20060102_150405"))
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return nil, fmt.Errorf("unable to resolve pipeline directory: %w", err)
	}

	e := sdk.NewExecution(def.Pipeline, dir, vars.NewSet(o.deps.Loader.Layers(def, cli)...))
	e.Inputs = sdk.Inputs{
		PipelineData: req.PipelineData,
		PipelineVars: req.PipelineVars,
		PipelineDir:  dir,
	}
	e.IsDryRun = req.DryRun
	return e, nil
}

// Run executes every pending unit of e in declaration order and returns
// once e reached a terminal status. The returned error is only set when the
// run could not be carried out at all; a failed pipeline is reported
// through e.Status.
func (o *Orchestrator) Run(ctx context.Context, e *sdk.PipelineExecution) error {
	return o.run(ctx, e, 0)
}

func (o *Orchestrator) run(ctx context.Context, e *sdk.PipelineExecution, depth int) error {
	field := "pipeline_id"
	if depth > 0 {
		field = "nested_pipeline_id"
	}
	logger := zerolog.Ctx(ctx).With().Str(field, e.Pipeline.ID).Logger()
	ctx = logger.WithContext(ctx)

	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("unable to create pipeline directory: %w", err)
	}

	r, err := o.deps.Repos(ctx, e)
	if err != nil {
		return fmt.Errorf("unable to open execution state: %w", err)
	}

	rn := &run{o: o, e: e, repo: r, depth: depth}
	for _, s := range e.Pipeline.Stages {
		if s.Status == sdk.FailedStatus {
			rn.failed = true
		}
	}

	now := time.Now()
	e.Status = sdk.RunningStatus
	e.Code = sdk.CodeUnknown
	e.StartTime = &now
	e.FinishTime = nil
	if err := rn.checkpoint(ctx); err != nil {
		return err
	}

	logger.Info().Str("dir", e.Dir).Int("attempt", e.Attempt).Bool("dry_run", e.IsDryRun).Msg("pipeline started")

	stopReporting := rn.startPeriodicReport(ctx)
	for _, s := range e.Pipeline.Stages {
		if s.Status.Terminal() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		rn.runUnit(ctx, s)
	}
	stopReporting()

	return rn.finish(ctx)
}

func (r *run) runUnit(ctx context.Context, s *sdk.Stage) {
	outcome := r.outcome()
	known := r.e.Vars.Flatten()

	switch s.Kind {
	case sdk.KindModule, sdk.KindDocker, sdk.KindReport:
		out := r.runStage(ctx, s, outcome, known)
		r.mergeOutputs(out)
	case sdk.KindParallel:
		r.runBlock(ctx, s, outcome, known)
	case sdk.KindNestedPipeline:
		r.runNested(ctx, s, outcome, known)
	default:
		r.fail(ctx, s, sdk.NewConfigError(fmt.Sprintf("unsupported stage kind %q", s.Kind), nil))
	}
}

// outcome is the status later units see as their predecessor's.
func (r *run) outcome() sdk.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed {
		return sdk.FailedStatus
	}
	return sdk.SuccessStatus
}

func (r *run) mergeOutputs(out *outputs) {
	if out == nil {
		return
	}
	if len(out.Plain) > 0 {
		r.e.Vars.MergeInto(LayerOutput, vars.SourceOutput, false, out.Plain)
	}
	if len(out.Secure) > 0 {
		r.e.Vars.MergeInto(LayerSecureOutput, vars.SourceSecureOut, true, out.Secure)
	}
}

// transition applies fn to the execution and checkpoints the result.
func (r *run) transition(ctx context.Context, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	if err := r.save(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("unable to checkpoint execution state")
	}
}

func (r *run) checkpoint(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx)
}

// save must be called with mu held.
func (r *run) save(ctx context.Context) error {
	state, err := repo.Snapshot(r.e, report.Assemble(r.e, r.o.meta()))
	if err != nil {
		return err
	}
	return r.repo.Save(ctx, state)
}

// view assembles the current report.
func (r *run) view() report.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return report.Assemble(r.e, r.o.meta())
}

func (r *run) finish(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	interrupted := ctx.Err() != nil
	if !interrupted && !r.e.IsDryRun {
		if err := r.writeOutputs(ctx); err != nil {
			logger.Error().Err(err).Msg("unable to write pipeline output")
			r.mu.Lock()
			r.failed = true
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	status := sdk.SuccessStatus
	if r.failed || interrupted {
		status = sdk.FailedStatus
	}
	r.e.Finish(status, time.Now())
	if interrupted {
		r.e.Code = sdk.CodeUnknown
	}
	saveErr := r.save(ctx)
	r.mu.Unlock()

	if r.o.deps.Metrics != nil {
		r.o.deps.Metrics.PipelineFinished(r.e)
	}

	if r.o.deps.Publisher != nil && r.o.deps.Config.Report.SendMode != pkg.ReportDisabled {
		if err := r.o.deps.Publisher.Publish(ctx, r.view()); err != nil {
			logger.Warn().Err(err).Msg("unable to publish pipeline report")
		}
	}

	logger.Info().
		Str("status", string(r.e.Status)).
		Str("code", string(r.e.Code)).
		Dur("duration", r.e.FinishTime.Sub(*r.e.StartTime)).
		Msg("pipeline finished")

	if saveErr != nil {
		return fmt.Errorf("unable to save final execution state: %w", saveErr)
	}
	if interrupted {
		return fmt.Errorf("pipeline interrupted: %w", context.Cause(ctx))
	}
	return nil
}

// startPeriodicReport publishes the report on an interval while the
// pipeline runs, when configured to.
func (r *run) startPeriodicReport(ctx context.Context) func() {
	cfg := r.o.deps.Config.Report
	if r.o.deps.Publisher == nil || cfg.SendMode != pkg.ReportPeriodic || cfg.Interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.o.deps.Publisher.Publish(ctx, r.view()); err != nil && !errors.Is(err, context.Canceled) {
					zerolog.Ctx(ctx).Warn().Err(err).Msg("unable to publish intermediate report")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) meta() report.Meta {
	return report.Meta{
		Url:   o.deps.Config.Execution.Url,
		User:  o.deps.Config.Execution.User,
		Email: o.deps.Config.Execution.Email,
	}
}

func (r *run) stageDir(s *sdk.Stage) string {
	return filepath.Join(r.e.Dir, StagesDirName, s.JobID)
}

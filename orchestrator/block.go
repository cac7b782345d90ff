package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shono-io/pipex/report"
	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
)

// runBlock starts every child of a parallel block at once and waits for all
// of them. Children see the outcome and the variables as they were before
// the block; their outputs are merged in declaration order once the block
// is done. The block's timestamps bound those of all its children.
func (r *run) runBlock(ctx context.Context, s *sdk.Stage, outcome sdk.Status, known vars.Tree) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", s.JobID).Str("stage", s.Name).Logger()
	ctx = logger.WithContext(ctx)

	ok, err := eligible(s, outcome, known)
	if err != nil {
		r.fail(ctx, s, err)
		return
	}
	if !ok {
		r.skip(ctx, s, "when clause not satisfied")
		return
	}

	started := time.Now()
	r.transition(ctx, func() {
		s.Status = sdk.RunningStatus
		s.StartTime = &started
		s.FinishTime = nil
		s.Error = ""
	})
	logger.Info().Int("children", len(s.Children)).Msg("parallel block started")

	scratch := make([]*outputs, len(s.Children))
	var g errgroup.Group
	for i, c := range s.Children {
		if c.Status == sdk.SuccessStatus {
			continue
		}
		g.Go(func() error {
			switch c.Kind {
			case sdk.KindModule, sdk.KindDocker, sdk.KindReport:
				scratch[i] = r.runStage(ctx, c, outcome, known)
			case sdk.KindNestedPipeline:
				r.runNested(ctx, c, outcome, known)
			case sdk.KindParallel:
				r.fail(ctx, c, sdk.NewConfigError(fmt.Sprintf("parallel block %q cannot be nested", c.Name), nil))
			default:
				r.fail(ctx, c, sdk.NewConfigError(fmt.Sprintf("unsupported stage kind %q", c.Kind), nil))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range scratch {
		r.mergeOutputs(out)
	}

	finished := time.Now()
	var status sdk.Status
	r.transition(ctx, func() {
		status = blockStatus(s.Children)
		s.Status = status
		s.FinishTime = &finished
		if status == sdk.FailedStatus {
			s.Error = "one or more parallel stages failed"
			r.failed = true
		}
	})
	r.observe(s)
	logger.Info().Str("status", string(status)).Dur("duration", s.Duration()).Msg("parallel block finished")
}

// blockStatus is Failed when any child failed, Skipped when every child
// was skipped and Success otherwise.
func blockStatus(children []*sdk.Stage) sdk.Status {
	skipped := 0
	for _, c := range children {
		switch c.Status {
		case sdk.FailedStatus:
			return sdk.FailedStatus
		case sdk.SkippedStatus:
			skipped++
		}
	}
	if len(children) > 0 && skipped == len(children) {
		return sdk.SkippedStatus
	}
	return sdk.SuccessStatus
}

// runNested runs the referenced pipeline as an independent execution in the
// stage's exec dir. Nested variables stay in the nested run; the stage
// keeps the nested report.
func (r *run) runNested(ctx context.Context, s *sdk.Stage, outcome sdk.Status, known vars.Tree) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", s.JobID).Str("stage", s.Name).Logger()
	ctx = logger.WithContext(ctx)

	ok, err := eligible(s, outcome, known)
	if err != nil {
		r.fail(ctx, s, err)
		return
	}
	if !ok {
		r.skip(ctx, s, "when clause not satisfied")
		return
	}
	if r.depth+1 > MaxNestingDepth {
		r.fail(ctx, s, sdk.NewConfigError(fmt.Sprintf("nested pipelines deeper than %d", MaxNestingDepth), nil))
		return
	}

	data, err := vars.Resolve(s.Nested.PipelineData, known)
	if err != nil {
		r.fail(ctx, s, sdk.NewSubstitutionError(s.JobID, err))
		return
	}
	pipelineVars, err := vars.ResolveTree(s.Nested.PipelineVars, known)
	if err != nil {
		r.fail(ctx, s, sdk.NewSubstitutionError(s.JobID, err))
		return
	}

	started := time.Now()
	r.transition(ctx, func() {
		s.Status = sdk.RunningStatus
		s.StartTime = &started
		s.FinishTime = nil
		s.Error = ""
		s.ExecDir = r.stageDir(s)
		s.Evaluated = sdk.Evaluated{Input: sdk.Params{Params: vars.Tree{"pipeline_data": data, "pipeline_vars": pipelineVars}}}
	})
	logger.Info().Str("pipeline_data", data).Msg("nested pipeline started")

	nested, err := r.o.Prepare(ctx, Request{
		PipelineData: data,
		Vars:         pipelineVars,
		Dir:          s.ExecDir,
		DryRun:       r.e.IsDryRun,
	})
	if err != nil {
		r.fail(ctx, s, err)
		return
	}

	runErr := r.o.run(ctx, nested, r.depth+1)
	view := report.ToTree(report.Assemble(nested, r.o.meta()))

	finished := time.Now()
	r.transition(ctx, func() {
		s.NestedReport = view
		s.NestedExecPath = nested.Dir
		s.FinishTime = &finished
	})

	if runErr != nil {
		r.fail(ctx, s, fmt.Errorf("nested pipeline %s: %w", nested.Pipeline.ID, runErr))
		return
	}
	if nested.Status != sdk.SuccessStatus {
		r.fail(ctx, s, fmt.Errorf("nested pipeline %s finished with status %s", nested.Pipeline.ID, nested.Status))
		return
	}

	r.transition(ctx, func() { s.Status = sdk.SuccessStatus })
	r.observe(s)
	logger.Info().Dur("duration", s.Duration()).Msg("nested pipeline succeeded")
}

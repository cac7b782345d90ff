package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/shono-io/pipex/cond"
	"github.com/shono-io/pipex/exec"
	"github.com/shono-io/pipex/report"
	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
)

const ExecutionReportFileName = "execution_report.json"

// outputs are the variables a successful stage contributes.
type outputs struct {
	Plain  vars.Tree
	Secure vars.Tree
}

// runStage takes a module, docker or report stage from Pending to a
// terminal status. known is the flattened variable snapshot the stage
// resolves against.
func (r *run) runStage(ctx context.Context, s *sdk.Stage, outcome sdk.Status, known vars.Tree) *outputs {
	logger := zerolog.Ctx(ctx).With().Str("job_id", s.JobID).Str("stage", s.Name).Logger()
	ctx = logger.WithContext(ctx)

	ok, err := eligible(s, outcome, known)
	if err != nil {
		r.fail(ctx, s, err)
		return nil
	}
	if !ok {
		r.skip(ctx, s, "when clause not satisfied")
		return nil
	}

	input, err := resolveInput(s, known)
	if err != nil {
		r.fail(ctx, s, err)
		return nil
	}

	if r.e.IsDryRun {
		r.transition(ctx, func() { s.Evaluated.Input = input })
		r.skip(ctx, s, "dry run")
		return nil
	}

	if !r.o.deps.Gate.Acquire(ctx) {
		r.fail(ctx, s, sdk.NewResourceTimeoutError(s.JobID))
		return nil
	}
	defer r.o.deps.Gate.Release()

	started := time.Now()
	r.transition(ctx, func() {
		s.Status = sdk.RunningStatus
		s.StartTime = &started
		s.FinishTime = nil
		s.Error = ""
		s.ExecDir = r.stageDir(s)
		s.Evaluated = sdk.Evaluated{Input: input}
	})
	logger.Info().Msg("stage started")

	ws, inv, err := r.prepareWorkspace(ctx, s, input)
	if err != nil {
		r.fail(ctx, s, sdk.NewStageExecutionError(s.JobID, -1, err))
		return nil
	}

	res, err := r.o.deps.Runner.Run(ctx, inv)
	if err != nil {
		r.fail(ctx, s, sdk.NewStageExecutionError(s.JobID, res.ExitCode, err))
		return nil
	}
	if res.ExitCode != 0 {
		r.transition(ctx, func() { s.Usage = res.Usage })
		r.fail(ctx, s, sdk.NewStageExecutionError(s.JobID, res.ExitCode, nil))
		return nil
	}

	plain, secure, err := ws.ReadOutput()
	if err != nil {
		r.fail(ctx, s, sdk.NewStageExecutionError(s.JobID, 0, err))
		return nil
	}
	out := mapOutputs(ctx, s, plain, secure)

	finished := time.Now()
	r.transition(ctx, func() {
		s.Status = sdk.SuccessStatus
		s.FinishTime = &finished
		s.Usage = res.Usage
		s.Evaluated.Output = sdk.Params{Params: out.Plain, ParamsSecure: out.Secure}
	})
	r.observe(s)
	logger.Info().Dur("duration", s.Duration()).Msg("stage succeeded")
	return out
}

// prepareWorkspace lays out the exec dir and builds the invocation.
func (r *run) prepareWorkspace(ctx context.Context, s *sdk.Stage, input sdk.Params) (*exec.Workspace, exec.Invocation, error) {
	ws, err := exec.NewWorkspace(s.ExecDir)
	if err != nil {
		return nil, exec.Invocation{}, err
	}
	if err := ws.ResetOutput(); err != nil {
		return nil, exec.Invocation{}, err
	}
	if err := ws.WriteInput(input); err != nil {
		return nil, exec.Invocation{}, err
	}
	contextFile, err := ws.WriteContext(exec.ContextFileName, ws.Dir)
	if err != nil {
		return nil, exec.Invocation{}, err
	}

	if s.Kind == sdk.KindReport {
		file := filepath.Join(ws.InputFilesDir(), ExecutionReportFileName)
		if err := (report.FilePublisher{Path: file}).Publish(ctx, r.view()); err != nil {
			return nil, exec.Invocation{}, err
		}
	}

	return ws, exec.Invocation{
		JobID:       s.JobID,
		Kind:        s.Kind,
		Path:        s.Path,
		Command:     s.Command,
		ExecDir:     ws.Dir,
		ContextFile: contextFile,
		Env: map[string]string{
			"PIPEX_PIPELINE_ID": r.e.Pipeline.ID,
			"PIPEX_JOB_ID":      s.JobID,
			"PIPEX_EXEC_DIR":    ws.Dir,
		},
		Timeout: r.o.deps.Config.Subprocess.Timeout,
	}, nil
}

// eligible evaluates the when clause of s. A false result means skip; an
// error means the clause could not be evaluated.
func eligible(s *sdk.Stage, outcome sdk.Status, known vars.Tree) (bool, error) {
	if !slices.Contains(s.AllowedStatuses(), outcome) {
		return false, nil
	}
	if s.When == nil || s.When.Condition == "" {
		return true, nil
	}

	expr, err := vars.Resolve(s.When.Condition, known)
	if err != nil {
		return false, sdk.NewSubstitutionError(s.JobID, err)
	}
	ok, err := cond.Evaluate(expr, known)
	if err != nil {
		return false, sdk.NewSubstitutionError(s.JobID, fmt.Errorf("unable to evaluate condition %q: %w", expr, err))
	}
	return ok, nil
}

func resolveInput(s *sdk.Stage, known vars.Tree) (sdk.Params, error) {
	plain, err := vars.ResolveTree(s.Input.Params, known)
	if err != nil {
		return sdk.Params{}, sdk.NewSubstitutionError(s.JobID, err)
	}
	secure, err := vars.ResolveTree(s.Input.ParamsSecure, known)
	if err != nil {
		return sdk.Params{}, sdk.NewSubstitutionError(s.JobID, err)
	}
	return sdk.Params{Params: plain, ParamsSecure: secure}, nil
}

// mapOutputs picks the declared outputs out of the documents the module
// wrote. Plain names are looked up in the plain document first, secure
// names in the secure one first.
func mapOutputs(ctx context.Context, s *sdk.Stage, plain, secure vars.Tree) *outputs {
	logger := zerolog.Ctx(ctx)
	out := &outputs{Plain: vars.Tree{}, Secure: vars.Tree{}}

	pick := func(into vars.Tree, mapping vars.Tree, docs ...vars.Tree) {
		for name, p := range mapping {
			path := vars.Stringify(p)
			found := false
			for _, doc := range docs {
				if v, fnd := vars.Lookup(doc, path); fnd {
					into[name] = vars.DeepCopy(v)
					found = true
					break
				}
			}
			if !found {
				logger.Warn().Str("name", name).Str("path", path).Msg("declared output not produced by module")
			}
		}
	}

	pick(out.Plain, s.Output.Params, plain, secure)
	pick(out.Secure, s.Output.ParamsSecure, secure, plain)
	return out
}

func (r *run) skip(ctx context.Context, s *sdk.Stage, reason string) {
	now := time.Now()
	r.transition(ctx, func() {
		s.Status = sdk.SkippedStatus
		s.FinishTime = &now
		s.Error = ""
		s.Walk(func(c *sdk.Stage) {
			if !c.Status.Terminal() {
				c.Status = sdk.SkippedStatus
			}
		})
	})
	r.observe(s)
	zerolog.Ctx(ctx).Info().Str("job_id", s.JobID).Str("reason", reason).Msg("stage skipped")
}

// fail marks s failed with cause and flags the run as failed.
func (r *run) fail(ctx context.Context, s *sdk.Stage, cause error) {
	now := time.Now()
	r.transition(ctx, func() {
		s.Status = sdk.FailedStatus
		s.FinishTime = &now
		s.Error = cause.Error()
		r.failed = true
	})
	r.observe(s)

	evt := zerolog.Ctx(ctx).Error()
	if errors.Is(cause, sdk.ErrResourceTimeout) {
		evt = zerolog.Ctx(ctx).Warn()
	}
	evt.Err(cause).Str("job_id", s.JobID).Msg("stage failed")
}

func (r *run) observe(s *sdk.Stage) {
	if r.o.deps.Metrics != nil {
		r.o.deps.Metrics.StageFinished(s)
	}
}

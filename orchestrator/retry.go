package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/shono-io/pipex/archive"
	"github.com/shono-io/pipex/exec"
	"github.com/shono-io/pipex/repo"
	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
)

// Retry resumes the execution persisted in dir. Success stages are kept as
// they are; everything from the first unit that did not succeed is reset
// and run again with retryVars layered on top of the persisted variables.
func (o *Orchestrator) Retry(ctx context.Context, dir, retryVars string) (*sdk.PipelineExecution, error) {
	e, err := o.PrepareRetry(ctx, dir, retryVars)
	if err != nil {
		return nil, err
	}
	return e, o.Run(ctx, e)
}

// PrepareRetry loads and resets the persisted execution without running it.
func (o *Orchestrator) PrepareRetry(ctx context.Context, dir, retryVars string) (*sdk.PipelineExecution, error) {
	logger := zerolog.Ctx(ctx)

	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve pipeline directory: %w", err)
	}

	state, err := repo.NewFileRepository(dir, repo.WithEncryptor(o.deps.Encryptor)).Load(ctx)
	if err != nil {
		return nil, err
	}

	backup, err := archive.Backup(filepath.Join(dir, repo.StateDirName), filepath.Join(dir, repo.BackupDirName), time.Now())
	if err != nil {
		logger.Warn().Err(err).Msg("unable to back up previous execution state")
	} else {
		logger.Info().Str("backup", backup).Msg("previous execution state backed up")
	}

	e := state.Restore()
	e.Dir = dir
	e.Inputs.PipelineDir = dir
	e.Inputs.RetryVars = retryVars
	e.IsRetry = true
	e.Attempt++

	// Outputs recorded since the last retry may sit above the retry layer.
	e.Vars.Lift(LayerRetry)
	if overrides := vars.ParseParams(retryVars); len(overrides) > 0 {
		e.Vars.MergeInto(LayerRetry, vars.SourceRetry, false, overrides)
	}

	resumeAt := ResetForRetry(e.Pipeline)
	o.cleanup(ctx, e.Pipeline)
	if resumeAt < len(e.Pipeline.Stages) {
		logger.Info().Str("job_id", e.Pipeline.Stages[resumeAt].JobID).Int("attempt", e.Attempt).Msg("resuming pipeline")
	} else {
		logger.Info().Int("attempt", e.Attempt).Msg("every stage already succeeded")
	}
	return e, nil
}

// cleanup removes what a previous attempt of the docker stages about to run
// again left behind.
func (o *Orchestrator) cleanup(ctx context.Context, p *sdk.Pipeline) {
	c, ok := o.deps.Runner.(exec.Cleaner)
	if !ok {
		return
	}
	p.Walk(func(s *sdk.Stage) {
		if s.Kind != sdk.KindDocker || s.Status != sdk.PendingStatus || s.ExecDir == "" {
			return
		}
		if err := c.Cleanup(ctx, s.ExecDir); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", s.JobID).Msg("unable to clean up previous attempt")
		}
	})
}

// ResetForRetry resets every top-level unit from the first one that did not
// succeed and returns its index. Success children of a parallel block are
// kept.
func ResetForRetry(p *sdk.Pipeline) int {
	resumeAt := len(p.Stages)
	for i, s := range p.Stages {
		if s.Status != sdk.SuccessStatus {
			resumeAt = i
			break
		}
	}

	for _, s := range p.Stages[resumeAt:] {
		resetStage(s)
		for _, c := range s.Children {
			if c.Status != sdk.SuccessStatus {
				resetStage(c)
			}
		}
	}
	return resumeAt
}

func resetStage(s *sdk.Stage) {
	s.Status = sdk.PendingStatus
	s.StartTime = nil
	s.FinishTime = nil
	s.Error = ""
	s.Usage = nil
	s.Evaluated = sdk.Evaluated{}
	s.NestedReport = nil
}

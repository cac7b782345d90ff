package sdk

import (
	"time"

	"github.com/shono-io/pipex/vars"
)

type (
	// Inputs are the raw request values a run was started with.
	Inputs struct {
		PipelineData string `json:"pipeline_data"`
		PipelineVars string `json:"pipeline_vars,omitempty"`
		PipelineDir  string `json:"pipeline_dir"`
		RetryVars    string `json:"retry_vars,omitempty"`
	}

	// PipelineExecution is one run of a Pipeline together with its
	// run-scoped state.
	PipelineExecution struct {
		Pipeline   *Pipeline
		Inputs     Inputs
		IsDryRun   bool
		IsRetry    bool
		Attempt    int
		Status     Status
		Code       StatusCode
		StartTime  *time.Time
		FinishTime *time.Time
		Vars       *vars.Set
		Dir        string
	}
)

// NewExecution wraps a pipeline in a pending execution rooted at dir.
func NewExecution(p *Pipeline, dir string, vs *vars.Set) *PipelineExecution {
	if vs == nil {
		vs = vars.NewSet()
	}
	return &PipelineExecution{
		Pipeline: p,
		Inputs:   Inputs{PipelineDir: dir},
		Attempt:  1,
		Status:   PendingStatus,
		Code:     CodeUnknown,
		Vars:     vs,
		Dir:      dir,
	}
}

// Finish sets the terminal status and code of the run.
func (e *PipelineExecution) Finish(status Status, at time.Time) {
	e.Status = status
	e.FinishTime = &at
	switch status {
	case SuccessStatus:
		e.Code = CodeSuccess
	case FailedStatus:
		e.Code = CodeFailure
	default:
		e.Code = CodeUnknown
	}
}

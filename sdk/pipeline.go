package sdk

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shono-io/pipex/vars"
)

type (
	StageKind  string
	Status     string
	StatusCode string
)

const (
	KindModule         StageKind = "PYTHON_MODULE"
	KindDocker         StageKind = "PYTHON_DOCKER_IMAGE"
	KindReport         StageKind = "REPORT"
	KindParallel       StageKind = "PARALLEL_BLOCK"
	KindNestedPipeline StageKind = "NESTED_PIPELINE"
)

const (
	PendingStatus Status = "PENDING"
	RunningStatus Status = "RUNNING"
	SuccessStatus Status = "SUCCESS"
	FailedStatus  Status = "FAILED"
	SkippedStatus Status = "SKIPPED"
)

const (
	CodeSuccess StatusCode = "DEVOPS-STNDLN-EXEC-0000"
	CodeFailure StatusCode = "DEVOPS-STNDLN-EXEC-0001"
	CodeUnknown StatusCode = "DEVOPS-STNDLN-EXEC-8888"
)

// ParseStageKind maps the `type` of a stage definition onto a StageKind.
func ParseStageKind(s string) (StageKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PYTHON_MODULE", "MODULE":
		return KindModule, nil
	case "PYTHON_DOCKER_IMAGE", "DOCKER_MODULE":
		return KindDocker, nil
	case "REPORT":
		return KindReport, nil
	case "PARALLEL_BLOCK":
		return KindParallel, nil
	case "NESTED_PIPELINE":
		return KindNestedPipeline, nil
	default:
		return "", NewConfigError(fmt.Sprintf("unsupported stage kind %q", s), nil)
	}
}

// Terminal reports whether a stage in this status is finished.
func (s Status) Terminal() bool {
	switch s {
	case SuccessStatus, FailedStatus, SkippedStatus:
		return true
	default:
		return false
	}
}

type (
	// Pipeline is the parsed definition of one run.
	Pipeline struct {
		ID     string               `json:"id"`
		Name   string               `json:"name"`
		Stages []*Stage             `json:"stages"`
		Jobs   map[string]vars.Tree `json:"jobs,omitempty"`
		Vars   vars.Tree            `json:"vars,omitempty"`
		Output OutputConfig         `json:"output"`
		Report vars.Tree            `json:"report,omitempty"`
	}

	// OutputConfig declares what a finished run writes to pipeline_output.
	OutputConfig struct {
		Params       vars.Tree         `json:"params,omitempty"`
		ParamsSecure vars.Tree         `json:"params_secure,omitempty"`
		Files        map[string]string `json:"files,omitempty"`
	}

	// Params is a pair of plain and secure parameter trees.
	Params struct {
		Params       vars.Tree `json:"params,omitempty" yaml:"params,omitempty"`
		ParamsSecure vars.Tree `json:"params_secure,omitempty" yaml:"params_secure,omitempty"`
	}

	// When gates a stage on the outcome so far and on an expression.
	When struct {
		Statuses  []Status `json:"statuses,omitempty"`
		Condition string   `json:"condition,omitempty"`
	}

	// NestedPipeline references the definition a nested trigger runs.
	NestedPipeline struct {
		PipelineData string    `json:"pipeline_data"`
		PipelineVars vars.Tree `json:"pipeline_vars,omitempty"`
	}

	// Usage is the sampled resource usage of a stage's process tree.
	Usage struct {
		PeakMemoryMB float64 `json:"peak_memory_mb"`
		AvgCPU       float64 `json:"avg_cpu"`
		Samples      int     `json:"samples"`
	}

	Stage struct {
		ID         string     `json:"id"`
		UUID       string     `json:"uuid"`
		JobID      string     `json:"job_id"`
		ParentID   string     `json:"parent_id,omitempty"`
		Name       string     `json:"name"`
		Kind       StageKind  `json:"type"`
		Job        string     `json:"job,omitempty"`
		Path       string     `json:"path,omitempty"`
		Command    string     `json:"command,omitempty"`
		Status     Status     `json:"status"`
		StartTime  *time.Time `json:"start_time,omitempty"`
		FinishTime *time.Time `json:"finish_time,omitempty"`
		ExecDir    string     `json:"exec_dir,omitempty"`
		Error      string     `json:"error,omitempty"`

		// Input is the declared input; Output maps variable names onto dotted
		// paths of the module's output params.
		Input  Params `json:"input"`
		Output Params `json:"output"`

		// Evaluated holds the resolved input and the recorded output values.
		Evaluated Evaluated `json:"evaluated"`

		When   *When     `json:"when,omitempty"`
		Report vars.Tree `json:"report,omitempty"`
		Usage  *Usage    `json:"usage,omitempty"`

		Children       []*Stage        `json:"children,omitempty"`
		Nested         *NestedPipeline `json:"nested,omitempty"`
		NestedReport   vars.Tree       `json:"nested_report,omitempty"`
		NestedExecPath string          `json:"nested_exec_path,omitempty"`
	}

	Evaluated struct {
		Input  Params `json:"input"`
		Output Params `json:"output"`
	}
)

var unsafeJobChars = regexp.MustCompile(`[^\w\-]`)

// SafeJobName replaces characters that are not allowed in job ids.
func SafeJobName(s string) string {
	return unsafeJobChars.ReplaceAllString(s, "_")
}

// JobIDFor derives the job id of a stage from its parent block and its own
// id (or name when no id was given).
func JobIDFor(parentID, idOrName string) string {
	if parentID == "" {
		return SafeJobName(idOrName)
	}
	return SafeJobName(parentID) + "__" + SafeJobName(idOrName)
}

// Duration is the wall time between start and finish, zero while unknown.
func (s *Stage) Duration() time.Duration {
	if s.StartTime == nil || s.FinishTime == nil {
		return 0
	}
	return s.FinishTime.Sub(*s.StartTime)
}

// Walk visits the stage and all its parallel children, depth first.
func (s *Stage) Walk(fn func(*Stage)) {
	fn(s)
	for _, c := range s.Children {
		c.Walk(fn)
	}
}

// AllowedStatuses returns the predecessor outcomes under which the stage may
// run; success only unless the stage says otherwise.
func (s *Stage) AllowedStatuses() []Status {
	if s.When == nil || len(s.When.Statuses) == 0 {
		return []Status{SuccessStatus}
	}
	return s.When.Statuses
}

// Walk visits every stage of the pipeline, parallel children included.
func (p *Pipeline) Walk(fn func(*Stage)) {
	for _, s := range p.Stages {
		s.Walk(fn)
	}
}

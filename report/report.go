// Package report projects an execution into the masked view handed to the
// UI and to remote endpoints.
package report

import (
	"encoding/json"
	"time"

	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
)

const (
	Kind       = "pipelineExecutionReport"
	APIVersion = "v1"
	MaskValue  = "*****"
)

type (
	// Meta is the wrapper supplied information about who ran the pipeline
	// and where.
	Meta struct {
		Url   string
		User  string
		Email string
	}

	View struct {
		Kind       string        `json:"kind"`
		APIVersion string        `json:"apiVersion"`
		Execution  ExecutionView `json:"execution"`
		Config     ConfigView    `json:"config"`
		Stages     []StageView   `json:"stages"`
	}

	ExecutionView struct {
		ID         string         `json:"id"`
		Name       string         `json:"name"`
		Status     sdk.Status     `json:"status"`
		Code       sdk.StatusCode `json:"code"`
		StartTime  *time.Time     `json:"startTime,omitempty"`
		FinishTime *time.Time     `json:"finishTime,omitempty"`
		Duration   string         `json:"duration,omitempty"`
		Attempt    int            `json:"attempt"`
		Url        string         `json:"url,omitempty"`
		User       string         `json:"user,omitempty"`
		Email      string         `json:"email,omitempty"`
	}

	ConfigView struct {
		PipelineData string    `json:"PIPELINE_DATA"`
		IsDryRun     bool      `json:"IS_DRY_RUN"`
		IsRetry      bool      `json:"IS_RETRY"`
		Vars         []VarView `json:"vars"`
	}

	VarView struct {
		Name   string `json:"name"`
		Value  any    `json:"value"`
		Source string `json:"source"`
	}

	StageView struct {
		ID                   string      `json:"id"`
		JobID                string      `json:"jobId"`
		Name                 string      `json:"name"`
		Path                 string      `json:"path,omitempty"`
		Type                 string      `json:"type"`
		Command              string      `json:"command,omitempty"`
		Status               sdk.Status  `json:"status"`
		StartTime            *time.Time  `json:"startTime,omitempty"`
		FinishTime           *time.Time  `json:"finishTime,omitempty"`
		Duration             string      `json:"duration,omitempty"`
		ExecDir              string      `json:"execDir,omitempty"`
		Input                vars.Tree   `json:"input,omitempty"`
		Output               vars.Tree   `json:"output,omitempty"`
		Error                string      `json:"error,omitempty"`
		Usage                *sdk.Usage  `json:"usage,omitempty"`
		NestedParallelStages []StageView `json:"nestedParallelStages,omitempty"`
		NestedPipeline       vars.Tree   `json:"nestedPipeline,omitempty"`
	}
)

// Assemble builds the view of e. It has no side effects; every value below
// a secure key and every variable from a secure layer is masked.
func Assemble(e *sdk.PipelineExecution, meta Meta) View {
	v := View{
		Kind:       Kind,
		APIVersion: APIVersion,
		Execution: ExecutionView{
			ID:         e.Pipeline.ID,
			Name:       e.Pipeline.Name,
			Status:     e.Status,
			Code:       e.Code,
			StartTime:  e.StartTime,
			FinishTime: e.FinishTime,
			Duration:   duration(e.StartTime, e.FinishTime),
			Attempt:    e.Attempt,
			Url:        meta.Url,
			User:       meta.User,
			Email:      meta.Email,
		},
		Config: ConfigView{
			PipelineData: e.Inputs.PipelineData,
			IsDryRun:     e.IsDryRun,
			IsRetry:      e.IsRetry,
			Vars:         configVars(e.Vars),
		},
		Stages: make([]StageView, 0, len(e.Pipeline.Stages)),
	}

	for _, s := range e.Pipeline.Stages {
		v.Stages = append(v.Stages, stageView(s))
	}
	return v
}

// ToTree converts a view into a generic tree, the form in which a nested
// pipeline's report is kept on its trigger stage.
func ToTree(v View) vars.Tree {
	b, err := json.Marshal(v)
	if err != nil {
		return vars.Tree{}
	}
	var t vars.Tree
	if err := json.Unmarshal(b, &t); err != nil {
		return vars.Tree{}
	}
	return t
}

func configVars(vs *vars.Set) []VarView {
	if vs == nil {
		return []VarView{}
	}

	secure := vs.SecureNames()
	initial := vs.WithSources(func(l vars.Layer) bool {
		switch l.Source {
		case vars.SourcePipeline, vars.SourceConfig, vars.SourceCLI, vars.SourceRetry:
			return true
		default:
			return false
		}
	})

	out := make([]VarView, 0, len(initial))
	for _, sv := range initial {
		value := Mask(sv.Value)
		if sv.Secure || secure[sv.Name] {
			value = MaskValue
		}
		out = append(out, VarView{Name: sv.Name, Value: value, Source: sv.Source})
	}
	return out
}

func stageView(s *sdk.Stage) StageView {
	sv := StageView{
		ID:         s.UUID,
		JobID:      s.JobID,
		Name:       s.Name,
		Path:       s.Path,
		Type:       string(s.Kind),
		Command:    s.Command,
		Status:     s.Status,
		StartTime:  s.StartTime,
		FinishTime: s.FinishTime,
		Duration:   duration(s.StartTime, s.FinishTime),
		ExecDir:    s.ExecDir,
		Error:      s.Error,
		Usage:      s.Usage,
	}

	switch s.Kind {
	case sdk.KindModule, sdk.KindDocker, sdk.KindReport:
		sv.Input = paramsView(s.Evaluated.Input)
		sv.Output = paramsView(s.Evaluated.Output)
	case sdk.KindParallel:
		sv.NestedParallelStages = make([]StageView, 0, len(s.Children))
		for _, c := range s.Children {
			sv.NestedParallelStages = append(sv.NestedParallelStages, stageView(c))
		}
	case sdk.KindNestedPipeline:
		sv.Input = paramsView(s.Evaluated.Input)
		if s.NestedReport != nil {
			sv.NestedPipeline = Mask(s.NestedReport).(vars.Tree)
		}
	}
	return sv
}

func paramsView(p sdk.Params) vars.Tree {
	if len(p.Params) == 0 && len(p.ParamsSecure) == 0 {
		return nil
	}
	t := vars.Tree{}
	if len(p.Params) > 0 {
		t["params"] = vars.CopyTree(p.Params)
	}
	if len(p.ParamsSecure) > 0 {
		t["params_secure"] = vars.CopyTree(p.ParamsSecure)
	}
	return Mask(t).(vars.Tree)
}

func duration(start, finish *time.Time) string {
	if start == nil || finish == nil {
		return ""
	}
	return finish.Sub(*start).Round(time.Millisecond).String()
}

// Package repo persists the state of a pipeline execution so it can be
// inspected and retried.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shono-io/pipex/report"
	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
)

const (
	StateDirName  = "pipeline_state"
	OutputDirName = "pipeline_output"
	BackupDirName = "pipeline_backup"

	ExecutionDoc = "execution.json"
	PipelineDoc  = "pipeline.json"
	VarsDoc      = "vars.json"
	ViewDoc      = "pipeline_ui_view.json"

	// SecureDoc holds the secure values kept out of the other documents. It
	// is only written by the FileRepository, encrypted.
	SecureDoc = "secure_state.yaml"
)

// Docs lists the state documents in the order they are written.
var Docs = []string{ExecutionDoc, PipelineDoc, VarsDoc, ViewDoc}

type (
	Config struct {
		KeyValueBucket string
		Prefix         string
	}

	Repository interface {
		Save(ctx context.Context, s *State) error
		Load(ctx context.Context) (*State, error)
	}

	// State is the persisted form of a PipelineExecution. Secure values
	// are masked in Pipeline and Vars and kept in Secrets instead.
	State struct {
		Execution Execution       `json:"execution"`
		Pipeline  *sdk.Pipeline   `json:"pipeline"`
		Vars      Vars            `json:"vars"`
		View      json.RawMessage `json:"view,omitempty"`
		Secrets   Secrets         `json:"-"`
	}

	Secrets struct {
		// Layers are the secure variable layers by name.
		Layers map[string]vars.Tree `yaml:"layers,omitempty"`
		// Stages are the secure params of every stage by job id.
		Stages map[string]StageSecrets `yaml:"stages,omitempty"`
	}

	StageSecrets struct {
		Declared vars.Tree `yaml:"declared,omitempty"`
		Input    vars.Tree `yaml:"input,omitempty"`
		Output   vars.Tree `yaml:"output,omitempty"`
	}

	Execution struct {
		PipelineId string         `json:"pipeline_id"`
		Name       string         `json:"name"`
		Status     sdk.Status     `json:"status"`
		Code       sdk.StatusCode `json:"code"`
		StartTime  *time.Time     `json:"start_time,omitempty"`
		FinishTime *time.Time     `json:"finish_time,omitempty"`
		IsDryRun   bool           `json:"is_dry_run"`
		IsRetry    bool           `json:"is_retry"`
		Attempt    int            `json:"attempt"`
		Inputs     sdk.Inputs     `json:"inputs"`
		Dir        string         `json:"dir"`
	}

	// Vars is the flattened snapshot together with the layers it was built
	// from, so a retry can restore provenance.
	Vars struct {
		Snapshot vars.Tree    `json:"snapshot"`
		Layers   []vars.Layer `json:"layers"`
	}

	Operation string

	Change struct {
		Operation  Operation
		PipelineId string
		Doc        string
		Execution  *Execution
		Revision   uint64
	}
)

var (
	PutOperation    Operation = "put"
	DeleteOperation Operation = "del"
)

// Snapshot captures e; view is the already masked report of e. Secure
// values are moved out of the pipeline and the variables into Secrets.
func Snapshot(e *sdk.PipelineExecution, view any) (*State, error) {
	pipeline, err := clonePipeline(e.Pipeline)
	if err != nil {
		return nil, err
	}

	s := &State{
		Execution: Execution{
			PipelineId: e.Pipeline.ID,
			Name:       e.Pipeline.Name,
			Status:     e.Status,
			Code:       e.Code,
			StartTime:  e.StartTime,
			FinishTime: e.FinishTime,
			IsDryRun:   e.IsDryRun,
			IsRetry:    e.IsRetry,
			Attempt:    e.Attempt,
			Inputs:     e.Inputs,
			Dir:        e.Dir,
		},
		Pipeline: pipeline,
		Vars: Vars{
			Snapshot: e.Vars.Flatten(),
			Layers:   e.Vars.Layers(),
		},
	}
	s.extractSecrets(e.Vars.SecureNames())

	if view != nil {
		b, err := json.Marshal(view)
		if err != nil {
			return nil, sdk.NewPersistenceError("unable to encode report view", err)
		}
		s.View = b
	}
	return s, nil
}

func (s *State) extractSecrets(secureNames map[string]bool) {
	for i, l := range s.Vars.Layers {
		if !l.Secure || len(l.Vars) == 0 {
			continue
		}
		if s.Secrets.Layers == nil {
			s.Secrets.Layers = map[string]vars.Tree{}
		}
		s.Secrets.Layers[l.Name] = l.Vars
		s.Vars.Layers[i].Vars = redact(l.Vars)
	}
	for name := range secureNames {
		if v, fnd := s.Vars.Snapshot[name]; fnd {
			s.Vars.Snapshot[name] = report.MaskAll(v)
		}
	}

	s.Pipeline.Walk(func(st *sdk.Stage) {
		sec := StageSecrets{
			Declared: st.Input.ParamsSecure,
			Input:    st.Evaluated.Input.ParamsSecure,
			Output:   st.Evaluated.Output.ParamsSecure,
		}
		if len(sec.Declared) == 0 && len(sec.Input) == 0 && len(sec.Output) == 0 {
			return
		}
		if s.Secrets.Stages == nil {
			s.Secrets.Stages = map[string]StageSecrets{}
		}
		s.Secrets.Stages[st.JobID] = sec
		st.Input.ParamsSecure = redact(sec.Declared)
		st.Evaluated.Input.ParamsSecure = redact(sec.Input)
		st.Evaluated.Output.ParamsSecure = redact(sec.Output)
	})
}

// Empty reports whether there is no secure value at all.
func (s Secrets) Empty() bool {
	return len(s.Layers) == 0 && len(s.Stages) == 0
}

// Documents returns the state documents by name. Secrets are never part
// of them.
func (s *State) Documents() map[string]any {
	docs := map[string]any{
		ExecutionDoc: s.Execution,
		PipelineDoc:  s.Pipeline,
		VarsDoc:      s.Vars,
	}
	if len(s.View) > 0 {
		docs[ViewDoc] = s.View
	}
	return docs
}

// Restore rebuilds an execution from its persisted state, secure values
// included.
func (s *State) Restore() *sdk.PipelineExecution {
	layers := make([]vars.Layer, len(s.Vars.Layers))
	copy(layers, s.Vars.Layers)
	for i, l := range layers {
		if sec, fnd := s.Secrets.Layers[l.Name]; fnd && l.Secure {
			layers[i].Vars = sec
		}
	}

	s.Pipeline.Walk(func(st *sdk.Stage) {
		sec, fnd := s.Secrets.Stages[st.JobID]
		if !fnd {
			return
		}
		st.Input.ParamsSecure = sec.Declared
		st.Evaluated.Input.ParamsSecure = sec.Input
		st.Evaluated.Output.ParamsSecure = sec.Output
	})

	e := sdk.NewExecution(s.Pipeline, s.Execution.Dir, vars.NewSet(layers...))
	e.Inputs = s.Execution.Inputs
	e.IsDryRun = s.Execution.IsDryRun
	e.IsRetry = s.Execution.IsRetry
	e.Attempt = s.Execution.Attempt
	e.Status = s.Execution.Status
	e.Code = s.Execution.Code
	e.StartTime = s.Execution.StartTime
	e.FinishTime = s.Execution.FinishTime
	return e
}

// clonePipeline deep copies p so masking never touches the live execution.
func clonePipeline(p *sdk.Pipeline) (*sdk.Pipeline, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, sdk.NewPersistenceError("unable to encode pipeline", err)
	}
	var out sdk.Pipeline
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, sdk.NewPersistenceError("unable to copy pipeline", err)
	}
	return &out, nil
}

func redact(t vars.Tree) vars.Tree {
	if t == nil {
		return nil
	}
	return report.MaskAll(t).(vars.Tree)
}

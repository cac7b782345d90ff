// Package exec runs the module behind a stage and reports how it exited.
package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/shono-io/pipex/sdk"
)

type (
	// Config selects the docker daemon the DockerRunner talks to.
	Config struct {
		FromEnv bool
		Url     string
	}

	// Invocation is everything a runner needs to launch one stage.
	Invocation struct {
		JobID       string
		Kind        sdk.StageKind
		Path        string
		Command     string
		ExecDir     string
		ContextFile string
		Env         map[string]string
		Timeout     time.Duration
	}

	// Result is the outcome of an invocation. Only the exit code drives
	// the stage status; a non-nil error from Run means the module could
	// not be launched or awaited at all.
	Result struct {
		ExitCode int
		Usage    *sdk.Usage
	}

	Runner interface {
		Run(ctx context.Context, inv Invocation) (Result, error)
	}

	// Cleaner is a runner that can leave things behind an exec dir, such as
	// containers of a run that was killed.
	Cleaner interface {
		Cleanup(ctx context.Context, execDir string) error
	}

	// Mux routes invocations to the runner registered for their kind.
	Mux struct {
		runners map[sdk.StageKind]Runner
	}
)

func NewMux() *Mux {
	return &Mux{runners: map[sdk.StageKind]Runner{}}
}

// Handle registers r for the given kinds.
func (m *Mux) Handle(r Runner, kinds ...sdk.StageKind) *Mux {
	for _, k := range kinds {
		m.runners[k] = r
	}
	return m
}

func (m *Mux) Run(ctx context.Context, inv Invocation) (Result, error) {
	switch inv.Kind {
	case sdk.KindModule, sdk.KindDocker, sdk.KindReport:
		r, fnd := m.runners[inv.Kind]
		if !fnd {
			return Result{ExitCode: -1}, fmt.Errorf("no runner registered for stage kind %s", inv.Kind)
		}
		return r.Run(ctx, inv)
	case sdk.KindParallel, sdk.KindNestedPipeline:
		return Result{ExitCode: -1}, fmt.Errorf("stage kind %s is not invoked as a module", inv.Kind)
	default:
		return Result{ExitCode: -1}, fmt.Errorf("unsupported stage kind %q", inv.Kind)
	}
}

// Cleanup hands execDir to the docker runner when it can clean up after
// itself.
func (m *Mux) Cleanup(ctx context.Context, execDir string) error {
	if c, ok := m.runners[sdk.KindDocker].(Cleaner); ok {
		return c.Cleanup(ctx, execDir)
	}
	return nil
}

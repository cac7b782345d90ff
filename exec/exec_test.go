package exec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "module.sh")
	require.NoError(t, os.WriteFile(file, []byte("#!/bin/sh\n"+body), 0o755))
	return file
}

func newTestWorkspace(t *testing.T) (*Workspace, string) {
	t.Helper()
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "stages", "job"))
	require.NoError(t, err)
	ctxFile, err := ws.WriteContext(ContextFileName, ws.Dir)
	require.NoError(t, err)
	return ws, ctxFile
}

func TestWorkspaceRoundTripsParams(t *testing.T) {
	ws, ctxFile := newTestWorkspace(t)
	require.NoError(t, ws.WriteInput(sdk.Params{
		Params:       vars.Tree{"param_1": "1"},
		ParamsSecure: vars.Tree{"token": "s3cr3t"},
	}))

	b, err := os.ReadFile(ctxFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), filepath.Join(ws.Dir, "output", "output_params.yaml"))

	in, err := readYAML(filepath.Join(ws.Dir, InputParamsFileName))
	require.NoError(t, err)
	v, ok := vars.Lookup(in, "params.param_1")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "output", OutputParamsFileName), []byte("params:\n  result: 3\n"), 0o644))
	plain, secure, err := ws.ReadOutput()
	require.NoError(t, err)
	assert.Empty(t, secure)
	v, ok = vars.Lookup(plain, "params.result")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestWorkspaceContainerPaths(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	p := ws.Paths(WorkspaceMount)
	assert.Equal(t, "/workspace/input_params.yaml", p.Input.Params)
	assert.Equal(t, "/workspace/output/files", p.Output.Files)
}

func TestProcessRunnerPassesContextAndExitCode(t *testing.T) {
	ws, ctxFile := newTestWorkspace(t)
	script := writeScript(t, `echo "args: $@"
echo "to stderr" 1>&2
exit 3
`)

	res, err := NewProcessRunner(ProcessConfig{}).Run(context.Background(), Invocation{
		JobID:       "job",
		Kind:        sdk.KindModule,
		Path:        script,
		Command:     "calc",
		ExecDir:     ws.Dir,
		ContextFile: ctxFile,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Nil(t, res.Usage)

	log, err := os.ReadFile(ws.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(log), "args: calc --context_path="+ctxFile)
	assert.Contains(t, string(log), "to stderr")
}

func TestProcessRunnerSeesEnvironment(t *testing.T) {
	ws, ctxFile := newTestWorkspace(t)
	script := writeScript(t, `echo "$PIPEX_TEST_VALUE"`)

	res, err := NewProcessRunner(ProcessConfig{}).Run(context.Background(), Invocation{
		JobID: "job", Kind: sdk.KindModule, Path: script, ExecDir: ws.Dir, ContextFile: ctxFile,
		Env: map[string]string{"PIPEX_TEST_VALUE": "from-env"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	log, err := os.ReadFile(ws.LogPath())
	require.NoError(t, err)
	assert.Equal(t, "from-env", strings.TrimSpace(string(log)))
}

func TestProcessRunnerMissingBinary(t *testing.T) {
	ws, ctxFile := newTestWorkspace(t)
	res, err := NewProcessRunner(ProcessConfig{}).Run(context.Background(), Invocation{
		JobID: "job", Kind: sdk.KindModule, Path: filepath.Join(ws.Dir, "nope"), ExecDir: ws.Dir, ContextFile: ctxFile,
	})
	assert.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestProcessRunnerTimeout(t *testing.T) {
	ws, ctxFile := newTestWorkspace(t)
	script := writeScript(t, "exec sleep 5\n")

	start := time.Now()
	res, err := NewProcessRunner(ProcessConfig{}).Run(context.Background(), Invocation{
		JobID: "job", Kind: sdk.KindModule, Path: script, ExecDir: ws.Dir, ContextFile: ctxFile,
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestProcessRunnerProfilesUsage(t *testing.T) {
	ws, ctxFile := newTestWorkspace(t)
	script := writeScript(t, "sleep 0.3\n")

	res, err := NewProcessRunner(ProcessConfig{Profile: true, ProfileInterval: 20 * time.Millisecond}).Run(context.Background(), Invocation{
		JobID: "job", Kind: sdk.KindModule, Path: script, ExecDir: ws.Dir, ContextFile: ctxFile,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Usage)
	assert.GreaterOrEqual(t, res.Usage.Samples, 1)
}

func TestProcessRunnerShellPath(t *testing.T) {
	ws, ctxFile := newTestWorkspace(t)
	script := writeScript(t, `echo "$1"`)

	res, err := NewProcessRunner(ProcessConfig{Shell: true}).Run(context.Background(), Invocation{
		JobID: "job", Kind: sdk.KindModule, Path: "sh " + script, Command: "hello", ExecDir: ws.Dir, ContextFile: ctxFile,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	log, err := os.ReadFile(ws.LogPath())
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.TrimSpace(string(log)))
}

type fixedRunner struct{ code int }

func (f fixedRunner) Run(context.Context, Invocation) (Result, error) {
	return Result{ExitCode: f.code}, nil
}

func TestMuxRoutesByKind(t *testing.T) {
	m := NewMux().
		Handle(fixedRunner{code: 0}, sdk.KindModule, sdk.KindReport).
		Handle(fixedRunner{code: 7}, sdk.KindDocker)

	res, err := m.Run(context.Background(), Invocation{Kind: sdk.KindReport})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	res, err = m.Run(context.Background(), Invocation{Kind: sdk.KindDocker})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)

	_, err = m.Run(context.Background(), Invocation{Kind: sdk.KindParallel})
	assert.Error(t, err)

	_, err = m.Run(context.Background(), Invocation{Kind: "SHELL"})
	assert.ErrorContains(t, err, "unsupported stage kind")
}

func TestMuxWithoutRunner(t *testing.T) {
	_, err := NewMux().Run(context.Background(), Invocation{Kind: sdk.KindDocker})
	assert.Error(t, err)
}

type cleaningRunner struct {
	fixedRunner
	dirs []string
}

func (c *cleaningRunner) Cleanup(_ context.Context, execDir string) error {
	c.dirs = append(c.dirs, execDir)
	return nil
}

func TestMuxCleanupReachesDockerRunner(t *testing.T) {
	docker := &cleaningRunner{}
	module := &cleaningRunner{}
	m := NewMux().Handle(module, sdk.KindModule).Handle(docker, sdk.KindDocker)

	require.NoError(t, m.Cleanup(context.Background(), "/tmp/p/stages/build"))
	assert.Equal(t, []string{"/tmp/p/stages/build"}, docker.dirs)
	assert.Empty(t, module.dirs)

	assert.NoError(t, NewMux().Handle(fixedRunner{}, sdk.KindDocker).Cleanup(context.Background(), "/tmp/x"))
}

func TestDockerContainerConfig(t *testing.T) {
	d := &DockerRunner{}
	inv := Invocation{JobID: "build", Path: "python:3.12", Command: "run-sample", ExecDir: "/tmp/p/stages/build"}

	cc := d.toDockerContainerConfig(inv)
	assert.Equal(t, "python:3.12", cc.Image)
	assert.Equal(t, []string{"run-sample", "--context_path=/workspace/container_context.yaml"}, []string(cc.Cmd))
	assert.Equal(t, "build", cc.Labels[jobLabel])

	hc := d.toDockerHostConfig(inv)
	require.Len(t, hc.Mounts, 1)
	assert.Equal(t, "/tmp/p/stages/build", hc.Mounts[0].Source)
	assert.Equal(t, WorkspaceMount, hc.Mounts[0].Target)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/shono-io/pipex/exec"
	"github.com/shono-io/pipex/gate"
	"github.com/shono-io/pipex/pkg"
	"github.com/shono-io/pipex/repo"
	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
)

// calcRunner stands in for the calculator module: it reads param_1,
// param_2 and operation from the input params, secure ones included, and
// writes
// params.<result_name|result>.
type calcRunner struct {
	delay time.Duration

	mu    sync.Mutex
	calls map[string]int

	running    atomic.Int32
	maxRunning atomic.Int32
}

func newCalcRunner() *calcRunner {
	return &calcRunner{calls: map[string]int{}}
}

func (c *calcRunner) Run(ctx context.Context, inv exec.Invocation) (exec.Result, error) {
	c.mu.Lock()
	c.calls[inv.JobID]++
	c.mu.Unlock()

	n := c.running.Add(1)
	defer c.running.Add(-1)
	for {
		m := c.maxRunning.Load()
		if n <= m || c.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	b, err := os.ReadFile(filepath.Join(inv.ExecDir, exec.InputParamsFileName))
	if err != nil {
		return exec.Result{ExitCode: -1}, err
	}
	var doc struct {
		Params map[string]any `yaml:"params"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return exec.Result{ExitCode: -1}, err
	}
	if b, err := os.ReadFile(filepath.Join(inv.ExecDir, exec.InputSecureFileName)); err == nil {
		var secure struct {
			Params map[string]any `yaml:"params"`
		}
		if err := yaml.Unmarshal(b, &secure); err != nil {
			return exec.Result{ExitCode: -1}, err
		}
		for k, v := range secure.Params {
			if doc.Params == nil {
				doc.Params = map[string]any{}
			}
			doc.Params[k] = v
		}
	}

	if _, fnd := doc.Params["operation"]; !fnd {
		return exec.Result{ExitCode: 0}, nil
	}

	p1, err1 := strconv.Atoi(vars.Stringify(doc.Params["param_1"]))
	p2, err2 := strconv.Atoi(vars.Stringify(doc.Params["param_2"]))
	if err1 != nil || err2 != nil {
		return exec.Result{ExitCode: 2}, nil
	}

	var result int
	switch vars.Stringify(doc.Params["operation"]) {
	case "add":
		result = p1 + p2
	case "subtract":
		result = p1 - p2
	case "multiply":
		result = p1 * p2
	default:
		return exec.Result{ExitCode: 1}, nil
	}

	name := vars.Stringify(doc.Params["result_name"])
	if name == "" {
		name = "result"
	}
	out, err := yaml.Marshal(map[string]any{"params": map[string]any{name: result}})
	if err != nil {
		return exec.Result{ExitCode: -1}, err
	}
	if err := os.WriteFile(filepath.Join(inv.ExecDir, "output", exec.OutputParamsFileName), out, 0o644); err != nil {
		return exec.Result{ExitCode: -1}, err
	}
	return exec.Result{ExitCode: 0}, nil
}

func (c *calcRunner) callsFor(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[jobID]
}

type recordingEncryptor struct {
	files []string
}

func (r *recordingEncryptor) EncryptFile(_ context.Context, file string) error {
	r.files = append(r.files, file)
	return nil
}

func (r *recordingEncryptor) DecryptFile(_ context.Context, file string) ([]byte, error) {
	return os.ReadFile(file)
}

func openGate() *gate.Gate {
	return gate.New(gate.Config{Enabled: false})
}

func newOrchestrator(runner exec.Runner, g *gate.Gate) *Orchestrator {
	return New(Deps{Gate: g, Runner: runner, Config: pkg.Config{Report: pkg.ReportConfig{SendMode: pkg.ReportOnCompletion}}})
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	file := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	return file
}

func runPipeline(t *testing.T, o *Orchestrator, req Request) *sdk.PipelineExecution {
	t.Helper()
	e, err := o.Prepare(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), e))
	return e
}

func readOutput(t *testing.T, file string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(file)
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(b, &doc))
	return doc["params"]
}

const calculatorConfig = `
kind: AtlasConfig
configs:
  calc:
    PARAM_1: 7
    PARAM_2: 12
`

const calculatorPipeline = `
kind: AtlasPipeline
pipeline:
  id: calc
  name: Calculator
  jobs:
    calc:
      path: calc
      input:
        params:
          operation: add
  stages:
    - name: Sum
      id: sum
      job: calc
      input:
        params:
          param_1: ${PARAM_1}
          param_2: ${PARAM_2}
      output:
        params:
          CALC_RESULT: params.result
  configuration:
    output:
      params:
        CALC_RESULT: ${CALC_RESULT}
      params_secure:
        CALC_RESULT_SECURE: ${CALC_RESULT}
`

func TestCalculatorPipeline(t *testing.T) {
	defs := t.TempDir()
	cfg := writeFile(t, defs, "config_calculator.yaml", calculatorConfig)
	pipe := writeFile(t, defs, "pipeline_calculator.yaml", calculatorPipeline)
	dir := filepath.Join(t.TempDir(), "run")

	enc := &recordingEncryptor{}
	o := New(Deps{Gate: openGate(), Runner: newCalcRunner(), Encryptor: enc})
	e := runPipeline(t, o, Request{PipelineData: cfg + ";" + pipe + ";", Dir: dir})

	assert.Equal(t, sdk.SuccessStatus, e.Status)
	assert.Equal(t, sdk.CodeSuccess, e.Code)
	assert.Equal(t, sdk.SuccessStatus, e.Pipeline.Stages[0].Status)

	out := readOutput(t, filepath.Join(dir, repo.OutputDirName, OutputParamsFileName))
	assert.Equal(t, "19", out["CALC_RESULT"])

	secureFile := filepath.Join(dir, repo.OutputDirName, OutputParamsSecureFileName)
	assert.Equal(t, "19", readOutput(t, secureFile)["CALC_RESULT_SECURE"])
	assert.Equal(t, []string{secureFile}, enc.files)

	for _, doc := range repo.Docs {
		assert.FileExists(t, filepath.Join(dir, repo.StateDirName, doc))
	}
	assert.FileExists(t, filepath.Join(dir, StagesDirName, "sum", exec.ContextFileName))
}

const retryPipeline = `
kind: AtlasPipeline
pipeline:
  id: retry
  vars:
    PARAM_1: 7
    PARAM_2: 9
    CALC_OPERATION: power
  stages:
    - id: zero
      path: calc
      input:
        params: {param_1: 1, param_2: 1, operation: add}
      output:
        params: {CALC_0: params.result}
    - id: first
      path: calc
      input:
        params: {param_1: "${PARAM_1}", param_2: "${PARAM_2}", operation: "${CALC_OPERATION}"}
      output:
        params: {CALC_1: params.result}
    - id: second
      path: calc
      input:
        params: {param_1: "${CALC_1}", param_2: "0", operation: add}
      output:
        params: {CALC_2: params.result}
  configuration:
    output:
      params:
        CALC_3: ${CALC_2}
`

func TestRetryResumesFromFailedStage(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "pipeline_retry.yaml", retryPipeline)
	dir := filepath.Join(t.TempDir(), "run")
	runner := newCalcRunner()
	o := newOrchestrator(runner, openGate())

	first := runPipeline(t, o, Request{PipelineData: pipe, Dir: dir})
	assert.Equal(t, sdk.FailedStatus, first.Status)
	assert.Equal(t, sdk.CodeFailure, first.Code)
	assert.Equal(t, sdk.SuccessStatus, first.Pipeline.Stages[0].Status)
	assert.Equal(t, sdk.FailedStatus, first.Pipeline.Stages[1].Status)
	assert.Contains(t, first.Pipeline.Stages[1].Error, "exited with code 1")
	assert.Equal(t, sdk.SkippedStatus, first.Pipeline.Stages[2].Status)

	before, err := repo.NewFileRepository(dir).Load(context.Background())
	require.NoError(t, err)

	e, err := o.Retry(context.Background(), dir, "CALC_OPERATION=add")
	require.NoError(t, err)
	assert.Equal(t, sdk.SuccessStatus, e.Status)
	assert.Equal(t, sdk.CodeSuccess, e.Code)
	assert.True(t, e.IsRetry)
	assert.Equal(t, 2, e.Attempt)

	zero := e.Pipeline.Stages[0]
	assert.Equal(t, before.Pipeline.Stages[0].Evaluated, zero.Evaluated)
	assert.Equal(t, before.Pipeline.Stages[0].FinishTime, zero.FinishTime)
	assert.Equal(t, 1, runner.callsFor("zero"))
	assert.Equal(t, 2, runner.callsFor("first"))
	assert.Equal(t, 1, runner.callsFor("second"))

	out := readOutput(t, filepath.Join(dir, repo.OutputDirName, OutputParamsFileName))
	assert.Equal(t, "16", out["CALC_3"])

	backups, err := os.ReadDir(filepath.Join(dir, repo.BackupDirName))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	sources := map[string]string{}
	for _, v := range e.Vars.WithSources(nil) {
		sources[v.Name] = v.Source
	}
	assert.Equal(t, vars.SourceRetry, sources["CALC_OPERATION"])
}

const attemptsPipeline = `
kind: AtlasPipeline
pipeline:
  id: attempts
  vars:
    OP1: power
    OP2: power
  stages:
    - id: first
      path: calc
      input:
        params: {param_1: 1, param_2: 2, operation: "${OP1}"}
      output:
        params: {X: params.result}
    - id: second
      path: calc
      input:
        params: {param_1: "${X}", param_2: 1, operation: "${OP2}"}
      output:
        params: {Y: params.result}
  configuration:
    output:
      params:
        Y: ${Y}
`

func TestRepeatedRetriesOverrideStageOutputs(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "pipeline_attempts.yaml", attemptsPipeline)
	dir := filepath.Join(t.TempDir(), "run")
	runner := newCalcRunner()
	o := newOrchestrator(runner, openGate())

	e := runPipeline(t, o, Request{PipelineData: pipe, Dir: dir})
	require.Equal(t, sdk.FailedStatus, e.Pipeline.Stages[0].Status)

	e, err := o.Retry(context.Background(), dir, "OP1=add")
	require.NoError(t, err)
	assert.Equal(t, sdk.FailedStatus, e.Status)
	assert.Equal(t, sdk.SuccessStatus, e.Pipeline.Stages[0].Status)
	assert.Equal(t, sdk.FailedStatus, e.Pipeline.Stages[1].Status)

	before, err := repo.NewFileRepository(dir).Load(context.Background())
	require.NoError(t, err)

	// X comes out of the first stage as 3, the retry value must win
	e, err = o.Retry(context.Background(), dir, "X=50;OP2=add")
	require.NoError(t, err)
	assert.Equal(t, sdk.SuccessStatus, e.Status)
	assert.Equal(t, 3, e.Attempt)

	x, ok := e.Vars.Get("X")
	require.True(t, ok)
	assert.Equal(t, "50", vars.Stringify(x))

	first := e.Pipeline.Stages[0]
	assert.Equal(t, before.Pipeline.Stages[0].Evaluated, first.Evaluated)
	assert.Equal(t, before.Pipeline.Stages[0].FinishTime, first.FinishTime)
	assert.Equal(t, 2, runner.callsFor("first"))
	assert.Equal(t, 2, runner.callsFor("second"))

	out := readOutput(t, filepath.Join(dir, repo.OutputDirName, OutputParamsFileName))
	assert.Equal(t, "51", out["Y"])
}

const securePipeline = `
kind: AtlasPipeline
pipeline:
  id: sealed
  vars:
    OP: power
  stages:
    - id: seal
      path: calc
      input:
        params: {param_1: 40000, param_2: 2, operation: add}
      output:
        params_secure: {SECRET_RESULT: params.result}
    - id: open
      path: calc
      input:
        params: {param_2: 1, operation: "${OP}", result_name: opened}
        params_secure: {param_1: "${SECRET_RESULT}"}
      output:
        params: {OPENED: params.opened}
  configuration:
    output:
      params:
        OPENED: ${OPENED}
`

func TestSecureValuesStayOutOfStateDocuments(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "pipeline_sealed.yaml", securePipeline)
	dir := filepath.Join(t.TempDir(), "run")
	enc := &recordingEncryptor{}
	o := New(Deps{Gate: openGate(), Runner: newCalcRunner(), Encryptor: enc})

	e := runPipeline(t, o, Request{PipelineData: pipe, Dir: dir})
	require.Equal(t, sdk.SuccessStatus, e.Pipeline.Stages[0].Status)
	require.Equal(t, sdk.FailedStatus, e.Pipeline.Stages[1].Status)

	stateDir := filepath.Join(dir, repo.StateDirName)
	entries, err := os.ReadDir(stateDir)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Name() == repo.SecureDoc {
			continue
		}
		b, err := os.ReadFile(filepath.Join(stateDir, entry.Name()))
		require.NoError(t, err)
		assert.NotContains(t, string(b), "40002", entry.Name())
	}
	secure := filepath.Join(stateDir, repo.SecureDoc)
	assert.FileExists(t, secure)
	assert.Contains(t, enc.files, secure)

	// a retry still resolves the secure value
	e, err = o.Retry(context.Background(), dir, "OP=add")
	require.NoError(t, err)
	assert.Equal(t, sdk.SuccessStatus, e.Status)

	out := readOutput(t, filepath.Join(dir, repo.OutputDirName, OutputParamsFileName))
	assert.Equal(t, "40003", out["OPENED"])
}

type cleaningRunner struct {
	*calcRunner
	dirs []string
}

func (c *cleaningRunner) Cleanup(_ context.Context, execDir string) error {
	c.dirs = append(c.dirs, execDir)
	return errors.New("daemon gone")
}

func TestRetryCleansUpDockerStages(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "p.yaml", `
kind: AtlasPipeline
pipeline:
  id: boxed
  vars:
    OP: power
  stages:
    - id: ok
      path: calc
      input:
        params: {param_1: 1, param_2: 1, operation: add}
    - id: boxed
      type: PYTHON_DOCKER_IMAGE
      path: calc
      input:
        params: {param_1: 1, param_2: 1, operation: "${OP}"}
`)
	dir := filepath.Join(t.TempDir(), "run")
	runner := &cleaningRunner{calcRunner: newCalcRunner()}
	o := newOrchestrator(runner, openGate())

	first := runPipeline(t, o, Request{PipelineData: pipe, Dir: dir})
	require.Equal(t, sdk.FailedStatus, first.Pipeline.Stages[1].Status)
	execDir := first.Pipeline.Stages[1].ExecDir
	require.NotEmpty(t, execDir)

	// a failing cleanup only warns
	e, err := o.Retry(context.Background(), dir, "OP=add")
	require.NoError(t, err)
	assert.Equal(t, sdk.SuccessStatus, e.Status)
	assert.Equal(t, []string{execDir}, runner.dirs)
}

func TestRetryWithoutStateFails(t *testing.T) {
	o := newOrchestrator(newCalcRunner(), openGate())
	_, err := o.Retry(context.Background(), t.TempDir(), "")
	assert.True(t, errors.Is(err, sdk.ErrPersistence), err)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, repo.StateDirName), 0o755))
	for _, doc := range []string{repo.ExecutionDoc, repo.PipelineDoc, repo.VarsDoc} {
		writeFile(t, filepath.Join(dir, repo.StateDirName), doc, "{not json")
	}
	_, err = o.Retry(context.Background(), dir, "")
	assert.True(t, errors.Is(err, sdk.ErrPersistence), err)
}

func parallelPipeline(n int) string {
	s := `
kind: AtlasPipeline
pipeline:
  id: fan
  stages:
    - name: block
      parallel:
`
	for i := 0; i < n; i++ {
		s += fmt.Sprintf(`        - id: child_%d
          path: calc
          input:
            params: {param_1: %d, param_2: 1, operation: add}
          output:
            params: {OUT_%d: params.result}
`, i, i, i)
	}
	s += `    - name: after
      path: calc
      input:
        params: {param_1: "${OUT_0}", param_2: "${OUT_1}", operation: add}
      output:
        params: {TOTAL: params.result}
`
	return s
}

func TestParallelBlockRunsEveryChild(t *testing.T) {
	const n = 5
	pipe := writeFile(t, t.TempDir(), "fan.yaml", parallelPipeline(n))
	dir := filepath.Join(t.TempDir(), "run")
	runner := newCalcRunner()

	e := runPipeline(t, newOrchestrator(runner, openGate()), Request{PipelineData: pipe, Dir: dir})
	require.Equal(t, sdk.SuccessStatus, e.Status)

	block := e.Pipeline.Stages[0]
	assert.Equal(t, sdk.SuccessStatus, block.Status)
	require.Len(t, block.Children, n)
	for _, c := range block.Children {
		assert.Equal(t, sdk.SuccessStatus, c.Status)
		assert.False(t, c.StartTime.Before(*block.StartTime))
		assert.False(t, c.FinishTime.After(*block.FinishTime))
	}

	total, fnd := e.Vars.Get("TOTAL")
	require.True(t, fnd)
	assert.Equal(t, 3, total)

	b, err := os.ReadFile(filepath.Join(dir, repo.StateDirName, repo.ViewDoc))
	require.NoError(t, err)
	var view struct {
		Stages []struct {
			NestedParallelStages []json.RawMessage `json:"nestedParallelStages"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(b, &view))
	assert.Len(t, view.Stages[0].NestedParallelStages, n)
}

func TestGateBoundsParallelChildren(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "fan.yaml", parallelPipeline(6))
	runner := newCalcRunner()
	runner.delay = 50 * time.Millisecond

	g := gate.New(gate.Config{
		Enabled:          true,
		MaxConcurrent:    2,
		RequiredMemoryMB: 1,
		QueueTimeout:     10 * time.Second,
		RecheckInterval:  10 * time.Millisecond,
	}, gate.WithMemoryProbe(func() (uint64, error) { return 1 << 40, nil }))

	e := runPipeline(t, newOrchestrator(runner, g), Request{PipelineData: pipe, Dir: filepath.Join(t.TempDir(), "run")})
	assert.Equal(t, sdk.SuccessStatus, e.Status)
	assert.LessOrEqual(t, runner.maxRunning.Load(), int32(2))
	assert.Equal(t, 0, g.Admitted())
}

func TestGateDenialFailsStage(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "fan.yaml", parallelPipeline(2))
	g := gate.New(gate.Config{
		Enabled:          true,
		MaxConcurrent:    1,
		RequiredMemoryMB: 1,
		QueueTimeout:     50 * time.Millisecond,
		RecheckInterval:  10 * time.Millisecond,
	}, gate.WithMemoryProbe(func() (uint64, error) { return 1 << 40, nil }))
	require.True(t, g.Acquire(context.Background()))
	defer g.Release()

	runner := newCalcRunner()
	e := runPipeline(t, newOrchestrator(runner, g), Request{PipelineData: pipe, Dir: filepath.Join(t.TempDir(), "run")})

	assert.Equal(t, sdk.FailedStatus, e.Status)
	for _, c := range e.Pipeline.Stages[0].Children {
		assert.Equal(t, sdk.FailedStatus, c.Status)
		assert.Contains(t, c.Error, sdk.ErrResourceTimeout.Error())
	}
	assert.Equal(t, sdk.SkippedStatus, e.Pipeline.Stages[1].Status)
	assert.Equal(t, 0, runner.callsFor("block__child_0"))
}

const conditionsPipeline = `
kind: AtlasPipeline
pipeline:
  id: conditions
  vars:
    INPUT_KEYWORD: wrong
  stages:
    - id: guarded
      path: calc
      when:
        condition: "'${INPUT_KEYWORD}' == 'correct'"
      input:
        params: {param_1: 1, param_2: 1, operation: add}
    - id: broken
      path: calc
      when:
        condition: INPUT_KEYWORD != 'correct'
      input:
        params: {param_1: 1, param_2: 1, operation: divide}
    - id: next
      path: calc
      input:
        params: {param_1: 1, param_2: 1, operation: add}
    - id: cleanup
      path: calc
      when:
        statuses: [FAILURE]
      input:
        params: {param_1: 1, param_2: 1, operation: add}
`

func TestWhenClauses(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "conditions.yaml", conditionsPipeline)
	dir := filepath.Join(t.TempDir(), "run")
	runner := newCalcRunner()

	e := runPipeline(t, newOrchestrator(runner, openGate()), Request{PipelineData: pipe, Dir: dir})
	assert.Equal(t, sdk.FailedStatus, e.Status)

	stages := e.Pipeline.Stages
	assert.Equal(t, sdk.SkippedStatus, stages[0].Status)
	assert.Equal(t, 0, runner.callsFor("guarded"))
	assert.NoDirExists(t, filepath.Join(dir, StagesDirName, "guarded"))

	assert.Equal(t, sdk.FailedStatus, stages[1].Status)
	assert.Equal(t, sdk.SkippedStatus, stages[2].Status)
	assert.Equal(t, 0, runner.callsFor("next"))
	assert.Equal(t, sdk.SuccessStatus, stages[3].Status)
	assert.Equal(t, 1, runner.callsFor("cleanup"))
}

func TestConditionOnUnknownVariableFailsStage(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "p.yaml", `
kind: AtlasPipeline
pipeline:
  stages:
    - id: a
      path: calc
      when:
        condition: MISSING == 'x'
`)
	runner := newCalcRunner()
	e := runPipeline(t, newOrchestrator(runner, openGate()), Request{PipelineData: pipe, Dir: filepath.Join(t.TempDir(), "run")})
	assert.Equal(t, sdk.FailedStatus, e.Pipeline.Stages[0].Status)
	assert.Contains(t, e.Pipeline.Stages[0].Error, sdk.ErrSubstitution.Error())
	assert.Equal(t, 0, runner.callsFor("a"))
}

func TestSelfReferenceFailsStage(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "p.yaml", `
kind: AtlasPipeline
pipeline:
  vars:
    A: ${A}
  stages:
    - id: a
      path: calc
      input:
        params: {value: "${A}"}
`)
	e := runPipeline(t, newOrchestrator(newCalcRunner(), openGate()), Request{PipelineData: pipe, Dir: filepath.Join(t.TempDir(), "run")})
	assert.Equal(t, sdk.FailedStatus, e.Status)
	assert.Contains(t, e.Pipeline.Stages[0].Error, vars.ErrNestingExceeded.Error())
}

func TestUnsupportedKindFailsFast(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "p.yaml", `
kind: AtlasPipeline
pipeline:
  stages:
    - {id: a, path: calc}
    - {id: b, type: SHELL_SCRIPT, path: x}
`)
	dir := filepath.Join(t.TempDir(), "run")
	o := newOrchestrator(newCalcRunner(), openGate())

	_, err := o.Prepare(context.Background(), Request{PipelineData: pipe, Dir: dir})
	assert.True(t, errors.Is(err, sdk.ErrConfig), err)
	assert.NoDirExists(t, dir)
}

func TestUnknownKindAtRunTimeFailsStage(t *testing.T) {
	p := &sdk.Pipeline{ID: "p", Name: "p", Stages: []*sdk.Stage{
		{ID: "a", JobID: "a", Name: "a", Kind: sdk.StageKind("BOGUS"), Status: sdk.PendingStatus},
	}}
	e := sdk.NewExecution(p, t.TempDir(), nil)

	require.NoError(t, newOrchestrator(newCalcRunner(), openGate()).Run(context.Background(), e))
	assert.Equal(t, sdk.FailedStatus, e.Status)
	assert.Contains(t, p.Stages[0].Error, "unsupported stage kind")
}

func TestNestedPipeline(t *testing.T) {
	defs := t.TempDir()
	nested := writeFile(t, defs, "nested.yaml", `
kind: AtlasPipeline
pipeline:
  id: inner
  stages:
    - id: inner_sum
      path: calc
      input:
        params: {param_1: "${P1}", param_2: "${P2}", operation: multiply}
        params_secure: {token: abc}
      output:
        params: {NESTED_RESULT: params.result}
`)
	outer := writeFile(t, defs, "outer.yaml", fmt.Sprintf(`
kind: AtlasPipeline
pipeline:
  id: outer
  vars:
    SECOND: "3"
  stages:
    - id: trigger
      type: NESTED_PIPELINE
      pipeline_data: %s
      pipeline_vars: "P1=2;P2=${SECOND}"
`, nested))
	dir := filepath.Join(t.TempDir(), "run")

	e := runPipeline(t, newOrchestrator(newCalcRunner(), openGate()), Request{PipelineData: outer, Dir: dir})
	require.Equal(t, sdk.SuccessStatus, e.Status)

	trigger := e.Pipeline.Stages[0]
	assert.Equal(t, sdk.SuccessStatus, trigger.Status)
	require.NotNil(t, trigger.NestedReport)
	assert.Equal(t, "SUCCESS", trigger.NestedReport["execution"].(vars.Tree)["status"])
	assert.FileExists(t, filepath.Join(trigger.ExecDir, repo.StateDirName, repo.ExecutionDoc))

	_, leaked := e.Vars.Get("NESTED_RESULT")
	assert.False(t, leaked)

	b, err := json.Marshal(trigger.NestedReport)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "abc")
}

func TestDryRunSkipsModules(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "fan.yaml", parallelPipeline(2))
	dir := filepath.Join(t.TempDir(), "run")
	runner := newCalcRunner()

	e := runPipeline(t, newOrchestrator(runner, openGate()), Request{PipelineData: pipe, Dir: dir, DryRun: true})
	assert.Equal(t, sdk.SuccessStatus, e.Status)
	e.Pipeline.Walk(func(s *sdk.Stage) {
		assert.Equal(t, sdk.SkippedStatus, s.Status, s.JobID)
	})
	assert.Equal(t, 0, runner.callsFor("after"))
	assert.NoDirExists(t, filepath.Join(dir, repo.OutputDirName))
}

type reportChecker struct {
	*calcRunner
	sawReport bool
}

func (r *reportChecker) Run(ctx context.Context, inv exec.Invocation) (exec.Result, error) {
	if inv.Kind == sdk.KindReport {
		_, err := os.Stat(filepath.Join(inv.ExecDir, "input_files", ExecutionReportFileName))
		r.sawReport = err == nil
		return exec.Result{}, nil
	}
	return r.calcRunner.Run(ctx, inv)
}

func TestReportStageReceivesExecutionReport(t *testing.T) {
	pipe := writeFile(t, t.TempDir(), "p.yaml", `
kind: AtlasPipeline
pipeline:
  stages:
    - {id: a, path: calc, input: {params: {param_1: 1, param_2: 1, operation: add}}}
    - {id: report, type: REPORT, path: report}
`)
	runner := &reportChecker{calcRunner: newCalcRunner()}
	e := runPipeline(t, newOrchestrator(runner, openGate()), Request{PipelineData: pipe, Dir: filepath.Join(t.TempDir(), "run")})
	assert.Equal(t, sdk.SuccessStatus, e.Status)
	assert.True(t, runner.sawReport)
}

func TestProcessRunnerEndToEnd(t *testing.T) {
	defs := t.TempDir()
	script := writeFile(t, defs, "module.sh", `#!/bin/sh
grep -q "name: ${EXPECTED}" input_params.yaml || exit 4
printf 'params:\n  greeting: hello\n' > output/output_params.yaml
`)
	require.NoError(t, os.Chmod(script, 0o755))
	pipe := writeFile(t, defs, "p.yaml", fmt.Sprintf(`
kind: AtlasPipeline
pipeline:
  vars:
    WHO: world
  stages:
    - id: greet
      path: %s
      input:
        params: {name: "${WHO}"}
      output:
        params: {GREETING: params.greeting}
  configuration:
    output:
      params:
        MESSAGE: "${GREETING} ${WHO}"
`, script))
	t.Setenv("EXPECTED", "world")

	dir := filepath.Join(t.TempDir(), "run")
	runner := exec.NewMux().Handle(exec.NewProcessRunner(exec.ProcessConfig{}), sdk.KindModule)
	e := runPipeline(t, newOrchestrator(runner, openGate()), Request{PipelineData: pipe, Dir: dir})

	require.Equal(t, sdk.SuccessStatus, e.Status, e.Pipeline.Stages[0].Error)
	assert.Equal(t, "hello world", readOutput(t, filepath.Join(dir, repo.OutputDirName, OutputParamsFileName))["MESSAGE"])
	assert.FileExists(t, filepath.Join(dir, StagesDirName, "greet", exec.ModuleLogFileName))
}

func TestResetForRetryKeepsSucceededChildren(t *testing.T) {
	done := time.Now()
	p := &sdk.Pipeline{Stages: []*sdk.Stage{
		{JobID: "a", Status: sdk.SuccessStatus, FinishTime: &done},
		{JobID: "block", Kind: sdk.KindParallel, Status: sdk.FailedStatus, Children: []*sdk.Stage{
			{JobID: "block__ok", Status: sdk.SuccessStatus, FinishTime: &done},
			{JobID: "block__bad", Status: sdk.FailedStatus, Error: "boom"},
		}},
		{JobID: "c", Status: sdk.SkippedStatus},
	}}

	assert.Equal(t, 1, ResetForRetry(p))
	assert.Equal(t, sdk.SuccessStatus, p.Stages[0].Status)
	assert.Equal(t, sdk.PendingStatus, p.Stages[1].Status)
	assert.Equal(t, sdk.SuccessStatus, p.Stages[1].Children[0].Status)
	assert.Equal(t, sdk.PendingStatus, p.Stages[1].Children[1].Status)
	assert.Empty(t, p.Stages[1].Children[1].Error)
	assert.Equal(t, sdk.PendingStatus, p.Stages[2].Status)
}

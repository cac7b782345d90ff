package exec

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
	"gopkg.in/yaml.v3"
)

const (
	ContextFileName      = "context.yaml"
	InputParamsFileName  = "input_params.yaml"
	InputSecureFileName  = "input_params_secure.yaml"
	OutputParamsFileName = "output_params.yaml"
	OutputSecureFileName = "output_params_secure.yaml"
	ModuleLogFileName    = "module.log"
	inputFilesDirName    = "input_files"
	outputDirName        = "output"
	outputFilesDirName   = "files"
	tempDirName          = "temp"
	contextKind          = "AtlasModuleContext"
	paramsKind           = "AtlasModuleParamsInsecure"
	secureParamsKind     = "AtlasModuleParamsSecure"
	documentAPIVersion   = "v1"
)

type (
	// Workspace is the exec dir of one stage. Everything a module reads or
	// writes lives below it.
	Workspace struct {
		Dir string
	}

	ContextPaths struct {
		Logs   string  `yaml:"logs"`
		Temp   string  `yaml:"temp"`
		Input  IOPaths `yaml:"input"`
		Output IOPaths `yaml:"output"`
	}

	IOPaths struct {
		Params       string `yaml:"params"`
		ParamsSecure string `yaml:"params_secure"`
		Files        string `yaml:"files"`
	}

	contextDoc struct {
		Kind       string       `yaml:"kind"`
		APIVersion string       `yaml:"apiVersion"`
		Paths      ContextPaths `yaml:"paths"`
	}

	paramsDoc struct {
		Kind       string    `yaml:"kind"`
		APIVersion string    `yaml:"apiVersion"`
		Params     vars.Tree `yaml:"params"`
	}
)

// NewWorkspace creates the exec dir layout under dir.
func NewWorkspace(dir string) (*Workspace, error) {
	for _, d := range []string{
		dir,
		filepath.Join(dir, inputFilesDirName),
		filepath.Join(dir, outputDirName, outputFilesDirName),
		filepath.Join(dir, tempDirName),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("unable to create stage directory %s: %w", d, err)
		}
	}
	return &Workspace{Dir: dir}, nil
}

// Paths returns the workspace layout as seen from root. Pass the exec dir
// for a local process, or the mount point for a container.
func (w *Workspace) Paths(root string) ContextPaths {
	join := filepath.Join
	if root != w.Dir {
		join = path.Join
	}
	return ContextPaths{
		Logs: root,
		Temp: join(root, tempDirName),
		Input: IOPaths{
			Params:       join(root, InputParamsFileName),
			ParamsSecure: join(root, InputSecureFileName),
			Files:        join(root, inputFilesDirName),
		},
		Output: IOPaths{
			Params:       join(root, outputDirName, OutputParamsFileName),
			ParamsSecure: join(root, outputDirName, OutputSecureFileName),
			Files:        join(root, outputDirName, outputFilesDirName),
		},
	}
}

// WriteContext writes the context document under name and returns its host
// path.
func (w *Workspace) WriteContext(name, root string) (string, error) {
	file := filepath.Join(w.Dir, name)
	doc := contextDoc{Kind: contextKind, APIVersion: documentAPIVersion, Paths: w.Paths(root)}
	if err := writeYAML(file, doc); err != nil {
		return "", err
	}
	return file, nil
}

// WriteInput writes the resolved input params of the stage.
func (w *Workspace) WriteInput(p sdk.Params) error {
	if err := writeYAML(filepath.Join(w.Dir, InputParamsFileName), paramsDoc{Kind: paramsKind, APIVersion: documentAPIVersion, Params: orEmpty(p.Params)}); err != nil {
		return err
	}
	return writeYAML(filepath.Join(w.Dir, InputSecureFileName), paramsDoc{Kind: secureParamsKind, APIVersion: documentAPIVersion, Params: orEmpty(p.ParamsSecure)})
}

// ReadOutput reads the documents the module left in output/. Missing files
// read as empty documents; output paths such as "params.result" are looked
// up from the document root.
func (w *Workspace) ReadOutput() (plain, secure vars.Tree, err error) {
	if plain, err = readYAML(filepath.Join(w.Dir, outputDirName, OutputParamsFileName)); err != nil {
		return nil, nil, err
	}
	if secure, err = readYAML(filepath.Join(w.Dir, outputDirName, OutputSecureFileName)); err != nil {
		return nil, nil, err
	}
	return plain, secure, nil
}

// ResetOutput removes whatever a previous attempt left in output/.
func (w *Workspace) ResetOutput() error {
	dir := filepath.Join(w.Dir, outputDirName)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("unable to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(w.OutputFilesDir(), 0o755); err != nil {
		return fmt.Errorf("unable to create %s: %w", dir, err)
	}
	return nil
}

func (w *Workspace) OutputFilesDir() string {
	return filepath.Join(w.Dir, outputDirName, outputFilesDirName)
}

func (w *Workspace) InputFilesDir() string {
	return filepath.Join(w.Dir, inputFilesDirName)
}

func (w *Workspace) LogPath() string {
	return filepath.Join(w.Dir, ModuleLogFileName)
}

func orEmpty(t vars.Tree) vars.Tree {
	if t == nil {
		return vars.Tree{}
	}
	return t
}

func writeYAML(file string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to encode %s: %w", filepath.Base(file), err)
	}
	if err := os.WriteFile(file, b, 0o644); err != nil {
		return fmt.Errorf("unable to write %s: %w", file, err)
	}
	return nil
}

func readYAML(file string) (vars.Tree, error) {
	b, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return vars.Tree{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", file, err)
	}
	var doc vars.Tree
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unable to decode %s: %w", file, err)
	}
	if doc == nil {
		doc = vars.Tree{}
	}
	return vars.Normalize(doc).(vars.Tree), nil
}

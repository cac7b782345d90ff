package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shono-io/pipex/repo"
	"github.com/shono-io/pipex/vars"
)

const (
	OutputParamsFileName       = "output_params.yaml"
	OutputParamsSecureFileName = "output_params_secure.yaml"
	OutputFilesDirName         = "output_files"
)

type outputDoc struct {
	Params vars.Tree `yaml:"params"`
}

// writeOutputs resolves the declared pipeline outputs against the final
// variables and writes them to pipeline_output. Values are written as
// strings.
func (r *run) writeOutputs(ctx context.Context) error {
	cfg := r.e.Pipeline.Output
	dir := filepath.Join(r.e.Dir, repo.OutputDirName)
	if err := os.MkdirAll(filepath.Join(dir, OutputFilesDirName), 0o755); err != nil {
		return fmt.Errorf("unable to create output directory: %w", err)
	}

	known := r.e.Vars.Flatten()

	plain, err := resolveOutputs(cfg.Params, known)
	if err != nil {
		return err
	}
	if err := writeOutputDoc(filepath.Join(dir, OutputParamsFileName), plain); err != nil {
		return err
	}

	secure, err := resolveOutputs(cfg.ParamsSecure, known)
	if err != nil {
		return err
	}
	if len(secure) > 0 {
		file := filepath.Join(dir, OutputParamsSecureFileName)
		if err := writeOutputDoc(file, secure); err != nil {
			return err
		}
		if err := r.o.deps.Encryptor.EncryptFile(ctx, file); err != nil {
			return fmt.Errorf("unable to encrypt secure output: %w", err)
		}
	}

	var errs []error
	for name, source := range cfg.Files {
		source, err := vars.Resolve(source, known)
		if err != nil {
			errs = append(errs, fmt.Errorf("output file %s: %w", name, err))
			continue
		}
		if !filepath.IsAbs(source) {
			source = filepath.Join(r.e.Dir, source)
		}
		target := filepath.Join(dir, OutputFilesDirName, filepath.Clean("/" + name))
		if err := copyFile(source, target); err != nil {
			errs = append(errs, fmt.Errorf("output file %s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Debug().Int("params", len(plain)).Int("secure_params", len(secure)).Int("files", len(cfg.Files)).Msg("pipeline output written")
	return nil
}

func resolveOutputs(decl vars.Tree, known vars.Tree) (vars.Tree, error) {
	resolved, err := vars.ResolveTree(decl, known)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve pipeline output: %w", err)
	}
	out := vars.Tree{}
	for k, v := range resolved {
		out[k] = vars.Stringify(v)
	}
	return out, nil
}

func writeOutputDoc(file string, params vars.Tree) error {
	b, err := yaml.Marshal(outputDoc{Params: params})
	if err != nil {
		return fmt.Errorf("unable to encode %s: %w", filepath.Base(file), err)
	}
	if err := os.WriteFile(file, b, 0o644); err != nil {
		return fmt.Errorf("unable to write %s: %w", file, err)
	}
	return nil
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

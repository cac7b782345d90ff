package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/secrets"
)

type (
	// FileRepository keeps the state documents in <dir>/pipeline_state. The
	// secure values go to their own document, encrypted with enc.
	FileRepository struct {
		dir string
		enc secrets.Encryptor

		mu         sync.Mutex
		lastSecure []byte
	}

	FileOption func(*FileRepository)
)

func WithEncryptor(enc secrets.Encryptor) FileOption {
	return func(f *FileRepository) {
		if enc != nil {
			f.enc = enc
		}
	}
}

func NewFileRepository(pipelineDir string, opts ...FileOption) *FileRepository {
	f := &FileRepository{dir: filepath.Join(pipelineDir, StateDirName), enc: secrets.Noop{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FileRepository) Dir() string {
	return f.dir
}

func (f *FileRepository) Save(ctx context.Context, s *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return sdk.NewPersistenceError("unable to create state directory", err)
	}

	docs := s.Documents()
	for _, name := range Docs {
		doc, fnd := docs[name]
		if !fnd {
			continue
		}
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return sdk.NewPersistenceError(fmt.Sprintf("unable to encode %s", name), err)
		}
		if err := writeAtomic(filepath.Join(f.dir, name), b); err != nil {
			return sdk.NewPersistenceError(fmt.Sprintf("unable to write %s", name), err)
		}
	}

	return f.saveSecrets(ctx, s.Secrets)
}

// saveSecrets writes and encrypts the secure document, only when its
// content changed since the last save.
func (f *FileRepository) saveSecrets(ctx context.Context, sec Secrets) error {
	file := filepath.Join(f.dir, SecureDoc)

	if sec.Empty() {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return sdk.NewPersistenceError(fmt.Sprintf("unable to remove %s", SecureDoc), err)
		}
		f.lastSecure = nil
		return nil
	}

	b, err := yaml.Marshal(sec)
	if err != nil {
		return sdk.NewPersistenceError(fmt.Sprintf("unable to encode %s", SecureDoc), err)
	}
	if bytes.Equal(b, f.lastSecure) {
		return nil
	}

	if err := writeAtomic(file, b); err != nil {
		return sdk.NewPersistenceError(fmt.Sprintf("unable to write %s", SecureDoc), err)
	}
	if err := f.enc.EncryptFile(ctx, file); err != nil {
		os.Remove(file)
		return sdk.NewPersistenceError(fmt.Sprintf("unable to encrypt %s", SecureDoc), err)
	}
	f.lastSecure = b
	return nil
}

func (f *FileRepository) Load(ctx context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &State{}
	if err := readDoc(filepath.Join(f.dir, ExecutionDoc), &s.Execution); err != nil {
		return nil, err
	}
	if err := readDoc(filepath.Join(f.dir, PipelineDoc), &s.Pipeline); err != nil {
		return nil, err
	}
	if err := readDoc(filepath.Join(f.dir, VarsDoc), &s.Vars); err != nil {
		return nil, err
	}
	if b, err := os.ReadFile(filepath.Join(f.dir, ViewDoc)); err == nil {
		s.View = b
	}

	if s.Pipeline == nil {
		return nil, sdk.NewPersistenceError(fmt.Sprintf("%s holds no pipeline", PipelineDoc), nil)
	}

	file := filepath.Join(f.dir, SecureDoc)
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	b, err := f.enc.DecryptFile(ctx, file)
	if err != nil {
		return nil, sdk.NewPersistenceError(fmt.Sprintf("unable to decrypt %s", SecureDoc), err)
	}
	if err := yaml.Unmarshal(b, &s.Secrets); err != nil {
		return nil, sdk.NewPersistenceError(fmt.Sprintf("%s is corrupt", SecureDoc), err)
	}
	return s, nil
}

func readDoc(file string, into any) error {
	b, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return sdk.NewPersistenceError(fmt.Sprintf("%s is missing", filepath.Base(file)), err)
	}
	if err != nil {
		return sdk.NewPersistenceError(fmt.Sprintf("unable to read %s", filepath.Base(file)), err)
	}
	if err := json.Unmarshal(b, into); err != nil {
		return sdk.NewPersistenceError(fmt.Sprintf("%s is corrupt", filepath.Base(file)), err)
	}
	return nil
}

// writeAtomic replaces file with data so readers never see a partial
// document.
func writeAtomic(file string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(file), "."+filepath.Base(file)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), file)
}

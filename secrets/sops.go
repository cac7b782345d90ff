// Package secrets encrypts secure output documents before they leave the
// pipeline directory.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBinary  = "sops"
	DefaultTimeout = 10 * time.Second
)

var ErrEncryptorMissing = errors.New("encryptor binary not found")

type (
	Encryptor interface {
		// EncryptFile encrypts the YAML document at file in place.
		EncryptFile(ctx context.Context, file string) error
		// DecryptFile returns the plain content of file, which may have been
		// left unencrypted.
		DecryptFile(ctx context.Context, file string) ([]byte, error)
	}

	Config struct {
		Enabled bool
		// FailOnMissing turns a missing binary into an error instead of
		// leaving the file in plain text.
		FailOnMissing bool
		Timeout       time.Duration
		Binary        string
	}

	Sops struct {
		cfg Config
	}

	// Noop leaves files untouched.
	Noop struct{}
)

func NewSops(cfg Config) *Sops {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Sops{cfg: cfg}
}

func (s *Sops) EncryptFile(ctx context.Context, file string) error {
	logger := zerolog.Ctx(ctx).With().Str("file", file).Logger()

	if !s.cfg.Enabled {
		logger.Debug().Msg("encryption disabled, leaving secure output in plain text")
		return nil
	}

	bin, err := exec.LookPath(s.cfg.Binary)
	if err != nil {
		if s.cfg.FailOnMissing {
			return fmt.Errorf("%w: %s: %w", ErrEncryptorMissing, s.cfg.Binary, err)
		}
		logger.Warn().Str("binary", s.cfg.Binary).Msg("encryptor not found, leaving secure output in plain text")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "--encrypt", "--in-place", file)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("unable to encrypt %s within %s: %w", file, s.cfg.Timeout, ctx.Err())
		}
		return fmt.Errorf("unable to encrypt %s: %s: %w", file, strings.TrimSpace(stderr.String()), err)
	}

	logger.Debug().Msg("secure output encrypted")
	return nil
}

func (s *Sops) DecryptFile(ctx context.Context, file string) ([]byte, error) {
	encrypted, err := IsEncrypted(file)
	if err != nil {
		return nil, err
	}
	if !encrypted {
		return os.ReadFile(file)
	}

	bin, err := exec.LookPath(s.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncryptorMissing, s.cfg.Binary, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "--decrypt", file)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("unable to decrypt %s within %s: %w", file, s.cfg.Timeout, ctx.Err())
		}
		return nil, fmt.Errorf("unable to decrypt %s: %s: %w", file, strings.TrimSpace(stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

func (Noop) EncryptFile(context.Context, string) error {
	return nil
}

func (Noop) DecryptFile(_ context.Context, file string) ([]byte, error) {
	return os.ReadFile(file)
}

// IsEncrypted reports whether the YAML document at file carries sops
// metadata.
func IsEncrypted(file string) (bool, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return false, fmt.Errorf("unable to read %s: %w", file, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return false, fmt.Errorf("unable to decode %s: %w", file, err)
	}
	_, fnd := doc["sops"]
	return fnd, nil
}

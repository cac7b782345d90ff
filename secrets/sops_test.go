package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "output_params_secure.yaml")
	require.NoError(t, os.WriteFile(file, []byte("params:\n  TOKEN: abc\n"), 0o644))
	return file
}

// fakeSops writes a script that appends sops metadata to the file it is
// given as last argument.
func fakeSops(t *testing.T, body string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake-sops")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+body), 0o755))
	return bin
}

func TestMissingBinary(t *testing.T) {
	file := writeDoc(t)

	err := NewSops(Config{Enabled: true, FailOnMissing: true, Binary: "pipex-no-such-sops"}).EncryptFile(context.Background(), file)
	assert.ErrorIs(t, err, ErrEncryptorMissing)

	err = NewSops(Config{Enabled: true, Binary: "pipex-no-such-sops"}).EncryptFile(context.Background(), file)
	assert.NoError(t, err)
	encrypted, err := IsEncrypted(file)
	require.NoError(t, err)
	assert.False(t, encrypted)
}

func TestDisabled(t *testing.T) {
	file := writeDoc(t)
	require.NoError(t, NewSops(Config{FailOnMissing: true, Binary: "pipex-no-such-sops"}).EncryptFile(context.Background(), file))
}

func TestEncryptInPlace(t *testing.T) {
	file := writeDoc(t)
	bin := fakeSops(t, `for last; do true; done
printf 'sops:\n  version: 3.8.1\n' >> "$last"
`)

	require.NoError(t, NewSops(Config{Enabled: true, Binary: bin}).EncryptFile(context.Background(), file))
	encrypted, err := IsEncrypted(file)
	require.NoError(t, err)
	assert.True(t, encrypted)
}

func TestEncryptFailure(t *testing.T) {
	bin := fakeSops(t, "echo 'no age key' >&2\nexit 2\n")
	err := NewSops(Config{Enabled: true, Binary: bin}).EncryptFile(context.Background(), writeDoc(t))
	assert.ErrorContains(t, err, "no age key")
}

func TestEncryptTimeout(t *testing.T) {
	bin := fakeSops(t, "exec sleep 5\n")
	err := NewSops(Config{Enabled: true, Binary: bin, Timeout: 100 * time.Millisecond}).EncryptFile(context.Background(), writeDoc(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecryptPlainFile(t *testing.T) {
	file := writeDoc(t)
	b, err := NewSops(Config{Enabled: true, Binary: "pipex-no-such-sops"}).DecryptFile(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, "params:\n  TOKEN: abc\n", string(b))
}

func TestDecryptEncryptedFile(t *testing.T) {
	file := writeDoc(t)
	require.NoError(t, os.WriteFile(file, []byte("params:\n  TOKEN: ENC[x]\nsops:\n  version: 3.8.1\n"), 0o644))
	bin := fakeSops(t, "printf 'params:\\n  TOKEN: abc\\n'\n")

	b, err := NewSops(Config{Enabled: true, Binary: bin}).DecryptFile(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, "params:\n  TOKEN: abc\n", string(b))

	_, err = NewSops(Config{Enabled: true, Binary: "pipex-no-such-sops"}).DecryptFile(context.Background(), file)
	assert.ErrorIs(t, err, ErrEncryptorMissing)
}

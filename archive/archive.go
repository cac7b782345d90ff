// Package archive packs pipeline directories for hand-off between runners
// and keeps backups of persisted state before a retry rewrites it.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

const (
	DefaultBinary = "7z"
	// PasswordEnv holds the key used as archive password when set.
	PasswordEnv = "SOPS_AGE_KEY"
)

// SevenZip shells out to the 7z binary. When the password variable is set,
// archives are written and read with it as password, fed on stdin.
type SevenZip struct {
	Binary string
	Getenv func(string) string
}

func NewSevenZip() *SevenZip {
	return &SevenZip{Binary: DefaultBinary, Getenv: os.Getenv}
}

// Archive packs dir into the zip archive at target.
func (z *SevenZip) Archive(ctx context.Context, dir, target string) error {
	password := z.password()
	args := []string{"a", "-tzip"}
	if password != "" {
		args = append(args, "-p")
	}
	args = append(args, target, dir)

	if err := z.run(ctx, password, args...); err != nil {
		return fmt.Errorf("unable to archive %s into %s: %w", dir, target, err)
	}
	zerolog.Ctx(ctx).Info().Str("dir", dir).Str("target", target).Bool("protected", password != "").Msg("pipeline directory archived")
	return nil
}

// Unarchive extracts the archive into target.
func (z *SevenZip) Unarchive(ctx context.Context, archive, target string) error {
	if err := z.run(ctx, z.password(), "x", "-o"+target, archive); err != nil {
		return fmt.Errorf("unable to extract %s into %s: %w", archive, target, err)
	}
	zerolog.Ctx(ctx).Info().Str("archive", archive).Str("target", target).Msg("archive extracted")
	return nil
}

func (z *SevenZip) password() string {
	if z.Getenv == nil {
		return ""
	}
	return z.Getenv(PasswordEnv)
}

func (z *SevenZip) run(ctx context.Context, stdin string, args ...string) error {
	bin := z.Binary
	if bin == "" {
		bin = DefaultBinary
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(out.String()), err)
	}
	return nil
}

package exec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type (
	ProcessConfig struct {
		// Profile turns on resource sampling of the module's process tree.
		Profile         bool
		ProfileInterval time.Duration
		// Shell runs path through "sh -c" when it contains spaces, so a
		// path like "python -m module" works as it does on a command line.
		Shell bool
	}

	// ProcessRunner launches modules as local subprocesses:
	// <path> <command> --context_path=<file>.
	ProcessRunner struct {
		cfg ProcessConfig
	}
)

func NewProcessRunner(cfg ProcessConfig) *ProcessRunner {
	return &ProcessRunner{cfg: cfg}
}

func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", inv.JobID).Logger()

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	ws := &Workspace{Dir: inv.ExecDir}
	logFile, err := os.OpenFile(ws.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("unable to open module log: %w", err)
	}
	defer logFile.Close()

	cmd := r.command(ctx, inv)
	cmd.Dir = inv.ExecDir
	cmd.Env = os.Environ()
	for k, v := range inv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out := io.Writer(logFile)
	if logger.GetLevel() <= zerolog.DebugLevel {
		lw := newLineLogger(logger)
		defer lw.Close()
		out = io.MultiWriter(logFile, lw)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Debug().Str("path", inv.Path).Str("command", inv.Command).Msg("starting module")
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("unable to start module %s: %w", inv.Path, err)
	}

	var prof *profiler
	if r.cfg.Profile {
		prof = startProfiler(ctx, cmd.Process.Pid, r.cfg.ProfileInterval)
	}

	waitErr := cmd.Wait()

	res := Result{}
	if prof != nil {
		res.Usage = prof.Stop()
	}

	if waitErr != nil {
		var exitErr *osexec.ExitError
		if !errors.As(waitErr, &exitErr) {
			res.ExitCode = -1
			return res, fmt.Errorf("unable to wait for module %s: %w", inv.Path, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			logger.Warn().Err(ctx.Err()).Msg("module was interrupted")
		}
	}

	logger.Debug().Int("exit_code", res.ExitCode).Msg("module finished")
	return res, nil
}

func (r *ProcessRunner) command(ctx context.Context, inv Invocation) *osexec.Cmd {
	args := strings.Fields(inv.Command)
	if inv.ContextFile != "" {
		args = append(args, "--context_path="+inv.ContextFile)
	}

	if r.cfg.Shell && strings.ContainsAny(strings.TrimSpace(inv.Path), " \t") {
		line := inv.Path
		for _, a := range args {
			line += " " + shellQuote(a)
		}
		return osexec.CommandContext(ctx, "sh", "-c", line)
	}
	return osexec.CommandContext(ctx, inv.Path, args...)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// lineLogger forwards module output to the debug log one line at a time.
type lineLogger struct {
	pw   *io.PipeWriter
	done chan struct{}
}

func newLineLogger(logger zerolog.Logger) *lineLogger {
	pr, pw := io.Pipe()
	l := &lineLogger{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			logger.Debug().Msg(sc.Text())
		}
		_, _ = io.Copy(io.Discard, pr)
	}()
	return l
}

func (l *lineLogger) Write(p []byte) (int, error) {
	return l.pw.Write(p)
}

func (l *lineLogger) Close() error {
	err := l.pw.Close()
	<-l.done
	return err
}

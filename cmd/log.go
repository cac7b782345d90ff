package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const ExecutionLogFileName = "execution.log"

// console is the stderr writer set up by the root command.
var console zerolog.LevelWriter = levelWriter{Writer: zerolog.ConsoleWriter{Out: os.Stderr}, level: zerolog.InfoLevel}

// levelWriter drops events below level, so the console and the execution
// log can run at different levels behind one logger.
type levelWriter struct {
	io.Writer
	level zerolog.Level
}

func (w levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < w.level {
		return len(p), nil
	}
	return w.Write(p)
}

// executionLogger logs to the console and, at debug level, to
// execution.log in the pipeline dir.
func executionLogger(dir string) (zerolog.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return log.Logger, nil, fmt.Errorf("unable to create pipeline directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, ExecutionLogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return log.Logger, nil, fmt.Errorf("unable to open execution log: %w", err)
	}

	file := levelWriter{Writer: f, level: zerolog.DebugLevel}
	logger := zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
	return logger, f, nil
}

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelWriterDropsLowerLevels(t *testing.T) {
	var buf bytes.Buffer
	w := levelWriter{Writer: &buf, level: zerolog.WarnLevel}

	logger := zerolog.New(w)
	logger.Info().Msg("quiet")
	logger.Error().Msg("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestExecutionLoggerWritesDebugToFile(t *testing.T) {
	var buf bytes.Buffer
	prev := console
	console = levelWriter{Writer: &buf, level: zerolog.InfoLevel}
	t.Cleanup(func() { console = prev })

	dir := filepath.Join(t.TempDir(), "calc_run")
	logger, closer, err := executionLogger(dir)
	require.NoError(t, err)

	logger.Debug().Msg("resolved stage input")
	logger.Info().Msg("pipeline finished")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(filepath.Join(dir, ExecutionLogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(b), "resolved stage input")
	assert.Contains(t, string(b), "pipeline finished")

	assert.NotContains(t, buf.String(), "resolved stage input")
	assert.Contains(t, buf.String(), "pipeline finished")
}

func TestSetupLoggingRejectsUnknownLevel(t *testing.T) {
	prev := console
	t.Cleanup(func() { console = prev })

	assert.Error(t, setupLogging("chatty"))
	assert.NoError(t, setupLogging("DEBUG"))
}

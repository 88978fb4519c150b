package log

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestCreateLoggerWithLumberjackBasic(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger := CreateLoggerWithLumberjack(logFile, 1, zap.InfoLevel)
	require.NotNil(t, logger)

	logger.Infow("hello engine")
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello engine")
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"not-a-level", zapcore.InfoLevel, true},
	}
	for _, tc := range cases {
		lvl, err := ParseLogLevel(tc.in)
		if tc.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, lvl.Level())
	}
}

func TestErrorwDemotesCancellation(t *testing.T) {
	buf := &bytes.Buffer{}
	encoderCfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(buf), zapcore.DebugLevel)
	logger := &acqLogger{s: zap.New(core).Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger.Errorw("read aborted", "error", ctx.Err())
	assert.Contains(t, buf.String(), `"level":"warn"`)

	buf.Reset()
	logger.Errorw("socket refused", "error", assertionError("connection refused"))
	assert.Contains(t, buf.String(), `"level":"error"`)
}

type assertionError string

func (e assertionError) Error() string { return string(e) }

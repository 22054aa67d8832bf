package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func saveLoggers(t *testing.T) {
	t.Helper()
	origCLI, origLogger := CLILogger, Logger
	t.Cleanup(func() {
		CLILogger = origCLI
		Logger = origLogger
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"  info  ", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInit_StructuredProfile(t *testing.T) {
	saveLoggers(t)

	require.NoError(t, Init(Config{Level: "debug", Profile: "structured"}))
	require.NotNil(t, Logger)
	require.NotNil(t, CLILogger)

	assert.True(t, Logger.Core().Enabled(zapcore.DebugLevel))
}

func TestInit_CLIProfile(t *testing.T) {
	saveLoggers(t)

	require.NoError(t, Init(Config{Level: "warn", Profile: "cli"}))
	assert.False(t, Logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Logger.Core().Enabled(zapcore.WarnLevel))
}

func TestInit_DefaultsToStructuredInfo(t *testing.T) {
	saveLoggers(t)

	require.NoError(t, Init(Config{}))
	assert.True(t, Logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, Logger.Core().Enabled(zapcore.DebugLevel))
}

func TestInit_UnknownProfile(t *testing.T) {
	saveLoggers(t)

	err := Init(Config{Profile: "syslog"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown logging profile")
}

func TestInit_UnknownLevel(t *testing.T) {
	saveLoggers(t)

	err := Init(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestInit_FileSink(t *testing.T) {
	saveLoggers(t)

	path := filepath.Join(t.TempDir(), "gofetch.log")
	require.NoError(t, Init(Config{Profile: "structured", File: path}))

	Logger.Info("hello from the test")
	require.NoError(t, Logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the test")
}

func TestCLILoggerUsableBeforeInit(t *testing.T) {
	// Package init wires a default; commands may log immediately.
	require.NotNil(t, CLILogger)
	CLILogger.Info("pre-init output is fine")
}

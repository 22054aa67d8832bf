package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineHealthChecker(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		checker := engineHealthChecker{path: ""}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine binary path is empty")
	})

	t.Run("absolute path executable", func(t *testing.T) {
		dir := t.TempDir()
		bin := filepath.Join(dir, "yt-dlp")
		require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

		checker := engineHealthChecker{path: bin}
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})

	t.Run("absolute path not executable", func(t *testing.T) {
		dir := t.TempDir()
		bin := filepath.Join(dir, "yt-dlp")
		require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o644))

		checker := engineHealthChecker{path: bin}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not executable")
	})

	t.Run("absolute path missing", func(t *testing.T) {
		checker := engineHealthChecker{path: filepath.Join(t.TempDir(), "no-such-engine")}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine binary")
	})

	t.Run("bare name not on PATH", func(t *testing.T) {
		checker := engineHealthChecker{path: "gofetch-test-no-such-binary"}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine binary")
	})
}

func TestScratchHealthChecker(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		checker := scratchHealthChecker{dir: ""}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scratch dir is not configured")
	})

	t.Run("writable dir", func(t *testing.T) {
		checker := scratchHealthChecker{dir: t.TempDir()}
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})

	t.Run("creates missing dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "scratch", "nested")
		checker := scratchHealthChecker{dir: dir}
		require.NoError(t, checker.CheckHealth(context.Background()))

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("path under a file", func(t *testing.T) {
		base := t.TempDir()
		blocker := filepath.Join(base, "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

		checker := scratchHealthChecker{dir: filepath.Join(blocker, "scratch")}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scratch dir")
	})
}

func TestServiceHealthChecker(t *testing.T) {
	t.Run("nil service", func(t *testing.T) {
		checker := serviceHealthChecker{svc: nil}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServeOverrides(t *testing.T) {
	cmd := serveCmd

	t.Run("no flags changed", func(t *testing.T) {
		overrides := serveOverrides(cmd)
		assert.Empty(t, overrides)
	})

	t.Run("changed flags map to config keys", func(t *testing.T) {
		require.NoError(t, cmd.Flags().Set("port", "9191"))
		require.NoError(t, cmd.Flags().Set("single-retrieval", "false"))
		defer func() {
			require.NoError(t, cmd.Flags().Set("port", "0"))
			require.NoError(t, cmd.Flags().Set("single-retrieval", "true"))
		}()

		overrides := serveOverrides(cmd)
		assert.Equal(t, 9191, overrides["server.port"])
		assert.Equal(t, false, overrides["jobs.single_retrieval"])
	})
}

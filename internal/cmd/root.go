// Package cmd implements the gofetch command tree.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gofetch/internal/config"
	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/internal/observability"
)

// versionInfo carries build metadata injected by main through
// SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata from ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity names the binary for config and environment lookup.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the resolved identity, or nil before command
// initialization runs.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   "gofetch",
	Short: "Media fetch and transcode job service",
	Long: `gofetch downloads and transcodes media behind a small job API.

Submit a URL, watch progress over SSE or WebSocket, then retrieve the
produced artifact. Finished artifacts are served at most once by default
and scratch space is reclaimed on a retention sweep.

Run 'gofetch serve' for the HTTP service or 'gofetch fetch <url>' for a
one-shot download without a server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	appIdentity = &AppIdentity{
		BinaryName: "gofetch",
		EnvPrefix:  "GOFETCH",
		ConfigName: "gofetch",
	}
	setDefaults()
}

// setDefaults seeds the global viper instance so commands that consult
// viper directly before a full config.Load see the same defaults.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// exitCodeError carries a process exit code through a RunE return.
type exitCodeError struct {
	code int
	msg  string
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError wraps err so Execute terminates with the given code after
// logging msg.
func exitError(code int, msg string, err error) error {
	return &exitCodeError{code: code, msg: msg, err: err}
}

// ExitWithCode logs the failure and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if err != nil {
		logger.Error(msg, zap.Error(err))
	} else {
		logger.Error(msg)
	}
	observability.Sync()
	os.Exit(code)
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var ec *exitCodeError
	if errors.As(err, &ec) {
		ExitWithCode(observability.CLILogger, ec.code, ec.msg, ec.err)
	}
	ExitWithCode(observability.CLILogger, apperrors.ExitGeneralError, "command failed", err)
}

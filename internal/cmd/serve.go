package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofetch/internal/config"
	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/internal/observability"
	"github.com/3leaps/gofetch/internal/server"
	"github.com/3leaps/gofetch/internal/server/handlers"
	"github.com/3leaps/gofetch/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fetch service",
	Long: `Run the HTTP service: accept fetch jobs, stream progress, and serve
artifacts.

Configuration comes from gofetch.yaml (working directory,
~/.config/gofetch, or /etc/gofetch) and GOFETCH_* environment
variables. Flags override both.

Examples:
  gofetch serve                  # config-driven
  gofetch serve --port 9090      # override the listen port
  GOFETCH_ADMIN_TOKEN=s3cret gofetch serve   # enable /admin/sweep`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Bind address (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
	serveCmd.Flags().String("scratch-dir", "", "Scratch directory for in-flight downloads")
	serveCmd.Flags().Bool("single-retrieval", true, "Serve each artifact at most once")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		v, _ := cmd.Flags().GetString("host")
		overrides["server.host"] = v
	}
	if cmd.Flags().Changed("port") {
		v, _ := cmd.Flags().GetInt("port")
		overrides["server.port"] = v
	}
	if cmd.Flags().Changed("scratch-dir") {
		v, _ := cmd.Flags().GetString("scratch-dir")
		overrides["jobs.scratch_dir"] = v
	}
	if cmd.Flags().Changed("single-retrieval") {
		v, _ := cmd.Flags().GetBool("single-retrieval")
		overrides["jobs.single_retrieval"] = v
	}
	return overrides
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		return exitError(apperrors.ExitConfigError, "Failed to load configuration", err)
	}

	if err := observability.Init(observability.Config{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		File:    cfg.Logging.File,
	}); err != nil {
		return exitError(apperrors.ExitConfigError, "Failed to initialize logging", err)
	}
	defer observability.Sync()
	logger := observability.Logger

	svc, err := service.FromConfig(ctx, cfg, logger)
	if err != nil {
		return exitError(apperrors.ExitConfigError, "Failed to build service", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	svc.Start(runCtx)

	registerServeHealth(cfg, svc)
	handlers.SetBuildInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)

	srv := server.New(cfg.Server.Host, cfg.Server.Port).
		WithService(svc).
		WithTrustProxyHeaders(cfg.Server.TrustProxyHeaders).
		WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	logger.Info("gofetch serving",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("version", versionInfo.Version),
		zap.Bool("single_retrieval", cfg.Jobs.SingleRetrieval))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serveErr:
		if err != nil {
			return exitError(apperrors.ExitGeneralError, "Server failed", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("service stop incomplete", zap.Error(err))
	}
	<-serveErr

	logger.Info("shutdown complete")
	return nil
}

func registerServeHealth(cfg *config.Config, svc *service.Service) {
	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("engine", engineHealthChecker{path: cfg.Engine.YTDLPPath})
	hm.RegisterChecker("scratch", scratchHealthChecker{dir: cfg.Jobs.ScratchDir})
	hm.RegisterChecker("service", serviceHealthChecker{svc: svc})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
}

// engineHealthChecker verifies the media engine binary is present and
// executable.
type engineHealthChecker struct {
	path string
}

func (c engineHealthChecker) CheckHealth(ctx context.Context) error {
	if c.path == "" {
		return errors.New("engine binary path is empty")
	}
	if strings.ContainsRune(c.path, os.PathSeparator) {
		info, err := os.Stat(c.path)
		if err != nil {
			return fmt.Errorf("engine binary %s: %w", c.path, err)
		}
		if info.Mode()&0o111 == 0 {
			return fmt.Errorf("engine binary %s is not executable", c.path)
		}
		return nil
	}
	if _, err := exec.LookPath(c.path); err != nil {
		return fmt.Errorf("engine binary %s: %w", c.path, err)
	}
	return nil
}

// scratchHealthChecker verifies the scratch directory accepts writes.
type scratchHealthChecker struct {
	dir string
}

func (c scratchHealthChecker) CheckHealth(ctx context.Context) error {
	if c.dir == "" {
		return errors.New("scratch dir is not configured")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("scratch dir %s: %w", c.dir, err)
	}
	probe, err := os.CreateTemp(c.dir, ".healthz-*")
	if err != nil {
		return fmt.Errorf("scratch dir %s not writable: %w", c.dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// serviceHealthChecker verifies the job service is attached and
// answering.
type serviceHealthChecker struct {
	svc *service.Service
}

func (c serviceHealthChecker) CheckHealth(ctx context.Context) error {
	if c.svc == nil {
		return errors.New("job service not running")
	}
	_ = c.svc.Stats()
	return nil
}

// identityHealthChecker verifies the resolved app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return errors.New("app identity missing binary name")
	}
	if c.envPrefix == "" {
		return errors.New("app identity missing env prefix")
	}
	if c.configName == "" {
		return errors.New("app identity missing config name")
	}
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofetch/internal/config"
	"github.com/3leaps/gofetch/internal/observability"
	"github.com/3leaps/gofetch/pkg/artifact"
)

var doctorArchive bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  gofetch doctor            # Full environment check
  gofetch doctor --archive  # Add S3 archive checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorArchive, "archive", false, "Run archive (S3) checks")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6

	// Add archive checks if requested
	if doctorArchive {
		totalChecks = 9
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.25" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.25+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Configuration
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Invalid configuration", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ %s:%d", checkNum, totalChecks, cfg.Server.Host, cfg.Server.Port),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
	}
	checkNum++

	ytdlpPath := "yt-dlp"
	ffmpegPath := "ffmpeg"
	scratchDir := ""
	if cfg != nil {
		ytdlpPath = cfg.Engine.YTDLPPath
		ffmpegPath = cfg.Engine.FFmpegPath
		scratchDir = cfg.Jobs.ScratchDir
	}

	// Check 3: yt-dlp binary
	if resolved, err := resolveBinary(ytdlpPath); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking yt-dlp... ❌ %s not found", checkNum, totalChecks, ytdlpPath),
			zap.Error(err))
		observability.CLILogger.Info("  Install: https://github.com/yt-dlp/yt-dlp/wiki/Installation")
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking yt-dlp... ✅ %s", checkNum, totalChecks, resolved),
			zap.String("ytdlp_path", resolved))
	}
	checkNum++

	// Check 4: ffmpeg binary
	if resolved, err := resolveBinary(ffmpegPath); err != nil {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking ffmpeg... ⚠️  %s not found (audio extraction and mp4 remux need it)", checkNum, totalChecks, ffmpegPath),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking ffmpeg... ✅ %s", checkNum, totalChecks, resolved),
			zap.String("ffmpeg_path", resolved))
	}
	checkNum++

	// Check 5: Scratch directory
	checker := scratchHealthChecker{dir: scratchDir}
	if err := checker.CheckHealth(cmd.Context()); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking scratch directory... ❌ not writable", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking scratch directory... ✅ %s", checkNum, totalChecks, scratchDir),
			zap.String("scratch_dir", scratchDir))
	}
	checkNum++

	// Check 6: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Archive-specific checks
	if doctorArchive {
		allChecks = runArchiveChecks(cmd.Context(), cfg, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// resolveBinary locates an engine binary for display. Bare names go
// through PATH, anything with a separator must exist and be executable.
func resolveBinary(path string) (string, error) {
	if path == "" {
		return "", errors.New("binary path is empty")
	}
	if strings.ContainsRune(path, os.PathSeparator) {
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		if info.Mode()&0o111 == 0 {
			return "", fmt.Errorf("%s is not executable", path)
		}
		return path, nil
	}
	return exec.LookPath(path)
}

// runArchiveChecks runs S3 archive diagnostic checks.
func runArchiveChecks(ctx context.Context, cfg *config.Config, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Archive (S3) Checks:")

	// Check 7: AWS credentials
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	// Mask the access key for display
	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 8: Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	checkNum++

	// Check 9: Archive bucket
	if cfg == nil || cfg.Archive.Bucket == "" {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking archive bucket... ⚠️  no bucket configured (set archive.bucket)", checkNum, totalChecks))
		return false
	}

	archiver, err := artifact.NewArchiver(ctx, artifact.ArchiveConfig{
		Bucket:         cfg.Archive.Bucket,
		Prefix:         cfg.Archive.Prefix,
		Region:         cfg.Archive.Region,
		Endpoint:       cfg.Archive.Endpoint,
		Profile:        cfg.Archive.Profile,
		ForcePathStyle: cfg.Archive.ForcePathStyle,
	})
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking archive bucket... ❌ Cannot build archiver", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	if err := archiver.Check(ctx); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking archive bucket... ❌ Cannot reach bucket %s", checkNum, totalChecks, cfg.Archive.Bucket),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking archive bucket... ✅ %s", checkNum, totalChecks, cfg.Archive.Bucket),
		zap.String("bucket", cfg.Archive.Bucket))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint in gofetch.yaml (and usually archive.force_path_style)")
	observability.CLILogger.Info("")
}

// Package observability wires the process loggers.
//
// Two loggers exist: CLILogger for human-facing command output and
// Logger for structured service logs. CLILogger works before Init so
// early command code can print; Init re-levels it and builds Logger
// according to the configured profile.
package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileCLI        = "cli"
)

var (
	// CLILogger is the human-facing logger for command output.
	CLILogger *zap.Logger

	// Logger is the structured service logger.
	Logger *zap.Logger
)

func init() {
	CLILogger = newCLILogger(zapcore.InfoLevel)
	Logger = zap.NewNop()
}

// Config controls logger construction.
type Config struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string

	// Profile selects structured (JSON) or cli (console) encoding for
	// the service logger. Empty means structured.
	Profile string

	// File, when set, sends structured logs to a size-rotated file
	// instead of stderr.
	File string
}

// Init builds the process loggers from config.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	profile := strings.ToLower(strings.TrimSpace(cfg.Profile))
	switch profile {
	case "", ProfileStructured:
		Logger = newStructuredLogger(level, sink(cfg.File))
	case ProfileCLI:
		Logger = newCLILogger(level)
	default:
		return fmt.Errorf("unknown logging profile %q (want %s or %s)", cfg.Profile, ProfileStructured, ProfileCLI)
	}

	CLILogger = newCLILogger(level)
	return nil
}

// ParseLevel parses a log level name. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.Set(s); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Sync flushes buffered log entries. Best-effort; stderr sync errors
// are expected on some platforms.
func Sync() {
	_ = Logger.Sync()
	_ = CLILogger.Sync()
}

func sink(file string) zapcore.WriteSyncer {
	if file == "" {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
	})
}

func newStructuredLogger(level zapcore.Level, w zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level)
	return zap.New(core, zap.AddCaller())
}

func newCLILogger(level zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

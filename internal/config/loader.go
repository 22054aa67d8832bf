package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "GOFETCH"
	configName = "gofetch"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// envSpec binds a short environment variable to a config key. Nested
// keys are always reachable through the automatic GOFETCH_SECTION_KEY
// form; these are the ergonomic aliases.
type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: envPrefix + "_HOST", Path: "server.host"},
		{Name: envPrefix + "_PORT", Path: "server.port"},
		{Name: envPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: envPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: envPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: envPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: envPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: envPrefix + "_LOG_FILE", Path: "logging.file"},
		{Name: envPrefix + "_SCRATCH_DIR", Path: "jobs.scratch_dir"},
		{Name: envPrefix + "_RETENTION", Path: "jobs.retention"},
		{Name: envPrefix + "_MAX_CONCURRENT", Path: "jobs.max_concurrent"},
		{Name: envPrefix + "_SINGLE_RETRIEVAL", Path: "jobs.single_retrieval"},
		{Name: envPrefix + "_YTDLP_PATH", Path: "engine.ytdlp_path"},
		{Name: envPrefix + "_FFMPEG_PATH", Path: "engine.ffmpeg_path"},
	}
}

// Load builds the configuration from defaults, an optional config
// file, environment variables, and any runtime overrides, in rising
// precedence. The result is stored for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/" + configName)
	v.AddConfigPath("/etc/" + configName)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	// Runtime overrides outrank everything, including environment.
	for _, override := range overrides {
		for key, value := range flatten("", override) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil
// before the first successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}

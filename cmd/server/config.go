package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const configFileName = "gqlfn.json"

type AppServerConfig struct {
	Addr                 string         `mapstructure:"addr"`
	FastWorkers          int            `mapstructure:"fast_workers"`
	SlowWorkers          int            `mapstructure:"slow_workers"`
	HotReload            bool           `mapstructure:"hot_reload"`
	RequestTimeoutMs     int            `mapstructure:"request_timeout_ms"`
	MaxRequestsPerWorker int            `mapstructure:"max_requests_per_worker"`
	ExecutorCommand      []string       `mapstructure:"executor_command"`
	ExecutorDir          string         `mapstructure:"executor_dir"`
	Options              map[string]any `mapstructure:"options"`
	RoutePrefix          string         `mapstructure:"route_prefix"`

	SlowRoutes        []string `mapstructure:"slow_routes"`
	SlowMethods       []string `mapstructure:"slow_methods"`
	SlowBodyThreshold int      `mapstructure:"slow_body_threshold"`
	SlowLatencyMs     int      `mapstructure:"slow_latency_ms"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// defaultConfig returns the values used when gqlfn.json is missing or a
// field is invalid.
func defaultConfig() *AppServerConfig {
	return &AppServerConfig{
		Addr:                 ":8080",
		FastWorkers:          4,
		SlowWorkers:          1,
		HotReload:            false,
		RequestTimeoutMs:     10000, // 10s
		MaxRequestsPerWorker: 1000,
		ExecutorCommand:      []string{"node", "executor/index.js"},
		ExecutorDir:          "executor",
		Options:              map[string]any{"schema": "schema.graphql"},
		RoutePrefix:          "/api/",
		SlowRoutes:           []string{"/api/reports"},
		SlowMethods:          nil,
		SlowBodyThreshold:    64 * 1024,
		SlowLatencyMs:        2000,
		LogLevel:             "INFO",
		LogFormat:            "json",
	}
}

// loadConfig reads gqlfn.json from projectRoot and GQLFN_* environment
// overrides. FUNCTIONS_CUSTOMHANDLER_PORT, set by the Functions host, wins
// over addr. Invalid fields fall back to defaults with a warning.
func loadConfig(projectRoot string) *AppServerConfig {
	def := defaultConfig()

	v := viper.New()
	v.SetConfigFile(filepath.Join(projectRoot, configFileName))
	v.SetConfigType("json")
	v.SetEnvPrefix("GQLFN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// defaults make every key known to AutomaticEnv during Unmarshal
	v.SetDefault("addr", def.Addr)
	v.SetDefault("fast_workers", def.FastWorkers)
	v.SetDefault("slow_workers", def.SlowWorkers)
	v.SetDefault("hot_reload", def.HotReload)
	v.SetDefault("request_timeout_ms", def.RequestTimeoutMs)
	v.SetDefault("max_requests_per_worker", def.MaxRequestsPerWorker)
	v.SetDefault("executor_command", def.ExecutorCommand)
	v.SetDefault("executor_dir", def.ExecutorDir)
	v.SetDefault("options", def.Options)
	v.SetDefault("route_prefix", def.RoutePrefix)
	v.SetDefault("slow_routes", def.SlowRoutes)
	v.SetDefault("slow_methods", def.SlowMethods)
	v.SetDefault("slow_body_threshold", def.SlowBodyThreshold)
	v.SetDefault("slow_latency_ms", def.SlowLatencyMs)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)

	if err := v.ReadInConfig(); err != nil {
		slog.Info("config: no usable "+configFileName+", using defaults", "path", v.ConfigFileUsed(), "error", err)
	}

	var cfg AppServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Warn("config: invalid configuration, using defaults", "error", err)
		return def
	}

	if port := os.Getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); port != "" {
		cfg.Addr = ":" + port
	}

	validateConfig(&cfg, def, projectRoot)
	return &cfg
}

func validateConfig(cfg, def *AppServerConfig, projectRoot string) {
	if cfg.Addr == "" {
		slog.Warn("config: addr is empty, falling back", "addr", def.Addr)
		cfg.Addr = def.Addr
	}

	if cfg.FastWorkers <= 0 {
		slog.Warn("config: fast_workers is invalid, falling back", "fast_workers", cfg.FastWorkers, "default", def.FastWorkers)
		cfg.FastWorkers = def.FastWorkers
	}

	if cfg.SlowWorkers < 0 {
		slog.Warn("config: slow_workers is invalid, falling back", "slow_workers", cfg.SlowWorkers, "default", def.SlowWorkers)
		cfg.SlowWorkers = def.SlowWorkers
	}

	if cfg.RequestTimeoutMs <= 0 {
		slog.Warn("config: request_timeout_ms is invalid, falling back", "request_timeout_ms", cfg.RequestTimeoutMs, "default", def.RequestTimeoutMs)
		cfg.RequestTimeoutMs = def.RequestTimeoutMs
	}

	if cfg.MaxRequestsPerWorker <= 0 {
		slog.Warn("config: max_requests_per_worker is invalid, falling back", "max_requests_per_worker", cfg.MaxRequestsPerWorker, "default", def.MaxRequestsPerWorker)
		cfg.MaxRequestsPerWorker = def.MaxRequestsPerWorker
	}

	// "node executor/index.js" from the environment arrives as one element
	if len(cfg.ExecutorCommand) == 1 {
		cfg.ExecutorCommand = strings.Fields(cfg.ExecutorCommand[0])
	}
	if len(cfg.ExecutorCommand) == 0 {
		slog.Warn("config: executor_command is empty, falling back", "default", def.ExecutorCommand)
		cfg.ExecutorCommand = def.ExecutorCommand
	}

	if cfg.ExecutorDir == "" {
		cfg.ExecutorDir = projectRoot
	} else if !filepath.IsAbs(cfg.ExecutorDir) {
		cfg.ExecutorDir = filepath.Join(projectRoot, cfg.ExecutorDir)
	}

	if len(cfg.Options) == 0 {
		slog.Warn("config: options missing, using defaults", "default", def.Options)
		cfg.Options = def.Options
	}

	if !strings.HasPrefix(cfg.RoutePrefix, "/") {
		slog.Warn("config: route_prefix does not start with '/', fixing", "route_prefix", cfg.RoutePrefix)
		cfg.RoutePrefix = "/" + cfg.RoutePrefix
	}
	if !strings.HasSuffix(cfg.RoutePrefix, "/") {
		cfg.RoutePrefix += "/"
	}
	if cfg.RoutePrefix == "/" {
		slog.Warn("config: route_prefix cannot be '/', falling back", "default", def.RoutePrefix)
		cfg.RoutePrefix = def.RoutePrefix
	}

	if cfg.SlowBodyThreshold < 0 {
		slog.Warn("config: slow_body_threshold is invalid, falling back", "default", def.SlowBodyThreshold)
		cfg.SlowBodyThreshold = def.SlowBodyThreshold
	}
	if cfg.SlowLatencyMs < 0 {
		slog.Warn("config: slow_latency_ms is invalid, disabling latency routing", "slow_latency_ms", cfg.SlowLatencyMs)
		cfg.SlowLatencyMs = 0
	}
}

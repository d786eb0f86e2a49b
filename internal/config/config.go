package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken          string       `yaml:"discord_token"`
	CommandPrefix         string       `yaml:"command_prefix"`
	BackendURL            string       `yaml:"backend_url"`
	BackendToken          string       `yaml:"backend_token"`
	BackendTimeoutSeconds int          `yaml:"backend_timeout_seconds"`
	DatabasePath          string       `yaml:"database_path"`
	LogLevel              string       `yaml:"log_level"`
	LogFile               string       `yaml:"log_file"`
	MuteRoleName          string       `yaml:"mute_role_name"`
	EagerCachePopulate    bool         `yaml:"eager_cache_populate"`
	WelcomeOwnerOnJoin    bool         `yaml:"welcome_owner_on_join"`
	Health                HealthConfig `yaml:"health"`
	EmbedColors           EmbedColors  `yaml:"embed_colors"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type EmbedColors struct {
	Action  int `yaml:"action"`
	Warning int `yaml:"warning"`
	Error   int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		CommandPrefix:         "!lonkus",
		BackendURL:            "http://localhost:8000/api/",
		BackendTimeoutSeconds: 15,
		DatabasePath:          "/data/linkus.db",
		LogLevel:              "info",
		MuteRoleName:          "Muted",
		EagerCachePopulate:    true,
		WelcomeOwnerOnJoin:    true,
		Health:                HealthConfig{Enabled: false, Addr: ":8080"},
		EmbedColors: EmbedColors{
			Action:  0x2ECC71,
			Warning: 0xF59E0B,
			Error:   0xEF4444,
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	if cfg.BackendURL == "" {
		return Config{}, errors.New("BACKEND_URL is required")
	}
	if !strings.HasSuffix(cfg.BackendURL, "/") {
		cfg.BackendURL += "/"
	}
	if cfg.BackendTimeoutSeconds <= 0 {
		cfg.BackendTimeoutSeconds = 15
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!lonkus"
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.CommandPrefix = envString("COMMAND_PREFIX", cfg.CommandPrefix)
	cfg.BackendURL = envString("BACKEND_URL", cfg.BackendURL)
	cfg.BackendToken = envString("BACKEND_TOKEN", cfg.BackendToken)
	cfg.BackendTimeoutSeconds = envInt("BACKEND_TIMEOUT_SECONDS", cfg.BackendTimeoutSeconds)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = envString("LOG_FILE", cfg.LogFile)
	cfg.MuteRoleName = envString("MUTE_ROLE_NAME", cfg.MuteRoleName)
	cfg.EagerCachePopulate = envBool("EAGER_CACHE_POPULATE", cfg.EagerCachePopulate)
	cfg.WelcomeOwnerOnJoin = envBool("WELCOME_OWNER_ON_JOIN", cfg.WelcomeOwnerOnJoin)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.EmbedColors.Action = envInt("EMBED_COLOR_ACTION", cfg.EmbedColors.Action)
	cfg.EmbedColors.Warning = envInt("EMBED_COLOR_WARNING", cfg.EmbedColors.Warning)
	cfg.EmbedColors.Error = envInt("EMBED_COLOR_ERROR", cfg.EmbedColors.Error)
}

// BuildLogger builds the process logger. When logFile is non-empty, output is
// mirrored to a size-rotated file alongside stderr.
func BuildLogger(level, logFile string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	if logFile == "" {
		return cfg.Build()
	}

	encoder := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	rotated := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    25,
		MaxBackups: 5,
		MaxAge:     30,
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), cfg.Level),
		zapcore.NewCore(encoder, rotated, cfg.Level),
	)
	return zap.New(core), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

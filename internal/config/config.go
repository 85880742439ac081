package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/bassista/notion_cache/internal/logger"
)

// Config is the root configuration of the service.
type Config struct {
	Server ServerConfig
	Notion NotionConfig
	Cache  CacheConfig
	Misc   MiscConfig
}

type ServerConfig struct {
	Port            int           `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutDownTimeout time.Duration `validate:"gt=0"`
	// RequestTimeout bounds cheap endpoints such as the cached snapshot.
	RequestTimeout time.Duration `validate:"gt=0"`
	// RefreshTimeout bounds a whole refresh traversal.
	RefreshTimeout time.Duration `validate:"gt=0"`
}

// NotionConfig describes the upstream database. APIKey and DatabaseID may be
// empty at startup: a refresh then fails with a configuration error.
// TASKS_DATABASE_ID overrides DatabaseID, matching the frontend's env file.
type NotionConfig struct {
	BaseURL        string        `validate:"required,url"`
	APIVersion     string        `validate:"required"`
	APIKey         string
	APIKeyEnv      string
	SecretCommand  []string
	DatabaseID     string
	RequestTimeout time.Duration `validate:"gt=0"`
	MaxPages       int           `validate:"gte=0"`
	// RefreshEvery enables a background refresh when positive.
	RefreshEvery time.Duration `validate:"gte=0"`
}

type CacheConfig struct {
	FilePath string `validate:"required"`
	Watch    bool
}

type MiscConfig struct {
	GinMode           string `validate:"omitempty,oneof=debug release test"`
	LogLevel          string
	EnvFile           string
	HoneybadgerAPIKey string
	Environment       string
}

// envKeyReplacer maps nested keys such as notion.database_id to
// NOTION_CACHE_NOTION_DATABASE_ID.
var envKeyReplacer = strings.NewReplacer(".", "_")

// LoadConfig reads config.yaml (if any), the optional env file and the
// environment, and returns a validated Config.
func LoadConfig() (*Config, error) {
	envFile := getEnvOrDefault("NOTION_CACHE_ENV_FILE", ".env.local")
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
		logger.WithComponent("config").Debugf("env file %s not found, skipping", envFile)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getEnvOrDefault("NOTION_CACHE_CONFIG_PATH", "./config"))

	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 2*time.Second)
	v.SetDefault("server.refresh_timeout", 3*time.Minute)
	v.SetDefault("notion.base_url", "https://api.notion.com/v1")
	v.SetDefault("notion.api_version", "2022-06-28")
	v.SetDefault("notion.api_key", "")
	v.SetDefault("notion.api_key_env", "NOTION_API_KEY")
	v.SetDefault("notion.secret_command", []string{})
	v.SetDefault("notion.database_id", "")
	v.SetDefault("notion.request_timeout", 30*time.Second)
	v.SetDefault("notion.max_pages", 1000)
	v.SetDefault("notion.refresh_interval", time.Duration(0))
	v.SetDefault("cache.file_path", "./notion-cache.json")
	v.SetDefault("cache.watch", true)
	v.SetDefault("misc.gin_mode", "release")
	v.SetDefault("misc.log_level", "info")
	v.SetDefault("misc.environment", "development")

	v.SetEnvPrefix("NOTION_CACHE")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		logger.WithComponent("config").Debug("no config file found, using defaults and env vars")
	}

	port, err := getEnvOrViperPort(v, "PORT", "server.port")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutDownTimeout: v.GetDuration("server.shutdown_timeout"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			RefreshTimeout:  v.GetDuration("server.refresh_timeout"),
		},
		Notion: NotionConfig{
			BaseURL:        v.GetString("notion.base_url"),
			APIVersion:     v.GetString("notion.api_version"),
			APIKey:         v.GetString("notion.api_key"),
			APIKeyEnv:      v.GetString("notion.api_key_env"),
			SecretCommand:  v.GetStringSlice("notion.secret_command"),
			DatabaseID:     getEnvOrDefault("TASKS_DATABASE_ID", v.GetString("notion.database_id")),
			RequestTimeout: v.GetDuration("notion.request_timeout"),
			MaxPages:       v.GetInt("notion.max_pages"),
			RefreshEvery:   v.GetDuration("notion.refresh_interval"),
		},
		Cache: CacheConfig{
			FilePath: v.GetString("cache.file_path"),
			Watch:    v.GetBool("cache.watch"),
		},
		Misc: MiscConfig{
			GinMode:           v.GetString("misc.gin_mode"),
			LogLevel:          getEnvOrDefault("LOG_LEVEL", v.GetString("misc.log_level")),
			EnvFile:           envFile,
			HoneybadgerAPIKey: os.Getenv("HONEYBADGER_API_KEY"),
			Environment:       getEnvOrDefault("GO_ENV", v.GetString("misc.environment")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Cache.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Misc.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.Misc.LogLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", c.Misc.LogLevel, err)
		}
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvOrViperPort(v *viper.Viper, envKey, viperKey string) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", envKey, val, err)
		}
		return port, nil
	}
	return v.GetInt(viperKey), nil
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/rlm/pkg/schema"
)

// Config holds all rlm configuration.
// Priority: flags > RLM_* env vars > settings file > defaults.
type Config struct {
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxRecursionDepth int           `mapstructure:"max_recursion_depth"`
	Verbose           bool          `mapstructure:"verbose"`
	SnippetTimeout    time.Duration `mapstructure:"snippet_timeout"`
	MaxStatements     int           `mapstructure:"max_statements"`
	DBPath            string        `mapstructure:"db_path"`
	LogLevel          string        `mapstructure:"log_level"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
}

const envPrefix = "RLM"

func rlmDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rlm"
	}
	return filepath.Join(home, ".rlm")
}

// newViper returns a viper instance with defaults and env bindings applied.
func newViper() *viper.Viper {
	v := viper.New()

	d := schema.DefaultOptions()
	v.SetDefault("model", d.Model)
	v.SetDefault("base_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("max_tokens", d.MaxTokens)
	v.SetDefault("temperature", d.Temperature)
	v.SetDefault("max_recursion_depth", d.MaxRecursionDepth)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("snippet_timeout", d.SnippetTimeout)
	v.SetDefault("max_statements", d.MaxStatements)
	v.SetDefault("db_path", filepath.Join(rlmDir(), "rlm.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api_key", "RLM_API_KEY", "OPENAI_API_KEY")
	return v
}

var configKeys = []string{
	"model", "base_url", "api_key", "max_tokens", "temperature",
	"max_recursion_depth", "verbose", "snippet_timeout", "max_statements",
	"db_path", "log_level", "metrics_addr",
}

// bindFlags maps flags named after config keys (dashed) onto those keys.
// Flags that are not config keys are left to their commands.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	for _, key := range configKeys {
		f := flags.Lookup(strings.ReplaceAll(key, "_", "-"))
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadConfig reads the settings file (explicit path, or settings.{json,yaml}
// under ~/.rlm) and decodes the merged configuration.
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(rlmDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Options converts the configuration into controller options.
func (c Config) Options() schema.Options {
	return schema.Options{
		Model:             c.Model,
		MaxTokens:         c.MaxTokens,
		Temperature:       c.Temperature,
		MaxRecursionDepth: c.MaxRecursionDepth,
		Verbose:           c.Verbose,
		SnippetTimeout:    c.SnippetTimeout,
		MaxStatements:     c.MaxStatements,
	}
}

// slogLevel maps log_level onto an slog level. Unknown values fall back to info.
func (c Config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// storeURI turns db_path into a libSQL URI. Empty disables persistence.
func (c Config) storeURI() string {
	if c.DBPath == "" {
		return ""
	}
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

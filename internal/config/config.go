// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "BATCHPRESS"

// Config holds all configuration for a run.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Workers              int           `mapstructure:"workers" validate:"gte=1,lte=64"`
	Timeout              time.Duration `mapstructure:"timeout" validate:"gt=0"`
	WorkDir              string        `mapstructure:"work_dir" validate:"required"`
	OutputDir            string        `mapstructure:"output_dir" validate:"required"`
	OutputSuffix         string        `mapstructure:"output_suffix" validate:"excludes=/"`
	MaxFilenameLength    int           `mapstructure:"max_filename_length" validate:"gte=1,lte=4096"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors" validate:"gte=0"`
	Include              []string      `mapstructure:"include" validate:"dive,glob"`
	Exclude              []string      `mapstructure:"exclude" validate:"dive,glob"`
	WorkerLog            string        `mapstructure:"worker_log"`
	LogLevel             string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	Transform TransformConfig `mapstructure:"transform"`
	Records   RecordsConfig   `mapstructure:"records"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// TransformConfig selects what a worker does with each file.
type TransformConfig struct {
	Kind    string        `mapstructure:"kind" validate:"oneof=shell gzip"`
	Command string        `mapstructure:"command" validate:"required_if=Kind shell"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Level   int           `mapstructure:"level" validate:"gte=-1,lte=9"`
}

// RecordsConfig selects the job record sink.
type RecordsConfig struct {
	Kind string `mapstructure:"kind" validate:"oneof=file etcd none"`
	Path string `mapstructure:"path" validate:"required_if=Kind file"`
}

type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints" validate:"dive,required"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Prefix    string        `mapstructure:"prefix" validate:"required,startswith=/"`
	RunLock   bool          `mapstructure:"run_lock"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// New returns a viper instance with every default and the environment bound.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("workers", 4)
	v.SetDefault("timeout", "30s")
	v.SetDefault("work_dir", "source_files")
	v.SetDefault("output_dir", "compressed_files")
	v.SetDefault("output_suffix", ".gz")
	v.SetDefault("max_filename_length", 255)
	v.SetDefault("max_consecutive_errors", 0)
	v.SetDefault("include", []string{})
	v.SetDefault("exclude", []string{})
	v.SetDefault("worker_log", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("transform.kind", "shell")
	v.SetDefault("transform.command", `gzip -c -- "$1" > "$2"`)
	v.SetDefault("transform.timeout", "0s")
	v.SetDefault("transform.level", 6)

	v.SetDefault("records.kind", "file")
	v.SetDefault("records.path", "compression.log")

	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("etcd.prefix", "/batchpress")
	v.SetDefault("etcd.run_lock", false)

	v.SetDefault("metrics.textfile", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.file", "")

	// Read environment variables, e.g. BATCHPRESS_TRANSFORM_KIND.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and returns the validated
// configuration. With an empty configFile, batchpress.yaml is looked up in
// the working directory and ./configs.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("batchpress")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// No config file is fine; defaults and env vars apply.
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the few rules spanning sections.
func (c *Config) Validate() error {
	validate := validator.New()
	_ = validate.RegisterValidation("glob", func(fl validator.FieldLevel) bool {
		return doublestar.ValidatePattern(fl.Field().String())
	})

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed on '%s'", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if (c.Records.Kind == "etcd" || c.Etcd.RunLock) && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("invalid config: etcd.endpoints is required when etcd is used")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLevel(c.LogLevel)
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

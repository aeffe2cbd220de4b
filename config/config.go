// Package config loads the configuration of the formdecode server and CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opengs/formdecode"
	"github.com/spf13/viper"
)

var (
	ErrInvalidPort       = errors.New("invalid server port")
	ErrInvalidConcurrent = errors.New("max concurrent requests must be positive")
	ErrInvalidSize       = errors.New("invalid size")
	ErrInvalidLogLevel   = errors.New("invalid log level")
	ErrInvalidLogFormat  = errors.New("invalid log format")
)

const (
	defaultPort          = 8884
	defaultHost          = "0.0.0.0"
	defaultMaxConcurrent = 64
	maxPort              = 65535

	// Size value meaning no limit.
	Unlimited = "unlimited"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Decoder DecoderConfig `mapstructure:"decoder"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
}

// DecoderConfig mirrors formdecode.Config with sizes written for humans
// ("10MB", "512KiB", "unlimited").
type DecoderConfig struct {
	MaxParts              int    `mapstructure:"max_parts"`
	MaxPartSize           string `mapstructure:"max_part_size"`
	MaxMemoryPartSize     string `mapstructure:"max_memory_part_size"`
	MaxLength             string `mapstructure:"max_length"`
	MaxHeadersSize        string `mapstructure:"max_headers_size"`
	UseFilesForNoNamePart bool   `mapstructure:"use_files_for_no_name_part"`
	SpoolDirectory        string `mapstructure:"spool_directory"`
	MaxFields             int    `mapstructure:"max_fields"`
	MaxFormLength         string `mapstructure:"max_form_length"`
	DefaultCharset        string `mapstructure:"default_charset"`
	ChunkSize             string `mapstructure:"chunk_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configPath, or config.yaml from the usual places when it is
// empty, and applies FORMDECODE_ environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()
	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("/etc/formdecode")
	}

	viperCfg.SetEnvPrefix("FORMDECODE")
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperCfg.AutomaticEnv()

	if err := viperCfg.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viperCfg.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func setDefaults(viperCfg *viper.Viper) {
	defaults := formdecode.DefaultConfig()

	viperCfg.SetDefault("server.host", defaultHost)
	viperCfg.SetDefault("server.port", defaultPort)
	viperCfg.SetDefault("server.max_concurrent", defaultMaxConcurrent)
	viperCfg.SetDefault("server.read_timeout", "5m")

	viperCfg.SetDefault("decoder.max_parts", defaults.MaxParts)
	viperCfg.SetDefault("decoder.max_part_size", Unlimited)
	viperCfg.SetDefault("decoder.max_memory_part_size", "1MiB")
	viperCfg.SetDefault("decoder.max_length", "100MiB")
	viperCfg.SetDefault("decoder.max_headers_size", strconv.Itoa(defaults.MaxHeadersSize))
	viperCfg.SetDefault("decoder.use_files_for_no_name_part", defaults.UseFilesForNoNamePart)
	viperCfg.SetDefault("decoder.spool_directory", os.TempDir())
	viperCfg.SetDefault("decoder.max_fields", defaults.MaxFields)
	viperCfg.SetDefault("decoder.max_form_length", strconv.Itoa(defaults.MaxFormLength))
	viperCfg.SetDefault("decoder.default_charset", defaults.DefaultCharset)
	viperCfg.SetDefault("decoder.chunk_size", "16KiB")

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "text")
}

func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Server.Port)
	}
	if config.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrent, config.Server.MaxConcurrent)
	}
	if _, err := config.Decoder.Build(); err != nil {
		return err
	}
	if _, err := config.Decoder.ChunkBytes(); err != nil {
		return err
	}
	if _, err := ParseLevel(config.Logging.Level); err != nil {
		return err
	}
	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, config.Logging.Format)
	}
	return nil
}

// ParseSize parses a humanized size. Empty, "unlimited" and "-1" mean no
// limit and yield -1.
func ParseSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", Unlimited, "-1":
		return -1, nil
	}
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidSize, value, err)
	}
	if size > uint64(1<<62) {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidSize, value)
	}
	return int64(size), nil
}

// FormatSize renders size for logs and output. Values above 1KiB are rounded.
func FormatSize(size int64) string {
	if size < 0 {
		return Unlimited
	}
	return humanize.IBytes(uint64(size))
}

// Build converts the sizes and returns the library configuration. Cross-field
// rules are checked by formdecode.New.
func (c DecoderConfig) Build() (formdecode.Config, error) {
	config := formdecode.Config{
		MaxParts:              c.MaxParts,
		UseFilesForNoNamePart: c.UseFilesForNoNamePart,
		SpoolDirectory:        c.SpoolDirectory,
		MaxFields:             c.MaxFields,
		DefaultCharset:        c.DefaultCharset,
	}

	sizes := []struct {
		name  string
		value string
		set   func(int64)
	}{
		{"max_part_size", c.MaxPartSize, func(v int64) { config.MaxPartSize = v }},
		{"max_memory_part_size", c.MaxMemoryPartSize, func(v int64) { config.MaxMemoryPartSize = v }},
		{"max_length", c.MaxLength, func(v int64) { config.MaxLength = v }},
		{"max_headers_size", c.MaxHeadersSize, func(v int64) { config.MaxHeadersSize = int(v) }},
		{"max_form_length", c.MaxFormLength, func(v int64) { config.MaxFormLength = int(v) }},
	}
	for _, size := range sizes {
		v, err := ParseSize(size.value)
		if err != nil {
			return formdecode.Config{}, fmt.Errorf("decoder.%s: %w", size.name, err)
		}
		size.set(v)
	}
	return config, nil
}

// ChunkBytes returns the size of chunks read from request bodies and files.
func (c DecoderConfig) ChunkBytes() (int, error) {
	size, err := ParseSize(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("decoder.chunk_size: %w", err)
	}
	if size <= 0 || size > 1<<30 {
		return 0, fmt.Errorf("%w: decoder.chunk_size must be between 1B and 1GiB", ErrInvalidSize)
	}
	return int(size), nil
}

func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("%w: %q", ErrInvalidLogLevel, level)
	}
	return l, nil
}

// NewLogger builds the slog logger described by c.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/filter"
	"github.com/SteelMorgan/logview/internal/follow"
	"github.com/SteelMorgan/logview/internal/index"
	"github.com/SteelMorgan/logview/internal/planner"
	"github.com/SteelMorgan/logview/internal/theme"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "LOGVIEW"

// Config holds the resolved settings of one run. It is built once by Load
// and never modified afterwards.
type Config struct {
	// Inputs
	Paths []string

	// Pipeline
	ChunkSize    int64 // 0 derives the size from file size and worker count
	MinChunkSize int64
	MaxChunkSize int64
	Workers      int

	// Filtering
	Filter      filter.Predicate
	FilterExprs []string
	Any         bool
	Level       domain.Level
	Since       domain.Timestamp
	Until       domain.Timestamp

	// Modes
	Follow bool
	Merge  bool
	Tail   int

	// Output
	Location     *time.Location // nil keeps the offset found in the record
	TimeFormat   timestamp.Format
	RelativeTime bool
	HideFields   []string
	Theme        theme.Theme
	Color        string

	// Index cache
	CacheDir     string
	CacheEnabled bool

	// Follow
	WatchBackend string
	PollInterval time.Duration
	Debounce     time.Duration

	// Observability
	LogLevel        string
	LogFile         string
	TracingEnabled  bool
	TracingEndpoint string
	TracingProtocol string
	ShowStats       bool
}

// SetDefaults registers the built-in default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("chunk-size", "")
	v.SetDefault("min-chunk-size", humanize.IBytes(uint64(planner.DefaultMinChunk)))
	v.SetDefault("max-chunk-size", humanize.IBytes(uint64(planner.DefaultMaxChunk)))
	v.SetDefault("workers", 0)
	v.SetDefault("any", false)
	v.SetDefault("level", "")
	v.SetDefault("follow", false)
	v.SetDefault("merge", false)
	v.SetDefault("tail", follow.DefaultTail)
	v.SetDefault("time-zone", "")
	v.SetDefault("time-format", timestamp.DefaultFormat)
	v.SetDefault("relative", false)
	v.SetDefault("cache-dir", "")
	v.SetDefault("no-cache", false)
	v.SetDefault("theme", "default")
	v.SetDefault("color", theme.ColorAuto)
	v.SetDefault("watch-backend", follow.BackendAuto)
	v.SetDefault("poll-interval", follow.DefaultPollInterval)
	v.SetDefault("debounce", follow.DefaultDebounce)
	v.SetDefault("log-level", "warn")
	v.SetDefault("log-file", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.protocol", "grpc")
	v.SetDefault("stats", false)
}

// BindEnv makes every key readable from LOGVIEW_* variables, with dashes and
// dots turned into underscores (LOGVIEW_CHUNK_SIZE, LOGVIEW_TRACING_ENABLED).
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// ReadFile reads the YAML config file. An explicit path must exist; otherwise
// config.yaml in the user config directory is used when present.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "logview"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && path == "" {
			return nil
		}
		return &domain.ConfigurationError{Field: "config file", Value: path, Err: err}
	}
	return nil
}

// Load resolves the settings held by v into a Config. Every value is parsed
// and validated here so that processing never starts with a bad setting.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Paths:           v.GetStringSlice("paths"),
		Workers:         v.GetInt("workers"),
		FilterExprs:     v.GetStringSlice("filter"),
		Any:             v.GetBool("any"),
		Follow:          v.GetBool("follow"),
		Merge:           v.GetBool("merge"),
		Tail:            v.GetInt("tail"),
		RelativeTime:    v.GetBool("relative"),
		HideFields:      v.GetStringSlice("hide"),
		Color:           v.GetString("color"),
		CacheDir:        v.GetString("cache-dir"),
		CacheEnabled:    !v.GetBool("no-cache"),
		WatchBackend:    v.GetString("watch-backend"),
		PollInterval:    v.GetDuration("poll-interval"),
		Debounce:        v.GetDuration("debounce"),
		LogLevel:        v.GetString("log-level"),
		LogFile:         v.GetString("log-file"),
		TracingEnabled:  v.GetBool("tracing.enabled"),
		TracingEndpoint: v.GetString("tracing.endpoint"),
		TracingProtocol: v.GetString("tracing.protocol"),
		ShowStats:       v.GetBool("stats"),
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	var err error
	if cfg.ChunkSize, err = parseSize("chunk size", v.GetString("chunk-size")); err != nil {
		return nil, err
	}
	if cfg.MinChunkSize, err = parseSize("minimum chunk size", v.GetString("min-chunk-size")); err != nil {
		return nil, err
	}
	if cfg.MaxChunkSize, err = parseSize("maximum chunk size", v.GetString("max-chunk-size")); err != nil {
		return nil, err
	}

	if lvl := v.GetString("level"); lvl != "" {
		if cfg.Level, err = domain.ParseLevel(lvl); err != nil {
			return nil, &domain.ConfigurationError{Field: "level", Value: lvl, Err: err}
		}
	}

	if cfg.Location, err = parseLocation(v.GetString("time-zone")); err != nil {
		return nil, err
	}
	if cfg.TimeFormat, err = timestamp.ParseFormat(v.GetString("time-format")); err != nil {
		return nil, err
	}

	engine := timestamp.NewEngine()
	now := time.Now()
	if cfg.Since, err = timestamp.ParseBound(engine, v.GetString("since"), now); err != nil {
		return nil, err
	}
	if cfg.Until, err = timestamp.ParseBound(engine, v.GetString("until"), now); err != nil {
		return nil, err
	}

	cfg.Filter, err = filter.New(filter.Options{
		Exprs: cfg.FilterExprs,
		Any:   cfg.Any,
		Level: cfg.Level,
		Since: cfg.Since,
		Until: cfg.Until,
	})
	if err != nil {
		return nil, err
	}

	cfg.Theme = theme.LoadOrDefault(v.GetString("theme"), theme.DefaultDirs())

	if cfg.CacheEnabled && cfg.CacheDir == "" {
		if cfg.CacheDir, err = index.DefaultDir(); err != nil {
			// an unresolvable cache directory only costs the persistence
			cfg.CacheDir = ""
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the relations between settings
func (c *Config) Validate() error {
	if c.MinChunkSize <= 0 {
		return &domain.ConfigurationError{Field: "minimum chunk size", Value: humanize.IBytes(uint64(max(c.MinChunkSize, 0))), Err: fmt.Errorf("must be positive")}
	}
	if c.MaxChunkSize < c.MinChunkSize {
		return &domain.ConfigurationError{
			Field: "maximum chunk size",
			Value: humanize.IBytes(uint64(max(c.MaxChunkSize, 0))),
			Err:   fmt.Errorf("must not be below the minimum of %s", humanize.IBytes(uint64(c.MinChunkSize))),
		}
	}
	if c.ChunkSize < 0 {
		return &domain.ConfigurationError{Field: "chunk size", Value: fmt.Sprint(c.ChunkSize), Err: fmt.Errorf("must not be negative")}
	}
	if c.Since.Valid && c.Until.Valid && c.Until.Before(c.Since) {
		return &domain.ConfigurationError{Field: "until", Value: "", Err: fmt.Errorf("time range ends before it starts")}
	}
	if c.Follow && c.Merge {
		return &domain.ConfigurationError{Field: "merge", Value: "true", Err: fmt.Errorf("cannot be combined with follow")}
	}
	if c.Tail < -1 {
		return &domain.ConfigurationError{Field: "tail", Value: fmt.Sprint(c.Tail), Err: fmt.Errorf("use -1 for the whole file")}
	}
	if c.PollInterval <= 0 {
		return &domain.ConfigurationError{Field: "poll interval", Value: c.PollInterval.String(), Err: fmt.Errorf("must be positive")}
	}
	if c.Debounce < 0 {
		return &domain.ConfigurationError{Field: "debounce", Value: c.Debounce.String(), Err: fmt.Errorf("must not be negative")}
	}
	switch c.WatchBackend {
	case follow.BackendAuto, follow.BackendFsnotify, follow.BackendPoll:
	default:
		return &domain.ConfigurationError{
			Field: "watch backend",
			Value: c.WatchBackend,
			Err:   fmt.Errorf("use any of %s, %s, %s", follow.BackendAuto, follow.BackendFsnotify, follow.BackendPoll),
		}
	}
	switch c.Color {
	case theme.ColorAuto, theme.ColorAlways, theme.ColorNever:
	default:
		return &domain.ConfigurationError{
			Field: "color mode",
			Value: c.Color,
			Err:   fmt.Errorf("use any of %s, %s, %s", theme.ColorAuto, theme.ColorAlways, theme.ColorNever),
		}
	}
	if c.TracingEnabled && c.TracingProtocol != "grpc" && c.TracingProtocol != "http" {
		return &domain.ConfigurationError{Field: "tracing protocol", Value: c.TracingProtocol, Err: fmt.Errorf("use grpc or http")}
	}
	return nil
}

// parseSize accepts plain byte counts and humanized sizes ("64K", "1MiB", "2MB").
// An empty string means zero.
func parseSize(field, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, &domain.ConfigurationError{Field: field, Value: s, Err: err}
	}
	if n > 1<<40 {
		return 0, &domain.ConfigurationError{Field: field, Value: s, Err: fmt.Errorf("too large")}
	}
	return int64(n), nil
}

// parseLocation resolves the output timezone. Empty keeps each record's own
// offset, "local" is the system zone, anything else an IANA name.
func parseLocation(name string) (*time.Location, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return nil, nil
	case "local":
		return time.Local, nil
	case "utc", "z":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "time zone", Value: name, Err: err}
	}
	return loc, nil
}

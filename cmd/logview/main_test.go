package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/viper"

	"github.com/SteelMorgan/logview/internal/config"
	"github.com/SteelMorgan/logview/internal/domain"
)

func TestFlagsReachConfig(t *testing.T) {
	v := viper.New()
	cmd := newRootCmd(v)
	args := []string{
		"-f", "msg~=a,b", "-f", "status>=500",
		"-l", "warn",
		"-m",
		"-Z", "UTC",
		"-H", "pid",
		"--chunk-size", "256K",
		"--workers", "3",
		"--no-cache",
		"--color", "never",
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	v.Set("filter", []string{"msg~=a,b", "status>=500"})
	v.Set("hide", []string{"pid"})

	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Merge || cfg.Workers != 3 || cfg.ChunkSize != 256000 || cfg.CacheEnabled {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Level != domain.LevelWarning || cfg.Color != "never" {
		t.Errorf("level = %v, color = %q", cfg.Level, cfg.Color)
	}
	if len(cfg.FilterExprs) != 2 || cfg.FilterExprs[0] != "msg~=a,b" {
		t.Errorf("FilterExprs = %q", cfg.FilterExprs)
	}
}

func TestFlagDefaultsMatchConfigDefaults(t *testing.T) {
	v := viper.New()
	cmd := newRootCmd(v)
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tail != 10 || cfg.WatchBackend != "auto" || cfg.LogLevel != "warn" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "configuration", err: fmt.Errorf("wrapped: %w", &domain.ConfigurationError{Field: "level", Err: errors.New("bad")}), want: 2},
		{name: "other", err: errors.New("boom"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/SteelMorgan/logview/internal/config"
	"github.com/SteelMorgan/logview/internal/follow"
	"github.com/SteelMorgan/logview/internal/observability"
	"github.com/SteelMorgan/logview/internal/service"
	"github.com/SteelMorgan/logview/internal/theme"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

// cliOptions holds flags that are not resolved through viper
type cliOptions struct {
	configFile string
	filters    []string
	hide       []string
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "logview [flags] [paths...]",
		Short: "Render JSON-lines logs for humans",
		Long: `logview renders JSON-lines logs as colored, aligned text.

Large files are split into chunks processed in parallel, and line indexes are
cached so unchanged files are never scanned twice. Several files can be merged
by time, and growing files can be followed.

Paths may be globs, including **. Without paths, or with "-", standard input
is read. Files ending in .gz are decompressed on the fly.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/logview/config.yaml)")
	f.StringArrayVarP(&opts.filters, "filter", "f", nil, "field filter: key=value, key!=value, key~=regex, key*=glob, key>=n (repeatable)")
	f.Bool("any", false, "keep records matching any field filter instead of all")
	f.StringP("level", "l", "", "minimum level: debug, info, warning, error")
	f.String("since", "", "keep records at or after this time (timestamp or duration ago, e.g. 1h)")
	f.String("until", "", "keep records at or before this time")
	f.BoolP("follow", "F", false, "keep rendering lines appended to the files")
	f.BoolP("merge", "m", false, "merge all inputs by time")
	f.Int("tail", follow.DefaultTail, "lines shown per file before following, -1 for the whole file")
	f.StringP("time-zone", "Z", "", "output time zone: local, UTC or an IANA name (default: as recorded)")
	f.StringP("time-format", "t", timestamp.DefaultFormat, "output time format (strftime directives)")
	f.Bool("relative", false, "show times relative to now")
	f.StringArrayVarP(&opts.hide, "hide", "H", nil, "field to omit from the output (repeatable)")
	f.String("chunk-size", "", "bytes per chunk, e.g. 256K or 4MiB (default: derived from file size)")
	f.Int("workers", 0, "number of workers (default: number of CPUs)")
	f.String("cache-dir", "", "index cache directory (default: user cache directory)")
	f.Bool("no-cache", false, "do not read or write the index cache")
	f.String("theme", "default", "built-in theme name or theme file (YAML or TOML)")
	f.String("color", theme.ColorAuto, "color mode: auto, always, never")
	f.String("watch-backend", follow.BackendAuto, "follow backend: auto, fsnotify, poll")
	f.Bool("stats", false, "print a summary to stderr when done")
	f.String("log-level", "warn", "diagnostic log level")
	f.String("log-file", "", "also write diagnostics to this file")

	config.SetDefaults(v)
	config.BindEnv(v)
	f.VisitAll(func(fl *pflag.Flag) {
		switch fl.Name {
		case "config", "filter", "hide":
			return
		}
		// the flag set is fixed, binding cannot fail
		_ = v.BindPFlag(fl.Name, fl)
	})
	return cmd
}

func run(cmd *cobra.Command, v *viper.Viper, opts *cliOptions, args []string) error {
	if err := config.ReadFile(v, opts.configFile); err != nil {
		return err
	}
	if len(args) == 0 && stdinIsTerminal() {
		return fmt.Errorf("no input: pass paths or pipe logs to standard input")
	}
	v.Set("paths", args)
	// string arrays are kept as given, viper would split them on commas
	if cmd.Flags().Changed("filter") {
		v.Set("filter", opts.filters)
	}
	if cmd.Flags().Changed("hide") {
		v.Set("hide", opts.hide)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	shutdown, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "logview",
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		Protocol:       cfg.TracingProtocol,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdown(context.Background())
	}

	svc, err := service.New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// SIGPIPE is caught so a closed stdout ends the run instead of killing it
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGPIPE)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Debug().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
			return
		}
		// a read blocked on standard input does not see the cancellation,
		// so a second interrupt exits right away
		for sig := range sigChan {
			if sig != syscall.SIGPIPE {
				os.Exit(130)
			}
		}
	}()

	sum, err := svc.Run(ctx)
	if sum != nil && cfg.ShowStats {
		sum.Print(os.Stderr, cfg.Color)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, syscall.EPIPE):
		log.Debug().Err(err).Msg("Rendering stopped")
		return nil
	}
	return err
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

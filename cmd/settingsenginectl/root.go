package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/settingsengine"
	"github.com/tonimelisma/settingsengine/internal/engineconfig"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagDir        string
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipEngineAnnotation marks commands that do not need an open Engine
// (e.g. "config" against a not-yet-initialized directory).
const skipEngineAnnotation = "skipEngine"

// CLIContext bundles the opened engine, resolved config, and logger.
// Created once in PersistentPreRunE.
type CLIContext struct {
	Engine *settingsengine.Engine
	Config *engineconfig.Config
	Logger *slog.Logger
	Quiet  bool
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found — command must not carry skipEngineAnnotation")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "settingsenginectl",
		Short:         "Settings engine CLI",
		Long:          "Inspect and synchronize a machine-local settings engine database.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipEngineAnnotation] == "true" {
				return nil
			}

			return bootstrap(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc := cliContextFrom(cmd.Context())
			if cc == nil {
				return nil
			}

			return cc.Engine.Uninit()
		},
	}

	cmd.PersistentFlags().StringVar(&flagDir, "dir", "", "engine database directory (default: platform data dir)")
	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "engine config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newProductCmd())

	return cmd
}

// bootstrap resolves the engine config, opens the Engine at flagDir, and
// stores both in the command's context.
func bootstrap(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	cfgPath := flagConfigPath
	if cfgPath == "" {
		cfgPath = engineconfig.DefaultConfigPath()
	}

	var cfg *engineconfig.Config

	var err error

	if cfgPath != "" {
		cfg, err = engineconfig.LoadOrDefault(cfgPath, logger)
	} else {
		cfg = engineconfig.DefaultConfig()
	}

	if err != nil {
		return fmt.Errorf("loading engine config: %w", err)
	}

	finalLogger := buildLogger(cfg)

	dir := flagDir
	if dir == "" {
		dir, err = defaultDataDir()
		if err != nil {
			return fmt.Errorf("resolving default data directory: %w", err)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	engine, err := settingsengine.Init(ctx, settingsengine.Options{Dir: dir, Logger: finalLogger})
	if err != nil {
		return fmt.Errorf("opening engine at %s: %w", dir, err)
	}

	cc := &CLIContext{Engine: engine, Config: cfg, Logger: finalLogger, Quiet: flagQuiet}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger honoring config-file log level, CLI
// flags always taking priority (flags are mutually exclusive).
func buildLogger(cfg *engineconfig.Config) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	format := "text"
	if cfg != nil {
		format = cfg.Logging.LogFormat
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

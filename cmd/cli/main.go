package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/composite/internal/config"
	"github.com/cochaviz/composite/internal/logging"
)

const defaultLogLevel = "info"

// app carries the state shared by every command. The logger is rebuilt once
// the persistent flags are parsed.
type app struct {
	stderr   io.Writer
	levelVar slog.LevelVar
	logger   *slog.Logger

	configPath string
	logLevel   string
	logFormat  string
}

func newApp(stderr io.Writer) *app {
	a := &app{stderr: stderr}
	a.levelVar.Set(slog.LevelInfo)
	a.logger = logging.New(logging.FormatText, stderr, &a.levelVar)
	return a
}

func main() {
	a := newApp(os.Stderr)
	slog.SetDefault(a.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "composite",
		Short:         "Compositor host for out-of-process content",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&a.logFormat, "log-format", string(logging.FormatText), "Set log format (text, json)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.configureLogging(cmd)
	}

	root.AddCommand(
		newServeCommand(a),
		newConnectCommand(a),
		newProbeCommand(a),
		newBackendsCommand(a),
		newConfigCommand(a),
	)
	return root
}

// configureLogging applies the log flags, falling back to the configuration
// file for flags the user did not set.
func (a *app) configureLogging(cmd *cobra.Command) error {
	level, format := a.logLevel, a.logFormat
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("log-level") {
			level = cfg.Log.Level
		}
		if !cmd.Flags().Changed("log-format") {
			format = cfg.Log.Format
		}
	}

	parsedLevel, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	parsedFormat, err := logging.ParseFormat(format)
	if err != nil {
		return err
	}
	a.levelVar.Set(parsedLevel)
	a.logger = logging.New(parsedFormat, a.stderr, &a.levelVar)
	slog.SetDefault(a.logger)
	return nil
}

// loadConfig returns the configuration file merged over the defaults.
func (a *app) loadConfig() (config.Config, error) {
	return config.Load(a.configPath)
}

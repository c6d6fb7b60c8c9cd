package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/composite/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		socketPath string
		width      int
		height     int
		backends   []string
		noAPZ      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the compositor host on a unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("socket") {
				cfg.Socket = strings.TrimSpace(socketPath)
			}
			if flags.Changed("width") {
				cfg.Surface.Width = width
			}
			if flags.Changed("height") {
				cfg.Surface.Height = height
			}
			if flags.Changed("backends") {
				cfg.Backends = backends
			}
			if noAPZ {
				cfg.APZ.Enabled = false
			}

			cmdLogger := a.logger.With("command", "serve")
			rt, err := server.NewRuntime(cfg, cmdLogger)
			if err != nil {
				return err
			}

			cmdLogger.Info("starting compositor host; press Ctrl+C to stop",
				"socket", cfg.Socket,
				"backends", strings.Join(cfg.Backends, ","),
				"apz", cfg.APZ.Enabled,
			)
			ctx := cmd.Context()
			if err := rt.Run(ctx); err != nil {
				cmdLogger.Error("compositor host failed", "error", err)
				return fmt.Errorf("serve: %w", err)
			}
			cmdLogger.Info("compositor host stopped")
			return ctx.Err()
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "Path to the host socket (overrides config)")
	cmd.Flags().IntVar(&width, "width", 0, "Default surface width (overrides config)")
	cmd.Flags().IntVar(&height, "height", 0, "Default surface height (overrides config)")
	cmd.Flags().StringSliceVar(&backends, "backends", nil, "Backend preference order, e.g. opengl,basic (overrides config)")
	cmd.Flags().BoolVar(&noAPZ, "no-apz", false, "Disable hit testing and content controllers")

	return cmd
}

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/compositor"
	"github.com/cochaviz/composite/internal/server"
)

// newConnectCommand acts as a minimal peer: it announces a surface, allocates
// one layer tree, composites a single layer and disconnects.
func newConnectCommand(a *app) *cobra.Command {
	var (
		socketPath string
		width      int
		height     int
		treeID     uint64
		backends   []string
		fill       string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a running host and composite a test frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			if treeID == 0 {
				return fmt.Errorf("layer tree id must be non-zero")
			}
			if socketPath == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				socketPath = cfg.Socket
			}

			cmdLogger := a.logger.With("command", "connect", "socket", socketPath)
			client, err := server.Dial(socketPath, server.SurfaceRequest{Width: width, Height: height})
			if err != nil {
				return err
			}
			defer client.Close()

			surface := client.Surface()
			cmdLogger.Info("surface created", "compositor_id", surface.CompositorID, "surface_id", surface.SurfaceID)

			alloc, err := client.Allocate(treeID, compositor.AllocRequest{Backends: backends})
			if err != nil {
				return fmt.Errorf("allocate layer tree %d: %w", treeID, err)
			}

			out := cmd.OutOrStdout()
			status := color.New(color.FgGreen).Sprint("OK      ")
			if alloc.Degraded {
				status = color.New(color.FgYellow).Sprint("DEGRADED")
			}
			fmt.Fprintf(out, "%s compositor %d, surface %d (%dx%d), backend %s\n",
				status, surface.CompositorID, surface.SurfaceID, surface.Width, surface.Height, alloc.Backend)
			if alloc.Degraded {
				return client.Deallocate(treeID)
			}

			layer := backend.Layer{Width: float32(surface.Width), Height: float32(surface.Height), Color: fill}
			if err := client.Composite(treeID, []backend.Layer{layer}); err != nil {
				fmt.Fprintf(out, "%s composite: %v\n", color.New(color.FgRed).Sprint("FAILED  "), err)
				return err
			}
			fmt.Fprintf(out, "%s composite scheduled (format %v, max texture %d)\n",
				color.New(color.FgGreen).Sprint("OK      "), alloc.TextureFactory.Format, alloc.TextureFactory.MaxTextureSize)

			return client.Deallocate(treeID)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "Path to the host socket (defaults to config)")
	cmd.Flags().IntVar(&width, "width", 0, "Surface width (host default when zero)")
	cmd.Flags().IntVar(&height, "height", 0, "Surface height (host default when zero)")
	cmd.Flags().Uint64Var(&treeID, "tree", 1, "Layer tree id to allocate")
	cmd.Flags().StringSliceVar(&backends, "backends", nil, "Backend preference order (host default when empty)")
	cmd.Flags().StringVar(&fill, "color", "#3366ff", "Fill color of the test layer")

	return cmd
}

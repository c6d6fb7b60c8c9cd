package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/platform"
)

var knownKinds = []backend.Kind{backend.KindBasic, backend.KindOpenGL, backend.KindD3D11}

func newBackendsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List compositing backends known to this build",
		RunE: func(cmd *cobra.Command, args []string) error {
			platform.Default.Init(a.logger)
			defer platform.Default.Shutdown()

			registry := backend.NewDefaultRegistry(a.logger)
			out := cmd.OutOrStdout()
			for _, kind := range knownKinds {
				status := color.New(color.FgGreen).Sprint("REGISTERED ")
				if !registry.IsRegistered(kind) {
					status = color.New(color.FgRed).Sprint("UNSUPPORTED")
				}
				fmt.Fprintf(out, "%s %s\n", status, kind)
			}
			fmt.Fprintf(out, "accelerator: %s\n", platform.Default.AcceleratorName())
			return nil
		},
	}
}

func newProbeCommand(a *app) *cobra.Command {
	var (
		width  int
		height int
	)

	cmd := &cobra.Command{
		Use:   "probe [backend...]",
		Short: "Initialize each backend against a scratch surface and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := knownKinds
			if len(args) > 0 {
				parsed, err := backend.ParseKinds(args)
				if err != nil {
					return err
				}
				kinds = parsed
			}
			size := backend.Size{Width: width, Height: height}
			if !size.Valid() {
				return fmt.Errorf("invalid probe surface %dx%d", width, height)
			}

			platform.Default.Init(a.logger)
			defer platform.Default.Shutdown()

			registry := backend.NewDefaultRegistry(a.logger)
			if available := probeKinds(cmd.OutOrStdout(), registry, kinds, size); available == 0 {
				return errors.New("no compositing backend is available; surfaces will be degraded")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 64, "Probe surface width")
	cmd.Flags().IntVar(&height, "height", 64, "Probe surface height")

	return cmd
}

// probeKinds writes one line per kind and returns how many initialized.
func probeKinds(out io.Writer, registry *backend.Registry, kinds []backend.Kind, size backend.Size) int {
	available := 0
	for _, kind := range kinds {
		err := registry.Probe(kind, size)
		switch {
		case err == nil:
			available++
			fmt.Fprintf(out, "%s %s\n", color.New(color.FgGreen).Sprint("OK         "), kind)
		case errors.Is(err, backend.ErrBackendNotAvailable):
			fmt.Fprintf(out, "%s %s\n", color.New(color.FgYellow).Sprint("UNSUPPORTED"), kind)
		default:
			fmt.Fprintf(out, "%s %s: %v\n", color.New(color.FgRed).Sprint("FAILED     "), kind, err)
		}
	}
	return available
}

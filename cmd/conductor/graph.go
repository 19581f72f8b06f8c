package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/urbanpulse/conductor/internal/diagram"
)

func newGraphCmd(configPath *string) *cobra.Command {
	var (
		version string
		runID   string
		format  string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "graph <workflow>",
		Short: "Render a workflow's phase graph as mermaid, ascii or png",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			wf, err := rt.store.GetWorkflow(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}

			model, err := diagram.FromDefinition(&wf.Definition)
			if err != nil {
				return err
			}

			if runID != "" {
				snap, statusErr := rt.service.Status(cmd.Context(), runID)
				if statusErr != nil {
					return statusErr
				}
				diagram.AttachRunState(model, snap)
			}

			switch format {
			case "mermaid":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			case "ascii":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
			case "png":
				if output == "" {
					return fmt.Errorf("--output is required for png")
				}
				png, renderErr := diagram.RenderImage(cmd.Context(), model)
				if renderErr != nil {
					return renderErr
				}
				if err := os.WriteFile(output, png, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			default:
				return fmt.Errorf("unknown format %q (mermaid, ascii, png)", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "workflow version (default: latest)")
	cmd.Flags().StringVar(&runID, "run", "", "overlay execution state from a run")
	cmd.Flags().StringVar(&format, "format", "ascii", "output format: mermaid, ascii or png")
	cmd.Flags().StringVar(&output, "output", "", "output file (png only)")
	return cmd
}

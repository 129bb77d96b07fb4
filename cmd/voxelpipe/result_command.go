package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"voxelpipe/internal/studies"
)

func newResultCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "result <study-id>",
		Short: "Show artifact URLs and the segmentation legend for a completed study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := ctx.ensureServices(cmd.Context())
			if err != nil {
				return err
			}

			study, _, err := services.Reconciler.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if study == nil {
				return fmt.Errorf("study %s not found", args[0])
			}
			if study.Status != studies.StatusCompleted {
				return fmt.Errorf("study %s is %s, results are not ready", study.ID, study.Status)
			}

			// Artifacts may still be pending if materialization failed after
			// completion; retry it lazily before giving up.
			if study.ImageKey == "" || study.MaskKey == "" {
				study, err = services.Reconciler.EnsureArtifacts(cmd.Context(), study)
				if err != nil || study.ImageKey == "" || study.MaskKey == "" {
					return fmt.Errorf("artifacts for study %s are not ready yet", args[0])
				}
				// Freshly materialized objects supersede any URLs signed for a
				// previous generation of these keys.
				services.URLs.Invalidate(study.ImageKey)
				services.URLs.Invalidate(study.MaskKey)
			}

			imageURL, err := services.URLs.URL(cmd.Context(), study.ImageKey)
			if err != nil {
				return err
			}
			maskURL, err := services.URLs.URL(cmd.Context(), study.MaskKey)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Image: %s\n", imageURL)
			fmt.Fprintf(out, "Mask:  %s\n", maskURL)

			legend, err := services.Materializer.Legend(cmd.Context(), study)
			if err != nil {
				fmt.Fprintln(out, "Legend unavailable:", err)
				return nil
			}
			rows := make([][]string, 0, len(legend))
			for _, entry := range legend {
				rows = append(rows, []string{
					strconv.Itoa(entry.ID),
					entry.Label,
					strconv.Itoa(entry.VoxelCount),
					fmt.Sprintf("%.2f%%", entry.Fraction*100),
					entry.Color,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Label", "Voxels", "Fraction", "Color"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

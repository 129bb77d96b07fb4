package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"voxelpipe/internal/submit"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		scope    string
		category string
		prompt   string
	)

	cmd := &cobra.Command{
		Use:   "submit <volume-file>",
		Short: "Normalize a volume and enqueue a segmentation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := ctx.ensureServices(cmd.Context())
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read upload: %w", err)
			}

			study, err := services.Submitter.Submit(cmd.Context(), submit.Request{
				OwnerScope: scope,
				Category:   category,
				Prompt:     prompt,
				Payload:    payload,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Study %s submitted (status %s)\n", study.ID, study.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Owner scope (tenant namespace) for stored artifacts")
	cmd.Flags().StringVar(&category, "category", "", "Anatomy category hint, e.g. \"lung\"")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Segmentation prompt text")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

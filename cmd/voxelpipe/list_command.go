package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"voxelpipe/internal/studies"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List studies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := ctx.ensureServices(cmd.Context())
			if err != nil {
				return err
			}

			var filters []studies.Status
			if statusFilter != "" {
				status, ok := studies.ParseStatus(statusFilter)
				if !ok {
					return fmt.Errorf("unknown status %q", statusFilter)
				}
				filters = append(filters, status)
			}

			items, err := services.DB.ListStudies(cmd.Context(), filters...)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(items))
			for _, study := range items {
				rows = append(rows, []string{
					study.ID,
					string(study.Status),
					study.Category,
					study.CreatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Study", "Status", "Category", "Created"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Only show studies with this status")
	return cmd
}

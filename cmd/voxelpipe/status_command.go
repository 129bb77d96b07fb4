package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <study-id>",
		Short: "Show the current status of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := ctx.ensureServices(cmd.Context())
			if err != nil {
				return err
			}

			study, job, err := services.Reconciler.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if study == nil {
				return fmt.Errorf("study %s not found", args[0])
			}

			rows := [][]string{
				{"Study", study.ID},
				{"Status", string(study.Status)},
				{"Created", study.CreatedAt.Local().Format("2006-01-02 15:04:05")},
			}
			if job != nil {
				rows = append(rows,
					[]string{"Progress", strconv.Itoa(job.ProgressPercent) + "%"},
					[]string{"External job", job.ExternalJobID},
				)
			}
			if study.ErrorMessage != "" {
				rows = append(rows, []string{"Error", study.ErrorMessage})
			}
			if study.CompletedAt != nil {
				rows = append(rows, []string{"Completed", study.CompletedAt.Local().Format("2006-01-02 15:04:05")})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

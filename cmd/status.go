package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last result of every task and the recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("runs")
		if err != nil {
			return err
		}

		p, err := loadProject(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer p.Close()

		if p.store == nil {
			return eris.New("the state database is disabled")
		}

		ctx := context.Background()
		records, err := p.store.Tasks(ctx)
		if err != nil {
			return err
		}

		PrintTask("Tasks")
		if len(records) == 0 {
			PrintSubtask("no task ran yet")
		}
		for _, record := range records {
			line := fmt.Sprintf("%s: %s at %s (%s, %d files)", record.Task, record.Status,
				record.Finished.Local().Format(time.Stamp), record.Duration.Round(time.Millisecond), len(record.Outputs))

			if _, ok := p.orch.Task(record.Task); !ok {
				line += " [no longer defined]"
			}

			if record.Error != "" {
				PrintError(line + ": " + record.Error)
			} else {
				PrintSubtask(line)
			}
		}

		runs, err := p.store.Runs(ctx, limit)
		if err != nil {
			return err
		}

		PrintTask("Recent runs")
		for _, run := range runs {
			line := fmt.Sprintf("%s %s: %s in %s", run.Started.Local().Format(time.Stamp), run.ID,
				strings.Join(run.Roots, ", "), run.Duration.Round(time.Millisecond))

			if len(run.Failed) > 0 {
				PrintError(line + ", failed: " + strings.Join(run.Failed, ", "))
			} else {
				PrintSubtask(fmt.Sprintf("%s, %d executed", line, len(run.Executed)))
			}
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().IntP("runs", "r", 10, "number of runs to show")
	rootCmd.AddCommand(statusCmd)
}

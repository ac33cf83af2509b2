package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task...> [KEY=VALUE...]",
	Short: "Run tasks and their prerequisites",
	Long: `Runs the given tasks and everything they depend on. Each task runs at most once.
KEY=VALUE arguments set the options declared by the pipeline file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskNames, options := splitArgs(args)
		if len(taskNames) == 0 {
			return eris.New("no task given, run buildpipe list to see the available tasks")
		}

		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		var bar *progressbar.ProgressBar
		observer := func(evt buildsys.TaskEvent) {
			if bar == nil {
				return
			}

			switch {
			case evt.State.Done():
				bar.Add(1)
			case evt.State == buildsys.StateExecuting && evt.Stage != "":
				bar.Describe(fmt.Sprintf("%s: %s (%d/%d)", evt.Task, evt.Stage, evt.Index+1, evt.Total))
			}
		}

		p, err := loadProject(cmd, options, observer)
		if err != nil {
			return err
		}
		defer p.Close()

		plan, err := p.orch.Plan(taskNames...)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		bar = getProgressBar(len(plan), "building")
		result, err := p.orch.RunTasks(ctx, taskNames, buildsys.RunOptions{
			Force:  force,
			DryRun: dryRun,
		})
		bar.Finish()

		if !dryRun {
			p.recordRun(context.Background(), result)
		}

		if result != nil {
			printSummary(result)
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolP("dry", "n", false, "dry run; only print the stages, don't execute anything")
	runCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed tasks even if they're up to date")
	rootCmd.AddCommand(runCmd)
}

func getProgressBar(length int, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions(length,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printSummary(result *buildsys.RunResult) {
	for _, name := range result.Order {
		tr := result.Get(name)
		line := fmt.Sprintf("%s: %s", name, tr.State)
		if tr.State == buildsys.StateCompleted {
			line += fmt.Sprintf(" (%d files, %s)", tr.Items, tr.Duration.Round(time.Millisecond))
		}

		switch tr.State {
		case buildsys.StateFailed, buildsys.StateSkipped:
			if tr.Err != nil {
				line += ": " + tr.Err.Error()
			}
			PrintError(line)
		default:
			PrintSubtask(line)
		}
	}

	PrintTask(fmt.Sprintf("Finished in %s", result.Duration.Round(time.Millisecond)))
}

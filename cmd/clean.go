package cmd

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean [task...]",
	Short: "Delete the destination directories of the given (or all) tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		p, err := loadProject(cmd, nil, nil)
		if err != nil {
			return err
		}
		defer p.Close()

		names := args
		if len(names) == 0 {
			for _, task := range p.orch.Tasks() {
				names = append(names, task.Name)
			}
		}

		dirs := map[string][]string{}
		for _, name := range names {
			task, ok := p.orch.Task(name)
			if !ok {
				return eris.Errorf("task %s not found", name)
			}

			dest := p.orch.DestPath(task)
			if dest == "" {
				continue
			}

			rel, err := filepath.Rel(p.root, dest)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				return eris.Errorf("refusing to delete %s since it's not inside the project root", dest)
			}
			dirs[dest] = append(dirs[dest], name)
		}

		sorted := make([]string, 0, len(dirs))
		for dir := range dirs {
			sorted = append(sorted, dir)
		}
		sort.Strings(sorted)

		for _, dir := range sorted {
			rel, _ := filepath.Rel(p.root, dir)
			if dryRun {
				PrintSubtask("would delete " + rel)
				continue
			}

			PrintSubtask("deleting " + rel)
			if err := os.RemoveAll(dir); err != nil {
				return eris.Wrapf(err, "failed to delete %s", dir)
			}
		}

		if p.store != nil && !dryRun {
			// forget the cleaned tasks so the next run rebuilds them
			return p.store.DeleteTasks(context.Background(), names...)
		}
		return nil
	},
}

func init() {
	cleanCmd.Flags().BoolP("dry", "n", false, "only print what would be deleted")
	rootCmd.AddCommand(cleanCmd)
}

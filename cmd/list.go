package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}
		return listTasks(cmd, all)
	},
}

func init() {
	listCmd.Flags().BoolP("all", "a", false, "include hidden tasks")
	rootCmd.AddCommand(listCmd)
}

func listTasks(cmd *cobra.Command, all bool) error {
	p, err := loadProject(cmd, nil, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	tasks := p.orch.Tasks()
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Name < tasks[j].Name
	})

	fmt.Println("Available tasks:")
	maxNameLen := 0
	for _, task := range tasks {
		if len(task.Name) > maxNameLen {
			maxNameLen = len(task.Name)
		}
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, task := range tasks {
		if task.Hidden && !all {
			continue
		}

		desc := task.Desc
		if len(task.Deps) > 0 {
			desc = strings.TrimSpace(fmt.Sprintf("%s (after %s)", desc, strings.Join(task.Deps, ", ")))
		}
		fmt.Printf(lineFmt, task.Name+":", desc)
	}

	if rules := p.orch.WatchRules(); len(rules) > 0 {
		fmt.Println("\nWatch rules:")
		for _, rule := range rules {
			fmt.Printf(" * %s: %s -> %s\n", rule.Name, strings.Join(rule.Patterns, " "), strings.Join(rule.Tasks, ", "))
		}
	}

	if filepath.Ext(p.file) == ".star" {
		ctx := buildsys.WithLogger(context.Background(), &p.logger)
		_, optionDefs, err := buildsys.RunScript(ctx, p.file, p.root, nil, false)
		if err != nil {
			return err
		}

		if len(optionDefs) > 0 {
			names := make([]string, 0, len(optionDefs))
			for name := range optionDefs {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Println("\nOptions (pass as KEY=VALUE):")
			for _, name := range names {
				opt := optionDefs[name]
				fmt.Printf(" * %s=%q: %s\n", name, opt.DefaultValue, opt.Help)
			}
		}
	}

	return nil
}

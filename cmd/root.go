package cmd

import (
	"os"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	config   string
	file     string
	root     string
	logLevel string
	json     bool
	noState  bool
	noCache  bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "buildpipe",
	Short: "Task based build pipeline for static assets",
	Long: `This command loads the first tasks.star or tasks.yml file it finds and runs the
requested tasks. Without a sub-command, the available tasks are listed.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// route mv, rm and mkdir in shell stages through our own implementation
		if exe, err := os.Executable(); err == nil {
			buildsys.PosixHelper = exe
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return listTasks(cmd, false)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", "", "config file (default: buildpipe.toml in the working directory)")
	pf.StringVar(&flags.file, "file", "", "pipeline file (default: search for tasks.star or tasks.yml)")
	pf.StringVar(&flags.root, "root", "", "project root (default: directory of the pipeline file)")
	pf.StringVar(&flags.logLevel, "log-level", "", "minimum log level (debug, info, warn, error)")
	pf.BoolVar(&flags.json, "json", false, "log JSON instead of pretty console messages")
	pf.BoolVar(&flags.noState, "no-state", false, "don't read or write the task state database")
	pf.BoolVar(&flags.noCache, "no-cache", false, "always re-evaluate the pipeline file")
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

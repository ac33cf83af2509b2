package cmd

import (
	"fmt"
	"runtime"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("buildpipe %s (%s, %s/%s)\n", buildsys.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package cmd

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/ngld/buildpipe/pkg/devserver"
	"github.com/ngld/buildpipe/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve [task...] [KEY=VALUE...]",
	Short: "Build, serve the output with live reload and watch for changes",
	Long: `Runs the given tasks (default: build, if it exists), serves serve.root and re-runs tasks
when the files of a watch rule change. Connected browsers reload after every triggered run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskNames, options := splitArgs(args)
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		collector := metrics.New()
		p, err := loadProject(cmd, options, collector.Observe)
		if err != nil {
			return err
		}
		defer p.Close()

		if address, _ := cmd.Flags().GetString("address"); address != "" {
			p.cfg.Serve.Address = address
		}

		if len(taskNames) == 0 {
			if _, ok := p.orch.Task("build"); ok {
				taskNames = []string{"build"}
			}
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		if len(taskNames) > 0 {
			result, err := p.orch.RunTasks(ctx, taskNames, buildsys.RunOptions{Force: force})
			p.recordRun(context.Background(), result)
			collector.ObserveRun(result)
			if err != nil {
				// keep serving; the next change might fix the problem
				p.logger.Error().Err(err).Msg("initial build failed")
			}
		}

		serveRoot := p.cfg.ServeRoot(p.root)
		server := devserver.New(serveRoot, devserver.Options{
			Address: p.cfg.Serve.Address,
			Logger:  &p.logger,
			Metrics: collector.Handler(),
		})

		watchErr := make(chan error, 1)
		if len(p.orch.WatchRules()) > 0 {
			go func() {
				watchErr <- p.orch.Watch(ctx, p.watchOptions(func(result *buildsys.RunResult) {
					collector.ObserveRun(result)
					if len(result.Executed()) > 0 {
						server.Reload(servedPaths(serveRoot, result)...)
					}
				}))
			}()
		} else {
			p.logger.Warn().Msg("no watch rules defined, files won't be rebuilt")
			watchErr <- nil
		}

		err = server.ListenAndServe(ctx)
		cancel()

		if wErr := <-watchErr; err == nil {
			err = wErr
		}
		return err
	},
}

func init() {
	serveCmd.Flags().BoolP("force", "f", false, "ignore the task state during the initial build")
	serveCmd.Flags().String("address", "", "address to listen on (default: serve.address)")
	rootCmd.AddCommand(serveCmd)
}

// servedPaths returns the outputs of result relative to the served directory
func servedPaths(serveRoot string, result *buildsys.RunResult) []string {
	paths := []string{}
	for _, name := range result.Executed() {
		for _, output := range result.Get(name).Outputs {
			rel, err := filepath.Rel(serveRoot, output)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			paths = append(paths, filepath.ToSlash(rel))
		}
	}
	return paths
}

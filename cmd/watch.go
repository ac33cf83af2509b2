package cmd

import (
	"context"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [KEY=VALUE...]",
	Short: "Re-run tasks whenever the files of a watch rule change",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, options := splitArgs(args)
		p, err := loadProject(cmd, options, nil)
		if err != nil {
			return err
		}
		defer p.Close()

		if len(p.orch.WatchRules()) == 0 {
			return eris.Errorf("%s doesn't define any watch rules", p.file)
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		return p.orch.Watch(ctx, p.watchOptions(nil))
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// watchOptions builds the options shared by watch and serve. afterRun is called after every
// triggered run.
func (p *project) watchOptions(afterRun func(*buildsys.RunResult)) buildsys.WatchOptions {
	return buildsys.WatchOptions{
		Lull:     p.cfg.Watch.Lull,
		Excludes: p.internalExcludes(),
		OnRun: func(rule string, result *buildsys.RunResult, err error) {
			logger := p.logger.With().Str("rule", rule).Logger()
			if err != nil {
				logger.Error().Err(err).Msg("triggered run failed")
			} else if result != nil {
				logger.Info().Strs("tasks", result.Executed()).Msg("triggered run finished")
			}

			if result != nil {
				p.recordRun(context.Background(), result)
				if afterRun != nil {
					afterRun(result)
				}
			}
		},
	}
}

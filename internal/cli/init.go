package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewInitCommand creates the init command.
func NewInitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the rule catalog and add the config's seed rules",
		Long: `Create the rule catalog table and add the rules listed under "rules:" in
the config file. A seed rule whose source, target and scope already exist
is not added again, so init can be run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				if err := e.provision(ctx); err != nil {
					return f.Fail(ExitCommandError, "provision rule store", err)
				}
				added, err := addSeeds(ctx, e, e.cfg.Rules, true)
				if err != nil {
					return f.Fail(exitCodeFor(err), fmt.Sprintf("seed rules (%d added)", added), err)
				}
				f.VerboseLog("store backend: %s", e.cfg.Store.Backend)
				return f.Success(
					map[string]any{"seeded": added},
					fmt.Sprintf("Initialized rule store (%d seed rules added)", added),
				)
			})
		},
	}
}

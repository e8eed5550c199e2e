package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/qrewrite/internal/config"
	"github.com/roach88/qrewrite/internal/rules"
)

// withEnv opens the environment for one command invocation.
func withEnv(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, e *env, f *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd.OutOrStdout(), cmd.ErrOrStderr())

	e, err := openEnv(ctx, opts.Config, opts.Logger)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to open rule store", err)
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			opts.Logger.Error("error closing rule store", "error", cerr)
		}
	}()
	return fn(ctx, e, f)
}

// exitCodeFor maps an operation error to an exit code. Rule errors are
// operation failures; anything else is an environment problem.
func exitCodeFor(err error) int {
	if rules.IsBackingStoreUnavailable(err) {
		return ExitCommandError
	}
	var re *rules.Error
	if errors.As(err, &re) {
		return ExitFailure
	}
	return ExitCommandError
}

// NewRuleCommand creates the rule command group.
func NewRuleCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage rewrite rules",
		Long: `Add, remove, list and toggle rewrite rules.

Mutations do not reach running sessions until "qrewrite reload" is run,
unless auto_reload is set in the config.`,
	}
	cmd.AddCommand(newRuleAddCommand(opts))
	cmd.AddCommand(newRuleRemoveCommand(opts))
	cmd.AddCommand(newRuleListCommand(opts))
	cmd.AddCommand(newRuleTruncateCommand(opts))
	cmd.AddCommand(newRuleToggleCommand(opts, true))
	cmd.AddCommand(newRuleToggleCommand(opts, false))
	cmd.AddCommand(newRuleLoadCommand(opts))
	return cmd
}

// The new rule takes the global --scope (or the config scope). An empty
// scope applies in every scope.
func newRuleAddCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <source> <target>",
		Short: "Register a rewrite rule",
		Example: `  qrewrite rule add "SELECT 1" "SELECT 2"
  qrewrite --scope reporting rule add "SELECT * FROM orders" "SELECT * FROM orders_v2"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				id, err := e.admin.AddRule(ctx, args[0], args[1], e.cfg.Scope)
				if err != nil {
					return f.Fail(exitCodeFor(err), "add rule", err)
				}
				return f.Success(map[string]any{"id": int64(id)}, fmt.Sprintf("Added rule %d", id))
			})
		},
	}
}

func newRuleRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source>",
		Short: "Remove the first rule whose source text matches exactly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				if err := e.admin.RemoveRule(ctx, args[0]); err != nil {
					return f.Fail(exitCodeFor(err), "remove rule", err)
				}
				return f.Success(map[string]any{"removed": args[0]}, "Removed rule")
			})
		},
	}
}

func newRuleListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in registration order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				list, err := e.admin.ListRules(ctx)
				if err != nil {
					return f.Fail(exitCodeFor(err), "list rules", err)
				}
				return f.Success(list, formatRules(list))
			})
		},
	}
}

func formatRules(list []rules.Rule) string {
	if len(list) == 0 {
		return "No rules."
	}
	var buf strings.Builder
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCOPE\tENABLED\tREWRITES\tSOURCE\tTARGET")
	for _, r := range list {
		scope := r.Scope
		if scope == "" {
			scope = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%v\t%d\t%s\t%s\n", r.ID, scope, r.Enabled, r.RewriteCount, r.Source, r.Target)
	}
	_ = tw.Flush()
	return strings.TrimSuffix(buf.String(), "\n")
}

func newRuleTruncateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "truncate",
		Short: "Remove every rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				if err := e.admin.TruncateRules(ctx); err != nil {
					return f.Fail(exitCodeFor(err), "truncate rules", err)
				}
				return f.Success(map[string]any{"truncated": true}, "Removed all rules")
			})
		},
	}
}

func newRuleToggleCommand(opts *RootOptions, enable bool) *cobra.Command {
	use, verb := "disable", "Disabled"
	if enable {
		use, verb = "enable", "Enabled"
	}
	return &cobra.Command{
		Use:   use + " <source>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " the first rule whose source text matches exactly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				if err := e.admin.SetRuleEnabled(ctx, args[0], enable); err != nil {
					return f.Fail(exitCodeFor(err), use+" rule", err)
				}
				return f.Success(map[string]any{"source": args[0], "enabled": enable}, verb+" rule")
			})
		},
	}
}

func newRuleLoadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Add every rule from a YAML seed file",
		Long: `Add every rule from a YAML seed file:

  rules:
    - source: SELECT 1
      target: SELECT 2
      scope: app

Rules are added in file order. Loading stops at the first failure; rules
added before it stay.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := config.LoadSeedFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read seed file", err)
			}
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				added, err := addSeeds(ctx, e, seeds, false)
				if err != nil {
					return f.Fail(exitCodeFor(err), fmt.Sprintf("load rules (%d added)", added), err)
				}
				return f.Success(map[string]any{"added": added}, fmt.Sprintf("Added %d rules", added))
			})
		},
	}
}

// addSeeds adds seeds in order. With skipExisting, a seed whose source,
// target and scope equal an existing rule is not added again.
func addSeeds(ctx context.Context, e *env, seeds []config.SeedRule, skipExisting bool) (int, error) {
	var existing []rules.Rule
	if skipExisting {
		var err error
		if existing, err = e.admin.ListRules(ctx); err != nil {
			return 0, err
		}
	}

	added := 0
	for _, s := range seeds {
		if skipExisting && hasRule(existing, s) {
			continue
		}
		if _, err := e.admin.AddRule(ctx, s.Source, s.Target, s.Scope); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func hasRule(list []rules.Rule, s config.SeedRule) bool {
	for _, r := range list {
		if r.Source == s.Source && r.Target == s.Target && r.Scope == s.Scope {
			return true
		}
	}
	return false
}

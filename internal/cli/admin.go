package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/qrewrite/internal/registry"
)

// NewReloadCommand creates the reload command.
func NewReloadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Signal every registered session to reload its rules",
		Long: `Set the reload flag of every registered session. Each session rebuilds
its rule cache before it analyzes its next statement.

With the memory registry only sessions in this process are reachable; use
the redis registry to signal sessions in other processes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				n, err := e.admin.TriggerReloadAll(ctx)
				if err != nil {
					return f.Fail(exitCodeFor(err), "reload", err)
				}
				return f.Success(map[string]any{"signalled": n}, fmt.Sprintf("Signalled %d workers", n))
			})
		},
	}
}

// NewWorkersCommand creates the workers command.
func NewWorkersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				entries, err := e.admin.Workers(ctx)
				if err != nil {
					return f.Fail(exitCodeFor(err), "list workers", err)
				}
				if entries == nil {
					entries = []registry.Entry{}
				}
				return f.Success(entries, formatWorkers(entries))
			})
		},
	}
}

func formatWorkers(entries []registry.Entry) string {
	if len(entries) == 0 {
		return "No registered workers."
	}
	var buf strings.Builder
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tRELOAD PENDING\tREGISTERED\tLAST SEEN")
	for _, en := range entries {
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\n", en.WorkerID, en.ReloadPending,
			en.RegisteredAt.Format(time.RFC3339), en.LastSeen.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return strings.TrimSuffix(buf.String(), "\n")
}

// NewReclaimCommand creates the reclaim command.
func NewReclaimCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Remove registry entries whose sessions stopped heartbeating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				n, err := e.admin.ReclaimWorkers(ctx)
				if err != nil {
					return f.Fail(exitCodeFor(err), "reclaim", err)
				}
				return f.Success(map[string]any{"reclaimed": n}, fmt.Sprintf("Reclaimed %d workers", n))
			})
		},
	}
}

// Package cli implements the qrewrite command line: rule administration,
// reload signalling, dry-run rewriting and statement execution through the
// rewriting SQLite driver.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/qrewrite/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string
	Scope      string

	// Config is loaded in PersistentPreRunE, with flag overrides applied.
	Config config.Config

	// Logger is installed in PersistentPreRunE.
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the qrewrite CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "qrewrite",
		Short: "qrewrite - transparent SQL statement rewriting",
		Long: `qrewrite substitutes registered replacement statements for incoming SQL
statements whose parsed form matches a registered pattern.

Rules live in a catalog table (SQLite or PostgreSQL). Sessions load them
into a private cache and reload when signalled with "qrewrite reload".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (.yaml, .yml or .cue)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Scope, "scope", "", "session scope (overrides config)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewRuleCommand(opts))
	cmd.AddCommand(NewRewriteCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewShellCommand(opts))
	cmd.AddCommand(NewReloadCommand(opts))
	cmd.AddCommand(NewWorkersCommand(opts))
	cmd.AddCommand(NewReclaimCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// load reads the config file, applies flag overrides and installs the logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if cmd.Flags().Changed("scope") {
		cfg.Scope = o.Scope
	}
	o.Config = cfg

	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	o.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func (o *RootOptions) formatter(w io.Writer, errW io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: w, ErrWriter: errW, Verbose: o.Verbose}
}

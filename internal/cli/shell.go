package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/qrewrite/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// NewShellCommand creates the shell command.
func NewShellCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run statements from stdin through one long-lived rewriting session",
		Long: `Read SQL from stdin and execute each statement, terminated by ";", on one
rewriting connection. The session stays registered for its lifetime, so
"qrewrite reload" from another process (redis registry) reaches it.

While the shell runs, stale registry entries are reclaimed once per
heartbeat TTL, and Prometheus metrics are served on metrics_addr when it is
set in the config.

Meta commands:
  \reload   signal every registered session to reload
  \rules    list rules
  \q        quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env, f *OutputFormatter) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runShell(ctx, e, f, cmd.InOrStdin())
			})
		},
	}
}

func runShell(ctx context.Context, e *env, f *OutputFormatter, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, conn, err := e.openConn(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, "open database", err)
	}
	defer db.Close()
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)

	if addr := e.cfg.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsHandler(e.promReg)}
		g.Go(func() error {
			e.logger.Info("serving metrics", "event", "shell.metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if ttl := e.cfg.Registry.TTL(); ttl > 0 {
		g.Go(func() error {
			return registry.RunReaper(gctx, e.registry, ttl, e.logger)
		})
	}

	g.Go(func() error {
		defer cancel()
		return repl(gctx, e, f, conn, in)
	})

	return g.Wait()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// repl executes statements read from in until EOF, \q or ctx is done.
// Statement failures are reported and the loop continues.
func repl(ctx context.Context, e *env, f *OutputFormatter, conn *sql.Conn, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var pending strings.Builder
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			select {
			case err := <-scanErr:
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
			default:
			}
			if rest := strings.TrimSpace(pending.String()); rest != "" {
				shellExec(ctx, e, f, conn, rest)
			}
			return nil
		}

		trimmed := strings.TrimSpace(line)
		if pending.Len() == 0 && strings.HasPrefix(trimmed, `\`) {
			if quit := shellMeta(ctx, e, f, trimmed); quit {
				return nil
			}
			continue
		}

		if pending.Len() > 0 {
			pending.WriteByte('\n')
		}
		pending.WriteString(line)
		if strings.HasSuffix(trimmed, ";") {
			shellExec(ctx, e, f, conn, strings.TrimSpace(pending.String()))
			pending.Reset()
		}
	}
}

func shellExec(ctx context.Context, e *env, f *OutputFormatter, conn *sql.Conn, text string) {
	res, err := execText(ctx, conn, e.parser, text)
	if err != nil {
		_ = f.Error(ErrorCode(err), err.Error(), nil)
		return
	}
	_ = f.Success(res, formatExec(res))
}

// shellMeta runs a backslash command and reports whether the shell should quit.
func shellMeta(ctx context.Context, e *env, f *OutputFormatter, command string) bool {
	switch command {
	case `\q`, `\quit`:
		return true
	case `\reload`:
		n, err := e.admin.TriggerReloadAll(ctx)
		if err != nil {
			_ = f.Error(ErrorCode(err), err.Error(), nil)
			return false
		}
		_ = f.Success(map[string]any{"signalled": n}, fmt.Sprintf("Signalled %d workers", n))
	case `\rules`:
		list, err := e.admin.ListRules(ctx)
		if err != nil {
			_ = f.Error(ErrorCode(err), err.Error(), nil)
			return false
		}
		_ = f.Success(list, formatRules(list))
	default:
		_ = f.Error("E_UNKNOWN_COMMAND", fmt.Sprintf("unknown command %s", command), nil)
	}
	return false
}

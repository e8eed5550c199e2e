package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/qrewrite/internal/host"
	"github.com/roach88/qrewrite/internal/metrics"
	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/registry"
	"github.com/roach88/qrewrite/internal/rewrite"
	"github.com/roach88/qrewrite/internal/rules"
	"github.com/roach88/qrewrite/internal/sqlparse"
	"github.com/roach88/qrewrite/internal/store"
	"github.com/roach88/qrewrite/internal/testutil"
)

// Harness is the scenario execution engine.
// It runs scenarios with a fake clock and sequential worker ids.
type Harness struct {
	store    *store.Store
	registry registry.Registry
	admin    *rewrite.Admin
	clock    *testutil.FakeClock
	sessions map[string]*host.Session
	dead     map[string]bool
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory SQLite rule store. A non-nil
// error means the scenario could not be set up; failed expectations and
// assertions are reported in the Result instead.
func Run(scenario *Scenario) (*Result, error) {
	limits := rules.DefaultLimits()
	if scenario.MaxRules != nil {
		limits.MaxRules = *scenario.MaxRules
	}
	if scenario.MaxStatementLength != nil {
		limits.MaxStatementLength = *scenario.MaxStatementLength
	}

	st, err := store.Open(":memory:", limits)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	parser, err := sqlparse.New()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:    st,
		clock:    testutil.NewFakeClock(),
		sessions: make(map[string]*host.Session, len(scenario.Workers)),
		dead:     make(map[string]bool),
	}

	capacity := scenario.RegistryCapacity
	if capacity == 0 {
		capacity = registry.DefaultCapacity
	}
	h.registry = registry.NewMemory(capacity,
		registry.WithClock(h.clock.Now),
		registry.WithLiveness(func(id string) bool { return !h.dead[id] }),
	)

	policy := rewrite.FailStatement
	if scenario.Policy == "lenient" {
		policy = rewrite.PassThrough
	}
	arena := rewrite.NewArena(st, h.registry, limits,
		rewrite.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		rewrite.WithMetrics(metrics.New(prometheus.NewRegistry())),
		rewrite.WithClock(h.clock.Now),
		rewrite.WithIDGenerator(testutil.NewSequentialIDs("worker")),
		rewrite.WithPolicy(policy),
	)
	h.admin = rewrite.NewAdmin(arena, rewrite.WithAutoReload(scenario.AutoReload))

	var catalog query.Catalog
	if len(scenario.Catalog) > 0 {
		static := make(query.StaticCatalog, len(scenario.Catalog))
		for table, cols := range scenario.Catalog {
			for _, c := range cols {
				static[table] = append(static[table], query.Column{Name: c.Name, Type: query.AffinityType(c.Type)})
			}
		}
		catalog = static
	}

	ctx := context.Background()
	for _, w := range scenario.Workers {
		h.sessions[w.Name] = host.NewSession(arena, w.Scope, parser, catalog)
	}
	defer func() {
		for _, s := range h.sessions {
			_ = s.Close(ctx)
		}
	}()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, err
		}
	}

	for _, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result.Trace); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

// executeStep runs one step, records it in the trace and checks its expect
// clause. Step failures are part of the trace, not errors.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	ev := TraceEvent{Op: step.Op, Worker: step.Worker}

	var err error
	switch step.Op {
	case OpAddRule:
		ev.Input, ev.Output, ev.Scope = step.Source, step.Target, step.Scope
		var id rules.ID
		id, err = h.admin.AddRule(ctx, step.Source, step.Target, step.Scope)
		ev.RuleID = int64(id)
	case OpRemoveRule:
		ev.Input = step.Source
		err = h.admin.RemoveRule(ctx, step.Source)
	case OpTruncate:
		err = h.admin.TruncateRules(ctx)
	case OpEnable, OpDisable:
		ev.Input = step.Source
		err = h.admin.SetRuleEnabled(ctx, step.Source, step.Op == OpEnable)
	case OpReloadAll:
		ev.Count, err = h.admin.TriggerReloadAll(ctx)
	case OpReclaim:
		ev.Count, err = h.admin.ReclaimWorkers(ctx)
	case OpExec:
		ev.Input = step.SQL
		var res host.Result
		res, err = h.sessions[step.Worker].Rewrite(ctx, step.SQL)
		if err == nil {
			ev.Output = res.Text
			ev.Rewritten = res.Rewritten
			for _, st := range res.Statements {
				if st.Rewritten {
					ev.RuleID = st.RuleID
					break
				}
			}
		}
	case OpAdvance:
		d, perr := time.ParseDuration(step.Duration)
		if perr != nil {
			return fmt.Errorf("steps[%d]: %w", index, perr)
		}
		ev.Input = step.Duration
		h.clock.Advance(d)
	case OpClose:
		err = h.sessions[step.Worker].Close(ctx)
	case OpKill:
		h.dead[h.sessions[step.Worker].Worker().ID()] = true
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}

	if err != nil {
		ev.Error = errorCode(err)
	}
	result.AddEvent(ev)

	if step.Expect != nil {
		for _, msg := range checkExpect(step.Expect, ev) {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", index, step.Op, msg))
		}
	}
	return nil
}

func checkExpect(want *Expect, ev TraceEvent) []string {
	var errs []string
	if want.Error != ev.Error {
		errs = append(errs, fmt.Sprintf("error: expected %q, got %q", want.Error, ev.Error))
	}
	if want.Text != "" && want.Text != ev.Output {
		errs = append(errs, fmt.Sprintf("text: expected %q, got %q", want.Text, ev.Output))
	}
	if want.Rewritten != nil && *want.Rewritten != ev.Rewritten {
		errs = append(errs, fmt.Sprintf("rewritten: expected %v, got %v", *want.Rewritten, ev.Rewritten))
	}
	if want.Count != nil && *want.Count != ev.Count {
		errs = append(errs, fmt.Sprintf("count: expected %d, got %d", *want.Count, ev.Count))
	}
	return errs
}

// errorCode maps a step error to the code recorded in the trace.
func errorCode(err error) string {
	var re *rules.Error
	switch {
	case errors.As(err, &re):
		return string(re.Code)
	case errors.Is(err, registry.ErrRegistryFull):
		return "REGISTRY_FULL"
	case errors.Is(err, registry.ErrUnknownWorker):
		return "UNKNOWN_WORKER"
	default:
		return "ERROR"
	}
}

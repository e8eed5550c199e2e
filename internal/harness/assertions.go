package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/qrewrite/internal/rules"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Op)
		if ev.Worker != "" {
			fmt.Fprintf(&buf, " worker=%s", ev.Worker)
		}
		if ev.Input != "" {
			fmt.Fprintf(&buf, " %q", ev.Input)
		}
		if ev.Error != "" {
			fmt.Fprintf(&buf, " error=%s", ev.Error)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// evaluate checks one assertion against the final state.
func (h *Harness) evaluate(ctx context.Context, a Assertion, trace []TraceEvent) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: trace}
	}

	switch a.Type {
	case AssertRuleCount:
		list, err := h.store.List(ctx)
		if err != nil {
			return fmt.Errorf("rule_count: %w", err)
		}
		if len(list) != a.Count {
			return fail(fmt.Sprintf("%d rules", a.Count), fmt.Sprintf("%d rules", len(list)))
		}

	case AssertRewriteCount, AssertRuleEnabled:
		r, ok, err := h.findRule(ctx, a.Source)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Type, err)
		}
		if !ok {
			return fail(fmt.Sprintf("rule %q", a.Source), "no such rule")
		}
		if a.Type == AssertRewriteCount && r.RewriteCount != int64(a.Count) {
			return fail(fmt.Sprintf("rewrite_count %d", a.Count), fmt.Sprintf("rewrite_count %d", r.RewriteCount))
		}
		if a.Type == AssertRuleEnabled && r.Enabled != *a.Enabled {
			return fail(fmt.Sprintf("enabled %v", *a.Enabled), fmt.Sprintf("enabled %v", r.Enabled))
		}

	case AssertWorkerState:
		got := h.sessions[a.Worker].Worker().State().String()
		if got != a.State {
			return fail(fmt.Sprintf("worker %s %s", a.Worker, a.State), fmt.Sprintf("worker %s %s", a.Worker, got))
		}

	case AssertRegisteredWorkers:
		entries, err := h.registry.Entries(ctx)
		if err != nil {
			return fmt.Errorf("registered_workers: %w", err)
		}
		if len(entries) != a.Count {
			return fail(fmt.Sprintf("%d registered workers", a.Count), fmt.Sprintf("%d registered workers", len(entries)))
		}

	case AssertTraceCount:
		n := 0
		for _, ev := range trace {
			if ev.Op == a.Op && (a.Worker == "" || ev.Worker == a.Worker) {
				n++
			}
		}
		if n != a.Count {
			return fail(fmt.Sprintf("%d %s events", a.Count, a.Op), fmt.Sprintf("%d %s events", n, a.Op))
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// findRule returns the first rule with the given source text.
func (h *Harness) findRule(ctx context.Context, source string) (rules.Rule, bool, error) {
	list, err := h.store.List(ctx)
	if err != nil {
		return rules.Rule{}, false, err
	}
	for _, r := range list {
		if r.Source == source {
			return r, true, nil
		}
	}
	return rules.Rule{}, false, nil
}

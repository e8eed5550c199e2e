package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/qrewrite/internal/rules"
)

// Snapshot renders a trace as canonical JSON, one line for the scenario
// name followed by one line per event, each newline-terminated.
func Snapshot(scenarioName string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer

	header, err := rules.MarshalCanonical(map[string]any{"scenario_name": scenarioName})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, ev := range trace {
		line, err := rules.MarshalCanonical(eventMap(ev))
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func eventMap(ev TraceEvent) map[string]any {
	m := map[string]any{
		"seq": ev.Seq,
		"op":  ev.Op,
	}
	set := func(key, val string) {
		if val != "" {
			m[key] = val
		}
	}
	set("worker", ev.Worker)
	set("input", ev.Input)
	set("output", ev.Output)
	set("scope", ev.Scope)
	set("error", ev.Error)
	if ev.Rewritten {
		m["rewritten"] = true
	}
	if ev.RuleID != 0 {
		m["rule_id"] = ev.RuleID
	}
	if ev.Count != 0 {
		m["count"] = ev.Count
	}
	return m
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot)
	return nil
}

package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func TestRun_ExpectMismatchFailsResult(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "expect clause disagrees with the outcome",
		Workers:     []WorkerSpec{{Name: "a"}},
		Steps: []Step{
			{Op: OpExec, Worker: "a", SQL: "SELECT 1", Expect: &Expect{Text: "SELECT 2", Rewritten: boolPtr(true)}},
		},
	}
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `text: expected "SELECT 2", got "SELECT 1"`)
	assert.Contains(t, result.Errors[1], "rewritten: expected true, got false")
}

func TestRun_UnexpectedErrorFailsResult(t *testing.T) {
	scenario := &Scenario{
		Name:        "unexpected_error",
		Description: "an expect clause without error requires success",
		Steps: []Step{
			{Op: OpRemoveRule, Source: "SELECT 1", Expect: &Expect{}},
		},
	}
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "NOT_FOUND", result.Trace[0].Error)
}

func TestRun_ErrorsWithoutExpectAreTraced(t *testing.T) {
	scenario := &Scenario{
		Name:        "traced_error",
		Description: "a failing step without expect only shows in the trace",
		Steps: []Step{
			{Op: OpEnable, Source: "SELECT 1"},
		},
	}
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.Equal(t, "NOT_FOUND", result.Trace[0].Error)
}

func TestRun_ZeroMaxRulesDisablesRewriting(t *testing.T) {
	scenario := &Scenario{
		Name:        "disabled",
		Description: "max_rules 0 switches the feature off",
		MaxRules:    intPtr(0),
		Workers:     []WorkerSpec{{Name: "a"}},
		Steps: []Step{
			{Op: OpAddRule, Source: "SELECT 1", Target: "SELECT 2", Expect: &Expect{Error: "CAPACITY_EXCEEDED"}},
			{Op: OpExec, Worker: "a", SQL: "SELECT 1", Expect: &Expect{Text: "SELECT 1"}},
		},
		Assertions: []Assertion{
			{Type: AssertRegisteredWorkers, Count: 0},
			{Type: AssertWorkerState, Worker: "a", State: "uninitialized"},
		},
	}
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_TruncateAndReloadCount(t *testing.T) {
	scenario := &Scenario{
		Name:        "truncate",
		Description: "truncate empties the store, reload-all reaches registered workers",
		AutoReload:  true,
		Workers:     []WorkerSpec{{Name: "a"}, {Name: "b"}},
		Steps: []Step{
			{Op: OpAddRule, Source: "SELECT 1", Target: "SELECT 2"},
			{Op: OpExec, Worker: "a", SQL: "SELECT 1", Expect: &Expect{Text: "SELECT 2"}},
			{Op: OpTruncate},
			{Op: OpExec, Worker: "a", SQL: "SELECT 1", Expect: &Expect{Text: "SELECT 1"}},
			{Op: OpReloadAll, Expect: &Expect{Count: intPtr(1)}},
		},
		Assertions: []Assertion{
			{Type: AssertRuleCount, Count: 0},
			{Type: AssertTraceCount, Op: OpExec, Count: 2},
		},
	}
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario := &Scenario{
		Name:        "assertion",
		Description: "failing assertion carries the trace",
		Workers:     []WorkerSpec{{Name: "a"}},
		Steps: []Step{
			{Op: OpExec, Worker: "a", SQL: "SELECT 1"},
		},
		Assertions: []Assertion{
			{Type: AssertRuleCount, Count: 5},
			{Type: AssertRewriteCount, Source: "SELECT 9", Count: 1},
			{Type: AssertWorkerState, Worker: "a", State: "disabled"},
		},
	}
	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "Assertion failed: rule_count")
	assert.Contains(t, result.Errors[0], "Expected: 5 rules")
	assert.Contains(t, result.Errors[0], "Actual: 0 rules")
	assert.Contains(t, result.Errors[0], `[1] exec worker=a "SELECT 1"`)
	assert.Contains(t, result.Errors[1], "no such rule")
	assert.Contains(t, result.Errors[2], "worker a ready")
}

func TestRun_UnknownOpIsSetupError(t *testing.T) {
	_, err := Run(&Scenario{Name: "x", Description: "x", Steps: []Step{{Op: "explode"}}})
	require.Error(t, err)
}

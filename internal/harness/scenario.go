package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a rewrite conformance scenario: a set of sessions, a
// sequence of administrative and statement steps, and assertions on the
// final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Workers lists the sessions, created in order before the first step.
	Workers []WorkerSpec `yaml:"workers"`

	// MaxRules and MaxStatementLength override the default limits.
	MaxRules           *int `yaml:"max_rules,omitempty"`
	MaxStatementLength *int `yaml:"max_statement_length,omitempty"`

	// RegistryCapacity overrides the default registry capacity.
	RegistryCapacity int `yaml:"registry_capacity,omitempty"`

	// Policy is "strict" (default) or "lenient".
	Policy string `yaml:"policy,omitempty"`

	// AutoReload signals every worker after each rule mutation.
	AutoReload bool `yaml:"auto_reload,omitempty"`

	// Catalog enables name resolution during analysis.
	// Keys are table names, values map column names to declared types.
	Catalog map[string][]ColumnSpec `yaml:"catalog,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// WorkerSpec names one session.
type WorkerSpec struct {
	Name  string `yaml:"name"`
	Scope string `yaml:"scope,omitempty"`
}

// ColumnSpec is one catalog column.
type ColumnSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Step is one scenario action. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// Worker names the session for exec, close and kill.
	Worker string `yaml:"worker,omitempty"`

	// SQL is the text submitted by exec.
	SQL string `yaml:"sql,omitempty"`

	// Source, Target and Scope describe a rule for add_rule, remove_rule,
	// enable and disable.
	Source string `yaml:"source,omitempty"`
	Target string `yaml:"target,omitempty"`
	Scope  string `yaml:"scope,omitempty"`

	// Duration is the clock advance for advance, e.g. "45s".
	Duration string `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect validates a step's outcome. Unset fields are not checked.
type Expect struct {
	// Text is the text the database would execute (exec).
	Text string `yaml:"text,omitempty"`

	// Rewritten reports whether any statement was substituted (exec).
	Rewritten *bool `yaml:"rewritten,omitempty"`

	// Error is the expected error code, e.g. ANALYSIS_ERROR. Empty
	// requires success.
	Error string `yaml:"error,omitempty"`

	// Count is the number of workers signalled (reload_all) or
	// reclaimed (reclaim).
	Count *int `yaml:"count,omitempty"`
}

// Step ops.
const (
	OpAddRule    = "add_rule"
	OpRemoveRule = "remove_rule"
	OpTruncate   = "truncate"
	OpEnable     = "enable"
	OpDisable    = "disable"
	OpReloadAll  = "reload_all"
	OpReclaim    = "reclaim"
	OpExec       = "exec"
	OpAdvance    = "advance"
	OpClose      = "close"
	OpKill       = "kill"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Source selects a rule (rewrite_count, rule_enabled).
	Source string `yaml:"source,omitempty"`

	// Worker selects a session (worker_state).
	Worker string `yaml:"worker,omitempty"`

	// State is the expected worker state name (worker_state).
	State string `yaml:"state,omitempty"`

	// Op selects trace events (trace_count).
	Op string `yaml:"op,omitempty"`

	// Count is the expected number (rule_count, rewrite_count,
	// registered_workers, trace_count).
	Count int `yaml:"count,omitempty"`

	// Enabled is the expected flag (rule_enabled).
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Assertion type constants.
const (
	AssertRuleCount         = "rule_count"
	AssertRewriteCount      = "rewrite_count"
	AssertRuleEnabled       = "rule_enabled"
	AssertWorkerState       = "worker_state"
	AssertRegisteredWorkers = "registered_workers"
	AssertTraceCount        = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	switch s.Policy {
	case "", "strict", "lenient":
	default:
		return fmt.Errorf("policy must be strict or lenient, got %q", s.Policy)
	}

	workers := make(map[string]bool, len(s.Workers))
	for i, w := range s.Workers {
		if w.Name == "" {
			return fmt.Errorf("workers[%d]: name is required", i)
		}
		if workers[w.Name] {
			return fmt.Errorf("workers[%d]: duplicate name %q", i, w.Name)
		}
		workers[w.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, workers); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, workers); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step, workers map[string]bool) error {
	needWorker := func() error {
		if !workers[step.Worker] {
			return fmt.Errorf("steps[%d]: unknown worker %q", index, step.Worker)
		}
		return nil
	}

	switch step.Op {
	case OpAddRule:
		if step.Source == "" || step.Target == "" {
			return fmt.Errorf("steps[%d]: source and target are required for add_rule", index)
		}
	case OpRemoveRule, OpEnable, OpDisable:
		if step.Source == "" {
			return fmt.Errorf("steps[%d]: source is required for %s", index, step.Op)
		}
	case OpTruncate, OpReloadAll, OpReclaim:
	case OpExec:
		if err := needWorker(); err != nil {
			return err
		}
		if step.SQL == "" {
			return fmt.Errorf("steps[%d]: sql is required for exec", index)
		}
	case OpClose, OpKill:
		return needWorker()
	case OpAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("steps[%d]: invalid duration %q", index, step.Duration)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

func validateAssertion(index int, a *Assertion, workers map[string]bool) error {
	switch a.Type {
	case AssertRuleCount, AssertRegisteredWorkers:
	case AssertRewriteCount:
		if a.Source == "" {
			return fmt.Errorf("assertions[%d]: source is required for rewrite_count", index)
		}
	case AssertRuleEnabled:
		if a.Source == "" || a.Enabled == nil {
			return fmt.Errorf("assertions[%d]: source and enabled are required for rule_enabled", index)
		}
	case AssertWorkerState:
		if !workers[a.Worker] {
			return fmt.Errorf("assertions[%d]: unknown worker %q", index, a.Worker)
		}
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for worker_state", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}

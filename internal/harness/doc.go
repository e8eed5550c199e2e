// Package harness provides conformance testing for the rewrite core.
//
// A scenario drives named sessions and the administrative surface through a
// sequence of steps against a fresh in-memory rule store, then checks the
// final state.
//
// # Scenario Format
//
//	name: reload_protocol
//	description: "A new rule is invisible until reload-all"
//	workers:
//	  - name: a
//	  - name: b
//	    scope: reporting
//	steps:
//	  - op: add_rule
//	    source: SELECT 1
//	    target: SELECT 2
//	  - op: exec
//	    worker: a
//	    sql: SELECT 1
//	    expect:
//	      text: SELECT 2
//	      rewritten: true
//	  - op: reload_all
//	    expect: { count: 1 }
//	assertions:
//	  - type: rewrite_count
//	    source: SELECT 1
//	    count: 1
//
// Optional top-level fields: max_rules, max_statement_length,
// registry_capacity, policy (strict or lenient), auto_reload and catalog.
//
// # Step Ops
//
//   - add_rule, remove_rule, truncate, enable, disable: rule mutations
//   - reload_all, reclaim: invalidation and registry maintenance
//   - exec: submit sql on a worker's session
//   - advance: move the fake clock forward by duration
//   - close: end a worker's session
//   - kill: mark a worker dead for the liveness probe
//
// An expect clause with no error field requires the step to succeed.
//
// # Assertion Types
//
//   - rule_count: number of rules in the store
//   - rewrite_count: a rule's rewrite counter
//   - rule_enabled: a rule's enabled flag
//   - worker_state: a worker's lifecycle state
//   - registered_workers: number of registry entries
//   - trace_count: number of trace events for an op
//
// # Deterministic Testing
//
// Scenarios run with a fake clock starting at testutil.Epoch and worker ids
// "worker-1", "worker-2", ... in declaration order, so traces are stable for
// golden comparison.
package harness

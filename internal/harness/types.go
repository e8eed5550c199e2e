package harness

// TraceEvent records one executed step and its outcome.
// Fields are omitted from the golden form when empty.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Op     string `json:"op"`
	Worker string `json:"worker,omitempty"`

	// Input is the submitted SQL (exec) or the rule source (rule ops).
	Input string `json:"input,omitempty"`

	// Output is the text the database would execute (exec) or the rule
	// target (add_rule).
	Output string `json:"output,omitempty"`

	Scope     string `json:"scope,omitempty"`
	Rewritten bool   `json:"rewritten,omitempty"`
	RuleID    int64  `json:"rule_id,omitempty"`

	// Count is the number of workers signalled or reclaimed.
	Count int `json:"count,omitempty"`

	// Error is the error code of a failed step.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends ev with the next sequence number.
func (r *Result) AddEvent(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}

package rules

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes rewrite errors.
type ErrorCode string

const (
	// ErrCodeCapacityExceeded indicates the store already holds MaxRules rules.
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// ErrCodeTextTooLong indicates a source or target text over MaxStatementLength.
	ErrCodeTextTooLong ErrorCode = "TEXT_TOO_LONG"

	// ErrCodeNotFound indicates no rule has the given source text (or id).
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeMultipleStatements indicates a replacement is not exactly one statement.
	ErrCodeMultipleStatements ErrorCode = "MULTIPLE_STATEMENTS"

	// ErrCodeParse indicates replacement text the parser rejected.
	ErrCodeParse ErrorCode = "PARSE_ERROR"

	// ErrCodeAnalysis indicates replacement text that failed semantic analysis.
	ErrCodeAnalysis ErrorCode = "ANALYSIS_ERROR"

	// ErrCodeBackingStoreUnavailable indicates the rule store's backing object
	// does not exist yet in this scope. Workers treat it as "no rules active".
	ErrCodeBackingStoreUnavailable ErrorCode = "BACKING_STORE_UNAVAILABLE"
)

// Error is the error type returned by rule stores and the rewrite core.
//
// Administrative errors carry Length/Limit so callers can report the
// offending size. Rewrite errors carry the replacement Text that failed.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Text is the statement text involved, if any.
	Text string

	// Length and Limit are set for TEXT_TOO_LONG and CAPACITY_EXCEEDED.
	Length int
	Limit  int

	// Err is the underlying cause (parser or driver error).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsCode reports whether err (or anything it wraps) is an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// IsBackingStoreUnavailable reports whether err is a BACKING_STORE_UNAVAILABLE error.
func IsBackingStoreUnavailable(err error) bool {
	return IsCode(err, ErrCodeBackingStoreUnavailable)
}

// NewCapacityError creates an error for a store at its configured maximum.
func NewCapacityError(limit int) *Error {
	return &Error{
		Code:    ErrCodeCapacityExceeded,
		Message: fmt.Sprintf("maximum rule number is reached %d", limit),
		Limit:   limit,
	}
}

// NewTextTooLongError creates an error for an oversized source or target text.
// kind is "source" or "target". limit is the configured maximum; one byte of
// it is reserved, so a valid text is strictly shorter.
func NewTextTooLongError(kind string, length, limit int) *Error {
	return &Error{
		Code:    ErrCodeTextTooLong,
		Message: fmt.Sprintf("%s statement length %d must be less than %d", kind, length, limit),
		Length:  length,
		Limit:   limit,
	}
}

// NewNotFoundError creates an error for an unknown rule.
func NewNotFoundError(source string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("rule for %q not found", source),
		Text:    source,
	}
}

// NewBackingStoreUnavailableError wraps the driver error that showed the
// backing object is missing.
func NewBackingStoreUnavailableError(cause error) *Error {
	return &Error{
		Code:    ErrCodeBackingStoreUnavailable,
		Message: "rule store is not provisioned",
		Err:     cause,
	}
}

// NewMultipleStatementsError creates an error for a replacement that does not
// contain exactly one statement.
func NewMultipleStatementsError(text string, count int) *Error {
	return &Error{
		Code:    ErrCodeMultipleStatements,
		Message: fmt.Sprintf("replacement %q contains %d statements, expected exactly 1", text, count),
		Text:    text,
	}
}

// NewParseError wraps a parser failure for replacement text.
func NewParseError(text string, cause error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("cannot parse replacement %q", text),
		Text:    text,
		Err:     cause,
	}
}

// NewAnalysisError wraps an analyzer failure for replacement text.
func NewAnalysisError(text string, cause error) *Error {
	return &Error{
		Code:    ErrCodeAnalysis,
		Message: fmt.Sprintf("cannot analyze replacement %q", text),
		Text:    text,
		Err:     cause,
	}
}

// NewRuleGoneError creates a NOT_FOUND error for a rule id that was removed
// after a cache loaded it.
func NewRuleGoneError(id ID) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("rule %d no longer exists", id),
	}
}

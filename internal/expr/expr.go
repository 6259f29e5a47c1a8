// Package expr defines the pluggable Expression Evaluator interface that
// backs produce's `%{…}` interpolation holes, plus a concrete
// implementation that embeds the HCL expression grammar.
package expr

import (
	"context"

	"github.com/zclconf/go-cty/cty"
)

// Value is the type of a variable environment binding or an expression
// result: a string, a number, a bool, or a sequence of such values. It is
// an alias for cty.Value so that the Interpolator, the rule Instantiator,
// and the HCL-backed Evaluator all share one typed value representation
// instead of passing `any` around.
type Value = cty.Value

// Evaluator evaluates a single expression string against a mapping of
// names to values. Implementations must distinguish syntax errors (the
// expression text itself is malformed) from name errors (the expression
// parses but references an undefined name) so that callers such as the
// Interpolator's trial-evaluation loop can tell them apart without
// string-matching error messages.
type Evaluator interface {
	// Evaluate parses and evaluates expr against env, returning the
	// resulting value. On failure it returns a *SyntaxError, a
	// *NameError, or a plain error for anything else.
	Evaluate(exprText string, env map[string]Value) (Value, error)

	// RunPrelude executes a block of user-defined code and mutates env
	// with any bindings it defines. Used once at startup to populate
	// globals with user-defined helpers.
	RunPrelude(ctx context.Context, code string, env map[string]Value) error
}

// SyntaxError indicates the expression text itself could not be parsed.
type SyntaxError struct {
	Expr string
	Err  error
}

func (e *SyntaxError) Error() string {
	return "syntax error in expression " + quote(e.Expr) + ": " + e.Err.Error()
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// NameError indicates the expression parsed but referenced a name that is
// not bound in the environment.
type NameError struct {
	Expr string
	Name string
	Err  error
}

func (e *NameError) Error() string {
	return "unresolved name " + quote(e.Name) + " in expression " + quote(e.Expr)
}

func (e *NameError) Unwrap() error { return e.Err }

func quote(s string) string { return "\"" + s + "\"" }

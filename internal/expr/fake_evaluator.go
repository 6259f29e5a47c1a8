package expr

import (
	"context"
	"fmt"
)

// FakeEvaluator is a minimal, hand-written test double for Evaluator. It
// treats an expression as a bare identifier: a direct lookup into env.
// This lets the Interpolator's tests exercise trial-evaluation and
// undefined-name handling without depending on the HCL grammar.
type FakeEvaluator struct {
	// SyntaxErrorFor, if non-empty, is a set of expression strings that
	// should be reported as syntax errors rather than looked up.
	SyntaxErrorFor map[string]bool
}

// NewFakeEvaluator returns a FakeEvaluator with no forced syntax errors.
func NewFakeEvaluator() *FakeEvaluator {
	return &FakeEvaluator{SyntaxErrorFor: map[string]bool{}}
}

func (f *FakeEvaluator) Evaluate(exprText string, env map[string]Value) (Value, error) {
	if f.SyntaxErrorFor[exprText] {
		return Value{}, &SyntaxError{Expr: exprText, Err: fmt.Errorf("forced syntax error")}
	}
	// Callers such as the Interpolator wrap hole contents in parentheses
	// to accept comma-separated tuple forms; strip a single matching
	// pair so this fake can match plain identifiers.
	name := exprText
	if len(name) >= 2 && name[0] == '(' && name[len(name)-1] == ')' {
		name = name[1 : len(name)-1]
	}
	val, ok := env[name]
	if !ok {
		return Value{}, &NameError{Expr: exprText, Name: name, Err: fmt.Errorf("undefined name")}
	}
	return val, nil
}

func (f *FakeEvaluator) RunPrelude(ctx context.Context, code string, env map[string]Value) error {
	return nil
}

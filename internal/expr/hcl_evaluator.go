package expr

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// HCLEvaluator implements Evaluator by parsing each hole's contents as a
// single HCL expression and evaluating it against an hcl.EvalContext built
// from the caller's environment. HCL's expression grammar (arithmetic,
// indexing, conditionals, function calls, string templates) plays the role
// spec.md §4.2/§9 describes as "a general scripting runtime" without
// requiring a bespoke language of our own.
type HCLEvaluator struct {
	// Functions holds the functions registered on this instance. Evaluate
	// does not pass them to the hcl.EvalContext: an expression can
	// reference only the variables in env, and no function is callable.
	Functions map[string]function
}

type function = func(args []cty.Value) (cty.Value, error)

// NewHCLEvaluator returns an Evaluator with an empty Functions map.
// RunPrelude binds only values, not functions.
func NewHCLEvaluator() *HCLEvaluator {
	return &HCLEvaluator{Functions: map[string]function{}}
}

// Evaluate parses exprText as an HCL expression and evaluates it against
// env. Parse diagnostics become a *SyntaxError; a diagnostic reporting an
// unresolved variable becomes a *NameError; anything else is returned as a
// plain error.
func (h *HCLEvaluator) Evaluate(exprText string, env map[string]Value) (Value, error) {
	parsed, parseDiags := hclsyntax.ParseExpression([]byte(exprText), "<hole>", hcl.Pos{Line: 1, Column: 1})
	if parseDiags.HasErrors() {
		return cty.NilVal, &SyntaxError{Expr: exprText, Err: parseDiags}
	}

	evalCtx := &hcl.EvalContext{Variables: env}

	val, valDiags := parsed.Value(evalCtx)
	if valDiags.HasErrors() {
		if name, ok := unresolvedName(valDiags); ok {
			return cty.NilVal, &NameError{Expr: exprText, Name: name, Err: valDiags}
		}
		return cty.NilVal, fmt.Errorf("evaluating expression %q: %w", exprText, valDiags)
	}

	return val, nil
}

// unresolvedName inspects diagnostics produced by HCL's own variable
// resolution to see whether the failure was "no such variable" rather than
// some other semantic error (a type mismatch, a bad function call, …).
func unresolvedName(diags hcl.Diagnostics) (string, bool) {
	for _, d := range diags {
		summary := strings.ToLower(d.Summary)
		if strings.Contains(summary, "unknown variable") || strings.Contains(summary, "variables not allowed") ||
			strings.Contains(strings.ToLower(d.Detail), "there is no variable named") {
			if d.Expression != nil {
				travs := d.Expression.Variables()
				if len(travs) > 0 {
					return travs[0].RootName(), true
				}
			}
			return "", true
		}
	}
	return "", false
}

// RunPrelude treats code as a sequence of `name = expr` lines using the
// same attribute grammar as the rule file (internal/rulefile), evaluating
// each line against the accumulating environment and storing its result as
// a new binding. This gives user-defined "helper" values the exact same
// shape as any other global.
func (h *HCLEvaluator) RunPrelude(ctx context.Context, code string, env map[string]Value) error {
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rawExpr, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("prelude: malformed statement %q, expected name = expression", line)
		}
		name = strings.TrimSpace(name)
		rawExpr = strings.TrimSpace(rawExpr)
		val, err := h.Evaluate(rawExpr, env)
		if err != nil {
			return fmt.Errorf("prelude: evaluating %q: %w", name, err)
		}
		env[name] = val
	}
	return nil
}

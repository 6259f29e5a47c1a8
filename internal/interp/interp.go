// Package interp implements the %{…}/%% template interpolator described in
// spec.md §4.1: it resolves embedded expression holes against a variable
// environment, tolerating undefined names and preserving escapes when
// asked to.
package interp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vk/produce/internal/expr"
	"github.com/zclconf/go-cty/cty"
)

// Options controls the two interpolation modes spec.md §4.1 describes.
type Options struct {
	// IgnoreUndefined causes a name-resolution error inside a hole to
	// leave the original `%{…}` text untouched in the output instead of
	// failing the whole interpolation.
	IgnoreUndefined bool
	// KeepEscaped preserves `%%` verbatim in the output instead of
	// collapsing it to a literal `%`. Used when the result will be
	// re-scanned as a pattern (internal/rule's template compiler).
	KeepEscaped bool
}

// Interpolator resolves holes in template strings using an Evaluator.
type Interpolator struct {
	Eval expr.Evaluator
}

// New returns an Interpolator backed by the given Evaluator.
func New(eval expr.Evaluator) *Interpolator {
	return &Interpolator{Eval: eval}
}

// Interpolate scans s left to right, expanding `%{…}` holes against env and
// resolving `%%` escapes, per the rules in spec.md §4.1.
func (ip *Interpolator) Interpolate(s string, env map[string]expr.Value, opts Options) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c != '%' {
			out.WriteByte(c)
			i++
			continue
		}

		// c == '%'
		if i+1 >= len(s) {
			return "", fmt.Errorf("bare '%%' at end of template %q", s)
		}
		switch s[i+1] {
		case '%':
			if opts.KeepEscaped {
				out.WriteString("%%")
			} else {
				out.WriteByte('%')
			}
			i += 2
		case '{':
			expanded, consumed, err := ip.expandHole(s[i:], env, opts)
			if err != nil {
				return "", err
			}
			out.WriteString(expanded)
			i += consumed
		default:
			return "", fmt.Errorf("bare '%%' not followed by '%%' or '{' in template %q at offset %d", s, i)
		}
	}
	return out.String(), nil
}

// expandHole is called with s starting at "%{...". It returns the
// replacement text and the number of bytes of s (starting from the leading
// '%') that the hole consumed.
func (ip *Interpolator) expandHole(s string, env map[string]expr.Value, opts Options) (string, int, error) {
	// s[0:2] == "%{"; the expression body starts at index 2.
	var lastErr error
	for end := 2; end < len(s); end++ {
		if s[end] != '}' {
			continue
		}
		candidate := s[2:end]
		val, err := ip.Eval.Evaluate("("+candidate+")", env)
		if err == nil {
			rendered, rerr := renderValue(val)
			if rerr != nil {
				return "", 0, rerr
			}
			return rendered, end + 1, nil
		}

		var syn *expr.SyntaxError
		if isSyntaxError(err, &syn) {
			lastErr = err
			continue // try the next candidate closing brace
		}

		// A non-syntax error (name error or other) terminates the
		// search at this candidate, per spec.md §4.1's trial-evaluation
		// rule.
		var nameErr *expr.NameError
		if isNameError(err, &nameErr) && opts.IgnoreUndefined {
			// Reinsert the original %{...} text unchanged.
			return s[:end+1], end + 1, nil
		}
		return "", 0, fmt.Errorf("evaluating hole %q: %w", candidate, err)
	}

	if lastErr != nil {
		return "", 0, fmt.Errorf("unparseable expression in %q: %w", s, lastErr)
	}
	return "", 0, fmt.Errorf("unparseable expression in %q", s)
}

func isSyntaxError(err error, target **expr.SyntaxError) bool {
	se, ok := err.(*expr.SyntaxError)
	if ok {
		*target = se
	}
	return ok
}

func isNameError(err error, target **expr.NameError) bool {
	ne, ok := err.(*expr.NameError)
	if ok {
		*target = ne
	}
	return ok
}

// renderValue implements spec.md §4.1's insertion rules: a string is
// inserted verbatim, a sequence of strings is shell-quoted and
// whitespace-joined, and anything else is stringified.
func renderValue(val expr.Value) (string, error) {
	if val.IsNull() {
		return "", nil
	}
	ty := val.Type()

	if ty == cty.String {
		return val.AsString(), nil
	}
	if ty == cty.Number {
		bf := val.AsBigFloat()
		if bf.IsInt() {
			i, _ := bf.Int64()
			return strconv.FormatInt(i, 10), nil
		}
		return bf.Text('f', -1), nil
	}
	if ty == cty.Bool {
		return strconv.FormatBool(val.True()), nil
	}

	if ty.IsTupleType() || ty.IsListType() || ty.IsSetType() {
		var tokens []string
		it := val.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			s, err := renderValue(elem)
			if err != nil {
				return "", err
			}
			tokens = append(tokens, shellQuote(s))
		}
		return strings.Join(tokens, " "), nil
	}

	return fmt.Sprintf("%v", val), nil
}

// shellQuote wraps s in single quotes, escaping any embedded single quote,
// so that a sequence value can be safely re-parsed as shell-style tokens
// after interpolation. There is no third-party shell-quoting library in
// the reference corpus (google/shlex only splits); this is the inverse of
// that operation and is small enough to not warrant a dependency.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

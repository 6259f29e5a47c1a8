package rule

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"
	"github.com/vk/produce/internal/buildererr"
	"github.com/vk/produce/internal/interp"
	"github.com/zclconf/go-cty/cty"
)

// Instantiator finds the first rule whose head matches a target and builds
// its irule, per spec.md §4.4.
type Instantiator struct {
	Rules   []Rule
	Globals Env
	Interp  *interp.Interpolator
}

// Instantiate implements spec.md §4.4's algorithm, including conditional
// fall-through (step 4) and the ingredient-irule fallback for existing
// filesystem paths.
func (in *Instantiator) Instantiate(target string) (*Irule, error) {
	for _, r := range in.Rules {
		caps, ok := r.Matcher.Match(target)
		if !ok {
			continue
		}

		ir, skip, err := in.tryInstantiate(r, target, caps)
		if err != nil {
			return nil, err
		}
		if skip {
			continue // cond was false: fall through to the next matching rule
		}
		return ir, nil
	}

	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		ir := newIrule()
		ir.Attrs["target"] = target
		ir.Attrs["type"] = string(TypeFile)
		return ir, nil
	}

	return nil, &buildererr.ResolutionError{Detail: fmt.Sprintf("no rule to produce %q", target)}
}

// tryInstantiate runs steps 2-5 of spec.md §4.4 for a single matching
// rule. skip is true when the rule's cond attribute evaluated false, in
// which case the caller should try the next matching rule.
func (in *Instantiator) tryInstantiate(r Rule, target string, caps map[string]string) (ir *Irule, skip bool, err error) {
	env := in.Globals.Clone()
	for name, val := range caps {
		env[name] = cty.StringVal(val)
	}
	env["target"] = cty.StringVal(target)

	ir = newIrule()
	ir.Attrs["target"] = target

	for _, attr := range r.Attrs {
		if attr.Local == "target" {
			return nil, false, &buildererr.ConfigError{Detail: fmt.Sprintf("rule for %q may not set 'target'", target)}
		}

		val, ierr := in.Interp.Interpolate(attr.Raw, mapEnv(env), interp.Options{})
		if ierr != nil {
			return nil, false, &buildererr.ResolutionError{Detail: fmt.Sprintf("interpolating attribute %q for target %q", attr.Name, target), Err: ierr}
		}

		ir.Attrs[attr.Name] = val
		env[attr.Local] = cty.StringVal(val)
		if strings.HasPrefix(attr.Name, "dep.") {
			ir.DepAttrs = append(ir.DepAttrs, val)
		}

		if attr.Local == "cond" {
			if !isTruthy(val) {
				return nil, true, nil
			}
		}
	}

	if t, ok := ir.Attrs["type"]; ok {
		if t != string(TypeFile) && t != string(TypeTask) {
			return nil, false, &buildererr.ConfigError{Detail: fmt.Sprintf("unknown rule type %q for target %q", t, target)}
		}
	} else {
		ir.Attrs["type"] = string(TypeFile)
	}

	return ir, false, nil
}

// isTruthy interprets a cond attribute's interpolated string value as a
// boolean literal.
func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no", "none":
		return false
	default:
		return true
	}
}

// DirectDependencies implements the ordered dependency extraction in
// spec.md §4.4: depfile contents (with the depfile itself brought up to
// date first by the caller), then dep.* attributes in declaration order,
// then the whitespace-quoted tokens of deps.
func DirectDependencies(ir *Irule, depFileContents []string) []string {
	var deps []string
	deps = append(deps, depFileContents...)
	deps = append(deps, ir.DepAttrs...)

	if raw, ok := ir.Deps(); ok {
		tokens, err := shlex.Split(raw)
		if err == nil {
			deps = append(deps, tokens...)
		} else {
			deps = append(deps, strings.Fields(raw)...)
		}
	}

	return deps
}

// ParseDepFileLines splits depfile content into one dependency per
// non-empty stripped line, per spec.md §4.4.
func ParseDepFileLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}


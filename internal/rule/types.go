// Package rule implements the Pattern Compiler and Rule Instantiator from
// spec.md §4.3/§4.4: compiling a rule head into a matcher, and turning a
// matched rule plus a target name into a fully interpolated instantiated
// rule (an "irule").
package rule

import "github.com/vk/produce/internal/expr"

// Attr is one (attribute-name, raw-value) pair from a rule's body, in
// declaration order. Name retains any dotted prefix (e.g. "dep.b"); Local
// is the trailing segment bound as a variable after interpolation (e.g.
// "b").
type Attr struct {
	Name  string
	Local string
	Raw   string
}

// NewAttr splits a dotted attribute name into its full name and its local
// (last-segment) binding name.
func NewAttr(name, raw string) Attr {
	return Attr{Name: name, Local: lastSegment(name), Raw: raw}
}

func lastSegment(name string) string {
	last := name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			last = name[i+1:]
			break
		}
	}
	return last
}

// Rule is a compiled pattern plus its ordered attribute list, as read from
// one section of the rule file.
type Rule struct {
	Matcher Matcher
	Attrs   []Attr
	// Line is the source line of the section header, for diagnostics.
	Line int
}

// Type distinguishes the two irule kinds spec.md §3 names.
type Type string

const (
	TypeFile Type = "file"
	TypeTask Type = "task"
)

// Irule is a fully instantiated rule: every attribute value has been
// interpolated against a target-specific environment. Keys retain their
// dotted prefix (e.g. "dep.b"). The mandatory "target" and derived "type"
// keys are always present.
type Irule struct {
	Attrs map[string]string
	// DepAttrs holds the interpolated values of every dep.* attribute,
	// in declaration order. Maps do not preserve that order, so it is
	// tracked separately during instantiation.
	DepAttrs []string
}

func newIrule() *Irule {
	return &Irule{Attrs: map[string]string{}}
}

func (ir *Irule) Target() string { return ir.Attrs["target"] }

func (ir *Irule) Type() Type {
	if v, ok := ir.Attrs["type"]; ok && v != "" {
		return Type(v)
	}
	return TypeFile
}

func (ir *Irule) Recipe() (string, bool) {
	v, ok := ir.Attrs["recipe"]
	return v, ok
}

func (ir *Irule) Shell() string {
	if v, ok := ir.Attrs["shell"]; ok && v != "" {
		return v
	}
	return "bash"
}

func (ir *Irule) DepFile() (string, bool) {
	v, ok := ir.Attrs["depfile"]
	return v, ok
}

func (ir *Irule) Deps() (string, bool) {
	v, ok := ir.Attrs["deps"]
	return v, ok
}

func (ir *Irule) Outputs() (string, bool) {
	v, ok := ir.Attrs["outputs"]
	return v, ok
}

// Env is the variable environment described in spec.md §3: an unordered
// mapping of names to values, seeded with globals, the implicit target
// binding, and named captures, then progressively extended with local
// attribute bindings.
type Env map[string]expr.Value

// Clone returns a shallow copy of env so that per-target instantiation
// never mutates the shared globals map.
func (e Env) Clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

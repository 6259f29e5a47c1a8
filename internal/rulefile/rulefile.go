// Package rulefile implements the tokenizer and grammar described in
// spec.md §6: turning rule-file text into an ordered list of
// (section-header, attribute-value-pairs). spec.md §1 calls this an
// "external collaborator" out of the engine's core scope, but the
// bespoke section/attribute/continuation-line grammar has no match among
// the corpus's ecosystem parsers (it is not HCL, TOML, or classic INI —
// continuation lines and dotted attribute names are unique to this
// format), so it is a small hand-rolled scanner rather than an imported
// library.
package rulefile

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/vk/produce/internal/buildererr"
)

// RawAttr is one unparsed (name, value) pair as it appeared in the file,
// in declaration order.
type RawAttr struct {
	Name  string
	Value string
	Line  int
}

// RawRule is one bracketed section: its head text and its ordered
// attribute list.
type RawRule struct {
	Head  string
	Attrs []RawAttr
	Line  int
}

// File is the parsed result: the leading globals section (if any) plus
// every subsequent rule section, in file order.
type File struct {
	Globals []RawAttr
	Rules   []RawRule
}

var (
	sectionRe = regexp.MustCompile(`^\[(.*)\]\s*$`)
	commentRe = regexp.MustCompile(`^\s*#.*$`)
	attrRe    = regexp.MustCompile(`^(\S+?)\s*=\s*(.*)$`)
)

// Parse tokenizes and parses rule-file text per spec.md §6's grammar.
func Parse(r *bufio.Scanner) (*File, error) {
	f := &File{}

	var curAttrs *[]RawAttr
	haveGlobals := false
	sawFirstSection := false

	var continuation *RawAttr
	var indent string
	var indentSet bool
	var pendingBlank int

	lineNo := 0

	flushContinuation := func() {
		continuation = nil
		indent = ""
		indentSet = false
		pendingBlank = 0
	}

	for r.Scan() {
		lineNo++
		line := r.Text()

		if line == "" {
			// Blank lines outside a value are ignored; inside a value
			// (that is, followed by another continuation line) they
			// contribute a line-separator character.
			if continuation != nil {
				pendingBlank++
			}
			continue
		}

		if commentRe.MatchString(line) {
			flushContinuation()
			continue
		}

		if m := sectionRe.FindStringSubmatch(line); m != nil {
			flushContinuation()
			head := m[1]
			if head == "" {
				if sawFirstSection {
					return nil, &buildererr.ConfigError{Detail: fmt.Sprintf("line %d: the globals section (empty head) is only legal as the first section", lineNo)}
				}
				haveGlobals = true
				curAttrs = &f.Globals
			} else {
				f.Rules = append(f.Rules, RawRule{Head: head, Line: lineNo})
				curAttrs = &f.Rules[len(f.Rules)-1].Attrs
			}
			sawFirstSection = true
			continue
		}

		// A continuation line: starts with whitespace, and we already
		// have at least one attribute in the current section.
		if isIndented(line) && continuation != nil {
			stripped := stripIndent(line, &indent, &indentSet)
			continuation.Value += strings.Repeat("\n", pendingBlank) + "\n" + stripped
			pendingBlank = 0
			updateLast(curAttrs, *continuation)
			continue
		}

		if m := attrRe.FindStringSubmatch(line); m != nil {
			if curAttrs == nil {
				return nil, &buildererr.ConfigError{Detail: fmt.Sprintf("line %d: attribute outside of any section", lineNo)}
			}
			attr := RawAttr{Name: m[1], Value: m[2], Line: lineNo}
			*curAttrs = append(*curAttrs, attr)
			last := &(*curAttrs)[len(*curAttrs)-1]
			continuation = last
			indent = ""
			indentSet = false
			pendingBlank = 0
			continue
		}

		if isIndented(line) && continuation == nil {
			return nil, &buildererr.ConfigError{Detail: fmt.Sprintf("line %d: continuation line with no preceding attribute", lineNo)}
		}

		return nil, &buildererr.ConfigError{Detail: fmt.Sprintf("line %d: syntax error: %q", lineNo, line)}
	}

	if err := r.Err(); err != nil {
		return nil, &buildererr.ConfigError{Detail: "reading rule file", Err: err}
	}

	_ = haveGlobals
	return f, nil
}

func isIndented(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// stripIndent removes the leading whitespace matching the amount fixed by
// the first continuation line for this attribute, per spec.md §6.
func stripIndent(line string, indent *string, indentSet *bool) string {
	if !*indentSet {
		*indent = leadingWhitespace(line)
		*indentSet = true
	}
	return strings.TrimPrefix(line, *indent)
}

func leadingWhitespace(line string) string {
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return line[:i]
}

// updateLast writes back an updated attribute value into the slice, since
// RawAttr is stored by value.
func updateLast(attrs *[]RawAttr, updated RawAttr) {
	(*attrs)[len(*attrs)-1] = updated
}

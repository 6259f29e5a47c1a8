package rule

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vk/produce/internal/buildererr"
	"github.com/vk/produce/internal/expr"
	"github.com/vk/produce/internal/interp"
)

// Matcher matches a compiled rule head against a full target name and, on
// success, returns the named captures (a named group that did not take
// part in the match maps to the empty string).
type Matcher struct {
	re    *regexp.Regexp
	names []string
}

// Match reports whether target matches the pattern in full, and if so
// returns its named captures.
func (m Matcher) Match(target string) (map[string]string, bool) {
	sub := m.re.FindStringSubmatch(target)
	if sub == nil {
		return nil, false
	}
	caps := make(map[string]string, len(m.names))
	for i, name := range m.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		caps[name] = sub[i]
	}
	return caps, true
}

// CompilePattern implements spec.md §4.3: a slash-delimited head compiles
// straight to a regular expression; anything else is a template that first
// has its globally-bound holes expanded, then has surviving %{name} holes
// turned into named capture groups.
func CompilePattern(head string, ip *interp.Interpolator, globals Env) (Matcher, error) {
	if len(head) >= 2 && strings.HasPrefix(head, "/") && strings.HasSuffix(head, "/") {
		body := head[1 : len(head)-1]
		re, err := regexp.Compile("^(?:" + body + ")$")
		if err != nil {
			return Matcher{}, &buildererr.ConfigError{Detail: fmt.Sprintf("illegal regex pattern %q", head), Err: err}
		}
		return Matcher{re: re, names: re.SubexpNames()}, nil
	}

	expanded, err := ip.Interpolate(head, mapEnv(globals), interp.Options{IgnoreUndefined: true, KeepEscaped: true})
	if err != nil {
		return Matcher{}, &buildererr.ConfigError{Detail: fmt.Sprintf("compiling pattern %q", head), Err: err}
	}

	var out strings.Builder
	var names []string
	out.WriteString("^")
	i := 0
	for i < len(expanded) {
		c := expanded[i]
		switch {
		case c == '%' && i+1 < len(expanded) && expanded[i+1] == '%':
			out.WriteString(regexp.QuoteMeta("%"))
			i += 2
		case c == '%' && i+1 < len(expanded) && expanded[i+1] == '{':
			end := strings.IndexByte(expanded[i+2:], '}')
			if end < 0 {
				return Matcher{}, &buildererr.ConfigError{Detail: fmt.Sprintf("unterminated %%{ in pattern %q", head)}
			}
			name := expanded[i+2 : i+2+end]
			out.WriteString(fmt.Sprintf("(?P<%s>.*)", name))
			names = append(names, name)
			i += 2 + end + 1
		default:
			out.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	out.WriteString("$")

	re, err := regexp.Compile(out.String())
	if err != nil {
		return Matcher{}, &buildererr.ConfigError{Detail: fmt.Sprintf("compiling pattern %q to regex %q", head, out.String()), Err: err}
	}
	return Matcher{re: re, names: names}, nil
}

func mapEnv(env Env) map[string]expr.Value {
	return map[string]expr.Value(env)
}

package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/produce/internal/expr"
	"github.com/zclconf/go-cty/cty"
)

func TestInterpolate_Identity(t *testing.T) {
	ip := New(expr.NewFakeEvaluator())
	for _, s := range []string{"", "plain text", "no holes here at all"} {
		out, err := ip.Interpolate(s, map[string]expr.Value{}, Options{})
		require.NoError(t, err)
		assert.Equal(t, s, out)
	}
}

func TestInterpolate_PercentEscape(t *testing.T) {
	ip := New(expr.NewFakeEvaluator())

	out, err := ip.Interpolate("100%% done", map[string]expr.Value{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "100% done", out)

	out, err = ip.Interpolate("100%% done", map[string]expr.Value{}, Options{KeepEscaped: true})
	require.NoError(t, err)
	assert.Equal(t, "100%% done", out)
}

func TestInterpolate_BarePercentIsFatal(t *testing.T) {
	ip := New(expr.NewFakeEvaluator())
	_, err := ip.Interpolate("50% off", map[string]expr.Value{}, Options{})
	assert.Error(t, err)
}

func TestInterpolate_SimpleHole(t *testing.T) {
	ip := New(expr.NewFakeEvaluator())
	env := map[string]expr.Value{"name": cty.StringVal("world")}
	out, err := ip.Interpolate("hello %{name}!", env, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello world!", out)
}

func TestInterpolate_SequenceIsShellQuotedAndJoined(t *testing.T) {
	ip := New(expr.NewFakeEvaluator())
	env := map[string]expr.Value{
		"files": cty.TupleVal([]cty.Value{cty.StringVal("a"), cty.StringVal("has space")}),
	}
	out, err := ip.Interpolate("%{files}", env, Options{})
	require.NoError(t, err)
	assert.Equal(t, "a 'has space'", out)
}

func TestInterpolate_IgnoreUndefinedReinsertsHole(t *testing.T) {
	ip := New(expr.NewFakeEvaluator())
	out, err := ip.Interpolate("value: %{missing}", map[string]expr.Value{}, Options{IgnoreUndefined: true})
	require.NoError(t, err)
	assert.Equal(t, "value: %{missing}", out)
}

func TestInterpolate_UndefinedWithoutIgnoreFails(t *testing.T) {
	ip := New(expr.NewFakeEvaluator())
	_, err := ip.Interpolate("value: %{missing}", map[string]expr.Value{}, Options{})
	assert.Error(t, err)
}

func TestInterpolate_TrialEvaluationSkipsSyntaxErrorBraces(t *testing.T) {
	fake := expr.NewFakeEvaluator()
	// The first candidate closing brace yields "expr", a forced syntax
	// error; scanning must continue to the next '}' and try the longer
	// candidate "expr}extra", which is the real (brace-containing)
	// expression and resolves successfully.
	fake.SyntaxErrorFor = map[string]bool{"(expr)": true}
	env := map[string]expr.Value{"expr}extra": cty.StringVal("real")}
	ip := New(fake)

	out, err := ip.Interpolate("X %{expr}extra} Y", env, Options{})
	require.NoError(t, err)
	assert.Equal(t, "X real Y", out)
}

func TestInterpolate_UnparseableExpression(t *testing.T) {
	fake := expr.NewFakeEvaluator()
	fake.SyntaxErrorFor = map[string]bool{"(x)": true}
	ip := New(fake)
	_, err := ip.Interpolate("%{x}", map[string]expr.Value{}, Options{})
	assert.Error(t, err)
}

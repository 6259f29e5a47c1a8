package rulefile

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseString(t *testing.T, text string) *File {
	t.Helper()
	f, err := Parse(bufio.NewScanner(strings.NewReader(text)))
	require.NoError(t, err)
	return f
}

func TestParse_GlobalsAndRules(t *testing.T) {
	f := parseString(t, "[]\nprefix = out\n\n[out]\nrecipe = echo hi > out\n")

	require.Len(t, f.Globals, 1)
	assert.Equal(t, "prefix", f.Globals[0].Name)
	assert.Equal(t, "out", f.Globals[0].Value)

	require.Len(t, f.Rules, 1)
	assert.Equal(t, "out", f.Rules[0].Head)
	require.Len(t, f.Rules[0].Attrs, 1)
	assert.Equal(t, "recipe", f.Rules[0].Attrs[0].Name)
	assert.Equal(t, "echo hi > out", f.Rules[0].Attrs[0].Value)
}

func TestParse_CommentsAndBlankLinesIgnored(t *testing.T) {
	f := parseString(t, "# a comment\n\n[x]\n# another\nrecipe = true\n")
	require.Len(t, f.Rules, 1)
	require.Len(t, f.Rules[0].Attrs, 1)
	assert.Equal(t, "true", f.Rules[0].Attrs[0].Value)
}

func TestParse_ContinuationStripsFirstLineIndent(t *testing.T) {
	f := parseString(t, "[x]\nrecipe = echo a\n  echo b\n    echo c\n")
	require.Len(t, f.Rules[0].Attrs, 1)
	assert.Equal(t, "echo a\necho b\n  echo c", f.Rules[0].Attrs[0].Value)
}

func TestParse_BlankLineInsideValueAddsSeparator(t *testing.T) {
	f := parseString(t, "[x]\nrecipe = echo a\n\n  echo b\n")
	assert.Equal(t, "echo a\n\necho b", f.Rules[0].Attrs[0].Value)
}

func TestParse_DottedAttributeName(t *testing.T) {
	f := parseString(t, "[x]\ndep.first = a\n")
	assert.Equal(t, "dep.first", f.Rules[0].Attrs[0].Name)
}

func TestParse_MultipleSections(t *testing.T) {
	f := parseString(t, "[a]\nrecipe = one\n[b]\nrecipe = two\n")
	require.Len(t, f.Rules, 2)
	assert.Equal(t, "a", f.Rules[0].Head)
	assert.Equal(t, "b", f.Rules[1].Head)
}

func TestParse_EmptyHeadOnlyLegalFirst(t *testing.T) {
	_, err := Parse(bufio.NewScanner(strings.NewReader("[a]\nrecipe = x\n[]\nfoo = bar\n")))
	assert.Error(t, err)
}

func TestParse_AttributeOutsideSectionFails(t *testing.T) {
	_, err := Parse(bufio.NewScanner(strings.NewReader("foo = bar\n")))
	assert.Error(t, err)
}

func TestParse_SyntaxErrorReportsLineNumber(t *testing.T) {
	_, err := Parse(bufio.NewScanner(strings.NewReader("[a]\nrecipe = x\nnot valid at all\n")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestParse_ContinuationWithNoPrecedingAttributeFails(t *testing.T) {
	_, err := Parse(bufio.NewScanner(strings.NewReader("[a]\n  indented\n")))
	assert.Error(t, err)
}

package driver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/produce/internal/ctxlog"
	"github.com/vk/produce/internal/expr"
)

func testCtx() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func writeRuleFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "produce.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newDriver(cfg Config) *Driver {
	return New(cfg, expr.NewHCLEvaluator())
}

// Scenario 1: a missing target with a recipe is built on the first run.
func TestScenario_BasicRebuild(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	rf := writeRuleFile(t, dir, "["+out+"]\nrecipe = touch "+out+"\n")

	d := newDriver(Config{RuleFile: rf, Targets: []string{out}, Jobs: 1, Silent: true})
	require.NoError(t, d.Run(testCtx()))

	_, err := os.Stat(out)
	assert.NoError(t, err)
}

// Scenario 2: touching a dependency after its target was built makes the
// target stale on the next run.
func TestScenario_DependencyTimestampTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))

	rf := writeRuleFile(t, dir, "["+out+"]\ndep.src = "+src+"\nrecipe = cat "+src+" > "+out+"\n")
	d := newDriver(Config{RuleFile: rf, Targets: []string{out}, Jobs: 1, Silent: true})
	require.NoError(t, d.Run(testCtx()))

	first, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(first))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	require.NoError(t, d.Run(testCtx()))
	second, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(second))
}

// Scenario 3: a task target with a downstream file target always
// contaminates the file target with staleness.
func TestScenario_TaskContagion(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	rf := writeRuleFile(t, dir,
		"[always]\ntype = task\nrecipe = true\n\n"+
			"["+out+"]\ndep.a = always\nrecipe = touch "+out+"\n")

	d := newDriver(Config{RuleFile: rf, Targets: []string{out}, Jobs: 1, Silent: true})
	require.NoError(t, d.Run(testCtx()))
	first, err := os.Stat(out)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Run(testCtx()))
	second, err := os.Stat(out)
	require.NoError(t, err)
	assert.True(t, second.ModTime().After(first.ModTime()), "the file target must rebuild every run because its task dependency is always out of date")
}

// Scenario 4: a cyclic dependency is rejected before any recipe runs.
func TestScenario_CyclicDependencyRejected(t *testing.T) {
	dir := t.TempDir()
	rf := writeRuleFile(t, dir, "[a]\ndep.b = b\nrecipe = true\n\n[b]\ndep.a = a\nrecipe = true\n")

	d := newDriver(Config{RuleFile: rf, Targets: []string{"a"}, Jobs: 1, Silent: true})
	err := d.Run(testCtx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic dependency")
}

// Scenario 5: a rule with a false cond falls through to the next
// matching rule.
func TestScenario_ConditionalFallThrough(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	rf := writeRuleFile(t, dir,
		"["+out+"]\ncond = false\nrecipe = echo wrong > "+out+"\n\n"+
			"["+out+"]\nrecipe = echo right > "+out+"\n")

	d := newDriver(Config{RuleFile: rf, Targets: []string{out}, Jobs: 1, Silent: true})
	require.NoError(t, d.Run(testCtx()))

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "right\n", string(content))
}

// Scenario 6: -u/--pretend-up-to-date suppresses a rebuild this run, but
// rewinds the dependency's mtime so a later run without the flag still
// sees it as changed.
func TestScenario_PretendUpToDateThenRewind(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))

	rf := writeRuleFile(t, dir, "["+out+"]\ndep.src = "+src+"\nrecipe = cat "+src+" > "+out+"\n")
	d := newDriver(Config{RuleFile: rf, Targets: []string{out}, Jobs: 1, Silent: true})
	require.NoError(t, d.Run(testCtx()))

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	dPretend := newDriver(Config{RuleFile: rf, Targets: []string{out}, Jobs: 1, Silent: true, PretendUpToDate: []string{src}})
	require.NoError(t, dPretend.Run(testCtx()))

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content), "pretend-up-to-date must suppress the rebuild this run")
	outBeforeRewind, err := os.Stat(out)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Run(testCtx()))
	content2, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content2), "src's content never changed, only its mtime")
	outAfterRewind, err := os.Stat(out)
	require.NoError(t, err)
	assert.True(t, outAfterRewind.ModTime().After(outBeforeRewind.ModTime()), "the plain invocation must actually rebuild out, even though its content is unchanged")

	info, err := os.Stat(src)
	require.NoError(t, err)
	assert.True(t, info.ModTime().After(future), "rewind must advance src's mtime past the pretended run")
}

// Scenario 7: a recipe that fails after partially writing its output
// leaves the output quarantined under a `~` suffix.
func TestScenario_IncompleteOutputIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	rf := writeRuleFile(t, dir, "["+out+"]\nrecipe = touch "+out+" && exit 1\n")

	d := newDriver(Config{RuleFile: rf, Targets: []string{out}, Jobs: 1, Silent: true})
	err := d.Run(testCtx())
	require.Error(t, err)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "the failed output must be moved aside")
	_, backupErr := os.Stat(out + "~")
	assert.NoError(t, backupErr, "the backup file must exist after quarantine")
}

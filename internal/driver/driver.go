// Package driver implements the top-level build sequence from spec.md
// §4.7: parse the rule file, fold globals, run the prelude, resolve the
// requested targets, realize the dependency graph, run the scheduler,
// quarantine incomplete outputs, and rewind pretend-up-to-date targets.
// Grounded on internal/app/app.go's NewApp/Run split (load config, then
// sequence graph build -> executor -> result logging).
package driver

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/produce/internal/buildererr"
	"github.com/vk/produce/internal/ctxlog"
	"github.com/vk/produce/internal/expr"
	"github.com/vk/produce/internal/graph"
	"github.com/vk/produce/internal/interp"
	"github.com/vk/produce/internal/rule"
	"github.com/vk/produce/internal/rulefile"
	"github.com/vk/produce/internal/sched"
)

// Config mirrors the CLI flags in spec.md §6.
type Config struct {
	RuleFile        string
	Targets         []string
	AlwaysBuild     bool
	Jobs            int
	DryRun          bool
	Silent          bool
	PretendUpToDate []string
}

// Driver owns one invocation's engine state end to end.
type Driver struct {
	cfg  Config
	eval expr.Evaluator
}

// New builds a Driver backed by the given expression Evaluator.
func New(cfg Config, eval expr.Evaluator) *Driver {
	return &Driver{cfg: cfg, eval: eval}
}

// Run executes all four phases of spec.md §4.7 and returns the first
// build error encountered, if any.
func (d *Driver) Run(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	f, err := os.Open(d.cfg.RuleFile)
	if err != nil {
		return &buildererr.ConfigError{Detail: fmt.Sprintf("opening rule file %q", d.cfg.RuleFile), Err: err}
	}
	defer f.Close()

	parsed, err := rulefile.Parse(bufio.NewScanner(f))
	if err != nil {
		return err
	}

	globals, err := d.foldGlobals(ctx, parsed.Globals)
	if err != nil {
		return err
	}

	rules, err := d.compileRules(parsed.Rules, globals)
	if err != nil {
		return err
	}

	targets, err := d.resolveTargets(globals)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		log.Info("no targets requested and no default global set")
		return nil
	}

	interpolator := interp.New(d.eval)
	inst := &rule.Instantiator{Rules: rules, Globals: globals, Interp: interpolator}
	state := graph.NewState(inst, d.cfg.AlwaysBuild, d.cfg.PretendUpToDate)
	scheduler := sched.New(state, d.cfg.Jobs, d.cfg.DryRun, d.cfg.Silent)
	state.SetRunner(scheduler)

	// Phase 1: realize the graph from every requested root.
	for _, t := range targets {
		if err := state.AddTarget(ctx, t, nil); err != nil {
			return err
		}
	}

	// Phase 2: execute. Quarantine (Phase 3) must run even on failure,
	// so the build error is captured and returned only after cleanup.
	allFresh, buildErr := scheduler.BuildAll(ctx, targets)

	quarantine(ctx, scheduler)

	if buildErr != nil {
		return buildErr
	}
	if allFresh {
		fmt.Fprintln(os.Stdout, "all targets are up to date")
	}

	// Phase 4: rewind pretend-up-to-date targets against the post-build
	// filesystem state.
	if len(d.cfg.PretendUpToDate) > 0 {
		state.Reset()
		for _, t := range d.cfg.PretendUpToDate {
			if err := state.AddTarget(ctx, t, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// foldGlobals implements spec.md §4.7 steps 2-3: each global is
// interpolated against the accumulating environment so later globals may
// reference earlier ones, except the special `prelude` global, whose raw
// text is executed via RunPrelude instead of interpolated as a template.
func (d *Driver) foldGlobals(ctx context.Context, raw []rulefile.RawAttr) (rule.Env, error) {
	env := rule.Env{}
	interpolator := interp.New(d.eval)

	for _, attr := range raw {
		local := lastSegment(attr.Name)
		if local == "prelude" {
			if err := d.eval.RunPrelude(ctx, attr.Value, env); err != nil {
				return nil, &buildererr.ResolutionError{Detail: "running prelude", Err: err}
			}
			continue
		}
		val, err := interpolator.Interpolate(attr.Value, env, interp.Options{})
		if err != nil {
			return nil, &buildererr.ResolutionError{Detail: fmt.Sprintf("interpolating global %q", attr.Name), Err: err}
		}
		env[local] = cty.StringVal(val)
	}
	return env, nil
}

// compileRules turns each parsed section into a compiled rule.Rule,
// preserving file order (spec.md §4.3: "patterns are tried in file
// order").
func (d *Driver) compileRules(raw []rulefile.RawRule, globals rule.Env) ([]rule.Rule, error) {
	interpolator := interp.New(d.eval)
	rules := make([]rule.Rule, 0, len(raw))
	for _, rr := range raw {
		matcher, err := rule.CompilePattern(rr.Head, interpolator, globals)
		if err != nil {
			return nil, &buildererr.ConfigError{Detail: fmt.Sprintf("compiling rule head %q (line %d)", rr.Head, rr.Line), Err: err}
		}
		attrs := make([]rule.Attr, 0, len(rr.Attrs))
		for _, a := range rr.Attrs {
			attrs = append(attrs, rule.NewAttr(a.Name, a.Value))
		}
		rules = append(rules, rule.Rule{Matcher: matcher, Attrs: attrs, Line: rr.Line})
	}
	return rules, nil
}

// resolveTargets implements spec.md §4.7 step 4: CLI-supplied targets
// win; otherwise the `default` global, shell-quote tokenized.
func (d *Driver) resolveTargets(globals rule.Env) ([]string, error) {
	if len(d.cfg.Targets) > 0 {
		return d.cfg.Targets, nil
	}
	def, ok := globals["default"]
	if !ok || def.IsNull() {
		return nil, nil
	}
	tokens, err := shlex.Split(def.AsString())
	if err != nil {
		return strings.Fields(def.AsString()), nil
	}
	return tokens, nil
}

// quarantine implements spec.md §4.7 Phase 3: every path still marked
// incomplete is renamed to its backup name, tolerating absence.
func quarantine(ctx context.Context, scheduler *sched.Scheduler) {
	log := ctxlog.FromContext(ctx)
	for _, path := range scheduler.Incomplete() {
		if err := os.Rename(path, path+"~"); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to quarantine incomplete output", "path", path, "err", err)
		}
	}
}

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

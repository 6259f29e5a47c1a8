// Package graph implements the Dependency Graph & Staleness Analyzer:
// recursively realizing targets from requested roots, detecting cycles
// through both dependencies and declared outputs, computing modification
// times, and deciding out-of-dateness. Grounded on the shape of
// internal/dag's node map and its DFS cycle check, generalized from a
// pre-linked two-pass build to on-demand recursive realization driven by
// dependency discovery.
package graph

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/vk/produce/internal/buildererr"
	"github.com/vk/produce/internal/ctxlog"
	"github.com/vk/produce/internal/rule"
)

// Target is the per-target scheduler state named in spec.md §3.
type Target struct {
	Irule      *rule.Irule
	Deps       []string
	Outputs    []string
	MTime      time.Time
	OutOfDate  bool
	Missing    bool
	ChangedDep string
	FailErr    error
}

// RecipeRunner synchronously realizes and executes a single target. It is
// used only for depfiles, which spec.md §4.5 requires to be brought fully
// up to date before their contents are read as dependency names. The
// driver wires this to the scheduler once both exist, breaking the
// otherwise circular graph<->scheduler dependency.
type RecipeRunner interface {
	BuildNow(ctx context.Context, target string) error
}

// State owns the realized-target map and the mutable staleness fields.
// All mutation happens under a single lock, matching the coarse
// state-lock style spec.md §5 calls for.
type State struct {
	mu              sync.Mutex
	inst            *rule.Instantiator
	targets         map[string]*Target
	alwaysBuild     bool
	pretendUpToDate map[string]bool
	runner          RecipeRunner
}

// NewState creates an empty realized-target map.
func NewState(inst *rule.Instantiator, alwaysBuild bool, pretendUpToDate []string) *State {
	pretend := make(map[string]bool, len(pretendUpToDate))
	for _, p := range pretendUpToDate {
		pretend[p] = true
	}
	return &State{
		inst:            inst,
		targets:         make(map[string]*Target),
		alwaysBuild:     alwaysBuild,
		pretendUpToDate: pretend,
	}
}

// SetRunner installs the depfile builder callback. Must be called before
// any AddTarget whose tree contains a depfile attribute.
func (s *State) SetRunner(r RecipeRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// Reset clears the realized-target set, bypassing add-once deduplication.
// Used by the driver's Phase 4 rewind (spec.md §4.7) so that
// pretend-up-to-date targets are re-realized against the post-build
// filesystem state.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = make(map[string]*Target)
}

// PretendUpToDate reports whether target was named on -u/--pretend-up-to-date.
func (s *State) PretendUpToDate(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pretendUpToDate[target]
}

func (s *State) isRealized(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.targets[target]
	return ok
}

// AddTarget realizes target into the state and recurses on its
// dependencies, per spec.md §4.5. beam is the ancestor chain from the
// current root; realizing a target already in beam, or one whose
// declared outputs intersect beam, fails with a cycle error.
func (s *State) AddTarget(ctx context.Context, target string, beam []string) error {
	if contains(beam, target) {
		return &buildererr.ResolutionError{Detail: fmt.Sprintf("cyclic dependency: %s", strings.Join(append(beam, target), " -> "))}
	}
	if s.isRealized(target) {
		return nil
	}

	ir, err := s.inst.Instantiate(target)
	if err != nil {
		return err
	}

	outputs := tokenList(ir, "outputs")
	for _, o := range outputs {
		if contains(beam, o) {
			return &buildererr.ResolutionError{Detail: fmt.Sprintf("cyclic dependency via declared output: %s", strings.Join(append(beam, o), " -> "))}
		}
	}

	childBeam := append(append([]string{}, beam...), target)

	var depFileLines []string
	if df, ok := ir.DepFile(); ok {
		if err := s.AddTarget(ctx, df, childBeam); err != nil {
			return err
		}
		s.mu.Lock()
		runner := s.runner
		s.mu.Unlock()
		if runner != nil {
			if err := runner.BuildNow(ctx, df); err != nil {
				return err
			}
		}
		content, err := os.ReadFile(df)
		if err != nil {
			return &buildererr.ExecutionError{Target: target, Detail: "reading depfile " + df, Err: err}
		}
		depFileLines = rule.ParseDepFileLines(string(content))
	}

	deps := rule.DirectDependencies(ir, depFileLines)
	for _, d := range deps {
		if err := s.AddTarget(ctx, d, childBeam); err != nil {
			return err
		}
	}

	mtime, missing := targetMTime(ir)
	outOfDate := s.alwaysBuild || ir.Type() == rule.TypeTask

	// Dependencies named on -u/--pretend-up-to-date contribute neither
	// their own staleness (condition 3) nor their mtime (condition 4) to
	// this target's out-of-date verdict — otherwise a pretend-up-to-date
	// dependency that is genuinely newer on disk would still force a
	// rebuild, defeating the flag's purpose (spec.md §8 Scenario 6). The
	// newer-mtime check still records changedDep even when suppressed,
	// so the post-decision rewind below has something to advance.
	var changedDep string
	if !outOfDate && !missing {
		for _, d := range deps {
			dt, ok := s.snapshot(d)
			if !ok {
				continue
			}
			pretend := s.pretendUpToDateLocked(d)
			if dt.OutOfDate && !pretend {
				outOfDate = true
			}
			if dt.MTime.After(mtime) {
				changedDep = d
				if !pretend {
					outOfDate = true
				}
			}
		}
	}

	if missing {
		max := mtime
		for _, d := range deps {
			if dt, ok := s.snapshot(d); ok && dt.MTime.After(max) {
				max = dt.MTime
			}
		}
		mtime = max
	}

	t := &Target{
		Irule:      ir,
		Deps:       deps,
		Outputs:    outputs,
		MTime:      mtime,
		OutOfDate:  outOfDate,
		Missing:    missing,
		ChangedDep: changedDep,
	}

	s.mu.Lock()
	s.targets[target] = t
	s.mu.Unlock()

	if !outOfDate && changedDep != "" {
		if err := touchAheadOf(changedDep); err != nil {
			ctxlog.FromContext(ctx).Warn("failed to rewind mtime for pretend-up-to-date", "target", changedDep, "err", err)
		}
	}

	return nil
}

func (s *State) pretendUpToDateLocked(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pretendUpToDate[target]
}

func (s *State) snapshot(target string) (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[target]
	if !ok {
		return Target{}, false
	}
	return *t, true
}

// Snapshot returns a copy of a realized target's state.
func (s *State) Snapshot(target string) (Target, bool) {
	return s.snapshot(target)
}

// CheckFreshOrFailed implements Scheduler Phase B (spec.md §4.6): report
// whether the target is already fresh (no rebuild needed) and any
// previously memoized build failure.
func (s *State) CheckFreshOrFailed(target string) (fresh bool, failErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[target]
	if !ok {
		return false, nil
	}
	if t.FailErr != nil {
		return false, t.FailErr
	}
	return !t.OutOfDate && !t.Missing, nil
}

// MarkBuildResult records the outcome of Phase D. A nil err marks the
// target (and those of its outputs that are realized targets) fresh; a
// non-nil err is memoized on the same set so that other Producers waiting
// on the target or one of its outputs observe it verbatim.
func (s *State) MarkBuildResult(target string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[target]
	if !ok {
		return
	}
	apply := func(t *Target) {
		if err != nil {
			t.FailErr = err
			return
		}
		t.OutOfDate = false
		t.Missing = false
	}
	apply(t)
	for _, o := range t.Outputs {
		if ot, ok := s.targets[o]; ok {
			apply(ot)
		}
	}
}

// OutputSet returns the sorted union of {target} ∪ outputs(target), the
// canonical lock-acquisition order from spec.md §3/§4.6.
func (s *State) OutputSet(target string) []string {
	t, ok := s.snapshot(target)
	set := map[string]bool{target: true}
	if ok {
		for _, o := range t.Outputs {
			set[o] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func tokenList(ir *rule.Irule, attr string) []string {
	raw, ok := ir.Attrs[attr]
	if !ok || raw == "" {
		return nil
	}
	toks, err := shlex.Split(raw)
	if err != nil {
		return strings.Fields(raw)
	}
	return toks
}

// targetMTime computes the per-target modification time per spec.md
// §4.5: tasks get zero, existing files get their filesystem mtime,
// missing files get the zero time here (the maximum-of-dependencies
// fixup happens in the caller, which has the dependency snapshots).
func targetMTime(ir *rule.Irule) (mtime time.Time, missing bool) {
	if ir.Type() == rule.TypeTask {
		return time.Time{}, false
	}
	info, err := os.Stat(ir.Target())
	if err != nil {
		return time.Time{}, true
	}
	return info.ModTime(), false
}

// touchAheadOf advances path's mtime to one second past now (or one second
// past its current mtime, if that is already later), the compensating write
// spec.md §4.5 requires when a target skips rebuilding only because it
// depends on a pretend-up-to-date target: the dependency must still look
// newer to a future invocation run without -u.
func touchAheadOf(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // nothing to touch, e.g. a task or already-missing file
	}
	newTime := time.Now().Add(time.Second)
	if !info.ModTime().Before(newTime) {
		newTime = info.ModTime().Add(time.Second)
	}
	return os.Chtimes(path, newTime, newTime)
}

// Package sched implements the Scheduler (Producer actors) from spec.md
// §4.6: one actor per target, four phases (lock, freshness re-check,
// dependency fan-out, recipe execution), with per-output canonical-order
// locking, a global bounded recipe-parallelism counter, and per-target
// build-once/shared-failure semantics. Grounded on the shape of
// internal/executor/worker.go's per-node dispatch loop, generalized from
// a bounded worker pool draining a fixed ready-channel to a per-target
// recursive actor whose dependency set is discovered lazily during graph
// realization rather than linked up front.
package sched

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/vk/produce/internal/buildererr"
	"github.com/vk/produce/internal/ctxlog"
	"github.com/vk/produce/internal/graph"
)

// Outcome is the tagged-variant build result spec.md §9's Design Notes
// recommends over passing around live exception objects.
type Outcome int

const (
	NotBuilt Outcome = iota
	Built
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NotBuilt:
		return "not built"
	case Built:
		return "built"
	default:
		return "failed"
	}
}

// Scheduler holds the resources shared by every Producer for one
// invocation: the realized-target state, the recipe-parallelism
// semaphore, the per-output lock table, and the singleflight group that
// collapses concurrent Producers racing on the same target.
type Scheduler struct {
	State  *graph.State
	DryRun bool
	Silent bool
	Stdout io.Writer
	Stderr io.Writer

	sem *semaphore.Weighted

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	sf singleflight.Group

	incompleteMu sync.Mutex
	incomplete   map[string]bool
}

// New builds a Scheduler with recipe-execution capped at jobs concurrent
// invocations.
func New(state *graph.State, jobs int, dryRun, silent bool) *Scheduler {
	if jobs < 1 {
		jobs = 1
	}
	return &Scheduler{
		State:  state,
		DryRun: dryRun,
		Silent: silent,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		sem:        semaphore.NewWeighted(int64(jobs)),
		locks:      make(map[string]*sync.Mutex),
		incomplete: make(map[string]bool),
	}
}

// BuildNow implements graph.RecipeRunner: it synchronously drives one
// target's Producer to completion, used for depfiles that must be up to
// date before their contents are read as dependencies.
func (s *Scheduler) BuildNow(ctx context.Context, target string) error {
	_, err := s.Build(ctx, target, 0)
	return err
}

// BuildAll drives one Producer per requested target concurrently and
// joins them, per spec.md §4.7 Phase 2. It reports whether every
// Producer returned NotBuilt (so the driver can print "all targets are
// up to date").
func (s *Scheduler) BuildAll(ctx context.Context, targets []string) (allFresh bool, err error) {
	g, gctx := errgroup.WithContext(ctx)
	outcomes := make([]Outcome, len(targets))
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			o, err := s.Build(gctx, t, 0)
			outcomes[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, o := range outcomes {
		if o != NotBuilt {
			return false, nil
		}
	}
	return true, nil
}

// Build runs a target's Producer: spec.md §4.6's four phases, wrapped in
// singleflight so concurrent callers for the same target converge on one
// execution.
func (s *Scheduler) Build(ctx context.Context, target string, depth int) (Outcome, error) {
	v, err, _ := s.sf.Do(target, func() (interface{}, error) {
		return s.runProducer(ctx, target, depth)
	})
	if v == nil {
		return Failed, err
	}
	return v.(Outcome), err
}

func (s *Scheduler) runProducer(ctx context.Context, target string, depth int) (Outcome, error) {
	log := ctxlog.FromContext(ctx).With("target", target, "depth", depth)

	// Phase A: acquire every output's lock, in canonical sorted order.
	outputSet := s.State.OutputSet(target)
	unlock := s.lockAll(outputSet)
	defer unlock()

	// Phase B: freshness re-check under the shared state lock.
	fresh, failErr := s.State.CheckFreshOrFailed(target)
	if failErr != nil {
		return Failed, failErr
	}
	if fresh {
		log.Debug("target already fresh, not rebuilding")
		return NotBuilt, nil
	}

	// Phase C: build dependencies, unless this target is pretending to
	// be up to date.
	if s.State.PretendUpToDate(target) {
		log.Debug("pretend-up-to-date, skipping dependency build")
		return NotBuilt, nil
	}

	snap, ok := s.State.Snapshot(target)
	if !ok {
		return Failed, &buildererr.ResolutionError{Detail: fmt.Sprintf("target %q was never realized", target)}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range snap.Deps {
		d := d
		g.Go(func() error {
			_, err := s.Build(gctx, d, depth+1)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Failed, err
	}

	// Phase D: run the recipe under the global parallelism bound.
	return s.runRecipe(ctx, target, depth, snap, outputSet, log)
}

func (s *Scheduler) runRecipe(ctx context.Context, target string, depth int, snap graph.Target, outputSet []string, log *slog.Logger) (Outcome, error) {
	recipe, hasRecipe := snap.Irule.Recipe()
	if !hasRecipe {
		s.State.MarkBuildResult(target, nil)
		return NotBuilt, nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Failed, &buildererr.ExternalError{Detail: "acquiring recipe permit", Err: err}
	}
	defer s.sem.Release(1)

	for _, out := range outputSet {
		_ = os.Remove(out + "~")
	}

	if s.DryRun {
		if !s.Silent {
			fmt.Fprintln(s.Stdout, strings.TrimPrefix(recipe, "\n"))
		}
		s.State.MarkBuildResult(target, nil)
		return NotBuilt, nil
	}

	if !s.Silent {
		fmt.Fprintln(s.Stdout, strings.TrimPrefix(recipe, "\n"))
	}

	tmp, err := os.CreateTemp("", "produce-recipe-*")
	if err != nil {
		buildErr := &buildererr.ExecutionError{Target: target, Detail: "creating recipe script", Err: err}
		s.State.MarkBuildResult(target, buildErr)
		return Failed, buildErr
	}
	scriptPath := tmp.Name()
	defer os.Remove(scriptPath)

	if _, err := tmp.WriteString(strings.TrimPrefix(recipe, "\n")); err != nil {
		tmp.Close()
		buildErr := &buildererr.ExecutionError{Target: target, Detail: "writing recipe script", Err: err}
		s.State.MarkBuildResult(target, buildErr)
		return Failed, buildErr
	}
	tmp.Close()
	log.With("recipe_file", scriptPath).Debug("running recipe")

	s.markIncomplete(outputSet)

	shell := snap.Irule.Shell()
	cmd := exec.CommandContext(ctx, shell, scriptPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	runErr := cmd.Run()

	if runErr != nil {
		// Leave outputSet marked incomplete: spec.md's quarantine phase
		// renames whatever is still set at exit to its backup name.
		buildErr := &buildererr.ExecutionError{Target: target, Detail: fmt.Sprintf("recipe failed via %s", shell), Err: runErr}
		s.State.MarkBuildResult(target, buildErr)
		return Failed, buildErr
	}

	s.clearIncomplete(outputSet)
	s.State.MarkBuildResult(target, nil)
	return Built, nil
}

func (s *Scheduler) lockAll(paths []string) (unlock func()) {
	sorted := append([]string{}, paths...)
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, p := range sorted {
		locks = append(locks, s.lockFor(p))
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (s *Scheduler) lockFor(path string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

func (s *Scheduler) markIncomplete(paths []string) {
	s.incompleteMu.Lock()
	defer s.incompleteMu.Unlock()
	for _, p := range paths {
		s.incomplete[p] = true
	}
}

func (s *Scheduler) clearIncomplete(paths []string) {
	s.incompleteMu.Lock()
	defer s.incompleteMu.Unlock()
	for _, p := range paths {
		delete(s.incomplete, p)
	}
}

// Incomplete returns a snapshot of the paths still marked incomplete at
// the moment of the call, used by the driver's Phase 3 quarantine (which
// runs even on failure, so it must see whatever Phase D left behind).
func (s *Scheduler) Incomplete() []string {
	s.incompleteMu.Lock()
	defer s.incompleteMu.Unlock()
	out := make([]string, 0, len(s.incomplete))
	for p := range s.incomplete {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

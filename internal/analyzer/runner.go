// Package analyzer implements the Analyzer Runner of spec §4.7: discovery
// of loaded analyzerapi.Analyzer plugins, parallel invocation with a
// per-analyzer timeout, and result aggregation.
//
// Directly adapted from the teacher's pkg/plugins.Registry
// (Register/Unregister, priority-sorted storage, a RWMutex-guarded slice
// plus name index), but changed from "try plugins in priority order until
// one CanHandle's the payload" to "invoke every loaded plugin, in parallel,
// on every request" — spec §4.7 requires all analyzers to run, not a
// first-match dispatch.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/dragonpipe/pkg/analyzerapi"
)

// DefaultTimeout is the per-analyzer invocation bound spec §4.7 names.
const DefaultTimeout = 10 * time.Second

// LoadError records a plugin that failed to register.
type LoadError struct {
	Name  string
	Cause error
}

// Registry holds the loaded analyzer plugins, sorted by priority.
type Registry struct {
	mu         sync.RWMutex
	analyzers  []analyzerapi.Analyzer
	byName     map[string]analyzerapi.Analyzer
	loadErrors []LoadError
	timeout    time.Duration
}

// NewRegistry constructs an empty Registry. Plugins that cannot be loaded
// by the caller (e.g. a directory scan failure) should be recorded via
// RecordLoadError rather than aborting discovery — the runner never fails
// to start because one plugin is broken.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		byName:  make(map[string]analyzerapi.Analyzer),
		timeout: timeout,
	}
}

// Register adds a to the registry, keeping the registry's slice sorted by
// ascending priority. Invocation is parallel and Run returns results keyed
// by analyzer name, so the priority order does not show in Run's output.
func (r *Registry) Register(a analyzerapi.Analyzer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[a.Name()]; exists {
		return fmt.Errorf("analyzer %q already registered", a.Name())
	}
	r.analyzers = append(r.analyzers, a)
	r.byName[a.Name()] = a
	sort.Slice(r.analyzers, func(i, j int) bool {
		return r.analyzers[i].Priority() < r.analyzers[j].Priority()
	})
	slog.Info("analyzer registered", "name", a.Name(), "version", a.Version(), "priority", a.Priority())
	return nil
}

// Unregister removes a by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	filtered := r.analyzers[:0]
	for _, a := range r.analyzers {
		if a.Name() != name {
			filtered = append(filtered, a)
		}
	}
	r.analyzers = filtered
}

// RecordLoadError records a plugin that failed discovery/loading. The
// analyzer is skipped; the runner never aborts overall.
func (r *Registry) RecordLoadError(name string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadErrors = append(r.loadErrors, LoadError{Name: name, Cause: cause})
	slog.Warn("analyzer failed to load, skipping", "name", name, "error", cause)
}

// LoadErrors returns the plugins that failed to load.
func (r *Registry) LoadErrors() []LoadError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LoadError, len(r.loadErrors))
	copy(out, r.loadErrors)
	return out
}

// Count returns the number of currently loaded analyzers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.analyzers)
}

// Aggregate is the result of running every loaded analyzer once.
type Aggregate struct {
	Results          map[string]analyzerapi.Result
	Errors           []string
	TotalDurationMs  int64
	SuccessCount     int
	TotalCount       int
}

// Run invokes every loaded analyzer in parallel against in, each bounded by
// the registry's per-analyzer timeout. A timeout or panic recovered from an
// analyzer yields {ok=false, error} for that analyzer only; it never stops
// the others. Zero analyzers loaded returns an empty, non-nil Aggregate.
func (r *Registry) Run(ctx context.Context, in analyzerapi.Input) Aggregate {
	r.mu.RLock()
	analyzers := make([]analyzerapi.Analyzer, len(r.analyzers))
	copy(analyzers, r.analyzers)
	r.mu.RUnlock()

	agg := Aggregate{
		Results:    make(map[string]analyzerapi.Result, len(analyzers)),
		TotalCount: len(analyzers),
	}
	if len(analyzers) == 0 {
		return agg
	}

	start := time.Now()
	type outcome struct {
		name   string
		result analyzerapi.Result
	}
	out := make(chan outcome, len(analyzers))

	var g errgroup.Group
	for _, a := range analyzers {
		a := a
		g.Go(func() error {
			out <- outcome{name: a.Name(), result: r.invokeOne(ctx, a, in)}
			return nil
		})
	}
	g.Wait()
	close(out)

	for o := range out {
		agg.Results[o.name] = o.result
		if o.result.OK {
			agg.SuccessCount++
		} else if o.result.Error != "" {
			agg.Errors = append(agg.Errors, fmt.Sprintf("%s: %s", o.name, o.result.Error))
		}
	}
	agg.TotalDurationMs = time.Since(start).Milliseconds()
	return agg
}

func (r *Registry) invokeOne(ctx context.Context, a analyzerapi.Analyzer, in analyzerapi.Input) (result analyzerapi.Result) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = analyzerapi.Malformed(a.Name(), time.Since(start).Milliseconds(), fmt.Errorf("panic: %v", rec))
		}
	}()

	done := make(chan analyzerapi.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("panic: %v", rec)
			}
		}()
		res, err := a.Analyze(callCtx, in)
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		if !validResult(res) {
			return analyzerapi.Malformed(a.Name(), time.Since(start).Milliseconds(), fmt.Errorf("malformed analyzer result"))
		}
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	case err := <-errCh:
		return analyzerapi.Malformed(a.Name(), time.Since(start).Milliseconds(), err)
	case <-callCtx.Done():
		return analyzerapi.Malformed(a.Name(), time.Since(start).Milliseconds(), fmt.Errorf("analyzer %q timed out after %s", a.Name(), r.timeout))
	}
}

// validResult enforces spec §4.7's coercion rule: a result claiming ok=true
// must carry a non-nil score and a confidence other than error.
func validResult(res analyzerapi.Result) bool {
	if !res.OK {
		return true
	}
	return res.Score != nil && res.Confidence != analyzerapi.ConfidenceError
}

// Package chain implements a dependency-ordered middleware executor.
// One orchestrator serves every extension point of the pipeline —
// enrichers, chunk observers, query processors, result processors, and
// delete observers — which differ only in their payload type.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Chain executes stages in a fixed order computed once at
// construction. Within one run stages execute sequentially, so later
// stages observe earlier transforms; independent runs may proceed in
// parallel because the chain itself is immutable after New.
type Chain[T any] struct {
	stages []Stage[T]
	logger *slog.Logger
}

// New builds a chain. Stage order is the topological order of the
// DependsOn/RunsBefore graph; ties are broken by ascending priority,
// then name, so the order is deterministic across constructions. A
// duplicate name, an unknown dependency, or a cycle returns a
// *ConfigError.
func New[T any](logger *slog.Logger, stages ...Stage[T]) (*Chain[T], error) {
	if logger == nil {
		logger = slog.Default()
	}
	ordered, err := sortStages(stages)
	if err != nil {
		return nil, err
	}
	return &Chain[T]{stages: ordered, logger: logger.With("component", "chain")}, nil
}

// Order returns the resolved stage names in execution order.
func (c *Chain[T]) Order() []string {
	names := make([]string, 0, len(c.stages))
	for _, st := range c.stages {
		names = append(names, st.Name())
	}
	return names
}

// Len returns the number of stages.
func (c *Chain[T]) Len() int { return len(c.stages) }

// Execute runs the value through every stage. A Reject result (or an
// error under PolicyReject) aborts the run and returns a
// *RejectionError; the returned value is then the last accepted one.
// Start/complete hooks fire for every stage that declares them,
// regardless of outcome.
func (c *Chain[T]) Execute(ctx context.Context, rc *RequestContext, value T) (T, error) {
	c.fireStart(ctx, rc)

	var runErr error
	for _, st := range c.stages {
		result, err := c.invoke(ctx, rc, st, value)
		if err != nil {
			switch st.OnError() {
			case PolicySkip, PolicyAllow:
				c.logger.Warn("stage error skipped",
					"stage", st.Name(), "policy", string(st.OnError()), "error", err)
				continue
			default:
				runErr = &RejectionError{Stage: st.Name(), Reason: err.Error(), Err: err}
			}
			break
		}
		if result.action == actionTransform {
			value = result.value
			continue
		}
		if result.action == actionReject {
			runErr = &RejectionError{Stage: st.Name(), Reason: result.reason}
			break
		}
	}

	c.fireComplete(ctx, rc, runErr)
	return value, runErr
}

func (c *Chain[T]) invoke(ctx context.Context, rc *RequestContext, st Stage[T], value T) (Result[T], error) {
	timeout := st.Timeout()
	if timeout <= 0 {
		return st.Process(ctx, rc, value)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result[T]
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := st.Process(tctx, rc, value)
		done <- outcome{result, err}
	}()
	select {
	case o := <-done:
		return o.result, o.err
	case <-tctx.Done():
		// the parent context may have ended first; report that as a
		// cancellation, not a stage timeout
		if err := ctx.Err(); err != nil {
			return Result[T]{}, err
		}
		return Result[T]{}, fmt.Errorf("stage %s timed out after %s", st.Name(), timeout)
	}
}

func (c *Chain[T]) fireStart(ctx context.Context, rc *RequestContext) {
	for _, st := range c.stages {
		hook, ok := any(st).(StartHook)
		if !ok {
			continue
		}
		if err := hook.OnChainStart(ctx, rc); err != nil {
			c.logger.Warn("chain start hook failed", "stage", st.Name(), "error", err)
		}
	}
}

func (c *Chain[T]) fireComplete(ctx context.Context, rc *RequestContext, runErr error) {
	for _, st := range c.stages {
		hook, ok := any(st).(CompleteHook)
		if !ok {
			continue
		}
		if err := hook.OnChainComplete(ctx, rc, runErr); err != nil {
			c.logger.Warn("chain complete hook failed", "stage", st.Name(), "error", err)
		}
	}
}

// sortStages runs Kahn's algorithm over the declared constraints.
func sortStages[T any](stages []Stage[T]) ([]Stage[T], error) {
	byName := make(map[string]Stage[T], len(stages))
	for _, st := range stages {
		name := st.Name()
		if name == "" {
			return nil, &ConfigError{Message: "stage with empty name"}
		}
		if _, dup := byName[name]; dup {
			return nil, &ConfigError{Message: fmt.Sprintf("duplicate stage name %q", name)}
		}
		byName[name] = st
	}

	// edges[a] holds stages that must run after a
	edges := make(map[string][]string, len(stages))
	indegree := make(map[string]int, len(stages))
	for _, st := range stages {
		indegree[st.Name()] += 0
	}
	addEdge := func(from, to string) error {
		if _, ok := byName[from]; !ok {
			return &ConfigError{Message: fmt.Sprintf("stage %q references unknown stage %q", to, from)}
		}
		if _, ok := byName[to]; !ok {
			return &ConfigError{Message: fmt.Sprintf("stage %q references unknown stage %q", from, to)}
		}
		edges[from] = append(edges[from], to)
		indegree[to]++
		return nil
	}
	for _, st := range stages {
		for _, dep := range st.DependsOn() {
			if err := addEdge(dep, st.Name()); err != nil {
				return nil, err
			}
		}
		for _, successor := range st.RunsBefore() {
			if err := addEdge(st.Name(), successor); err != nil {
				return nil, err
			}
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	less := func(a, b string) bool {
		sa, sb := byName[a], byName[b]
		if sa.Priority() != sb.Priority() {
			return sa.Priority() < sb.Priority()
		}
		return a < b
	}

	ordered := make([]Stage[T], 0, len(stages))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[next])
		for _, successor := range edges[next] {
			indegree[successor]--
			if indegree[successor] == 0 {
				ready = append(ready, successor)
			}
		}
	}

	if len(ordered) != len(stages) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, &ConfigError{Message: "dependency cycle among stages: " + strings.Join(cyclic, ", ")}
	}
	return ordered, nil
}

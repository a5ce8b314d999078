package chain

import (
	"context"
	"time"
)

// ErrorPolicy governs what happens when a stage returns an unexpected
// error (or times out) instead of returning a result.
type ErrorPolicy string

const (
	// PolicyReject converts the error into a chain-aborting rejection.
	PolicyReject ErrorPolicy = "reject"
	// PolicySkip logs the error and proceeds with the value unchanged.
	PolicySkip ErrorPolicy = "skip"
	// PolicyAllow behaves like skip but marks the stage as
	// intentionally optional.
	PolicyAllow ErrorPolicy = "allow"
)

type action int

const (
	actionAllow action = iota
	actionTransform
	actionReject
)

// Result is a stage's tagged decision about the current value.
type Result[T any] struct {
	action action
	value  T
	reason string
}

// Allow continues the chain with the value unchanged.
func Allow[T any]() Result[T] {
	return Result[T]{action: actionAllow}
}

// Transform replaces the current value; subsequent stages see v.
func Transform[T any](v T) Result[T] {
	return Result[T]{action: actionTransform, value: v}
}

// Reject aborts the entire chain immediately.
func Reject[T any](reason string) Result[T] {
	return Result[T]{action: actionReject, reason: reason}
}

// Stage is one pluggable unit of pipeline behavior. Stages declare
// ordering constraints by name; the chain resolves them once at
// construction. Stages must be stateless across invocations except for
// provider handles.
type Stage[T any] interface {
	Name() string
	// Priority breaks ties among independently-orderable stages;
	// lower runs earlier.
	Priority() int
	DependsOn() []string
	RunsBefore() []string
	OnError() ErrorPolicy
	// Timeout bounds one invocation; zero means no limit.
	Timeout() time.Duration

	Process(ctx context.Context, rc *RequestContext, v T) (Result[T], error)
}

// StartHook is an optional stage capability invoked before every chain
// run regardless of outcome. Hook failures are logged, never fatal.
type StartHook interface {
	OnChainStart(ctx context.Context, rc *RequestContext) error
}

// CompleteHook is an optional stage capability invoked after every
// chain run with the run's outcome. Hook failures are logged, never
// alter the result.
type CompleteHook interface {
	OnChainComplete(ctx context.Context, rc *RequestContext, runErr error) error
}

// BaseStage supplies the declarative half of Stage so concrete stages
// only implement Process.
type BaseStage struct {
	StageName     string
	StagePriority int
	Deps          []string
	Before        []string
	ErrorPolicy   ErrorPolicy
	StageTimeout  time.Duration
}

func (b BaseStage) Name() string         { return b.StageName }
func (b BaseStage) Priority() int        { return b.StagePriority }
func (b BaseStage) DependsOn() []string  { return b.Deps }
func (b BaseStage) RunsBefore() []string { return b.Before }

func (b BaseStage) OnError() ErrorPolicy {
	if b.ErrorPolicy == "" {
		return PolicyReject
	}
	return b.ErrorPolicy
}

func (b BaseStage) Timeout() time.Duration { return b.StageTimeout }

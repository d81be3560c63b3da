package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Stage names in execution order.
const (
	StageParseIntent = "parse_intent"
	StageMapFields   = "map_fields"
	StageBuildQuery  = "build_query"
	StageValidate    = "validate"
	StageActivate    = "activate"
)

// Stages is the full stage order of a text request.
var Stages = []string{StageParseIntent, StageMapFields, StageBuildQuery, StageValidate, StageActivate}

// StageError is a stage that returned an error or panicked.
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// StageTimeoutError is a stage that exceeded its budget.
type StageTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Timeout)
}

// Unwrap lets callers match context.DeadlineExceeded.
func (e *StageTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// PanicError is a recovered stage panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type stageResult[T any] struct {
	value T
	err   error
}

// runStage runs fn under its own timeout in a separate goroutine. On timeout
// the goroutine is abandoned with its context cancelled; on parent
// cancellation the parent's error is returned. Errors and panics come back as
// *StageError.
func runStage[T any](ctx context.Context, stage string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan stageResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stageResult[T]{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		v, err := fn(stageCtx)
		done <- stageResult[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.value, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(res.err, context.DeadlineExceeded) && stageCtx.Err() != nil {
			return zero, &StageTimeoutError{Stage: stage, Timeout: timeout}
		}
		return zero, &StageError{Stage: stage, Cause: res.err}
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &StageTimeoutError{Stage: stage, Timeout: timeout}
	}
}

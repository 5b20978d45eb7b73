// Package saga executes a sequence of steps with compensation: when step k
// fails, the compensations of steps k-1..0 run in reverse order. State is
// in-process; durable multi-step orchestration belongs to the flow engine.
package saga

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/catga/catga/resilience"
	"github.com/catga/catga/result"
)

// Status is the terminal outcome of a saga run.
type Status string

const (
	// Succeeded: every step completed.
	Succeeded Status = "Succeeded"
	// Compensated: a step failed and all compensations completed cleanly.
	Compensated Status = "Compensated"
	// Failed: a step failed and compensation itself failed; manual
	// intervention is required.
	Failed Status = "Failed"
)

// CompensationPolicy decides what happens when a compensation fails.
type CompensationPolicy int

const (
	// FailFast stops compensating on the first compensation failure.
	FailFast CompensationPolicy = iota
	// Continue runs the remaining compensations regardless; the saga still
	// ends Failed.
	Continue
)

// Options tune an executor.
type Options struct {
	OnCompensationError CompensationPolicy
	// StepTimeout bounds steps that declare none (0 leaves them unbounded).
	StepTimeout time.Duration
}

// Step is one unit of saga work over shared state T. Compensate may be nil
// for steps with no effect to undo.
type Step[T any] struct {
	Name       string
	Timeout    time.Duration
	Execute    func(ctx context.Context, data *T) result.Result[any]
	Compensate func(ctx context.Context, data *T) error
}

// StepOutcome records one step's result for the report.
type StepOutcome struct {
	Name     string
	Outcome  string // "succeeded", "failed", "compensated", "compensation-failed"
	Duration time.Duration
	Error    *result.Error
}

// Report is the full account of one saga run.
type Report struct {
	SagaID   uint64
	Name     string
	Status   Status
	Steps    []StepOutcome
	Duration time.Duration
	Error    *result.Error
}

// Saga is an ordered list of steps with compensation over state T.
type Saga[T any] struct {
	name  string
	opts  Options
	steps []Step[T]
}

// New builds a saga. Steps run in the given order.
func New[T any](name string, opts Options, steps ...Step[T]) *Saga[T] {
	return &Saga[T]{name: name, opts: opts, steps: steps}
}

// Execute runs the saga to completion. The returned report is always
// populated; inspect Status for the outcome.
func (s *Saga[T]) Execute(ctx context.Context, sagaID uint64, data *T) Report {
	var started = time.Now()
	var report = Report{SagaID: sagaID, Name: s.name, Status: Succeeded}

	for k, step := range s.steps {
		var r = s.runStep(ctx, step, data, &report)
		if r.OK() {
			continue
		}
		report.Error = r.Err()
		log.WithFields(log.Fields{
			"saga":   s.name,
			"sagaId": sagaID,
			"step":   step.Name,
			"code":   r.Code(),
		}).Warn("saga step failed, compensating")
		report.Status = s.compensate(ctx, k, data, &report)
		break
	}

	report.Duration = time.Since(started)
	return report
}

func (s *Saga[T]) runStep(ctx context.Context, step Step[T], data *T, report *Report) result.Result[any] {
	var timeout = step.Timeout
	if timeout <= 0 {
		timeout = s.opts.StepTimeout
	}
	var stepStart = time.Now()
	var r = resilience.WithTimeout(ctx, timeout, func(ctx context.Context) result.Result[any] {
		return step.Execute(ctx, data)
	})

	var outcome = StepOutcome{Name: step.Name, Duration: time.Since(stepStart)}
	if r.OK() {
		outcome.Outcome = "succeeded"
	} else {
		outcome.Outcome = "failed"
		outcome.Error = r.Err()
	}
	report.Steps = append(report.Steps, outcome)
	return r
}

// compensate undoes steps failedIndex-1 .. 0 in reverse. Returns the saga's
// terminal status.
func (s *Saga[T]) compensate(ctx context.Context, failedIndex int, data *T, report *Report) Status {
	var status = Compensated
	for i := failedIndex - 1; i >= 0; i-- {
		var step = s.steps[i]
		if step.Compensate == nil {
			continue
		}
		var start = time.Now()
		var err = step.Compensate(ctx, data)
		var outcome = StepOutcome{Name: step.Name, Duration: time.Since(start)}
		if err == nil {
			outcome.Outcome = "compensated"
			report.Steps = append(report.Steps, outcome)
			continue
		}

		outcome.Outcome = "compensation-failed"
		outcome.Error = &result.Error{Code: result.Unexpected, Message: err.Error(), Cause: err}
		report.Steps = append(report.Steps, outcome)
		status = Failed
		log.WithFields(log.Fields{
			"saga":  s.name,
			"step":  step.Name,
			"error": err,
		}).Error("saga compensation failed")
		if s.opts.OnCompensationError == FailFast {
			return Failed
		}
	}
	return status
}

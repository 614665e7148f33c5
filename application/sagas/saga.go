// Package sagas implements the write path as a compensating step sequence:
// everything before the doc-store commit is undoable, and a failed commit
// rolls the object-store writes back before the error surfaces.
package sagas

import (
	"context"

	"go.uber.org/zap"
)

// Step is one stage of a saga. Compensate undoes a completed Execute when a
// later step fails; steps without side effects leave it nil.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Runner executes steps in order and compensates completed steps in reverse
// when one fails. Compensation is best effort: a failing compensation is
// logged and the remaining ones still run.
type Runner struct {
	name   string
	logger *zap.Logger
}

// NewRunner creates a saga runner
func NewRunner(name string, logger *zap.Logger) *Runner {
	return &Runner{name: name, logger: logger}
}

// Run executes the steps. The returned error is the failing step's error,
// after compensation has completed.
func (r *Runner) Run(ctx context.Context, steps []Step) error {
	completed := make([]Step, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			r.compensate(ctx, completed)
			return err
		}
		if err := step.Execute(ctx); err != nil {
			r.logger.Debug("Saga step failed",
				zap.String("saga", r.name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			r.compensate(ctx, completed)
			return err
		}
		completed = append(completed, step)
	}
	return nil
}

func (r *Runner) compensate(ctx context.Context, completed []Step) {
	// Compensation must run even when the surrounding context is already
	// canceled, otherwise orphaned objects pile up.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
	}
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			r.logger.Warn("Saga compensation failed",
				zap.String("saga", r.name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
		}
	}
}

package pipeline

import (
	"context"
	"fmt"

	"deepspectral/internal/logger"
)

// Runner executes stages in order, fail-fast. The first stage whose
// precondition check or run fails aborts the pipeline; every stage
// behind it is marked skipped and never started.
type Runner struct {
	log    logger.Logger
	stages []Stage
	states []StageState
}

func NewRunner(log logger.Logger, stages []Stage) *Runner {
	return &Runner{
		log:    log,
		stages: stages,
		states: make([]StageState, len(stages)),
	}
}

// States returns the per-stage states in stage order.
func (r *Runner) States() []StageState {
	out := make([]StageState, len(r.states))
	copy(out, r.states)
	return out
}

// Run drives the pipeline to completion or first failure.
func (r *Runner) Run(ctx context.Context) error {
	var failure error

	for i, stage := range r.stages {
		if failure != nil {
			if err := transition(r.states, i, StagePending, StageSkipped); err != nil {
				return err
			}
			r.log.Warning(stage.Name(), "stage skipped after upstream failure", nil)
			continue
		}

		if err := transition(r.states, i, StagePending, StageRunning); err != nil {
			return err
		}
		done := r.log.StageStart(stage.Name())

		err := ctx.Err()
		if err == nil {
			err = stage.Check()
			if err != nil {
				err = fmt.Errorf("precondition: %w", err)
			}
		}
		if err == nil {
			err = stage.Run(ctx)
		}
		done()

		if err != nil {
			if terr := transition(r.states, i, StageRunning, StageFailed); terr != nil {
				return terr
			}
			failure = fmt.Errorf("stage %s: %w", stage.Name(), err)
			r.log.Error(stage.Name(), err, nil)
			continue
		}
		if err := transition(r.states, i, StageRunning, StageCompleted); err != nil {
			return err
		}
	}
	return failure
}

// Package sequence runs a named, ordered recipe of turn-on/turn-off steps
// against device workers: CHANGE_OUTPUT, SLEEP, GET_LOCATION and
// REFRESH_STATUS, each retried a fixed number of times with a fixed
// backoff, the whole run bounded by an overall timeout that cancels any
// steps still outstanding when it expires.
package sequence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nickelseyspelloc/powercontroller/clock"
	"github.com/nickelseyspelloc/powercontroller/config"
	"github.com/nickelseyspelloc/powercontroller/deviceworker"
)

// OutputSetter drives a named output's relay, supplied by the Control Loop
// so the runner itself stays ignorant of plan/state bookkeeping.
type OutputSetter func(ctx context.Context, outputName string, on bool) error

// Workers resolves a device name to its worker, for GET_LOCATION/REFRESH_STATUS
// steps that talk to a device directly rather than through an output.
type Workers func(deviceName string) (*deviceworker.Worker, bool)

// Runner executes Sequences.
type Runner struct {
	ephemeris *clock.Ephemeris
	setOutput OutputSetter
	workers   Workers
	logger    *log.Logger
}

// New returns a Runner resolving GET_LOCATION against ephemeris, driving
// outputs via setOutput and devices via workers.
func New(ephemeris *clock.Ephemeris, setOutput OutputSetter, workers Workers, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{ephemeris: ephemeris, setOutput: setOutput, workers: workers, logger: logger}
}

// Run executes seq's steps in order, stopping at the first step that fails
// all of its retries, or when the sequence's overall Timeout elapses.
func (r *Runner) Run(ctx context.Context, seq config.Sequence) error {
	if seq.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, seq.Timeout)
		defer cancel()
	}

	for i, step := range seq.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sequence %q cancelled before step %d (%s): %w", seq.Name, i, step.Kind, err)
		}
		if err := r.runStep(ctx, seq.Name, i, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, seqName string, index int, step config.SequenceStep) error {
	attempts := step.Retries + 1
	backoff := time.Duration(step.RetryBackoffSec) * time.Second

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := r.execStep(ctx, step); err != nil {
			lastErr = err
			r.logger.Printf("sequence %q step %d (%s) attempt %d/%d failed: %v", seqName, index, step.Kind, attempt+1, attempts, err)
			if attempt < attempts-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return fmt.Errorf("sequence %q step %d (%s) cancelled during retry backoff: %w", seqName, index, step.Kind, ctx.Err())
				}
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("sequence %q step %d (%s) failed after %d attempts: %w", seqName, index, step.Kind, attempts, lastErr)
}

func (r *Runner) execStep(ctx context.Context, step config.SequenceStep) error {
	switch step.Kind {
	case config.StepChangeOutput:
		return r.setOutput(ctx, step.OutputName, step.TargetState)

	case config.StepSleep:
		select {
		case <-time.After(time.Duration(step.SleepSeconds) * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case config.StepGetLocation:
		_ = r.ephemeris.Position(time.Now())
		return nil

	case config.StepRefreshStatus:
		w, ok := r.workers(step.Device)
		if !ok {
			return fmt.Errorf("refresh_status: unknown device %q", step.Device)
		}
		_, err := w.GetStatus(ctx, 0)
		return err

	default:
		return fmt.Errorf("unknown sequence step kind %q", step.Kind)
	}
}

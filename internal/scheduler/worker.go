package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tastythames/ssh-fleet/internal/cache"
	"github.com/tastythames/ssh-fleet/internal/metrics"
)

// failedElapsed is the elapsed time reported on synthesized failure results.
const failedElapsed = time.Millisecond

type passState int

const (
	stateSucceeded passState = iota
	stateLocallyFailed
	stateDropped
)

// passOutcome is how one job left one pass.
type passOutcome struct {
	state  passState
	result ExecutionResult
	err    error
}

// worker takes job positions off queue until it closes. Each job holds one
// slot for all its local attempts and gives it back whatever happened.
func (s *Scheduler) worker(ctx context.Context, id int, jobs []Job, queue <-chan int, out cache.Cache[int, passOutcome]) {
	log.Debugf("worker %d started", id)

	for idx := range queue {
		job := jobs[idx]

		slot, err := s.pool.Acquire(ctx)
		if err != nil {
			out.Set(idx, passOutcome{state: stateDropped, err: err})
			s.tracker.jobDone(job.ID, metrics.OutcomeDropped, 0)
			continue
		}

		log.WithFields(slot.logFields()).Debugf("job %s acquired slot, %d idle", job.ID, s.pool.Idle())
		o := s.runLocal(ctx, slot, job)
		s.pool.Release(slot)

		out.Set(idx, o)
		switch o.state {
		case stateSucceeded:
			s.tracker.jobDone(job.ID, metrics.OutcomeSucceeded, o.result.Elapsed)
		case stateLocallyFailed:
			s.tracker.jobDone(job.ID, metrics.OutcomeFailed, o.result.Elapsed)
		default:
			s.tracker.jobDone(job.ID, metrics.OutcomeDropped, 0)
		}
	}
}

// runLocal makes up to LocalAttempts attempts of job on slot. A non-zero exit
// is retried as is; a transport failure reconnects the slot first. If any
// attempt got as far as a non-zero exit, the job leaves the pass as failed
// with that exit rather than as dropped.
func (s *Scheduler) runLocal(ctx context.Context, slot *Slot, job Job) passOutcome {
	logger := log.WithFields(slot.logFields()).WithField("job", job.ID)

	var last attempt
	var failure *attempt
	tries := 0
	for tries < s.opts.LocalAttempts {
		if ctx.Err() != nil {
			break
		}
		if slot.conn == nil {
			if err := s.reconnect(ctx, slot); err != nil {
				tries++
				last = transportFailure("reconnect", err)
				continue
			}
		}

		tries++
		last = s.execute(ctx, slot, job)
		last.result.Attempts = tries

		switch last.kind {
		case outcomeSuccess:
			return passOutcome{state: stateSucceeded, result: last.result}
		case outcomeJobFailure:
			f := last
			failure = &f
			logger.WithField("attempt", tries).Warnf("job failed (will retry): %v", last.err)
		case outcomeTransportFailure:
			logger.WithField("attempt", tries).Errorf("job hit a transport failure, reconnecting: %v", last.err)
			if err := s.reconnect(ctx, slot); err != nil {
				logger.Errorf("reconnect gave up: %v", err)
			}
		}
	}

	if failure != nil {
		logger.Errorf("giving up on job after %d attempts", tries)
		return passOutcome{
			state:  stateLocallyFailed,
			result: failedResult(job, tries, jobFailureMessage(job, tries, failure.result)),
			err:    failure.err,
		}
	}
	if ctx.Err() != nil {
		return passOutcome{state: stateDropped, err: ctx.Err()}
	}
	logger.Errorf("dropping job from this pass after %d attempts: %v", tries, last.err)
	return passOutcome{state: stateDropped, err: last.err}
}

func (s *Scheduler) reconnect(ctx context.Context, slot *Slot) error {
	if err := slot.reconnect(ctx, s.opts.ReconnectBackoff()); err != nil {
		return err
	}
	s.metrics.Reconnected()
	log.WithField("slot", slot.String()).Info("reconnected broken slot")
	return nil
}

func failedResult(job Job, attempts int, msg string) ExecutionResult {
	return ExecutionResult{
		JobID:    job.ID,
		Payload:  job.Payload,
		ExitCode: FailedExitCode,
		Stderr:   msg,
		Elapsed:  failedElapsed,
		Attempts: attempts,
	}
}

func jobFailureMessage(job Job, attempts int, r ExecutionResult) string {
	msg := fmt.Sprintf("job %s failed after %d attempts: exit status %d", job.ID, attempts, r.ExitCode)
	if detail := strings.TrimSpace(r.Stderr); detail != "" {
		msg += ": " + detail
	}
	return msg
}

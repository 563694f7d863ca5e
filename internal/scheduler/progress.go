package scheduler

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tastythames/ssh-fleet/internal/metrics"
)

// Tracker keeps running totals for progress logs. It never influences
// scheduling. A job counts as failed only once no pass is left to retry it,
// so succeeded + failed never exceeds submitted.
type Tracker struct {
	mu      sync.Mutex
	metrics *metrics.Metrics

	submitted int
	succeeded int
	failed    int

	pass      int
	lastPass  bool
	passTotal int
	passDone  int
	retrying  int
	passStart time.Time

	staged map[string]int
}

func newTracker(m *metrics.Metrics) *Tracker {
	return &Tracker{metrics: m, staged: make(map[string]int)}
}

func (t *Tracker) beginRun(submitted int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitted = submitted
	t.succeeded = 0
	t.failed = 0
}

// beginPass starts pass over jobs; lastPass means failures are final.
func (t *Tracker) beginPass(pass, jobs int, lastPass bool) {
	t.mu.Lock()
	t.pass = pass
	t.lastPass = lastPass
	t.passTotal = jobs
	t.passDone = 0
	t.retrying = 0
	t.passStart = time.Now()
	t.mu.Unlock()

	t.metrics.PassStarted()
	log.WithField("pass", pass).Infof("starting pass with %d jobs", jobs)
}

// jobDone records one job leaving the current pass with the given outcome.
func (t *Tracker) jobDone(jobID, outcome string, elapsed time.Duration) {
	t.mu.Lock()
	switch {
	case outcome == metrics.OutcomeSucceeded:
		t.succeeded++
	case t.lastPass:
		t.failed++
	default:
		t.retrying++
	}
	t.passDone++
	left := t.passTotal - t.passDone
	eta := estimateRemaining(left, t.passDone, time.Since(t.passStart))
	fields := log.Fields{
		"pass":      t.pass,
		"job":       jobID,
		"outcome":   outcome,
		"succeeded": t.succeeded,
		"failed":    t.failed,
		"retrying":  t.retrying,
		"submitted": t.submitted,
		"left":      left,
	}
	succeeded, failed, retrying, submitted := t.succeeded, t.failed, t.retrying, t.submitted
	t.mu.Unlock()

	t.metrics.JobFinished(outcome, elapsed)
	log.WithFields(fields).Infof(
		"jobs completed so far: %d successful, %d failed of %d total; %d to retry, %d left in pass, eta %s",
		succeeded, failed, submitted, retrying, left, eta.Round(time.Second))
}

func (t *Tracker) stagedOn(host string) {
	t.mu.Lock()
	t.staged[host]++
	t.mu.Unlock()
	t.metrics.CoreStaged(host)
}

// StagingEvents returns how many times the core package was staged per host.
func (t *Tracker) StagingEvents() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.staged))
	for k, v := range t.staged {
		out[k] = v
	}
	return out
}

// estimateRemaining is (left × elapsed so far) / done.
func estimateRemaining(left, done int, soFar time.Duration) time.Duration {
	if done <= 0 || left <= 0 {
		return 0
	}
	return time.Duration(int64(soFar) * int64(left) / int64(done))
}

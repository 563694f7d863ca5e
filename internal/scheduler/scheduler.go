package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tastythames/ssh-fleet/internal/cache"
	"github.com/tastythames/ssh-fleet/internal/metrics"
)

const (
	DefaultLocalAttempts = 3
	DefaultGlobalPasses  = 2
	DefaultRemoteRoot    = "/tmp"
	DefaultScratchPrefix = "cluster_instance"
	DefaultCoreDir       = "/tmp/ssh_fleet_core"
)

type Options struct {
	Hosts []Host
	Jobs  []Job

	// CorePackage is staged once per host into CoreDir. When set, jobs'
	// RequiredFiles are not uploaded and each command must copy CoreDir
	// into its scratch directory itself (see CoreExpandCommand).
	CorePackage []TransferableFile

	Dial DialFunc

	// LocalAttempts is the number of attempts per job per pass.
	LocalAttempts int
	// GlobalPasses is the number of passes over the still failing jobs.
	GlobalPasses int
	// JobTimeout bounds one remote command; zero means no limit.
	JobTimeout time.Duration

	RemoteRoot    string
	ScratchPrefix string
	CoreDir       string

	ReconnectBackoff func() backoff.BackOff
	Metrics          *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.LocalAttempts <= 0 {
		o.LocalAttempts = DefaultLocalAttempts
	}
	if o.GlobalPasses <= 0 {
		o.GlobalPasses = DefaultGlobalPasses
	}
	if o.RemoteRoot == "" {
		o.RemoteRoot = DefaultRemoteRoot
	}
	if o.ScratchPrefix == "" {
		o.ScratchPrefix = DefaultScratchPrefix
	}
	if o.CoreDir == "" {
		o.CoreDir = DefaultCoreDir
	}
	if o.ReconnectBackoff == nil {
		o.ReconnectBackoff = defaultReconnectBackoff
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	return o
}

func (o Options) validate() error {
	if len(o.Hosts) == 0 {
		return fmt.Errorf("no hosts")
	}
	for _, h := range o.Hosts {
		if h.Slots <= 0 {
			return fmt.Errorf("host %s: slots must be positive, got %d", h.Name(), h.Slots)
		}
	}
	if o.Dial == nil {
		return fmt.Errorf("no dial function")
	}
	return nil
}

// Scheduler runs batches of jobs greedily over a fixed set of slots. It can
// be reused for several runs; slots stay connected in between.
type Scheduler struct {
	opts    Options
	slots   []*Slot
	pool    *Pool
	tracker *Tracker
	metrics *metrics.Metrics

	coreStaged bool

	runMu sync.Mutex
}

// New authenticates every slot and stages the core package. Any failure
// closes what was opened and aborts: there are no partial fleets.
func New(ctx context.Context, opts Options) (*Scheduler, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		opts:    opts,
		tracker: newTracker(opts.Metrics),
		metrics: opts.Metrics,
	}

	if err := s.connectAll(ctx); err != nil {
		return nil, err
	}

	if len(opts.CorePackage) > 0 {
		if err := s.stageCore(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.coreStaged = true
	}

	s.pool = newPool(s.slots, s.metrics)
	log.Printf("fleet ready: %d hosts, %d slots", len(opts.Hosts), len(s.slots))
	return s, nil
}

func (s *Scheduler) connectAll(ctx context.Context) error {
	for hi, h := range s.opts.Hosts {
		for i := 0; i < h.Slots; i++ {
			s.slots = append(s.slots, &Slot{
				ID:      len(s.slots),
				Host:    h,
				hostIdx: hi,
				dial:    s.opts.Dial,
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range s.slots {
		g.Go(func() error {
			conn, err := slot.dial(gctx, slot.Host)
			if err != nil {
				return &AuthError{Host: slot.Host.Name(), Slot: slot.ID, Err: err}
			}
			slot.conn = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// Start runs the jobs given at construction.
func (s *Scheduler) Start(ctx context.Context) (*Report, error) {
	return s.Run(ctx, s.opts.Jobs)
}

// Run dispatches jobs over the pool in up to GlobalPasses passes. Job
// failures never surface as errors: the report has one result per job, with
// FailedExitCode for jobs still failing. The error is non-nil only when ctx
// ended before the run finished.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) (*Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.coreStaged {
		warnIgnoredRequiredFiles(jobs)
	}

	log.Printf("about to run %d jobs on %d hosts (%d slots)", len(jobs), len(s.opts.Hosts), s.pool.Size())
	s.tracker.beginRun(len(jobs))

	final := make([]ExecutionResult, len(jobs))
	lastFailed := make(map[int]ExecutionResult)
	lastErr := make(map[int]error)

	pending := make([]int, len(jobs))
	for i := range pending {
		pending[i] = i
	}

	passes := 0
	for passes < s.opts.GlobalPasses && len(pending) > 0 && ctx.Err() == nil {
		passes++
		outcomes := s.runPass(ctx, passes, jobs, pending)

		var next []int
		for _, idx := range pending {
			o, ok := outcomes[idx]
			if ok && o.state == stateSucceeded {
				final[idx] = o.result
				continue
			}
			if ok && o.state == stateLocallyFailed {
				lastFailed[idx] = o.result
			}
			if ok && o.err != nil {
				lastErr[idx] = o.err
			}
			next = append(next, idx)
		}
		if len(next) > 0 && passes < s.opts.GlobalPasses {
			log.WithField("pass", passes).Warnf("%d jobs failed or dropped, retrying them in a new pass", len(next))
		}
		pending = next
	}

	for _, idx := range pending {
		if r, ok := lastFailed[idx]; ok {
			final[idx] = r
			continue
		}
		final[idx] = failedResult(jobs[idx], 0, droppedMessage(jobs[idx], passes, lastErr[idx]))
	}
	if len(pending) > 0 {
		log.Errorf("%d jobs still failing after %d passes", len(pending), passes)
	}

	return newReport(final, passes), ctx.Err()
}

// warnIgnoredRequiredFiles reports jobs whose RequiredFiles will not be
// uploaded because a core package is in use.
func warnIgnoredRequiredFiles(jobs []Job) {
	n := 0
	for _, j := range jobs {
		if len(j.RequiredFiles) > 0 {
			n++
		}
	}
	if n > 0 {
		log.Warnf("%d jobs declare required files, which are not uploaded when a core package is staged; put them in the core package", n)
	}
}

func droppedMessage(job Job, passes int, err error) string {
	if err == nil {
		return fmt.Sprintf("job %s did not complete after %d passes", job.ID, passes)
	}
	return fmt.Sprintf("job %s did not complete after %d passes: %v", job.ID, passes, err)
}

// runPass feeds the pending jobs, in order, to one worker per slot and waits
// for all of them to finish.
func (s *Scheduler) runPass(ctx context.Context, pass int, jobs []Job, pending []int) map[int]passOutcome {
	s.tracker.beginPass(pass, len(pending), pass == s.opts.GlobalPasses)

	out := cache.NewMemCache[int, passOutcome]()
	queue := make(chan int)

	var wg sync.WaitGroup
	workers := min(s.pool.Size(), len(pending))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id, jobs, queue, out)
		}(i)
	}

feed:
	for _, idx := range pending {
		select {
		case <-ctx.Done():
			break feed
		case queue <- idx:
		}
	}
	close(queue)
	wg.Wait()

	return out.Snapshot()
}

// Slots is the total number of slots in the fleet.
func (s *Scheduler) Slots() int { return len(s.slots) }

// StagingEvents reports how many times the core package was staged per host.
func (s *Scheduler) StagingEvents() map[string]int { return s.tracker.StagingEvents() }

// Close closes every slot connection.
func (s *Scheduler) Close() error {
	var result *multierror.Error
	for _, slot := range s.slots {
		if err := slot.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", slot, err))
		}
	}
	return result.ErrorOrNil()
}

package scheduler

import (
	"context"
	"errors"
	"os"
	"path"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// stageCore transfers the core package once per host, using the first slot
// of each host, all hosts in parallel.
func (s *Scheduler) stageCore(ctx context.Context) error {
	firsts := make(map[int]*Slot, len(s.opts.Hosts))
	for _, slot := range s.slots {
		if _, ok := firsts[slot.hostIdx]; !ok {
			firsts[slot.hostIdx] = slot
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, slot := range firsts {
		g.Go(func() error {
			return s.stageOn(ctx, slot)
		})
	}
	return g.Wait()
}

func (s *Scheduler) stageOn(ctx context.Context, slot *Slot) error {
	host := slot.Host.Name()
	logger := log.WithFields(slot.logFields()).WithField("host", host)
	conn := slot.conn

	// Leftovers of previous runs; failing to clean them is not fatal.
	stale := shellQuote(path.Join(s.opts.RemoteRoot, s.opts.ScratchPrefix+"_")) + "*"
	if out, err := conn.Exec(ctx, "rm -rf "+stale); err != nil {
		logger.Warnf("could not remove stale scratch directories: %v", err)
	} else if out.ExitCode != 0 {
		logger.Warnf("could not remove stale scratch directories: exit status %d", out.ExitCode)
	}

	if err := conn.Mkdir(s.opts.CoreDir); err != nil && !errors.Is(err, os.ErrExist) {
		return &StagingError{Host: host, Err: err}
	}
	for _, f := range s.opts.CorePackage {
		if err := conn.Upload(f.LocalPath, resolveRemote(s.opts.CoreDir, f.RemotePath)); err != nil {
			return &StagingError{Host: host, Err: err}
		}
	}

	s.tracker.stagedOn(host)
	logger.Infof("core package transferred (%d files) to %s", len(s.opts.CorePackage), s.opts.CoreDir)
	return nil
}

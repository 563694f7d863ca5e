package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
)

// cleanupTimeout bounds the best-effort removal of a scratch directory.
const cleanupTimeout = 30 * time.Second

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeJobFailure
	outcomeTransportFailure
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeJobFailure:
		return "job failure"
	default:
		return "transport failure"
	}
}

// attempt is the tagged result of running the protocol once.
type attempt struct {
	kind   outcomeKind
	result ExecutionResult
	err    error
}

func transportFailure(op string, err error) attempt {
	return attempt{kind: outcomeTransportFailure, err: &TransportError{Op: op, Err: err}}
}

// execute stages, runs, retrieves and cleans up job on slot.
func (s *Scheduler) execute(ctx context.Context, slot *Slot, job Job) attempt {
	start := time.Now()
	conn := slot.conn
	dir := s.scratchDir(job.ID)
	logger := log.WithFields(slot.logFields()).WithFields(log.Fields{"job": job.ID, "dir": dir})

	if err := s.makeScratch(ctx, conn, dir, logger); err != nil {
		return transportFailure("mkdir", err)
	}
	defer s.removeScratch(conn, dir, logger)

	if !s.coreStaged {
		for _, f := range job.RequiredFiles {
			if err := conn.Upload(f.LocalPath, resolveRemote(dir, f.RemotePath)); err != nil {
				return transportFailure("upload", err)
			}
		}
	}

	runCtx := ctx
	if s.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
	}

	logger.Debugf("executing: %s", job.Command)
	out, err := conn.Exec(runCtx, remoteCommand(dir, job.Command))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", s.opts.JobTimeout, err)
		}
		return transportFailure("exec", err)
	}

	result := ExecutionResult{
		JobID:    job.ID,
		Payload:  job.Payload,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	}
	if out.ExitCode != 0 {
		result.Elapsed = time.Since(start)
		return attempt{
			kind:   outcomeJobFailure,
			result: result,
			err:    fmt.Errorf("exit status %d", out.ExitCode),
		}
	}

	for _, f := range job.ReturnFiles {
		if err := conn.Download(resolveRemote(dir, f.RemotePath), f.LocalPath); err != nil {
			return transportFailure("download", err)
		}
	}

	result.Elapsed = time.Since(start)
	logger.Debugf("finished in %s", result.Elapsed.Round(time.Millisecond))
	return attempt{kind: outcomeSuccess, result: result}
}

// makeScratch creates dir; a stale leftover is wiped and creation retried once.
func (s *Scheduler) makeScratch(ctx context.Context, conn Conn, dir string, logger *log.Entry) error {
	err := conn.Mkdir(dir)
	if !errors.Is(err, os.ErrExist) {
		return err
	}
	logger.Warn("scratch directory already exists, removing stale copy")
	if err := removeRemote(ctx, conn, dir); err != nil {
		return err
	}
	return conn.Mkdir(dir)
}

func (s *Scheduler) removeScratch(conn Conn, dir string, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := removeRemote(ctx, conn, dir); err != nil {
		logger.Warnf("could not remove scratch directory: %v", err)
	}
}

func removeRemote(ctx context.Context, conn Conn, target string) error {
	out, err := conn.Exec(ctx, "rm -rf "+shellQuote(target))
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("rm -rf %s: exit status %d: %s", target, out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return nil
}

// scratchDir names a fresh directory for one attempt. The ULID carries a
// millisecond timestamp and monotonic entropy, so concurrent attempts of
// jobs sharing an ID still get distinct names.
func (s *Scheduler) scratchDir(jobID string) string {
	name := fmt.Sprintf("%s_%s-%s", s.opts.ScratchPrefix, sanitizeID(jobID), strings.ToLower(ulid.Make().String()))
	return path.Join(s.opts.RemoteRoot, name)
}

func remoteCommand(dir, command string) string {
	return fmt.Sprintf("cd %s ; sh -c '%s'", dir, command)
}

func resolveRemote(base, p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(base, p)
}

func sanitizeID(id string) string {
	if id == "" {
		return "job"
	}
	b := []byte(id)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// CoreExpandCommand prefixes command with a copy of the staged core package
// into the job's scratch directory. Jobs must do this themselves when a core
// package is in use.
func CoreExpandCommand(coreDir, command string) string {
	return fmt.Sprintf("cp -a %s/. . ; %s", coreDir, command)
}

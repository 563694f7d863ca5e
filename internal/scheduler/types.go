package scheduler

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

// FailedExitCode marks a job that is still failing after all retries.
const FailedExitCode = -1

// Host is one remote machine and the number of jobs it runs in parallel.
type Host struct {
	Slots int
	sshclient.Endpoint

	// Labels are attached to every log entry about the host's slots.
	Labels map[string]string
}

// Name identifies the host in logs and staging counters.
func (h Host) Name() string {
	if h.Port > 0 {
		return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
	}
	return h.Address
}

// TransferableFile pairs a local path with a remote one. Relative remote
// paths are resolved against the job's scratch directory (or the core
// directory when staging the core package).
type TransferableFile struct {
	LocalPath  string `yaml:"local"`
	RemotePath string `yaml:"remote"`
}

type Job struct {
	ID            string
	Command       string
	RequiredFiles []TransferableFile
	ReturnFiles   []TransferableFile

	// Payload is handed back untouched in the job's ExecutionResult.
	Payload any
}

type ExecutionResult struct {
	JobID    string
	Payload  any
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration

	// Attempts made in the pass that produced this result.
	Attempts int
}

func (r ExecutionResult) Succeeded() bool { return r.ExitCode == 0 }

// Report is what one Run produced. Results has exactly one entry per
// submitted job, in submission order.
type Report struct {
	Results    []ExecutionResult
	Succeeded  int
	Failed     int
	Passes     int
	AvgElapsed time.Duration
	MaxElapsed time.Duration
}

func newReport(results []ExecutionResult, passes int) *Report {
	r := &Report{Results: results, Passes: passes}
	var total time.Duration
	for _, res := range results {
		if !res.Succeeded() {
			r.Failed++
			continue
		}
		r.Succeeded++
		total += res.Elapsed
		if res.Elapsed > r.MaxElapsed {
			r.MaxElapsed = res.Elapsed
		}
	}
	if r.Succeeded > 0 {
		r.AvgElapsed = total / time.Duration(r.Succeeded)
	}
	return r
}

// Conn is one authenticated remote-shell and file-transfer connection.
// *sshclient.Client implements it.
type Conn interface {
	Exec(ctx context.Context, cmd string) (sshclient.Output, error)
	Mkdir(dir string) error
	Upload(localPath, remotePath string) error
	Download(remotePath, localPath string) error
	Close() error
}

// DialFunc authenticates a new connection to h. Slots call it again with the
// same Host to reconnect.
type DialFunc func(ctx context.Context, h Host) (Conn, error)

// SSHDialer dials hosts with sshclient.Dial.
func SSHDialer(cfg sshclient.Config) DialFunc {
	return func(ctx context.Context, h Host) (Conn, error) {
		c, err := sshclient.Dial(ctx, cfg, h.Endpoint)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

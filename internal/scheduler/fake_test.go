package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

var errLink = errors.New("connection reset by peer")

// behaviour decides what the n-th (1-based) run of a job command does.
type behaviour func(ctx context.Context, n int) (sshclient.Output, error)

func exitWith(code int) behaviour {
	return func(context.Context, int) (sshclient.Output, error) {
		return sshclient.Output{Stdout: "out\n", Stderr: "err\n", ExitCode: code}, nil
	}
}

func failFirst(n int) behaviour {
	return func(_ context.Context, call int) (sshclient.Output, error) {
		if call <= n {
			return sshclient.Output{Stderr: "not yet\n", ExitCode: 1}, nil
		}
		return sshclient.Output{Stdout: "finally\n"}, nil
	}
}

func dropFirst(n int) behaviour {
	return func(_ context.Context, call int) (sshclient.Output, error) {
		if call <= n {
			return sshclient.Output{}, errLink
		}
		return sshclient.Output{Stdout: "ok\n"}, nil
	}
}

func alwaysDrop() behaviour {
	return func(context.Context, int) (sshclient.Output, error) {
		return sshclient.Output{}, errLink
	}
}

// failThenDrop exits non-zero on the first run and breaks the link after.
func failThenDrop() behaviour {
	return func(_ context.Context, call int) (sshclient.Output, error) {
		if call == 1 {
			return sshclient.Output{Stderr: "bad input\n", ExitCode: 5}, nil
		}
		return sshclient.Output{}, errLink
	}
}

func hang() behaviour {
	return func(ctx context.Context, _ int) (sshclient.Output, error) {
		<-ctx.Done()
		return sshclient.Output{}, ctx.Err()
	}
}

// fakeFleet stands in for a set of remote machines sharing one filesystem.
type fakeFleet struct {
	t     *testing.T
	delay time.Duration

	mu          sync.Mutex
	behaviours  map[string]behaviour
	calls       map[string]int
	inFlight    int
	maxInFlight int
	dials       map[string]int
	closes      int
	uploads     map[string]int
	dirs        map[string]bool
	scratchDirs []string

	dialErr   func(h Host, n int) error
	uploadErr error
}

func newFakeFleet(t *testing.T) *fakeFleet {
	return &fakeFleet{
		t:          t,
		behaviours: make(map[string]behaviour),
		calls:      make(map[string]int),
		dials:      make(map[string]int),
		uploads:    make(map[string]int),
		dirs:       make(map[string]bool),
	}
}

func (f *fakeFleet) on(cmd string, b behaviour) *fakeFleet {
	f.behaviours[cmd] = b
	return f
}

func (f *fakeFleet) dial(_ context.Context, h Host) (Conn, error) {
	f.mu.Lock()
	f.dials[h.Name()]++
	n := f.dials[h.Name()]
	f.mu.Unlock()

	if f.dialErr != nil {
		if err := f.dialErr(h, n); err != nil {
			return nil, err
		}
	}
	return &fakeConn{fleet: f, host: h}, nil
}

func (f *fakeFleet) callCount(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[cmd]
}

func (f *fakeFleet) dialCount(h Host) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[h.Name()]
}

func (f *fakeFleet) uploadCount(h Host) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[h.Name()]
}

type fakeConn struct {
	fleet  *fakeFleet
	host   Host
	broken bool
	closed bool
}

func (c *fakeConn) check() error {
	if c.closed {
		return errors.New("use of closed connection")
	}
	if c.broken {
		return errLink
	}
	return nil
}

func (c *fakeConn) Exec(ctx context.Context, cmd string) (sshclient.Output, error) {
	if err := c.check(); err != nil {
		return sshclient.Output{}, err
	}
	f := c.fleet

	if strings.HasPrefix(cmd, "rm -rf ") {
		target := strings.Trim(strings.TrimPrefix(cmd, "rm -rf "), "'*")
		f.mu.Lock()
		for d := range f.dirs {
			if strings.HasPrefix(d, target) {
				delete(f.dirs, d)
			}
		}
		f.mu.Unlock()
		return sshclient.Output{}, nil
	}

	i := strings.Index(cmd, "sh -c '")
	if i < 0 {
		f.t.Errorf("unexpected remote command %q", cmd)
		return sshclient.Output{ExitCode: 127}, nil
	}
	job := strings.TrimSuffix(cmd[i+len("sh -c '"):], "'")

	f.mu.Lock()
	f.calls[job]++
	n := f.calls[job]
	b, ok := f.behaviours[job]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if !ok {
		b = exitWith(0)
	}
	out, err := b(ctx, n)
	if err != nil {
		c.broken = true
	}
	return out, err
}

func (c *fakeConn) Mkdir(dir string) error {
	if err := c.check(); err != nil {
		return err
	}
	f := c.fleet
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirs[dir] {
		return fmt.Errorf("mkdir %s: %w", dir, os.ErrExist)
	}
	f.dirs[dir] = true
	f.scratchDirs = append(f.scratchDirs, dir)
	return nil
}

func (c *fakeConn) Upload(localPath, remotePath string) error {
	if err := c.check(); err != nil {
		return err
	}
	f := c.fleet
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.mu.Lock()
	f.uploads[c.host.Name()]++
	f.mu.Unlock()
	return nil
}

func (c *fakeConn) Download(remotePath, localPath string) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte("from "+remotePath), 0o644)
}

func (c *fakeConn) Close() error {
	c.closed = true
	c.fleet.mu.Lock()
	c.fleet.closes++
	c.fleet.mu.Unlock()
	return nil
}

func hosts(slots ...int) []Host {
	out := make([]Host, len(slots))
	for i, n := range slots {
		out[i] = Host{
			Slots: n,
			Endpoint: sshclient.Endpoint{
				Address:    fmt.Sprintf("worker%d", i+1),
				User:       "fleet",
				Credential: sshclient.Password("pw"),
			},
		}
	}
	return out
}

func quickBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func newTestScheduler(t *testing.T, f *fakeFleet, opts Options) *Scheduler {
	t.Helper()
	opts.Dial = f.dial
	if opts.ReconnectBackoff == nil {
		opts.ReconnectBackoff = quickBackoff
	}
	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func jobsOf(n int, cmd string) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{ID: fmt.Sprintf("job-%d", i), Command: cmd, Payload: i}
	}
	return jobs
}

// captureLogs records every standard logger entry until the test ends.
func captureLogs(t *testing.T) *logtest.Hook {
	t.Helper()
	hook := new(logtest.Hook)
	old := log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	log.AddHook(hook)
	t.Cleanup(func() { log.StandardLogger().ReplaceHooks(old) })
	return hook
}

func hasWarning(hook *logtest.Hook, text string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.Contains(e.Message, text) {
			return true
		}
	}
	return false
}

package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client is one authenticated SSH connection with an SFTP subsystem on top.
// It is not safe for concurrent use; callers own it exclusively.
type Client struct {
	cfg Config

	ssh  *ssh.Client
	sftp *sftp.Client
}

// Output is what a remote command printed and how it exited.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Dial connects to ep, authenticates and opens the SFTP subsystem.
func Dial(ctx context.Context, cfg Config, ep Endpoint) (*Client, error) {
	if ep.Address == "" {
		return nil, fmt.Errorf("ssh address is empty")
	}
	if ep.User == "" {
		return nil, fmt.Errorf("ssh user is empty")
	}

	auth, err := authMethods(cfg.localFs(), ep.Credential)
	if err != nil {
		return nil, err
	}
	hk, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         cfg.Timeout,
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	conn, err := dialContext(ctx, cfg, ep)
	if err != nil {
		return nil, err
	}

	// The handshake and the SFTP subsystem request can hang on a silent
	// peer; closing conn unblocks both.
	type opened struct {
		client *Client
		err    error
	}
	addr := ep.addr(cfg.Port)
	done := make(chan opened, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
		if err != nil {
			done <- opened{err: fmt.Errorf("ssh handshake %s: %w", addr, err)}
			return
		}
		client := ssh.NewClient(c, chans, reqs)
		sftpClient, err := sftp.NewClient(client)
		if err != nil {
			_ = client.Close()
			done <- opened{err: fmt.Errorf("open sftp subsystem: %w", err)}
			return
		}
		done <- opened{client: &Client{cfg: cfg, ssh: client, sftp: sftpClient}}
	}()

	var o opened
	select {
	case <-ctx.Done():
		_ = conn.Close()
		go func() {
			if late := <-done; late.client != nil {
				_ = late.client.Close()
			}
		}()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, ctx.Err())
	case o = <-done:
	}
	if o.err != nil {
		_ = conn.Close()
		return nil, o.err
	}

	if cfg.KeepAlive > 0 {
		go o.client.keepAlive(cfg.KeepAlive)
	}
	return o.client, nil
}

// keepAlive sends a global request every interval and closes the connection
// when one goes unanswered for a whole interval. It returns once the
// connection is closed.
func (c *Client) keepAlive(interval time.Duration) {
	closed := make(chan struct{})
	go func() {
		_ = c.ssh.Wait()
		close(closed)
	}()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-closed:
			return
		case <-t.C:
		}

		replied := make(chan error, 1)
		go func() {
			_, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil)
			replied <- err
		}()
		select {
		case <-closed:
			return
		case err := <-replied:
			if err == nil {
				continue
			}
		case <-time.After(interval):
		}
		_ = c.ssh.Close()
		return
	}
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsFile == "" {
		// lab default: accept whatever the fleet presents
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Exec runs cmd with a pseudo-terminal and waits for it. Output is drained
// completely before the exit status is read. A non-zero exit is reported in
// Output.ExitCode, not as an error. ctx covers session setup as well: when it
// ends first the remote process is killed, or the connection is closed if no
// session was opened yet, and ctx.Err() is returned.
func (c *Client) Exec(ctx context.Context, cmd string) (Output, error) {
	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	opened := make(chan *ssh.Session, 1)

	go func() {
		out, err := c.run(cmd, opened)
		done <- result{out: out, err: err}
	}()

	var sess *ssh.Session
	for {
		select {
		case sess = <-opened:
			opened = nil
		case r := <-done:
			return r.out, r.err
		case <-ctx.Done():
			if sess == nil {
				// stuck opening a channel: the connection itself is unusable
				_ = c.ssh.Close()
				return Output{}, ctx.Err()
			}
			_ = sess.Signal(ssh.SIGKILL)
			_ = sess.Close()
			return Output{}, ctx.Err()
		}
	}
}

// run opens a session, hands it to opened and runs cmd to completion.
func (c *Client) run(cmd string, opened chan<- *ssh.Session) (Output, error) {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()
	opened <- sess

	modes := ssh.TerminalModes{ssh.ECHO: 0}
	if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
		return Output{}, fmt.Errorf("request pty: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return Output{}, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return Output{}, err
	}
	if err := sess.Start(cmd); err != nil {
		return Output{}, fmt.Errorf("start command: %w", err)
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	var errCopy error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errCopy = io.Copy(&errBuf, stderr)
	}()
	_, outCopy := io.Copy(&outBuf, stdout)
	wg.Wait()

	out := Output{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if err := errors.Join(outCopy, errCopy); err != nil {
		return out, fmt.Errorf("read output: %w", err)
	}

	waitErr := sess.Wait()
	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
	default:
		return out, fmt.Errorf("wait command: %w", waitErr)
	}
	return out, nil
}

// Mkdir creates dir. An already existing path yields an error wrapping
// os.ErrExist.
func (c *Client) Mkdir(dir string) error {
	err := c.sftp.Mkdir(dir)
	if err == nil {
		return nil
	}
	if _, statErr := c.sftp.Stat(dir); statErr == nil {
		return fmt.Errorf("mkdir %s: %w", dir, os.ErrExist)
	}
	return fmt.Errorf("mkdir %s: %w", dir, err)
}

// Upload copies a local file to the remote path, keeping its permission bits.
func (c *Client) Upload(localPath, remotePath string) error {
	fs := c.cfg.localFs()
	src, err := fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote %s: %w", remotePath, err)
	}

	if fi, err := src.Stat(); err == nil {
		if err := c.sftp.Chmod(remotePath, fi.Mode().Perm()); err != nil {
			return fmt.Errorf("chmod remote %s: %w", remotePath, err)
		}
	}
	return nil
}

// Download copies a remote file to localPath, creating missing parent
// directories.
func (c *Client) Download(remotePath, localPath string) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	fs := c.cfg.localFs()
	if dir := filepath.Dir(localPath); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir local %s: %w", dir, err)
		}
	}
	dst, err := fs.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local %s: %w", localPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	return dst.Close()
}

func (c *Client) Close() error {
	sftpErr := c.sftp.Close()
	sshErr := c.ssh.Close()
	if sshErr != nil && !errors.Is(sshErr, net.ErrClosed) {
		return sshErr
	}
	if sftpErr != nil && !errors.Is(sftpErr, net.ErrClosed) && !errors.Is(sftpErr, io.EOF) {
		return sftpErr
	}
	return nil
}

package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/spf13/afero"
)

// ResolveProxyCommand returns the proxy command to reach ep, already expanded.
// An explicit Endpoint.ProxyCommand wins over the ssh client config file.
// An empty result means a direct TCP dial.
func ResolveProxyCommand(cfg Config, ep Endpoint) (string, error) {
	raw := ep.ProxyCommand
	if raw == "" && cfg.SSHConfigFile != "" {
		var err error
		raw, err = lookupProxyCommand(cfg.localFs(), cfg.SSHConfigFile, ep.Address)
		if err != nil {
			return "", err
		}
	}
	if raw == "" || strings.EqualFold(raw, "none") {
		return "", nil
	}
	port := ep.Port
	if port <= 0 {
		port = cfg.Port
	}
	return expandProxyTokens(raw, ep.Address, port, ep.User), nil
}

func lookupProxyCommand(fs afero.Fs, path, host string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	sc, err := ssh_config.Decode(f)
	if err != nil {
		return "", fmt.Errorf("parse ssh config %s: %w", path, err)
	}
	v, err := sc.Get(host, "ProxyCommand")
	if err != nil {
		return "", fmt.Errorf("ssh config lookup %s: %w", host, err)
	}
	return strings.TrimSpace(v), nil
}

// expandProxyTokens handles the ssh_config tokens a ProxyCommand usually carries.
func expandProxyTokens(cmd, host string, port int, user string) string {
	var b strings.Builder
	for i := 0; i < len(cmd); i++ {
		if cmd[i] != '%' || i == len(cmd)-1 {
			b.WriteByte(cmd[i])
			continue
		}
		i++
		switch cmd[i] {
		case 'h':
			b.WriteString(host)
		case 'p':
			b.WriteString(strconv.Itoa(port))
		case 'r':
			b.WriteString(user)
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(cmd[i])
		}
	}
	return b.String()
}

// proxyConn adapts a proxy command's stdin/stdout to a net.Conn. Close
// kills and reaps the command.
type proxyConn struct {
	cmd *exec.Cmd
	r   io.ReadCloser
	w   io.WriteCloser

	closeOnce sync.Once
}

func dialProxy(command string) (net.Conn, error) {
	cmd := exec.Command("sh", "-c", command)
	w, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	r, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start proxy command %q: %w", command, err)
	}
	return &proxyConn{cmd: cmd, r: r, w: w}, nil
}

func (p *proxyConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *proxyConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *proxyConn) Close() error {
	p.closeOnce.Do(func() {
		_ = p.w.Close()
		_ = p.r.Close()
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	})
	return nil
}

func (p *proxyConn) LocalAddr() net.Addr  { return proxyAddr("local") }
func (p *proxyConn) RemoteAddr() net.Addr { return proxyAddr(strings.Join(p.cmd.Args, " ")) }

// Pipes carry no deadlines; Dial bounds the handshake by closing the conn.
func (p *proxyConn) SetDeadline(time.Time) error      { return nil }
func (p *proxyConn) SetReadDeadline(time.Time) error  { return nil }
func (p *proxyConn) SetWriteDeadline(time.Time) error { return nil }

type proxyAddr string

func (a proxyAddr) Network() string { return "proxy" }
func (a proxyAddr) String() string  { return string(a) }

func dialContext(ctx context.Context, cfg Config, ep Endpoint) (net.Conn, error) {
	proxy, err := ResolveProxyCommand(cfg, ep)
	if err != nil {
		return nil, err
	}
	if proxy != "" {
		return dialProxy(proxy)
	}
	dialer := net.Dialer{Timeout: cfg.Timeout}
	return dialer.DialContext(ctx, "tcp", ep.addr(cfg.Port))
}

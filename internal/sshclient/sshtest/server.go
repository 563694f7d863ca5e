// Package sshtest runs an in-process SSH server with exec and SFTP support
// for tests. Commands run locally under sh and SFTP serves the local
// filesystem, so remote paths are ordinary temp directories.
package sshtest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type Option func(*ssh.ServerConfig)

func WithPasswordAuth(user, pass string) Option {
	return func(config *ssh.ServerConfig) {
		config.PasswordCallback = func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(password) == pass {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		}
	}
}

func WithPublicKeyAuth(authorizedKey ssh.PublicKey) Option {
	return func(config *ssh.ServerConfig) {
		config.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
}

type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	handshakes atomic.Int64
	execs      atomic.Int64
	stalled    atomic.Bool
}

// Start listens on a random loopback port until the test ends.
func Start(t *testing.T, opts ...Option) *Server {
	t.Helper()

	hostPrivKey, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPrivKey)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	config := &ssh.ServerConfig{}
	for _, opt := range opts {
		opt(config)
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		HostKey:  hostSigner.PublicKey(),
		listener: listener,
		config:   config,
		conns:    make(map[net.Conn]struct{}),
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return // listener closed
			}
			s.track(conn, true)
			go s.handleConn(conn)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		s.DropAll()
	})
	return s
}

func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Handshakes counts successful authentications.
func (s *Server) Handshakes() int { return int(s.handshakes.Load()) }

// Execs counts exec requests served.
func (s *Server) Execs() int { return int(s.execs.Load()) }

// StallSessions makes the server leave new session channels and global
// requests unanswered, like a peer whose network went away without closing
// the connection.
func (s *Server) StallSessions() { s.stalled.Store(true) }

// DropAll closes every live connection, simulating a network failure.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		conn.Close()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	s.handshakes.Add(1)

	go s.handleGlobal(reqs)

	for newChannel := range chans {
		if s.stalled.Load() {
			continue
		}
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

// handleGlobal refuses global requests such as keepalives, or ignores them
// while stalled.
func (s *Server) handleGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply && !s.stalled.Load() {
			req.Reply(false, nil)
		}
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req", "env":
			req.Reply(true, nil)
		case "signal":
			// kill requests end the session
			channel.Close()
		case "subsystem":
			if payloadString(req.Payload) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				channel.Close()
				return
			}
			server.Serve()
			server.Close()
			return
		case "exec":
			req.Reply(true, nil)
			s.execs.Add(1)
			go s.runCommand(channel, payloadString(req.Payload))
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runCommand(channel ssh.Channel, command string) {
	defer channel.Close()

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	status := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		} else {
			status = 127
		}
	}
	_ = channel.CloseWrite()
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{uint32(status)}))
}

func payloadString(p []byte) string {
	if len(p) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(p[:4])
	if int(n) > len(p)-4 {
		return ""
	}
	return string(p[4 : 4+n])
}

// Package transport owns the one SSH connection a session holds to its
// instance: command execution, file transfer, wipe, and a tunnel dialer for
// the instance-local inference endpoint.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// State tracks the connection lifecycle. Failed is terminal for a Session:
// callers build a fresh Session to try again, nothing reconnects silently
// mid-command.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotConnected means the operation needs an established connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrUnreachable means the connect retry budget ran out.
	ErrUnreachable = errors.New("transport: host unreachable")
	// ErrPathRejected means a transfer path resolved outside its allowed root.
	ErrPathRejected = errors.New("transport: path outside allowed root")
	// ErrRemoteNotFound means the requested remote file does not exist.
	ErrRemoteNotFound = errors.New("transport: remote file not found")
)

// Config describes how to reach and confine one instance.
type Config struct {
	Host string
	Port int
	User string

	// KeyPath is the private key used for auth. An ssh-agent at
	// SSH_AUTH_SOCK is consulted as well when present.
	KeyPath  string
	Password string

	HandshakeTimeout time.Duration

	// RemoteRoots and LocalRoots are the only directories transfers may
	// touch, on each side respectively.
	RemoteRoots []string
	LocalRoots  []string
}

func (c *Config) setDefaults() {
	if c.User == "" {
		c.User = "root"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 60 * time.Second
	}
}

// Session is one SSH connection to one instance. Reconnecting replaces the
// connection, never the identity.
type Session struct {
	cfg Config

	mu      sync.Mutex
	state   State
	retries int
	ssh     *ssh.Client
	sftp    *sftp.Client

	// dial is swapped in tests.
	dial func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)
	// sleep is swapped in tests to observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
	// execRun is swapped in tests that script command outcomes.
	execRun func(ctx context.Context, command string, opts RunOpts) (Result, error)
}

// NewSession builds a disconnected session for the endpoint in cfg.
func NewSession(cfg Config) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:   cfg,
		state: StateDisconnected,
		dial:  dialSSH,
		sleep: sleepCtx,
	}
	s.execRun = s.sshRun
	return s
}

// State reports the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries reports how many connection attempts have failed so far.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect establishes the SSH connection, retrying with exponential backoff.
// Instances report RUNNING before sshd accepts connections; the retry budget
// absorbs that race. maxRetries counts retries after the first attempt, so
// the total attempt count is maxRetries+1. A zero backoff defaults to one
// second, doubling per retry.
func (s *Session) Connect(ctx context.Context, maxRetries int, backoff time.Duration) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = time.Second
	}

	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateFailed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already failed", ErrUnreachable)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	sshCfg, err := s.clientConfig()
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))

	var lastErr error
	wait := backoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				s.setState(StateFailed)
				return fmt.Errorf("%w: %v", ErrUnreachable, err)
			}
			if wait < 30*time.Second {
				wait *= 2
			}
		}

		client, err := s.dial(ctx, addr, sshCfg)
		if err == nil {
			s.mu.Lock()
			s.ssh = client
			s.state = StateConnected
			s.mu.Unlock()
			return nil
		}
		lastErr = err
		s.mu.Lock()
		s.retries++
		s.mu.Unlock()
	}

	s.setState(StateFailed)
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnreachable, addr, maxRetries+1, lastErr)
}

func (s *Session) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if s.cfg.KeyPath != "" {
		key, err := os.ReadFile(s.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			var passErr *ssh.PassphraseMissingError
			if errors.As(err, &passErr) {
				return nil, fmt.Errorf("ssh key %s is passphrase-protected; load it into ssh-agent", s.cfg.KeyPath)
			}
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if s.cfg.Password != "" {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh auth available: set an ssh key path or start ssh-agent")
	}

	return &ssh.ClientConfig{
		User: s.cfg.User,
		Auth: auth,
		// The instance is created seconds before we connect and dies with the
		// session; there is no prior host key to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.cfg.HandshakeTimeout,
	}, nil
}

// DialContext opens a stream to an address as seen from the instance, over
// the SSH connection. The inference client uses this to reach the
// loopback-only model server.
func (s *Session) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	s.mu.Lock()
	client := s.ssh
	st := s.state
	s.mu.Unlock()
	if st != StateConnected || client == nil {
		return nil, ErrNotConnected
	}
	return client.DialContext(ctx, network, addr)
}

// Close tears the connection down and returns the session to DISCONNECTED.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.sftp != nil {
		if err := s.sftp.Close(); err != nil {
			firstErr = err
		}
		s.sftp = nil
	}
	if s.ssh != nil {
		if err := s.ssh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.ssh = nil
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.state = StateDisconnected
	}
	return firstErr
}

func (s *Session) sshClient() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.ssh == nil {
		return nil, ErrNotConnected
	}
	return s.ssh, nil
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.ssh == nil {
		return nil, ErrNotConnected
	}
	if s.sftp == nil {
		c, err := sftp.NewClient(s.ssh)
		if err != nil {
			return nil, fmt.Errorf("open sftp: %w", err)
		}
		s.sftp = c
	}
	return s.sftp, nil
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

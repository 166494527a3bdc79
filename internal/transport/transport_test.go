package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(Config{Host: "203.0.113.7", Port: 10022, Password: "x"})
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func TestConnectRetriesWithExponentialBackoff(t *testing.T) {
	s := newTestSession(t)

	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	dials := 0
	s.dial = func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		dials++
		if dials < 4 {
			return nil, fmt.Errorf("connection refused")
		}
		return nil, nil
	}

	if err := s.Connect(context.Background(), 5, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", s.State())
	}
	if s.Retries() != 3 {
		t.Fatalf("retries = %d, want 3", s.Retries())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestConnectExhaustsRetries(t *testing.T) {
	s := newTestSession(t)

	dials := 0
	s.dial = func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		dials++
		return nil, fmt.Errorf("connection refused")
	}

	err := s.Connect(context.Background(), 2, time.Second)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if dials != 3 {
		t.Fatalf("dials = %d, want 3", dials)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}

	// A failed session stays failed; no dial happens on a second call.
	err = s.Connect(context.Background(), 2, time.Second)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("second connect err = %v, want ErrUnreachable", err)
	}
	if dials != 3 {
		t.Fatalf("dials after second connect = %d, want 3", dials)
	}
}

func TestConnectWhileConnectedIsNoOp(t *testing.T) {
	s := newTestSession(t)

	dials := 0
	s.dial = func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		dials++
		return nil, nil
	}

	if err := s.Connect(context.Background(), 0, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(context.Background(), 0, time.Second); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}
}

func TestConnectCancelledDuringBackoff(t *testing.T) {
	s := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	s.dial = func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, fmt.Errorf("connection refused")
	}

	err := s.Connect(ctx, 3, time.Second)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
}

func TestConnectWithoutAuthFails(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	s := NewSession(Config{Host: "203.0.113.7", Port: 10022})
	err := s.Connect(context.Background(), 0, time.Second)
	if err == nil {
		t.Fatalf("expected error")
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
}

func TestDialContextRequiresConnection(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.DialContext(context.Background(), "tcp", "127.0.0.1:8799"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestRunRequiresConnection(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.Run(context.Background(), "true", RunOpts{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestCloseReturnsToDisconnected(t *testing.T) {
	s := newTestSession(t)
	s.dial = func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, nil
	}
	if err := s.Connect(context.Background(), 0, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State())
	}
}

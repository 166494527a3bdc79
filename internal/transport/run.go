package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// RunOpts tune one command execution.
type RunOpts struct {
	// OnLine receives each stdout line as it is produced. Nil buffers the
	// whole output instead.
	OnLine func(line string)
	// Timeout bounds the command on top of the caller's context.
	Timeout time.Duration
}

// Result carries the remote command's outcome. A nonzero exit code is data,
// not an error: transport errors mean the command's fate is unknown.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes a command on the instance. Cancelling ctx closes only this
// command's channel; the SSH connection and session state stay intact.
func (s *Session) Run(ctx context.Context, command string, opts RunOpts) (Result, error) {
	return s.execRun(ctx, command, opts)
}

func (s *Session) sshRun(ctx context.Context, command string, opts RunOpts) (Result, error) {
	client, err := s.sshClient()
	if err != nil {
		return Result{}, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stderr = &stderr

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-watchDone:
		}
	}()

	if opts.OnLine == nil {
		var stdout bytes.Buffer
		sess.Stdout = &stdout
		runErr := sess.Run(command)
		return finishRun(ctx, command, Result{Stdout: stdout.String(), Stderr: stderr.String()}, runErr)
	}

	pipe, err := sess.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Start(command); err != nil {
		return Result{}, fmt.Errorf("start %q: %w", command, err)
	}

	var stdout strings.Builder
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		opts.OnLine(line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		sess.Wait()
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("read output: %w", err)
	}

	waitErr := sess.Wait()
	return finishRun(ctx, command, Result{Stdout: stdout.String(), Stderr: stderr.String()}, waitErr)
}

func finishRun(ctx context.Context, command string, res Result, err error) (Result, error) {
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		res.ExitCode = -1
		return res, nil
	}
	return res, fmt.Errorf("run %q: %w", command, err)
}

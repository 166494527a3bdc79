// Package teardown releases everything a session holds on the provider,
// exactly once. The guard runs from normal exits, error paths, and signal
// handlers alike, so it never reuses the session's context and keeps each
// step on its own bounded budget.
package teardown

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/podchat/internal/cloud"
	"github.com/antonkrylov/podchat/internal/deploy"
	"github.com/antonkrylov/podchat/internal/transport"
)

// DefaultWipeTargets are the instance paths that may hold conversation
// remnants. Globs expand on the remote shell.
var DefaultWipeTargets = []string{
	deploy.ServerLogPath,
	deploy.ServerScriptPath,
	"/root/uploads/*",
	"/root/images/*",
	"/root/outputs/*",
	"/tmp/*",
	"~/.cache/huggingface/*",
}

// Transport is the slice of the session the guard needs.
type Transport interface {
	State() transport.State
	Wipe(ctx context.Context, targets []string) transport.WipeReport
	Close() error
}

// Report records every step's outcome. Failures are collected, never
// swallowed; Print renders them for the user.
type Report struct {
	InstanceID string

	WipeSkipped bool
	Wipe        transport.WipeReport

	TransportCloseErr error

	TerminateSkipped bool
	TerminateErr     error

	Confirmed bool
}

// Options configure a Guard.
type Options struct {
	InstanceID  string
	Provider    cloud.Provider
	Session     Transport
	WipeTargets []string

	// Out receives user-facing teardown progress. Defaults to io.Discard.
	Out io.Writer

	// StepTimeout bounds each remote step. Defaults to 2 minutes.
	StepTimeout time.Duration

	Confirm cloud.ConfirmOpts
	Logger  *slog.Logger
}

// Guard tears one session down. Safe to invoke from multiple goroutines;
// only the first call does work, later calls get the same report.
type Guard struct {
	opts Options

	once   sync.Once
	report Report
}

func New(opts Options) *Guard {
	if len(opts.WipeTargets) == 0 {
		opts.WipeTargets = DefaultWipeTargets
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{opts: opts}
}

// Release runs the teardown sequence once and returns its report. Later
// calls return the first report without touching the provider again.
func (g *Guard) Release() Report {
	g.once.Do(g.run)
	return g.report
}

func (g *Guard) run() {
	g.report.InstanceID = g.opts.InstanceID
	out := g.opts.Out

	g.wipe()
	g.closeTransport()
	g.terminate()

	if g.opts.InstanceID == "" || g.opts.Provider == nil {
		return
	}
	ctx, cancel := g.stepCtx()
	g.report.Confirmed = cloud.ConfirmTerminated(ctx, g.opts.Provider, g.opts.InstanceID, g.opts.Confirm)
	cancel()
	if g.report.Confirmed {
		fmt.Fprintf(out, "instance %s terminated\n", g.opts.InstanceID)
		return
	}
	fmt.Fprintf(out, "WARNING: could not confirm termination of instance %s; "+
		"check the provider console and terminate it manually to stop billing\n", g.opts.InstanceID)
}

func (g *Guard) wipe() {
	s := g.opts.Session
	if s == nil || s.State() != transport.StateConnected {
		g.report.WipeSkipped = true
		return
	}
	fmt.Fprintln(g.opts.Out, "wiping remote files...")
	ctx, cancel := g.stepCtx()
	defer cancel()
	g.report.Wipe = s.Wipe(ctx, g.opts.WipeTargets)
	for _, path := range g.report.Wipe.FailedPaths() {
		fmt.Fprintf(g.opts.Out, "warning: could not wipe %s\n", path)
	}
}

func (g *Guard) closeTransport() {
	if g.opts.Session == nil {
		return
	}
	if err := g.opts.Session.Close(); err != nil {
		g.report.TransportCloseErr = err
		g.opts.Logger.Warn("transport close failed", "err", err)
	}
}

func (g *Guard) terminate() {
	if g.opts.InstanceID == "" || g.opts.Provider == nil {
		g.report.TerminateSkipped = true
		return
	}

	// An instance already on its way out does not need another billing call.
	ctx, cancel := g.stepCtx()
	inst, err := g.opts.Provider.Status(ctx, g.opts.InstanceID)
	cancel()
	if cloud.IsNotFound(err) || (err == nil && inst.Status.Terminal()) {
		g.report.TerminateSkipped = true
		return
	}

	fmt.Fprintf(g.opts.Out, "terminating instance %s...\n", g.opts.InstanceID)
	ctx, cancel = g.stepCtx()
	defer cancel()
	if err := g.opts.Provider.Terminate(ctx, g.opts.InstanceID); err != nil {
		g.report.TerminateErr = err
		fmt.Fprintf(g.opts.Out, "warning: terminate failed: %v\n", err)
	}
}

func (g *Guard) stepCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.opts.StepTimeout)
}

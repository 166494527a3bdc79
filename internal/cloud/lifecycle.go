package cloud

import (
	"context"
	"fmt"
	"time"
)

// AwaitOpts tune readiness polling. The defaults match typical cold-start
// times for on-demand GPU pods; both knobs are configuration, not contract.
type AwaitOpts struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (o *AwaitOpts) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
}

// AwaitReady polls the provider on a fixed interval until the instance is
// RUNNING with a reachable endpoint. A terminal status is fatal immediately;
// waiting longer cannot help. Transient status-read errors are tolerated
// until the deadline so a single API blip does not kill provisioning.
func AwaitReady(ctx context.Context, p Provider, id string, opts AwaitOpts) (*Instance, error) {
	opts.setDefaults()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	var lastErr error
	for {
		inst, err := p.Status(ctx, id)
		switch {
		case err == nil && inst.Status == StatusRunning && inst.Endpoint.Reachable():
			return inst, nil
		case err == nil && inst.Status.Terminal():
			return nil, fmt.Errorf("instance %s entered %s while provisioning", id, inst.Status)
		case err != nil:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return nil, fmt.Errorf("instance %s not ready after %s: %w", id, opts.Timeout, lastErr)
			}
			return nil, fmt.Errorf("instance %s not ready after %s", id, opts.Timeout)
		case <-time.After(opts.Interval):
		}
	}
}

// ConfirmOpts tune termination confirmation.
type ConfirmOpts struct {
	Attempts int
	Backoff  time.Duration
}

func (o *ConfirmOpts) setDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 3 * time.Second
	}
}

// ConfirmTerminated re-queries instance status until the provider stops
// reporting it live. Gone (ErrNotFound) and terminal statuses both count as
// confirmed. Returns false, never an error, when the instance still looks
// alive after the attempt budget: the caller owes the user a warning, not a
// stack trace.
func ConfirmTerminated(ctx context.Context, p Provider, id string, opts ConfirmOpts) bool {
	opts.setDefaults()

	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		inst, err := p.Status(ctx, id)
		switch {
		case IsNotFound(err):
			return true
		case err == nil && inst.Status.Terminal():
			return true
		}

		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(opts.Backoff * time.Duration(attempt)):
		}
	}
	return false
}

package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// WipeResult is the outcome for one wipe target.
type WipeResult struct {
	Path string
	Err  error
}

// WipeReport collects per-target outcomes. Wipe is try-everything: one
// failure never stops the rest, the report says what survived.
type WipeReport struct {
	Results []WipeResult
}

// FailedPaths lists the targets that could not be removed.
func (r WipeReport) FailedPaths() []string {
	var out []string
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res.Path)
		}
	}
	return out
}

// AllOK reports whether every target was wiped.
func (r WipeReport) AllOK() bool {
	return len(r.FailedPaths()) == 0
}

const wipeTimeout = 15 * time.Second

// Wipe removes each target (a path or a shell glob) on the instance,
// best-effort. Targets are an internal fixed list, not user input; globs are
// passed to the remote shell unquoted so they expand.
func (s *Session) Wipe(ctx context.Context, targets []string) WipeReport {
	report := WipeReport{Results: make([]WipeResult, 0, len(targets))}
	for _, target := range targets {
		res, err := s.Run(ctx, "rm -rf -- "+target, RunOpts{Timeout: wipeTimeout})
		switch {
		case err != nil:
			report.Results = append(report.Results, WipeResult{Path: target, Err: err})
		case res.ExitCode != 0:
			msg := strings.TrimSpace(res.Stderr)
			if msg == "" {
				msg = fmt.Sprintf("exit %d", res.ExitCode)
			}
			report.Results = append(report.Results, WipeResult{Path: target, Err: fmt.Errorf("%s", msg)})
		default:
			report.Results = append(report.Results, WipeResult{Path: target})
		}
	}
	return report
}

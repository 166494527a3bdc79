// Package deploy drives a fresh instance from bare GPU to a healthy model
// server. The sequence is linear and only moves forward; every step is safe
// to re-run after a partial failure.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antonkrylov/podchat/internal/modelmeta"
	"github.com/antonkrylov/podchat/internal/transport"
)

// State is how far the deployment has advanced.
type State int

const (
	StateNone State = iota
	StateEnvReady
	StateEngineInstalled
	StateServerStarted
	StateHealthy
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateEnvReady:
		return "ENV_READY"
	case StateEngineInstalled:
		return "ENGINE_INSTALLED"
	case StateServerStarted:
		return "SERVER_STARTED"
	case StateHealthy:
		return "HEALTHY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Engine is the serving stack on the instance.
type Engine string

const (
	EngineVLLM         Engine = "vllm"
	EngineTransformers Engine = "transformers"
)

// ChooseEngine picks the serving stack from model metadata alone. Vision
// models go straight to transformers; vllm is the faster path for the rest.
func ChooseEngine(info modelmeta.Info) Engine {
	if info.Vision {
		return EngineTransformers
	}
	return EngineVLLM
}

// Step names one deployment phase for error reporting.
type Step string

const (
	StepEnv    Step = "environment"
	StepEngine Step = "engine install"
	StepServer Step = "server start"
	StepHealth Step = "health check"
)

// StepError says which phase failed and why.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("deploy %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Runner is the slice of the transport session the sequencer needs.
type Runner interface {
	Run(ctx context.Context, command string, opts transport.RunOpts) (transport.Result, error)
}

// HealthProber waits for the deployed server to answer.
type HealthProber interface {
	WaitHealthy(ctx context.Context, interval, timeout time.Duration) error
}

// Options configure a deployment.
type Options struct {
	Model    modelmeta.Info
	GPUCount int
	Quantize bool

	// OnLine receives installer and server output lines for display.
	OnLine func(line string)
	// OnStep fires when a phase actually starts; resumed runs skip completed
	// phases without firing.
	OnStep func(step Step)

	HealthInterval time.Duration
	HealthTimeout  time.Duration

	Logger *slog.Logger
}

// Sequencer owns one deployment's progress.
type Sequencer struct {
	runner Runner
	probe  HealthProber
	opts   Options

	state    State
	engine   Engine
	fellBack bool
}

func NewSequencer(runner Runner, probe HealthProber, opts Options) *Sequencer {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 3 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sequencer{runner: runner, probe: probe, opts: opts}
}

// State reports the furthest state reached.
func (s *Sequencer) State() State { return s.state }

// Engine reports the serving stack in use. Empty until the engine step ran.
func (s *Sequencer) Engine() Engine { return s.engine }

// FellBack reports whether the primary engine was abandoned for transformers.
func (s *Sequencer) FellBack() bool { return s.fellBack }

// Run advances the deployment to HEALTHY, resuming from wherever a previous
// call stopped. It returns the state reached alongside any error.
func (s *Sequencer) Run(ctx context.Context) (State, error) {
	if err := s.prepareEnv(ctx); err != nil {
		return s.state, err
	}
	if err := s.installEngine(ctx); err != nil {
		return s.state, err
	}
	if err := s.startServer(ctx); err != nil {
		return s.state, err
	}
	if err := s.awaitHealthy(ctx); err != nil {
		return s.state, err
	}
	return s.state, nil
}

var envCommands = []string{
	"pip install --upgrade pip",
	"pip install torch torchvision torchaudio --index-url https://download.pytorch.org/whl/cu118",
	"pip install transformers accelerate bitsandbytes pillow requests",
}

const installTimeout = 5 * time.Minute

func (s *Sequencer) step(step Step) {
	if s.opts.OnStep != nil {
		s.opts.OnStep(step)
	}
}

func (s *Sequencer) prepareEnv(ctx context.Context) error {
	if s.state >= StateEnvReady {
		return nil
	}
	s.step(StepEnv)
	for _, cmd := range envCommands {
		res, err := s.runner.Run(ctx, cmd, transport.RunOpts{OnLine: s.opts.OnLine, Timeout: installTimeout})
		if err != nil {
			return &StepError{Step: StepEnv, Err: err}
		}
		if res.ExitCode != 0 {
			// pip exits nonzero for plenty of harmless reasons on these
			// images; the health check is the real arbiter.
			s.opts.Logger.Warn("setup command failed, continuing",
				"command", cmd, "exit", res.ExitCode, "stderr", tailOf(res.Stderr))
		}
	}
	s.state = StateEnvReady
	return nil
}

func (s *Sequencer) installEngine(ctx context.Context) error {
	if s.state >= StateEngineInstalled {
		return nil
	}
	s.step(StepEngine)
	if s.engine == "" {
		s.engine = ChooseEngine(s.opts.Model)
	}

	if s.engine == EngineVLLM {
		res, err := s.runner.Run(ctx, "pip install vllm", transport.RunOpts{OnLine: s.opts.OnLine, Timeout: installTimeout})
		if err != nil {
			return &StepError{Step: StepEngine, Err: err}
		}
		if res.ExitCode == 0 {
			s.state = StateEngineInstalled
			return nil
		}
		s.opts.Logger.Warn("vllm install failed, falling back to transformers", "stderr", tailOf(res.Stderr))
		s.engine = EngineTransformers
		s.fellBack = true
	}

	// The transformers stack came with the environment step; verify it
	// imports instead of reinstalling.
	res, err := s.runner.Run(ctx, `python -c "import torch, transformers"`, transport.RunOpts{Timeout: time.Minute})
	if err != nil {
		return &StepError{Step: StepEngine, Err: err}
	}
	if res.ExitCode != 0 {
		return &StepError{Step: StepEngine, Err: fmt.Errorf("transformers unavailable: %s", tailOf(res.Stderr))}
	}
	s.state = StateEngineInstalled
	return nil
}

func (s *Sequencer) startServer(ctx context.Context) error {
	if s.state >= StateServerStarted {
		return nil
	}
	s.step(StepServer)

	// A server from an interrupted earlier run may still be up.
	res, err := s.runner.Run(ctx, "pgrep -f model_server.py", transport.RunOpts{Timeout: 30 * time.Second})
	if err != nil {
		return &StepError{Step: StepServer, Err: err}
	}
	if res.ExitCode == 0 {
		s.state = StateServerStarted
		return nil
	}

	script := renderServerScript(s.engine, scriptParams{
		ModelID:  s.opts.Model.ID,
		GPUCount: s.opts.GPUCount,
		Quantize: s.opts.Quantize,
		Vision:   s.opts.Model.Vision,
	})
	res, err = s.runner.Run(ctx, writeScriptCommand(script), transport.RunOpts{Timeout: time.Minute})
	if err != nil {
		return &StepError{Step: StepServer, Err: err}
	}
	if res.ExitCode != 0 {
		return &StepError{Step: StepServer, Err: fmt.Errorf("write %s: %s", ServerScriptPath, tailOf(res.Stderr))}
	}

	start := fmt.Sprintf("nohup python %s > %s 2>&1 &", ServerScriptPath, ServerLogPath)
	res, err = s.runner.Run(ctx, start, transport.RunOpts{Timeout: 30 * time.Second})
	if err != nil {
		return &StepError{Step: StepServer, Err: err}
	}
	if res.ExitCode != 0 {
		return &StepError{Step: StepServer, Err: fmt.Errorf("start server: %s", tailOf(res.Stderr))}
	}

	res, err = s.runner.Run(ctx, "sleep 3; pgrep -f model_server.py", transport.RunOpts{Timeout: 30 * time.Second})
	if err != nil {
		return &StepError{Step: StepServer, Err: err}
	}
	if res.ExitCode != 0 {
		s.tailServerLog(ctx)
		return &StepError{Step: StepServer, Err: fmt.Errorf("server process not running")}
	}

	s.state = StateServerStarted
	return nil
}

func (s *Sequencer) awaitHealthy(ctx context.Context) error {
	if s.state >= StateHealthy {
		return nil
	}
	s.step(StepHealth)
	if err := s.probe.WaitHealthy(ctx, s.opts.HealthInterval, s.opts.HealthTimeout); err != nil {
		s.tailServerLog(ctx)
		return &StepError{Step: StepHealth, Err: err}
	}
	s.state = StateHealthy
	return nil
}

func (s *Sequencer) tailServerLog(ctx context.Context) {
	res, err := s.runner.Run(ctx, fmt.Sprintf("tail -n 50 %s", ServerLogPath), transport.RunOpts{Timeout: 30 * time.Second})
	if err != nil || s.opts.OnLine == nil {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		s.opts.OnLine(line)
	}
}

// tailOf trims install output to the part worth logging.
func tailOf(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	const keep = 400
	if len(stderr) > keep {
		return "... " + stderr[len(stderr)-keep:]
	}
	return stderr
}

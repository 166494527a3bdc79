package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cliconfig "github.com/antonkrylov/podchat/internal/cli/config"
	"github.com/antonkrylov/podchat/internal/cloud"
	"github.com/antonkrylov/podchat/internal/cloud/runpod"
	"github.com/antonkrylov/podchat/internal/deploy"
	"github.com/antonkrylov/podchat/internal/history"
	"github.com/antonkrylov/podchat/internal/infer"
	"github.com/antonkrylov/podchat/internal/modelmeta"
	"github.com/antonkrylov/podchat/internal/teardown"
	"github.com/antonkrylov/podchat/internal/transport"
)

const (
	defaultDiskGB      = 50
	defaultImage       = "runpod/pytorch:2.1.0-py3.10-cuda11.8.0-devel"
	defaultMaxTokens   = 512
	defaultTemperature = 0.7

	connectRetries = 5
	connectBackoff = 2 * time.Second
)

// runFlags holds the raw command-line values before profile and environment
// merging.
type runFlags struct {
	gpuType     string
	gpuCount    int
	diskGB      int
	image       string
	maxCost     float64
	quantize    bool
	noHistory   bool
	pick        bool
	sshKey      string
	uploadDir   string
	outputDir   string
	historyDir  string
	maxTokens   int
	temperature float64
}

// sessionSettings is the merged view the session runs with. Precedence is
// flag > environment > profile > default.
type sessionSettings struct {
	Model       string
	GPUType     string
	GPUCount    int
	DiskGB      int
	Image       string
	MaxCost     float64
	Quantize    bool
	NoHistory   bool
	SSHKeyPath  string
	UploadDir   string
	OutputDir   string
	HistoryDir  string
	MaxTokens   int
	Temperature float64
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run <model-id>",
		Short: "Rent a GPU, deploy the model, and chat with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			profile, _, err := cfg.Resolve(root.profileName)
			if err != nil {
				return err
			}
			env := cliconfig.FromEnv()
			settings := resolveSettings(flags, cmd.Flags().Changed, env, profile)
			settings.Model = args[0]

			apiKey, err := ensureAPIKey(env.APIKey)
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), settings, env, apiKey, flags.pick)
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().StringVar(&flags.gpuType, "gpu-type", "", "GPU type to rent (default picked from model size)")
	cmd.Flags().IntVar(&flags.gpuCount, "gpu-count", 0, "number of GPUs (default picked from model size)")
	cmd.Flags().IntVar(&flags.diskGB, "disk", defaultDiskGB, "disk size in GB")
	cmd.Flags().StringVar(&flags.image, "image", defaultImage, "container image for the instance")
	cmd.Flags().Float64Var(&flags.maxCost, "max-cost", 0, "abort if the hourly price exceeds this (USD, 0 = no ceiling)")
	cmd.Flags().BoolVar(&flags.quantize, "quantize", false, "load the model 4-bit quantized")
	cmd.Flags().BoolVar(&flags.noHistory, "no-history", false, "do not write the encrypted chat history")
	cmd.Flags().BoolVar(&flags.pick, "pick", false, "pick the GPU type interactively")
	cmd.Flags().StringVar(&flags.sshKey, "ssh-key", "", "SSH private key (default ~/.ssh/id_ed25519, or the agent)")
	cmd.Flags().StringVar(&flags.uploadDir, "upload-dir", ".", "local directory /upload may read from")
	cmd.Flags().StringVar(&flags.outputDir, "output-dir", ".", "local directory /download writes into")
	cmd.Flags().StringVar(&flags.historyDir, "history-dir", "", "encrypted history location (default $HOME/.podchat/history)")
	cmd.Flags().IntVar(&flags.maxTokens, "max-tokens", defaultMaxTokens, "reply length limit in tokens")
	cmd.Flags().Float64Var(&flags.temperature, "temperature", defaultTemperature, "sampling temperature (0 = greedy)")
	return cmd
}

func resolveSettings(f runFlags, changed func(string) bool, env cliconfig.Env, profile *cliconfig.Profile) sessionSettings {
	if profile == nil {
		profile = &cliconfig.Profile{}
	}
	s := sessionSettings{
		GPUType:     pickString(changed("gpu-type"), f.gpuType, env.GPUType, profile.GPUType, ""),
		GPUCount:    pickInt(changed("gpu-count"), f.gpuCount, env.GPUCount, profile.GPUCount, 0),
		DiskGB:      pickInt(changed("disk"), f.diskGB, 0, profile.DiskGB, defaultDiskGB),
		Image:       pickString(changed("image"), f.image, "", profile.Image, defaultImage),
		MaxCost:     pickFloat(changed("max-cost"), f.maxCost, env.MaxCostPerHour, profile.MaxCostPerHour, 0),
		SSHKeyPath:  pickString(changed("ssh-key"), f.sshKey, env.SSHKeyPath, profile.SSHKeyPath, ""),
		UploadDir:   pickString(changed("upload-dir"), f.uploadDir, "", profile.UploadDir, "."),
		OutputDir:   pickString(changed("output-dir"), f.outputDir, "", profile.OutputDir, "."),
		HistoryDir:  pickString(changed("history-dir"), f.historyDir, "", profile.HistoryDir, cliconfig.DefaultHistoryDir()),
		MaxTokens:   pickInt(changed("max-tokens"), f.maxTokens, 0, profile.MaxTokens, defaultMaxTokens),
		Temperature: pickFloat(changed("temperature"), f.temperature, 0, profile.Temperature, defaultTemperature),
	}
	s.Quantize = profile.Quantize
	if changed("quantize") {
		s.Quantize = f.quantize
	}
	s.NoHistory = f.noHistory || env.DisableHistory
	return s
}

func pickString(flagSet bool, flag, env, profile, fallback string) string {
	if flagSet {
		return flag
	}
	if env != "" {
		return env
	}
	if profile != "" {
		return profile
	}
	return fallback
}

func pickInt(flagSet bool, flag, env, profile, fallback int) int {
	if flagSet {
		return flag
	}
	if env > 0 {
		return env
	}
	if profile > 0 {
		return profile
	}
	return fallback
}

func pickFloat(flagSet bool, flag, env, profile, fallback float64) float64 {
	if flagSet {
		return flag
	}
	if env > 0 {
		return env
	}
	if profile > 0 {
		return profile
	}
	return fallback
}

// ensureAPIKey returns the RunPod key from the environment, prompting once on
// a terminal when it is missing.
func ensureAPIKey(fromEnv string) (string, error) {
	if fromEnv != "" {
		return fromEnv, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("RUNPOD_API_KEY is not set")
	}
	fmt.Fprint(os.Stderr, "RunPod API key: ")
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	key = bytes.TrimSpace(key)
	if len(key) == 0 {
		return "", fmt.Errorf("RUNPOD_API_KEY is not set")
	}
	return string(key), nil
}

// defaultSSHKeyPath returns the first standard private key that exists, or
// empty to rely on the agent.
func defaultSSHKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// chooseOffer picks the GPU configuration: an explicit type wins, otherwise
// the cheapest offer whose VRAM covers the model.
func chooseOffer(offers []cloud.Offer, gpuType string, gpuCount int, requiredGb float64) (cloud.Offer, int, error) {
	if gpuType != "" {
		offer, err := cloud.FindOffer(offers, gpuType)
		if err != nil {
			return cloud.Offer{}, 0, err
		}
		count := gpuCount
		if count <= 0 {
			count = countForVRAM(offer, requiredGb)
		}
		return offer, count, nil
	}
	offer, count, err := cloud.PickOffer(offers, requiredGb)
	if err != nil {
		return cloud.Offer{}, 0, err
	}
	if gpuCount > 0 {
		count = gpuCount
	}
	return offer, count, nil
}

// countForVRAM sizes the GPU count for an explicitly chosen card.
func countForVRAM(offer cloud.Offer, requiredGb float64) int {
	if offer.VRAMGb <= 0 {
		return 1
	}
	count := 1
	for float64(offer.VRAMGb*count) < requiredGb && count < 8 {
		count *= 2
	}
	return count
}

// tailBuffer keeps the last few output lines for display when a deploy step
// fails; the full stream goes to debug logging.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) dump(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range b.lines {
		fmt.Fprintf(w, "  | %s\n", line)
	}
}

func runSession(baseCtx context.Context, s sessionSettings, env cliconfig.Env, apiKey string, pick bool) error {
	out := os.Stdout

	// Ctrl-C during provisioning aborts the run; teardown still happens.
	ctx, stopSignals := signal.NotifyContext(baseCtx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	provider := runpod.New(apiKey, runpod.Options{Endpoint: env.APIEndpoint})
	hub := modelmeta.New(modelmeta.Options{Endpoint: env.HubEndpoint})

	info, err := hub.Fetch(ctx, s.Model)
	if err != nil {
		slog.Warn("model metadata unavailable, estimating from the name", "model", s.Model, "err", err)
		info = modelmeta.Estimate(s.Model)
	}
	required := modelmeta.RequiredVRAMGb(info)
	fmt.Fprintf(out, "model %s: %.0fGB weights, needs ~%.0fGB VRAM", info.ID, info.SizeGB, required)
	if info.Vision {
		fmt.Fprint(out, ", vision")
	}
	fmt.Fprintln(out)

	offers, err := provider.Offers(ctx)
	if err != nil {
		return fmt.Errorf("list gpu offers: %w", err)
	}
	gpuType := s.GPUType
	if pick {
		gpuType, err = pickOfferInteractive(offers)
		if err != nil {
			return err
		}
	}
	offer, count, err := chooseOffer(offers, gpuType, s.GPUCount, required)
	if err != nil {
		return err
	}
	hourly := offer.HourlyUSD * float64(count)
	fmt.Fprintf(out, "gpu: %dx %s ($%.2f/hr)\n", count, offer.GPUType, hourly)
	if s.MaxCost > 0 && hourly > s.MaxCost {
		return fmt.Errorf("%w: $%.2f/hr > $%.2f/hr", cloud.ErrCostCeiling, hourly, s.MaxCost)
	}

	inst, err := provider.Create(ctx, cloud.Spec{
		Name:        "podchat-" + uuid.NewString()[:8],
		GPUType:     offer.GPUType,
		GPUCount:    count,
		DiskGB:      s.DiskGB,
		Image:       s.Image,
		CostCeiling: s.MaxCost,
	})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	billingStart := time.Now()
	fmt.Fprintf(out, "instance %s created, waiting for it to start...\n", inst.ID)

	// Everything below must end at the guard: the instance bills until
	// terminated, whatever else went wrong.
	var sess *transport.Session
	defer func() {
		opts := teardown.Options{InstanceID: inst.ID, Provider: provider, Out: out}
		if sess != nil {
			opts.Session = sess
		}
		teardown.New(opts).Release()
	}()

	inst, err = cloud.AwaitReady(ctx, provider, inst.ID, cloud.AwaitOpts{})
	if err != nil {
		return fmt.Errorf("instance %s never became ready: %w", inst.ID, err)
	}
	fmt.Fprintf(out, "instance ready at %s@%s:%d\n", inst.Endpoint.User, inst.Endpoint.Host, inst.Endpoint.Port)

	uploadRoot, err := filepath.Abs(s.UploadDir)
	if err != nil {
		return fmt.Errorf("upload dir: %w", err)
	}
	outputRoot, err := filepath.Abs(s.OutputDir)
	if err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	keyPath := s.SSHKeyPath
	if keyPath == "" {
		keyPath = defaultSSHKeyPath()
	}
	sess = transport.NewSession(transport.Config{
		Host:        inst.Endpoint.Host,
		Port:        inst.Endpoint.Port,
		User:        inst.Endpoint.User,
		KeyPath:     keyPath,
		RemoteRoots: []string{remoteUploadDir, remoteImageDir, remoteOutputDir},
		LocalRoots:  []string{uploadRoot, outputRoot},
	})
	fmt.Fprintln(out, "connecting over ssh...")
	if err := sess.Connect(ctx, connectRetries, connectBackoff); err != nil {
		return fmt.Errorf("connect to %s: %w", inst.ID, err)
	}
	if _, err := sess.Run(ctx, "mkdir -p /root/uploads /root/images /root/outputs", transport.RunOpts{}); err != nil {
		slog.Warn("could not prepare transfer directories", "err", err)
	}

	client, err := infer.New(infer.Options{Model: info.ID, DialContext: sess.DialContext})
	if err != nil {
		return err
	}

	tail := &tailBuffer{max: 20}
	seq := deploy.NewSequencer(sess, client, deploy.Options{
		Model:    info,
		GPUCount: count,
		Quantize: s.Quantize,
		OnLine: func(line string) {
			tail.add(line)
			slog.Debug("deploy output", "line", line)
		},
		OnStep: func(step deploy.Step) {
			fmt.Fprintf(out, "deploy: %s...\n", step)
		},
	})
	if _, err := seq.Run(ctx); err != nil {
		tail.dump(out)
		return err
	}
	if seq.FellBack() {
		fmt.Fprintln(out, "vllm install failed; running on the transformers fallback")
	}
	fmt.Fprintf(out, "model server healthy (%s engine)\n", seq.Engine())

	var hist *history.Store
	if !s.NoHistory {
		hist, err = history.Open(s.HistoryDir, info.ID)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer hist.Close()
		fmt.Fprintf(out, "history: %s\n", hist.Path())
	}

	// The loop owns Ctrl-C from here: one interrupt cancels a streaming
	// reply, two in a row exit.
	stopSignals()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	cs := &chatSession{
		transport:   sess,
		infer:       client,
		hist:        hist,
		model:       info,
		inst:        inst,
		hourlyUSD:   hourly,
		started:     billingStart,
		maxTokens:   s.MaxTokens,
		temperature: s.Temperature,
		outputDir:   outputRoot,
		printer:     newChatPrinter(out, os.Stderr, term.IsTerminal(int(os.Stdout.Fd()))),
		interactive: interactive,
		out:         out,
		errw:        os.Stderr,
	}
	cs.printGreeting()
	return cs.loop(ctx)
}

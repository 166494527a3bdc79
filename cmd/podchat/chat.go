package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/antonkrylov/podchat/internal/cloud"
	"github.com/antonkrylov/podchat/internal/history"
	"github.com/antonkrylov/podchat/internal/infer"
	"github.com/antonkrylov/podchat/internal/modelmeta"
	"github.com/antonkrylov/podchat/internal/transport"
)

const (
	remoteUploadDir = "/root/uploads"
	remoteImageDir  = "/root/images"
	remoteOutputDir = "/root/outputs"

	// A second Ctrl-C within this window exits the session.
	interruptWindow = 900 * time.Millisecond
)

// chatSession is the interactive loop's state: one transport, one model
// server, one running transcript.
type chatSession struct {
	transport *transport.Session
	infer     *infer.Client
	hist      *history.Store // nil disables history
	model     modelmeta.Info
	inst      *cloud.Instance
	hourlyUSD float64
	started   time.Time

	maxTokens   int
	temperature float64
	outputDir   string

	transcript   []infer.Message
	pendingImage string
	exit         bool

	printer     *chatPrinter
	interactive bool
	out         io.Writer
	errw        io.Writer
}

func (c *chatSession) prompt() {
	if !c.interactive {
		return
	}
	_, _ = fmt.Fprint(c.out, "you> ")
}

func (c *chatSession) printGreeting() {
	vision := "no"
	if c.model.Vision {
		vision = "yes"
	}
	fmt.Fprintf(c.out, "\nchatting with %s (vision: %s)\n", c.model.ID, vision)
	fmt.Fprintln(c.out, "/help lists commands; /exit ends the session and terminates the instance")
}

// loop reads input until /exit, EOF, or a terminating signal. Input arrives
// on a channel so an interrupt is seen while a reply streams.
func (c *chatSession) loop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	linesCh, stdinErrCh := startStdinReader(ctx)
	var lastInterrupt time.Time
	c.prompt()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case sig := <-sigCh:
			if sig != os.Interrupt {
				fmt.Fprintln(c.out)
				return nil
			}
			now := time.Now()
			if !lastInterrupt.IsZero() && now.Sub(lastInterrupt) < interruptWindow {
				fmt.Fprintln(c.out)
				return nil
			}
			lastInterrupt = now
			fmt.Fprintln(c.out, "\ninterrupted: /exit quits, Ctrl-C again exits now")
			c.prompt()
		case err := <-stdinErrCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case line, ok := <-linesCh:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				c.prompt()
				continue
			}
			if strings.HasPrefix(line, "/") {
				handled, promptNow, err := c.handleCommand(ctx, line)
				if err != nil {
					fmt.Fprintf(c.errw, "error: %v\n", err)
				}
				if !handled {
					word, _ := splitCommand(line)
					fmt.Fprintf(c.out, "unknown command %s (try /help)\n", word)
				}
				if c.exit {
					return nil
				}
				if promptNow || !handled {
					c.prompt()
				}
				continue
			}
			c.ask(ctx, sigCh, line)
			c.prompt()
		}
	}
}

// splitCommand separates a slash command word from its argument string. The
// word is lowercased so /EXIT works.
func splitCommand(line string) (word, rest string) {
	word, rest, _ = strings.Cut(line, " ")
	return strings.ToLower(word), strings.TrimSpace(rest)
}

// handleCommand dispatches one slash command. Exactly one route consumes an
// input line; unknown commands are reported locally and never reach the
// model.
func (c *chatSession) handleCommand(ctx context.Context, line string) (handled bool, promptNow bool, err error) {
	word, rest := splitCommand(line)
	switch word {
	case "/exit", "/quit":
		c.exit = true
		return true, false, nil
	case "/help":
		c.printHelp()
		return true, true, nil
	case "/clear":
		c.transcript = nil
		c.pendingImage = ""
		if c.hist != nil {
			if err := c.hist.Rotate(); err != nil {
				return true, true, fmt.Errorf("clear: %w", err)
			}
		}
		fmt.Fprintln(c.out, "history cleared; new encrypted segment started")
		return true, true, nil
	case "/cost":
		c.printCost()
		return true, true, nil
	case "/upload":
		if rest == "" {
			return true, true, fmt.Errorf("usage: /upload <local-path>")
		}
		_, err := c.upload(ctx, rest, remoteUploadDir)
		return true, true, err
	case "/image":
		if rest == "" {
			return true, true, fmt.Errorf("usage: /image <local-path>")
		}
		if !c.model.Vision {
			fmt.Fprintf(c.out, "%s is not a vision model; the image would be ignored\n", c.model.ID)
			return true, true, nil
		}
		remote, err := c.upload(ctx, rest, remoteImageDir)
		if err != nil {
			return true, true, err
		}
		c.pendingImage = remote
		fmt.Fprintln(c.out, "image attached to your next message")
		return true, true, nil
	case "/download":
		args := strings.Fields(rest)
		if len(args) < 1 || len(args) > 2 {
			return true, true, fmt.Errorf("usage: /download <remote-path> [local-path]")
		}
		local := ""
		if len(args) == 2 {
			local = args[1]
		}
		return true, true, c.download(ctx, args[0], local)
	default:
		return false, false, nil
	}
}

func (c *chatSession) printHelp() {
	fmt.Fprintln(c.out, "commands:")
	fmt.Fprintln(c.out, "  /help                       show this help")
	fmt.Fprintln(c.out, "  /upload <local-path>        copy a file to "+remoteUploadDir)
	fmt.Fprintln(c.out, "  /download <remote> [local]  copy a file from the instance")
	fmt.Fprintln(c.out, "  /image <local-path>         attach an image to your next message (vision models)")
	fmt.Fprintln(c.out, "  /clear                      reset the transcript; history starts a new segment")
	fmt.Fprintln(c.out, "  /cost                       show elapsed time and cost so far")
	fmt.Fprintln(c.out, "  /exit | /quit               end the session and terminate the instance")
	fmt.Fprintln(c.out, "Ctrl-C interrupts a streaming reply; twice within a second exits")
}

func (c *chatSession) printCost() {
	elapsed := time.Since(c.started)
	fmt.Fprintf(c.out, "instance %s: %s elapsed at $%.2f/hr = $%.2f\n",
		c.inst.ID, elapsed.Round(time.Second), c.hourlyUSD, sessionCost(c.hourlyUSD, elapsed))
}

// sessionCost is the accrued charge for elapsed time at an hourly price.
func sessionCost(hourlyUSD float64, elapsed time.Duration) float64 {
	return hourlyUSD * elapsed.Hours()
}

// upload copies a local file into remoteDir under its base name and returns
// the remote path.
func (c *chatSession) upload(ctx context.Context, localPath, remoteDir string) (string, error) {
	remote := path.Join(remoteDir, filepath.Base(localPath))
	ref := &transport.FileRef{LocalPath: localPath, RemotePath: remote}
	p := newProgressLine(c.out, "uploading "+filepath.Base(localPath), c.interactive)
	_, err := c.transport.Upload(ctx, ref, p.update)
	p.done()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(c.out, "uploaded to %s\n", remote)
	return remote, nil
}

// download copies a remote file to localPath, defaulting into the session's
// output directory under the remote base name.
func (c *chatSession) download(ctx context.Context, remotePath, localPath string) error {
	if localPath == "" {
		localPath = filepath.Join(c.outputDir, path.Base(remotePath))
	}
	ref := &transport.FileRef{LocalPath: localPath, RemotePath: remotePath}
	p := newProgressLine(c.out, "downloading "+path.Base(remotePath), c.interactive)
	_, err := c.transport.Download(ctx, ref, p.update)
	p.done()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "downloaded to %s\n", localPath)
	return nil
}

type askOutcome struct {
	res infer.Result
	err error
}

// ask sends one message to the model and streams the reply. Ctrl-C cancels
// only this request; the session and its connection stay up.
func (c *chatSession) ask(ctx context.Context, sigCh <-chan os.Signal, text string) {
	genCtx, genCancel := context.WithCancel(ctx)
	defer genCancel()

	userMsg := infer.Message{Role: "user", Content: text, ImagePath: c.pendingImage}
	c.pendingImage = ""
	messages := append(append([]infer.Message(nil), c.transcript...), userMsg)

	done := make(chan askOutcome, 1)
	go func() {
		res, err := c.infer.Generate(genCtx, infer.Request{
			Messages:    messages,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			OnTextDelta: c.printer.Delta,
		})
		done <- askOutcome{res: res, err: err}
	}()

	c.printer.StartThinking()
	interrupted := false
	var outcome askOutcome
wait:
	for {
		select {
		case sig := <-sigCh:
			interrupted = true
			genCancel()
			if sig != os.Interrupt {
				c.exit = true
			}
		case outcome = <-done:
			break wait
		}
	}
	c.printer.Finish()

	reply := outcome.res.Text
	switch {
	case interrupted:
		fmt.Fprintln(c.out, "(interrupted)")
	case outcome.err != nil:
		fmt.Fprintf(c.errw, "error: %v\n", outcome.err)
	}

	c.transcript = append(c.transcript, userMsg)
	if reply != "" {
		c.transcript = append(c.transcript, infer.Message{Role: "assistant", Content: reply})
	}

	userTurn := history.Turn{Role: "user", Content: text}
	if userMsg.ImagePath != "" {
		userTurn.Attachments = []string{userMsg.ImagePath}
	}
	turns := []history.Turn{userTurn}
	if reply != "" {
		turns = append(turns, history.Turn{Role: "assistant", Content: reply})
	}
	if outcome.err != nil && !interrupted {
		turns = append(turns, history.Turn{Role: "error", Content: outcome.err.Error()})
	}
	c.record(turns...)
}

// record appends turns to the encrypted history before the next input is
// read. History failures never kill the session.
func (c *chatSession) record(turns ...history.Turn) {
	if c.hist == nil {
		return
	}
	for _, t := range turns {
		if err := c.hist.Append(t); err != nil {
			slog.Warn("history write failed", "err", err)
			return
		}
	}
}

func startStdinReader(ctx context.Context) (<-chan string, <-chan error) {
	lines := make(chan string, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		defer close(errs)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			txt := sc.Text()
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case lines <- txt:
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		errs <- nil
	}()
	return lines, errs
}

// progressLine renders a single overwritten transfer counter.
type progressLine struct {
	out         io.Writer
	label       string
	interactive bool
	rendered    bool
}

func newProgressLine(out io.Writer, label string, interactive bool) *progressLine {
	return &progressLine{out: out, label: label, interactive: interactive}
}

func (p *progressLine) update(transferred, total int64) {
	if !p.interactive {
		return
	}
	p.rendered = true
	if total > 0 {
		_, _ = fmt.Fprintf(p.out, "\r\033[2K%s: %d%% (%s / %s)",
			p.label, transferred*100/total, formatBytes(transferred), formatBytes(total))
		return
	}
	_, _ = fmt.Fprintf(p.out, "\r\033[2K%s: %s", p.label, formatBytes(transferred))
}

func (p *progressLine) done() {
	if p.rendered {
		_, _ = fmt.Fprint(p.out, "\r\033[2K")
	}
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

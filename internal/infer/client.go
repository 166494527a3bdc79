// Package infer is the completions client for the model server running on
// the instance loopback. It speaks the OpenAI-compatible chat protocol over
// a dialer supplied by the transport layer, so requests ride the SSH
// connection without the server ever listening publicly.
package infer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is where the deployed server listens, as seen from the
// instance itself.
const DefaultBaseURL = "http://127.0.0.1:8799"

const chatPath = "/v1/chat/completions"

// Message is one turn sent to the model. ImagePath names a file already
// uploaded to the instance; only the transformers engine reads it.
type Message struct {
	Role      string
	Content   string
	ImagePath string
}

// Request is one generation call.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64

	// If set, called with incremental text deltas as the reply streams.
	OnTextDelta func(delta string)
}

// Result is the completed reply.
type Result struct {
	Text         string
	FinishReason string
}

// Options configure a Client.
type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	Model   string

	// DialContext reaches the instance loopback. Wire transport.Session's
	// DialContext here.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client talks to one model server.
type Client struct {
	http  *http.Client
	base  *url.URL
	model string
}

// New builds a client for the server behind opts.DialContext.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	transport := &http.Transport{}
	if opts.DialContext != nil {
		transport.DialContext = opts.DialContext
	}
	return &Client{
		// No overall timeout: generation streams for as long as the model
		// needs. Cancellation comes from the request context.
		http:  &http.Client{Transport: transport},
		base:  base,
		model: opts.Model,
	}, nil
}

type chatReq struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatMsg struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ImagePath string `json:"image_path,omitempty"`
}

type chatResp struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type streamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends one completion request. With OnTextDelta set the reply
// streams; cancelling ctx aborts only this HTTP request.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	msgs := make([]chatMsg, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := strings.TrimSpace(m.Role)
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, chatMsg{Role: role, Content: m.Content, ImagePath: m.ImagePath})
	}
	payload := chatReq{
		Model:       c.model,
		Messages:    msgs,
		Stream:      req.OnTextDelta != nil,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	body, _ := json.Marshal(payload)
	reqURL := c.base.ResolveReference(&url.URL{Path: chatPath})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
		return Result{}, fmt.Errorf("model server http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if req.OnTextDelta != nil {
		return readStream(resp.Body, req.OnTextDelta)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, err
	}
	var out chatResp
	if err := json.Unmarshal(b, &out); err != nil {
		return Result{}, fmt.Errorf("decode reply: %w", err)
	}
	if out.Error != nil && strings.TrimSpace(out.Error.Message) != "" {
		return Result{}, fmt.Errorf("model error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return Result{}, fmt.Errorf("model server sent no choices")
	}
	choice := out.Choices[0]
	return Result{Text: choice.Message.Content, FinishReason: choice.FinishReason}, nil
}

// Health probes the server's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	reqURL := c.base.ResolveReference(&url.URL{Path: "/health"})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: http %d", resp.StatusCode)
	}
	return nil
}

func readStream(r io.Reader, onDelta func(string)) (Result, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var text strings.Builder
	var finish string

	// Minimal SSE parser: collect "data:" lines until a blank line, then
	// emit one event. Chunks may be single-line or split across data lines.
	var dataLines []string
	flushEvent := func() (bool, error) {
		if len(dataLines) == 0 {
			return false, nil
		}
		data := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		if data == "" {
			return false, nil
		}
		if data == "[DONE]" {
			return true, nil
		}
		var chunk streamResp
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Ignore malformed frames (keepalives and comments).
			return false, nil
		}
		if chunk.Error != nil && strings.TrimSpace(chunk.Error.Message) != "" {
			return false, fmt.Errorf("model error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if d := choice.Delta.Content; d != "" {
				onDelta(d)
				text.WriteString(d)
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
		return false, nil
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return Result{Text: text.String()}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			done, ferr := flushEvent()
			if ferr != nil {
				return Result{Text: text.String()}, ferr
			}
			if done {
				break
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		// Ignore other SSE fields (event:, id:, retry:).
	}
	if _, err := flushEvent(); err != nil {
		return Result{Text: text.String()}, err
	}
	return Result{Text: text.String(), FinishReason: finish}, nil
}

// WaitHealthy polls Health at interval until success, ctx cancellation, or
// timeout. Model load dominates startup, so the default budget is generous.
func (c *Client) WaitHealthy(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var lastErr error
	for {
		probe, cancel := context.WithTimeout(ctx, interval)
		err := c.Health(probe)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("server not healthy after %s: %v", timeout, lastErr)
		case <-time.After(interval):
		}
	}
}

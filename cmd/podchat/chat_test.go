package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/podchat/internal/cloud"
	"github.com/antonkrylov/podchat/internal/history"
	"github.com/antonkrylov/podchat/internal/infer"
	"github.com/antonkrylov/podchat/internal/modelmeta"
)

func newTestChat() (*chatSession, *strings.Builder, *strings.Builder) {
	var out, errw strings.Builder
	c := &chatSession{
		model:     modelmeta.Info{ID: "test/model"},
		inst:      &cloud.Instance{ID: "pod-1"},
		hourlyUSD: 1.50,
		started:   time.Now(),
		out:       &out,
		errw:      &errw,
	}
	c.printer = newChatPrinter(&out, &errw, false)
	return c, &out, &errw
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		line string
		word string
		rest string
	}{
		{"/exit", "/exit", ""},
		{"/EXIT", "/exit", ""},
		{"/upload  notes with spaces.txt", "/upload", "notes with spaces.txt"},
		{"/download /root/outputs/a.png local.png", "/download", "/root/outputs/a.png local.png"},
		{"/help me", "/help", "me"},
	}
	for _, tc := range cases {
		word, rest := splitCommand(tc.line)
		if word != tc.word || rest != tc.rest {
			t.Fatalf("splitCommand(%q) = %q, %q, want %q, %q", tc.line, word, rest, tc.word, tc.rest)
		}
	}
}

func TestExitCommandEndsSession(t *testing.T) {
	for _, line := range []string{"/exit", "/quit", "/EXIT"} {
		c, _, _ := newTestChat()
		handled, _, err := c.handleCommand(context.Background(), line)
		if err != nil {
			t.Fatalf("%s: %v", line, err)
		}
		if !handled || !c.exit {
			t.Fatalf("%s: handled=%v exit=%v", line, handled, c.exit)
		}
	}
}

func TestUnknownCommandIsNotHandled(t *testing.T) {
	c, _, _ := newTestChat()
	handled, _, err := c.handleCommand(context.Background(), "/frobnicate now")
	if err != nil {
		t.Fatal(err)
	}
	if handled || c.exit {
		t.Fatalf("handled=%v exit=%v", handled, c.exit)
	}
}

func TestUploadCommandRequiresPath(t *testing.T) {
	c, _, _ := newTestChat()
	handled, _, err := c.handleCommand(context.Background(), "/upload")
	if !handled {
		t.Fatal("not handled")
	}
	if err == nil || !strings.Contains(err.Error(), "usage:") {
		t.Fatalf("err=%v", err)
	}
}

func TestDownloadCommandArgBounds(t *testing.T) {
	c, _, _ := newTestChat()
	for _, line := range []string{"/download", "/download a b c"} {
		handled, _, err := c.handleCommand(context.Background(), line)
		if !handled {
			t.Fatalf("%s: not handled", line)
		}
		if err == nil || !strings.Contains(err.Error(), "usage:") {
			t.Fatalf("%s: err=%v", line, err)
		}
	}
}

func TestImageCommandOnTextModel(t *testing.T) {
	c, out, _ := newTestChat()
	c.model.Vision = false
	handled, _, err := c.handleCommand(context.Background(), "/image cat.png")
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatal("not handled")
	}
	if c.pendingImage != "" {
		t.Fatalf("pendingImage=%q", c.pendingImage)
	}
	if !strings.Contains(out.String(), "not a vision model") {
		t.Fatalf("out=%q", out.String())
	}
}

func TestClearCommandRotatesSegment(t *testing.T) {
	st, err := history.Open(t.TempDir(), "test/model")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	c, out, _ := newTestChat()
	c.hist = st
	c.transcript = []infer.Message{{Role: "user", Content: "hi"}}
	c.pendingImage = "/root/images/cat.png"
	before := st.Path()

	handled, _, err := c.handleCommand(context.Background(), "/clear")
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatal("not handled")
	}
	if st.Path() == before {
		t.Fatalf("segment did not rotate: %s", before)
	}
	if c.transcript != nil || c.pendingImage != "" {
		t.Fatalf("transcript=%v pendingImage=%q", c.transcript, c.pendingImage)
	}
	if !strings.Contains(out.String(), "history cleared") {
		t.Fatalf("out=%q", out.String())
	}
}

func TestCostCommandReportsAccruedCharge(t *testing.T) {
	c, out, _ := newTestChat()
	c.started = time.Now().Add(-2 * time.Hour)

	handled, _, err := c.handleCommand(context.Background(), "/cost")
	if err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatal("not handled")
	}
	got := out.String()
	if !strings.Contains(got, "instance pod-1:") {
		t.Fatalf("out=%q", got)
	}
	if !strings.Contains(got, "$1.50/hr") || !strings.Contains(got, "$3.00") {
		t.Fatalf("out=%q", got)
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	c, out, _ := newTestChat()
	handled, promptNow, err := c.handleCommand(context.Background(), "/help")
	if err != nil || !handled || !promptNow {
		t.Fatalf("handled=%v promptNow=%v err=%v", handled, promptNow, err)
	}
	for _, word := range []string{"/help", "/upload", "/download", "/image", "/clear", "/cost", "/exit"} {
		if !strings.Contains(out.String(), word) {
			t.Fatalf("help is missing %s:\n%s", word, out.String())
		}
	}
}

func TestSessionCost(t *testing.T) {
	if got := sessionCost(2.0, 30*time.Minute); got != 1.0 {
		t.Fatalf("got %v", got)
	}
	if got := sessionCost(1.5, 0); got != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{512, "512B"},
		{1536, "1.5KB"},
		{5 << 20, "5.0MB"},
		{3 << 30, "3.0GB"},
	}
	for _, tc := range cases {
		if got := formatBytes(tc.n); got != tc.want {
			t.Fatalf("formatBytes(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestAskRecordsBothTurns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi \"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := infer.New(infer.Options{BaseURL: srv.URL, Model: "test/model"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := history.Open(t.TempDir(), "test/model")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	c, out, _ := newTestChat()
	c.infer = client
	c.hist = st
	c.maxTokens = 64
	c.pendingImage = "/root/images/cat.png"

	sig := make(chan os.Signal)
	c.ask(context.Background(), sig, "hello")

	if !strings.Contains(out.String(), "assistant: hi there") {
		t.Fatalf("out=%q", out.String())
	}
	if c.pendingImage != "" {
		t.Fatalf("pendingImage=%q", c.pendingImage)
	}
	if len(c.transcript) != 2 || c.transcript[1].Content != "hi there" {
		t.Fatalf("transcript=%v", c.transcript)
	}

	turns, err := st.ReadSegment(st.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns=%v", turns)
	}
	if turns[0].Role != "user" || turns[0].Content != "hello" {
		t.Fatalf("user turn=%+v", turns[0])
	}
	if len(turns[0].Attachments) != 1 || turns[0].Attachments[0] != "/root/images/cat.png" {
		t.Fatalf("attachments=%v", turns[0].Attachments)
	}
	if turns[1].Role != "assistant" || turns[1].Content != "hi there" {
		t.Fatalf("assistant turn=%+v", turns[1])
	}
}

func TestAskRecordsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := infer.New(infer.Options{BaseURL: srv.URL, Model: "test/model"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := history.Open(t.TempDir(), "test/model")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	c, _, errw := newTestChat()
	c.infer = client
	c.hist = st

	sig := make(chan os.Signal)
	c.ask(context.Background(), sig, "hello")

	if !strings.Contains(errw.String(), "error:") {
		t.Fatalf("errw=%q", errw.String())
	}
	if len(c.transcript) != 1 {
		t.Fatalf("transcript=%v", c.transcript)
	}

	turns, err := st.ReadSegment(st.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[1].Role != "error" {
		t.Fatalf("turns=%v", turns)
	}
	if !strings.Contains(turns[1].Content, "500") {
		t.Fatalf("error turn=%q", turns[1].Content)
	}
}

func TestAskInterruptKeepsSession(t *testing.T) {
	gotFirst := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		if strings.Contains(string(body), "again") {
			io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n")
			io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		w.(http.Flusher).Flush()
		close(gotFirst)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := infer.New(infer.Options{BaseURL: srv.URL, Model: "test/model"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := history.Open(t.TempDir(), "test/model")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	c, out, errw := newTestChat()
	c.infer = client
	c.hist = st

	sig := make(chan os.Signal, 1)
	go func() {
		<-gotFirst
		sig <- os.Interrupt
	}()
	c.ask(context.Background(), sig, "hello")

	if c.exit {
		t.Fatal("interrupt ended the session")
	}
	if !strings.Contains(out.String(), "(interrupted)") {
		t.Fatalf("out=%q", out.String())
	}
	if errw.String() != "" {
		t.Fatalf("errw=%q", errw.String())
	}
	if len(c.transcript) != 1 {
		t.Fatalf("transcript=%v", c.transcript)
	}

	c.ask(context.Background(), sig, "again")

	if !strings.Contains(out.String(), "assistant: ok") {
		t.Fatalf("out=%q", out.String())
	}
	if c.exit || len(c.transcript) != 3 {
		t.Fatalf("exit=%v transcript=%v", c.exit, c.transcript)
	}
	turns, err := st.ReadSegment(st.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 || turns[2].Role != "assistant" || turns[2].Content != "ok" {
		t.Fatalf("turns=%v", turns)
	}
}

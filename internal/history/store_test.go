package history

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKeyCreatedOnceAndReused(t *testing.T) {
	dir := t.TempDir()

	a, err := Open(dir, "meta-llama/Llama-3.1-8B")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	keyPath := filepath.Join(dir, KeyFileName)
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key perm = %o, want 600", perm)
	}
	first, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}

	b, err := Open(dir, "meta-llama/Llama-3.1-8B")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	second, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("key changed across opens")
	}
}

func TestMalformedKeyIsRefused(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, KeyFileName), []byte("not hex at all"), 0o600); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	_, err := Open(dir, "some/model")
	if !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("err = %v, want ErrMalformedKey", err)
	}
}

func TestAppendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "mistralai/Mistral-7B")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	turns := []Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "describe this", Attachments: []string{"/root/images/cat.png"}},
	}
	for _, turn := range turns {
		if err := s.Append(turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.ReadSegment(s.Path())
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("turns = %d, want %d", len(got), len(turns))
	}
	for i := range turns {
		if got[i].Role != turns[i].Role || got[i].Content != turns[i].Content {
			t.Fatalf("turn[%d] = %+v, want %+v", i, got[i], turns[i])
		}
		if got[i].Timestamp.IsZero() {
			t.Fatalf("turn[%d] missing timestamp", i)
		}
	}
	if len(got[2].Attachments) != 1 || got[2].Attachments[0] != "/root/images/cat.png" {
		t.Fatalf("attachments = %v", got[2].Attachments)
	}
}

func TestSegmentOnDiskIsOpaque(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "m")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Append(Turn{Role: "user", Content: "the secret phrase"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("segment empty")
	}
	if bytes.Contains(raw, []byte("secret phrase")) || bytes.Contains(raw, []byte("user")) {
		t.Fatalf("plaintext leaked into segment file")
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("segment perm = %o, want 600", perm)
	}
}

func TestAppendOnlyGrows(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "m")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var last int64
	for i := 0; i < 3; i++ {
		if err := s.Append(Turn{Role: "user", Content: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		info, err := os.Stat(s.Path())
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Size() <= last {
			t.Fatalf("size did not grow: %d then %d", last, info.Size())
		}
		last = info.Size()
	}
}

func TestRotateStartsNewSegment(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "m")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Append(Turn{Role: "user", Content: "before clear"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	old := s.Path()

	if err := s.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if s.Path() == old {
		t.Fatalf("rotate kept the same segment %s", old)
	}
	if err := s.Append(Turn{Role: "user", Content: "after clear"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	before, err := s.ReadSegment(old)
	if err != nil {
		t.Fatalf("read old: %v", err)
	}
	if len(before) != 1 || before[0].Content != "before clear" {
		t.Fatalf("old segment = %+v", before)
	}
	after, err := s.ReadSegment(s.Path())
	if err != nil {
		t.Fatalf("read new: %v", err)
	}
	if len(after) != 1 || after[0].Content != "after clear" {
		t.Fatalf("new segment = %+v", after)
	}
}

func TestListSegmentsAndResetKey(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "m")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Append(Turn{Role: "user", Content: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segs, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}

	if err := ResetKey(dir); err != nil {
		t.Fatalf("reset key: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, KeyFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("key still present after reset")
	}
	// Resetting again is a no-op.
	if err := ResetKey(dir); err != nil {
		t.Fatalf("second reset: %v", err)
	}
}

func TestRotateCollisionWithinOneSecond(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "m")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	first := s.Path()
	if err := s.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	second := s.Path()
	if err := s.Rotate(); err != nil {
		t.Fatalf("rotate again: %v", err)
	}
	third := s.Path()
	if first == second || second == third || first == third {
		t.Fatalf("segments collide: %s %s %s", first, second, third)
	}
}

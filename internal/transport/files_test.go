package transport

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestConfineLocal(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		name string
		path string
		ok   bool
	}{
		{"inside root", filepath.Join(root, "photo.png"), true},
		{"nested inside root", filepath.Join(root, "a", "b", "c.txt"), true},
		{"root itself", root, true},
		{"traversal out", filepath.Join(root, "..", "escape.txt"), false},
		{"deep traversal", filepath.Join(root, "a", "..", "..", "etc", "passwd"), false},
		{"unrelated absolute", "/etc/passwd", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := confineLocal([]string{root}, tc.path)
			if tc.ok && err != nil {
				t.Fatalf("confineLocal(%q) = %v, want ok", tc.path, err)
			}
			if !tc.ok && !errors.Is(err, ErrPathRejected) {
				t.Fatalf("confineLocal(%q) = %v, want ErrPathRejected", tc.path, err)
			}
		})
	}
}

func TestConfineRemote(t *testing.T) {
	roots := []string{"/root/uploads", "/root/outputs"}
	cases := []struct {
		name string
		path string
		ok   bool
	}{
		{"inside first root", "/root/uploads/data.csv", true},
		{"inside second root", "/root/outputs/result.txt", true},
		{"exact root", "/root/uploads", true},
		{"traversal resolved out", "/root/uploads/../.ssh/id_rsa", false},
		{"sibling dir", "/root/secrets/key", false},
		{"prefix but not child", "/root/uploads2/x", false},
		{"relative", "uploads/data.csv", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := confineRemote(roots, tc.path)
			if tc.ok && err != nil {
				t.Fatalf("confineRemote(%q) = %v, want ok", tc.path, err)
			}
			if !tc.ok && !errors.Is(err, ErrPathRejected) {
				t.Fatalf("confineRemote(%q) = %v, want ErrPathRejected", tc.path, err)
			}
		})
	}
}

func TestConfineRemoteIgnoresSlashRoot(t *testing.T) {
	// A "/" root would allow everything; it is skipped rather than honored.
	if _, err := confineRemote([]string{"/"}, "/etc/shadow"); !errors.Is(err, ErrPathRejected) {
		t.Fatalf("err = %v, want ErrPathRejected", err)
	}
}

func TestUploadRejectsTraversalBeforeConnecting(t *testing.T) {
	local := t.TempDir()
	s := NewSession(Config{
		Host:        "203.0.113.7",
		Port:        10022,
		Password:    "x",
		LocalRoots:  []string{local},
		RemoteRoots: []string{"/root/uploads"},
	})

	ref := &FileRef{LocalPath: filepath.Join(local, "..", "escape"), RemotePath: "/root/uploads/x"}
	_, err := s.Upload(context.Background(), ref, nil)
	if !errors.Is(err, ErrPathRejected) {
		t.Fatalf("err = %v, want ErrPathRejected", err)
	}

	// A valid pair on a disconnected session fails on the connection, which
	// shows confinement ran first above.
	ref = &FileRef{LocalPath: filepath.Join(local, "ok"), RemotePath: "/root/uploads/ok"}
	_, err = s.Upload(context.Background(), ref, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestDownloadRejectsRelativeRemote(t *testing.T) {
	local := t.TempDir()
	s := NewSession(Config{
		Host:        "203.0.113.7",
		Port:        10022,
		Password:    "x",
		LocalRoots:  []string{local},
		RemoteRoots: []string{"/root/outputs"},
	})

	ref := &FileRef{LocalPath: filepath.Join(local, "out.txt"), RemotePath: "outputs/out.txt"}
	_, err := s.Download(context.Background(), ref, nil)
	if !errors.Is(err, ErrPathRejected) {
		t.Fatalf("err = %v, want ErrPathRejected", err)
	}
}

func TestCopyWithProgressMonotone(t *testing.T) {
	src := bytes.Repeat([]byte("x"), copyChunk*2+1234)
	ref := &FileRef{Size: int64(len(src))}

	var seen []int64
	var dst bytes.Buffer
	n, err := copyWithProgress(context.Background(), &dst, bytes.NewReader(src), ref, func(transferred, total int64) {
		seen = append(seen, transferred)
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != int64(len(src)) {
		t.Fatalf("n = %d, want %d", n, len(src))
	}
	if ref.Transferred != int64(len(src)) {
		t.Fatalf("transferred = %d, want %d", ref.Transferred, len(src))
	}
	if len(seen) == 0 {
		t.Fatalf("expected progress callbacks")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress went backwards: %d then %d", seen[i-1], seen[i])
		}
	}
	if seen[len(seen)-1] != int64(len(src)) {
		t.Fatalf("final progress = %d, want %d", seen[len(seen)-1], len(src))
	}
}

func TestCopyWithProgressHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ref := &FileRef{Size: 10}
	var dst bytes.Buffer
	_, err := copyWithProgress(ctx, &dst, bytes.NewReader(make([]byte, 10)), ref, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

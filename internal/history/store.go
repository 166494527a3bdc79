// Package history persists chat transcripts as append-only encrypted logs.
// Each record is JSON, zstd-compressed, sealed with the session key, and
// written as a length-delimited frame. Files are only ever appended to or
// rotated; nothing rewrites a record in place.
package history

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeyFileName is the session key file inside the history directory.
const KeyFileName = ".key"

// ErrMalformedKey means the key file exists but cannot be decoded. The store
// never regenerates a key on its own: a fresh key would orphan every existing
// transcript, so replacing it has to be an explicit operation.
var ErrMalformedKey = errors.New("history: malformed session key")

const maxFrame = 64 * 1024 * 1024

// Turn is one transcript entry.
type Turn struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store appends turns for one model to an encrypted segment file.
type Store struct {
	dir   string
	model string
	key   [32]byte

	mu   sync.Mutex
	path string
	file *os.File
	bw   *bufio.Writer

	enc *zstd.Encoder
	now func() time.Time
}

// Open prepares the history directory, loads or creates the session key, and
// starts a fresh segment for modelID.
func Open(dir, modelID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	key, err := loadOrCreateKey(filepath.Join(dir, KeyFileName))
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:   dir,
		model: sanitizeModel(modelID),
		key:   key,
		enc:   enc,
		now:   time.Now,
	}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path reports the current segment file.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Append encrypts one turn onto the current segment and syncs it to disk.
// Turns are few and each one matters, so every append pays for a sync.
func (s *Store) Append(turn Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	sealed, err := s.seal(s.enc.EncodeAll(payload, nil))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("history: store closed")
	}
	if err := writeFrame(s.bw, sealed); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync history: %w", err)
	}
	return nil
}

// Rotate closes the current segment and starts a new one. The old segment
// stays on disk untouched.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(); err != nil {
		return err
	}
	return s.openSegmentLocked()
}

// Close flushes and closes the current segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// ReadSegment decrypts every turn in one segment file. It exists for the
// history maintenance commands; the chat loop itself never reads back.
func (s *Store) ReadSegment(path string) ([]Turn, error) {
	return readSegment(path, s.key)
}

// ReadSegmentWithKey decrypts a segment using the key stored in dir.
func ReadSegmentWithKey(dir, path string) ([]Turn, error) {
	key, err := readKey(filepath.Join(dir, KeyFileName))
	if err != nil {
		return nil, err
	}
	return readSegment(path, key)
}

// Segment describes one transcript file for listings.
type Segment struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// ListSegments returns the transcript files in dir, oldest first.
func ListSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".enc") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Segment{
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

// ResetKey removes the session key file so the next Open mints a new one.
// Existing segments become unreadable; callers confirm before calling.
func ResetKey(dir string) error {
	err := os.Remove(filepath.Join(dir, KeyFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) openSegment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openSegmentLocked()
}

func (s *Store) openSegmentLocked() error {
	path := s.segmentPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	s.path = path
	s.file = f
	s.bw = bufio.NewWriter(f)
	return nil
}

// segmentPath picks the next segment name. Rotating twice within one second
// would land on the same timestamp, so taken names get a numeric suffix.
func (s *Store) segmentPath() string {
	base := fmt.Sprintf("%s_%s", s.model, s.now().Format("20060102_150405"))
	path := filepath.Join(s.dir, base+".enc")
	for n := 2; s.pathTaken(path); n++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%d.enc", base, n))
	}
	return path
}

func (s *Store) pathTaken(path string) bool {
	if path == s.path {
		return true
	}
	_, err := os.Stat(path)
	return err == nil
}

func (s *Store) closeLocked() error {
	if s.file == nil {
		return nil
	}
	var firstErr error
	if err := s.bw.Flush(); err != nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.file = nil
	s.bw = nil
	return firstErr
}

func (s *Store) seal(compressed []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], compressed, &nonce, &s.key), nil
}

func readSegment(path string, key [32]byte) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	r := bufio.NewReader(f)
	var turns []Turn
	for {
		frame, err := readFrame(r)
		if err == io.EOF {
			return turns, nil
		}
		if err != nil {
			return turns, err
		}
		if len(frame) < 24 {
			return turns, fmt.Errorf("history: truncated record")
		}
		var nonce [24]byte
		copy(nonce[:], frame[:24])
		compressed, ok := secretbox.Open(nil, frame[24:], &nonce, &key)
		if !ok {
			return turns, fmt.Errorf("history: record does not open with this key")
		}
		payload, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return turns, fmt.Errorf("history: decompress record: %w", err)
		}
		var t Turn
		if err := json.Unmarshal(payload, &t); err != nil {
			return turns, fmt.Errorf("history: decode record: %w", err)
		}
		turns = append(turns, t)
	}
}

func loadOrCreateKey(path string) ([32]byte, error) {
	key, err := readKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return [32]byte{}, err
	}

	if _, err := rand.Read(key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("generate key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		// Lost a create race; the other writer's key wins.
		return readKey(path)
	}
	if err != nil {
		return [32]byte{}, fmt.Errorf("create key: %w", err)
	}
	_, werr := fmt.Fprintln(f, hex.EncodeToString(key[:]))
	cerr := f.Close()
	if werr != nil {
		return [32]byte{}, fmt.Errorf("write key: %w", werr)
	}
	if cerr != nil {
		return [32]byte{}, fmt.Errorf("write key: %w", cerr)
	}
	return key, nil
}

func readKey(path string) ([32]byte, error) {
	var key [32]byte
	b, err := os.ReadFile(path)
	if err != nil {
		return key, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil || len(raw) != len(key) {
		return key, fmt.Errorf("%w: %s", ErrMalformedKey, path)
	}
	copy(key[:], raw)
	return key, nil
}

func sanitizeModel(modelID string) string {
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	name := r.Replace(modelID)
	if name == "" {
		name = "chat"
	}
	return name
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, fmt.Errorf("invalid record length 0")
	}
	if l > maxFrame {
		return nil, fmt.Errorf("record too large: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w *bufio.Writer, msg []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(msg)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

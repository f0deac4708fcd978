// Package audit records remote actions in a hash-chained JSONL file.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/logging"
)

// Event types.
const (
	EventDispatch        = "dispatch"
	EventCommandBlocked  = "command_blocked"
	EventCommandRefused  = "command_refused"
	EventCommandExecuted = "command_executed"
	EventPatchStarted    = "patch_started"
	EventPatchStage      = "patch_stage"
	EventPatchFinished   = "patch_finished"
	EventServiceStart    = "service_start"
	EventServiceStop     = "service_stop"
	EventLogRotated      = "log_rotated"
)

// FileName is the active trail inside the audit directory.
const FileName = "audit.jsonl"

const genesisHash = "genesis"

// syncedEvents are flushed to disk immediately.
var syncedEvents = map[string]bool{
	EventCommandExecuted: true,
	EventPatchFinished:   true,
	EventServiceStart:    true,
	EventServiceStop:     true,
}

// Entry is one audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	RunID     string         `json:"runId,omitempty"`
	Host      string         `json:"host,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Options configure the trail's location and rotation.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// Logger appends entries to {Dir}/audit.jsonl. Each entry carries the hash
// of its predecessor; after rotation the first entry of the new file links
// to the last entry of the old one.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
	log        *zap.Logger
}

// NewLogger opens (or continues) the audit trail in opts.Dir.
func NewLogger(opts Options, logger *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 50
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(opts.Dir, FileName),
		maxSize:    int64(opts.MaxSizeMB) * 1024 * 1024,
		maxBackups: opts.MaxBackups,
		prevHash:   genesisHash,
		log:        logging.OrNop(logger).Named("audit"),
	}

	last, err := lastHash(l.filePath)
	if err != nil {
		return nil, err
	}
	if last != "" {
		l.prevHash = last
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}
	l.log.Info("audit trail opened", zap.String("path", l.filePath))
	return l, nil
}

// Path returns the active file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log appends one entry. A failed write leaves the chain head unchanged.
// Safe on a nil receiver.
func (l *Logger) Log(eventType, runID, host string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		RunID:     runID,
		Host:      host,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	if err := l.write(&entry, true); err != nil {
		l.log.Error("audit entry dropped", zap.String("event", eventType), zap.Error(err))
		l.dropped.Add(1)
		return
	}

	if syncedEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			l.log.Warn("audit fsync failed", zap.String("event", eventType), zap.Error(err))
		}
	}
}

func (l *Logger) write(entry *Entry, mayRotate bool) error {
	hash, err := computeHash(*entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	if mayRotate && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		// rotation advanced the chain; relink
		entry.PrevHash = l.prevHash
		return l.write(entry, false)
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash
	return nil
}

// Close closes the file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns how many entries failed to write, or -1 for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash length-prefixes each field so no two field layouts collide.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.RunID, entry.Host, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
	}

	// .N-1 → .N, oldest dropped
	for i := l.maxBackups; i >= 2; i-- {
		src, dst := l.backupName(i-1), l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				l.log.Warn("remove oldest audit backup", zap.String("path", dst), zap.Error(err))
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			l.log.Warn("rename audit backup", zap.String("src", src), zap.String("dst", dst), zap.Error(err))
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		l.log.Warn("rename current audit log", zap.Error(err))
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  l.prevHash,
		Details:   map[string]any{"previousFile": filepath.Base(l.backupName(1))},
	}
	if err := l.write(&sentinel, false); err != nil {
		l.prevHash = "chain-broken"
		l.log.Error("rotation sentinel not written, hash chain broken", zap.Error(err))
	}
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// lastHash returns the entryHash of the final record in path, or "" when
// the file is missing or empty.
func lastHash(path string) (string, error) {
	entries, err := ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].EntryHash, nil
}

// ReadFile parses every entry in a trail file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// ChainError reports the first entry whose hash or link does not verify.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d: %s", e.Index, e.Reason)
}

// Verify checks that every entry hashes correctly and links to its
// predecessor. The first entry may link to anything (genesis or a rotated file).
func Verify(entries []Entry) error {
	for i, e := range entries {
		want, err := computeHash(e)
		if err != nil {
			return &ChainError{Index: i, Reason: err.Error()}
		}
		if want != e.EntryHash {
			return &ChainError{Index: i, Reason: "entry hash mismatch"}
		}
		if i > 0 && e.PrevHash != entries[i-1].EntryHash {
			return &ChainError{Index: i, Reason: "prevHash does not match previous entry"}
		}
	}
	return nil
}

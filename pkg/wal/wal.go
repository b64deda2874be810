// Package wal implements the write-ahead log used for crash recovery of
// cross-backend transactions.
//
// The log is a directory of JSON-lines segment files (wal-000001.log,
// wal-000002.log, ...). Every line is one Entry. Appends are serialized by a
// single mutex and are flushed and fsynced before Append returns, so the
// on-disk order is the total order of protocol steps.
//
// A transaction is committed iff the log holds a COMMIT entry for it.
// RecoverUncommitted returns the entries of every other transaction so a
// restarted process can decide whether to redo or discard them:
//
//	log, err := wal.Open(wal.Config{Dir: "data/wal"})
//	pending, err := log.RecoverUncommitted()
//	for txID, entries := range pending {
//		// redo or discard
//	}
package wal

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
)

// EntryType is the protocol step an entry records.
type EntryType string

const (
	Begin     EntryType = "BEGIN"
	Prepare   EntryType = "PREPARE"
	Commit    EntryType = "COMMIT"
	Abort     EntryType = "ABORT"
	Operation EntryType = "OPERATION"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case Begin, Prepare, Commit, Abort, Operation:
		return true
	}
	return false
}

// Sync modes.
const (
	// SyncImmediate fsyncs after every append.
	SyncImmediate = "immediate"
	// SyncNone only flushes to the OS. Use for tests.
	SyncNone = "none"
)

var (
	ErrClosed           = errors.New("wal: closed")
	ErrInvalidEntryType = errors.New("wal: invalid entry type")
	ErrMissingTxID      = errors.New("wal: missing transaction id")
)

// Entry is one immutable log record.
type Entry struct {
	ID            string          `json:"entry_id"`
	Sequence      uint64          `json:"seq"`
	Type          EntryType       `json:"entry_type"`
	TransactionID string          `json:"transaction_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	// Checksum is the hex BLAKE2b-256 digest of the canonical Data.
	Checksum string `json:"checksum"`
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Verify recomputes the checksum of the payload.
func (e Entry) Verify() bool {
	sum, err := Checksum(e.Data)
	return err == nil && sum == e.Checksum
}

// Config configures a Log.
type Config struct {
	Dir string `yaml:"dir"`
	// SyncMode is SyncImmediate or SyncNone.
	SyncMode string `yaml:"sync_mode"`
	// MaxFileSize rolls over to a new segment once the active one would
	// exceed it. Zero disables rollover.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Dir:         "data/wal",
		SyncMode:    SyncImmediate,
		MaxFileSize: 64 * 1024 * 1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("wal: dir is required")
	}
	switch c.SyncMode {
	case "", SyncImmediate, SyncNone:
	default:
		return fmt.Errorf("wal: unsupported sync mode %q", c.SyncMode)
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("wal: negative max file size %d", c.MaxFileSize)
	}
	return nil
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Log) { w.logger = l }
}

// WithMetrics records appends.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Log) { w.metrics = m }
}

// Log is a segmented write-ahead log. Safe for concurrent use.
type Log struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	segment int
	segSize int64
	seq     uint64
	closed  bool

	entries atomic.Int64
	bytes   atomic.Int64
	syncs   atomic.Int64
}

// Stats describes a Log.
type Stats struct {
	Sequence     uint64
	Entries      int64
	BytesWritten int64
	Syncs        int64
	Segment      int
	Closed       bool
}

// Open opens or creates the log in cfg.Dir. Appends continue in the newest
// existing segment.
func Open(cfg Config, opts ...Option) (*Log, error) {
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncImmediate
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}

	w := &Log{cfg: cfg}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrDiscard(w.logger).With("component", "wal")

	segments, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	w.segment = 1
	if n := len(segments); n > 0 {
		w.segment = segments[n-1]
		if err := w.repairTail(filepath.Join(cfg.Dir, segmentName(w.segment))); err != nil {
			return nil, err
		}
		res, err := readSegments(cfg.Dir, segments)
		if err != nil {
			return nil, err
		}
		for _, e := range res.Entries {
			if e.Sequence > w.seq {
				w.seq = e.Sequence
			}
		}
	}
	if err := w.openSegmentLocked(); err != nil {
		return nil, err
	}

	w.logger.Debug("wal opened", "dir", cfg.Dir, "segment", w.segment, "sequence", w.seq)
	return w, nil
}

func segmentName(n int) string {
	return fmt.Sprintf("wal-%06d.log", n)
}

func listSegments(dir string) ([]int, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to list segments: %w", err)
	}
	var segs []int
	for _, de := range des {
		if de.IsDir() || !strings.HasPrefix(de.Name(), "wal-") {
			continue
		}
		num := strings.TrimSuffix(strings.TrimPrefix(de.Name(), "wal-"), ".log")
		if n, err := strconv.Atoi(num); err == nil && segmentName(n) == de.Name() {
			segs = append(segs, n)
		}
	}
	sort.Ints(segs)
	return segs, nil
}

func (w *Log) openSegmentLocked() error {
	path := filepath.Join(w.cfg.Dir, segmentName(w.segment))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: failed to stat segment: %w", err)
	}
	// A new segment's directory entry must be durable before its first
	// entry is.
	if info.Size() == 0 && w.cfg.SyncMode == SyncImmediate {
		if err := syncDir(w.cfg.Dir); err != nil {
			f.Close()
			return err
		}
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 64*1024)
	w.segSize = info.Size()
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("wal: failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync directory: %w", err)
	}
	return nil
}

// repairTail truncates a segment after its last newline. A crash in the
// middle of a write leaves a torn final line; appending after it would merge
// the next entry into that fragment.
func (w *Log) repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to open segment: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("wal: failed to stat segment: %w", err)
	}

	size := info.Size()
	end := size
	buf := make([]byte, 4096)
	for end > 0 {
		n := int64(len(buf))
		if n > end {
			n = end
		}
		if _, err := f.ReadAt(buf[:n], end-n); err != nil {
			return fmt.Errorf("wal: failed to read segment tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			end = end - n + int64(i) + 1
			break
		}
		end -= n
	}
	if end == size {
		return nil
	}

	if err := f.Truncate(end); err != nil {
		return fmt.Errorf("wal: failed to truncate torn tail: %w", err)
	}
	if w.cfg.SyncMode != SyncNone {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("wal: sync failed: %w", err)
		}
	}
	w.logger.Warn("truncated torn wal tail", "segment", filepath.Base(path), "bytes", size-end)
	return nil
}

// Append durably records one protocol step. It returns only after the entry
// is on stable storage; any failure is a fault.KindDurability error and the
// caller must not proceed with the step.
func (w *Log) Append(entryType EntryType, txID string, data any) (*Entry, error) {
	entry, err := w.append(entryType, txID, data)
	w.metrics.WALAppended(string(entryType), err)
	if err != nil {
		w.logger.Error("wal append failed", "type", entryType, "txid", txID, "error", err)
		return nil, fault.New(fault.KindDurability, "wal.append", err).WithTx(txID)
	}
	return entry, nil
}

func (w *Log) append(entryType EntryType, txID string, data any) (*Entry, error) {
	if !entryType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntryType, entryType)
	}
	if txID == "" {
		return nil, ErrMissingTxID
	}
	payload, err := Canonicalize(data)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to marshal data: %w", err)
	}
	sum, err := Checksum(payload)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}

	w.seq++
	entry := &Entry{
		ID:            uuid.NewString(),
		Sequence:      w.seq,
		Type:          entryType,
		TransactionID: txID,
		Timestamp:     time.Now().UTC(),
		Data:          payload,
		Checksum:      sum,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		w.seq--
		return nil, fmt.Errorf("wal: failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if w.cfg.MaxFileSize > 0 && w.segSize > 0 && w.segSize+int64(len(line)) > w.cfg.MaxFileSize {
		if err := w.rotateLocked(); err != nil {
			w.seq--
			return nil, err
		}
	}

	if _, err := w.writer.Write(line); err != nil {
		return nil, fmt.Errorf("wal: failed to write entry: %w", err)
	}
	if err := w.syncLocked(); err != nil {
		return nil, err
	}

	w.segSize += int64(len(line))
	w.entries.Add(1)
	w.bytes.Add(int64(len(line)))
	return entry, nil
}

func (w *Log) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	if w.cfg.SyncMode != SyncNone {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync failed: %w", err)
		}
	}
	w.syncs.Add(1)
	return nil
}

func (w *Log) rotateLocked() error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close segment: %w", err)
	}
	w.segment++
	if err := w.openSegmentLocked(); err != nil {
		return err
	}
	w.logger.Debug("wal segment rotated", "segment", w.segment)
	return nil
}

// Checkpoint marks txID committed by appending a COMMIT entry.
func (w *Log) Checkpoint(txID string) (*Entry, error) {
	return w.Append(Commit, txID, map[string]any{"checkpoint": true})
}

// ReadResult is the outcome of scanning the log.
type ReadResult struct {
	Entries []Entry
	// Corrupted counts lines that failed to decode or verify.
	Corrupted int
}

// Read returns every valid entry in append order.
func (w *Log) Read() (ReadResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ReadResult{}, ErrClosed
	}
	segments, err := listSegments(w.cfg.Dir)
	if err != nil {
		return ReadResult{}, err
	}
	res, err := readSegments(w.cfg.Dir, segments)
	if err != nil {
		return ReadResult{}, err
	}
	if res.Corrupted > 0 {
		w.logger.Warn("wal contains corrupted entries", "count", res.Corrupted)
	}
	return res, nil
}

// ReadEntries returns the entries of txID in append order, or all entries
// when txID is empty.
func (w *Log) ReadEntries(txID string) ([]Entry, error) {
	res, err := w.Read()
	if err != nil {
		return nil, err
	}
	if txID == "" {
		return res.Entries, nil
	}
	var out []Entry
	for _, e := range res.Entries {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecoverUncommitted groups entries by transaction and returns those of
// every transaction that has no COMMIT entry.
func (w *Log) RecoverUncommitted() (map[string][]Entry, error) {
	res, err := w.Read()
	if err != nil {
		return nil, err
	}
	_, pending := Uncommitted(res.Entries)
	return pending, nil
}

// UncommittedIDs returns the ids of uncommitted transactions in order of
// their first entry.
func (w *Log) UncommittedIDs() ([]string, error) {
	res, err := w.Read()
	if err != nil {
		return nil, err
	}
	ids, _ := Uncommitted(res.Entries)
	return ids, nil
}

// Uncommitted groups entries of transactions without a COMMIT entry. The
// ids are returned in order of first appearance.
func Uncommitted(entries []Entry) ([]string, map[string][]Entry) {
	committed := make(map[string]bool)
	for _, e := range entries {
		if e.Type == Commit {
			committed[e.TransactionID] = true
		}
	}
	var ids []string
	pending := make(map[string][]Entry)
	for _, e := range entries {
		if committed[e.TransactionID] {
			continue
		}
		if _, seen := pending[e.TransactionID]; !seen {
			ids = append(ids, e.TransactionID)
		}
		pending[e.TransactionID] = append(pending[e.TransactionID], e)
	}
	return ids, pending
}

// Clear removes every segment and starts a fresh one. Only call it once all
// transactions are checkpointed and archived.
func (w *Log) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close segment: %w", err)
	}
	segments, err := listSegments(w.cfg.Dir)
	if err != nil {
		return err
	}
	for _, n := range segments {
		if err := os.Remove(filepath.Join(w.cfg.Dir, segmentName(n))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: failed to remove segment: %w", err)
		}
	}
	w.segment = 1
	if err := w.openSegmentLocked(); err != nil {
		return err
	}
	w.logger.Info("wal cleared", "removed_segments", len(segments))
	return nil
}

// Stats returns the log counters.
func (w *Log) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Sequence:     w.seq,
		Entries:      w.entries.Load(),
		BytesWritten: w.bytes.Load(),
		Syncs:        w.syncs.Load(),
		Segment:      w.segment,
		Closed:       w.closed,
	}
}

// Dir returns the log directory.
func (w *Log) Dir() string { return w.cfg.Dir }

// Close flushes and closes the active segment.
func (w *Log) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	syncErr := w.syncLocked()
	return errors.Join(syncErr, w.file.Close())
}

// Inspect reads a log directory without opening it for writing.
func Inspect(dir string) (ReadResult, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return ReadResult{}, err
	}
	return readSegments(dir, segments)
}

func readSegments(dir string, segments []int) (ReadResult, error) {
	var res ReadResult
	for _, n := range segments {
		if err := readSegment(filepath.Join(dir, segmentName(n)), &res); err != nil {
			return ReadResult{}, err
		}
	}
	return res, nil
}

func readSegment(path string, res *ReadResult) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: failed to open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var e Entry
			if jsonErr := json.Unmarshal(line, &e); jsonErr != nil || !e.Verify() {
				res.Corrupted++
			} else {
				res.Entries = append(res.Entries, e)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wal: failed to read %s: %w", filepath.Base(path), err)
		}
	}
}

// Canonicalize returns the compact JSON of v with object keys sorted. A nil
// value becomes an empty object.
func Canonicalize(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicalJSON(raw)
}

func canonicalJSON(raw []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	return json.Marshal(generic)
}

// Checksum returns the hex BLAKE2b-256 digest of the canonical form of
// payload.
func Checksum(payload []byte) (string, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("wal: failed to canonicalize data: %w", err)
	}
	sum := blake2b.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// internal/deadletter/writer.go
package deadletter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"json-upsert/internal/metrics"
	"json-upsert/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// ErrFull is returned by Write once the size cap is reached. The record
// is counted as dropped.
var ErrFull = errors.New("dead-letter file full")

// Entry is one line of a dead-letter file.
//
// Record holds the original line when it was valid JSON (so the file can
// be fed back in after fixing), Raw holds it verbatim otherwise.
type Entry struct {
	Line   int             `json:"line"`
	Error  string          `json:"error"`
	Record json.RawMessage `json:"record,omitempty"`
	Raw    string          `json:"raw,omitempty"`
}

// Meta is the sidecar written next to the data file on Close.
type Meta struct {
	NumRecords int64  `json:"num_records"`
	Dropped    int64  `json:"dropped"`
	Run        string `json:"run"`
}

// Writer
// ------------------------------------------------------------
// Collects rejected records of one run into a single gzip JSONL file.
//
//   - the file is created on the first Write, so clean runs leave nothing
//   - maxBytes caps the uncompressed size; past it records are dropped
//   - Close finishes the gzip stream and writes <file>.meta.json
//
// Not safe for concurrent use; the dispatcher's emitter owns it.
type Writer struct {
	dir      string
	runID    string
	maxBytes int64
	metrics  *metrics.Metrics

	f    *os.File
	gz   *gzip.Writer
	path string

	written int64 // uncompressed bytes
	count   int64
	dropped int64
	closed  bool
}

func NewWriter(dir, runID string, maxBytes int64, m *metrics.Metrics) *Writer {
	if m == nil {
		m = metrics.New()
	}
	return &Writer{
		dir:      dir,
		runID:    runID,
		maxBytes: maxBytes,
		metrics:  m,
	}
}

// Write appends one rejected record.
func (w *Writer) Write(line int, raw []byte, cause error) error {
	if w.closed {
		return errors.New("dead-letter writer closed")
	}

	buf := pool.GetBody()
	defer pool.PutBody(buf)

	entry := Entry{Line: line}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if json.Valid(raw) {
		entry.Record = raw
	} else {
		entry.Raw = string(raw)
	}

	if err := json.NewEncoder(buf).Encode(entry); err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	size := int64(buf.Len())
	if w.maxBytes > 0 && w.written+size > w.maxBytes {
		if w.dropped == 0 {
			log.Warn().
				Str("file", w.path).
				Int64("max_bytes", w.maxBytes).
				Msg("dead-letter file full, dropping further records")
		}
		w.dropped++
		atomic.AddInt64(&w.metrics.DeadLetterDroppedTotal, 1)
		return ErrFull
	}

	if err := w.open(); err != nil {
		return err
	}

	if _, err := w.gz.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}

	w.written += size
	w.count++
	atomic.AddInt64(&w.metrics.DeadLetterWrittenTotal, 1)

	return nil
}

func (w *Writer) open() error {
	if w.f != nil {
		return nil
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create dead-letter dir: %w", err)
	}

	path := filepath.Join(w.dir, NewFilename(w.runID, time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create dead-letter file: %w", err)
	}

	gz, err := gzip.NewWriterLevel(f, gzip.BestSpeed)
	if err != nil {
		_ = f.Close()
		return err
	}

	w.f, w.gz, w.path = f, gz, path
	log.Info().Str("file", path).Msg("dead-letter file opened")

	return nil
}

// Path is the data file, or "" when nothing was written.
func (w *Writer) Path() string { return w.path }

// Count is the number of records written.
func (w *Writer) Count() int64 { return w.count }

// Dropped is the number of records refused because of the size cap.
func (w *Writer) Dropped() int64 { return w.dropped }

// Close flushes the gzip stream and writes the meta sidecar. Calling it
// more than once is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.f == nil {
		return nil
	}

	err := w.gz.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close dead-letter file: %w", err)
	}

	meta, err := json.Marshal(Meta{NumRecords: w.count, Dropped: w.dropped, Run: w.runID})
	if err != nil {
		return err
	}
	if err := os.WriteFile(MetaPath(w.path), meta, 0o600); err != nil {
		return fmt.Errorf("write dead-letter meta: %w", err)
	}

	return nil
}

// MetaPath returns the sidecar path for a data file.
func MetaPath(path string) string {
	return path + ".meta.json"
}

// Package audit maintains the audit log: an ordered CSV record of every
// (filename, digest, record id) the reconciler has certified. The log is the
// idempotency boundary for reconciliation; a filename in the log is never
// anchored again.
//
// The file is rewritten in full on every append, through a temporary file in
// the same directory that is synced and renamed over the old log. A crash at
// any point leaves either the previous log or the new one, never a truncated
// mix.
package audit

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/digest"
)

var (
	// ErrMalformed is returned when the log cannot be parsed. The wrapping
	// error names the offending line.
	ErrMalformed = errors.New("audit: malformed log")

	// ErrDuplicate is returned by Append for a filename already in the log.
	ErrDuplicate = errors.New("audit: filename already recorded")
)

// Header is the first row of every audit log.
var Header = []string{"Filename", "Hash", "Record ID"}

// Record is one row of the log.
type Record struct {
	Filename string
	Digest   string
	RecordID uint64
}

// Log is a file-backed audit log. It is safe for concurrent use within one
// process.
type Log struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

// NewLog returns a Log stored at path. The file need not exist yet.
func NewLog(path string, logger *zap.Logger) *Log {
	return &Log{path: path, logger: logger}
}

// Path returns the location of the log file.
func (l *Log) Path() string { return l.path }

// Load returns every record in log order. A missing file is an empty log.
func (l *Log) Load() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// KnownFilenames returns the filename → digest mapping of the log.
func (l *Log) KnownFilenames() (map[string]string, error) {
	recs, err := l.Load()
	if err != nil {
		return nil, err
	}
	known := make(map[string]string, len(recs))
	for _, r := range recs {
		known[r.Filename] = r.Digest
	}
	return known, nil
}

// Count returns the number of records in the log.
func (l *Log) Count() (int, error) {
	recs, err := l.Load()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Append adds recs after the existing rows. Existing rows keep their order.
// If any filename is already recorded, or appears twice in recs, nothing is
// written and the error wraps ErrDuplicate.
func (l *Log) Append(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.load()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(existing)+len(recs))
	for _, r := range existing {
		seen[r.Filename] = struct{}{}
	}
	for _, r := range recs {
		if r.Filename == "" {
			return fmt.Errorf("audit: append: empty filename")
		}
		if !digest.IsValidHex(r.Digest) {
			return fmt.Errorf("audit: append %s: digest %q is not 64 lowercase hex characters", r.Filename, r.Digest)
		}
		if _, dup := seen[r.Filename]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.Filename)
		}
		seen[r.Filename] = struct{}{}
	}

	all := make([]Record, 0, len(existing)+len(recs))
	all = append(all, existing...)
	all = append(all, recs...)
	if err := l.replace(all); err != nil {
		return err
	}

	l.logger.Debug("audit log rewritten",
		zap.String("path", l.path),
		zap.Int("appended", len(recs)),
		zap.Int("total", len(all)),
	)
	return nil
}

func (l *Log) load() ([]Record, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	head, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(head) != len(Header) || head[0] != Header[0] || head[1] != Header[1] || head[2] != Header[2] {
		return nil, fmt.Errorf("%w: line 1: unexpected header %q", ErrMalformed, head)
	}

	var (
		out  []Record
		seen = make(map[string]int)
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		line, _ := cr.FieldPos(0)
		if len(row) != len(Header) {
			return nil, fmt.Errorf("%w: line %d: want %d fields, got %d", ErrMalformed, line, len(Header), len(row))
		}
		if row[0] == "" {
			return nil, fmt.Errorf("%w: line %d: empty filename", ErrMalformed, line)
		}
		if !digest.IsValidHex(row[1]) {
			return nil, fmt.Errorf("%w: line %d: invalid digest %q", ErrMalformed, line, row[1])
		}
		id, err := strconv.ParseUint(row[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: invalid record id %q", ErrMalformed, line, row[2])
		}
		if prev, dup := seen[row[0]]; dup {
			return nil, fmt.Errorf("%w: line %d: filename %q already recorded on line %d", ErrMalformed, line, row[0], prev)
		}
		seen[row[0]] = line
		out = append(out, Record{Filename: row[0], Digest: row[1], RecordID: id})
	}
}

// replace writes recs to a temporary file next to the log and renames it
// into place.
func (l *Log) replace(recs []Record) (err error) {
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("audit: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp)
	if err := w.Write(Header); err != nil {
		return fmt.Errorf("audit: write header: %w", err)
	}
	for _, r := range recs {
		if err := w.Write([]string{r.Filename, r.Digest, strconv.FormatUint(r.RecordID, 10)}); err != nil {
			return fmt.Errorf("audit: write %s: %w", r.Filename, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("audit: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("audit: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("audit: replace %s: %w", l.path, err)
	}

	// Persist the rename. Not every platform can sync a directory.
	if d, derr := os.Open(dir); derr == nil {
		if serr := d.Sync(); serr != nil {
			l.logger.Debug("audit: directory sync failed", zap.Error(serr))
		}
		d.Close()
	}
	return nil
}

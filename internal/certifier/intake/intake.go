// Package intake accepts operator uploads into the input directory, runs a
// reconciliation pass over them and removes the files the pass certified.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/audit"
	"github.com/certroot/certroot/internal/reconcile"
)

// ErrInvalidFilename is returned for names that cannot be stored flat in the
// input directory.
var ErrInvalidFilename = errors.New("invalid filename")

// Upload statuses and cleanup states reported to the caller.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	CleanupCompleted = "completed"
	CleanupFailed    = "failed"
	CleanupPending   = "pending"
)

// Upload is one file received from an operator.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// FileResult is the per-file outcome.
type FileResult struct {
	Filename    string  `json:"filename"`
	Digest      string  `json:"hash,omitempty"`
	RecordID    *uint64 `json:"recordId,omitempty"`
	TxHash      string  `json:"tx_hash,omitempty"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	ContentType string  `json:"file_type,omitempty"`
}

// Report summarises an intake request.
type Report struct {
	Files         []FileResult `json:"uploaded_files"`
	Total         int          `json:"total"`
	Successful    int          `json:"successful"`
	Failed        int          `json:"failed"`
	CleanupStatus string       `json:"cleanup_status"`
}

// Reconciler runs a blocking reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Summary, error)
}

// AuditLog lists the records already certified.
type AuditLog interface {
	Load() ([]audit.Record, error)
}

// Service writes uploads and drives the pass that certifies them.
type Service struct {
	dir      string
	engine   Reconciler
	audit    AuditLog
	digester reconcile.Digester
	logger   *zap.Logger
}

// NewService creates a Service writing into dir.
func NewService(dir string, engine Reconciler, log AuditLog, d reconcile.Digester, logger *zap.Logger) *Service {
	return &Service{dir: dir, engine: engine, audit: log, digester: d, logger: logger}
}

// stored is an upload written to the input directory.
type stored struct {
	index  int
	digest string
}

// SanitizeFilename reduces name to its final path element and rejects names
// that would not land as a plain file in the input directory.
func SanitizeFilename(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch {
	case base == "", base == ".", base == "..", base == "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case reconcile.Skip(base):
		return "", fmt.Errorf("%w: %q is reserved for in-progress files", ErrInvalidFilename, base)
	}
	return base, nil
}

// Accept stores uploads, runs a pass and cleans up certified files. Per-file
// errors are reported in the result; the returned error is reserved for
// failures that prevented the pass from running at all.
func (s *Service) Accept(ctx context.Context, uploads []Upload) (*Report, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create input directory: %w", err)
	}
	known, err := s.known()
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, len(uploads))
	written := make(map[string]stored, len(uploads))
	for i, up := range uploads {
		results[i] = FileResult{Filename: up.Filename, ContentType: contentType(up.ContentType)}
		name, err := SanitizeFilename(up.Filename)
		if err != nil {
			results[i].fail(err)
			continue
		}
		results[i].Filename = name
		if _, ok := known[name]; ok {
			results[i].fail(fmt.Errorf("%s is already certified", name))
			continue
		}
		if _, ok := written[name]; ok {
			results[i].fail(fmt.Errorf("%s appears twice in this upload", name))
			continue
		}
		digest, err := s.store(name, up.Body)
		if err != nil {
			s.logger.Warn("store upload", zap.String("filename", name), zap.Error(err))
			results[i].fail(err)
			continue
		}
		written[name] = stored{index: i, digest: digest}
	}

	if len(written) > 0 {
		if err := s.reconcile(ctx, results, written); err != nil {
			return nil, err
		}
	}

	rep := &Report{Files: results, Total: len(results), CleanupStatus: CleanupPending}
	var certified []string
	for _, r := range results {
		if r.Status == StatusSuccess {
			rep.Successful++
			certified = append(certified, r.Filename)
		} else {
			rep.Failed++
		}
	}
	if len(certified) > 0 {
		rep.CleanupStatus = s.cleanup(certified)
	}
	s.logger.Info("upload processed",
		zap.Int("total", rep.Total),
		zap.Int("successful", rep.Successful),
		zap.Int("failed", rep.Failed),
		zap.String("cleanup_status", rep.CleanupStatus),
	)
	return rep, nil
}

// reconcile runs passes until every written file has an outcome. A pass that
// was already in flight when the files landed is shared, so at most one more
// pass is started. Files another trigger certified in the meantime are found
// in the audit log afterwards.
func (s *Service) reconcile(ctx context.Context, results []FileResult, written map[string]stored) error {
	open := make(map[string]stored, len(written))
	for k, v := range written {
		open[k] = v
	}
	for attempt := 0; attempt < 2 && len(open) > 0; attempt++ {
		sum, err := s.engine.Run(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		for _, rec := range sum.Records {
			w, ok := open[rec.Filename]
			if !ok {
				continue
			}
			results[w.index].succeed(rec)
			results[w.index].TxHash = sum.TxHash(rec.Filename)
			delete(open, rec.Filename)
		}
		for _, f := range sum.Failed {
			w, ok := open[f.Filename]
			if !ok {
				continue
			}
			results[w.index].Status = StatusError
			results[w.index].Error = fmt.Sprintf("%s: %s", f.Stage, f.Message)
			delete(open, f.Filename)
		}
	}
	if len(open) == 0 {
		return nil
	}

	recs, err := s.audit.Load()
	if err != nil {
		return fmt.Errorf("load audit log: %w", err)
	}
	for _, rec := range recs {
		w, ok := open[rec.Filename]
		if !ok {
			continue
		}
		delete(open, rec.Filename)
		if rec.Digest != w.digest {
			results[w.index].fail(fmt.Errorf("%s was certified with different content", rec.Filename))
			continue
		}
		results[w.index].succeed(rec)
	}
	for _, w := range open {
		results[w.index].Status = StatusError
		results[w.index].Error = "not processed by reconciliation; it will be retried"
	}
	return nil
}

func (s *Service) known() (map[string]struct{}, error) {
	recs, err := s.audit.Load()
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	known := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		known[r.Filename] = struct{}{}
	}
	return known, nil
}

// store writes body to dir/name through a .part file so that a pass never
// sees a half-written upload, and returns the content digest. The final name
// is created with a hard link, which fails if the name already exists.
func (s *Service) store(name string, body io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	digest, err := s.digester.DigestFile(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", name, err)
	}
	if err := os.Link(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s is already waiting in the input directory", name)
		}
		return "", fmt.Errorf("link %s: %w", name, err)
	}
	return digest, nil
}

func (s *Service) cleanup(names []string) string {
	status := CleanupCompleted
	for _, n := range names {
		if err := os.Remove(filepath.Join(s.dir, n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("remove certified file", zap.String("filename", n), zap.Error(err))
			status = CleanupFailed
		}
	}
	return status
}

func (r *FileResult) succeed(rec audit.Record) {
	id := rec.RecordID
	r.Digest = rec.Digest
	r.RecordID = &id
	r.Status = StatusSuccess
	r.Error = ""
}

func (r *FileResult) fail(err error) {
	r.Status = StatusError
	r.Error = err.Error()
}

func contentType(ct string) string {
	if ct == "" {
		return "unknown"
	}
	return ct
}

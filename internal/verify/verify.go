// Package verify answers whether uploaded content was previously certified.
// Content is matched by digest, never by filename, and every match is proven
// by re-reading the ledger entry the mirror points at.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/ledger"
	"github.com/certroot/certroot/internal/mirror"
)

// Status is the outcome of a verification.
type Status string

const (
	StatusOriginal         Status = "original"
	StatusNoMatch          Status = "no_match"
	StatusConsistencyFault Status = "consistency_fault"
	StatusError            Status = "error"
)

// Result is the structured answer returned to callers. Field names on the
// wire follow the original certifier API.
type Result struct {
	Status          Status  `json:"status"`
	MatchedFilename string  `json:"matched_file,omitempty"`
	RecordID        *uint64 `json:"recordId,omitempty"`
	Digest          string  `json:"hash,omitempty"`
	ChainDigest     string  `json:"hash_verified,omitempty"`
	BlockNumber     uint64  `json:"block_num,omitempty"`
	Timestamp       int64   `json:"timestamp,omitempty"`
	Message         string  `json:"message,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Hasher digests a stream.
type Hasher interface {
	Digest(r io.Reader) (string, error)
}

// Finder resolves a digest to its certified record.
type Finder interface {
	FindByDigest(ctx context.Context, digest string) (*mirror.FileRecord, error)
}

// LedgerReader reads anchored entries.
type LedgerReader interface {
	Read(ctx context.Context, id uint64) (*ledger.Record, error)
}

// Service verifies uploaded content. It is safe for concurrent use.
type Service struct {
	hasher Hasher
	finder Finder
	ledger LedgerReader
	cache  *entryCache
	logger *zap.Logger
}

// NewService creates a Service. A positive cacheTTL enables the ledger read
// cache.
func NewService(h Hasher, f Finder, l LedgerReader, cacheTTL time.Duration, logger *zap.Logger) *Service {
	s := &Service{hasher: h, finder: f, ledger: l, logger: logger}
	if cacheTTL > 0 {
		s.cache = newEntryCache(cacheTTL)
	}
	return s
}

// Verify digests r and checks it against the mirror and the ledger. It never
// returns a Go error: failures are reported as StatusError with a message
// the end user can act on, and the detail is logged.
func (s *Service) Verify(ctx context.Context, r io.Reader) Result {
	d, err := s.hasher.Digest(r)
	if err != nil {
		s.logger.Warn("verify: digest upload", zap.Error(err))
		return s.done(Result{Status: StatusError, Error: "could not read uploaded file"})
	}
	return s.done(s.check(ctx, d))
}

// VerifyDigest checks an already computed digest.
func (s *Service) VerifyDigest(ctx context.Context, hexDigest string) Result {
	return s.done(s.check(ctx, hexDigest))
}

func (s *Service) check(ctx context.Context, d string) Result {
	rec, err := s.finder.FindByDigest(ctx, d)
	if errors.Is(err, mirror.ErrNotFound) {
		return Result{Status: StatusNoMatch, Digest: d, Message: "No such file in DB."}
	}
	if err != nil {
		s.logger.Error("verify: mirror lookup", zap.String("digest", d), zap.Error(err))
		return Result{Status: StatusError, Digest: d, Error: "verification failed, try again later"}
	}

	id := rec.RecordID
	res := Result{MatchedFilename: rec.Filename, RecordID: &id, Digest: rec.Digest}

	entry, err := s.read(ctx, id)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		s.logger.Error("verify: mirror points at a missing ledger record",
			zap.String("filename", rec.Filename),
			zap.Uint64("record_id", id),
		)
		res.Status = StatusConsistencyFault
		res.Message = fmt.Sprintf("record %d is not on the ledger", id)
		return res
	}
	if err != nil {
		s.logger.Error("verify: ledger read", zap.Uint64("record_id", id), zap.Error(err))
		res.Status = StatusError
		res.Error = "verification failed, try again later"
		return res
	}

	res.ChainDigest = entry.Digest
	res.BlockNumber = entry.BlockNumber
	res.Timestamp = entry.Timestamp

	if entry.Digest != rec.Digest {
		fault := &ledger.ConsistencyFault{
			RecordID: id,
			Expected: rec.Digest,
			Observed: entry.Digest,
			Reason:   "mirror digest differs from ledger",
		}
		s.logger.Error("verify: consistency fault",
			zap.String("filename", rec.Filename),
			zap.Error(fault),
		)
		res.Status = StatusConsistencyFault
		res.Message = "the certification record does not match the ledger; flagged for manual reconciliation"
		return res
	}

	res.Status = StatusOriginal
	return res
}

func (s *Service) read(ctx context.Context, id uint64) (ledger.Record, error) {
	if s.cache != nil {
		if rec, ok := s.cache.get(id); ok {
			verifyCacheHits.Inc()
			return rec, nil
		}
	}
	rec, err := s.ledger.Read(ctx, id)
	if err != nil {
		return ledger.Record{}, err
	}
	if s.cache != nil {
		s.cache.set(*rec)
	}
	return *rec, nil
}

func (s *Service) done(r Result) Result {
	verifyTotal.WithLabelValues(string(r.Status)).Inc()
	return r
}

// CacheLen returns the number of cached ledger entries.
func (s *Service) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.len()
}

// RunCacheEviction evicts expired cache entries every interval until ctx is
// cancelled.
func (s *Service) RunCacheEviction(ctx context.Context, interval time.Duration) {
	if s.cache == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.cache.evict(); n > 0 {
				s.logger.Debug("verify cache eviction", zap.Int("evicted", n))
			}
		}
	}
}

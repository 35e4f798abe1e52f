// Package mirror is the queryable copy of certified (filename, digest,
// record id) tuples. Filename is unique; lookups by digest let two files with
// identical content resolve to the same certification. The mirror is a cache
// of what the audit log and ledger already hold and can be rebuilt from them.
package mirror

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("mirror: record not found")

// FileRecord is a certified file.
type FileRecord struct {
	Filename  string    `json:"filename"`
	Digest    string    `json:"digest"`
	RecordID  uint64    `json:"record_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome describes what a single upsert did.
type Outcome int

const (
	Inserted Outcome = iota + 1
	Updated
	Unchanged
)

// FailedUpsert pairs a record with the error that prevented its upsert.
type FailedUpsert struct {
	Record FileRecord
	Err    error
}

// BatchResult reports a batch upsert item by item. Confirmed holds every
// record the store acknowledged, whatever the outcome.
type BatchResult struct {
	Upserted  int
	Modified  int
	Unchanged int
	Confirmed []FileRecord
	Failed    []FailedUpsert
}

// Store is the mirror contract. Implementations must be safe for concurrent use.
type Store interface {
	// Upsert writes rec keyed by filename. Re-applying the same record is a
	// no-op that reports Unchanged.
	Upsert(ctx context.Context, rec FileRecord) (Outcome, error)

	// UpsertBatch applies every record independently; one failure never
	// prevents the others.
	UpsertBatch(ctx context.Context, recs []FileRecord) BatchResult

	// FindByDigest returns the earliest-anchored record with digest, or ErrNotFound.
	FindByDigest(ctx context.Context, digest string) (*FileRecord, error)

	// FindByFilename returns the record for filename, or ErrNotFound.
	FindByFilename(ctx context.Context, filename string) (*FileRecord, error)

	// List returns up to limit records ordered by record id. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]FileRecord, error)

	// Count returns the number of records.
	Count(ctx context.Context) (int, error)

	// Delete removes the record for filename, or returns ErrNotFound.
	Delete(ctx context.Context, filename string) error
}

// UpsertEach applies recs one Upsert at a time and collects the per-item
// results. It is the UpsertBatch of every Store in this package.
func UpsertEach(ctx context.Context, s Store, recs []FileRecord) BatchResult {
	var res BatchResult
	for _, rec := range recs {
		out, err := s.Upsert(ctx, rec)
		if err != nil {
			res.Failed = append(res.Failed, FailedUpsert{Record: rec, Err: err})
			continue
		}
		switch out {
		case Inserted:
			res.Upserted++
		case Updated:
			res.Modified++
		case Unchanged:
			res.Unchanged++
		}
		res.Confirmed = append(res.Confirmed, rec)
	}
	return res
}

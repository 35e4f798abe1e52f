// Package ledger anchors file digests in an append-only record store.
//
// A Backend exposes the three primitives every ledger provides: append a
// 32-byte digest, read the entry at a record id, and count the entries.
// Record ids are sequential, starting at 0, and assigned in append order.
// Entries are never mutated or removed.
//
// Client wraps a Backend with hex encoding, bounded append timeouts and the
// record id derivation rules. Three backends are provided:
//   - MemoryLedger: in-process, for tests and single-process development.
//   - PostgresLedger: durable, shared by every certroot instance.
//   - SQLiteLedger: a local single-file ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned when a record id is at or beyond the
	// current total count.
	ErrRecordNotFound = errors.New("ledger: record not found")

	// ErrInvalidDigestLength is returned when a digest does not encode to
	// exactly 32 bytes.
	ErrInvalidDigestLength = errors.New("ledger: digest must be exactly 32 bytes")

	// ErrInvalidDigest is returned for hex digests containing non-hex characters.
	ErrInvalidDigest = errors.New("ledger: digest is not valid hex")

	// ErrLedgerTimeout is returned when an append does not confirm within the
	// configured timeout. The entry may or may not have landed.
	ErrLedgerTimeout = errors.New("ledger: append timed out")

	// ErrConsistencyFault is wrapped by every *ConsistencyFault.
	ErrConsistencyFault = errors.New("ledger: consistency fault")
)

// Entry is a single immutable ledger record.
type Entry struct {
	RecordID    uint64 `json:"record_id"`
	Digest      []byte `json:"digest"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   int64  `json:"timestamp"` // seconds since epoch
}

// Receipt is what a backend reports after an append is confirmed.
// Indexed is true when the backend itself knows the assigned record id; a
// contract-style ledger that only hands back a transaction hash leaves it
// false and the id must be derived from the count observed before submission.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	RecordID    uint64
	Indexed     bool
}

// Backend is the set of ledger primitives.
type Backend interface {
	// Store appends digest and blocks until the append is confirmed.
	Store(ctx context.Context, digest [32]byte) (Receipt, error)

	// Retrieve returns the entry at id, or ErrRecordNotFound.
	Retrieve(ctx context.Context, id uint64) (*Entry, error)

	// TotalRecords returns the number of entries. It never decreases.
	TotalRecords(ctx context.Context) (uint64, error)
}

// DigestFinder is implemented by backends that index entries by digest.
type DigestFinder interface {
	// FindDigest returns the most recent record id holding digest.
	FindDigest(ctx context.Context, digest [32]byte) (id uint64, found bool, err error)
}

// ConsistencyFault reports ledger state that contradicts what the client
// expected, such as a post-append count that skipped ahead because another
// writer appended concurrently. It needs manual reconciliation and is never
// resolved automatically.
type ConsistencyFault struct {
	RecordID uint64 // candidate id for the affected entry
	Expected string
	Observed string
	Reason   string
}

func (f *ConsistencyFault) Error() string {
	return fmt.Sprintf("ledger: consistency fault at record %d: %s (expected %s, observed %s)",
		f.RecordID, f.Reason, f.Expected, f.Observed)
}

// Unwrap makes errors.Is(err, ErrConsistencyFault) hold.
func (f *ConsistencyFault) Unwrap() error { return ErrConsistencyFault }

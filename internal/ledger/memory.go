package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is an in-memory, thread-safe Backend that behaves like a
// certifier contract: Store returns only a transaction receipt, so callers
// learn the record id from the count. Each append is mined into its own block.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now}
}

// Store implements Backend.
func (l *MemoryLedger) Store(ctx context.Context, digest [32]byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := uint64(len(l.entries))
	entry := &Entry{
		RecordID:    idx,
		Digest:      append([]byte(nil), digest[:]...),
		BlockNumber: idx + 1,
		Timestamp:   l.now().UTC().Unix(),
	}
	l.entries = append(l.entries, entry)

	return Receipt{TxHash: txHash(digest, idx), BlockNumber: entry.BlockNumber}, nil
}

// Retrieve implements Backend.
func (l *MemoryLedger) Retrieve(_ context.Context, id uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id >= uint64(len(l.entries)) {
		return nil, fmt.Errorf("%w: id %d, total %d", ErrRecordNotFound, id, len(l.entries))
	}
	e := *l.entries[id]
	e.Digest = append([]byte(nil), e.Digest...)
	return &e, nil
}

// TotalRecords implements Backend.
func (l *MemoryLedger) TotalRecords(_ context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)), nil
}

// txHash derives a deterministic pseudo transaction hash for an append.
func txHash(digest [32]byte, idx uint64) string {
	h := sha256.New()
	h.Write(digest[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], idx)
	h.Write(b[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

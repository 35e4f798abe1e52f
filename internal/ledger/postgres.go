package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Store calls. The value is arbitrary but must be consistent
// across all certroot instances sharing the database.
const advisoryLockKey = int64(2_031_415_926)

// PostgresLedger persists ledger entries to the ledger_entries table.
// It implements Backend and DigestFinder.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// Store implements Backend.
// It acquires a transaction-scoped advisory lock, reads the next index and
// inserts the entry in one transaction, so ids stay gapless and ordered.
func (l *PostgresLedger) Store(ctx context.Context, digest [32]byte) (Receipt, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction ends.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return Receipt{}, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var next int64
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(idx) + 1, 0) FROM ledger_entries",
	).Scan(&next); err != nil {
		return Receipt{}, fmt.Errorf("read ledger tail: %w", err)
	}

	idx := uint64(next)
	hash := txHash(digest, idx)
	block := idx + 1
	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (idx, digest, block_number, tx_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		next, digest[:], int64(block), hash, now,
	); err != nil {
		return Receipt{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("ledger entry stored",
		zap.Uint64("idx", idx),
		zap.String("tx_hash", hash),
	)
	return Receipt{TxHash: hash, BlockNumber: block, RecordID: idx, Indexed: true}, nil
}

// Retrieve implements Backend.
func (l *PostgresLedger) Retrieve(ctx context.Context, id uint64) (*Entry, error) {
	var (
		idx, block int64
		created    time.Time
		e          Entry
	)
	err := l.pool.QueryRow(ctx,
		`SELECT idx, digest, block_number, created_at FROM ledger_entries WHERE idx = $1`,
		int64(id),
	).Scan(&idx, &e.Digest, &block, &created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("get ledger entry %d: %w", id, err)
	}
	e.RecordID = uint64(idx)
	e.BlockNumber = uint64(block)
	e.Timestamp = created.Unix()
	return &e, nil
}

// TotalRecords implements Backend.
func (l *PostgresLedger) TotalRecords(ctx context.Context) (uint64, error) {
	var n int64
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return uint64(n), nil
}

// FindDigest implements DigestFinder.
func (l *PostgresLedger) FindDigest(ctx context.Context, digest [32]byte) (uint64, bool, error) {
	var idx int64
	err := l.pool.QueryRow(ctx,
		"SELECT idx FROM ledger_entries WHERE digest = $1 ORDER BY idx DESC LIMIT 1",
		digest[:],
	).Scan(&idx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("find ledger digest: %w", err)
	}
	return uint64(idx), true, nil
}

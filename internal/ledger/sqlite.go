package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteLedger is a single-file ledger for development and standalone
// deployments. The database is held through one connection, which serialises
// every append in the process. It implements Backend and DigestFinder.
type SQLiteLedger struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteLedger opens (creating if needed) the ledger database at path.
func OpenSQLiteLedger(path string, logger *zap.Logger) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, logger: logger}
	if err := l.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	const q = `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		idx          INTEGER PRIMARY KEY,
		digest       BLOB    NOT NULL CHECK (length(digest) = 32),
		block_number INTEGER NOT NULL,
		tx_hash      TEXT    NOT NULL,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ledger_entries_digest_idx ON ledger_entries (digest);`
	if _, err := l.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("migrate sqlite ledger: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error { return l.db.Close() }

// Store implements Backend.
func (l *SQLiteLedger) Store(ctx context.Context, digest [32]byte) (Receipt, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(idx) + 1, 0) FROM ledger_entries",
	).Scan(&next); err != nil {
		return Receipt{}, fmt.Errorf("read ledger tail: %w", err)
	}

	idx := uint64(next)
	hash := txHash(digest, idx)
	block := idx + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (idx, digest, block_number, tx_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		next, digest[:], int64(block), hash, time.Now().UTC().Unix(),
	); err != nil {
		return Receipt{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("ledger entry stored", zap.Uint64("idx", idx), zap.String("tx_hash", hash))
	return Receipt{TxHash: hash, BlockNumber: block, RecordID: idx, Indexed: true}, nil
}

// Retrieve implements Backend.
func (l *SQLiteLedger) Retrieve(ctx context.Context, id uint64) (*Entry, error) {
	var (
		idx, block, ts int64
		e              Entry
	)
	err := l.db.QueryRowContext(ctx,
		"SELECT idx, digest, block_number, created_at FROM ledger_entries WHERE idx = ?",
		int64(id),
	).Scan(&idx, &e.Digest, &block, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("get ledger entry %d: %w", id, err)
	}
	e.RecordID = uint64(idx)
	e.BlockNumber = uint64(block)
	e.Timestamp = ts
	return &e, nil
}

// TotalRecords implements Backend.
func (l *SQLiteLedger) TotalRecords(ctx context.Context) (uint64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return uint64(n), nil
}

// FindDigest implements DigestFinder.
func (l *SQLiteLedger) FindDigest(ctx context.Context, digest [32]byte) (uint64, bool, error) {
	var idx int64
	err := l.db.QueryRowContext(ctx,
		"SELECT idx FROM ledger_entries WHERE digest = ? ORDER BY idx DESC LIMIT 1",
		digest[:],
	).Scan(&idx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("find ledger digest: %w", err)
	}
	return uint64(idx), true, nil
}

package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the mirror in the file_records table. The unique
// constraint file_records_filename_key enforces one row per filename.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert implements Store. A row that already holds the same digest and
// record id is left untouched, so no row comes back and the outcome is
// Unchanged. xmax = 0 on the returned row distinguishes an insert from an
// update.
func (s *PostgresStore) Upsert(ctx context.Context, rec FileRecord) (Outcome, error) {
	q := `
		INSERT INTO file_records (filename, digest, record_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (filename) DO UPDATE
			SET digest = EXCLUDED.digest,
			    record_id = EXCLUDED.record_id,
			    updated_at = EXCLUDED.updated_at
			WHERE file_records.digest <> EXCLUDED.digest
			   OR file_records.record_id <> EXCLUDED.record_id
		RETURNING (xmax = 0)`

	var inserted bool
	err := s.db.QueryRow(ctx, q,
		rec.Filename, rec.Digest, int64(rec.RecordID), time.Now().UTC(),
	).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unchanged, nil
		}
		return 0, fmt.Errorf("upsert %s: %w", rec.Filename, err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

// UpsertBatch implements Store. Items are upserted one statement at a time
// so that a failing row cannot abort the rest of the batch.
func (s *PostgresStore) UpsertBatch(ctx context.Context, recs []FileRecord) BatchResult {
	return UpsertEach(ctx, s, recs)
}

// FindByDigest implements Store.
func (s *PostgresStore) FindByDigest(ctx context.Context, digest string) (*FileRecord, error) {
	return s.scanOne(ctx,
		`SELECT filename, digest, record_id, updated_at FROM file_records
		 WHERE digest = $1 ORDER BY record_id ASC LIMIT 1`, digest)
}

// FindByFilename implements Store.
func (s *PostgresStore) FindByFilename(ctx context.Context, filename string) (*FileRecord, error) {
	return s.scanOne(ctx,
		`SELECT filename, digest, record_id, updated_at FROM file_records WHERE filename = $1`, filename)
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]FileRecord, error) {
	q := `SELECT filename, digest, record_id, updated_at FROM file_records ORDER BY record_id, filename`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var (
			r  FileRecord
			id int64
		)
		if err := rows.Scan(&r.Filename, &r.Digest, &id, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		r.RecordID = uint64(id)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM file_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count file records: %w", err)
	}
	return n, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, filename string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM file_records WHERE filename = $1`, filename)
	if err != nil {
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scanOne(ctx context.Context, q string, arg any) (*FileRecord, error) {
	var (
		r  FileRecord
		id int64
	)
	if err := s.db.QueryRow(ctx, q, arg).Scan(&r.Filename, &r.Digest, &id, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query file record: %w", err)
	}
	r.RecordID = uint64(id)
	return &r, nil
}

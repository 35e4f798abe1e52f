package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an admin lookup finds no matching record.
var ErrNotFound = errors.New("admin not found")

// ErrDuplicateUsername is returned when registering a username that exists.
var ErrDuplicateUsername = errors.New("admin already exists")

// Repository persists admin accounts.
type Repository interface {
	Create(ctx context.Context, a *Admin) error
	GetByID(ctx context.Context, id uuid.UUID) (*Admin, error)
	GetByUsername(ctx context.Context, username string) (*Admin, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// PostgresRepository stores admins in the admins table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new admin. Sets ID and CreatedAt on a.
func (r *PostgresRepository) Create(ctx context.Context, a *Admin) error {
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()

	q := `
		INSERT INTO admins (id, username, password_hash, email, full_name, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, q,
		a.ID, a.Username, a.PasswordHash, a.Email, a.FullName, a.CreatedAt, a.IsActive,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("create admin: %w", err)
	}
	return nil
}

// GetByID retrieves an admin by id.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Admin, error) {
	return r.scanOne(ctx, `SELECT id, username, password_hash, email, full_name, created_at, is_active FROM admins WHERE id = $1`, id)
}

// GetByUsername retrieves an admin by username.
func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*Admin, error) {
	return r.scanOne(ctx, `SELECT id, username, password_hash, email, full_name, created_at, is_active FROM admins WHERE username = $1`, username)
}

// SetActive enables or disables an account.
func (r *PostgresRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE admins SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set admin active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) scanOne(ctx context.Context, q string, arg any) (*Admin, error) {
	var a Admin
	err := r.db.QueryRow(ctx, q, arg).Scan(
		&a.ID, &a.Username, &a.PasswordHash, &a.Email, &a.FullName, &a.CreatedAt, &a.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan admin: %w", err)
	}
	return &a, nil
}

// MemoryRepository is an in-process Repository for tests and single-node
// development.
type MemoryRepository struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*Admin
	byUsername map[string]uuid.UUID
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[uuid.UUID]*Admin),
		byUsername: make(map[string]uuid.UUID),
	}
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, a *Admin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byUsername[a.Username]; exists {
		return ErrDuplicateUsername
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()
	cp := *a
	r.byID[a.ID] = &cp
	r.byUsername[a.Username] = a.ID
	return nil
}

// GetByID implements Repository.
func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Admin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// GetByUsername implements Repository.
func (r *MemoryRepository) GetByUsername(_ context.Context, username string) (*Admin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

// SetActive implements Repository.
func (r *MemoryRepository) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.IsActive = active
	return nil
}

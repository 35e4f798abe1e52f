package admin

import (
	"time"

	"github.com/google/uuid"
)

// Admin is an operator account allowed to upload files and trigger passes.
type Admin struct {
	ID           uuid.UUID `json:"id"         db:"id"`
	Username     string    `json:"username"   db:"username"`
	PasswordHash string    `json:"-"          db:"password_hash"`
	Email        string    `json:"email"      db:"email"`
	FullName     string    `json:"full_name"  db:"full_name"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	IsActive     bool      `json:"is_active"  db:"is_active"`
}

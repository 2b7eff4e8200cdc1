package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/pavel-fokin/files-depot/internal/access"
)

// Repository implements access.IdentityProvider using SQLite
type Repository struct {
	db   *sql.DB
	cost int
}

// NewRepository creates a new SQLite repository
func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db, cost: bcrypt.DefaultCost}

	// Initialize database schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) initSchema() error {
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`
	if _, err := r.db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

// Create stores a user with a bcrypt hash of password. An existing user
// with the same name is left untouched and reported via created=false.
func (r *Repository) Create(ctx context.Context, username, password string, role access.Role) (bool, error) {
	if username == "" || password == "" {
		return false, fmt.Errorf("username and password are required")
	}
	if !role.Valid() {
		return false, fmt.Errorf("invalid role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return false, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
	INSERT INTO users (username, password_hash, role, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(username) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, username, string(hash), string(role), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to create user record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// Authenticate checks a username and password.
func (r *Repository) Authenticate(ctx context.Context, username, password string) (access.Principal, error) {
	hash, role, err := r.find(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// burn the same time as a real comparison
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return access.Anonymous, access.ErrInvalidCredentials
		}
		return access.Anonymous, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return access.Anonymous, access.ErrInvalidCredentials
	}
	return access.Principal{Username: username, Role: role}, nil
}

// Lookup returns the current principal for username.
func (r *Repository) Lookup(ctx context.Context, username string) (access.Principal, error) {
	_, role, err := r.find(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return access.Anonymous, access.ErrUnknownUser
		}
		return access.Anonymous, err
	}
	return access.Principal{Username: username, Role: role}, nil
}

func (r *Repository) find(ctx context.Context, username string) (string, access.Role, error) {
	query := `
	SELECT password_hash, role
	FROM users
	WHERE username = ?
	`

	var hash, role string
	if err := r.db.QueryRowContext(ctx, query, username).Scan(&hash, &role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", err
		}
		return "", "", fmt.Errorf("failed to find user: %w", err)
	}
	return hash, access.Role(role), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("files-depot"), bcrypt.DefaultCost)

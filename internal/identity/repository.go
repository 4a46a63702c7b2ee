package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Schema creates the users table. Uniqueness of email and phone is enforced
// by the database so concurrent inserts cannot both succeed.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id            UUID PRIMARY KEY,
    account_type  TEXT NOT NULL DEFAULT 'personal',
    email         TEXT NOT NULL UNIQUE,
    phone         TEXT NOT NULL UNIQUE,
    parent_email  TEXT,
    first_name    TEXT NOT NULL,
    last_name     TEXT,
    birthday      DATE,
    gender        TEXT NOT NULL DEFAULT 'N',
    password_hash BYTEA NOT NULL,
    avatar        TEXT,
    theme         TEXT NOT NULL DEFAULT 'light',
    language      TEXT NOT NULL DEFAULT 'tk',
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL
)`

// Repository persists users.
type Repository interface {
	// Create inserts user. It returns ErrConflict when the email or phone is taken.
	Create(ctx context.Context, user User) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	FindByID(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByPhone(ctx context.Context, phone string) (User, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema applies Schema.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, Schema)
	return err
}

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	var birthday *time.Time
	if !user.Birthday.IsZero() {
		birthday = &user.Birthday
	}
	_, err = r.db.Exec(ctx, `INSERT INTO users (id, account_type, email, phone, parent_email, first_name,
        last_name, birthday, gender, password_hash, avatar, theme, language, is_active, created_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15)`,
		userID, user.AccountType, strings.ToLower(user.Email), user.Phone, user.ParentEmail, user.FirstName,
		user.LastName, birthday, user.Gender, user.PasswordHash, user.Avatar, user.Theme, user.Language,
		user.IsActive, user.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

// ExistsByEmail reports whether the email is already registered.
func (r *PostgresRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, strings.ToLower(email)).Scan(&exists)
	return exists, err
}

// FindByID fetches a user by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrNotFound
	}
	return r.findOne(ctx, `id = $1`, userID)
}

// FindByEmail fetches a user by email.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findOne(ctx, `email = $1`, strings.ToLower(email))
}

// FindByPhone fetches a user by E.164 phone number.
func (r *PostgresRepository) FindByPhone(ctx context.Context, phone string) (User, error) {
	return r.findOne(ctx, `phone = $1`, phone)
}

func (r *PostgresRepository) findOne(ctx context.Context, where string, arg any) (User, error) {
	row := r.db.QueryRow(ctx, `SELECT id, account_type, email, phone, COALESCE(parent_email, ''), first_name,
        COALESCE(last_name, ''), birthday, gender, password_hash, COALESCE(avatar, ''), theme, language,
        is_active, created_at FROM users WHERE `+where, arg)
	var (
		id       uuid.UUID
		birthday *time.Time
		user     User
	)
	if err := row.Scan(&id, &user.AccountType, &user.Email, &user.Phone, &user.ParentEmail, &user.FirstName,
		&user.LastName, &birthday, &user.Gender, &user.PasswordHash, &user.Avatar, &user.Theme, &user.Language,
		&user.IsActive, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	user.ID = id.String()
	if birthday != nil {
		user.Birthday = birthday.UTC()
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

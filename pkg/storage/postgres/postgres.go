// Package postgres implements storage.Store on PostgreSQL using a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// uniqueViolation is the SQLSTATE for a UNIQUE constraint failure.
const uniqueViolation = "23505"

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to url, verifies the connection and applies migrations.
func Open(ctx context.Context, url string, maxConns int) (*Store, error) {
	if url == "" {
		return nil, errors.New("database URL is required")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}

const userColumns = "id::text, name, name_key, embeddings, enrolled_at, updated_at"

func scanUser(row pgx.Row) (*storage.User, error) {
	var u storage.User
	if err := row.Scan(&u.ID, &u.Name, &u.NameKey, &u.Embeddings, &u.EnrolledAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func collectUsers(rows pgx.Rows) ([]storage.User, error) {
	defer rows.Close()

	users := []storage.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// CreateUser inserts u. The users_name_key_unique constraint decides races.
func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	if u.NameKey == "" {
		u.NameKey = storage.NameKey(u.Name)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.EnrolledAt.IsZero() {
		u.EnrolledAt = time.Now().UTC()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.EnrolledAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, name_key, embeddings, enrolled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Name, u.NameKey, u.Embeddings, u.EnrolledAt, u.UpdatedAt)
	if isUniqueViolation(err, "users_name_key_unique") {
		return fmt.Errorf("%w: %s", storage.ErrUserExists, u.Name)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given ID.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, storage.ErrUserNotFound
	}
	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// FindUserByName returns the user whose name key matches name.
func (s *Store) FindUserByName(ctx context.Context, name string) (*storage.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE name_key = $1", storage.NameKey(name)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// UpdateUserEmbeddings replaces the encoded embeddings of a user.
func (s *Store) UpdateUserEmbeddings(ctx context.Context, id, embeddings string) error {
	if _, err := uuid.Parse(id); err != nil {
		return storage.ErrUserNotFound
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET embeddings = $2, updated_at = NOW() WHERE id = $1", id, embeddings)
	if err != nil {
		return fmt.Errorf("update user embeddings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// ListUsers returns all users in (enrolled_at, id) order.
func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+userColumns+" FROM users ORDER BY enrolled_at, id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return collectUsers(rows)
}

const recordColumns = "id::text, user_id::text, day, present, marked_at"

func scanRecord(row pgx.Row) (*storage.AttendanceRecord, error) {
	var r storage.AttendanceRecord
	if err := row.Scan(&r.ID, &r.UserID, &r.Day, &r.Present, &r.MarkedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// FindAttendance returns the record for userID on day.
func (s *Store) FindAttendance(ctx context.Context, userID, day string) (*storage.AttendanceRecord, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, storage.ErrRecordNotFound
	}
	r, err := scanRecord(s.pool.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE user_id = $1 AND day = $2", userID, day))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find attendance: %w", err)
	}
	return r, nil
}

// CreateAttendance inserts rec. The attendance_user_day_unique constraint
// turns a concurrent second insert into storage.ErrDuplicateAttendance.
func (s *Store) CreateAttendance(ctx context.Context, rec *storage.AttendanceRecord) error {
	if !storage.ValidDay(rec.Day) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidDay, rec.Day)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (id, user_id, day, present, marked_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.UserID, rec.Day, rec.Present, rec.MarkedAt)
	if isUniqueViolation(err, "attendance_user_day_unique") {
		return fmt.Errorf("%w: user %s on %s", storage.ErrDuplicateAttendance, rec.UserID, rec.Day)
	}
	if err != nil {
		return fmt.Errorf("insert attendance: %w", err)
	}
	return nil
}

// ListAttendance returns all records for day.
func (s *Store) ListAttendance(ctx context.Context, day string) ([]storage.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE day = $1 ORDER BY marked_at, id", day)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	records := []storage.AttendanceRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance: %w", err)
	}
	return records, nil
}

// Absentees returns users with no record on day.
func (s *Store) Absentees(ctx context.Context, day string) ([]storage.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id::text, u.name, u.name_key, u.embeddings, u.enrolled_at, u.updated_at
		FROM users u
		LEFT JOIN attendance a ON a.user_id = u.id AND a.day = $1
		WHERE a.id IS NULL
		ORDER BY u.enrolled_at, u.id
	`, day)
	if err != nil {
		return nil, fmt.Errorf("list absentees: %w", err)
	}
	return collectUsers(rows)
}

// Present returns users marked present on day.
func (s *Store) Present(ctx context.Context, day string) ([]storage.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id::text, u.name, u.name_key, u.embeddings, u.enrolled_at, u.updated_at
		FROM users u
		JOIN attendance a ON a.user_id = u.id AND a.day = $1
		WHERE a.present = TRUE
		ORDER BY u.enrolled_at, u.id
	`, day)
	if err != nil {
		return nil, fmt.Errorf("list present: %w", err)
	}
	return collectUsers(rows)
}

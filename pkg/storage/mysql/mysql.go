// Package mysql implements storage.Store on MySQL or MariaDB.
package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// errDuplicateEntry is ER_DUP_ENTRY.
const errDuplicateEntry = 1062

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.Store on MySQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects using a go-sql-driver DSN (an optional mysql:// prefix is
// accepted), verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("MySQL DSN is required")
	}

	cfg, err := mysql.ParseDSN(strings.TrimPrefix(dsn, "mysql://"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}
	db := sql.OpenDB(connector)

	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database connection: %w", err)
	}
	return nil
}

// Migrate applies pending migrations. MySQL commits DDL implicitly, so each
// statement runs on its own and the version is recorded afterwards.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at DATETIME(6) DEFAULT CURRENT_TIMESTAMP(6)
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") && !applied[e.Name()] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrationsFS.ReadFile("migrations/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute migration %s: %w", file, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", file); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		logging.Component("storage").Infof("Applied migration: %s", file)
	}
	return nil
}

func isDuplicate(err error, constraint string) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry &&
		strings.Contains(myErr.Message, constraint)
}

const userColumns = "id, name, name_key, embeddings, enrolled_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*storage.User, error) {
	var u storage.User
	if err := row.Scan(&u.ID, &u.Name, &u.NameKey, &u.Embeddings, &u.EnrolledAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, name_key, embeddings, enrolled_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Name, u.NameKey, u.Embeddings, u.EnrolledAt.UTC(), u.UpdatedAt.UTC())
	if isDuplicate(err, "users_name_key_unique") {
		return fmt.Errorf("%w: %s", storage.ErrUserExists, u.Name)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given ID.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// FindUserByName returns the user whose name key matches name.
func (s *Store) FindUserByName(ctx context.Context, name string) (*storage.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE name_key = ?", storage.NameKey(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// UpdateUserEmbeddings replaces the encoded embeddings of a user.
func (s *Store) UpdateUserEmbeddings(ctx context.Context, id, embeddings string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET embeddings = ?, updated_at = ? WHERE id = ?", embeddings, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update user embeddings: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// ListUsers returns all users in (enrolled_at, id) order.
func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	return s.queryUsers(ctx, "SELECT "+userColumns+" FROM users ORDER BY enrolled_at, id")
}

const recordColumns = "id, user_id, day, present, marked_at"

func scanRecord(row scanner) (*storage.AttendanceRecord, error) {
	var r storage.AttendanceRecord
	if err := row.Scan(&r.ID, &r.UserID, &r.Day, &r.Present, &r.MarkedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// FindAttendance returns the record for userID on day.
func (s *Store) FindAttendance(ctx context.Context, userID, day string) (*storage.AttendanceRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE user_id = ? AND day = ?", userID, day))
	if errors.Is(err, sql.ErrNoRows) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance (id, user_id, day, present, marked_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.Day, rec.Present, rec.MarkedAt.UTC())
	if isDuplicate(err, "attendance_user_day_unique") {
		return fmt.Errorf("%w: user %s on %s", storage.ErrDuplicateAttendance, rec.UserID, rec.Day)
	}
	if err != nil {
		return fmt.Errorf("insert attendance: %w", err)
	}
	return nil
}

// ListAttendance returns all records for day.
func (s *Store) ListAttendance(ctx context.Context, day string) ([]storage.AttendanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM attendance WHERE day = ? ORDER BY marked_at, id", day)
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
	return s.queryUsers(ctx, `
		SELECT u.id, u.name, u.name_key, u.embeddings, u.enrolled_at, u.updated_at
		FROM users u
		LEFT JOIN attendance a ON a.user_id = u.id AND a.day = ?
		WHERE a.id IS NULL
		ORDER BY u.enrolled_at, u.id
	`, day)
}

// Present returns users marked present on day.
func (s *Store) Present(ctx context.Context, day string) ([]storage.User, error) {
	return s.queryUsers(ctx, `
		SELECT u.id, u.name, u.name_key, u.embeddings, u.enrolled_at, u.updated_at
		FROM users u
		JOIN attendance a ON a.user_id = u.id AND a.day = ?
		WHERE a.present = TRUE
		ORDER BY u.enrolled_at, u.id
	`, day)
}

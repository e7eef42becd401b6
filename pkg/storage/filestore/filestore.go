// Package filestore keeps users and attendance as files under a data
// directory. User files, which carry face embeddings, are sealed with NaCl
// secretbox when encryption is enabled.
package filestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

// ErrEncryption is returned when a sealed file cannot be opened.
var ErrEncryption = errors.New("encryption error")

// Store implements storage.Store on the local filesystem.
//
// Layout:
//
//	users/<sha256(name key)>.json|.enc
//	attendance/<day>/<user id>.json
//
// New files are linked into place, which fails if the name already exists,
// so uniqueness holds across processes sharing the directory.
type Store struct {
	dataDir           string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte

	// mu serialises read-modify-write of user files.
	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// New creates a Store rooted at dataDir.
func New(dataDir string, encryptionEnabled bool) (*Store, error) {
	s := &Store{
		dataDir:           dataDir,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		s.encryptionKey = key
	}

	for _, dir := range []string{s.usersDir(), s.attendanceDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return s, nil
}

// deriveKey derives the sealing key from machine identity, so copied data
// files are unreadable elsewhere.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("rollcall-v1-salt")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])
	return key, nil
}

func (s *Store) usersDir() string {
	return filepath.Join(s.dataDir, "users")
}

func (s *Store) attendanceDir() string {
	return filepath.Join(s.dataDir, "attendance")
}

func (s *Store) userExt() string {
	if s.encryptionEnabled {
		return ".enc"
	}
	return ".json"
}

// userPath maps a name key to its file. Hashing keeps arbitrary names out
// of the filesystem namespace.
func (s *Store) userPath(nameKey string) string {
	sum := sha256.Sum256([]byte(nameKey))
	return filepath.Join(s.usersDir(), hex.EncodeToString(sum[:])+s.userExt())
}

func (s *Store) recordPath(userID, day string) (string, error) {
	if !storage.ValidDay(day) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidDay, day)
	}
	if userID == "" || strings.ContainsAny(userID, `/\`) || strings.HasPrefix(userID, ".") {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	return filepath.Join(s.attendanceDir(), day, userID+".json"), nil
}

// createExclusive writes data to path only if path does not exist yet.
// The content is written to a temp file first and then hard-linked, so a
// reader never sees a partial file and the link is the uniqueness check.
func createExclusive(path string, data []byte) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// replaceFile atomically overwrites path with data.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) marshalUser(u *storage.User) ([]byte, error) {
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user data: %w", err)
	}
	if s.encryptionEnabled {
		data, err = s.encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt user data: %w", err)
		}
	}
	return data, nil
}

func (s *Store) readUser(path string) (*storage.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user data: %w", err)
	}

	if s.encryptionEnabled {
		data, err = s.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt user data: %w", err)
		}
	}

	var u storage.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user data: %w", err)
	}
	return &u, nil
}

// CreateUser stores a new user. The name key must be unused.
func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.NameKey == "" {
		u.NameKey = storage.NameKey(u.Name)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if u.EnrolledAt.IsZero() {
		u.EnrolledAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.EnrolledAt
	}

	data, err := s.marshalUser(u)
	if err != nil {
		return err
	}

	created, err := createExclusive(s.userPath(u.NameKey), data)
	if err != nil {
		return fmt.Errorf("failed to write user data: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", storage.ErrUserExists, u.Name)
	}

	logging.Component("storage").Debugf("Saved user data for: %s", u.Name)
	return nil
}

// GetUser returns the user with the given ID.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].ID == id {
			return &users[i], nil
		}
	}
	return nil, storage.ErrUserNotFound
}

// FindUserByName returns the user whose name key matches name.
func (s *Store) FindUserByName(ctx context.Context, name string) (*storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readUser(s.userPath(storage.NameKey(name)))
}

// UpdateUserEmbeddings replaces the encoded embeddings of a user.
func (s *Store) UpdateUserEmbeddings(ctx context.Context, id, embeddings string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	u.Embeddings = embeddings
	u.UpdatedAt = time.Now().UTC()

	data, err := s.marshalUser(u)
	if err != nil {
		return err
	}
	if err := replaceFile(s.userPath(u.NameKey), data); err != nil {
		return fmt.Errorf("failed to write user data: %w", err)
	}
	logging.Component("storage").Debugf("Updated embeddings for: %s", u.Name)
	return nil
}

// ListUsers returns all users in (EnrolledAt, ID) order. Unreadable files
// are logged and skipped.
func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.usersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []storage.User{}, nil
		}
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := []storage.User{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, s.userExt()) {
			continue
		}
		u, err := s.readUser(filepath.Join(s.usersDir(), name))
		if err != nil {
			logging.Component("storage").WithError(err).Warnf("skipping unreadable user file %s", name)
			continue
		}
		users = append(users, *u)
	}

	storage.SortUsers(users)
	return users, nil
}

// FindAttendance returns the record for userID on day.
func (s *Store) FindAttendance(ctx context.Context, userID, day string) (*storage.AttendanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.recordPath(userID, day)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read attendance: %w", err)
	}

	var rec storage.AttendanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attendance: %w", err)
	}
	return &rec, nil
}

// CreateAttendance stores rec unless the user already has one for that day.
func (s *Store) CreateAttendance(ctx context.Context, rec *storage.AttendanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.recordPath(rec.UserID, rec.Day)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create day directory: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal attendance: %w", err)
	}

	created, err := createExclusive(path, data)
	if err != nil {
		return fmt.Errorf("failed to write attendance: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: user %s on %s", storage.ErrDuplicateAttendance, rec.UserID, rec.Day)
	}
	return nil
}

// ListAttendance returns all records for day.
func (s *Store) ListAttendance(ctx context.Context, day string) ([]storage.AttendanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !storage.ValidDay(day) {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidDay, day)
	}

	dir := filepath.Join(s.attendanceDir(), day)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []storage.AttendanceRecord{}, nil
		}
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}

	records := []storage.AttendanceRecord{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read attendance: %w", err)
		}
		var rec storage.AttendanceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logging.Component("storage").WithError(err).Warnf("skipping corrupt attendance file %s", entry.Name())
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) roster(ctx context.Context, day string) (present, absent []storage.User, err error) {
	records, err := s.ListAttendance(ctx, day)
	if err != nil {
		return nil, nil, err
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	present, absent = storage.SplitRoster(users, records)
	return present, absent, nil
}

// Absentees returns users with no record on day.
func (s *Store) Absentees(ctx context.Context, day string) ([]storage.User, error) {
	_, absent, err := s.roster(ctx, day)
	return absent, err
}

// Present returns users marked present on day.
func (s *Store) Present(ctx context.Context, day string) ([]storage.User, error) {
	present, _, err := s.roster(ctx, day)
	return present, err
}

// Close is a no-op; the store holds no open handles.
func (s *Store) Close() error {
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.encryptionKey), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &s.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}

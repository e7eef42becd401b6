package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

var (
	// ErrEmptyName is returned when a name is blank after cleaning.
	ErrEmptyName = errors.New("name must not be empty")
	// ErrDuplicateUser is returned when a name is already enrolled.
	ErrDuplicateUser = errors.New("user already exists")
)

// Registrar enrolls users and extends their stored embeddings.
type Registrar struct {
	store storage.Store
	now   func() time.Time
}

// NewRegistrar creates a registrar over store.
func NewRegistrar(store storage.Store) *Registrar {
	return &Registrar{store: store, now: time.Now}
}

// CheckAvailable reports ErrDuplicateUser if name is taken. The write in
// Register still relies on the store's uniqueness constraint.
func (r *Registrar) CheckAvailable(ctx context.Context, name string) error {
	name = storage.CleanName(name)
	if name == "" {
		return ErrEmptyName
	}
	_, err := r.store.FindUserByName(ctx, name)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateUser, name)
	case errors.Is(err, storage.ErrUserNotFound):
		return nil
	default:
		return fmt.Errorf("failed to look up user: %w", err)
	}
}

// Register enrolls a new user with one or more embeddings.
func (r *Registrar) Register(ctx context.Context, name string, embeddings []recognition.Embedding) (*storage.User, error) {
	name = storage.CleanName(name)
	if err := r.CheckAvailable(ctx, name); err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, recognition.ErrNoFaceDetected
	}

	encoded, err := recognition.EncodeEmbeddings(embeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode embeddings: %w", err)
	}

	now := r.now().UTC()
	user := &storage.User{
		Name:       name,
		Embeddings: encoded,
		EnrolledAt: now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, name)
		}
		return nil, fmt.Errorf("failed to save user: %w", err)
	}

	logging.Component("attendance").WithFields(logging.Fields{
		"user":       user.Name,
		"embeddings": len(embeddings),
	}).Info("User registered")
	return user, nil
}

// AddEmbeddings appends embeddings to an enrolled user. Stored embeddings
// that no longer decode are replaced.
func (r *Registrar) AddEmbeddings(ctx context.Context, name string, embeddings []recognition.Embedding) (*storage.User, error) {
	if len(embeddings) == 0 {
		return nil, recognition.ErrNoFaceDetected
	}

	user, err := r.store.FindUserByName(ctx, storage.CleanName(name))
	if err != nil {
		return nil, err
	}

	log := logging.Component("attendance").WithField("user", user.Name)

	existing, err := recognition.DecodeEmbeddings(user.Embeddings)
	if err != nil {
		log.WithError(err).Warn("replacing undecodable embeddings")
		existing = nil
	}
	if len(existing) > 0 && len(existing[0]) != len(embeddings[0]) {
		return nil, fmt.Errorf("%w: stored %d, new %d", recognition.ErrDimensionMismatch, len(existing[0]), len(embeddings[0]))
	}

	encoded, err := recognition.EncodeEmbeddings(append(existing, embeddings...))
	if err != nil {
		return nil, fmt.Errorf("failed to encode embeddings: %w", err)
	}
	if err := r.store.UpdateUserEmbeddings(ctx, user.ID, encoded); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	user.Embeddings = encoded
	user.UpdatedAt = r.now().UTC()

	log.WithField("embeddings", len(existing)+len(embeddings)).Info("Embeddings added")
	return user, nil
}

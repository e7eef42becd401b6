// Package attendance marks users present once per day and matches captured
// faces against the roster of users not yet marked.
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

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the timezone that decides calendar days.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithThreshold sets the similarity a face must exceed to match.
func WithThreshold(threshold float64) Option {
	return func(e *Engine) { e.threshold = threshold }
}

// WithBestMatchOnly makes a roll call mark only the single most similar
// user instead of every user above the threshold.
func WithBestMatchOnly(enabled bool) Option {
	return func(e *Engine) { e.bestMatchOnly = enabled }
}

// Engine records attendance. Every read goes to the store; nothing is cached.
type Engine struct {
	store         storage.Store
	now           func() time.Time
	loc           *time.Location
	threshold     float64
	bestMatchOnly bool
}

// NewEngine creates an engine over store.
func NewEngine(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		now:       time.Now,
		loc:       time.Local,
		threshold: recognition.DefaultThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Today returns the current day key.
func (e *Engine) Today() string {
	return storage.Day(e.now(), e.loc)
}

// Threshold returns the configured match threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// MarkAttendance records userID as present today. It reports whether a new
// record was written; a user already marked today is a no-op.
func (e *Engine) MarkAttendance(ctx context.Context, userID string) (bool, error) {
	return e.MarkAttendanceOn(ctx, userID, e.Today())
}

// MarkAttendanceOn is MarkAttendance for an explicit day.
func (e *Engine) MarkAttendanceOn(ctx context.Context, userID, day string) (bool, error) {
	log := logging.Component("attendance").WithFields(logging.Fields{"user_id": userID, "day": day})

	_, err := e.store.FindAttendance(ctx, userID, day)
	if err == nil {
		log.Debug("already marked")
		return false, nil
	}
	if !errors.Is(err, storage.ErrRecordNotFound) {
		return false, fmt.Errorf("failed to check attendance: %w", err)
	}

	rec := &storage.AttendanceRecord{
		UserID:   userID,
		Day:      day,
		Present:  true,
		MarkedAt: e.now().UTC(),
	}
	if err := e.store.CreateAttendance(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateAttendance) {
			// Another writer won between the check and the insert.
			log.Debug("concurrent mark absorbed")
			return false, nil
		}
		return false, fmt.Errorf("failed to mark attendance: %w", err)
	}

	log.Info("Attendance marked")
	return true, nil
}

// Absentees returns users with no record today.
func (e *Engine) Absentees(ctx context.Context) ([]storage.User, error) {
	return e.AbsenteesOn(ctx, e.Today())
}

// AbsenteesOn returns users with no record on day.
func (e *Engine) AbsenteesOn(ctx context.Context, day string) ([]storage.User, error) {
	users, err := e.store.Absentees(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to list absentees: %w", err)
	}
	return users, nil
}

// Present returns users marked present today.
func (e *Engine) Present(ctx context.Context) ([]storage.User, error) {
	return e.PresentOn(ctx, e.Today())
}

// PresentOn returns users marked present on day.
func (e *Engine) PresentOn(ctx context.Context, day string) ([]storage.User, error) {
	users, err := e.store.Present(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to list present users: %w", err)
	}
	return users, nil
}

// Users returns every enrolled user.
func (e *Engine) Users(ctx context.Context) ([]storage.User, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

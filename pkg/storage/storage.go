// Package storage defines the roster and attendance model shared by the
// store implementations in its subpackages.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"
)

// DayLayout is the calendar-day key format.
const DayLayout = "2006-01-02"

// User is an enrolled person. Embeddings holds the encoded face vectors
// exactly as written by recognition.EncodeEmbeddings.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	NameKey    string    `json:"name_key"`
	Embeddings string    `json:"embeddings"`
	EnrolledAt time.Time `json:"enrolled_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AttendanceRecord marks a user present on one calendar day. There is at
// most one record per (UserID, Day).
type AttendanceRecord struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Day      string    `json:"day"`
	Present  bool      `json:"present"`
	MarkedAt time.Time `json:"marked_at"`
}

// Store persists users and attendance. Implementations enforce name-key
// and (user, day) uniqueness themselves, also against concurrent writers.
type Store interface {
	// CreateUser inserts u. It returns ErrUserExists if u.NameKey is taken.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	// FindUserByName looks a user up by the NameKey of name.
	FindUserByName(ctx context.Context, name string) (*User, error)
	UpdateUserEmbeddings(ctx context.Context, id, embeddings string) error
	// ListUsers returns every user ordered by (EnrolledAt, ID).
	ListUsers(ctx context.Context) ([]User, error)

	FindAttendance(ctx context.Context, userID, day string) (*AttendanceRecord, error)
	// CreateAttendance inserts rec. It returns ErrDuplicateAttendance if
	// the user already has a record for rec.Day.
	CreateAttendance(ctx context.Context, rec *AttendanceRecord) error
	ListAttendance(ctx context.Context, day string) ([]AttendanceRecord, error)
	// Absentees returns users without a record on day, in ListUsers order.
	Absentees(ctx context.Context, day string) ([]User, error)
	// Present returns users marked present on day, in ListUsers order.
	Present(ctx context.Context, day string) ([]User, error)

	Close() error
}

// ErrUserNotFound is returned when no user matches.
var ErrUserNotFound = errors.New("user not found")

// ErrUserExists is returned when a user with the same name key exists.
var ErrUserExists = errors.New("user already enrolled")

// ErrDuplicateAttendance is returned when a user already has a record for the day.
var ErrDuplicateAttendance = errors.New("attendance already recorded")

// ErrRecordNotFound is returned when no attendance record matches.
var ErrRecordNotFound = errors.New("attendance record not found")

// ErrInvalidDay is returned for day keys not in DayLayout.
var ErrInvalidDay = errors.New("invalid day")

// Day returns the calendar day of t in loc as a DayLayout key.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}

// ValidDay reports whether day is a well-formed DayLayout key.
func ValidDay(day string) bool {
	_, err := time.Parse(DayLayout, day)
	return err == nil
}

// SortUsers orders users by enrollment time, then ID.
func SortUsers(users []User) {
	sort.SliceStable(users, func(i, j int) bool {
		if !users[i].EnrolledAt.Equal(users[j].EnrolledAt) {
			return users[i].EnrolledAt.Before(users[j].EnrolledAt)
		}
		return users[i].ID < users[j].ID
	})
}

// SplitRoster partitions users into those with a present record and those
// without any record, keeping the order of users.
func SplitRoster(users []User, records []AttendanceRecord) (present, absent []User) {
	marked := make(map[string]bool, len(records))
	for _, r := range records {
		marked[r.UserID] = marked[r.UserID] || r.Present
	}

	present = []User{}
	absent = []User{}
	for _, u := range users {
		isPresent, hasRecord := marked[u.ID]
		switch {
		case !hasRecord:
			absent = append(absent, u)
		case isPresent:
			present = append(present, u)
		}
	}
	return present, absent
}

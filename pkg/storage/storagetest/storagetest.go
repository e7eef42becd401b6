// Package storagetest holds behaviour checks every storage.Store must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// Run exercises a Store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("UserUniqueness", func(t *testing.T) { testUserUniqueness(t, newStore(t)) })
	t.Run("AttendanceOncePerDay", func(t *testing.T) { testAttendanceOncePerDay(t, newStore(t)) })
	t.Run("ConcurrentMarks", func(t *testing.T) { testConcurrentMarks(t, newStore(t)) })
	t.Run("RosterPartition", func(t *testing.T) { testRosterPartition(t, newStore(t)) })
	t.Run("UpdateEmbeddings", func(t *testing.T) { testUpdateEmbeddings(t, newStore(t)) })
}

func mustCreate(t *testing.T, s storage.Store, name string, enrolled time.Time) *storage.User {
	t.Helper()
	u := &storage.User{Name: name, Embeddings: "rc1:" + name, EnrolledAt: enrolled}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", name, err)
	}
	return u
}

func testUserUniqueness(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := mustCreate(t, s, "Alice", time.Time{})

	err := s.CreateUser(ctx, &storage.User{Name: "  alice ", Embeddings: "rc1:x"})
	if !errors.Is(err, storage.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	got, err := s.FindUserByName(ctx, "ALICE")
	if err != nil || got.ID != alice.ID {
		t.Fatalf("FindUserByName: %+v, %v", got, err)
	}
	if _, err := s.FindUserByName(ctx, "Nobody"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := s.GetUser(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func testAttendanceOncePerDay(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := mustCreate(t, s, "Alice", time.Time{})
	day := "2024-03-01"

	if _, err := s.FindAttendance(ctx, alice.ID, day); !errors.Is(err, storage.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if err := s.CreateAttendance(ctx, &storage.AttendanceRecord{UserID: alice.ID, Day: day, Present: true}); err != nil {
		t.Fatalf("CreateAttendance failed: %v", err)
	}
	err := s.CreateAttendance(ctx, &storage.AttendanceRecord{UserID: alice.ID, Day: day, Present: true})
	if !errors.Is(err, storage.ErrDuplicateAttendance) {
		t.Fatalf("expected ErrDuplicateAttendance, got %v", err)
	}
	if err := s.CreateAttendance(ctx, &storage.AttendanceRecord{UserID: alice.ID, Day: "2024-03-02", Present: true}); err != nil {
		t.Fatalf("next day must be allowed: %v", err)
	}

	rec, err := s.FindAttendance(ctx, alice.ID, day)
	if err != nil || !rec.Present || rec.UserID != alice.ID {
		t.Errorf("FindAttendance: %+v, %v", rec, err)
	}
	records, err := s.ListAttendance(ctx, day)
	if err != nil || len(records) != 1 {
		t.Errorf("ListAttendance: %d, %v", len(records), err)
	}
}

func testConcurrentMarks(t *testing.T, s storage.Store) {
	alice := mustCreate(t, s, "Alice", time.Time{})

	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateAttendance(context.Background(),
				&storage.AttendanceRecord{UserID: alice.ID, Day: "2024-03-01", Present: true})
			if err == nil {
				created.Add(1)
			} else if !errors.Is(err, storage.ErrDuplicateAttendance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("expected exactly one record, got %d", created.Load())
	}
}

func testRosterPartition(t *testing.T, s storage.Store) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	alice := mustCreate(t, s, "Alice", t0)
	bob := mustCreate(t, s, "Bob", t0.Add(time.Minute))
	carol := mustCreate(t, s, "Carol", t0.Add(2*time.Minute))
	day := "2024-03-01"

	if err := s.CreateAttendance(ctx, &storage.AttendanceRecord{UserID: bob.ID, Day: day, Present: true}); err != nil {
		t.Fatal(err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil || len(users) != 3 || users[0].ID != alice.ID || users[2].ID != carol.ID {
		t.Fatalf("ListUsers order: %+v, %v", users, err)
	}

	absent, err := s.Absentees(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	present, err := s.Present(ctx, day)
	if err != nil {
		t.Fatal(err)
	}

	if len(present) != 1 || present[0].ID != bob.ID {
		t.Errorf("unexpected present %+v", present)
	}
	if len(absent) != 2 || absent[0].ID != alice.ID || absent[1].ID != carol.ID {
		t.Errorf("unexpected absentees %+v", absent)
	}

	other, err := s.Absentees(ctx, "2024-03-02")
	if err != nil || len(other) != 3 {
		t.Errorf("everyone is absent on an unmarked day: %d, %v", len(other), err)
	}
}

func testUpdateEmbeddings(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := mustCreate(t, s, "Alice", time.Time{})

	if err := s.UpdateUserEmbeddings(ctx, alice.ID, "rc1:updated"); err != nil {
		t.Fatalf("UpdateUserEmbeddings failed: %v", err)
	}
	got, err := s.GetUser(ctx, alice.ID)
	if err != nil || got.Embeddings != "rc1:updated" {
		t.Errorf("GetUser after update: %+v, %v", got, err)
	}
	if err := s.UpdateUserEmbeddings(ctx, "00000000-0000-0000-0000-000000000000", "x"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

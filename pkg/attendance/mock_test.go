package attendance

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/storage/filestore"
)

// MockStore delegates to a real store unless a Func field overrides the call.
type MockStore struct {
	storage.Store

	FindAttendanceFunc   func(ctx context.Context, userID, day string) (*storage.AttendanceRecord, error)
	CreateAttendanceFunc func(ctx context.Context, rec *storage.AttendanceRecord) error
	AbsenteesFunc        func(ctx context.Context, day string) ([]storage.User, error)
	CreateUserFunc       func(ctx context.Context, u *storage.User) error
}

func (m *MockStore) FindAttendance(ctx context.Context, userID, day string) (*storage.AttendanceRecord, error) {
	if m.FindAttendanceFunc != nil {
		return m.FindAttendanceFunc(ctx, userID, day)
	}
	return m.Store.FindAttendance(ctx, userID, day)
}

func (m *MockStore) CreateAttendance(ctx context.Context, rec *storage.AttendanceRecord) error {
	if m.CreateAttendanceFunc != nil {
		return m.CreateAttendanceFunc(ctx, rec)
	}
	return m.Store.CreateAttendance(ctx, rec)
}

func (m *MockStore) Absentees(ctx context.Context, day string) ([]storage.User, error) {
	if m.AbsenteesFunc != nil {
		return m.AbsenteesFunc(ctx, day)
	}
	return m.Store.Absentees(ctx, day)
}

func (m *MockStore) CreateUser(ctx context.Context, u *storage.User) error {
	if m.CreateUserFunc != nil {
		return m.CreateUserFunc(ctx, u)
	}
	return m.Store.CreateUser(ctx, u)
}

func newMockStore(t *testing.T) *MockStore {
	t.Helper()
	fs, err := filestore.New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("filestore.New failed: %v", err)
	}
	return &MockStore{Store: fs}
}

// testClock is a settable time source.
type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)}
}

// axis returns the unit vector along dimension i.
func axis(dim, i int) recognition.Embedding {
	e := make(recognition.Embedding, dim)
	e[i] = 1
	return e
}

// near returns a unit vector whose cosine with axis(dim, i) is sim.
func near(dim, i int, sim float64) recognition.Embedding {
	e := make(recognition.Embedding, dim)
	e[i] = float32(sim)
	e[(i+1)%dim] = float32(math.Sqrt(1 - sim*sim))
	return e
}

// enroll registers users in order, one second apart, and returns them.
func enroll(t *testing.T, store storage.Store, clock *testClock, people map[string]recognition.Embedding, order ...string) []*storage.User {
	t.Helper()
	r := NewRegistrar(store)
	at := clock.t.Add(-time.Hour)
	var users []*storage.User
	for _, name := range order {
		at = at.Add(time.Second)
		stamp := at
		r.now = func() time.Time { return stamp }
		u, err := r.Register(context.Background(), name, []recognition.Embedding{people[name]})
		if err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
		users = append(users, u)
	}
	return users
}

func names(users []storage.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

package storage

import (
	"testing"
	"time"
)

func TestNameKey(t *testing.T) {
	tests := []struct {
		a, b  string
		equal bool
	}{
		{"Alice", "alice", true},
		{"  Alice  ", "alice", true},
		{"Mary  Ann", "mary ann", true},
		{"Jos\u00e9", "Jose\u0301", true},
		{"\u00c9LODIE", "\u00e9lodie", true},
		{"Alice", "Alicia", false},
		{"Ann Marie", "AnnMarie", false},
	}

	for _, tt := range tests {
		if got := NameKey(tt.a) == NameKey(tt.b); got != tt.equal {
			t.Errorf("NameKey(%q) == NameKey(%q): got %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
	if NameKey("   ") != "" {
		t.Error("blank name should have an empty key")
	}
}

func TestCleanName(t *testing.T) {
	if got := CleanName("  Mary \t Ann "); got != "Mary Ann" {
		t.Errorf("unexpected %q", got)
	}
}

func TestDay(t *testing.T) {
	utc := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}

	if got := Day(utc, time.UTC); got != "2024-03-01" {
		t.Errorf("UTC day: got %s", got)
	}
	if got := Day(utc, tokyo); got != "2024-03-02" {
		t.Errorf("Tokyo day: got %s", got)
	}
}

func TestValidDay(t *testing.T) {
	for day, want := range map[string]bool{
		"2024-03-01":  true,
		"2024-13-01":  false,
		"../../etc":   false,
		"":            false,
		"2024-3-1":    false,
		"2024-03-01x": false,
	} {
		if got := ValidDay(day); got != want {
			t.Errorf("ValidDay(%q) = %v, want %v", day, got, want)
		}
	}
}

func TestSortUsers(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	users := []User{
		{ID: "c", EnrolledAt: t0.Add(time.Hour)},
		{ID: "b", EnrolledAt: t0},
		{ID: "a", EnrolledAt: t0},
	}
	SortUsers(users)

	if users[0].ID != "a" || users[1].ID != "b" || users[2].ID != "c" {
		t.Errorf("unexpected order %s %s %s", users[0].ID, users[1].ID, users[2].ID)
	}
}

func TestSplitRoster(t *testing.T) {
	users := []User{{ID: "alice"}, {ID: "bob"}, {ID: "carol"}, {ID: "dave"}}
	records := []AttendanceRecord{
		{UserID: "bob", Present: true},
		{UserID: "dave", Present: false},
		{UserID: "ghost", Present: true},
	}

	present, absent := SplitRoster(users, records)

	if len(present) != 1 || present[0].ID != "bob" {
		t.Errorf("unexpected present %+v", present)
	}
	if len(absent) != 2 || absent[0].ID != "alice" || absent[1].ID != "carol" {
		t.Errorf("unexpected absent %+v", absent)
	}
}

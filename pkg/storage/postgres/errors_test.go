package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "attendance_user_day_unique"}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{name: "matching constraint", err: dup, constraint: "attendance_user_day_unique", want: true},
		{name: "wrapped", err: fmt.Errorf("insert: %w", dup), constraint: "attendance_user_day_unique", want: true},
		{name: "any constraint", err: dup, constraint: "", want: true},
		{name: "other constraint", err: dup, constraint: "users_name_key_unique", want: false},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}, constraint: "", want: false},
		{name: "plain error", err: errors.New("boom"), constraint: "", want: false},
		{name: "nil", err: nil, constraint: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPendingMigrations(t *testing.T) {
	files, err := pendingMigrations(map[string]bool{})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 || files[0] != "001_initial.sql" {
		t.Fatalf("unexpected migrations %v", files)
	}

	files, err = pendingMigrations(map[string]bool{"001_initial.sql": true})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if f == "001_initial.sql" {
			t.Error("applied migration listed as pending")
		}
	}
}

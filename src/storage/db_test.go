package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "unique", err: &pgconn.PgError{Code: "23505"}, want: true},
		{name: "wrapped unique", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isUniqueViolation(tc.err); got != tc.want {
				t.Fatalf("isUniqueViolation() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNotFoundOr(t *testing.T) {
	if err := notFoundOr(pgx.ErrNoRows, "load vote"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("notFoundOr(ErrNoRows) = %v, want ErrNotFound", err)
	}
	boom := errors.New("boom")
	err := notFoundOr(boom, "load vote")
	if !errors.Is(err, boom) || errors.Is(err, ErrNotFound) {
		t.Fatalf("notFoundOr(boom) = %v", err)
	}
	if err.Error() != "load vote: boom" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestNullableRoundTrip(t *testing.T) {
	if nullable("") != nil {
		t.Fatalf("nullable(\"\") should be nil")
	}
	if got := deref(nullable("carol")); got != "carol" {
		t.Fatalf("deref(nullable(carol)) = %q", got)
	}
	if got := deref(nil); got != "" {
		t.Fatalf("deref(nil) = %q", got)
	}
}

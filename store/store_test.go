package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestStringArrayRoundTrip(t *testing.T) {
	a := stringArray{"https://x.test/a", "https://x.test/b"}

	dv, err := a.Value()
	if err != nil {
		t.Fatal(err)
	}

	var b stringArray
	if err := b.Scan(dv); err != nil {
		t.Fatal(err)
	}
	if len(b) != 2 || b[0] != a[0] || b[1] != a[1] {
		t.Fatalf("round trip mismatch: got %v, want %v", b, a)
	}
}

func TestStringArrayScanNil(t *testing.T) {
	var a stringArray
	if err := a.Scan(nil); err != nil {
		t.Fatal(err)
	}
	if a != nil {
		t.Fatalf("expected nil array after scanning nil, got %v", a)
	}
}

func TestIsTransientPgErrorClassifiesByCode(t *testing.T) {
	cases := []struct {
		code      string
		transient bool
	}{
		{"40001", true},  // serialization_failure
		{"40P01", true},  // deadlock_detected
		{"08006", true},  // connection_failure
		{"23505", false}, // unique_violation
		{"22001", false}, // string_data_right_truncation
	}

	for _, tc := range cases {
		err := &pgconn.PgError{Code: tc.code}
		if got := isTransientPgError(err); got != tc.transient {
			t.Errorf("code %s: got transient=%v, want %v", tc.code, got, tc.transient)
		}
	}
}

func TestIsTransientPgErrorClassifiesNetworkErrors(t *testing.T) {
	err := fmt.Errorf("dial tcp: connection refused")
	if !isTransientPgError(err) {
		t.Fatal("expected a connection-refused error to be classified transient")
	}

	err = errors.New("syntax error at or near \"SELCT\"")
	if isTransientPgError(err) {
		t.Fatal("expected a query-syntax error to be classified non-transient")
	}
}

func TestNewIDIsUnique(t *testing.T) {
	a, b := newID(), newID()
	if a == "" || b == "" || a == b {
		t.Fatalf("expected two distinct non-empty ids, got %q and %q", a, b)
	}
}

// Package store implements the relational system of record (§6 "Persisted
// layout"): Postgres repositories for every entity in spec.md §3, backed by
// pgx's stdlib-compatible driver and scanned with sqlx. Each file groups the
// methods for one entity family and satisfies the narrow per-consumer store
// interfaces declared by materialize, execution, rollup, export and delivery
// (§9: "Cyclic relations ... model as one-way owning references plus
// foreign-key indices; no back-pointers in memory" — the Go side of that is
// each caller depending on its own tiny interface rather than on *Store).
package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/resilience"
)

// newID generates an opaque entity identifier (core "identifiers are opaque
// strings generated on creation").
func newID() string { return uuid.NewString() }

// stringArray stores a []string as a jsonb column (Response.Citations),
// avoiding a dependency on a Postgres-array driver extension the pack
// doesn't otherwise need.
type stringArray []string

func (a stringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(a))
	if err != nil {
		return nil, fmt.Errorf("store: encoding string array: %w", err)
	}
	return b, nil
}

func (a *stringArray) Scan(src interface{}) error {
	if src == nil {
		*a = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("store: unsupported string array scan source %T", src)
	}
	var out []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("store: decoding string array: %w", err)
		}
	}
	*a = out
	return nil
}

// Store wraps a pooled Postgres connection. Every repository method on the
// entity-specific files in this package hangs off *Store.
type Store struct {
	db     *sqlx.DB
	logger core.Logger
	retry  *resilience.RetryConfig
}

// New connects to cfg.DSN through pgx's database/sql driver, configures pool
// limits, and verifies connectivity with a 5s ping. The "pgx" driver name is
// registered process-wide by importing jackc/pgx/v5/stdlib.
func New(ctx context.Context, cfg core.StoreConfig, logger core.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: store DSN is required", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}

	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store connection: %v", core.ErrInvalidConfiguration, err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(int(maxConns))
	db.SetMaxIdleConns(int(maxConns))
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("%w: store ping failed: %v", core.ErrProviderUnavailable, err)
	}

	return &Store{
		db:     db,
		logger: logger,
		retry: &resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      1 * time.Second,
			BackoffFactor: 2.0,
		},
	}, nil
}

// NewFromDB wraps an already-open *sqlx.DB (used by tests against a
// disposable schema).
func NewFromDB(db *sqlx.DB, logger core.Logger) *Store {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Store{
		db:     db,
		logger: logger,
		retry: &resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      1 * time.Second,
			BackoffFactor: 2.0,
		},
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs fn, retrying a bounded number of times only when the
// failure is a transient connection-level Postgres error (the short
// transactions §5 calls for can still collide with a dropped connection
// mid-suspension-boundary). A constraint violation or any other permanent
// error is captured in lastErr and the loop is stopped on its first
// occurrence rather than burning the remaining attempts against it.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	_ = resilience.Retry(ctx, s.retry, func() error {
		lastErr = fn()
		if lastErr != nil && isTransientPgError(lastErr) {
			return lastErr
		}
		return nil
	})

	if lastErr != nil {
		return fmt.Errorf("store: %s: %w", op, lastErr)
	}
	return nil
}

// isTransientPgError reports whether err looks like a dropped connection or
// serialization conflict rather than a constraint violation or logic error.
func isTransientPgError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "08000", "08003", "08006", "08001", "08004":
			// serialization_failure, deadlock_detected, connection_exception family
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// A non-pgconn error this deep is almost always a network-level
	// failure (connection reset, broken pipe) rather than a query error.
	return isNetworkish(err)
}

func isNetworkish(err error) bool {
	msg := err.Error()
	for _, substr := range []string{"connection reset", "broken pipe", "EOF", "connection refused", "i/o timeout"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on unique-constraint violations during writes.
	ErrConflict = errors.New("store: conflict")
	// ErrEmailTaken is returned when a signup collides on the email column.
	ErrEmailTaken = errors.New("store: email already registered")
)

// SQL is the Postgres-backed store.
type SQL struct {
	db *sqlx.DB
}

// Open connects to Postgres via the pgx stdlib driver.
func Open(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &SQL{db: db}, nil
}

// NewWithDB wraps an existing database handle. Tests pass a sqlmock handle
// here with driverName "pgx" so bind rewriting matches production.
func NewWithDB(db *sql.DB, driverName string) *SQL {
	return &SQL{db: sqlx.NewDb(db, driverName)}
}

// Migrate applies all pending schema migrations.
func (s *SQL) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *SQL) Close() error { return s.db.Close() }

// Ping verifies the connection, used by the health endpoint.
func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *SQL) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Package sqlite registers the "sqlite" journal driver, a single-file
// alternative to Postgres built on the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/XSAM/otelsql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/jmoiron/sqlx"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/config"
	"github.com/makorehaps/dkpbot/internal/store"
	"github.com/makorehaps/dkpbot/internal/store/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	store.Register("sqlite", open)
}

func open(ctx context.Context, cfg config.JournalConfig, clk clock.Clock) (*store.Journal, error) {
	if err := Migrate(ctx, cfg.Path); err != nil {
		return nil, err
	}

	db, err := Connect(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}

	return &store.Journal{
		Events: sqlstore.NewEventStore(db, clk),
		Closer: db,
		Ping:   db.PingContext,
	}, nil
}

// Connect opens the database file at path with OTEL instrumentation.
func Connect(ctx context.Context, path string) (*sqlx.DB, error) {
	sqlDB, err := otelsql.Open("sqlite", dsn(path),
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	// "sqlite3" selects sqlx's question-mark bindvars.
	db := sqlx.NewDb(sqlDB, "sqlite3")
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// Migrate brings the events schema up to date on a dedicated connection,
// since the migrate driver closes the database it is handed.
func Migrate(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init sqlite migration driver: %w", err)
	}
	defer driver.Close()

	if err := sqlstore.Migrate(driver, "sqlite", migrations, "migrations"); err != nil {
		return fmt.Errorf("migrating sqlite journal: %w", err)
	}
	return nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

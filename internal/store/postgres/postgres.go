// Package postgres registers the "postgres" journal driver.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/XSAM/otelsql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/config"
	"github.com/makorehaps/dkpbot/internal/store"
	"github.com/makorehaps/dkpbot/internal/store/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	store.Register("postgres", open)
}

func open(ctx context.Context, cfg config.JournalConfig, clk clock.Clock) (*store.Journal, error) {
	dsn := cfg.DSN()
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}

	db, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	return &store.Journal{
		Events: sqlstore.NewEventStore(db, clk),
		Closer: db,
		Ping:   db.PingContext,
	}, nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	sqlDB, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := sqlx.NewDb(sqlDB, "postgres")
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// Migrate brings the events schema up to date on a dedicated connection,
// since the migrate driver closes the database it is handed.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("init postgres migration driver: %w", err)
	}
	defer driver.Close()

	if err := sqlstore.Migrate(driver, "postgres", migrations, "migrations"); err != nil {
		return fmt.Errorf("migrating postgres journal: %w", err)
	}
	return nil
}

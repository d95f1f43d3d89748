// Package database is Deepr's persistence layer: a pgx connection pool
// plus hand-written repository methods for every entity in
// internal/models, grounded on the teacher's pkg/database package
// (embedded golang-migrate migrations applied on startup) and
// pkg/queue/worker.go's claimNextSession (SELECT ... FOR UPDATE SKIP
// LOCKED row-claim pattern), adapted from Ent's generated client to
// hand-written pgx queries since Ent's client is codegen-only (DESIGN.md).
package database

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // registers the "postgres" driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds database connection and pool configuration (mirrors
// internal/config.DatabaseConfig).
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Client wraps a pgx pool and exposes per-entity repository methods.
type Client struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close releases all pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient opens a pool against cfg, applies embedded migrations, and
// returns a ready Client.
//
// Migration workflow:
//  1. Add a new pair of .up.sql/.down.sql files under migrations/.
//  2. Files are embedded into the binary at compile time via go:embed.
//  3. On startup, NewClient applies any pending migrations before the
//     pool is handed to callers.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d&pool_max_conn_idle_time=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
		cfg.MaxOpenConns, cfg.ConnMaxLifetime,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: parsing dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	if err := runMigrations(cfg, dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: migrations: %w", err)
	}

	return &Client{pool: pool}, nil
}

// runMigrations applies pending embedded migrations using
// golang-migrate's database/sql-backed postgres driver. It opens its
// own short-lived database/sql handle rather than reusing the pgx
// pool, since golang-migrate's postgres driver owns the connection it
// is given and closes it on completion.
func runMigrations(cfg Config, dsn string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	defer func() { _ = sourceDriver.Close() }()

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	srcErr, dbErr := m.Close()
	if dbErr != nil {
		return fmt.Errorf("closing migration db handle: %w", dbErr)
	}
	if srcErr != nil {
		return fmt.Errorf("closing migration source: %w", srcErr)
	}
	return nil
}

// migrateURL rewrites a postgres:// DSN into the x-migrations-table
// form golang-migrate's postgres driver expects (it reuses the
// postgres package's own pgx-free driver rather than a shared handle,
// since golang-migrate does not support pgxpool directly).
func migrateURL(dsn string) string {
	return dsn + "&x-migrations-table=schema_migrations"
}

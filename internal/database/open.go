package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
)

const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

func OpenerFor(driver string) (Opener, error) {
	switch driver {
	case DriverPostgres, "":
		return OpenPostgres, nil
	case DriverDuckDB:
		return OpenDuckDB, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// ConnString returns the configured DSN, or assembles a postgres URL from the
// individual connection parts.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == DriverDuckDB {
		return ""
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port <= 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	return u.String()
}

func OpenPostgres(ctx context.Context, cfg Config) (Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return Backend{}, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return Backend{}, fmt.Errorf("create postgres pool: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	if err := ping(ctx, db); err != nil {
		_ = db.Close()
		pool.Close()
		return Backend{}, fmt.Errorf("ping postgres: %w", err)
	}
	return Backend{DB: db, Cleanup: pool.Close}, nil
}

func OpenDuckDB(ctx context.Context, cfg Config) (Backend, error) {
	db, err := sql.Open("duckdb", cfg.ConnString())
	if err != nil {
		return Backend{}, fmt.Errorf("open duckdb: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if err := ping(ctx, db); err != nil {
		_ = db.Close()
		return Backend{}, fmt.Errorf("ping duckdb: %w", err)
	}
	return Backend{DB: db}, nil
}

func ping(ctx context.Context, db *sql.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(pingCtx)
}

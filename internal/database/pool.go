// Package database owns the process-scoped connection pool used to run
// generated SQL, introspect the schema and record query attempts.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/querychat/querychat/internal/observability"
)

// ErrPoolUnavailable is returned whenever a connection cannot be handed out,
// whether the pool failed to construct, is inside its retry window, or is
// exhausted past the acquire timeout.
var ErrPoolUnavailable = errors.New("connection pool unavailable")

type Config struct {
	Driver          string
	DSN             string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	MinConns        int
	MaxConns        int
	AcquireTimeout  time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Backend is an opened handle plus any driver resources that must be released
// alongside it.
type Backend struct {
	DB      *sql.DB
	Cleanup func()
}

type Opener func(ctx context.Context, cfg Config) (Backend, error)

type Pool struct {
	cfg    Config
	opener Opener
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	backend Backend
	open    bool
	closed  bool
	retryAt time.Time
	retry   *backoff.ExponentialBackOff
}

func New(cfg Config, opener Opener, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 1
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 5
	}
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryInitial
	retry.MaxInterval = cfg.RetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Pool{
		cfg:    cfg,
		opener: opener,
		logger: logger,
		now:    time.Now,
		retry:  retry,
	}
}

// Acquire checks out a dedicated connection. The caller must hand it back
// with Release.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	db, err := p.DB(ctx)
	if err != nil {
		observability.IncrementPoolAcquireFailure()
		return nil, err
	}

	acquireCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := db.Conn(acquireCtx)
	if err != nil {
		observability.IncrementPoolAcquireFailure()
		p.logger.WarnContext(ctx, "connection acquire failed", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	return conn, nil
}

// Release returns conn to the pool. It tolerates a nil conn, a pool that was
// never constructed and a pool closed while conn was checked out.
func (p *Pool) Release(conn *sql.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		p.logger.Warn("connection release failed", slog.Any("error", err))
	}
}

// DB returns the underlying handle, constructing the pool on first use.
// Concurrent callers block on a single construction attempt.
func (p *Pool) DB(ctx context.Context) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%w: pool closed", ErrPoolUnavailable)
	}
	if p.open {
		return p.backend.DB, nil
	}
	if p.opener == nil {
		return nil, fmt.Errorf("%w: no opener configured", ErrPoolUnavailable)
	}
	now := p.now()
	if now.Before(p.retryAt) {
		return nil, fmt.Errorf("%w: construction retry in %s", ErrPoolUnavailable, p.retryAt.Sub(now).Round(time.Millisecond))
	}

	backend, err := p.opener(ctx, p.cfg)
	if err != nil {
		wait := p.retry.NextBackOff()
		p.retryAt = now.Add(wait)
		p.logger.ErrorContext(ctx, "connection pool construction failed",
			slog.String("driver", p.cfg.Driver),
			slog.Duration("retry_in", wait),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	if backend.DB == nil {
		return nil, fmt.Errorf("%w: opener returned no handle", ErrPoolUnavailable)
	}

	p.retry.Reset()
	p.retryAt = time.Time{}
	p.backend = backend
	p.open = true
	p.logger.InfoContext(ctx, "connection pool ready",
		slog.String("driver", p.cfg.Driver),
		slog.Int("min_conns", p.cfg.MinConns),
		slog.Int("max_conns", p.cfg.MaxConns),
	)
	return backend.DB, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	db, err := p.DB(ctx)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if !p.open {
		return nil
	}
	p.open = false
	err := p.backend.DB.Close()
	if p.backend.Cleanup != nil {
		p.backend.Cleanup()
	}
	return err
}

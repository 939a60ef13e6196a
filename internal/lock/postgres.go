package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kneutral-org/lockguard/internal/guard"
)

// PostgresProvider implements guard.LockProvider with session-level
// advisory locks. Each held lock pins one pool connection until release.
// Advisory locks have no lease: they end with Release or with the session,
// so LeaseDuration is not enforced.
//
// Supported modes: auto, write, read (shared advisory lock).
type PostgresProvider struct {
	db           *pgxpool.Pool
	pollInterval time.Duration
	connTimeout  time.Duration
}

// DefaultPostgresConnTimeout bounds the wait for a pool connection when the
// request itself allows less. An exhausted pool reports the lock as busy.
const DefaultPostgresConnTimeout = 100 * time.Millisecond

// PostgresOption configures a PostgresProvider.
type PostgresOption func(*PostgresProvider)

// WithPostgresPollInterval sets how often a blocking acquisition retries.
func WithPostgresPollInterval(d time.Duration) PostgresOption {
	return func(p *PostgresProvider) {
		p.pollInterval = d
	}
}

// WithPostgresConnTimeout sets the minimum wait for a pool connection.
func WithPostgresConnTimeout(d time.Duration) PostgresOption {
	return func(p *PostgresProvider) {
		if d > 0 {
			p.connTimeout = d
		}
	}
}

// NewPostgresProvider creates a PostgreSQL-backed provider.
func NewPostgresProvider(db *pgxpool.Pool, opts ...PostgresOption) *PostgresProvider {
	p := &PostgresProvider{
		db:           db,
		pollInterval: DefaultPollInterval,
		connTimeout:  DefaultPostgresConnTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type postgresHandle struct {
	key      string
	shared   bool
	conn     *pgxpool.Conn
	released atomic.Bool
}

func (h *postgresHandle) Key() string {
	return h.key
}

// SupportsMode implements guard.ModeChecker.
func (p *PostgresProvider) SupportsMode(m guard.Mode) bool {
	return m == guard.ModeAuto || m == guard.ModeWrite || m == guard.ModeRead
}

// Acquire implements guard.LockProvider.
func (p *PostgresProvider) Acquire(ctx context.Context, req guard.AcquireRequest) (guard.Handle, bool, error) {
	if !p.SupportsMode(req.Mode) {
		return nil, false, unsupported("postgres", req.Mode)
	}
	shared := req.Mode == guard.ModeRead

	start := time.Now()
	conn, err := p.conn(ctx, req)
	if err != nil || conn == nil {
		return nil, false, err
	}
	if !req.TryOnly && req.WaitTimeout > 0 {
		req.WaitTimeout = max(req.WaitTimeout-time.Since(start), 0)
	}

	query := `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`
	if shared {
		query = `SELECT pg_try_advisory_lock_shared(hashtextextended($1, 0))`
	}

	ok, err := poll(ctx, req, p.pollInterval, func(ctx context.Context) (bool, error) {
		var locked bool
		if err := conn.QueryRow(ctx, query, req.Key).Scan(&locked); err != nil {
			return false, err
		}
		return locked, nil
	})
	if err != nil || !ok {
		conn.Release()
		return nil, false, err
	}
	return &postgresHandle{key: req.Key, shared: shared, conn: conn}, true, nil
}

// conn takes a pool connection within the request's wait, or within
// connTimeout for try-only requests. It returns a nil conn when the pool
// stayed exhausted.
func (p *PostgresProvider) conn(ctx context.Context, req guard.AcquireRequest) (*pgxpool.Conn, error) {
	wait := p.connTimeout
	if !req.TryOnly && req.WaitTimeout > wait {
		wait = req.WaitTimeout
	}
	connCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	conn, err := p.db.Acquire(connCtx)
	if err == nil {
		return conn, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return nil, fmt.Errorf("acquire connection: %w", err)
}

// Release implements guard.LockProvider. The pinned connection goes back to
// the pool; if unlocking fails the connection is closed instead so that the
// session, and with it the lock, ends.
func (p *PostgresProvider) Release(ctx context.Context, h guard.Handle) error {
	ph, ok := h.(*postgresHandle)
	if !ok {
		return ErrForeignHandle
	}
	if !ph.released.CompareAndSwap(false, true) {
		return nil
	}
	defer ph.conn.Release()

	query := `SELECT pg_advisory_unlock(hashtextextended($1, 0))`
	if ph.shared {
		query = `SELECT pg_advisory_unlock_shared(hashtextextended($1, 0))`
	}

	var unlocked bool
	if err := ph.conn.QueryRow(ctx, query, ph.key).Scan(&unlocked); err != nil {
		_ = ph.conn.Conn().Close(ctx)
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// Ping checks if the database connection is healthy.
func (p *PostgresProvider) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

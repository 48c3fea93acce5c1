package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS giftlock_idempotency (
    key TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    pending BOOLEAN NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	s, err := NewPostgresStoreWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreWithPool shares a pool owned by the caller, typically the
// one backing the gift store.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil && p.owned {
		p.pool.Close()
	}
}

func (p *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, error) {
	rec := pending(fingerprint, ttl)
	// An expired row is taken over as if it were absent.
	tag, err := p.pool.Exec(ctx, `
INSERT INTO giftlock_idempotency (key, fingerprint, pending, status_code, response, created_at, expires_at)
VALUES ($1, $2, TRUE, 0, ''::bytea, $3, $4)
ON CONFLICT (key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    pending = TRUE,
    status_code = 0,
    response = ''::bytea,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE giftlock_idempotency.expires_at < $3
`, key, rec.Fingerprint, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}
	existing, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Expired between the insert and the read; report it as in flight
		// so the caller backs off instead of running twice.
		return &rec, nil
	}
	return existing, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT fingerprint, pending, status_code, response, created_at, expires_at
FROM giftlock_idempotency
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.Fingerprint, &rec.Pending, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if rec.expired(time.Now()) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	if record.Response == nil {
		record.Response = []byte{}
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO giftlock_idempotency (key, fingerprint, pending, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    pending = EXCLUDED.pending,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, record.Fingerprint, record.Pending, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return err
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM giftlock_idempotency WHERE key = $1 AND pending`, key)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM giftlock_idempotency WHERE key = $1 AND expires_at < now()`, key)
}

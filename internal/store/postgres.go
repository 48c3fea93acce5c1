package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"giftlock/internal/codehash"
	"giftlock/internal/gift"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

// Postgres persists gifts in a single table. Transitions are conditional
// UPDATEs, so concurrent writers in different processes still see exactly
// one winner.
type Postgres struct {
	pool    *pgxpool.Pool
	table   string
	ownPool bool
}

const createGiftsSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id          BIGSERIAL PRIMARY KEY,
    asset_kind  SMALLINT NOT NULL,
    asset_ref   TEXT NOT NULL,
    unit_ref    TEXT NOT NULL DEFAULT '',
    gross       NUMERIC(78, 0) NOT NULL,
    quantity    NUMERIC(78, 0) NOT NULL,
    expiry      TIMESTAMPTZ NOT NULL,
    code_hash   BYTEA NOT NULL,
    note        TEXT NOT NULL DEFAULT '',
    state       SMALLINT NOT NULL,
    creator     TEXT NOT NULL,
    claimant    TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ
);
ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS transfer_ref TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS %[2]s_state_expiry_idx ON %[1]s (state, expiry);
CREATE INDEX IF NOT EXISTS %[2]s_code_hash_idx ON %[1]s (code_hash);
CREATE INDEX IF NOT EXISTS %[2]s_creator_idx ON %[1]s (creator);
`

const giftColumns = `id, asset_kind, asset_ref, unit_ref, gross::text, quantity::text, expiry,
       code_hash, note, state, creator, claimant, created_at, resolved_at, transfer_ref`

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithTable overrides the table name (default "gifts").
func WithTable(name string) PostgresOption {
	return func(p *Postgres) {
		if name = strings.TrimSpace(name); name != "" {
			p.table = name
		}
	}
}

// NewPostgres uses an existing pool, which the caller keeps owning, and
// ensures the schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	p := &Postgres{pool: pool, table: "gifts"}
	for _, opt := range opts {
		opt(p)
	}
	ddl := fmt.Sprintf(createGiftsSQL, pgx.Identifier{p.table}.Sanitize(), p.table)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create gifts table: %w", err)
	}
	return p, nil
}

// OpenPostgres connects with dsn and owns the resulting pool.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p, err := NewPostgres(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.ownPool = true
	return p, nil
}

func (p *Postgres) ident() string {
	return pgx.Identifier{p.table}.Sanitize()
}

func (p *Postgres) Create(ctx context.Context, g gift.Gift) (gift.Gift, error) {
	if err := g.Validate(); err != nil {
		return gift.Gift{}, err
	}
	row := p.pool.QueryRow(ctx, `
INSERT INTO `+p.ident()+` (asset_kind, asset_ref, unit_ref, gross, quantity, expiry,
    code_hash, note, state, creator, claimant, created_at, transfer_ref)
VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7, $8, $9, $10, '', $11, $12)
RETURNING `+giftColumns,
		int16(g.Asset.Kind), g.Asset.Ref, g.Asset.UnitRef, g.Gross.String(), g.Quantity.String(), g.Expiry,
		g.CodeHash[:], g.Note, int16(g.State), g.Creator, g.CreatedAt, g.TransferRef,
	)
	return scanGift(row)
}

func (p *Postgres) Get(ctx context.Context, id int64) (gift.Gift, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+giftColumns+` FROM `+p.ident()+` WHERE id = $1`, id)
	g, err := scanGift(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return gift.Gift{}, gift.ErrNotFound
	}
	return g, err
}

func (p *Postgres) Transition(ctx context.Context, t Transition) (gift.Gift, error) {
	if err := t.validate(); err != nil {
		return gift.Gift{}, err
	}

	var next gift.Gift
	next.ID = t.ID
	t.apply(&next)

	var resolvedAt *time.Time
	if !next.ResolvedAt.IsZero() {
		resolvedAt = &next.ResolvedAt
	}

	row := p.pool.QueryRow(ctx, `
UPDATE `+p.ident()+`
   SET state = $1,
       claimant = $2,
       resolved_at = $3,
       transfer_ref = CASE WHEN $6::boolean THEN '' ELSE transfer_ref END
 WHERE id = $4
   AND state = $5
RETURNING `+giftColumns,
		int16(next.State), next.Claimant, resolvedAt, t.ID, int16(t.From), t.To == gift.Locked,
	)
	g, err := scanGift(row)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return gift.Gift{}, err
	}

	// Distinguish a missing record from one that moved on.
	current, err := p.Get(ctx, t.ID)
	if err != nil {
		return gift.Gift{}, err
	}
	return current, conflict(current, t.From)
}

func (p *Postgres) ListExpired(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
SELECT id FROM `+p.ident()+`
 WHERE state = $1 AND expiry <= $2 AND id > $3
 ORDER BY id
 LIMIT $4`, int16(gift.Locked), cutoff, afterID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (p *Postgres) ListInFlight(ctx context.Context, afterID int64, limit int) ([]gift.Gift, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+giftColumns+` FROM `+p.ident()+`
 WHERE state IN ($1, $2, $3) AND id > $4
 ORDER BY id
 LIMIT $5`, int16(gift.Claiming), int16(gift.Refunding), int16(gift.Depositing), afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectGifts(rows)
}

func (p *Postgres) SetTransferRef(ctx context.Context, id int64, state gift.State, ref string) (gift.Gift, error) {
	if err := validateRef(state, ref); err != nil {
		return gift.Gift{}, err
	}
	row := p.pool.QueryRow(ctx, `
UPDATE `+p.ident()+`
   SET transfer_ref = $1
 WHERE id = $2
   AND state = $3
RETURNING `+giftColumns, ref, id, int16(state))
	g, err := scanGift(row)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return gift.Gift{}, err
	}
	current, err := p.Get(ctx, id)
	if err != nil {
		return gift.Gift{}, err
	}
	return current, conflict(current, state)
}

func (p *Postgres) ListByCodeHash(ctx context.Context, hash codehash.Digest) ([]gift.Gift, error) {
	return p.list(ctx, `code_hash = $1`, hash[:])
}

func (p *Postgres) ListByCreator(ctx context.Context, creator string) ([]gift.Gift, error) {
	return p.list(ctx, `creator = $1`, creator)
}

func (p *Postgres) list(ctx context.Context, where string, arg any) ([]gift.Gift, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+giftColumns+` FROM `+p.ident()+` WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, err
	}
	return collectGifts(rows)
}

func collectGifts(rows pgx.Rows) ([]gift.Gift, error) {
	defer rows.Close()

	var out []gift.Gift
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	if p.ownPool {
		p.pool.Close()
	}
	return nil
}

func scanGift(row pgx.Row) (gift.Gift, error) {
	var (
		g          gift.Gift
		kind       int16
		state      int16
		gross      string
		quantity   string
		hash       []byte
		resolvedAt *time.Time
	)
	err := row.Scan(
		&g.ID, &kind, &g.Asset.Ref, &g.Asset.UnitRef, &gross, &quantity, &g.Expiry,
		&hash, &g.Note, &state, &g.Creator, &g.Claimant, &g.CreatedAt, &resolvedAt, &g.TransferRef,
	)
	if err != nil {
		return gift.Gift{}, err
	}

	g.Asset.Kind = gift.AssetKind(kind)
	g.State = gift.State(state)
	if g.Gross, err = parseNumeric(gross); err != nil {
		return gift.Gift{}, err
	}
	if g.Quantity, err = parseNumeric(quantity); err != nil {
		return gift.Gift{}, err
	}
	if g.CodeHash, err = codehash.FromBytes(hash); err != nil {
		return gift.Gift{}, err
	}
	if resolvedAt != nil {
		g.ResolvedAt = resolvedAt.UTC()
	}
	g.Expiry = g.Expiry.UTC()
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored quantity %q", s)
	}
	return v, nil
}

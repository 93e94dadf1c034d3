package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// Record bodies are stored as JSONB next to the key and filter columns; the
// JSON carries Money as decimal strings, so nothing passes through floats.
const (
	upsertAccount = `INSERT INTO accounts (account) VALUES ($1) ON CONFLICT DO NOTHING`

	upsertBalance = `
		INSERT INTO spot_balances (account, asset_id, source, source_id, quantity, observed_at, payload)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (account, asset_id, source, source_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, observed_at = EXCLUDED.observed_at, payload = EXCLUDED.payload`

	upsertLiquidity = `
		INSERT INTO liquidity_positions (account, pool_id, id, closed, updated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account, id) DO UPDATE
		SET closed = EXCLUDED.closed, updated_at = EXCLUDED.updated_at, payload = EXCLUDED.payload`

	upsertLending = `
		INSERT INTO lending_positions (account, market_id, id, closed, updated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account, id) DO UPDATE
		SET closed = EXCLUDED.closed, updated_at = EXCLUDED.updated_at, payload = EXCLUDED.payload`

	upsertLot = `
		INSERT INTO tax_lots (account, asset_id, id, acquired_at, seq, quantity_remaining, payload)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		ON CONFLICT (account, asset_id, id) DO UPDATE
		SET quantity_remaining = EXCLUDED.quantity_remaining, payload = EXCLUDED.payload`

	insertDisposal = `
		INSERT INTO disposals (account, asset_id, id, disposed_at, realized_gain, payload)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
		ON CONFLICT (account, asset_id, id) DO NOTHING`

	upsertPool = `
		INSERT INTO pools (account, id, payload) VALUES ($1, $2, $3)
		ON CONFLICT (account, id) DO UPDATE SET payload = EXCLUDED.payload`

	upsertMarket = `
		INSERT INTO markets (account, id, payload) VALUES ($1, $2, $3)
		ON CONFLICT (account, id) DO UPDATE SET payload = EXCLUDED.payload`

	insertEvent = `INSERT INTO applied_events (account, event_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
)

// Store is a domain.Store on a pgx pool. Every change set commits in one
// transaction.
type Store struct {
	l    *zap.Logger
	pool *pgxpool.Pool
}

// NewStore wraps an open pool. Migrations must already be applied.
func NewStore(l *zap.Logger, pool *pgxpool.Pool) *Store {
	if l == nil {
		l = zap.NewNop()
	}
	return &Store{l: l, pool: pool}
}

// Open connects, migrates and returns a ready store.
func Open(ctx context.Context, l *zap.Logger, cfg ClientConfig) (*Store, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(l, pool), nil
}

// changeSetBatch renders a change set as one statement batch.
func changeSetBatch(c domain.ChangeSet) (*pgx.Batch, error) {
	b := &pgx.Batch{}
	b.Queue(upsertAccount, c.Account)

	for _, x := range c.Balances {
		payload, err := json.Marshal(x)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal balance %s", x.Key())
		}
		b.Queue(upsertBalance, c.Account, x.Asset.ID, string(x.Source), x.SourceID, x.Quantity.String(), x.ObservedAt, payload)
	}
	for _, p := range c.LiquidityPositions {
		payload, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal liquidity position %s", p.ID)
		}
		b.Queue(upsertLiquidity, c.Account, p.PoolID, p.ID, !p.IsOpen(), p.UpdatedAt, payload)
	}
	for _, p := range c.LendingPositions {
		payload, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal lending position %s", p.ID)
		}
		b.Queue(upsertLending, c.Account, p.MarketID, p.ID, p.Closed, p.UpdatedAt, payload)
	}
	for _, l := range c.Lots {
		payload, err := json.Marshal(l)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal lot %s", l.ID)
		}
		b.Queue(upsertLot, c.Account, l.Asset.ID, l.ID, l.AcquiredAt, int64(l.Seq), l.QuantityRemaining.String(), payload)
	}
	for _, d := range c.Disposals {
		payload, err := json.Marshal(d)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal disposal %s", d.ID)
		}
		b.Queue(insertDisposal, c.Account, d.Asset.ID, d.ID, d.DisposedAt, d.RealizedGain().String(), payload)
	}
	for _, p := range c.Pools {
		payload, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal pool %s", p.ID)
		}
		b.Queue(upsertPool, c.Account, p.ID, payload)
	}
	for _, m := range c.Markets {
		payload, err := json.Marshal(m)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal market %s", m.ID)
		}
		b.Queue(upsertMarket, c.Account, m.ID, payload)
	}
	for _, id := range c.EventIDs {
		b.Queue(insertEvent, c.Account, id)
	}
	return b, nil
}

// Commit writes the change set in a single transaction.
func (s *Store) Commit(ctx context.Context, c domain.ChangeSet) error {
	if c.Account == "" {
		return errors.Wrap(domain.ErrInvalidEvent, "change set without account")
	}
	if c.IsEmpty() {
		return nil
	}
	batch, err := changeSetBatch(c)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin commit")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrapf(err, "write change set for %s", c.Account)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, "commit change set for %s", c.Account)
	}
	s.l.Debug("change set committed", zap.String("account", c.Account), zap.Int("statements", batch.Len()))
	return nil
}

// queryPayloads runs a query returning one JSONB column and decodes each row.
func queryPayloads[T any](ctx context.Context, pool *pgxpool.Pool, what, query string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", what)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrapf(err, "scan %s", what)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.Wrapf(err, "decode %s", what)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s", what)
	}
	return out, nil
}

func (s *Store) LoadAccount(ctx context.Context, account string) (domain.AccountRecords, error) {
	rec := domain.AccountRecords{Account: account}
	var err error

	if rec.Balances, err = queryPayloads[domain.SpotBalance](ctx, s.pool, "balances",
		`SELECT payload FROM spot_balances WHERE account = $1 ORDER BY asset_id, source, source_id`, account); err != nil {
		return rec, err
	}
	if rec.LiquidityPositions, err = queryPayloads[domain.LiquidityPosition](ctx, s.pool, "liquidity positions",
		`SELECT payload FROM liquidity_positions WHERE account = $1 ORDER BY id`, account); err != nil {
		return rec, err
	}
	if rec.LendingPositions, err = queryPayloads[domain.LendingPosition](ctx, s.pool, "lending positions",
		`SELECT payload FROM lending_positions WHERE account = $1 ORDER BY id`, account); err != nil {
		return rec, err
	}
	if rec.Lots, err = s.ListLots(ctx, account, ""); err != nil {
		return rec, err
	}
	if rec.Disposals, err = s.ListDisposals(ctx, account, ""); err != nil {
		return rec, err
	}
	if rec.Pools, err = queryPayloads[domain.Pool](ctx, s.pool, "pools",
		`SELECT payload FROM pools WHERE account = $1 ORDER BY id`, account); err != nil {
		return rec, err
	}
	if rec.Markets, err = queryPayloads[domain.Market](ctx, s.pool, "markets",
		`SELECT payload FROM markets WHERE account = $1 ORDER BY id`, account); err != nil {
		return rec, err
	}

	rows, err := s.pool.Query(ctx, `SELECT event_id FROM applied_events WHERE account = $1 ORDER BY event_id`, account)
	if err != nil {
		return rec, errors.Wrap(err, "query applied events")
	}
	rec.EventIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return rec, errors.Wrap(err, "scan applied events")
	}
	return rec, nil
}

func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT account FROM accounts ORDER BY account`)
	if err != nil {
		return nil, errors.Wrap(err, "query accounts")
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return out, errors.Wrap(err, "scan accounts")
}

func (s *Store) ListOpenLiquidityPositions(ctx context.Context, account string) ([]domain.LiquidityPosition, error) {
	return queryPayloads[domain.LiquidityPosition](ctx, s.pool, "open liquidity positions",
		`SELECT payload FROM liquidity_positions WHERE account = $1 AND NOT closed ORDER BY id`, account)
}

func (s *Store) ListOpenLendingPositions(ctx context.Context, account string) ([]domain.LendingPosition, error) {
	return queryPayloads[domain.LendingPosition](ctx, s.pool, "open lending positions",
		`SELECT payload FROM lending_positions WHERE account = $1 AND NOT closed ORDER BY id`, account)
}

// ListLots returns lots in matching order per asset; an empty assetID lists all assets.
func (s *Store) ListLots(ctx context.Context, account, assetID string) ([]domain.TaxLot, error) {
	return queryPayloads[domain.TaxLot](ctx, s.pool, "tax lots",
		`SELECT payload FROM tax_lots
		 WHERE account = $1 AND ($2 = '' OR asset_id = $2)
		 ORDER BY asset_id, acquired_at, seq`, account, assetID)
}

// ListDisposals returns disposals in commit order.
func (s *Store) ListDisposals(ctx context.Context, account, assetID string) ([]domain.DisposalRecord, error) {
	return queryPayloads[domain.DisposalRecord](ctx, s.pool, "disposals",
		`SELECT payload FROM disposals
		 WHERE account = $1 AND ($2 = '' OR asset_id = $2)
		 ORDER BY pk`, account, assetID)
}

// RealizedGain sums realized gains of an account in [from, to) on the server.
func (s *Store) RealizedGain(ctx context.Context, account string, from, to time.Time) (domain.Money, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_gain), 0)::text FROM disposals
		 WHERE account = $1 AND disposed_at >= $2 AND disposed_at < $3`, account, from, to).Scan(&total)
	if err != nil {
		return domain.Zero, errors.Wrap(err, "sum realized gain")
	}
	return domain.ParseMoney(total)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

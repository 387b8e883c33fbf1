package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// Schema creates the ledger tables. All monetary values are NUMERIC for
// exact decimal precision; they are read back as text and parsed into
// fixed-point values, never through float64.
const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                          BIGSERIAL PRIMARY KEY,
	owner                       TEXT     NOT NULL,
	pool_id                     BIGINT   NOT NULL,
	base                        TEXT     NOT NULL,
	quote                       TEXT     NOT NULL,
	leverage                    SMALLINT NOT NULL,
	leveraged_held              NUMERIC  NOT NULL,
	leveraged_debits            NUMERIC  NOT NULL,
	leveraged_held_in_reference NUMERIC  NOT NULL,
	open_accumulated_swap_rate  NUMERIC  NOT NULL,
	open_margin                 NUMERIC  NOT NULL CHECK (open_margin >= 0),
	opened_at                   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS positions_owner_idx ON positions (owner);
CREATE INDEX IF NOT EXISTS positions_pool_idx ON positions (pool_id);

CREATE TABLE IF NOT EXISTS balances (
	trader TEXT PRIMARY KEY,
	amount NUMERIC NOT NULL CHECK (amount >= 0)
);

CREATE TABLE IF NOT EXISTS pools (
	pool_id   BIGINT PRIMARY KEY,
	liquidity NUMERIC NOT NULL CHECK (liquidity >= 0)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const selectPositions = `SELECT id, owner, pool_id, base, quote, leverage,
        leveraged_held::TEXT, leveraged_debits::TEXT,
        leveraged_held_in_reference::TEXT, open_accumulated_swap_rate::TEXT,
        open_margin::TEXT
 FROM positions`

// Snapshot reads the three tables inside one repeatable-read, read-only
// transaction so positions and balances come from the same instant.
func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, selectPositions+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot positions: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("snapshot positions: %w", err)
	}

	balances := make(map[model.TraderID]fixed.Balance)
	rows, err = tx.Query(ctx, `SELECT trader, amount::TEXT FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("snapshot balances: %w", err)
	}
	for rows.Next() {
		var trader, amountS string
		if err := rows.Scan(&trader, &amountS); err != nil {
			rows.Close()
			return nil, err
		}
		amount, err := fixed.BalanceFromString(amountS)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("balance of %s: %w", trader, err)
		}
		balances[model.TraderID(trader)] = amount
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	liquidity := make(map[model.PoolID]fixed.Balance)
	rows, err = tx.Query(ctx, `SELECT pool_id, liquidity::TEXT FROM pools`)
	if err != nil {
		return nil, fmt.Errorf("snapshot pools: %w", err)
	}
	for rows.Next() {
		var pool int64
		var amountS string
		if err := rows.Scan(&pool, &amountS); err != nil {
			rows.Close()
			return nil, err
		}
		amount, err := fixed.BalanceFromString(amountS)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("liquidity of pool %d: %w", pool, err)
		}
		liquidity[model.PoolID(pool)] = amount
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return NewSnapshot(positions, balances, liquidity), nil
}

func (s *PostgresStore) FreshSnapshot(ctx context.Context) (*Snapshot, error) {
	return s.Snapshot(ctx)
}

func (s *PostgresStore) GetPosition(ctx context.Context, id model.PositionID) (model.Position, error) {
	rows, err := s.pool.Query(ctx, selectPositions+` WHERE id = $1`, int64(id))
	if err != nil {
		return model.Position{}, fmt.Errorf("get position %d: %w", id, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return model.Position{}, fmt.Errorf("get position %d: %w", id, err)
	}
	if len(positions) == 0 {
		return model.Position{}, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return positions[0], nil
}

// Apply runs the whole batch in one transaction; any failure rolls every
// change back.
func (s *PostgresStore) Apply(ctx context.Context, batch *Batch) ([]model.PositionID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range batch.Close {
		tag, err := tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, int64(id))
		if err != nil {
			return nil, fmt.Errorf("close position %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("close position %d: %w", id, ErrNotFound)
		}
	}

	ids := make([]model.PositionID, 0, len(batch.Open))
	for _, p := range batch.Open {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO positions (owner, pool_id, base, quote, leverage,
			        leveraged_held, leveraged_debits, leveraged_held_in_reference,
			        open_accumulated_swap_rate, open_margin)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)
			 RETURNING id`,
			string(p.Owner), int64(p.Pool), string(p.Pair.Base), string(p.Pair.Quote), int16(p.Leverage),
			p.LeveragedHeld.String(), p.LeveragedDebits.String(),
			p.LeveragedHeldInReference.String(), p.OpenAccumulatedSwapRate.String(),
			p.OpenMargin.String(),
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("open position for %s: %w", p.Owner, err)
		}
		ids = append(ids, model.PositionID(id))
	}

	for trader, amount := range batch.Balances {
		_, err := tx.Exec(ctx,
			`INSERT INTO balances (trader, amount) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (trader) DO UPDATE SET amount = EXCLUDED.amount`,
			string(trader), amount.String())
		if err != nil {
			return nil, fmt.Errorf("set balance of %s: %w", trader, err)
		}
	}
	for pool, amount := range batch.Liquidity {
		_, err := tx.Exec(ctx,
			`INSERT INTO pools (pool_id, liquidity) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (pool_id) DO UPDATE SET liquidity = EXCLUDED.liquidity`,
			int64(pool), amount.String())
		if err != nil {
			return nil, fmt.Errorf("set liquidity of pool %d: %w", pool, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("apply commit: %w", err)
	}
	return ids, nil
}

// scanPositions reads pgx rows into positions and closes them.
func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var (
			id, pool                            int64
			owner, base, quote                  string
			leverage                            int16
			held, debits, heldRef, rate, margin string
		)
		if err := rows.Scan(&id, &owner, &pool, &base, &quote, &leverage,
			&held, &debits, &heldRef, &rate, &margin); err != nil {
			return nil, err
		}

		p := model.Position{
			ID:       model.PositionID(id),
			Owner:    model.TraderID(owner),
			Pool:     model.PoolID(pool),
			Pair:     model.TradingPair{Base: model.CurrencyID(base), Quote: model.CurrencyID(quote)},
			Leverage: model.Leverage(leverage),
		}
		var err error
		if p.LeveragedHeld, err = fixed.FromString(held); err != nil {
			return nil, fmt.Errorf("position %d held: %w", id, err)
		}
		if p.LeveragedDebits, err = fixed.FromString(debits); err != nil {
			return nil, fmt.Errorf("position %d debits: %w", id, err)
		}
		if p.LeveragedHeldInReference, err = fixed.FromString(heldRef); err != nil {
			return nil, fmt.Errorf("position %d held in reference: %w", id, err)
		}
		if p.OpenAccumulatedSwapRate, err = fixed.FromString(rate); err != nil {
			return nil, fmt.Errorf("position %d swap rate: %w", id, err)
		}
		if p.OpenMargin, err = fixed.BalanceFromString(margin); err != nil {
			return nil, fmt.Errorf("position %d margin: %w", id, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

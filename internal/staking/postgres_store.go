package staking

import (
	"context"
	"database/sql"
)

// PostgresStore persists stake records, the pool, and cashout events in
// PostgreSQL. Pool serialization still belongs to the Engine's mutex; the
// single-row pool table is just durable storage for the balance.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed staking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetStake(ctx context.Context, agentAddr string) (*StakeRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT agent_addr, principal, earnings, wins, losses, is_staked, staked_at, updated_at
		FROM stake_records WHERE agent_addr = $1`, agentAddr)

	rec := &StakeRecord{}
	err := row.Scan(&rec.AgentAddr, &rec.Principal, &rec.Earnings,
		&rec.Wins, &rec.Losses, &rec.IsStaked, &rec.StakedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStakeNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) PutStake(ctx context.Context, rec *StakeRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stake_records (agent_addr, principal, earnings, wins, losses, is_staked, staked_at, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $3::NUMERIC(20,6), $4, $5, $6, $7, $8)
		ON CONFLICT (agent_addr) DO UPDATE SET
			principal = EXCLUDED.principal,
			earnings = EXCLUDED.earnings,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			is_staked = EXCLUDED.is_staked,
			staked_at = EXCLUDED.staked_at,
			updated_at = EXCLUDED.updated_at`,
		rec.AgentAddr, rec.Principal, rec.Earnings, rec.Wins, rec.Losses,
		rec.IsStaked, rec.StakedAt, rec.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetPool(ctx context.Context) (string, error) {
	var balance string
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM pool WHERE id = 1`).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0.000000", nil
	}
	return balance, err
}

func (p *PostgresStore) SetPool(ctx context.Context, balance string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pool (id, balance, updated_at) VALUES (1, $1::NUMERIC(20,6), NOW())
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`,
		balance)
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *CashoutEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cashout_events (id, agent_addr, outcome, earnings, house_fee, payout, pool_after, draw_value, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8, $9)`,
		ev.ID, ev.AgentAddr, ev.Outcome, ev.Earnings, ev.HouseFee, ev.Payout,
		ev.PoolAfter, int64(ev.DrawValue), ev.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, agentAddr string, limit int) ([]*CashoutEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_addr, outcome, earnings, house_fee, payout, pool_after, draw_value, created_at
		FROM cashout_events
		WHERE agent_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CashoutEvent
	for rows.Next() {
		ev := &CashoutEvent{}
		var draw int64
		if err := rows.Scan(&ev.ID, &ev.AgentAddr, &ev.Outcome, &ev.Earnings,
			&ev.HouseFee, &ev.Payout, &ev.PoolAfter, &draw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.DrawValue = uint64(draw)
		out = append(out, ev)
	}
	return out, rows.Err()
}

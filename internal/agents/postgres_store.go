package agents

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists agents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agentColumns = `addr, name, description, tags, status, reputation, min_fee, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (addr, name, description, tags, status, reputation, min_fee, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,6), $8, $9)`,
		a.Addr, a.Name, a.Description, pq.Array(a.Tags), string(a.Status),
		a.Reputation, a.MinFee, a.CreatedAt, a.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAgentExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, addr string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE addr = $1`, addr)
	return scanAgent(row)
}

func (p *PostgresStore) Update(ctx context.Context, a *Agent) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			name = $1, description = $2, tags = $3, status = $4,
			min_fee = $5::NUMERIC(20,6), updated_at = $6
		WHERE addr = $7`,
		a.Name, a.Description, pq.Array(a.Tags), string(a.Status),
		a.MinFee, a.UpdatedAt, a.Addr,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// AddReputation increments the score in the database so concurrent
// settlements never lose a credit. Scores are floored at zero.
func (p *PostgresStore) AddReputation(ctx context.Context, addr string, delta int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			reputation = GREATEST(reputation + $1, 0), updated_at = NOW()
		WHERE addr = $2`,
		delta, addr,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, tag string, limit int) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY reputation DESC, addr ASC LIMIT $1`
	args := []interface{}{limit}
	if tag != "" {
		query = `SELECT ` + agentColumns + ` FROM agents WHERE $2 = ANY(tags) ORDER BY reputation DESC, addr ASC LIMIT $1`
		args = append(args, tag)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var status string
	var tags pq.StringArray
	err := row.Scan(
		&a.Addr, &a.Name, &a.Description, &tags, &status,
		&a.Reputation, &a.MinFee, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.Tags = []string(tags)
	return a, nil
}

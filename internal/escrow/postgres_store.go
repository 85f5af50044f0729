package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `job_id, poster_addr, provider_addr, locked, released, refunded,
		fee_bps, fee_amount, status, locked_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			job_id, poster_addr, provider_addr, locked, released, refunded,
			fee_bps, fee_amount, status, locked_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7, $8, $9, $10)`,
		a.JobID, a.PosterAddr, a.ProviderAddr, a.Locked, a.Released, a.Refunded,
		a.FeeBps, nullString(a.FeeAmount), string(a.Status), a.LockedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAccountExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, jobID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE job_id = $1`, jobID)
	return scanAccount(row)
}

// MarkReleased flips the terminal flag and moves the locked amount to the
// released column in a single conditional UPDATE: the WHERE clause is the
// atomic check-and-set.
func (p *PostgresStore) MarkReleased(ctx context.Context, jobID, feeAmount string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = 'released', released = locked, fee_amount = $1,
			settled_at = $2
		WHERE job_id = $3 AND status = 'locked'`,
		feeAmount, at, jobID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, jobID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = 'refunded', refunded = locked, settled_at = $1
		WHERE job_id = $2 AND status = 'locked'`,
		at, jobID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ListByPoster(ctx context.Context, posterAddr string, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM escrow_accounts
		WHERE poster_addr = $1
		ORDER BY locked_at DESC
		LIMIT $2`, posterAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ScanAccounts calls fn for every account, streaming rows from the database.
func (p *PostgresStore) ScanAccounts(ctx context.Context, fn func(*Account) error) error {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	var fee sql.NullString
	var settled sql.NullTime
	var status string
	err := row.Scan(
		&a.JobID, &a.PosterAddr, &a.ProviderAddr, &a.Locked, &a.Released, &a.Refunded,
		&a.FeeBps, &fee, &status, &a.LockedAt, &settled,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if fee.Valid {
		a.FeeAmount = fee.String
	}
	if settled.Valid {
		a.SettledAt = &settled.Time
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jobmesh/jobmesh/internal/pagination"
)

// PostgresStore persists jobs and bids in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, poster_addr, description, tags, price, currency, status,
		accepted_bid_id, assigned_agent, locked_amount, proof, deadline, created_at, updated_at`

func (p *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, poster_addr, description, tags, price, currency, status,
			accepted_bid_id, assigned_agent, locked_amount, proof, deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.PosterAddr, j.Description, pq.Array(j.Tags), j.Price, j.Currency, string(j.Status),
		nullStr(j.AcceptedBidID), nullStr(j.AssignedAgent), nullStr(j.LockedAmount),
		j.Proof, j.Deadline, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j *Job) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $1, accepted_bid_id = $2, assigned_agent = $3,
			locked_amount = $4, proof = $5, updated_at = $6
		WHERE id = $7`,
		string(j.Status), nullStr(j.AcceptedBidID), nullStr(j.AssignedAgent),
		nullStr(j.LockedAmount), j.Proof, j.UpdatedAt, j.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, tag string, limit int, before *pagination.Cursor) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN ('open', 'selecting')`
	var args []interface{}
	if tag != "" {
		args = append(args, tag)
		query += fmt.Sprintf(" AND $%d = ANY(tags)", len(args))
	}
	if before != nil {
		args = append(args, before.CreatedAt, before.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('open', 'selecting') AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (p *PostgresStore) CreateBid(ctx context.Context, b *Bid) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bids (id, job_id, agent_addr, price, est_duration, submitted_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6)`,
		b.ID, b.JobID, b.AgentAddr, b.Price, b.EstDuration, b.SubmittedAt,
	)
	return err
}

func (p *PostgresStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, job_id, agent_addr, price, est_duration, submitted_at
		FROM bids WHERE id = $1`, id)

	b := &Bid{}
	err := row.Scan(&b.ID, &b.JobID, &b.AgentAddr, &b.Price, &b.EstDuration, &b.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) ListBids(ctx context.Context, jobID string) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, agent_addr, price, est_duration, submitted_at
		FROM bids WHERE job_id = $1
		ORDER BY submitted_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Bid
	for rows.Next() {
		b := &Bid{}
		if err := rows.Scan(&b.ID, &b.JobID, &b.AgentAddr, &b.Price, &b.EstDuration, &b.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var tags pq.StringArray
	var status string
	var acceptedBid, assigned, locked sql.NullString
	var deadline sql.NullTime
	err := row.Scan(
		&j.ID, &j.PosterAddr, &j.Description, &tags, &j.Price, &j.Currency, &status,
		&acceptedBid, &assigned, &locked, &j.Proof, &deadline, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Tags = []string(tags)
	j.Status = Status(status)
	j.AcceptedBidID = acceptedBid.String
	j.AssignedAgent = assigned.String
	j.LockedAmount = locked.String
	if deadline.Valid {
		j.Deadline = &deadline.Time
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

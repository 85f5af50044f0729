package attest

import (
	"context"
	"database/sql"
)

// PostgresStore persists attestations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed attestation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, jobID string) (*Attestation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT job_id, proof, submitter_addr, confirmed, submitted_at
		FROM attestations WHERE job_id = $1`, jobID)

	a := &Attestation{}
	err := row.Scan(&a.JobID, &a.Proof, &a.SubmitterAddr, &a.Confirmed, &a.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) Put(ctx context.Context, a *Attestation) error {
	// Confirmed is sticky: an upsert can set it, never clear it.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attestations (job_id, proof, submitter_addr, confirmed, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE SET
			proof = EXCLUDED.proof,
			submitter_addr = EXCLUDED.submitter_addr,
			confirmed = attestations.confirmed OR EXCLUDED.confirmed,
			submitted_at = EXCLUDED.submitted_at
		WHERE NOT attestations.confirmed`,
		a.JobID, a.Proof, a.SubmitterAddr, a.Confirmed, a.SubmittedAt,
	)
	return err
}

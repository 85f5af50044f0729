package keys

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists capability keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, agent_addr, permissions, active, created_at, last_used_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, key *CapabilityKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO capability_keys (id, hash, agent_addr, permissions, active, created_at, last_used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Hash, key.AgentAddr, pq.Array(permissionStrings(key.Permissions)),
		key.Active, key.CreatedAt, key.LastUsedAt, key.ExpiresAt,
	)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*CapabilityKey, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM capability_keys WHERE hash = $1`, hash)
	return scanKey(row)
}

func (p *PostgresStore) GetByAgent(ctx context.Context, addr string) ([]*CapabilityKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM capability_keys
		WHERE agent_addr = $1
		ORDER BY created_at ASC`, addr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CapabilityKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, key *CapabilityKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE capability_keys SET
			permissions = $1, active = $2, last_used_at = $3
		WHERE id = $4`,
		pq.Array(permissionStrings(key.Permissions)), key.Active, key.LastUsedAt, key.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (*CapabilityKey, error) {
	k := &CapabilityKey{}
	var perms pq.StringArray
	var lastUsed, expires sql.NullTime
	err := row.Scan(&k.ID, &k.Hash, &k.AgentAddr, &perms, &k.Active, &k.CreatedAt, &lastUsed, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, s := range perms {
		k.Permissions = append(k.Permissions, Permission(s))
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	if expires.Valid {
		k.ExpiresAt = &expires.Time
	}
	return k, nil
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

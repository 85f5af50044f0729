// Package keys implements capability-key authorization for marketplace
// mutations.
//
// A key belongs to one agent and carries a permission set, a subset of
// {bid, execute}. The plaintext secret is returned exactly once at
// creation; only its SHA-256 derivation is ever stored. Keys are
// soft-revoked so the audit trail survives.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoKey         = errors.New("keys: capability key required")
	ErrInvalidKey    = errors.New("keys: invalid, expired, or revoked key")
	ErrKeyNotFound   = errors.New("keys: key not found")
	ErrBadPermission = errors.New("keys: unknown permission")
	ErrDenied        = errors.New("keys: permission denied")
)

// Permission names a capability a key may carry.
type Permission string

const (
	PermBid     Permission = "bid"
	PermExecute Permission = "execute"
)

// CapabilityKey is the stored record for an issued key. The Hash field is
// the SHA-256 of the plaintext secret; the secret itself is never stored.
type CapabilityKey struct {
	ID          string       `json:"id"`
	Hash        string       `json:"-"`
	AgentAddr   string       `json:"agentAddr"`
	Permissions []Permission `json:"permissions"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"createdAt"`
	LastUsedAt  *time.Time   `json:"lastUsedAt,omitempty"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
}

// Has reports whether the key carries the given permission.
func (k *CapabilityKey) Has(p Permission) bool {
	for _, have := range k.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Store persists capability keys.
type Store interface {
	Create(ctx context.Context, key *CapabilityKey) error
	GetByHash(ctx context.Context, hash string) (*CapabilityKey, error)
	GetByAgent(ctx context.Context, addr string) ([]*CapabilityKey, error)
	Update(ctx context.Context, key *CapabilityKey) error
}

// Manager issues and validates capability keys.
type Manager struct {
	store Store
}

// NewManager creates a new key manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// CreateKey issues a new key for an agent. The returned secret is shown
// once and cannot be recovered; expiresInDays of 0 means no expiry.
func (m *Manager) CreateKey(ctx context.Context, agentAddr string, permissions []Permission, expiresInDays int) (secret string, key *CapabilityKey, err error) {
	perms, err := normalizePermissions(permissions)
	if err != nil {
		return "", nil, err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	secret = "ck_" + hex.EncodeToString(b)

	key = &CapabilityKey{
		ID:          "key_" + hex.EncodeToString(b[:8]),
		Hash:        hashSecret(secret),
		AgentAddr:   strings.ToLower(agentAddr),
		Permissions: perms,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if expiresInDays > 0 {
		exp := key.CreatedAt.AddDate(0, 0, expiresInDays)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return secret, key, nil
}

// Validate checks a presented secret and returns the matching key. It
// fails for unknown, revoked, and expired keys alike; a successful
// validation stamps lastUsedAt.
func (m *Manager) Validate(ctx context.Context, secret string) (*CapabilityKey, error) {
	secret = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(secret), "Bearer"))
	if secret == "" {
		return nil, ErrNoKey
	}
	if !strings.HasPrefix(secret, "ck_") {
		return nil, ErrInvalidKey
	}

	key, err := m.store.GetByHash(ctx, hashSecret(secret))
	if err != nil {
		return nil, ErrInvalidKey
	}
	if !key.Active {
		return nil, ErrInvalidKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidKey
	}

	now := time.Now()
	key.LastUsedAt = &now
	if err := m.store.Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ListKeys returns every key issued to an agent, revoked ones included.
func (m *Manager) ListKeys(ctx context.Context, agentAddr string) ([]*CapabilityKey, error) {
	return m.store.GetByAgent(ctx, strings.ToLower(agentAddr))
}

// Revoke soft-deletes a key. The record stays for audit; only the active
// flag flips. Revoking an already revoked key is a no-op.
func (m *Manager) Revoke(ctx context.Context, agentAddr, keyID string) error {
	ks, err := m.store.GetByAgent(ctx, strings.ToLower(agentAddr))
	if err != nil {
		return err
	}
	for _, k := range ks {
		if k.ID == keyID {
			if !k.Active {
				return nil
			}
			k.Active = false
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func normalizePermissions(perms []Permission) ([]Permission, error) {
	if len(perms) == 0 {
		return nil, fmt.Errorf("%w: empty permission set", ErrBadPermission)
	}
	seen := make(map[Permission]struct{}, len(perms))
	var out []Permission
	for _, p := range perms {
		p = Permission(strings.ToLower(strings.TrimSpace(string(p))))
		switch p {
		case PermBid, PermExecute:
		default:
			return nil, fmt.Errorf("%w: %q", ErrBadPermission, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func hashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

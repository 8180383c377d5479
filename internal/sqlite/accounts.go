package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rpggio/chairside/internal/domain/session"
	"github.com/rpggio/chairside/internal/gateway"
)

// AccountRepository stores staff profiles and API keys.
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// UpsertProfile creates or replaces a profile.
func (r *AccountRepository) UpsertProfile(ctx context.Context, p session.Profile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, role, practice_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			practice_id = excluded.practice_id,
			updated_at = excluded.updated_at
	`, p.UserID, p.DisplayName, p.Role, p.PracticeID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// LoadProfile implements session.ProfileSource.
func (r *AccountRepository) LoadProfile(ctx context.Context, userID string) (session.Profile, error) {
	var p session.Profile
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, role, practice_id FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.DisplayName, &p.Role, &p.PracticeID)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Profile{}, gateway.ErrNotFound
	}
	if err != nil {
		return session.Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

// AddAPIKey registers a raw key for userID. Only the hash is stored.
func (r *AccountRepository) AddAPIKey(ctx context.Context, rawKey, userID, description string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, user_id, created_at, description) VALUES (?, ?, ?, ?)`,
		HashToken(rawKey), userID, time.Now().UTC(), description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("api key already registered: %w", err)
		}
		return fmt.Errorf("failed to add api key: %w", err)
	}
	return nil
}

// ResolveAPIKey returns the user owning rawKey and stamps last_used.
func (r *AccountRepository) ResolveAPIKey(ctx context.Context, rawKey string) (string, error) {
	hash := HashToken(rawKey)
	var userID string
	err := r.db.QueryRowContext(ctx, `SELECT user_id FROM api_keys WHERE key_hash = ?`, hash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", gateway.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve api key: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE key_hash = ?`, time.Now().UTC(), hash); err != nil {
		return "", fmt.Errorf("failed to stamp api key: %w", err)
	}
	return userID, nil
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

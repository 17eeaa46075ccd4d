// Package auth authenticates API requests by bearer key.
//
// Keys look like sk_{key_id}_{secret}. The key_id locates the record;
// the SHA-256 of the whole presented token is compared against the
// stored hash in constant time. Every failure branch — malformed
// header, unknown key id, wrong secret, revoked key, inactive tenant —
// collapses into the same ErrUnauthorized so a caller probing the API
// learns nothing about which part was wrong.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnauthorized is the single, deliberately uninformative
// authentication failure.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is an authenticated caller.
type Identity struct {
	TenantID string
	KeyID    string
}

// KeyRecord is an api_keys row joined with its tenant's status.
type KeyRecord struct {
	KeyID        string
	TenantID     string
	KeyHash      string
	KeyStatus    string
	TenantStatus string
}

// KeySource resolves key records. SQLKeys is the production
// implementation; a nil record with a nil error means "no such key".
type KeySource interface {
	LookupKey(ctx context.Context, keyID string) (*KeyRecord, error)
	TouchLastUsed(ctx context.Context, keyID string) error
}

// Authenticator validates bearer tokens. Safe for concurrent use.
type Authenticator struct {
	keys KeySource
	log  zerolog.Logger
}

// New creates an Authenticator.
func New(keys KeySource, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		keys: keys,
		log:  logger.With().Str("component", "auth").Logger(),
	}
}

// Authenticate validates an Authorization header value and returns the
// caller's identity.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return nil, ErrUnauthorized
	}

	keyID, ok := parseKeyID(token)
	if !ok {
		return nil, ErrUnauthorized
	}

	record, err := a.keys.LookupKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	if record == nil {
		return nil, ErrUnauthorized
	}

	presented := HashToken(token)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(record.KeyHash)) != 1 {
		return nil, ErrUnauthorized
	}
	if record.KeyStatus != "ACTIVE" || record.TenantStatus != "ACTIVE" {
		return nil, ErrUnauthorized
	}

	// Best effort, off the request path: a missed last-used update is
	// invisible, a blocked one would tax every request.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.keys.TouchLastUsed(touchCtx, keyID); err != nil {
			a.log.Debug().Err(err).Str("key_id", keyID).Msg("last-used update failed")
		}
	}()

	return &Identity{TenantID: record.TenantID, KeyID: keyID}, nil
}

// parseKeyID extracts the key id from an sk_{key_id}_{secret} token.
// Key ids never contain underscores; the secret may.
func parseKeyID(token string) (string, bool) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != "sk" || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

// HashToken is the stored form of a full API token: hex SHA-256. The
// seeder and key-issuing tooling use the same function, so there is
// exactly one definition of what a key hash is.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SQLKeys reads api_keys from Postgres.
type SQLKeys struct {
	db *sql.DB
}

// NewSQLKeys creates the production KeySource.
func NewSQLKeys(db *sql.DB) *SQLKeys {
	return &SQLKeys{db: db}
}

// LookupKey loads a key record with its tenant's status.
func (s *SQLKeys) LookupKey(ctx context.Context, keyID string) (*KeyRecord, error) {
	const q = `
		SELECT k.key_id, k.tenant_id, k.key_hash, k.status, t.status
		FROM api_keys k
		JOIN tenants t ON t.tenant_id = k.tenant_id
		WHERE k.key_id = $1`

	var record KeyRecord
	err := s.db.QueryRowContext(ctx, q, keyID).Scan(
		&record.KeyID, &record.TenantID, &record.KeyHash,
		&record.KeyStatus, &record.TenantStatus,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &record, nil
}

// TouchLastUsed stamps the key's last use.
func (s *SQLKeys) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE key_id = $1`, keyID)
	return err
}

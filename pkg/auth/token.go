package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// TokenPrefix identifies campus tokens
	TokenPrefix = "campus_"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

// TokenGenerator generates and validates API tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new API token
// Format: campus_<base64url(32 random bytes)>
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encodedToken := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullToken := TokenPrefix + encodedToken

	return fullToken, tg.HashToken(fullToken), tg.ExtractPrefix(fullToken), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("token is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}

	return nil
}

// ExtractPrefix extracts the prefix from a token for display
func (tg *TokenGenerator) ExtractPrefix(token string) string {
	if !strings.HasPrefix(token, TokenPrefix) {
		return ""
	}

	encodedPart := strings.TrimPrefix(token, TokenPrefix)
	if len(encodedPart) >= 8 {
		return TokenPrefix + encodedPart[:8]
	}

	return token
}

// TokenManager manages API token lifecycle in the api_tokens table
type TokenManager struct {
	db        *sql.DB
	generator *TokenGenerator
	users     *UserStore
	now       func() time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager(db *sql.DB) *TokenManager {
	return &TokenManager{
		db:        db,
		generator: NewTokenGenerator(),
		users:     NewUserStore(db),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateToken creates a new API token. The plaintext token is returned once.
func (tm *TokenManager) CreateToken(ctx context.Context, userID int64, name string, expiresAt *time.Time) (*APIToken, string, error) {
	token, tokenHash, tokenPrefix, err := tm.generator.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	apiToken := &APIToken{
		UserID:      userID,
		TokenHash:   tokenHash,
		TokenPrefix: tokenPrefix,
		Name:        name,
		ExpiresAt:   expiresAt,
		CreatedAt:   tm.now(),
	}

	query := `
		INSERT INTO api_tokens (user_id, token_hash, token_prefix, name, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err = tm.db.QueryRowContext(ctx, query,
		apiToken.UserID,
		apiToken.TokenHash,
		apiToken.TokenPrefix,
		apiToken.Name,
		apiToken.ExpiresAt,
		apiToken.CreatedAt,
	).Scan(&apiToken.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store token: %w", err)
	}

	return apiToken, token, nil
}

// ValidateToken looks up a token by hash and rejects revoked or expired tokens
func (tm *TokenManager) ValidateToken(ctx context.Context, token string) (*APIToken, error) {
	if err := tm.generator.ValidateTokenFormat(token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	query := `
		SELECT id, user_id, token_hash, token_prefix, name, expires_at, last_used_at, created_at, revoked_at
		FROM api_tokens
		WHERE token_hash = $1
	`

	var apiToken APIToken
	var expiresAt, lastUsedAt, revokedAt sql.NullTime
	err := tm.db.QueryRowContext(ctx, query, tm.generator.HashToken(token)).Scan(
		&apiToken.ID,
		&apiToken.UserID,
		&apiToken.TokenHash,
		&apiToken.TokenPrefix,
		&apiToken.Name,
		&expiresAt,
		&lastUsedAt,
		&apiToken.CreatedAt,
		&revokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	if expiresAt.Valid {
		apiToken.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		apiToken.LastUsedAt = &lastUsedAt.Time
	}
	if revokedAt.Valid {
		apiToken.RevokedAt = &revokedAt.Time
	}

	now := tm.now()
	if !apiToken.IsUsable(now) {
		return nil, ErrInvalidToken
	}

	if _, err := tm.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at = $1 WHERE id = $2`, now, apiToken.ID); err != nil {
		return nil, fmt.Errorf("failed to touch token: %w", err)
	}
	apiToken.LastUsedAt = &now

	return &apiToken, nil
}

// Authenticate validates a token and loads its owner
func (tm *TokenManager) Authenticate(ctx context.Context, token string) (*AuthContext, error) {
	apiToken, err := tm.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := tm.users.Get(ctx, apiToken.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	return &AuthContext{User: user, Token: apiToken}, nil
}

// RevokeToken revokes a token
func (tm *TokenManager) RevokeToken(ctx context.Context, tokenID int64, reason string) error {
	query := `UPDATE api_tokens SET revoked_at = $1, revoke_reason = $2 WHERE id = $3 AND revoked_at IS NULL`
	result, err := tm.db.ExecContext(ctx, query, tm.now(), reason, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n == 0 {
		return ErrInvalidToken
	}
	return nil
}

// CleanupExpiredTokens deletes tokens that expired before now and returns how many were removed
func (tm *TokenManager) CleanupExpiredTokens(ctx context.Context) (int, error) {
	result, err := tm.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, tm.now())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tokens: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tokens: %w", err)
	}
	return int(n), nil
}

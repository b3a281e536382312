package store

import (
	"context"
	"time"

	"github.com/hospitalgate/authgate/internal/models"
)

// Access Token operations

func (s *Store) CreateAccessToken(ctx context.Context, token *models.AccessToken) error {
	return s.db.WithContext(ctx).Create(token).Error
}

// GetTokensByLookupID retrieves all tokens sharing a lookup ID.
// Used for hash verification during validation.
func (s *Store) GetTokensByLookupID(
	ctx context.Context,
	lookupID string,
) ([]*models.AccessToken, error) {
	var tokens []*models.AccessToken
	if err := s.db.WithContext(ctx).
		Where("token_lookup_id = ?", lookupID).
		Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) GetAccessTokenByID(ctx context.Context, tokenID string) (*models.AccessToken, error) {
	var t models.AccessToken
	if err := s.db.WithContext(ctx).Where("id = ?", tokenID).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// RevokeToken marks a token revoked. Revoking an already revoked token is a no-op.
func (s *Store) RevokeToken(ctx context.Context, tokenID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.AccessToken{}).
		Where("id = ? AND status = ?", tokenID, models.TokenStatusActive).
		Updates(map[string]any{
			"status":     models.TokenStatusRevoked,
			"revoked_at": at,
		}).Error
}

// RevokeTokensByClientID revokes every active token of a client
func (s *Store) RevokeTokensByClientID(
	ctx context.Context,
	clientID string,
	at time.Time,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.AccessToken{}).
		Where("client_id = ? AND status = ?", clientID, models.TokenStatusActive).
		Updates(map[string]any{
			"status":     models.TokenStatusRevoked,
			"revoked_at": at,
		})
	return result.RowsAffected, result.Error
}

// UseRefreshToken spends one use of a refresh token with a conditional
// update on the active, unexpired row. With rotate the token is revoked,
// otherwise only last_used_at moves. Exactly one of several concurrent
// rotations sees RowsAffected == 1; the rest get ErrRefreshTokenUnavailable,
// as does any use after revocation.
func (s *Store) UseRefreshToken(ctx context.Context, tokenID string, now time.Time, rotate bool) error {
	updates := map[string]any{"last_used_at": now}
	if rotate {
		updates["status"] = models.TokenStatusRevoked
		updates["revoked_at"] = now
	}

	result := s.db.WithContext(ctx).
		Model(&models.AccessToken{}).
		Where("id = ? AND token_category = ? AND status = ? AND expires_at > ?",
			tokenID, models.TokenCategoryRefresh, models.TokenStatusActive, now).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return ErrRefreshTokenUnavailable
	}
	return nil
}

// DeleteExpiredTokens removes tokens past their expiry
func (s *Store) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&models.AccessToken{})
	return result.RowsAffected, result.Error
}

// CountActiveTokensByCategory counts unexpired, unrevoked tokens of a category
func (s *Store) CountActiveTokensByCategory(ctx context.Context, category string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.AccessToken{}).
		Where("token_category = ? AND status = ? AND expires_at > ?",
			category, models.TokenStatusActive, time.Now()).
		Count(&count).Error
	return count, err
}

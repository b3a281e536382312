package store

import (
	"context"
	"time"

	"github.com/hospitalgate/authgate/internal/models"
)

// Authorization Code operations

func (s *Store) CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	return s.db.WithContext(ctx).Create(code).Error
}

// GetAuthorizationCodeByHash loads a code regardless of its state
func (s *Store) GetAuthorizationCodeByHash(
	ctx context.Context,
	codeHash string,
) (*models.AuthorizationCode, error) {
	var code models.AuthorizationCode
	if err := s.db.WithContext(ctx).
		Where("code_hash = ?", codeHash).
		First(&code).Error; err != nil {
		return nil, notFound(err)
	}
	return &code, nil
}

// ConsumeAuthorizationCode atomically marks a code as consumed and returns
// it. The conditional UPDATE is the single point of serialization: of any
// number of concurrent callers presenting the same code, exactly one sees
// RowsAffected == 1. Everyone else gets ErrAuthCodeUnavailable, as does a
// caller whose client or redirect URI does not match the code's binding.
func (s *Store) ConsumeAuthorizationCode(
	ctx context.Context,
	codeHash, clientID, redirectURI string,
	now time.Time,
) (*models.AuthorizationCode, error) {
	result := s.db.WithContext(ctx).
		Model(&models.AuthorizationCode{}).
		Where(
			"code_hash = ? AND consumed = ? AND expires_at > ? AND client_id = ? AND redirect_uri = ?",
			codeHash, false, now, clientID, redirectURI,
		).
		Updates(map[string]any{
			"consumed":    true,
			"consumed_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected != 1 {
		return nil, ErrAuthCodeUnavailable
	}
	return s.GetAuthorizationCodeByHash(ctx, codeHash)
}

// DeleteExpiredAuthorizationCodes removes codes past their expiry
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&models.AuthorizationCode{})
	return result.RowsAffected, result.Error
}

// CountPendingAuthorizationCodes counts unexpired, unconsumed codes
func (s *Store) CountPendingAuthorizationCodes(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.AuthorizationCode{}).
		Where("consumed = ? AND expires_at > ?", false, time.Now()).
		Count(&count).Error
	return count, err
}

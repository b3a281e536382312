package store

import (
	"context"
	"time"

	"github.com/hospitalgate/authgate/internal/models"
)

// OAuth Client operations

func (s *Store) CreateClient(ctx context.Context, client *models.OAuthClient) error {
	return s.db.WithContext(ctx).Create(client).Error
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	var client models.OAuthClient
	if err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		First(&client).Error; err != nil {
		return nil, notFound(err)
	}
	return &client, nil
}

// GetClientsByIDs loads clients keyed by client ID
func (s *Store) GetClientsByIDs(
	ctx context.Context,
	clientIDs []string,
) (map[string]*models.OAuthClient, error) {
	if len(clientIDs) == 0 {
		return make(map[string]*models.OAuthClient), nil
	}

	var clients []models.OAuthClient
	if err := s.db.WithContext(ctx).
		Where("client_id IN ?", clientIDs).
		Find(&clients).Error; err != nil {
		return nil, err
	}

	clientMap := make(map[string]*models.OAuthClient, len(clients))
	for i := range clients {
		clientMap[clients[i].ClientID] = &clients[i]
	}
	return clientMap, nil
}

// ListClientsPaginated returns one organization's clients, newest first.
// Search matches client name or client ID.
func (s *Store) ListClientsPaginated(
	ctx context.Context,
	organizationID string,
	params PaginationParams,
) ([]models.OAuthClient, PaginationResult, error) {
	query := s.db.WithContext(ctx).
		Model(&models.OAuthClient{}).
		Where("organization_id = ?", organizationID)

	if params.Search != "" {
		like := "%" + params.Search + "%"
		query = query.Where("client_name LIKE ? OR client_id LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, PaginationResult{}, err
	}

	var clients []models.OAuthClient
	offset := (params.Page - 1) * params.PageSize
	if err := query.Order("created_at DESC").
		Offset(offset).
		Limit(params.PageSize).
		Find(&clients).Error; err != nil {
		return nil, PaginationResult{}, err
	}

	return clients, CalculatePagination(total, params.Page, params.PageSize), nil
}

func (s *Store) UpdateClient(ctx context.Context, client *models.OAuthClient) error {
	return s.db.WithContext(ctx).Save(client).Error
}

// RevokeClient soft-revokes a client. Clients are never hard-deleted so
// tokens and audit history keep a valid owner.
func (s *Store) RevokeClient(ctx context.Context, clientID string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.OAuthClient{}).
		Where("client_id = ? AND revoked_at IS NULL", clientID).
		Updates(map[string]any{
			"is_active":  false,
			"revoked_at": at,
			"updated_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetClient(ctx, clientID); err != nil {
			return err
		}
		return ErrClientAlreadyRevoked
	}
	return nil
}

// CountActiveClients counts clients that are active and not revoked
func (s *Store) CountActiveClients(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.OAuthClient{}).
		Where("is_active = ? AND revoked_at IS NULL", true).
		Count(&count).Error
	return count, err
}

package services

import (
	"context"
	"errors"
	"time"

	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/store"
	"github.com/hospitalgate/authgate/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	accessTokenPrefix  = "hgt_"
	refreshTokenPrefix = "hgr_"
	tokenSaltLength    = 32
	tokenTypeBearer    = "Bearer"
)

var (
	ErrInvalidRefreshToken = oautherr.New(oautherr.InvalidGrant, "refresh token is invalid, expired or revoked")
	ErrRefreshScopeWidened = oautherr.New(oautherr.InvalidScope, "requested scope exceeds the original grant")
)

// GrantContext is everything a new token is bound to
type GrantContext struct {
	Client          *models.OAuthClient
	GrantType       string
	UserID          string
	Scopes          []string
	HospitalRole    string
	DepartmentID    string
	DataAccessScope string
	ParentTokenID   string
}

// TokenPair is the result of a successful grant. Refresh is nil for
// client_credentials.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`

	Access  *models.AccessToken `json:"-"`
	Refresh *models.AccessToken `json:"-"`
}

// TokenService mints, refreshes and revokes opaque bearer tokens. Only a
// salted hash of each token is stored.
type TokenService struct {
	store        *store.Store
	config       *config.Config
	auditService *AuditService
	metrics      metrics.Recorder
}

func NewTokenService(
	s *store.Store,
	cfg *config.Config,
	auditService *AuditService,
	m metrics.Recorder,
) *TokenService {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &TokenService{store: s, config: cfg, auditService: auditService, metrics: m}
}

// IssueTokens mints an access token, plus a refresh token for the
// authorization_code and refresh_token grants. All rows are written
// through tx so they commit or roll back with the caller's other changes.
func (s *TokenService) IssueTokens(
	ctx context.Context,
	tx *store.Store,
	gc GrantContext,
) (*TokenPair, error) {
	start := time.Now()

	access, err := s.newToken(gc, models.TokenCategoryAccess, s.accessTTL(gc.Client))
	if err != nil {
		return nil, err
	}
	if err := tx.CreateAccessToken(ctx, access); err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to save access token", err)
	}

	pair := &TokenPair{
		AccessToken: access.RawToken,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(time.Until(access.ExpiresAt).Round(time.Second).Seconds()),
		Scope:       access.Scopes,
		Access:      access,
	}

	if gc.GrantType == models.GrantTypeAuthorizationCode || gc.GrantType == models.GrantTypeRefreshToken {
		refresh, err := s.newToken(gc, models.TokenCategoryRefresh, s.refreshTTL(gc.Client))
		if err != nil {
			return nil, err
		}
		if err := tx.CreateAccessToken(ctx, refresh); err != nil {
			return nil, oautherr.Wrap(oautherr.ServerError, "failed to save refresh token", err)
		}
		pair.RefreshToken = refresh.RawToken
		pair.Refresh = refresh
	}

	elapsed := time.Since(start)
	s.metrics.RecordTokenIssued(models.TokenCategoryAccess, gc.GrantType, elapsed)
	if pair.Refresh != nil {
		s.metrics.RecordTokenIssued(models.TokenCategoryRefresh, gc.GrantType, elapsed)
	}

	return pair, nil
}

// RefreshAccessToken mints a new access token from a refresh token held by
// client. The refresh token must be active, unexpired and bound to client.
// Scope may be narrowed but never widened. Unless rotation is enabled the
// same refresh token is returned and stays usable until it expires or is
// revoked.
func (s *TokenService) RefreshAccessToken(
	ctx context.Context,
	refreshToken string,
	client *models.OAuthClient,
	requestedScope string,
) (_ *TokenPair, err error) {
	ctx, span := startSpan(ctx, "token.refresh", attribute.String("client_id", client.ClientID))
	defer func() {
		s.metrics.RecordTokenRefresh(err == nil)
		endSpan(span, err)
	}()

	rotate := s.config.EnableTokenRotation
	var (
		pair   *TokenPair
		parent *models.AccessToken
	)

	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		parent, err = findToken(ctx, tx, refreshToken)
		if err != nil {
			return err
		}
		if parent == nil || !parent.IsRefreshToken() || !parent.IsActive() || parent.IsExpired() ||
			parent.ClientID != client.ClientID {
			return ErrInvalidRefreshToken
		}

		scopes, ok := narrowScopes(requestedScope, parseScopes(parent.Scopes))
		if !ok {
			return ErrRefreshScopeWidened
		}

		gc := GrantContext{
			Client:          client,
			GrantType:       models.GrantTypeRefreshToken,
			UserID:          parent.UserID,
			Scopes:          scopes,
			HospitalRole:    parent.HospitalRole,
			DepartmentID:    parent.DepartmentID,
			DataAccessScope: parent.DataAccessScope,
			ParentTokenID:   parent.ID,
		}

		now := time.Now()
		if err := tx.UseRefreshToken(ctx, parent.ID, now, rotate); err != nil {
			if errors.Is(err, store.ErrRefreshTokenUnavailable) {
				return ErrInvalidRefreshToken
			}
			return oautherr.Wrap(oautherr.ServerError, "failed to update refresh token", err)
		}

		if rotate {
			pair, err = s.IssueTokens(ctx, tx, gc)
			return err
		}

		access, err := s.newToken(gc, models.TokenCategoryAccess, s.accessTTL(client))
		if err != nil {
			return err
		}
		if err := tx.CreateAccessToken(ctx, access); err != nil {
			return oautherr.Wrap(oautherr.ServerError, "failed to save access token", err)
		}
		s.metrics.RecordTokenIssued(models.TokenCategoryAccess, models.GrantTypeRefreshToken, time.Since(now))

		pair = &TokenPair{
			AccessToken:  access.RawToken,
			RefreshToken: refreshToken,
			TokenType:    tokenTypeBearer,
			ExpiresIn:    int64(time.Until(access.ExpiresAt).Round(time.Second).Seconds()),
			Scope:        access.Scopes,
			Access:       access,
		}
		return nil
	})
	if err != nil {
		return nil, oautherr.As(err)
	}

	if rotate {
		s.metrics.RecordTokenRevoked(models.TokenCategoryRefresh, "rotation")
	}

	if s.auditService != nil {
		details := models.AuditDetails{
			"scopes":           pair.Scope,
			"rotation_enabled": rotate,
			"parent_token_id":  parent.ID,
			"access_token_id":  pair.Access.ID,
		}
		if pair.Refresh != nil {
			details["refresh_token_id"] = pair.Refresh.ID
		}
		s.auditService.Log(ctx, AuditLogEntry{
			EventType:      models.EventTokenRefreshed,
			Severity:       models.SeverityInfo,
			OrganizationID: client.OrganizationID,
			ClientID:       client.ClientID,
			ActorUserID:    parent.UserID,
			ResourceType:   models.ResourceToken,
			ResourceID:     pair.Access.ID,
			Action:         "Access token refreshed",
			Details:        details,
			Success:        true,
		})
	}

	return pair, nil
}

// RevokeToken revokes a token presented by client. Unknown tokens, tokens
// of other clients and already revoked tokens are all silently accepted.
// A nil client skips the ownership check.
func (s *TokenService) RevokeToken(
	ctx context.Context,
	token string,
	client *models.OAuthClient,
) error {
	tok, err := findToken(ctx, s.store, token)
	if err != nil {
		return err
	}
	if tok == nil || (client != nil && tok.ClientID != client.ClientID) || tok.IsRevoked() {
		return nil
	}

	if err := s.store.RevokeToken(ctx, tok.ID, time.Now()); err != nil {
		return oautherr.Wrap(oautherr.ServerError, "failed to revoke token", err)
	}

	s.metrics.RecordTokenRevoked(tok.TokenCategory, "client_request")
	if s.auditService != nil {
		s.auditService.Log(ctx, AuditLogEntry{
			EventType:      models.EventTokenRevoked,
			Severity:       models.SeverityInfo,
			OrganizationID: tok.OrganizationID,
			ClientID:       tok.ClientID,
			ActorUserID:    tok.UserID,
			ResourceType:   models.ResourceToken,
			ResourceID:     tok.ID,
			Action:         "Token revoked",
			Details:        models.AuditDetails{"category": tok.TokenCategory},
			Success:        true,
		})
	}
	return nil
}

// CleanupExpired deletes tokens past their expiry
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredTokens(ctx)
}

func (s *TokenService) newToken(
	gc GrantContext,
	category string,
	ttl time.Duration,
) (*models.AccessToken, error) {
	prefix := accessTokenPrefix
	if category == models.TokenCategoryRefresh {
		prefix = refreshTokenPrefix
	}

	random, err := util.RandomBase32(32)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to generate token", err)
	}
	salt, err := util.CryptoRandomString(tokenSaltLength)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to generate token salt", err)
	}
	raw := prefix + random

	dataAccessScope := gc.DataAccessScope
	if dataAccessScope == "" {
		dataAccessScope = gc.Client.DataAccessLevel
	}

	return &models.AccessToken{
		ID:              uuid.New().String(),
		TokenHash:       util.HashToken(raw, salt),
		TokenSalt:       salt,
		TokenLookupID:   util.TokenLookupID(raw),
		RawToken:        raw,
		TokenType:       tokenTypeBearer,
		TokenCategory:   category,
		Status:          models.TokenStatusActive,
		ClientID:        gc.Client.ClientID,
		OrganizationID:  gc.Client.OrganizationID,
		UserID:          gc.UserID,
		Scopes:          joinScopes(gc.Scopes),
		HospitalRole:    gc.HospitalRole,
		DepartmentID:    gc.DepartmentID,
		DataAccessScope: dataAccessScope,
		GrantType:       gc.GrantType,
		ExpiresAt:       time.Now().Add(ttl),
		ParentTokenID:   gc.ParentTokenID,
	}, nil
}

func (s *TokenService) accessTTL(client *models.OAuthClient) time.Duration {
	if client.AccessTokenTTL > 0 {
		return time.Duration(client.AccessTokenTTL) * time.Second
	}
	return s.config.AccessTokenExpiration
}

func (s *TokenService) refreshTTL(client *models.OAuthClient) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return time.Duration(client.RefreshTokenTTL) * time.Second
	}
	return s.config.RefreshTokenExpiration
}

// findToken resolves a presented token to its row by lookup ID and hash.
// It returns nil without error when no row matches.
func findToken(ctx context.Context, st *store.Store, token string) (*models.AccessToken, error) {
	if token == "" {
		return nil, nil
	}
	candidates, err := st.GetTokensByLookupID(ctx, util.TokenLookupID(token))
	if err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to look up token", err)
	}
	for _, c := range candidates {
		if util.VerifyTokenHash(token, c.TokenSalt, c.TokenHash) {
			return c, nil
		}
	}
	return nil, nil
}

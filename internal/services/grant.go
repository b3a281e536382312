package services

import (
	"context"
	"errors"
	"net/url"

	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrInvalidClientCredentials = oautherr.New(oautherr.InvalidClient, "client authentication failed")
	ErrGrantNotAllowed          = oautherr.New(oautherr.UnauthorizedClient, "grant type is not allowed for this client")
)

// ClientAuth is how the caller identified itself at the token endpoint
type ClientAuth struct {
	ClientID     string
	ClientSecret string
}

// GrantRequest is one of AuthorizationCodeGrant, RefreshTokenGrant or
// ClientCredentialsGrant.
type GrantRequest interface {
	GrantType() string
	Credentials() ClientAuth
	grantRequest()
}

type AuthorizationCodeGrant struct {
	Auth         ClientAuth
	Code         string
	RedirectURI  string
	CodeVerifier string
}

type RefreshTokenGrant struct {
	Auth         ClientAuth
	RefreshToken string
	Scope        string
}

type ClientCredentialsGrant struct {
	Auth  ClientAuth
	Scope string
}

func (AuthorizationCodeGrant) GrantType() string { return models.GrantTypeAuthorizationCode }
func (RefreshTokenGrant) GrantType() string      { return models.GrantTypeRefreshToken }
func (ClientCredentialsGrant) GrantType() string { return models.GrantTypeClientCredentials }

func (g AuthorizationCodeGrant) Credentials() ClientAuth { return g.Auth }
func (g RefreshTokenGrant) Credentials() ClientAuth      { return g.Auth }
func (g ClientCredentialsGrant) Credentials() ClientAuth { return g.Auth }

func (AuthorizationCodeGrant) grantRequest() {}
func (RefreshTokenGrant) grantRequest()      {}
func (ClientCredentialsGrant) grantRequest() {}

// grantFields lists the form fields each grant accepts beyond grant_type
// and the client credential fields. true marks a required field.
var grantFields = map[string]map[string]bool{
	models.GrantTypeAuthorizationCode: {"code": true, "redirect_uri": true, "code_verifier": false},
	models.GrantTypeRefreshToken:      {"refresh_token": true, "scope": false},
	models.GrantTypeClientCredentials: {"scope": false},
}

// ParseGrantRequest builds a typed grant from a token endpoint form. basic
// carries HTTP Basic credentials when the caller used them. Unknown,
// repeated or missing fields are rejected, as is presenting credentials in
// both the header and the body.
func ParseGrantRequest(form url.Values, basic *ClientAuth) (GrantRequest, error) {
	for key, values := range form {
		if len(values) > 1 {
			return nil, oautherr.Newf(oautherr.InvalidRequest, "parameter %q is repeated", key)
		}
	}

	grantType := form.Get("grant_type")
	if grantType == "" {
		return nil, oautherr.New(oautherr.InvalidRequest, "grant_type is required")
	}
	fields, ok := grantFields[grantType]
	if !ok {
		return nil, oautherr.Newf(oautherr.UnsupportedGrantType, "grant_type %q is not supported", grantType)
	}

	for key := range form {
		switch key {
		case "grant_type", "client_id", "client_secret":
			continue
		}
		if _, known := fields[key]; !known {
			return nil, oautherr.Newf(oautherr.InvalidRequest,
				"parameter %q is not valid for grant_type %s", key, grantType)
		}
	}
	for key, required := range fields {
		if required && form.Get(key) == "" {
			return nil, oautherr.Newf(oautherr.InvalidRequest, "parameter %q is required", key)
		}
	}

	auth, err := ClientAuthFrom(form, basic)
	if err != nil {
		return nil, err
	}

	switch grantType {
	case models.GrantTypeAuthorizationCode:
		return AuthorizationCodeGrant{
			Auth:         auth,
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		}, nil
	case models.GrantTypeRefreshToken:
		return RefreshTokenGrant{
			Auth:         auth,
			RefreshToken: form.Get("refresh_token"),
			Scope:        form.Get("scope"),
		}, nil
	default:
		return ClientCredentialsGrant{Auth: auth, Scope: form.Get("scope")}, nil
	}
}

func ClientAuthFrom(form url.Values, basic *ClientAuth) (ClientAuth, error) {
	bodyID, bodySecret := form.Get("client_id"), form.Get("client_secret")
	if basic == nil {
		if bodyID == "" {
			return ClientAuth{}, oautherr.New(oautherr.InvalidClient, "client authentication is required")
		}
		return ClientAuth{ClientID: bodyID, ClientSecret: bodySecret}, nil
	}
	if bodySecret != "" {
		return ClientAuth{}, oautherr.New(oautherr.InvalidRequest,
			"client credentials must not be sent in both the header and the body")
	}
	if bodyID != "" && bodyID != basic.ClientID {
		return ClientAuth{}, oautherr.New(oautherr.InvalidClient, "client_id does not match the authenticated client")
	}
	if basic.ClientID == "" {
		return ClientAuth{}, oautherr.New(oautherr.InvalidClient, "client authentication is required")
	}
	return *basic, nil
}

// GrantService is the token endpoint's decision engine. Each grant either
// fully succeeds or leaves the store untouched.
type GrantService struct {
	store         *store.Store
	config        *config.Config
	clients       *ClientService
	authorization *AuthorizationService
	tokens        *TokenService
	rateGate      *ClientRateGate
	auditService  *AuditService
	metrics       metrics.Recorder
}

func NewGrantService(
	s *store.Store,
	cfg *config.Config,
	clients *ClientService,
	authorization *AuthorizationService,
	tokens *TokenService,
	rateGate *ClientRateGate,
	auditService *AuditService,
	m metrics.Recorder,
) *GrantService {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &GrantService{
		store:         s,
		config:        cfg,
		clients:       clients,
		authorization: authorization,
		tokens:        tokens,
		rateGate:      rateGate,
		auditService:  auditService,
		metrics:       m,
	}
}

// Exchange authenticates the client, applies its rate limit and runs the
// grant.
func (s *GrantService) Exchange(ctx context.Context, req GrantRequest) (_ *TokenPair, err error) {
	auth := req.Credentials()
	ctx, span := startSpan(ctx, "token.grant",
		attribute.String("grant_type", req.GrantType()),
		attribute.String("client_id", auth.ClientID),
	)
	defer func() { endSpan(span, err) }()

	client, err := s.authenticate(ctx, auth)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(req.GrantType()) {
		return nil, ErrGrantNotAllowed
	}

	switch g := req.(type) {
	case AuthorizationCodeGrant:
		return s.exchangeCode(ctx, client, g)
	case RefreshTokenGrant:
		return s.tokens.RefreshAccessToken(ctx, g.RefreshToken, client, g.Scope)
	case ClientCredentialsGrant:
		return s.clientCredentials(ctx, client, g)
	default:
		return nil, oautherr.Newf(oautherr.UnsupportedGrantType, "grant_type %q is not supported", req.GrantType())
	}
}

// AuthenticateClient authenticates callers of the introspection and
// revocation endpoints with the same rules as the token endpoint.
func (s *GrantService) AuthenticateClient(ctx context.Context, auth ClientAuth) (*models.OAuthClient, error) {
	if auth.ClientID == "" {
		return nil, ErrInvalidClientCredentials
	}
	return s.authenticate(ctx, auth)
}

// authenticate resolves the calling client. The rate limit is charged
// before the secret is checked. Public clients authenticate by ID alone
// and prove possession through PKCE.
func (s *GrantService) authenticate(ctx context.Context, auth ClientAuth) (*models.OAuthClient, error) {
	client, err := s.clients.loadClient(ctx, auth.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil || !client.IsUsable() {
		if _, err := s.clients.ValidateCredentials(ctx, auth.ClientID, auth.ClientSecret, ""); err != nil {
			return nil, err
		}
		return nil, ErrInvalidClientCredentials
	}

	if err := s.rateGate.Check(ctx, client); err != nil {
		return nil, err
	}

	if client.IsPublic() {
		if auth.ClientSecret != "" {
			return nil, ErrInvalidClientCredentials
		}
		return client, nil
	}

	authenticated, err := s.clients.ValidateCredentials(ctx, auth.ClientID, auth.ClientSecret, "")
	if err != nil {
		return nil, err
	}
	if authenticated == nil {
		return nil, ErrInvalidClientCredentials
	}
	return authenticated, nil
}

func (s *GrantService) exchangeCode(
	ctx context.Context,
	client *models.OAuthClient,
	g AuthorizationCodeGrant,
) (_ *TokenPair, err error) {
	defer func() {
		var e *oautherr.Error
		switch {
		case err == nil:
			s.metrics.RecordCodeExchange("success")
		case errors.As(err, &e) && e == ErrAuthCodeReplayed:
			s.metrics.RecordCodeExchange("replayed")
		default:
			s.metrics.RecordCodeExchange(string(oautherr.KindOf(err)))
		}
	}()

	var (
		pair   *TokenPair
		record *models.AuthorizationCode
	)
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		record, err = s.authorization.ValidateAndConsume(ctx, tx, g.Code, client.ClientID, g.RedirectURI)
		if err != nil {
			return err
		}
		if client.IsPublic() && record.CodeChallenge == "" {
			return ErrPKCERequired
		}
		if !verifyPKCE(record, g.CodeVerifier) {
			return ErrInvalidCodeVerifier
		}

		pair, err = s.tokens.IssueTokens(ctx, tx, GrantContext{
			Client:          client,
			GrantType:       models.GrantTypeAuthorizationCode,
			UserID:          record.UserID,
			Scopes:          parseScopes(record.Scopes),
			HospitalRole:    record.HospitalRole,
			DepartmentID:    record.DepartmentID,
			DataAccessScope: record.DataAccessScope,
		})
		return err
	})
	if err != nil {
		return nil, oautherr.As(err)
	}

	if s.auditService != nil {
		s.auditService.Log(ctx, AuditLogEntry{
			EventType:      models.EventAuthorizationCodeExchanged,
			Severity:       models.SeverityInfo,
			OrganizationID: record.OrganizationID,
			ClientID:       record.ClientID,
			ActorUserID:    record.UserID,
			ResourceType:   models.ResourceAuthorization,
			ResourceID:     record.UUID,
			Action:         "Authorization code exchanged for tokens",
			Details: models.AuditDetails{
				"scopes":           pair.Scope,
				"department_id":    record.DepartmentID,
				"access_token_id":  pair.Access.ID,
				"refresh_token_id": pair.Refresh.ID,
			},
			Success: true,
		})
	}
	return pair, nil
}

func (s *GrantService) clientCredentials(
	ctx context.Context,
	client *models.OAuthClient,
	g ClientCredentialsGrant,
) (*TokenPair, error) {
	scopes, ok := narrowScopes(g.Scope, client.Scopes)
	if !ok {
		return nil, ErrScopeNotAllowed
	}

	pair, err := s.tokens.IssueTokens(ctx, s.store, GrantContext{
		Client:          client,
		GrantType:       models.GrantTypeClientCredentials,
		Scopes:          scopes,
		DataAccessScope: client.DataAccessLevel,
	})
	if err != nil {
		return nil, err
	}

	if s.auditService != nil {
		s.auditService.Log(ctx, AuditLogEntry{
			EventType:      models.EventClientCredentialsTokenIssued,
			Severity:       models.SeverityInfo,
			OrganizationID: client.OrganizationID,
			ClientID:       client.ClientID,
			ResourceType:   models.ResourceToken,
			ResourceID:     pair.Access.ID,
			Action:         "Client credentials token issued",
			Details:        models.AuditDetails{"scopes": pair.Scope},
			Success:        true,
		})
	}
	return pair, nil
}

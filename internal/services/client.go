package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/store"
	"github.com/hospitalgate/authgate/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrClientNotFound       = oautherr.New(oautherr.NotFound, "client not found")
	ErrClientNameRequired   = oautherr.New(oautherr.InvalidClientConfig, "client_name is required")
	ErrPHIRequiresAudit     = oautherr.New(oautherr.InvalidClientConfig, "phi_access requires audit_required")
	ErrClientAlreadyRevoked = oautherr.New(oautherr.InvalidClientConfig, "client is already revoked")
)

var validGrantTypes = []string{
	models.GrantTypeAuthorizationCode,
	models.GrantTypeRefreshToken,
	models.GrantTypeClientCredentials,
}

var validDataAccessLevels = []string{
	models.DataAccessOrganization,
	models.DataAccessDepartment,
	models.DataAccessPatient,
}

// dummySecretHash is compared against when the client is unknown so that
// the response time does not reveal whether a client ID exists.
var dummySecretHash = sync.OnceValue(func() []byte {
	secret, err := util.CryptoRandomString(32)
	if err != nil {
		secret = "hospitalgate-dummy-secret"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("[Client] Failed to prepare dummy secret hash: %v", err)
	}
	return hash
})

// ClientService is the client registry. Every operation is scoped to the
// caller's organization.
type ClientService struct {
	store        *store.Store
	auditService *AuditService
	metrics      metrics.Recorder
}

func NewClientService(
	s *store.Store,
	auditService *AuditService,
	m metrics.Recorder,
) *ClientService {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &ClientService{store: s, auditService: auditService, metrics: m}
}

// RateLimit is a client's request budget
type RateLimit struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"window_seconds"`
}

type CreateClientRequest struct {
	ClientName         string    `json:"client_name"`
	Description        string    `json:"description"`
	ClientType         string    `json:"client_type"`
	RedirectURIs       []string  `json:"redirect_uris"`
	GrantTypes         []string  `json:"grant_types"`
	Scopes             []string  `json:"scopes"`
	AllowedDepartments []string  `json:"allowed_departments"`
	DataAccessLevel    string    `json:"data_access_level"`
	PHIAccess          bool      `json:"phi_access"`
	AuditRequired      bool      `json:"audit_required"`
	RateLimit          RateLimit `json:"rate_limit"`
	AccessTokenTTL     int       `json:"access_token_ttl"`
	RefreshTokenTTL    int       `json:"refresh_token_ttl"`
}

// UpdateClientRequest changes only the fields that are set
type UpdateClientRequest struct {
	ClientName         *string    `json:"client_name"`
	Description        *string    `json:"description"`
	RedirectURIs       []string   `json:"redirect_uris"`
	GrantTypes         []string   `json:"grant_types"`
	Scopes             []string   `json:"scopes"`
	AllowedDepartments []string   `json:"allowed_departments"`
	DataAccessLevel    *string    `json:"data_access_level"`
	PHIAccess          *bool      `json:"phi_access"`
	AuditRequired      *bool      `json:"audit_required"`
	RateLimit          *RateLimit `json:"rate_limit"`
	AccessTokenTTL     *int       `json:"access_token_ttl"`
	RefreshTokenTTL    *int       `json:"refresh_token_ttl"`
	IsActive           *bool      `json:"is_active"`
}

// ClientView is a client as returned to administrators. It never carries
// the secret hash.
type ClientView struct {
	ClientID           string     `json:"client_id"`
	OrganizationID     string     `json:"organization_id"`
	ClientName         string     `json:"client_name"`
	Description        string     `json:"description,omitempty"`
	ClientType         string     `json:"client_type"`
	RedirectURIs       []string   `json:"redirect_uris"`
	GrantTypes         []string   `json:"grant_types"`
	Scopes             []string   `json:"scopes"`
	AllowedDepartments []string   `json:"allowed_departments"`
	DataAccessLevel    string     `json:"data_access_level"`
	PHIAccess          bool       `json:"phi_access"`
	AuditRequired      bool       `json:"audit_required"`
	RateLimit          RateLimit  `json:"rate_limit"`
	AccessTokenTTL     int        `json:"access_token_ttl"`
	RefreshTokenTTL    int        `json:"refresh_token_ttl"`
	IsActive           bool       `json:"is_active"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	CreatedBy          string     `json:"created_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func NewClientView(c *models.OAuthClient) *ClientView {
	return &ClientView{
		ClientID:           c.ClientID,
		OrganizationID:     c.OrganizationID,
		ClientName:         c.ClientName,
		Description:        c.Description,
		ClientType:         c.ClientType,
		RedirectURIs:       nonNil(c.RedirectURIs),
		GrantTypes:         nonNil(c.GrantTypes),
		Scopes:             nonNil(c.Scopes),
		AllowedDepartments: nonNil(c.AllowedDepartments),
		DataAccessLevel:    c.DataAccessLevel,
		PHIAccess:          c.PHIAccess,
		AuditRequired:      c.AuditRequired,
		RateLimit:          RateLimit{Requests: c.RateLimitRequests, WindowSeconds: c.RateLimitWindow},
		AccessTokenTTL:     c.AccessTokenTTL,
		RefreshTokenTTL:    c.RefreshTokenTTL,
		IsActive:           c.IsUsable(),
		RevokedAt:          c.RevokedAt,
		CreatedBy:          c.CreatedBy,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// ClientResponse is returned by operations that reveal a secret. The
// plaintext secret is only ever present here.
type ClientResponse struct {
	Client       *ClientView `json:"client"`
	ClientSecret string      `json:"client_secret,omitempty"`
}

// CreateClient registers a client for organizationID and returns its
// plaintext secret once. Public clients get no secret.
func (s *ClientService) CreateClient(
	ctx context.Context,
	organizationID, createdBy string,
	req CreateClientRequest,
) (_ *ClientResponse, err error) {
	ctx, span := startSpan(ctx, "client.create", attribute.String("organization_id", organizationID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(organizationID) == "" {
		return nil, oautherr.New(oautherr.InvalidClientConfig, "organization is required")
	}

	clientType := req.ClientType
	if clientType == "" {
		clientType = models.ClientTypeConfidential
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{models.GrantTypeAuthorizationCode, models.GrantTypeRefreshToken}
	}
	dataAccessLevel := req.DataAccessLevel
	if dataAccessLevel == "" {
		dataAccessLevel = models.DataAccessOrganization
	}

	client := &models.OAuthClient{
		OrganizationID:     organizationID,
		ClientName:         strings.TrimSpace(req.ClientName),
		Description:        strings.TrimSpace(req.Description),
		ClientType:         clientType,
		RedirectURIs:       models.StringArray(req.RedirectURIs),
		GrantTypes:         models.StringArray(dedupe(grantTypes)),
		Scopes:             models.StringArray(dedupe(req.Scopes)),
		AllowedDepartments: models.StringArray(dedupe(req.AllowedDepartments)),
		DataAccessLevel:    dataAccessLevel,
		PHIAccess:          req.PHIAccess,
		AuditRequired:      req.AuditRequired,
		RateLimitRequests:  req.RateLimit.Requests,
		RateLimitWindow:    req.RateLimit.WindowSeconds,
		AccessTokenTTL:     req.AccessTokenTTL,
		RefreshTokenTTL:    req.RefreshTokenTTL,
		IsActive:           true,
		CreatedBy:          createdBy,
	}

	if err := validateClient(client); err != nil {
		return nil, err
	}

	client.ClientID, err = models.GenerateClientID(organizationID)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to generate client id", err)
	}

	var secret string
	if !client.IsPublic() {
		secret, err = client.GenerateClientSecret()
		if err != nil {
			return nil, oautherr.Wrap(oautherr.ServerError, "failed to generate client secret", err)
		}
	}

	if err := s.store.CreateClient(ctx, client); err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to save client", err)
	}

	s.audit(ctx, client, models.EventClientCreated, models.SeverityInfo, "OAuth client created",
		models.AuditDetails{
			"client_name": client.ClientName,
			"client_type": client.ClientType,
			"grant_types": client.GrantTypes.Join(" "),
			"scopes":      client.Scopes.Join(" "),
			"phi_access":  client.PHIAccess,
		})

	return &ClientResponse{Client: NewClientView(client), ClientSecret: secret}, nil
}

// GetClient returns a client of organizationID. Clients of other
// organizations are reported as not found.
func (s *ClientService) GetClient(
	ctx context.Context,
	clientID, organizationID string,
) (*ClientView, error) {
	client, err := s.loadOwned(ctx, clientID, organizationID)
	if err != nil {
		return nil, err
	}
	return NewClientView(client), nil
}

// ValidateCredentials authenticates a confidential client. It returns nil
// for an unknown client, a wrong organization, a wrong secret or a
// revoked client, without saying which. An empty organizationID skips the
// organization check. The error is non-nil only when the store fails.
func (s *ClientService) ValidateCredentials(
	ctx context.Context,
	clientID, secret, organizationID string,
) (*models.OAuthClient, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to load client", err)
	}

	if client == nil || client.ClientSecretHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummySecretHash(), []byte(secret))
		s.metrics.RecordClientAuthentication(false)
		return nil, nil
	}

	ok := client.ValidateClientSecret([]byte(secret))
	if !ok || !client.IsUsable() ||
		(organizationID != "" && client.OrganizationID != organizationID) {
		s.metrics.RecordClientAuthentication(false)
		s.audit(ctx, client, models.EventClientAuthFailure, models.SeverityWarning,
			"Client authentication failed", nil)
		return nil, nil
	}

	s.metrics.RecordClientAuthentication(true)
	return client, nil
}

// UpdateClient applies req to a client of organizationID and re-checks
// every client invariant before saving.
func (s *ClientService) UpdateClient(
	ctx context.Context,
	clientID, organizationID string,
	req UpdateClientRequest,
) (_ *ClientView, err error) {
	ctx, span := startSpan(ctx, "client.update", attribute.String("client_id", clientID))
	defer func() { endSpan(span, err) }()

	client, err := s.loadOwned(ctx, clientID, organizationID)
	if err != nil {
		return nil, err
	}
	if client.IsRevoked() {
		return nil, ErrClientAlreadyRevoked
	}

	if req.ClientName != nil {
		client.ClientName = strings.TrimSpace(*req.ClientName)
	}
	if req.Description != nil {
		client.Description = strings.TrimSpace(*req.Description)
	}
	if req.RedirectURIs != nil {
		client.RedirectURIs = models.StringArray(req.RedirectURIs)
	}
	if req.GrantTypes != nil {
		client.GrantTypes = models.StringArray(dedupe(req.GrantTypes))
	}
	if req.Scopes != nil {
		client.Scopes = models.StringArray(dedupe(req.Scopes))
	}
	if req.AllowedDepartments != nil {
		client.AllowedDepartments = models.StringArray(dedupe(req.AllowedDepartments))
	}
	if req.DataAccessLevel != nil {
		client.DataAccessLevel = *req.DataAccessLevel
	}
	if req.PHIAccess != nil {
		client.PHIAccess = *req.PHIAccess
	}
	if req.AuditRequired != nil {
		client.AuditRequired = *req.AuditRequired
	}
	if req.RateLimit != nil {
		client.RateLimitRequests = req.RateLimit.Requests
		client.RateLimitWindow = req.RateLimit.WindowSeconds
	}
	if req.AccessTokenTTL != nil {
		client.AccessTokenTTL = *req.AccessTokenTTL
	}
	if req.RefreshTokenTTL != nil {
		client.RefreshTokenTTL = *req.RefreshTokenTTL
	}
	if req.IsActive != nil {
		client.IsActive = *req.IsActive
	}

	if err := validateClient(client); err != nil {
		return nil, err
	}

	if err := s.store.UpdateClient(ctx, client); err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to update client", err)
	}

	s.audit(ctx, client, models.EventClientUpdated, models.SeverityInfo, "OAuth client updated",
		models.AuditDetails{
			"grant_types": client.GrantTypes.Join(" "),
			"scopes":      client.Scopes.Join(" "),
			"phi_access":  client.PHIAccess,
			"is_active":   client.IsActive,
		})

	return NewClientView(client), nil
}

// RevokeClient permanently disables a client and revokes its outstanding
// tokens. The client row is kept for the audit trail.
func (s *ClientService) RevokeClient(
	ctx context.Context,
	clientID, organizationID string,
) (err error) {
	ctx, span := startSpan(ctx, "client.revoke", attribute.String("client_id", clientID))
	defer func() { endSpan(span, err) }()

	client, err := s.loadOwned(ctx, clientID, organizationID)
	if err != nil {
		return err
	}

	now := time.Now()
	var revokedTokens int64
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.RevokeClient(ctx, clientID, now); err != nil {
			return err
		}
		revokedTokens, err = tx.RevokeTokensByClientID(ctx, clientID, now)
		return err
	})
	switch {
	case errors.Is(err, store.ErrClientAlreadyRevoked):
		return ErrClientAlreadyRevoked
	case errors.Is(err, store.ErrRecordNotFound):
		return ErrClientNotFound
	case err != nil:
		return oautherr.Wrap(oautherr.ServerError, "failed to revoke client", err)
	}

	s.audit(ctx, client, models.EventClientRevoked, models.SeverityWarning, "OAuth client revoked",
		models.AuditDetails{"revoked_count": revokedTokens})

	return nil
}

// RotateSecret replaces a confidential client's secret. The old secret
// stops working immediately.
func (s *ClientService) RotateSecret(
	ctx context.Context,
	clientID, organizationID string,
) (*ClientResponse, error) {
	client, err := s.loadOwned(ctx, clientID, organizationID)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, oautherr.New(oautherr.InvalidClientConfig, "public clients have no secret")
	}
	if client.IsRevoked() {
		return nil, ErrClientAlreadyRevoked
	}

	secret, err := client.GenerateClientSecret()
	if err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to generate client secret", err)
	}
	if err := s.store.UpdateClient(ctx, client); err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to save client secret", err)
	}

	s.audit(ctx, client, models.EventClientSecretRegenerated, models.SeverityWarning,
		"Client secret regenerated", nil)

	return &ClientResponse{Client: NewClientView(client), ClientSecret: secret}, nil
}

// ListClients returns one page of an organization's clients
func (s *ClientService) ListClients(
	ctx context.Context,
	organizationID string,
	params store.PaginationParams,
) ([]*ClientView, store.PaginationResult, error) {
	clients, pagination, err := s.store.ListClientsPaginated(ctx, organizationID, params)
	if err != nil {
		return nil, store.PaginationResult{}, oautherr.Wrap(oautherr.ServerError, "failed to list clients", err)
	}

	views := make([]*ClientView, 0, len(clients))
	for i := range clients {
		views = append(views, NewClientView(&clients[i]))
	}
	return views, pagination, nil
}

// loadClient returns a client by ID regardless of organization or state.
// A missing client is reported as nil without error.
func (s *ClientService) loadClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to load client", err)
	}
	return client, nil
}

func (s *ClientService) loadOwned(
	ctx context.Context,
	clientID, organizationID string,
) (*models.OAuthClient, error) {
	client, err := s.loadClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil || client.OrganizationID != organizationID {
		return nil, ErrClientNotFound
	}
	return client, nil
}

func (s *ClientService) audit(
	ctx context.Context,
	client *models.OAuthClient,
	event models.EventType,
	severity models.EventSeverity,
	action string,
	details models.AuditDetails,
) {
	if s.auditService == nil {
		return
	}
	s.auditService.Log(ctx, AuditLogEntry{
		EventType:      event,
		Severity:       severity,
		OrganizationID: client.OrganizationID,
		ClientID:       client.ClientID,
		ResourceType:   models.ResourceClient,
		ResourceID:     client.ClientID,
		ResourceName:   client.ClientName,
		Action:         action,
		Details:        details,
		Success:        event != models.EventClientAuthFailure,
	})
}

// validateClient checks the registration rules that apply on both create
// and update.
func validateClient(c *models.OAuthClient) error {
	if c.ClientName == "" {
		return ErrClientNameRequired
	}
	if c.ClientType != models.ClientTypeConfidential && c.ClientType != models.ClientTypePublic {
		return oautherr.Newf(oautherr.InvalidClientConfig, "unsupported client_type %q", c.ClientType)
	}

	if len(c.GrantTypes) == 0 {
		return oautherr.New(oautherr.InvalidClientConfig, "at least one grant type is required")
	}
	for _, gt := range c.GrantTypes {
		if !slices.Contains(validGrantTypes, gt) {
			return oautherr.Newf(oautherr.InvalidClientConfig, "unsupported grant type %q", gt)
		}
	}
	if c.IsPublic() && c.AllowsGrant(models.GrantTypeClientCredentials) {
		return oautherr.New(oautherr.InvalidClientConfig,
			"public clients cannot use the client_credentials grant")
	}

	if c.AllowsGrant(models.GrantTypeAuthorizationCode) && len(c.RedirectURIs) == 0 {
		return oautherr.New(oautherr.InvalidClientConfig,
			"authorization_code clients need at least one redirect URI")
	}
	for _, uri := range c.RedirectURIs {
		if err := util.ValidateRedirectURI(uri); err != nil {
			return oautherr.Wrap(oautherr.InvalidClientConfig,
				fmt.Sprintf("invalid redirect URI %q", uri), err)
		}
	}

	if len(c.Scopes) == 0 {
		return oautherr.New(oautherr.InvalidClientConfig, "at least one scope is required")
	}
	for _, scope := range c.Scopes {
		if scope == "" || strings.ContainsAny(scope, " \t\r\n\"\\") {
			return oautherr.Newf(oautherr.InvalidClientConfig, "invalid scope %q", scope)
		}
	}

	if !slices.Contains(validDataAccessLevels, c.DataAccessLevel) {
		return oautherr.Newf(oautherr.InvalidClientConfig,
			"unsupported data_access_level %q", c.DataAccessLevel)
	}

	if err := c.CheckInvariants(); err != nil {
		return ErrPHIRequiresAudit
	}

	if c.RateLimitRequests < 0 || c.RateLimitWindow < 0 ||
		c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 {
		return oautherr.New(oautherr.InvalidClientConfig,
			"rate limits and token lifetimes cannot be negative")
	}
	if (c.RateLimitRequests > 0) != (c.RateLimitWindow > 0) {
		return oautherr.New(oautherr.InvalidClientConfig,
			"rate_limit requires both requests and window_seconds")
	}

	return nil
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

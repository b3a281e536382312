package services

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrInvalidToken      = oautherr.New(oautherr.InvalidGrant, "token is invalid, expired or revoked")
	ErrInsufficientScope = oautherr.New(oautherr.AccessDenied, "token scope is insufficient")
	ErrDepartmentDenied  = oautherr.New(oautherr.AccessDenied, "token is not valid for this department")
	ErrPHINotPermitted   = oautherr.New(oautherr.AccessDenied, "client is not permitted to access PHI")
	ErrPatientRequired   = oautherr.New(oautherr.AccessDenied, "patient-scoped tokens must name a patient")
	ErrPHIAuditFailed    = oautherr.New(oautherr.ServerError, "PHI access could not be audited")
)

// TokenClaims is what a valid token asserts
type TokenClaims struct {
	Token  *models.AccessToken
	Client *models.OAuthClient
	Scopes []string
}

// HasScope reports whether the token grants scope
func (c *TokenClaims) HasScope(scope string) bool {
	return scopeSubset([]string{scope}, c.Scopes)
}

// IntrospectionResponse follows RFC 7662 with hospital claims added.
// An inactive token yields only {"active": false}.
type IntrospectionResponse struct {
	Active          bool   `json:"active"`
	Scope           string `json:"scope,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	Username        string `json:"username,omitempty"`
	Subject         string `json:"sub,omitempty"`
	TokenType       string `json:"token_type,omitempty"`
	ExpiresAt       int64  `json:"exp,omitempty"`
	IssuedAt        int64  `json:"iat,omitempty"`
	OrganizationID  string `json:"organization_id,omitempty"`
	HospitalRole    string `json:"hospital_role,omitempty"`
	DepartmentID    string `json:"department_id,omitempty"`
	DataAccessScope string `json:"data_access_scope,omitempty"`
	PHIAccess       bool   `json:"phi_access,omitempty"`
}

// AccessRequest asks whether a bearer token may perform action on resource.
// When RequiredScope is empty, "resource:action" is required instead.
type AccessRequest struct {
	Token         string `json:"token"`
	RequiredScope string `json:"required_scope"`
	Resource      string `json:"resource"`
	Action        string `json:"action"`
	DepartmentID  string `json:"department_id"`
	PatientID     string `json:"patient_id"`
}

// AccessDecision is the answer handed to resource servers
type AccessDecision struct {
	Allowed         bool          `json:"allowed"`
	Reason          oautherr.Kind `json:"reason,omitempty"`
	Description     string        `json:"description,omitempty"`
	ClientID        string        `json:"client_id,omitempty"`
	UserID          string        `json:"user_id,omitempty"`
	OrganizationID  string        `json:"organization_id,omitempty"`
	Scopes          []string      `json:"scopes,omitempty"`
	HospitalRole    string        `json:"hospital_role,omitempty"`
	DepartmentID    string        `json:"department_id,omitempty"`
	DataAccessScope string        `json:"data_access_scope,omitempty"`
	PHI             bool          `json:"phi"`
}

// Err returns the denial as an error, or nil when allowed
func (d *AccessDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return oautherr.New(d.Reason, d.Description)
}

// IntrospectionService validates presented tokens and makes resource
// access decisions. Any doubt about a token makes it invalid.
type IntrospectionService struct {
	store        *store.Store
	config       *config.Config
	auditService *AuditService
	metrics      metrics.Recorder
}

func NewIntrospectionService(
	s *store.Store,
	cfg *config.Config,
	auditService *AuditService,
	m metrics.Recorder,
) *IntrospectionService {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &IntrospectionService{store: s, config: cfg, auditService: auditService, metrics: m}
}

// ValidateToken accepts an unexpired, unrevoked access token whose client
// is still usable. Store failures are reported as server_error and never
// as a valid token.
func (s *IntrospectionService) ValidateToken(ctx context.Context, token string) (*TokenClaims, error) {
	claims, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if !claims.Token.IsAccessToken() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Introspect reports on any token, access or refresh. When caller is set,
// tokens of other organizations are reported inactive.
func (s *IntrospectionService) Introspect(
	ctx context.Context,
	token string,
	caller *models.OAuthClient,
) *IntrospectionResponse {
	ctx, span := startSpan(ctx, "token.introspect")
	defer span.End()

	claims, err := s.lookup(ctx, token)
	if err != nil {
		span.SetAttributes(attribute.String("oauth.error", string(oautherr.KindOf(err))))
		return &IntrospectionResponse{Active: false}
	}
	if caller != nil && caller.OrganizationID != claims.Token.OrganizationID {
		return &IntrospectionResponse{Active: false}
	}

	t := claims.Token
	tokenType := "access_token"
	if t.IsRefreshToken() {
		tokenType = "refresh_token"
	}
	return &IntrospectionResponse{
		Active:          true,
		Scope:           t.Scopes,
		ClientID:        t.ClientID,
		Username:        t.UserID,
		Subject:         subjectOf(t),
		TokenType:       tokenType,
		ExpiresAt:       t.ExpiresAt.Unix(),
		IssuedAt:        t.CreatedAt.Unix(),
		OrganizationID:  t.OrganizationID,
		HospitalRole:    t.HospitalRole,
		DepartmentID:    t.DepartmentID,
		DataAccessScope: t.DataAccessScope,
		PHIAccess:       claims.Client.PHIAccess,
	}
}

// Authorize decides whether req may proceed. Access to a PHI resource is
// allowed only for PHI-enabled clients and only after the audit record
// has been written.
func (s *IntrospectionService) Authorize(ctx context.Context, req AccessRequest) *AccessDecision {
	ctx, span := startSpan(ctx, "access.authorize",
		attribute.String("resource", req.Resource),
		attribute.String("action", req.Action),
	)

	phi := req.Resource != "" && s.config.IsPHIResource(req.Resource)
	decision := &AccessDecision{PHI: phi}

	err := s.decide(ctx, req, decision)
	if err != nil {
		decision.Allowed = false
		decision.Reason = oautherr.KindOf(err)
		decision.Description = oautherr.DescriptionOf(err)
	} else {
		decision.Allowed = true
	}

	s.metrics.RecordAccessDecision(phi, decision.Allowed)
	endSpan(span, err)
	return decision
}

func (s *IntrospectionService) decide(
	ctx context.Context,
	req AccessRequest,
	decision *AccessDecision,
) error {
	claims, err := s.ValidateToken(ctx, req.Token)
	if err != nil {
		return err
	}

	t := claims.Token
	decision.ClientID = t.ClientID
	decision.UserID = t.UserID
	decision.OrganizationID = t.OrganizationID
	decision.Scopes = claims.Scopes
	decision.HospitalRole = t.HospitalRole
	decision.DepartmentID = t.DepartmentID
	decision.DataAccessScope = t.DataAccessScope

	required := req.RequiredScope
	if required == "" && req.Resource != "" {
		required = req.Resource
		if req.Action != "" {
			required += ":" + req.Action
		}
	}
	if required != "" && !claims.HasScope(required) {
		s.auditDenial(ctx, claims, req, decision.PHI, ErrInsufficientScope)
		return ErrInsufficientScope
	}

	if t.DepartmentID != "" && req.DepartmentID != "" && req.DepartmentID != t.DepartmentID {
		s.auditDenial(ctx, claims, req, decision.PHI, ErrDepartmentDenied)
		return ErrDepartmentDenied
	}
	if req.DepartmentID != "" && !claims.Client.AllowsDepartment(req.DepartmentID) {
		s.auditDenial(ctx, claims, req, decision.PHI, ErrDepartmentDenied)
		return ErrDepartmentDenied
	}

	if !decision.PHI {
		return nil
	}

	if !claims.Client.PHIAccess {
		s.auditDenial(ctx, claims, req, true, ErrPHINotPermitted)
		return ErrPHINotPermitted
	}
	if t.DataAccessScope == models.DataAccessDepartment && req.DepartmentID == "" {
		s.auditDenial(ctx, claims, req, true, ErrDepartmentDenied)
		return ErrDepartmentDenied
	}
	if t.DataAccessScope == models.DataAccessPatient && req.PatientID == "" {
		s.auditDenial(ctx, claims, req, true, ErrPatientRequired)
		return ErrPatientRequired
	}

	if claims.Client.AuditRequired && s.auditService != nil {
		if err := s.auditService.LogSync(ctx, phiEntry(claims, req, true, "")); err != nil {
			log.Printf("[Access] PHI audit write failed for client %s: %v", t.ClientID, err)
			return ErrPHIAuditFailed
		}
	}
	return nil
}

func (s *IntrospectionService) lookup(ctx context.Context, token string) (_ *TokenClaims, err error) {
	start := time.Now()
	result := "valid"
	defer func() {
		if err != nil && result == "valid" {
			result = "invalid"
		}
		s.metrics.RecordTokenValidation(result, time.Since(start))
	}()

	t, err := findToken(ctx, s.store, strings.TrimSpace(token))
	if err != nil {
		result = "error"
		return nil, err
	}
	if t == nil {
		return nil, ErrInvalidToken
	}
	if !t.IsActive() {
		result = "revoked"
		return nil, ErrInvalidToken
	}
	if t.IsExpired() {
		result = "expired"
		return nil, ErrInvalidToken
	}

	client, err := s.store.GetClient(ctx, t.ClientID)
	if err != nil {
		result = "error"
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to load token client", err)
	}
	if !client.IsUsable() {
		result = "revoked"
		return nil, ErrInvalidToken
	}

	return &TokenClaims{Token: t, Client: client, Scopes: parseScopes(t.Scopes)}, nil
}

func (s *IntrospectionService) auditDenial(
	ctx context.Context,
	claims *TokenClaims,
	req AccessRequest,
	phi bool,
	reason error,
) {
	if s.auditService == nil {
		return
	}
	if phi {
		entry := phiEntry(claims, req, false, oautherr.DescriptionOf(reason))
		if !claims.Client.AuditRequired {
			s.auditService.Log(ctx, entry)
			return
		}
		// The decision is already a denial; a failed write only gets logged.
		if err := s.auditService.LogSync(ctx, entry); err != nil {
			log.Printf("[Access] PHI denial audit write failed for client %s: %v",
				claims.Token.ClientID, err)
		}
		return
	}
	s.auditService.Log(ctx, AuditLogEntry{
		EventType:      models.EventAccessDenied,
		Severity:       models.SeverityWarning,
		OrganizationID: claims.Token.OrganizationID,
		ClientID:       claims.Token.ClientID,
		ActorUserID:    claims.Token.UserID,
		ResourceType:   models.ResourceToken,
		ResourceID:     claims.Token.ID,
		ResourceName:   req.Resource,
		Action:         "Resource access denied",
		Details: models.AuditDetails{
			"resource":      req.Resource,
			"action":        req.Action,
			"department_id": req.DepartmentID,
		},
		Success:      false,
		ErrorMessage: oautherr.DescriptionOf(reason),
	})
}

func phiEntry(claims *TokenClaims, req AccessRequest, granted bool, reason string) AuditLogEntry {
	event, severity, action := models.EventPHIAccessGranted, models.SeverityInfo, "PHI access granted"
	if !granted {
		event, severity, action = models.EventPHIAccessDenied, models.SeverityWarning, "PHI access denied"
	}
	return AuditLogEntry{
		EventType:      event,
		Severity:       severity,
		OrganizationID: claims.Token.OrganizationID,
		ClientID:       claims.Token.ClientID,
		ActorUserID:    claims.Token.UserID,
		ResourceType:   models.ResourcePatientData,
		ResourceID:     req.PatientID,
		ResourceName:   req.Resource,
		Action:         action,
		Details: models.AuditDetails{
			"resource":      req.Resource,
			"action":        req.Action,
			"department_id": req.DepartmentID,
			"token_id":      claims.Token.ID,
			"hospital_role": claims.Token.HospitalRole,
		},
		Success:      granted,
		ErrorMessage: reason,
	}
}

// subjectOf is the user for user-bound tokens and the client otherwise
func subjectOf(t *models.AccessToken) string {
	if t.UserID != "" {
		return t.UserID
	}
	return t.ClientID
}

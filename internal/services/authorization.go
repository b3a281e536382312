package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"slices"
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

// PKCE methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Authorization Code Flow errors
var (
	ErrUnknownClient           = oautherr.New(oautherr.InvalidClient, "unknown or revoked client")
	ErrRedirectURIMismatch     = oautherr.New(oautherr.InvalidRedirectURI, "redirect_uri is not registered for this client")
	ErrUnsupportedResponseType = oautherr.New(oautherr.UnsupportedResponseType, "response_type must be code")
	ErrAuthCodeFlowNotAllowed  = oautherr.New(oautherr.UnauthorizedClient, "client may not use the authorization_code grant")
	ErrScopeNotAllowed         = oautherr.New(oautherr.InvalidScope, "requested scope exceeds the client's allowed scopes")
	ErrTenantMismatch          = oautherr.New(oautherr.AccessDenied, "user does not belong to the client's organization")
	ErrDepartmentNotAllowed    = oautherr.New(oautherr.AccessDenied, "department is not allowed for this client")
	ErrDepartmentRequired      = oautherr.New(oautherr.InvalidRequest, "department_id is required for this client")
	ErrHospitalRoleMismatch    = oautherr.New(oautherr.AccessDenied, "hospital_role does not match the signed-in user")
	ErrPKCERequired            = oautherr.New(oautherr.InvalidRequest, "code_challenge is required")
	ErrInvalidPKCEMethod       = oautherr.New(oautherr.InvalidRequest, "code_challenge_method must be S256 or plain")
	ErrInvalidAuthCode         = oautherr.New(oautherr.InvalidGrant, "authorization code is invalid, expired or already used")
	ErrAuthCodeReplayed        = oautherr.New(oautherr.InvalidGrant, "authorization code is invalid, expired or already used")
	ErrInvalidCodeVerifier     = oautherr.New(oautherr.InvalidGrant, "code_verifier does not match the code challenge")
)

// AuthorizeStage is a checkpoint of an /authorize request. Stages only move
// forward; a rejection leaves the stage at the last checkpoint passed.
type AuthorizeStage string

const (
	StageReceived           AuthorizeStage = "received"
	StageRedirectURIChecked AuthorizeStage = "redirect_uri_checked"
	StageScopeChecked       AuthorizeStage = "scope_checked"
	StageCodeIssued         AuthorizeStage = "code_issued"
)

// AuthorizeParams are the raw /authorize query parameters
type AuthorizeParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	HospitalRole        string
	DepartmentID        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationRequest is a fully validated request, ready for a code
type AuthorizationRequest struct {
	Client              *models.OAuthClient
	RedirectURI         string
	Scopes              []string
	State               string
	HospitalRole        string
	DepartmentID        string
	DataAccessScope     string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeResult describes how far an /authorize request got. RedirectURI
// is set only once it has been matched against the client's registration,
// so callers may redirect errors to it exactly when it is non-empty.
type AuthorizeResult struct {
	Stage       AuthorizeStage
	RedirectURI string
	State       string
	Code        string
}

// CanRedirect reports whether errors may be sent back to the client
func (r *AuthorizeResult) CanRedirect() bool {
	return r.RedirectURI != ""
}

// AuthorizationService runs the /authorize decision and owns authorization
// codes.
type AuthorizationService struct {
	store        *store.Store
	config       *config.Config
	auditService *AuditService
	clients      *ClientService
	rateGate     *ClientRateGate
	metrics      metrics.Recorder
}

func NewAuthorizationService(
	s *store.Store,
	cfg *config.Config,
	auditService *AuditService,
	clients *ClientService,
	rateGate *ClientRateGate,
	m metrics.Recorder,
) *AuthorizationService {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &AuthorizationService{
		store:        s,
		config:       cfg,
		auditService: auditService,
		clients:      clients,
		rateGate:     rateGate,
		metrics:      m,
	}
}

// Authorize walks an /authorize request through its checkpoints for user
// and issues a code on success. The returned result is never nil.
func (s *AuthorizationService) Authorize(
	ctx context.Context,
	params AuthorizeParams,
	user *models.User,
) (_ *AuthorizeResult, err error) {
	ctx, span := startSpan(ctx, "authorize", attribute.String("client_id", params.ClientID))
	result := &AuthorizeResult{Stage: StageReceived, State: params.State}
	defer func() {
		outcome := "issued"
		if err != nil {
			outcome = string(oautherr.KindOf(err))
		}
		s.metrics.RecordAuthorizationCode(outcome)
		span.SetAttributes(attribute.String("authorize.stage", string(result.Stage)))
		endSpan(span, err)
	}()

	req, err := s.validate(ctx, params, user, result)
	if err != nil {
		s.auditDenied(ctx, params, user, result.Stage, err)
		return result, err
	}

	code, _, err := s.CreateAuthorizationCode(ctx, req, user.ID)
	if err != nil {
		return result, err
	}
	result.Code = code
	result.Stage = StageCodeIssued
	return result, nil
}

// validate advances result through the checkpoints. Nothing is written.
func (s *AuthorizationService) validate(
	ctx context.Context,
	params AuthorizeParams,
	user *models.User,
	result *AuthorizeResult,
) (*AuthorizationRequest, error) {
	if params.ClientID == "" {
		return nil, oautherr.New(oautherr.InvalidRequest, "client_id is required")
	}
	client, err := s.clients.loadClient(ctx, params.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil || !client.IsUsable() {
		return nil, ErrUnknownClient
	}

	if params.RedirectURI == "" || !slices.Contains(client.RedirectURIs, params.RedirectURI) {
		return nil, ErrRedirectURIMismatch
	}
	result.RedirectURI = params.RedirectURI
	result.Stage = StageRedirectURIChecked

	if params.ResponseType != "code" {
		return nil, ErrUnsupportedResponseType
	}
	if !client.AllowsGrant(models.GrantTypeAuthorizationCode) {
		return nil, ErrAuthCodeFlowNotAllowed
	}
	if err := s.rateGate.Check(ctx, client); err != nil {
		return nil, err
	}

	scopes, ok := narrowScopes(params.Scope, client.Scopes)
	if !ok {
		return nil, ErrScopeNotAllowed
	}
	result.Stage = StageScopeChecked

	if user == nil || user.OrganizationID != client.OrganizationID {
		return nil, ErrTenantMismatch
	}
	if params.HospitalRole != "" && params.HospitalRole != user.HospitalRole {
		return nil, ErrHospitalRoleMismatch
	}
	departmentID := params.DepartmentID
	if departmentID == "" {
		departmentID = user.DepartmentID
	}
	if client.DataAccessLevel == models.DataAccessDepartment && departmentID == "" {
		return nil, ErrDepartmentRequired
	}
	if departmentID != "" && !client.AllowsDepartment(departmentID) {
		return nil, ErrDepartmentNotAllowed
	}

	method := params.CodeChallengeMethod
	if params.CodeChallenge != "" && method == "" {
		method = PKCEMethodS256
	}
	if method != "" && method != PKCEMethodS256 && method != PKCEMethodPlain {
		return nil, ErrInvalidPKCEMethod
	}
	if params.CodeChallenge == "" && (client.IsPublic() || s.config.PKCERequired) {
		return nil, ErrPKCERequired
	}

	return &AuthorizationRequest{
		Client:              client,
		RedirectURI:         params.RedirectURI,
		Scopes:              scopes,
		State:               params.State,
		HospitalRole:        user.HospitalRole,
		DepartmentID:        departmentID,
		DataAccessScope:     client.DataAccessLevel,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: method,
	}, nil
}

// CreateAuthorizationCode stores a new single-use code for req and returns
// its plaintext. Only the SHA-256 of the code is persisted.
func (s *AuthorizationService) CreateAuthorizationCode(
	ctx context.Context,
	req *AuthorizationRequest,
	userID string,
) (string, *models.AuthorizationCode, error) {
	rawBytes, err := util.CryptoRandomBytes(32)
	if err != nil {
		return "", nil, oautherr.Wrap(oautherr.ServerError, "failed to generate authorization code", err)
	}
	plainCode := hex.EncodeToString(rawBytes)

	method := req.CodeChallengeMethod
	if req.CodeChallenge == "" {
		method = ""
	}

	record := &models.AuthorizationCode{
		UUID:                uuid.New().String(),
		CodeHash:            util.SHA256Hex(plainCode),
		ApplicationID:       req.Client.ID,
		ClientID:            req.Client.ClientID,
		OrganizationID:      req.Client.OrganizationID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              joinScopes(req.Scopes),
		HospitalRole:        req.HospitalRole,
		DepartmentID:        req.DepartmentID,
		DataAccessScope:     req.DataAccessScope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		ExpiresAt:           time.Now().Add(s.config.AuthCodeExpiration),
	}

	if err := s.store.CreateAuthorizationCode(ctx, record); err != nil {
		return "", nil, oautherr.Wrap(oautherr.ServerError, "failed to save authorization code", err)
	}

	if s.auditService != nil {
		s.auditService.Log(ctx, AuditLogEntry{
			EventType:      models.EventAuthorizationCodeGenerated,
			Severity:       models.SeverityInfo,
			OrganizationID: record.OrganizationID,
			ClientID:       record.ClientID,
			ActorUserID:    userID,
			ResourceType:   models.ResourceAuthorization,
			ResourceID:     record.UUID,
			Action:         "Authorization code generated",
			Details: models.AuditDetails{
				"scopes":        record.Scopes,
				"department_id": record.DepartmentID,
				"pkce":          record.CodeChallenge != "",
				"redirect_uri":  record.RedirectURI,
			},
			Success: true,
		})
	}

	return plainCode, record, nil
}

// ValidateAndConsume redeems a code through tx. It succeeds for exactly
// one caller per code, and only while the code is unexpired and bound to
// clientID and redirectURI. Every other outcome is invalid_grant.
func (s *AuthorizationService) ValidateAndConsume(
	ctx context.Context,
	tx *store.Store,
	code, clientID, redirectURI string,
) (*models.AuthorizationCode, error) {
	if code == "" {
		return nil, ErrInvalidAuthCode
	}
	codeHash := util.SHA256Hex(code)

	record, err := tx.ConsumeAuthorizationCode(ctx, codeHash, clientID, redirectURI, time.Now())
	if errors.Is(err, store.ErrAuthCodeUnavailable) {
		if s.detectReplay(ctx, tx, codeHash, clientID) {
			return nil, ErrAuthCodeReplayed
		}
		return nil, ErrInvalidAuthCode
	}
	if err != nil {
		return nil, oautherr.Wrap(oautherr.ServerError, "failed to redeem authorization code", err)
	}
	return record, nil
}

// detectReplay records a security event when a consumed code is presented
// again by its own client.
func (s *AuthorizationService) detectReplay(
	ctx context.Context,
	tx *store.Store,
	codeHash, clientID string,
) bool {
	record, err := tx.GetAuthorizationCodeByHash(ctx, codeHash)
	if err != nil || !record.IsUsed() || record.ClientID != clientID {
		return false
	}

	if s.auditService != nil {
		s.auditService.Log(ctx, AuditLogEntry{
			EventType:      models.EventAuthorizationCodeReplayed,
			Severity:       models.SeverityWarning,
			OrganizationID: record.OrganizationID,
			ClientID:       record.ClientID,
			ActorUserID:    record.UserID,
			ResourceType:   models.ResourceAuthorization,
			ResourceID:     record.UUID,
			Action:         "Consumed authorization code presented again",
			Success:        false,
			ErrorMessage:   string(oautherr.InvalidGrant),
		})
	}
	return true
}

// CleanupExpired deletes codes past their expiry
func (s *AuthorizationService) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredAuthorizationCodes(ctx)
}

func (s *AuthorizationService) auditDenied(
	ctx context.Context,
	params AuthorizeParams,
	user *models.User,
	stage AuthorizeStage,
	err error,
) {
	if s.auditService == nil {
		return
	}
	entry := AuditLogEntry{
		EventType:    models.EventAuthorizationCodeDenied,
		Severity:     models.SeverityWarning,
		ClientID:     params.ClientID,
		ResourceType: models.ResourceAuthorization,
		ResourceID:   params.ClientID,
		Action:       "Authorization request rejected",
		Details: models.AuditDetails{
			"stage":        string(stage),
			"redirect_uri": params.RedirectURI,
			"scope":        params.Scope,
		},
		Success:      false,
		ErrorMessage: oautherr.DescriptionOf(err),
	}
	if user != nil {
		entry.OrganizationID = user.OrganizationID
		entry.ActorUserID = user.ID
	}
	s.auditService.Log(ctx, entry)
}

// verifyPKCE checks code_verifier against the stored challenge. Codes
// issued without a challenge need no verifier.
func verifyPKCE(record *models.AuthorizationCode, codeVerifier string) bool {
	if record.CodeChallenge == "" {
		return true
	}
	if codeVerifier == "" {
		return false
	}
	var computed string
	switch record.CodeChallengeMethod {
	case PKCEMethodS256, "":
		sum := sha256.Sum256([]byte(codeVerifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case PKCEMethodPlain:
		computed = codeVerifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(record.CodeChallenge)) == 1
}

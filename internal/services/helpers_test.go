package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/ratelimit"
	"github.com/hospitalgate/authgate/internal/store"

	"github.com/stretchr/testify/require"
)

const (
	testOrg          = "org-st-mary"
	testCallback     = "https://emr.hospital.com/callback"
	testPKCEVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		AuthCodeExpiration:      10 * time.Minute,
		AccessTokenExpiration:   time.Hour,
		RefreshTokenExpiration:  24 * time.Hour,
		DefaultClientRateLimit:  1000,
		DefaultClientRateWindow: time.Minute,
		PHIResources:            []string{"patients", "lab_results"},
	}
}

// testEnv wires every service against one in-memory store
type testEnv struct {
	store         *store.Store
	config        *config.Config
	audit         *AuditService
	clients       *ClientService
	authorization *AuthorizationService
	tokens        *TokenService
	grants        *GrantService
	introspection *IntrospectionService
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	s := setupTestStore(t)
	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	limitStore, err := ratelimit.NewStore(ratelimit.StoreMemory, nil, "test", time.Minute)
	require.NoError(t, err)

	audit := NewAuditService(s, false, 10, nil)
	clients := NewClientService(s, audit, nil)
	gate := NewClientRateGate(ratelimit.NewClientLimiter(limitStore), cfg, audit, nil)
	authorization := NewAuthorizationService(s, cfg, audit, clients, gate, nil)
	tokens := NewTokenService(s, cfg, audit, nil)

	return &testEnv{
		store:         s,
		config:        cfg,
		audit:         audit,
		clients:       clients,
		authorization: authorization,
		tokens:        tokens,
		grants:        NewGrantService(s, cfg, clients, authorization, tokens, gate, audit, nil),
		introspection: NewIntrospectionService(s, cfg, audit, nil),
	}
}

func emrClientRequest() CreateClientRequest {
	return CreateClientRequest{
		ClientName:    "EMR Integration",
		RedirectURIs:  []string{testCallback},
		GrantTypes:    []string{"authorization_code", "refresh_token", "client_credentials"},
		Scopes:        []string{"read", "patient:read"},
		PHIAccess:     true,
		AuditRequired: true,
	}
}

func (e *testEnv) createClient(t *testing.T, req CreateClientRequest) (*models.OAuthClient, string) {
	t.Helper()
	resp, err := e.clients.CreateClient(context.Background(), testOrg, "admin-1", req)
	require.NoError(t, err)
	client, err := e.store.GetClient(context.Background(), resp.Client.ClientID)
	require.NoError(t, err)
	return client, resp.ClientSecret
}

func testUser() *models.User {
	return &models.User{
		ID:             "user-42",
		Username:       "dr.house",
		OrganizationID: testOrg,
		Role:           models.RoleUser,
		HospitalRole:   "physician",
		DepartmentID:   "cardiology",
	}
}

// issueCode runs /authorize for client and returns the plaintext code
func (e *testEnv) issueCode(t *testing.T, client *models.OAuthClient, scope string) string {
	t.Helper()
	result, err := e.authorization.Authorize(context.Background(), AuthorizeParams{
		ResponseType: "code",
		ClientID:     client.ClientID,
		RedirectURI:  testCallback,
		Scope:        scope,
		State:        "xyz",
	}, testUser())
	require.NoError(t, err)
	require.NotEmpty(t, result.Code)
	return result.Code
}

func (e *testEnv) exchangeCode(client *models.OAuthClient, secret, code string) (*TokenPair, error) {
	return e.grants.Exchange(context.Background(), AuthorizationCodeGrant{
		Auth:        ClientAuth{ClientID: client.ClientID, ClientSecret: secret},
		Code:        code,
		RedirectURI: testCallback,
	})
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func countCodes(t *testing.T, s *store.Store) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB().Model(&models.AuthorizationCode{}).Count(&n).Error)
	return n
}

func countTokens(t *testing.T, s *store.Store) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB().Model(&models.AccessToken{}).Count(&n).Error)
	return n
}

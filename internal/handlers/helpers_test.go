package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hospitalgate/authgate/internal/config"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/ratelimit"
	"github.com/hospitalgate/authgate/internal/services"
	"github.com/hospitalgate/authgate/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	testOrg      = "org-st-mary"
	testCallback = "https://emr.hospital.com/callback"
)

type testEnv struct {
	store   *store.Store
	audit   *services.AuditService
	clients *services.ClientService
	router  *gin.Engine
}

func physician() *models.User {
	return &models.User{
		ID:             "user-42",
		Username:       "dr.house",
		OrganizationID: testOrg,
		Role:           models.RoleUser,
		HospitalRole:   "physician",
		DepartmentID:   "cardiology",
	}
}

func administrator() *models.User {
	return &models.User{
		ID:             "admin-1",
		Username:       "it.admin",
		OrganizationID: testOrg,
		Role:           models.RoleAdmin,
	}
}

// asUser stands in for platform login
func asUser(user *models.User) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(models.SetUserContext(c.Request.Context(), user))
		c.Next()
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.New(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		AuthCodeExpiration:      10 * time.Minute,
		AccessTokenExpiration:   time.Hour,
		RefreshTokenExpiration:  24 * time.Hour,
		DefaultClientRateLimit:  1000,
		DefaultClientRateWindow: time.Minute,
		PHIResources:            []string{"patients", "lab_results"},
	}
	limitStore, err := ratelimit.NewStore(ratelimit.StoreMemory, nil, "test", time.Minute)
	require.NoError(t, err)

	audit := services.NewAuditService(s, false, 10, nil)
	clients := services.NewClientService(s, audit, nil)
	gate := services.NewClientRateGate(ratelimit.NewClientLimiter(limitStore), cfg, audit, nil)
	authorization := services.NewAuthorizationService(s, cfg, audit, clients, gate, nil)
	tokens := services.NewTokenService(s, cfg, audit, nil)
	grants := services.NewGrantService(s, cfg, clients, authorization, tokens, gate, audit, nil)
	introspection := services.NewIntrospectionService(s, cfg, audit, nil)

	tokenHandler := NewTokenHandler(grants, tokens, introspection, nil)
	authorizeHandler := NewAuthorizationHandler(authorization, nil)
	clientHandler := NewClientHandler(clients, nil)
	auditHandler := NewAuditHandler(audit, nil)

	r := gin.New()
	oauth := r.Group("/oauth")
	{
		oauth.GET("/authorize", asUser(physician()), authorizeHandler.Authorize)
		oauth.POST("/token", tokenHandler.Token)
		oauth.POST("/introspect", tokenHandler.Introspect)
		oauth.POST("/revoke", tokenHandler.Revoke)
		oauth.POST("/access-check", tokenHandler.AccessCheck)
	}
	admin := r.Group("/admin", asUser(administrator()))
	{
		admin.POST("/clients", clientHandler.CreateClient)
		admin.GET("/clients", clientHandler.ListClients)
		admin.GET("/clients/:id", clientHandler.GetClient)
		admin.PATCH("/clients/:id", clientHandler.UpdateClient)
		admin.POST("/clients/:id/revoke", clientHandler.RevokeClient)
		admin.POST("/clients/:id/secret", clientHandler.RotateSecret)
		admin.GET("/audit", auditHandler.ListAuditLogs)
		admin.GET("/audit/stats", auditHandler.GetAuditLogStats)
		admin.GET("/audit/export", auditHandler.ExportAuditLogs)
	}

	return &testEnv{store: s, audit: audit, clients: clients, router: r}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(target string) *httptest.ResponseRecorder {
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
	return e.do(req)
}

func (e *testEnv) postForm(target string, form url.Values, clientID, secret string) *httptest.ResponseRecorder {
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, target,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, secret)
	}
	return e.do(req)
}

func (e *testEnv) postJSON(method, target, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequestWithContext(context.Background(), method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func emrClientRequest() services.CreateClientRequest {
	return services.CreateClientRequest{
		ClientName:         "EMR Integration",
		RedirectURIs:       []string{testCallback},
		GrantTypes:         []string{"authorization_code", "refresh_token", "client_credentials"},
		Scopes:             []string{"read", "patients:read"},
		AllowedDepartments: []string{"cardiology"},
		PHIAccess:          true,
		AuditRequired:      true,
	}
}

func (e *testEnv) createClient(t *testing.T, req services.CreateClientRequest) (string, string) {
	t.Helper()
	resp, err := e.clients.CreateClient(context.Background(), testOrg, "admin-1", req)
	require.NoError(t, err)
	return resp.Client.ClientID, resp.ClientSecret
}

// authorize runs /oauth/authorize as the physician and returns the code
func (e *testEnv) authorize(t *testing.T, clientID, scope string) string {
	t.Helper()
	w := e.get("/oauth/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {testCallback},
		"scope":         {scope},
		"state":         {"xyz"},
	}.Encode())
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

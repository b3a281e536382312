package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/hospitalgate/authgate/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emrClientJSON = `{
	"client_name": "Radiology PACS",
	"redirect_uris": ["https://pacs.hospital.com/callback"],
	"grant_types": ["authorization_code", "refresh_token"],
	"scopes": ["read", "imaging:read"],
	"phi_access": true,
	"audit_required": true
}`

func decodeClientResponse(t *testing.T, body []byte) services.ClientResponse {
	t.Helper()
	var resp services.ClientResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestCreateClient(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON(http.MethodPost, "/admin/clients", emrClientJSON)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	resp := decodeClientResponse(t, w.Body.Bytes())
	assert.True(t, strings.HasPrefix(resp.Client.ClientID, "hgc_"))
	assert.True(t, strings.HasPrefix(resp.ClientSecret, "hgs_"))
	assert.Equal(t, testOrg, resp.Client.OrganizationID)
	assert.Equal(t, "admin-1", resp.Client.CreatedBy)
	assert.NotContains(t, w.Body.String(), "client_secret_hash")

	// The secret is never shown again
	w = env.get("/admin/clients/" + resp.Client.ClientID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), resp.ClientSecret)
	assert.NotContains(t, w.Body.String(), "client_secret")
}

func TestCreateClient_Invalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"malformed json", `{"client_name":`, http.StatusBadRequest, "invalid_request"},
		{
			"phi without audit",
			`{"client_name":"x","redirect_uris":["https://a.example.com/cb"],"scopes":["read"],"phi_access":true}`,
			http.StatusBadRequest,
			"invalid_client_config",
		},
		{
			"script redirect",
			`{"client_name":"x","redirect_uris":["javascript:alert(1)"],"scopes":["read"]}`,
			http.StatusBadRequest,
			"invalid_client_config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.postJSON(http.MethodPost, "/admin/clients", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantError)
		})
	}
}

func TestListClients_ScopedToOrganization(t *testing.T) {
	env := newTestEnv(t)
	env.createClient(t, emrClientRequest())
	env.createClient(t, emrClientRequest())
	_, err := env.clients.CreateClient(context.Background(), "org-general", "admin-9", emrClientRequest())
	require.NoError(t, err)

	w := env.get("/admin/clients?page=1&page_size=10")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Clients    []services.ClientView `json:"clients"`
		Pagination map[string]any        `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Clients, 2)
	for _, c := range body.Clients {
		assert.Equal(t, testOrg, c.OrganizationID)
	}
	assert.EqualValues(t, 2, body.Pagination["total"])
}

func TestGetClient_OtherOrganizationIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.clients.CreateClient(context.Background(), "org-general", "admin-9", emrClientRequest())
	require.NoError(t, err)

	w := env.get("/admin/clients/" + resp.Client.ClientID)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestUpdateClient(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.createClient(t, emrClientRequest())

	w := env.postJSON(http.MethodPatch, "/admin/clients/"+clientID,
		`{"client_name":"EMR v2","scopes":["read"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var view services.ClientView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "EMR v2", view.ClientName)
	assert.Equal(t, []string{"read"}, view.Scopes)
	assert.Equal(t, []string{testCallback}, view.RedirectURIs)

	w = env.postJSON(http.MethodPatch, "/admin/clients/"+clientID, `{"audit_required":false}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_client_config")
}

func TestRevokeClient(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())
	code := env.authorize(t, clientID, "read")
	tokens := decodeTokens(t, env.postForm("/oauth/token", codeForm(code), clientID, secret).Body.Bytes())

	w := env.postJSON(http.MethodPost, "/admin/clients/"+clientID+"/revoke", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	// Revoked clients can no longer authenticate
	w = env.postForm("/oauth/token", url.Values{"grant_type": {"client_credentials"}}, clientID, secret)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	otherID, otherSecret := env.createClient(t, emrClientRequest())
	w = env.postForm("/oauth/introspect", url.Values{"token": {tokens.AccessToken}}, otherID, otherSecret)
	assert.JSONEq(t, `{"active":false}`, w.Body.String())

	w = env.postJSON(http.MethodPost, "/admin/clients/"+clientID+"/revoke", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRotateSecret(t *testing.T) {
	env := newTestEnv(t)
	clientID, oldSecret := env.createClient(t, emrClientRequest())

	w := env.postJSON(http.MethodPost, "/admin/clients/"+clientID+"/secret", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeClientResponse(t, w.Body.Bytes())
	require.NotEmpty(t, resp.ClientSecret)
	assert.NotEqual(t, oldSecret, resp.ClientSecret)

	ccForm := url.Values{"grant_type": {"client_credentials"}, "scope": {"read"}}
	assert.Equal(t, http.StatusUnauthorized, env.postForm("/oauth/token", ccForm, clientID, oldSecret).Code)
	assert.Equal(t, http.StatusOK, env.postForm("/oauth/token", ccForm, clientID, resp.ClientSecret).Code)
}

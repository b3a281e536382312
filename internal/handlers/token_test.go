package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func decodeTokens(t *testing.T, body []byte) tokenResponse {
	t.Helper()
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func codeForm(code string) url.Values {
	return url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testCallback},
	}
}

func TestToken_AuthorizationCode(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())
	code := env.authorize(t, clientID, "read patients:read")

	w := env.postForm("/oauth/token", codeForm(code), clientID, secret)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))

	resp := decodeTokens(t, w.Body.Bytes())
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "read patients:read", resp.Scope)
	assert.Positive(t, resp.ExpiresIn)
}

func TestToken_CodeExchangedTwice(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())
	code := env.authorize(t, clientID, "read")

	first := env.postForm("/oauth/token", codeForm(code), clientID, secret)
	require.Equal(t, http.StatusOK, first.Code)

	second := env.postForm("/oauth/token", codeForm(code), clientID, secret)
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Contains(t, second.Body.String(), `"error":"invalid_grant"`)
}

func TestToken_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())
	code := env.authorize(t, clientID, "read")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses []int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := env.postForm("/oauth/token", codeForm(code), clientID, secret)
			mu.Lock()
			statuses = append(statuses, w.Code)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusBadRequest}, statuses)
}

func TestToken_WrongSecret(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.createClient(t, emrClientRequest())

	w := env.postForm("/oauth/token", url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"read"},
	}, clientID, "hgs_not-the-secret")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, basicRealm, w.Header().Get("WWW-Authenticate"))
	assert.Contains(t, w.Body.String(), `"error":"invalid_client"`)
}

func TestToken_ClientCredentialsInBody(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())

	w := env.postForm("/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {secret},
		"scope":         {"read"},
	}, "", "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeTokens(t, w.Body.Bytes())
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken)
}

func TestToken_RequestErrors(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())

	tests := []struct {
		name      string
		form      url.Values
		basic     bool
		wantError string
	}{
		{
			name:      "missing grant_type",
			form:      url.Values{},
			basic:     true,
			wantError: "invalid_request",
		},
		{
			name:      "unsupported grant",
			form:      url.Values{"grant_type": {"password"}},
			basic:     true,
			wantError: "unsupported_grant_type",
		},
		{
			name:      "credentials in header and body",
			form:      url.Values{"grant_type": {"client_credentials"}, "client_secret": {secret}},
			basic:     true,
			wantError: "invalid_request",
		},
		{
			name:      "no client authentication",
			form:      url.Values{"grant_type": {"client_credentials"}},
			wantError: "invalid_client",
		},
		{
			name:      "scope outside registration",
			form:      url.Values{"grant_type": {"client_credentials"}, "scope": {"admin"}},
			basic:     true,
			wantError: "invalid_scope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, sec := "", ""
			if tt.basic {
				id, sec = clientID, secret
			}
			w := env.postForm("/oauth/token", tt.form, id, sec)
			assert.Contains(t, w.Body.String(), fmt.Sprintf(`"error":%q`, tt.wantError))
			assert.NotEqual(t, http.StatusOK, w.Code)
		})
	}
}

func TestIntrospect(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())
	code := env.authorize(t, clientID, "read")
	tokens := decodeTokens(t, env.postForm("/oauth/token", codeForm(code), clientID, secret).Body.Bytes())

	t.Run("active", func(t *testing.T) {
		w := env.postForm("/oauth/introspect", url.Values{"token": {tokens.AccessToken}}, clientID, secret)
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, true, body["active"])
		assert.Equal(t, clientID, body["client_id"])
		assert.Equal(t, "access_token", body["token_type"])
		assert.Equal(t, testOrg, body["organization_id"])
	})

	t.Run("unknown token", func(t *testing.T) {
		w := env.postForm("/oauth/introspect", url.Values{"token": {"hgt_unknown"}}, clientID, secret)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"active":false}`, w.Body.String())
	})

	t.Run("revoked token", func(t *testing.T) {
		require.Equal(t, http.StatusOK,
			env.postForm("/oauth/revoke", url.Values{"token": {tokens.RefreshToken}}, clientID, secret).Code)

		w := env.postForm("/oauth/introspect", url.Values{"token": {tokens.RefreshToken}}, clientID, secret)
		assert.JSONEq(t, `{"active":false}`, w.Body.String())
	})

	t.Run("caller must authenticate", func(t *testing.T) {
		w := env.postForm("/oauth/introspect", url.Values{"token": {tokens.AccessToken}}, clientID, "wrong")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token required", func(t *testing.T) {
		w := env.postForm("/oauth/introspect", url.Values{}, clientID, secret)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid_request")
	})
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())
	otherID, otherSecret := env.createClient(t, emrClientRequest())
	code := env.authorize(t, clientID, "read")
	tokens := decodeTokens(t, env.postForm("/oauth/token", codeForm(code), clientID, secret).Body.Bytes())

	introspect := func() string {
		return env.postForm("/oauth/introspect", url.Values{"token": {tokens.AccessToken}}, clientID, secret).
			Body.String()
	}

	// Another client's revocation is accepted and ignored
	w := env.postForm("/oauth/revoke", url.Values{"token": {tokens.AccessToken}}, otherID, otherSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, introspect(), `"active":true`)

	w = env.postForm("/oauth/revoke", url.Values{
		"token":           {tokens.AccessToken},
		"token_type_hint": {"access_token"},
	}, clientID, secret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":false}`, introspect())

	// Unknown tokens still get 200
	w = env.postForm("/oauth/revoke", url.Values{"token": {"hgt_never-issued"}}, clientID, secret)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.postForm("/oauth/revoke", url.Values{}, clientID, secret)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccessCheck(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.createClient(t, emrClientRequest())
	code := env.authorize(t, clientID, "read patients:read")
	tokens := decodeTokens(t, env.postForm("/oauth/token", codeForm(code), clientID, secret).Body.Bytes())

	check := func(body string) (int, map[string]any) {
		w := env.postJSON(http.MethodPost, "/oauth/access-check", body)
		var decision map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
		return w.Code, decision
	}

	status, decision := check(fmt.Sprintf(
		`{"token":%q,"resource":"patients","action":"read","department_id":"cardiology"}`, tokens.AccessToken))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, decision["allowed"])
	assert.Equal(t, true, decision["phi"])
	assert.Equal(t, clientID, decision["client_id"])

	status, decision = check(fmt.Sprintf(
		`{"token":%q,"resource":"patients","action":"write"}`, tokens.AccessToken))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, false, decision["allowed"])
	assert.Equal(t, "access_denied", decision["reason"])

	status, decision = check(`{"token":"hgt_forged","resource":"patients","action":"read"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", decision["reason"])

	w := env.postJSON(http.MethodPost, "/oauth/access-check", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

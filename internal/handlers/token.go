package handlers

import (
	"net/http"
	"net/url"

	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/services"

	"github.com/gin-gonic/gin"
)

var (
	errTokenRequired  = oautherr.New(oautherr.InvalidRequest, "token parameter is required")
	errMalformedForm  = oautherr.New(oautherr.InvalidRequest, "request body must be application/x-www-form-urlencoded")
	errMalformedCheck = oautherr.New(oautherr.InvalidRequest, "request body must be a JSON access request")
)

// TokenHandler serves the token, introspection, revocation and access
// check endpoints.
type TokenHandler struct {
	grants        *services.GrantService
	tokens        *services.TokenService
	introspection *services.IntrospectionService
	metrics       metrics.Recorder
}

func NewTokenHandler(
	grants *services.GrantService,
	tokens *services.TokenService,
	introspection *services.IntrospectionService,
	m metrics.Recorder,
) *TokenHandler {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &TokenHandler{
		grants:        grants,
		tokens:        tokens,
		introspection: introspection,
		metrics:       m,
	}
}

// Token handles POST /oauth/token for the authorization_code,
// refresh_token and client_credentials grants (RFC 6749 §4.1.3, §4.4, §6).
// Client credentials are accepted via HTTP Basic (preferred, §2.3.1) or in
// the form body, never both.
func (h *TokenHandler) Token(c *gin.Context) {
	form, err := postForm(c)
	if err != nil {
		respondError(c, h.metrics, "token", err)
		return
	}

	req, err := services.ParseGrantRequest(form, basicCredentials(c))
	if err != nil {
		respondError(c, h.metrics, "token", err)
		return
	}

	pair, err := h.grants.Exchange(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.metrics, "token", err)
		return
	}

	noStore(c)
	c.JSON(http.StatusOK, pair)
}

// Introspect handles POST /oauth/introspect (RFC 7662). The caller must
// authenticate as a client; tokens of other organizations are reported
// inactive.
func (h *TokenHandler) Introspect(c *gin.Context) {
	caller, form, ok := h.authenticateCaller(c, "introspect")
	if !ok {
		return
	}

	token := form.Get("token")
	if token == "" {
		respondError(c, h.metrics, "introspect", errTokenRequired)
		return
	}

	noStore(c)
	c.JSON(http.StatusOK, h.introspection.Introspect(c.Request.Context(), token, caller))
}

// Revoke handles POST /oauth/revoke (RFC 7009). Unknown tokens and tokens
// of other clients still get 200 so the endpoint cannot be used to probe
// for valid tokens. token_type_hint is accepted and ignored since both
// token kinds share one lookup.
func (h *TokenHandler) Revoke(c *gin.Context) {
	caller, form, ok := h.authenticateCaller(c, "revoke")
	if !ok {
		return
	}

	token := form.Get("token")
	if token == "" {
		respondError(c, h.metrics, "revoke", errTokenRequired)
		return
	}

	if err := h.tokens.RevokeToken(c.Request.Context(), token, caller); err != nil {
		respondError(c, h.metrics, "revoke", err)
		return
	}
	c.Status(http.StatusOK)
}

// AccessCheck handles POST /oauth/access-check. Resource servers post the
// bearer token they received together with the resource and action, and
// get the decision back. The status follows the denial kind.
func (h *TokenHandler) AccessCheck(c *gin.Context) {
	var req services.AccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.metrics, "access_check", errMalformedCheck)
		return
	}

	decision := h.introspection.Authorize(c.Request.Context(), req)
	if !decision.Allowed {
		h.metrics.RecordOAuthError("access_check", string(decision.Reason))
		c.JSON(oautherr.HTTPStatus(decision.Reason), decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// authenticateCaller parses the form and authenticates the calling client.
// On failure the response has been written.
func (h *TokenHandler) authenticateCaller(
	c *gin.Context,
	endpoint string,
) (*models.OAuthClient, url.Values, bool) {
	form, err := postForm(c)
	if err != nil {
		respondError(c, h.metrics, endpoint, err)
		return nil, nil, false
	}

	auth, err := services.ClientAuthFrom(form, basicCredentials(c))
	if err != nil {
		respondError(c, h.metrics, endpoint, err)
		return nil, nil, false
	}

	caller, err := h.grants.AuthenticateClient(c.Request.Context(), auth)
	if err != nil {
		respondError(c, h.metrics, endpoint, err)
		return nil, nil, false
	}
	return caller, form, true
}

// postForm returns the form-encoded body only. Query parameters are never
// treated as credentials.
func postForm(c *gin.Context) (url.Values, error) {
	if err := c.Request.ParseForm(); err != nil {
		return nil, errMalformedForm
	}
	return c.Request.PostForm, nil
}

func basicCredentials(c *gin.Context) *services.ClientAuth {
	clientID, secret, ok := c.Request.BasicAuth()
	if !ok {
		return nil
	}
	return &services.ClientAuth{ClientID: clientID, ClientSecret: secret}
}

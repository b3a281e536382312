package handlers

import (
	"net/http"
	"net/url"

	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/middleware"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/services"
	"github.com/hospitalgate/authgate/internal/templates"
	"github.com/hospitalgate/authgate/internal/util"

	"github.com/gin-gonic/gin"
)

// AuthorizationHandler serves the authorization endpoint for logged-in
// platform users.
type AuthorizationHandler struct {
	authorization *services.AuthorizationService
	metrics       metrics.Recorder
}

func NewAuthorizationHandler(
	as *services.AuthorizationService,
	m metrics.Recorder,
) *AuthorizationHandler {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &AuthorizationHandler{authorization: as, metrics: m}
}

// Authorize handles GET /oauth/authorize (RFC 6749 §4.1.1). The platform
// login is the user's consent, so a valid request is answered with a code
// right away. Errors go back to the client only once the redirect URI has
// been matched against its registration (§4.1.2.1); before that the user
// gets an error page.
func (h *AuthorizationHandler) Authorize(c *gin.Context) {
	params := services.AuthorizeParams{
		ResponseType:        c.Query("response_type"),
		ClientID:            c.Query("client_id"),
		RedirectURI:         c.Query("redirect_uri"),
		Scope:               c.Query("scope"),
		State:               c.Query("state"),
		HospitalRole:        c.Query("hospital_role"),
		DepartmentID:        c.Query("department_id"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
	}

	result, err := h.authorization.Authorize(c.Request.Context(), params, middleware.GetUser(c))
	if err != nil {
		h.metrics.RecordOAuthError("authorize", string(oautherr.KindOf(err)))
		if result.CanRedirect() {
			h.redirectWithError(c, result, err)
			return
		}
		h.renderError(c, err)
		return
	}

	q := url.Values{"code": {result.Code}}
	if result.State != "" {
		q.Set("state", result.State)
	}
	target, err := util.AppendQuery(result.RedirectURI, q)
	if err != nil {
		h.renderError(c, oautherr.Wrap(oautherr.ServerError, "failed to build redirect", err))
		return
	}
	c.Redirect(http.StatusFound, target)
}

// redirectWithError sends an OAuth error response to the client's
// registered redirect_uri.
func (h *AuthorizationHandler) redirectWithError(
	c *gin.Context,
	result *services.AuthorizeResult,
	err error,
) {
	e := oautherr.As(err)
	q := url.Values{"error": {string(e.Kind)}}
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if result.State != "" {
		q.Set("state", result.State)
	}
	target, buildErr := util.AppendQuery(result.RedirectURI, q)
	if buildErr != nil {
		h.renderError(c, err)
		return
	}
	c.Redirect(http.StatusFound, target)
}

func (h *AuthorizationHandler) renderError(c *gin.Context, err error) {
	status, body := oautherr.Response(err)
	templates.RenderTempl(c, status, templates.ErrorPage(templates.ErrorPageProps{
		Error:   string(body.Error),
		Message: body.ErrorDescription,
		Status:  status,
	}))
	c.Abort()
}

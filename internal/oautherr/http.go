package oautherr

import "net/http"

var statusByKind = map[Kind]int{
	InvalidRequest:          http.StatusBadRequest,
	InvalidClient:           http.StatusUnauthorized,
	InvalidRedirectURI:      http.StatusBadRequest,
	InvalidScope:            http.StatusBadRequest,
	UnauthorizedClient:      http.StatusBadRequest,
	InvalidGrant:            http.StatusBadRequest,
	InvalidClientConfig:     http.StatusBadRequest,
	UnsupportedGrantType:    http.StatusBadRequest,
	UnsupportedResponseType: http.StatusBadRequest,
	AccessDenied:            http.StatusForbidden,
	RateLimited:             http.StatusTooManyRequests,
	NotFound:                http.StatusNotFound,
	ServerError:             http.StatusInternalServerError,
}

// HTTPStatus is the single mapping from error kind to HTTP status code.
// Unknown kinds are treated as server errors.
func HTTPStatus(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Body is the JSON error body for kind-classified failures
type Body struct {
	Error            Kind   `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Response returns the status and body for err
func Response(err error) (int, Body) {
	e := As(err)
	return HTTPStatus(e.Kind), Body{Error: e.Kind, ErrorDescription: e.Description}
}

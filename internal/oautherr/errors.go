// Package oautherr defines the closed set of failure kinds the authorization
// server can return. Every service failure is one of these kinds; the HTTP
// layer maps them to status codes in exactly one place.
package oautherr

import (
	"errors"
	"fmt"
)

// Kind is an OAuth error code as it appears on the wire.
type Kind string

const (
	InvalidRequest          Kind = "invalid_request"
	InvalidClient           Kind = "invalid_client"
	InvalidRedirectURI      Kind = "invalid_redirect_uri"
	InvalidScope            Kind = "invalid_scope"
	UnauthorizedClient      Kind = "unauthorized_client"
	InvalidGrant            Kind = "invalid_grant"
	InvalidClientConfig     Kind = "invalid_client_config"
	UnsupportedGrantType    Kind = "unsupported_grant_type"
	UnsupportedResponseType Kind = "unsupported_response_type"
	AccessDenied            Kind = "access_denied"
	RateLimited             Kind = "rate_limited"
	NotFound                Kind = "not_found"
	ServerError             Kind = "server_error"
)

// Kinds lists every defined kind.
var Kinds = []Kind{
	InvalidRequest,
	InvalidClient,
	InvalidRedirectURI,
	InvalidScope,
	UnauthorizedClient,
	InvalidGrant,
	InvalidClientConfig,
	UnsupportedGrantType,
	UnsupportedResponseType,
	AccessDenied,
	RateLimited,
	NotFound,
	ServerError,
}

// Error is a classified failure. Description is safe to return to callers;
// the wrapped cause is for logs only.
type Error struct {
	Kind        Kind
	Description string
	cause       error
}

// New returns an error of the given kind.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Newf is New with a formatted description.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause is never exposed in
// Description.
func Wrap(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.cause)
	}
	if e.Description == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by kind, so errors.Is(err, oautherr.New(InvalidGrant, ""))
// holds for any invalid_grant.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of err. Unclassified errors are server_error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ServerError
}

// DescriptionOf returns the caller-safe description of err.
func DescriptionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Description
	}
	return "internal server error"
}

// As converts any error to *Error, classifying unknown errors as server_error.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(ServerError, "internal server error", err)
}

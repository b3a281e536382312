package util

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ErrRedirectURINotAbsolute = errors.New("redirect URI must be an absolute URL")
	ErrRedirectURIFragment    = errors.New("redirect URI must not contain a fragment")
	ErrRedirectURIScheme      = errors.New("redirect URI scheme is not allowed")
)

// ValidateRedirectURI checks that a URI can be registered as a client
// redirect target (RFC 6749 §3.1.2): absolute, no fragment, no script
// schemes, no header-injection characters.
func ValidateRedirectURI(raw string) error {
	if strings.ContainsAny(raw, "\r\n") {
		return ErrRedirectURIScheme
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrRedirectURINotAbsolute
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return ErrRedirectURIFragment
	}
	switch strings.ToLower(u.Scheme) {
	case "javascript", "data", "vbscript", "file":
		return ErrRedirectURIScheme
	}
	return nil
}

// AppendQuery adds params to rawURL. The URL's existing query is kept
// byte-for-byte; only the new params are encoded.
func AppendQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	extra := params.Encode()
	switch {
	case extra == "":
	case u.RawQuery == "":
		u.RawQuery = extra
	default:
		u.RawQuery += "&" + extra
	}
	return u.String(), nil
}

package store

import "errors"

var (
	// ErrRecordNotFound wraps GORM's not found error for consistency
	ErrRecordNotFound = errors.New("record not found")

	// ErrAuthCodeUnavailable is returned by ConsumeAuthorizationCode when no
	// row matched the conditional update: the code is unknown, expired,
	// already consumed, or bound to another client or redirect URI.
	ErrAuthCodeUnavailable = errors.New("authorization code unavailable")

	// ErrRefreshTokenUnavailable is returned by UseRefreshToken when the
	// token is no longer active, has expired, or was spent by a concurrent
	// rotation.
	ErrRefreshTokenUnavailable = errors.New("refresh token unavailable")

	// ErrClientAlreadyRevoked is returned when revoking a revoked client
	ErrClientAlreadyRevoked = errors.New("client already revoked")
)

package models

import (
	"time"
)

// Token categories
const (
	TokenCategoryAccess  = "access"
	TokenCategoryRefresh = "refresh"
)

// Token statuses
const (
	TokenStatusActive  = "active"
	TokenStatusRevoked = "revoked"
)

// AccessToken stores both access and refresh tokens. Only a salted PBKDF2
// hash of the token is persisted; TokenLookupID is a short non-secret suffix
// used to find candidate rows.
type AccessToken struct {
	ID              string `gorm:"primaryKey;size:36"`
	TokenHash       string `gorm:"not null"`
	TokenSalt       string `gorm:"not null"`
	TokenLookupID   string `gorm:"index;size:16;not null"`
	RawToken        string `gorm:"-"` // In-memory only; never persisted to DB
	TokenType       string `gorm:"not null;default:'Bearer'"`
	TokenCategory   string `gorm:"not null;default:'access';index"` // 'access' or 'refresh'
	Status          string `gorm:"not null;default:'active';index"` // 'active' or 'revoked'
	ClientID        string `gorm:"not null;index"`
	OrganizationID  string `gorm:"not null;index"`
	UserID          string `gorm:"index"` // empty for client_credentials
	Scopes          string `gorm:"not null"` // space-separated scopes
	HospitalRole    string
	DepartmentID    string
	DataAccessScope string `gorm:"not null;default:'organization'"`
	GrantType       string `gorm:"not null"`
	ExpiresAt       time.Time `gorm:"index"`
	CreatedAt       time.Time
	LastUsedAt      *time.Time
	RevokedAt       *time.Time
	ParentTokenID   string `gorm:"index"` // Links tokens to the refresh token they came from
}

func (t *AccessToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsActive returns true if token status is 'active'
func (t *AccessToken) IsActive() bool {
	return t.Status == TokenStatusActive
}

// IsRevoked returns true if token status is 'revoked'
func (t *AccessToken) IsRevoked() bool {
	return t.Status == TokenStatusRevoked
}

// IsAccessToken returns true if token category is 'access'
func (t *AccessToken) IsAccessToken() bool {
	return t.TokenCategory == TokenCategoryAccess
}

// IsRefreshToken returns true if token category is 'refresh'
func (t *AccessToken) IsRefreshToken() bool {
	return t.TokenCategory == TokenCategoryRefresh
}

func (AccessToken) TableName() string {
	return "access_tokens"
}

package models

import "time"

// AuthorizationCode stores OAuth 2.0 authorization codes (RFC 6749).
// Codes are short-lived (default 10 minutes) and single-use: the only
// mutation is the conditional flip of Consumed during redemption.
type AuthorizationCode struct {
	ID   uint   `gorm:"primaryKey;autoIncrement"`
	UUID string `gorm:"uniqueIndex;size:36;not null"` // Public UUID for audit identification

	CodeHash string `gorm:"uniqueIndex;size:64;not null"` // SHA256(plainCode)

	ApplicationID  int64  `gorm:"not null;index"` // FK → OAuthClient.ID
	ClientID       string `gorm:"not null;index"`
	OrganizationID string `gorm:"not null;index"`
	UserID         string `gorm:"not null;index"`

	RedirectURI string `gorm:"not null"`
	Scopes      string `gorm:"not null"` // space-separated granted scopes

	// Hospital context captured at authorization time
	HospitalRole    string
	DepartmentID    string
	DataAccessScope string `gorm:"not null;default:'organization'"`

	// PKCE (RFC 7636)
	CodeChallenge       string `gorm:"default:''"`     // code_challenge (empty = PKCE not used)
	CodeChallengeMethod string `gorm:"default:'S256'"` // "S256" or "plain"

	ExpiresAt  time.Time  `gorm:"index"`
	Consumed   bool       `gorm:"not null;default:false;index"`
	ConsumedAt *time.Time // Set atomically upon exchange; prevents replay
	CreatedAt  time.Time
}

func (a *AuthorizationCode) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

func (a *AuthorizationCode) IsUsed() bool {
	return a.Consumed
}

func (AuthorizationCode) TableName() string {
	return "authorization_codes"
}

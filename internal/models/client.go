package models

import (
	"errors"
	"time"

	"github.com/hospitalgate/authgate/internal/util"

	"golang.org/x/crypto/bcrypt"
)

// Client types (RFC 6749 §2.1)
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Grant types a client may be allowed to use
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Data access levels, from widest to narrowest
const (
	DataAccessOrganization = "organization"
	DataAccessDepartment   = "department"
	DataAccessPatient      = "patient"
)

const (
	clientIDPrefix     = "hgc_"
	clientSecretPrefix = "hgs_"
)

// ErrPHIRequiresAudit is returned when a client is granted PHI access without
// mandatory auditing.
var ErrPHIRequiresAudit = errors.New("phi_access requires audit_required")

// OAuthClient is a registered integration belonging to one hospital
// organization. Clients are never hard-deleted; revocation sets RevokedAt.
type OAuthClient struct {
	ID                 int64       `gorm:"primaryKey;autoIncrement"`
	ClientID           string      `gorm:"uniqueIndex;size:80;not null"`
	ClientSecretHash   string      `gorm:"not null;default:''"` // bcrypt hashed secret
	OrganizationID     string      `gorm:"index;size:64;not null"`
	ClientName         string      `gorm:"not null"`
	Description        string      `gorm:"type:text"`
	ClientType         string      `gorm:"not null;default:'confidential'"`
	RedirectURIs       StringArray `gorm:"type:json"`
	GrantTypes         StringArray `gorm:"type:json"`
	Scopes             StringArray `gorm:"type:json"`
	AllowedDepartments StringArray `gorm:"type:json"`
	DataAccessLevel    string      `gorm:"not null;default:'organization'"`
	PHIAccess          bool        `gorm:"not null;default:false"`
	AuditRequired      bool        `gorm:"not null;default:false"`
	RateLimitRequests  int         `gorm:"not null;default:0"` // 0 = server default
	RateLimitWindow    int         `gorm:"not null;default:0"` // seconds
	AccessTokenTTL     int         `gorm:"not null;default:0"` // seconds, 0 = server default
	RefreshTokenTTL    int         `gorm:"not null;default:0"` // seconds, 0 = server default
	IsActive           bool        `gorm:"not null;default:true"`
	RevokedAt          *time.Time  `gorm:"index"`
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TenantTag derives the stable, non-reversible tenant fragment embedded in
// client IDs of one organization.
func TenantTag(organizationID string) string {
	return util.SHA256Hex(organizationID)[:8]
}

// GenerateClientID returns a new client ID of the form hgc_<tenant>_<random>.
func GenerateClientID(organizationID string) (string, error) {
	suffix, err := util.RandomBase32(10)
	if err != nil {
		return "", err
	}
	return clientIDPrefix + TenantTag(organizationID) + "_" + suffix, nil
}

// GenerateClientSecret will generate the client secret and returns the plaintext and saves the hash at the database
func (c *OAuthClient) GenerateClientSecret() (string, error) {
	encoded, err := util.RandomBase32(32)
	if err != nil {
		return "", err
	}
	// Add a prefix to the base32, this is in order to make it easier
	// for code scanners to grab sensitive tokens.
	clientSecret := clientSecretPrefix + encoded

	hashedSecret, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	c.ClientSecretHash = string(hashedSecret)
	return clientSecret, nil
}

// ValidateClientSecret validates the given secret by the hash saved in database
func (c *OAuthClient) ValidateClientSecret(secret []byte) bool {
	if c.ClientSecretHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), secret) == nil
}

// CheckInvariants validates field combinations that must always hold.
func (c *OAuthClient) CheckInvariants() error {
	if c.PHIAccess && !c.AuditRequired {
		return ErrPHIRequiresAudit
	}
	return nil
}

func (c *OAuthClient) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

func (c *OAuthClient) IsRevoked() bool {
	return c.RevokedAt != nil
}

// IsUsable reports whether the client may obtain or present tokens.
func (c *OAuthClient) IsUsable() bool {
	return c.IsActive && !c.IsRevoked()
}

func (c *OAuthClient) AllowsGrant(grantType string) bool {
	return c.GrantTypes.Contains(grantType)
}

func (c *OAuthClient) AllowsDepartment(departmentID string) bool {
	if len(c.AllowedDepartments) == 0 {
		return true
	}
	return c.AllowedDepartments.Contains(departmentID)
}

// TableName overrides the table name used by OAuthClient to `oauth_clients`
func (OAuthClient) TableName() string {
	return "oauth_clients"
}

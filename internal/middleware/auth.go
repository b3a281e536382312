package middleware

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/oautherr"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// PlatformTokenCookie carries the platform identity token for browser flows
const PlatformTokenCookie = "platform_token"

var (
	ErrLoginRequired = oautherr.New(oautherr.AccessDenied, "platform login required")
	ErrAdminRequired = oautherr.New(oautherr.AccessDenied, "admin access required")

	errIdentityExpired = errors.New("identity token expired")
	errIdentityInvalid = errors.New("identity token invalid")
)

// PlatformAuth verifies the HS256 identity tokens issued by the platform's
// login service. Users are never stored here; every request carries its
// own signed claims.
type PlatformAuth struct {
	secret []byte
	issuer string
}

func NewPlatformAuth(secret, issuer string) *PlatformAuth {
	return &PlatformAuth{secret: []byte(secret), issuer: issuer}
}

// ParseUser verifies tokenString and returns the user it asserts. sub and
// org_id are mandatory.
func (a *PlatformAuth) ParseUser(tokenString string) (*models.User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errIdentityExpired
		}
		return nil, fmt.Errorf("%w: %v", errIdentityInvalid, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errIdentityInvalid
	}

	sub, _ := claims["sub"].(string)
	orgID, _ := claims["org_id"].(string)
	if sub == "" || orgID == "" {
		return nil, fmt.Errorf("%w: sub and org_id are required", errIdentityInvalid)
	}

	role, _ := claims["role"].(string)
	if role != models.RoleAdmin {
		role = models.RoleUser
	}
	username, _ := claims["preferred_username"].(string)
	email, _ := claims["email"].(string)
	hospitalRole, _ := claims["hospital_role"].(string)
	departmentID, _ := claims["department_id"].(string)

	return &models.User{
		ID:             sub,
		Username:       username,
		Email:          email,
		OrganizationID: orgID,
		Role:           role,
		HospitalRole:   hospitalRole,
		DepartmentID:   departmentID,
	}, nil
}

// RequireUser accepts the identity token from the Authorization header or
// the platform cookie and puts the user into the request context.
func (a *PlatformAuth) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw, _ = c.Cookie(PlatformTokenCookie)
		}
		if raw == "" {
			c.Header("WWW-Authenticate", `Bearer realm="HospitalGate"`)
			abortWithError(c, ErrLoginRequired)
			return
		}

		user, err := a.ParseUser(raw)
		if err != nil {
			log.Printf("[PlatformAuth] Rejected identity token from %s: %v", c.ClientIP(), err)
			c.Header("WWW-Authenticate", `Bearer realm="HospitalGate", error="invalid_token"`)
			abortWithError(c, ErrLoginRequired)
			return
		}

		c.Request = c.Request.WithContext(models.SetUserContext(c.Request.Context(), user))
		c.Next()
	}
}

// RequireAdmin must run after RequireUser
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := GetUser(c)
		if user == nil || !user.IsAdmin() {
			abortWithError(c, ErrAdminRequired)
			return
		}
		c.Next()
	}
}

// GetUser returns the authenticated platform user, or nil
func GetUser(c *gin.Context) *models.User {
	return models.GetUserFromContext(c.Request.Context())
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func abortWithError(c *gin.Context, err error) {
	status, body := oautherr.Response(err)
	c.AbortWithStatusJSON(status, body)
}

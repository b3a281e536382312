package models

// Platform roles carried in identity tokens
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is the platform identity asserted by the first-party login service.
// It is never persisted here; it arrives as signed claims on each request.
type User struct {
	ID             string
	Username       string
	Email          string
	OrganizationID string
	Role           string // platform role: "admin" or "user"
	HospitalRole   string // e.g. "physician", "nurse", "billing"
	DepartmentID   string // home department, optional
}

// IsAdmin returns true if the user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

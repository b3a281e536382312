package middleware

import (
	"context"

	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/services"

	"github.com/gin-gonic/gin"
)

const accessDecisionKey = "access_decision"

var ErrBearerRequired = oautherr.New(oautherr.InvalidRequest, "bearer token required")

// AccessAuthorizer makes resource access decisions for bearer tokens
type AccessAuthorizer interface {
	Authorize(ctx context.Context, req services.AccessRequest) *services.AccessDecision
}

// RequireAccess guards a resource server route. The department comes from
// the X-Department-ID header or department_id query parameter, the patient
// from the :patient_id route parameter or X-Patient-ID header.
func RequireAccess(authorizer AccessAuthorizer, resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.Header("WWW-Authenticate", `Bearer realm="HospitalGate"`)
			abortWithError(c, ErrBearerRequired)
			return
		}

		departmentID := c.GetHeader("X-Department-ID")
		if departmentID == "" {
			departmentID = c.Query("department_id")
		}
		patientID := c.Param("patient_id")
		if patientID == "" {
			patientID = c.GetHeader("X-Patient-ID")
		}

		decision := authorizer.Authorize(c.Request.Context(), services.AccessRequest{
			Token:        token,
			Resource:     resource,
			Action:       action,
			DepartmentID: departmentID,
			PatientID:    patientID,
		})
		if !decision.Allowed {
			if decision.Reason == oautherr.InvalidGrant {
				c.Header("WWW-Authenticate", `Bearer realm="HospitalGate", error="invalid_token"`)
			}
			abortWithError(c, decision.Err())
			return
		}

		c.Set(accessDecisionKey, decision)
		c.Next()
	}
}

// GetAccessDecision returns the decision RequireAccess made for this request
func GetAccessDecision(c *gin.Context) *services.AccessDecision {
	if v, ok := c.Get(accessDecisionKey); ok {
		if d, ok := v.(*services.AccessDecision); ok {
			return d
		}
	}
	return nil
}

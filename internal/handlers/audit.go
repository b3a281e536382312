package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/middleware"
	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/services"
	"github.com/hospitalgate/authgate/internal/store"

	"github.com/gin-gonic/gin"
)

const (
	// queryValueTrue represents the string "true" used in query parameters
	queryValueTrue = "true"
	// exportLimit caps a single CSV export
	exportLimit = 10000
)

// AuditHandler serves the audit trail to organization administrators
type AuditHandler struct {
	auditService *services.AuditService
	metrics      metrics.Recorder
}

func NewAuditHandler(auditService *services.AuditService, m metrics.Recorder) *AuditHandler {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &AuditHandler{auditService: auditService, metrics: m}
}

// ListAuditLogs handles GET /admin/audit with pagination and filtering
func (h *AuditHandler) ListAuditLogs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	params := store.NewPaginationParams(page, pageSize, c.Query("search"))
	filters := parseAuditFilters(c)

	logs, pagination, err := h.auditService.GetAuditLogs(c.Request.Context(), params, filters)
	if err != nil {
		respondError(c, h.metrics, "admin_audit",
			oautherr.Wrap(oautherr.ServerError, "failed to retrieve audit logs", err))
		return
	}

	// Reading the audit trail is itself audited
	h.auditService.Log(c.Request.Context(), services.AuditLogEntry{
		EventType:      models.EventTypeAuditLogView,
		Severity:       models.SeverityInfo,
		OrganizationID: filters.OrganizationID,
		ResourceType:   models.ResourceAuditLog,
		Action:         "Viewed audit logs",
		Details: models.AuditDetails{
			"page":      params.Page,
			"page_size": params.PageSize,
			"filters":   filters,
		},
		Success:       true,
		RequestPath:   c.Request.URL.Path,
		RequestMethod: c.Request.Method,
	})

	c.JSON(http.StatusOK, gin.H{
		"logs":       logs,
		"pagination": paginationJSON(pagination),
	})
}

// GetAuditLogStats handles GET /admin/audit/stats. Without a time range
// the last 30 days are counted.
func (h *AuditHandler) GetAuditLogStats(c *gin.Context) {
	filters := parseAuditFilters(c)
	if filters.StartTime.IsZero() && filters.EndTime.IsZero() {
		filters.EndTime = time.Now()
		filters.StartTime = filters.EndTime.Add(-30 * 24 * time.Hour)
	}

	stats, err := h.auditService.GetAuditLogStats(c.Request.Context(), filters)
	if err != nil {
		respondError(c, h.metrics, "admin_audit",
			oautherr.Wrap(oautherr.ServerError, "failed to retrieve audit log statistics", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":      stats,
		"start_time": filters.StartTime,
		"end_time":   filters.EndTime,
	})
}

// ExportAuditLogs handles GET /admin/audit/export as CSV
func (h *AuditHandler) ExportAuditLogs(c *gin.Context) {
	filters := parseAuditFilters(c)
	params := store.PaginationParams{Page: 1, PageSize: exportLimit}

	logs, _, err := h.auditService.GetAuditLogs(c.Request.Context(), params, filters)
	if err != nil {
		respondError(c, h.metrics, "admin_audit",
			oautherr.Wrap(oautherr.ServerError, "failed to retrieve audit logs", err))
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf(
		"attachment; filename=audit_logs_%s.csv",
		time.Now().Format("2006-01-02"),
	))

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	if err := writer.Write([]string{
		"Event Time",
		"Event Type",
		"Severity",
		"Client ID",
		"Actor User ID",
		"Actor IP",
		"Resource Type",
		"Resource ID",
		"Action",
		"Success",
		"Error Message",
	}); err != nil {
		return
	}

	for _, log := range logs {
		successStr := "Yes"
		if !log.Success {
			successStr = "No"
		}
		if err := writer.Write([]string{
			log.EventTime.Format(time.RFC3339),
			string(log.EventType),
			string(log.Severity),
			log.ClientID,
			log.ActorUserID,
			log.ActorIP,
			string(log.ResourceType),
			log.ResourceID,
			log.Action,
			successStr,
			log.ErrorMessage,
		}); err != nil {
			return
		}
	}

	h.auditService.Log(c.Request.Context(), services.AuditLogEntry{
		EventType:      models.EventTypeAuditLogExported,
		Severity:       models.SeverityInfo,
		OrganizationID: filters.OrganizationID,
		ResourceType:   models.ResourceAuditLog,
		Action:         "Exported audit logs to CSV",
		Details: models.AuditDetails{
			"record_count": len(logs),
			"filters":      filters,
		},
		Success:       true,
		RequestPath:   c.Request.URL.Path,
		RequestMethod: c.Request.Method,
	})
}

// parseAuditFilters reads the filter query parameters. The organization is
// always the administrator's own; unparseable times are ignored.
func parseAuditFilters(c *gin.Context) store.AuditLogFilters {
	filters := store.AuditLogFilters{
		OrganizationID: middleware.GetUser(c).OrganizationID,
		ClientID:       c.Query("client_id"),
		EventType:      models.EventType(c.Query("event_type")),
		ActorUserID:    c.Query("actor_user_id"),
		ResourceType:   models.ResourceType(c.Query("resource_type")),
		ResourceID:     c.Query("resource_id"),
		Severity:       models.EventSeverity(c.Query("severity")),
		ActorIP:        c.Query("actor_ip"),
		Search:         c.Query("search"),
	}

	if successStr := c.Query("success"); successStr != "" {
		success := successStr == queryValueTrue
		filters.Success = &success
	}
	if startTimeStr := c.Query("start_time"); startTimeStr != "" {
		if t, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			filters.StartTime = t
		}
	}
	if endTimeStr := c.Query("end_time"); endTimeStr != "" {
		if t, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			filters.EndTime = t
		}
	}
	return filters
}

package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAuditLogs(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	entries := []services.AuditLogEntry{
		{
			EventType:      models.EventPHIAccessGranted,
			OrganizationID: testOrg,
			ClientID:       "hgc_emr",
			ResourceType:   models.ResourcePatientData,
			ResourceID:     "patient-7",
			Action:         "PHI access granted",
			Success:        true,
		},
		{
			EventType:      models.EventPHIAccessDenied,
			Severity:       models.SeverityWarning,
			OrganizationID: testOrg,
			ClientID:       "hgc_emr",
			ResourceType:   models.ResourcePatientData,
			ResourceID:     "patient-8",
			Action:         "PHI access denied",
			Success:        false,
		},
		{
			EventType:      models.EventPHIAccessGranted,
			OrganizationID: "org-general",
			ClientID:       "hgc_other",
			ResourceType:   models.ResourcePatientData,
			Action:         "PHI access granted",
			Success:        true,
		},
	}
	for _, e := range entries {
		require.NoError(t, env.audit.LogSync(ctx, e))
	}
}

func TestListAuditLogs(t *testing.T) {
	env := newTestEnv(t)
	seedAuditLogs(t, env)

	w := env.get("/admin/audit")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Logs       []models.AuditLog `json:"logs"`
		Pagination map[string]any    `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Logs, 2)
	for _, l := range body.Logs {
		assert.Equal(t, testOrg, l.OrganizationID)
	}

	w = env.get("/admin/audit?success=false")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Logs, 1)
	assert.Equal(t, models.EventPHIAccessDenied, body.Logs[0].EventType)
}

func TestGetAuditLogStats(t *testing.T) {
	env := newTestEnv(t)
	seedAuditLogs(t, env)

	w := env.get("/admin/audit/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Stats struct {
			TotalEvents  int64 `json:"total_events"`
			SuccessCount int64 `json:"success_count"`
			FailureCount int64 `json:"failure_count"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body.Stats.TotalEvents)
	assert.EqualValues(t, 1, body.Stats.SuccessCount)
	assert.EqualValues(t, 1, body.Stats.FailureCount)
}

func TestExportAuditLogs(t *testing.T) {
	env := newTestEnv(t)
	seedAuditLogs(t, env)

	w := env.get("/admin/audit/export?event_type=PHI_ACCESS_GRANTED")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "audit_logs_")

	rows, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Event Time", rows[0][0])
	assert.Equal(t, "PHI_ACCESS_GRANTED", rows[1][1])
	assert.Equal(t, "hgc_emr", rows[1][3])
	assert.Equal(t, "Yes", rows[1][9])
}

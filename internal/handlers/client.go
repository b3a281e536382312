package handlers

import (
	"net/http"
	"strconv"

	"github.com/hospitalgate/authgate/internal/metrics"
	"github.com/hospitalgate/authgate/internal/middleware"
	"github.com/hospitalgate/authgate/internal/oautherr"
	"github.com/hospitalgate/authgate/internal/services"
	"github.com/hospitalgate/authgate/internal/store"

	"github.com/gin-gonic/gin"
)

var errMalformedClient = oautherr.New(oautherr.InvalidRequest, "request body must be a JSON client definition")

// ClientHandler is the admin API of the client registry. Every route acts
// on the calling administrator's organization only.
type ClientHandler struct {
	clientService *services.ClientService
	metrics       metrics.Recorder
}

func NewClientHandler(cs *services.ClientService, m metrics.Recorder) *ClientHandler {
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &ClientHandler{clientService: cs, metrics: m}
}

// CreateClient handles POST /admin/clients. The plaintext secret is in
// this response and nowhere else.
func (h *ClientHandler) CreateClient(c *gin.Context) {
	var req services.CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.metrics, "admin_clients", errMalformedClient)
		return
	}

	user := middleware.GetUser(c)
	resp, err := h.clientService.CreateClient(c.Request.Context(), user.OrganizationID, user.ID, req)
	if err != nil {
		respondError(c, h.metrics, "admin_clients", err)
		return
	}

	noStore(c)
	c.JSON(http.StatusCreated, resp)
}

// ListClients handles GET /admin/clients?page=&page_size=&search=
func (h *ClientHandler) ListClients(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	params := store.NewPaginationParams(page, pageSize, c.Query("search"))

	clients, pagination, err := h.clientService.ListClients(
		c.Request.Context(),
		middleware.GetUser(c).OrganizationID,
		params,
	)
	if err != nil {
		respondError(c, h.metrics, "admin_clients", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clients":    clients,
		"pagination": paginationJSON(pagination),
	})
}

// GetClient handles GET /admin/clients/:id
func (h *ClientHandler) GetClient(c *gin.Context) {
	client, err := h.clientService.GetClient(
		c.Request.Context(),
		c.Param("id"),
		middleware.GetUser(c).OrganizationID,
	)
	if err != nil {
		respondError(c, h.metrics, "admin_clients", err)
		return
	}
	c.JSON(http.StatusOK, client)
}

// UpdateClient handles PATCH /admin/clients/:id. Omitted fields keep
// their current values.
func (h *ClientHandler) UpdateClient(c *gin.Context) {
	var req services.UpdateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.metrics, "admin_clients", errMalformedClient)
		return
	}

	client, err := h.clientService.UpdateClient(
		c.Request.Context(),
		c.Param("id"),
		middleware.GetUser(c).OrganizationID,
		req,
	)
	if err != nil {
		respondError(c, h.metrics, "admin_clients", err)
		return
	}
	c.JSON(http.StatusOK, client)
}

// RevokeClient handles POST /admin/clients/:id/revoke. The client's tokens
// are revoked with it.
func (h *ClientHandler) RevokeClient(c *gin.Context) {
	err := h.clientService.RevokeClient(
		c.Request.Context(),
		c.Param("id"),
		middleware.GetUser(c).OrganizationID,
	)
	if err != nil {
		respondError(c, h.metrics, "admin_clients", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RotateSecret handles POST /admin/clients/:id/secret
func (h *ClientHandler) RotateSecret(c *gin.Context) {
	resp, err := h.clientService.RotateSecret(
		c.Request.Context(),
		c.Param("id"),
		middleware.GetUser(c).OrganizationID,
	)
	if err != nil {
		respondError(c, h.metrics, "admin_clients", err)
		return
	}

	noStore(c)
	c.JSON(http.StatusOK, resp)
}

func paginationJSON(p store.PaginationResult) gin.H {
	return gin.H{
		"total":        p.Total,
		"total_pages":  p.TotalPages,
		"current_page": p.CurrentPage,
		"page_size":    p.PageSize,
		"has_prev":     p.HasPrev,
		"has_next":     p.HasNext,
	}
}

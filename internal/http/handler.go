package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ebuilderhost/provisioner/internal/config"
	"github.com/ebuilderhost/provisioner/internal/docker"
	"github.com/ebuilderhost/provisioner/internal/models"
	"github.com/ebuilderhost/provisioner/internal/repository"
	"github.com/ebuilderhost/provisioner/internal/service"
)

// Handler holds the HTTP handlers for admin and maintenance endpoints.
type Handler struct {
	cfg       *config.Config
	orch      *service.Orchestrator
	proc      *service.Processor
	rec       *service.Reconciler
	monitor   *service.HealthMonitor
	instances service.InstanceStore
	customers service.CustomerStore
	logs      service.ActionLogger
}

func NewHandler(
	cfg *config.Config,
	orch *service.Orchestrator,
	proc *service.Processor,
	rec *service.Reconciler,
	monitor *service.HealthMonitor,
	instances service.InstanceStore,
	customers service.CustomerStore,
	logs service.ActionLogger,
) *Handler {
	return &Handler{
		cfg:       cfg,
		orch:      orch,
		proc:      proc,
		rec:       rec,
		monitor:   monitor,
		instances: instances,
		customers: customers,
		logs:      logs,
	}
}

// ==================== Admin API ====================

// ListInstances handles GET /api/admin/instances
func (h *Handler) ListInstances(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	insts, err := h.instances.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]*models.InstanceResponse, 0, len(insts))
	for _, inst := range insts {
		out = append(out, h.instanceResponse(inst))
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}

// GetInstance handles GET /api/admin/instances/:id
func (h *Handler) GetInstance(c *gin.Context) {
	inst, ok := h.loadInstance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.instanceResponse(inst))
}

// GetInstanceLogs handles GET /api/admin/instances/:id/logs
func (h *Handler) GetInstanceLogs(c *gin.Context) {
	inst, ok := h.loadInstance(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.logs.ListByInstance(c.Request.Context(), inst.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]*models.LogResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, &models.LogResponse{
			Action:    e.Action,
			Status:    e.Status,
			Message:   e.Message,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": out})
}

// StartInstance handles POST /api/admin/instances/:id/start
func (h *Handler) StartInstance(c *gin.Context) {
	h.lifecycleAction(c, h.orch.StartInstance)
}

// StopInstance handles POST /api/admin/instances/:id/stop
func (h *Handler) StopInstance(c *gin.Context) {
	h.lifecycleAction(c, h.orch.StopInstance)
}

// RestartInstance handles POST /api/admin/instances/:id/restart
func (h *Handler) RestartInstance(c *gin.Context) {
	h.lifecycleAction(c, h.orch.RestartInstance)
}

// RetryInstance handles POST /api/admin/instances/:id/retry
func (h *Handler) RetryInstance(c *gin.Context) {
	inst, ok := h.loadInstance(c)
	if !ok {
		return
	}

	if err := h.orch.RetryProvisioning(c.Request.Context(), inst.ID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "provisioned"})
}

// UpdateInstance handles POST /api/admin/instances/:id/update
func (h *Handler) UpdateInstance(c *gin.Context) {
	inst, ok := h.loadInstance(c)
	if !ok {
		return
	}

	if err := h.orch.UpdateInstance(c.Request.Context(), inst.ID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// TerminateInstance handles POST /api/admin/instances/:id/terminate
func (h *Handler) TerminateInstance(c *gin.Context) {
	inst, ok := h.loadInstance(c)
	if !ok {
		return
	}

	if err := h.orch.TerminateInstance(c.Request.Context(), inst.ID, "operator terminate"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetInstanceHealth handles GET /api/admin/instances/:id/health
func (h *Handler) GetInstanceHealth(c *gin.Context) {
	inst, ok := h.loadInstance(c)
	if !ok {
		return
	}

	health, err := h.orch.InstanceHealth(c.Request.Context(), inst.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := &models.InstanceHealthResponse{
		Healthy: health == docker.Healthy,
		Health:  string(health),
	}
	if inst.LastHealthCheck != nil {
		s := inst.LastHealthCheck.Format(time.RFC3339)
		resp.LastCheck = &s
	}
	c.JSON(http.StatusOK, resp)
}

// GetInstanceStats handles GET /api/admin/instances/:id/stats
func (h *Handler) GetInstanceStats(c *gin.Context) {
	inst, ok := h.loadInstance(c)
	if !ok {
		return
	}

	stats, err := h.orch.InstanceStats(c.Request.Context(), inst.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, &models.InstanceStatsResponse{
		CPUPercent:    stats.CPUPercent,
		MemoryUsageMB: stats.MemoryUsageMB,
		MemoryPercent: stats.MemoryPercent,
	})
}

// ListCustomers handles GET /api/admin/customers
func (h *Handler) ListCustomers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	customers, err := h.customers.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]*models.CustomerResponse, 0, len(customers))
	for _, cust := range customers {
		out = append(out, &models.CustomerResponse{
			ID:               cust.ID,
			Email:            cust.Email,
			StoreName:        cust.StoreName,
			StripeCustomerID: cust.StripeCustomerID,
			CreatedAt:        cust.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"customers": out})
}

// GetDashboardStats handles GET /api/admin/stats
func (h *Handler) GetDashboardStats(c *gin.Context) {
	stats, err := h.orch.DashboardStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ==================== Maintenance API ====================

// Sync handles POST /api/internal/sync
func (h *Handler) Sync(c *gin.Context) {
	report, err := h.rec.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Cleanup handles POST /api/internal/cleanup
func (h *Handler) Cleanup(c *gin.Context) {
	removed, err := h.orch.CleanupDeleted(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, &models.CleanupResponse{Removed: removed})
}

// RegenerateProxyConfigs handles POST /api/internal/nginx/regenerate
func (h *Handler) RegenerateProxyConfigs(c *gin.Context) {
	resp, err := h.orch.RegenerateProxyConfigs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HealthCheckAll handles POST /api/internal/health-check
func (h *Handler) HealthCheckAll(c *gin.Context) {
	h.monitor.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ==================== helpers ====================

func (h *Handler) lifecycleAction(c *gin.Context, fn func(ctx context.Context, id string) error) {
	inst, ok := h.loadInstance(c)
	if !ok {
		return
	}

	if err := fn(c.Request.Context(), inst.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) loadInstance(c *gin.Context) (*models.Instance, bool) {
	inst, err := h.instances.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return inst, true
}

func (h *Handler) instanceResponse(inst *models.Instance) *models.InstanceResponse {
	resp := &models.InstanceResponse{
		ID:            inst.ID,
		CustomerID:    inst.CustomerID,
		Subdomain:     inst.Subdomain,
		URL:           "https://" + inst.FullHost(h.cfg.Provisioner.BaseDomain),
		Port:          inst.Port,
		ContainerID:   inst.ContainerID,
		ContainerName: inst.ContainerName,
		Status:        inst.Status,
		StatusMessage: inst.StatusMessage,
		SiteName:      inst.SiteName,
		AdminEmail:    inst.AdminEmail,
		CreatedAt:     inst.CreatedAt.Format(time.RFC3339),
	}
	if inst.LastHealthCheck != nil {
		s := inst.LastHealthCheck.Format(time.RFC3339)
		resp.LastHealthCheck = &s
	}
	if inst.LastReconciled != nil {
		s := inst.LastReconciled.Format(time.RFC3339)
		resp.LastReconciled = &s
	}
	return resp
}

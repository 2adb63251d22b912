// Package controller exposes the operations endpoints: the concurrency
// table, gate stats, provider and adapter configuration, and system stats.
package controller

import (
	"ojforge/internal/common/http/middleware"
	"ojforge/internal/gate"
	"ojforge/internal/system/service"
	"ojforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SystemController handles the concurrency and stats endpoints.
type SystemController struct {
	systemService *service.SystemService
}

// NewSystemController creates a new SystemController.
func NewSystemController(systemService *service.SystemService) *SystemController {
	return &SystemController{systemService: systemService}
}

// RegisterRoutes mounts the read-only endpoints on an authenticated group.
func (h *SystemController) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/concurrency", h.GetConcurrency)
	g.GET("/concurrency/stats", h.GateStats)
	g.GET("/concurrency/queue", h.Queue)
	g.GET("/system/stats", h.SystemStats)
}

// RegisterAdminRoutes mounts the mutating endpoints.
func (h *SystemController) RegisterAdminRoutes(g *gin.RouterGroup) {
	g.PUT("/concurrency", h.UpdateConcurrency)
	g.POST("/concurrency/presets/:name", h.ApplyPreset)
}

// GetConcurrency returns the active gate table.
func (h *SystemController) GetConcurrency(c *gin.Context) {
	response.Success(c, h.systemService.Concurrency())
}

// UpdateConcurrency replaces the gate table. Omitted or non-positive
// fields fall back to their defaults.
func (h *SystemController) UpdateConcurrency(c *gin.Context) {
	var cfg gate.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	applied, err := h.systemService.UpdateConcurrency(c.Request.Context(), middleware.CurrentUserID(c), cfg)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, applied)
}

// ApplyPreset loads one of the named sizing presets.
func (h *SystemController) ApplyPreset(c *gin.Context) {
	applied, err := h.systemService.ApplyPreset(c.Request.Context(), middleware.CurrentUserID(c), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, applied)
}

// GateStats returns per-gate counters.
func (h *SystemController) GateStats(c *gin.Context) {
	response.Success(c, h.systemService.GateStats())
}

// Queue returns the admission queue depth.
func (h *SystemController) Queue(c *gin.Context) {
	response.Success(c, h.systemService.Queue())
}

// SystemStats returns the task, user and queue rollup.
func (h *SystemController) SystemStats(c *gin.Context) {
	stats, err := h.systemService.SystemStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, stats)
}

package controller

import (
	"ojforge/internal/adapter"
	"ojforge/internal/common/http/middleware"
	"ojforge/internal/llm"
	userservice "ojforge/internal/user/service"
	"ojforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ConfigController handles the adapter and LLM provider endpoints.
type ConfigController struct {
	configService *userservice.ConfigService
	pool          *llm.Pool
	adapters      *adapter.Registry
}

// NewConfigController creates a new ConfigController.
func NewConfigController(configService *userservice.ConfigService, pool *llm.Pool, adapters *adapter.Registry) *ConfigController {
	return &ConfigController{configService: configService, pool: pool, adapters: adapters}
}

// RegisterRoutes mounts the per-user endpoints on an authenticated group.
func (h *ConfigController) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/adapters", h.ListAdapters)
	g.PUT("/adapters/:name/config", h.SaveAdapterConfig)
	g.GET("/adapters/:name/training/:ref", h.ListTraining)
	g.GET("/providers", h.ListProviders)
	g.POST("/providers/:id/test", h.TestProvider)
	g.PUT("/providers/modules/:module", h.BindModule)
}

// RegisterAdminRoutes mounts provider credential management.
func (h *ConfigController) RegisterAdminRoutes(g *gin.RouterGroup) {
	g.PUT("/providers/:id", h.SaveProvider)
}

// ListAdapters returns the adapter catalog with the caller's config state.
func (h *ConfigController) ListAdapters(c *gin.Context) {
	statuses, err := h.configService.AdapterStatuses(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, statuses)
}

// AdapterConfigRequest carries a credential bag update. Enabled defaults
// to true; blank password fields keep their stored values.
type AdapterConfigRequest struct {
	Config  map[string]string `json:"config"`
	Enabled *bool             `json:"enabled"`
}

// SaveAdapterConfig upserts the caller's credential bag for one adapter.
func (h *ConfigController) SaveAdapterConfig(c *gin.Context) {
	var req AdapterConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	cfg, err := h.configService.SaveAdapterConfig(c.Request.Context(),
		middleware.CurrentUserID(c), c.Param("name"), req.Config, enabled)
	if err != nil {
		response.Error(c, err)
		return
	}

	// Echo which fields are set, never the values.
	fields := make([]string, 0, len(cfg.Config))
	for name := range cfg.Config {
		fields = append(fields, name)
	}
	response.Success(c, gin.H{
		"domain":     cfg.Domain,
		"enabled":    cfg.Enabled,
		"fields_set": fields,
	})
}

// ListTraining expands a training reference into raw problem ids.
func (h *ConfigController) ListTraining(c *gin.Context) {
	name := c.Param("name")
	lister, err := h.adapters.TrainingLister(name)
	if err != nil {
		response.Error(c, err)
		return
	}

	ids, err := lister.ListTrainingIDs(c.Request.Context(), c.Param("ref"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"adapter": name, "ids": ids})
}

// ListProviders returns the provider catalog, stored settings with keys
// masked, and the caller's module bindings.
func (h *ConfigController) ListProviders(c *gin.Context) {
	statuses, bindings, err := h.configService.ProviderStatuses(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"providers": statuses,
		"modules":   bindings,
	})
}

// ProviderRequest carries a provider credential update. A blank api_key
// keeps the stored key.
type ProviderRequest struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	Enabled bool   `json:"enabled"`
}

// SaveProvider upserts the instance-wide credentials for one provider.
func (h *ConfigController) SaveProvider(c *gin.Context) {
	var req ProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	cfg, err := h.configService.SaveProvider(c.Request.Context(),
		middleware.CurrentUserID(c), c.Param("id"), userservice.ProviderInput{
			APIKey:  req.APIKey,
			BaseURL: req.BaseURL,
			Model:   req.Model,
			Enabled: req.Enabled,
		})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"provider": cfg.Provider,
		"enabled":  cfg.Enabled,
		"key_set":  cfg.APIKey != "",
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
	})
}

// TestProviderRequest selects the test depth.
type TestProviderRequest struct {
	Full bool `json:"full"`
}

// TestProvider checks a provider config, optionally with one live prompt.
func (h *ConfigController) TestProvider(c *gin.Context) {
	var req TestProviderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request parameters")
			return
		}
	}

	result, err := h.pool.Test(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"), req.Full)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}

// BindModuleRequest names the provider to pin a module to.
type BindModuleRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// BindModule points one of the caller's endpoint modules at a provider.
func (h *ConfigController) BindModule(c *gin.Context) {
	var req BindModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	module := c.Param("module")
	if err := h.configService.BindModule(c.Request.Context(),
		middleware.CurrentUserID(c), module, req.Provider); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"module": module, "provider": req.Provider})
}

// Package controller exposes the account endpoints: register, login,
// logout, session check, invite administration and the activity log.
package controller

import (
	"strconv"

	"ojforge/internal/common/http/middleware"
	"ojforge/internal/user/service"
	"ojforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// AuthController handles the auth and account HTTP endpoints.
type AuthController struct {
	authService *service.AuthService
	activity    *service.Recorder
}

// NewAuthController creates a new AuthController.
func NewAuthController(authService *service.AuthService, activity *service.Recorder) *AuthController {
	return &AuthController{authService: authService, activity: activity}
}

// RegisterPublicRoutes mounts login and register, which need no token.
func (h *AuthController) RegisterPublicRoutes(g *gin.RouterGroup) {
	g.POST("/auth/login", h.Login)
	g.POST("/auth/register", h.Register)
}

// RegisterRoutes mounts the endpoints behind the auth middleware.
func (h *AuthController) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/auth/check", h.Check)
	g.POST("/auth/logout", h.Logout)
	g.GET("/activity", h.Activity)
}

// RegisterAdminRoutes mounts invite administration.
func (h *AuthController) RegisterAdminRoutes(g *gin.RouterGroup) {
	g.POST("/invites", h.CreateInvite)
	g.GET("/invites", h.ListInvites)
	g.DELETE("/invites/:code", h.DeleteInvite)
}

// RegisterRequest is the registration payload. The invite code is
// required unless registration is open or no account exists yet.
type RegisterRequest struct {
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	Email      string `json:"email"`
	InviteCode string `json:"invite_code"`
}

// Register handles account creation and signs the new account in.
func (h *AuthController) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	result, err := h.authService.Register(c.Request.Context(), service.RegisterInput{
		Username:   req.Username,
		Password:   req.Password,
		Email:      req.Email,
		InviteCode: req.InviteCode,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}

// LoginRequest is the login payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login handles credential login.
func (h *AuthController) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	result, err := h.authService.Login(c.Request.Context(), service.LoginInput{
		Username: req.Username,
		Password: req.Password,
		IP:       c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}

// Check returns the authenticated user behind the presented token.
func (h *AuthController) Check(c *gin.Context) {
	user, err := h.authService.Check(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, user)
}

// Logout revokes the session the request arrived on.
func (h *AuthController) Logout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), middleware.CurrentToken(c)); err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, "Logged out", nil)
}

// Activity returns recent activity entries, newest first. Admins may
// query any user or the whole log; everyone else sees their own.
func (h *AuthController) Activity(c *gin.Context) {
	userID := middleware.CurrentUserID(c)
	if middleware.IsAdmin(c) {
		userID = c.Query("user_id")
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.activity.Recent(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, entries)
}

// CreateInvite mints a single-use registration code.
func (h *AuthController) CreateInvite(c *gin.Context) {
	code, err := h.authService.CreateInvite(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, code)
}

// ListInvites returns all invite codes with their use state.
func (h *AuthController) ListInvites(c *gin.Context) {
	codes, err := h.authService.ListInvites(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, codes)
}

// DeleteInvite removes an unused invite code.
func (h *AuthController) DeleteInvite(c *gin.Context) {
	if err := h.authService.DeleteInvite(c.Request.Context(), middleware.CurrentUserID(c), c.Param("code")); err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, "Delete success", nil)
}

package handlers

import (
	"net/http"

	"bothost/internal/auth"
	"bothost/internal/bots"
	"bothost/internal/middleware"
	"bothost/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthResponse is returned by register and login.
type AuthResponse struct {
	User  *models.User `json:"user"`
	Token *auth.Token  `json:"token"`
}

// Register handles user registration
func (h *Handler) Register(c *gin.Context) {
	var req auth.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "email and password are required")
		return
	}

	user, err := h.Auth.Register(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	token, err := h.Auth.GenerateToken(user)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, user.ID, "user_register", userTarget(user.ID), "")
	h.logger.Info("user registered", zap.Uint("user_id", user.ID))

	respond(c, http.StatusCreated, AuthResponse{User: user, Token: token})
}

// Login handles user authentication
func (h *Handler) Login(c *gin.Context) {
	var req auth.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "email and password are required")
		return
	}

	user, token, err := h.Auth.Login(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.audit(c, user.ID, "user_login", userTarget(user.ID), "")
	respond(c, http.StatusOK, AuthResponse{User: user, Token: token})
}

// Me returns the authenticated user with their plan.
func (h *Handler) Me(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	user, err := h.Store.GetUser(c.Request.Context(), caller.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	plan, err := h.Store.PlanForUser(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	user.Plan = plan

	respond(c, http.StatusOK, user)
}

func requireCaller(c *gin.Context) (bots.Caller, bool) {
	caller, ok := middleware.GetCaller(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "NOT_AUTHENTICATED", "User not authenticated")
	}
	return caller, ok
}

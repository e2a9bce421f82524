package http

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"livecast/internal/core/services"
	"livecast/pkg/errors"
	"livecast/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	OperatorKey string `json:"operator_key" binding:"required,max=256"`
	Subject     string `json:"subject" binding:"max=50"`
	Role        string `json:"role" binding:"omitempty,oneof=viewer operator"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Role        string    `json:"role"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IssueToken exchanges the operator key for an access token.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject != "" {
		if err := validation.ValidateUsername(req.Subject); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	role := services.Role(req.Role)
	if role == "" {
		role = services.RoleOperator
	}
	token, expires, err := h.authService.IssueToken(req.OperatorKey, req.Subject, role)
	switch {
	case stderrors.Is(err, services.ErrInvalidOperatorKey):
		_ = c.Error(errors.NewUnauthorizedError("invalid operator key"))
		return
	case err != nil:
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		Role:        string(role),
		ExpiresAt:   expires,
	})
}

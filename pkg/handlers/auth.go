package handlers

import (
	"net/http"
	"strings"

	"news-site-backend/pkg/models"
	"news-site-backend/pkg/utils"
)

// AuthHandler 认证处理器。登录注册由用户服务负责，这里只提供令牌刷新
type AuthHandler struct {
	jwt *utils.JWTService
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwt *utils.JWTService) *AuthHandler {
	return &AuthHandler{jwt: jwt}
}

// RefreshToken 刷新令牌
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshTokenRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		utils.WriteValidationErrorResponse(w, "refresh_token is required", "refresh_token")
		return
	}

	accessToken, expiresIn, err := h.jwt.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Invalid or expired refresh token")
		return
	}

	utils.WriteSuccessResponse(w, models.TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   expiresIn,
	})
}

package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/service"
)

// EntitlementHandler 权益接口
type EntitlementHandler struct {
	entitlements *service.EntitlementService
	log          *zap.Logger
}

// NewEntitlementHandler 创建权益处理器
func NewEntitlementHandler(entitlements *service.EntitlementService, log *zap.Logger) *EntitlementHandler {
	return &EntitlementHandler{entitlements: entitlements, log: log}
}

type redeemRequest struct {
	LicenseKey string `json:"licenseKey" binding:"required"`
}

type entitlementResponse struct {
	IsPremium       bool   `json:"isPremium"`
	RetentionHours  int    `json:"retentionHours"`
	RetentionWindow string `json:"retentionWindow"`
}

// GetStatus 获取当前用户的权益状态
func (h *EntitlementHandler) GetStatus(c *gin.Context) {
	status := h.entitlements.Status(c.Request.Context(), middleware.UserID(c))
	Success(c, entitlementResponse{
		IsPremium:       status.IsPremium,
		RetentionHours:  int(status.RetentionWindow.Hours()),
		RetentionWindow: status.RetentionWindow.String(),
	})
}

// Redeem godoc
// @Summary 兑换许可证
// @Description 业务冲突（无效、已使用、已是高级用户）以 success=false 返回
// @Tags Entitlement
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body redeemRequest true "许可证"
// @Success 200 {object} Response{data=domain.RedeemResult}
// @Router /v1/entitlement/redeem [post]
func (h *EntitlementHandler) Redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if middleware.IsBodyTooLarge(err) {
			respondError(c, h.log, err)
			return
		}
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.entitlements.Redeem(c.Request.Context(), req.LicenseKey, middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, result)
}

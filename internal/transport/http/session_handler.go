package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/service"
)

// SessionHandler 邮箱会话历史接口
type SessionHandler struct {
	sessions *service.SessionService
	engines  *service.EngineRegistry
	log      *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(sessions *service.SessionService, engines *service.EngineRegistry, log *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, engines: engines, log: log}
}

type sessionListResponse struct {
	Items []domain.SessionSummary `json:"items"`
	Count int                     `json:"count"`
}

type activateResponse struct {
	Session domain.SessionSummary `json:"session"`
	Mailbox service.Snapshot      `json:"mailbox"`
}

type migrateResponse struct {
	Migrated   int  `json:"migrated"`
	HandedOver bool `json:"handedOver"`
}

// ListSessions godoc
// @Summary 列出未过期的邮箱会话
// @Tags Sessions
// @Produce json
// @Success 200 {object} Response{data=sessionListResponse}
// @Router /v1/sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context(), middleware.RequestScope(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	items := make([]domain.SessionSummary, 0, len(sessions))
	for i := range sessions {
		items = append(items, sessions[i].Summary())
	}
	Success(c, sessionListResponse{Items: items, Count: len(items)})
}

// ActivateSession godoc
// @Summary 切换到历史邮箱
// @Description 将会话设为唯一活跃会话，并用保存的凭据重新登录服务商
// @Tags Sessions
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {object} Response{data=activateResponse}
// @Router /v1/sessions/{id}/activate [post]
func (h *SessionHandler) ActivateSession(c *gin.Context) {
	ctx := c.Request.Context()
	scope := middleware.RequestScope(c)

	session, err := h.sessions.SwitchSession(ctx, scope, c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	engine, err := h.engines.Get(ctx, scope)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if err := engine.Activate(ctx, session); err != nil {
		respondError(c, h.log, err)
		return
	}

	Success(c, activateResponse{Session: session.Summary(), Mailbox: engine.Snapshot()})
}

// MigrateSessions godoc
// @Summary 登录后迁移匿名会话
// @Description 将当前浏览器的匿名会话转给登录用户，可重复调用
// @Tags Sessions
// @Security BearerAuth
// @Produce json
// @Success 200 {object} Response{data=migrateResponse}
// @Router /v1/sessions/migrate [post]
func (h *SessionHandler) MigrateSessions(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	browserID := middleware.BrowserSessionID(c)

	n, err := h.sessions.MigrateAnonymousSessions(ctx, userID, browserID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	handedOver, err := h.engines.Handover(ctx, domain.AnonymousScope(browserID), domain.UserScope(userID, browserID))
	if err != nil {
		h.log.Warn("mailbox handover failed", zap.String("user_id", userID), zap.Error(err))
	}

	Success(c, migrateResponse{Migrated: n, HandedOver: handedOver})
}

package httptransport

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/service"
)

// DomainLister 列出服务商当前可用的域名
type DomainLister interface {
	ListActiveDomains(ctx context.Context) []domain.ProviderDomain
}

// MailboxHandler 当前邮箱与邮件相关接口
type MailboxHandler struct {
	engines  *service.EngineRegistry
	provider DomainLister
	log      *zap.Logger
}

// NewMailboxHandler 创建邮箱处理器
func NewMailboxHandler(engines *service.EngineRegistry, provider DomainLister, log *zap.Logger) *MailboxHandler {
	return &MailboxHandler{engines: engines, provider: provider, log: log}
}

type domainListResponse struct {
	Domains []domain.ProviderDomain `json:"domains"`
	Count   int                     `json:"count"`
}

type messageListResponse struct {
	Email    string           `json:"email"`
	Messages []domain.Message `json:"messages"`
	Count    int              `json:"count"`
}

// ListDomains godoc
// @Summary 获取可用域名列表
// @Tags Mailbox
// @Produce json
// @Success 200 {object} Response{data=domainListResponse}
// @Router /v1/domains [get]
func (h *MailboxHandler) ListDomains(c *gin.Context) {
	domains := h.provider.ListActiveDomains(c.Request.Context())
	if len(domains) == 0 {
		ServiceUnavailable(c, MsgDomainsUnavailable, domainListResponse{Domains: []domain.ProviderDomain{}})
		return
	}
	Success(c, domainListResponse{Domains: domains, Count: len(domains)})
}

// GetMailbox godoc
// @Summary 获取当前邮箱状态
// @Tags Mailbox
// @Produce json
// @Success 200 {object} Response{data=service.Snapshot}
// @Router /v1/mailbox [get]
func (h *MailboxHandler) GetMailbox(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	Success(c, engine.Snapshot())
}

// GenerateMailbox godoc
// @Summary 生成新的临时邮箱
// @Description 丢弃当前邮箱并生成新邮箱，服务商暂时不可用时自动重试
// @Tags Mailbox
// @Produce json
// @Success 201 {object} Response{data=service.Snapshot}
// @Failure 502 {object} Response
// @Router /v1/mailbox [post]
func (h *MailboxHandler) GenerateMailbox(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	if err := engine.Generate(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	Created(c, engine.Snapshot())
}

// DeleteMailbox 删除当前邮箱，服务商侧删除失败不影响本地清理
func (h *MailboxHandler) DeleteMailbox(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	if err := engine.DeleteAccount(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "邮箱已删除", engine.Snapshot())
}

// ListMessages godoc
// @Summary 获取邮件列表
// @Description refresh=1 时立即向服务商拉取一次
// @Tags Mailbox
// @Produce json
// @Param refresh query bool false "立即刷新"
// @Success 200 {object} Response{data=messageListResponse}
// @Router /v1/mailbox/messages [get]
func (h *MailboxHandler) ListMessages(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}

	if refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false")); refresh {
		if _, err := engine.RefreshMessages(c.Request.Context()); err != nil {
			respondError(c, h.log, err)
			return
		}
	}

	snap := engine.Snapshot()
	if snap.Email == "" {
		respondError(c, h.log, domain.ErrNoMailbox)
		return
	}
	Success(c, messageListResponse{
		Email:    snap.Email,
		Messages: snap.Messages,
		Count:    len(snap.Messages),
	})
}

// GetMessage 获取邮件详情
func (h *MailboxHandler) GetMessage(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	detail, err := engine.GetMessageDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, detail)
}

// DeleteMessage 删除邮件
func (h *MailboxHandler) DeleteMessage(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	if err := engine.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "邮件已删除", nil)
}

// engine 获取请求作用域的引擎，失败时已写入响应
func (h *MailboxHandler) engine(c *gin.Context) (*service.MailboxEngine, bool) {
	engine, err := h.engines.Get(c.Request.Context(), middleware.RequestScope(c))
	if err != nil {
		respondError(c, h.log, err)
		return nil, false
	}
	return engine, true
}

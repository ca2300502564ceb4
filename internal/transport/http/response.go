package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 所有接口共用的 JSON 信封。
// code 与 HTTP 状态码保持一致，前端只需按 code 分支；msg 可直接展示给用户。
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, msg string, data any) {
	c.JSON(status, Response{Code: status, Msg: msg, Data: data})
}

// Success 200，附带邮箱快照、邮件列表等数据
func Success(c *gin.Context, data any) {
	respond(c, http.StatusOK, "成功", data)
}

// SuccessWithMsg 200，自定义提示，如“邮件已删除”
func SuccessWithMsg(c *gin.Context, msg string, data any) {
	respond(c, http.StatusOK, msg, data)
}

// Created 201，生成新邮箱等创建类操作
func Created(c *gin.Context, data any) {
	respond(c, http.StatusCreated, "创建成功", data)
}

func BadRequest(c *gin.Context, msg string) {
	respond(c, http.StatusBadRequest, msg, nil)
}

func Unauthorized(c *gin.Context, msg string) {
	respond(c, http.StatusUnauthorized, msg, nil)
}

func NotFound(c *gin.Context, msg string) {
	respond(c, http.StatusNotFound, msg, nil)
}

// ServiceUnavailable 503，健康检查失败时 data 携带各依赖的检查结果
func ServiceUnavailable(c *gin.Context, msg string, data any) {
	respond(c, http.StatusServiceUnavailable, msg, data)
}

func InternalError(c *gin.Context, msg string) {
	respond(c, http.StatusInternalServerError, msg, nil)
}

// Error 按给定状态码输出错误，供错误映射表使用
func Error(c *gin.Context, status int, msg string) {
	respond(c, status, msg, nil)
}

package handler

import (
	"net/http"
	"vault-drive-go/internal/service"

	"github.com/gin-gonic/gin"
)

// QuotaHandler 返回调用方的配额与用量。
type QuotaHandler struct {
	quota service.QuotaService
}

// NewQuotaHandler 创建一个新的 QuotaHandler 实例。
func NewQuotaHandler(quota service.QuotaService) *QuotaHandler {
	return &QuotaHandler{quota: quota}
}

// Usage 返回当前调用方的用量快照。
func (h *QuotaHandler) Usage(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	usage, err := h.quota.UsageFor(c.Request.Context(), caller)
	if err != nil {
		respondError(c, "Usage: failed to load usage", err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

package handler

import (
	"net/http"
	"time"
	"vault-drive-go/internal/service"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责运维类接口：配额覆盖、用量重算、目录计数修复与手动清理过期会话。
type AdminHandler struct {
	quota     service.QuotaService
	namespace service.NamespaceService
	sweeper   *service.Sweeper
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(quota service.QuotaService, namespace service.NamespaceService, sweeper *service.Sweeper) *AdminHandler {
	return &AdminHandler{quota: quota, namespace: namespace, sweeper: sweeper}
}

// SetQuotaRequest 定义了设置配额覆盖的请求体。QuotaBytes 为空表示清除覆盖，负数表示不限。
type SetQuotaRequest struct {
	QuotaBytes *int64 `json:"quotaBytes"`
}

// SetQuotaOverride 设置或清除某个用户的配额覆盖。
func (h *AdminHandler) SetQuotaOverride(c *gin.Context) {
	userID, ok := idParam(c, "userId")
	if !ok {
		return
	}
	var req SetQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	if err := h.quota.SetOverride(c.Request.Context(), userID, req.QuotaBytes); err != nil {
		respondError(c, "SetQuotaOverride: failed to set override", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "quotaBytes": req.QuotaBytes})
}

// RecalculateUsage 按文件表重建用户用量。
func (h *AdminHandler) RecalculateUsage(c *gin.Context) {
	userID, ok := idParam(c, "userId")
	if !ok {
		return
	}
	account, err := h.quota.Recalculate(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "RecalculateUsage: failed to recalculate", err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// RepairFolder 重新统计文件夹子树的计数。
func (h *AdminHandler) RepairFolder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	folder, err := h.namespace.RepairAggregates(c.Request.Context(), id)
	if err != nil {
		respondError(c, "RepairFolder: failed to repair aggregates", err)
		return
	}
	c.JSON(http.StatusOK, folder)
}

// SweepUploads 立即执行一轮过期会话清理。
func (h *AdminHandler) SweepUploads(c *gin.Context) {
	n := h.sweeper.RunOnce(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, gin.H{"swept": n})
}

package handler

import (
	"net/http"
	"strconv"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/service"

	"github.com/gin-gonic/gin"
)

// UploadHandler 负责处理所有与文件上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// Open 开启上传会话。小文件返回直传链接，大文件返回分片参数。
func (h *UploadHandler) Open(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	var req service.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	res, err := h.uploadService.Open(c.Request.Context(), caller, req)
	if err != nil {
		respondError(c, "Open: failed to open upload session", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// UploadChunk 接收一个分片。请求体即分片原始字节，长度以 Content-Length 为准。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "无效的分片序号")
		return
	}
	receipt, err := h.uploadService.SubmitChunk(c.Request.Context(), caller, c.Param("id"), index, c.Request.Body, c.Request.ContentLength)
	if err != nil {
		respondError(c, "UploadChunk: failed to store chunk", err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// CompleteResponse 是完成上传的响应，File 为完整的文件记录。
type CompleteResponse struct {
	FileID   uint        `json:"fileId"`
	Checksum string      `json:"checksum"`
	File     *model.File `json:"file"`
}

// Complete 完成上传，返回文件 ID 与摘要。重复调用返回同一文件。
func (h *UploadHandler) Complete(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	file, err := h.uploadService.Finalize(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, "Complete: failed to finalize upload", err)
		return
	}
	c.JSON(http.StatusOK, CompleteResponse{FileID: file.ID, Checksum: file.Checksum, File: file})
}

// Abort 放弃上传会话并释放预占的配额。
func (h *UploadHandler) Abort(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	if err := h.uploadService.Abort(c.Request.Context(), caller, c.Param("id")); err != nil {
		respondError(c, "Abort: failed to abort upload", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true, "uploadId": c.Param("id")})
}

// Status 查询会话进度，用于断点续传。
func (h *UploadHandler) Status(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	status, err := h.uploadService.Status(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, "Status: failed to get upload status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

package handler

import (
	"net/http"
	"vault-drive-go/internal/service"
	"vault-drive-go/pkg/objectstore"

	"github.com/gin-gonic/gin"
)

// FileHandler 负责文件元数据、版本与下载链接相关的 API。
type FileHandler struct {
	files service.FileService
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(files service.FileService) *FileHandler {
	return &FileHandler{files: files}
}

// MoveFileRequest 定义了移动文件的请求体。FolderID 为空表示移到根目录。
type MoveFileRequest struct {
	FolderID *uint `json:"folderId"`
}

// CopyFileRequest 定义了复制文件的请求体。Name 为空时沿用原文件名。
type CopyFileRequest struct {
	FolderID *uint  `json:"folderId"`
	Name     string `json:"name"`
}

// Get 返回文件元数据。
func (h *FileHandler) Get(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	file, err := h.files.Get(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "GetFile: failed to get file", err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// Versions 返回文件所在版本链上所有已完成的版本。
func (h *FileHandler) Versions(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	versions, err := h.files.ListVersions(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "Versions: failed to list versions", err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

// Download 生成限时下载链接，?preview=true 时生成内联预览链接。
func (h *FileHandler) Download(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	op := objectstore.OpDownload
	if boolQuery(c, "preview") {
		op = objectstore.OpPreview
	}
	url, err := h.files.DownloadURL(c.Request.Context(), caller, id, op)
	if err != nil {
		respondError(c, "Download: failed to sign url", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "operation": op})
}

// Rename 重命名文件，存储 key 不变。
func (h *FileHandler) Rename(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	file, err := h.files.Rename(c.Request.Context(), caller, id, req.Name)
	if err != nil {
		respondError(c, "RenameFile: failed to rename file", err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// Move 移动文件到另一个文件夹。
func (h *FileHandler) Move(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req MoveFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	file, err := h.files.Move(c.Request.Context(), caller, id, req.FolderID)
	if err != nil {
		respondError(c, "MoveFile: failed to move file", err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// Copy 复制文件字节并创建新的版本链。
func (h *FileHandler) Copy(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req CopyFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	file, err := h.files.Copy(c.Request.Context(), caller, id, req.FolderID, req.Name)
	if err != nil {
		respondError(c, "CopyFile: failed to copy file", err)
		return
	}
	c.JSON(http.StatusCreated, file)
}

// Trash 将文件移入回收站。
func (h *FileHandler) Trash(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	file, err := h.files.Trash(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "TrashFile: failed to trash file", err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// Restore 从回收站恢复文件。
func (h *FileHandler) Restore(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	file, err := h.files.Restore(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "RestoreFile: failed to restore file", err)
		return
	}
	c.JSON(http.StatusOK, file)
}

// Delete 永久删除文件。删除最新版本时整条版本链一起删除。
func (h *FileHandler) Delete(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	deleted, err := h.files.Delete(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "DeleteFile: failed to delete file", err)
		return
	}
	ids := make([]uint, 0, len(deleted))
	for _, f := range deleted {
		ids = append(ids, f.ID)
	}
	c.JSON(http.StatusOK, gin.H{"deletedFileIds": ids})
}

package handler

import (
	"net/http"
	"vault-drive-go/internal/service"

	"github.com/gin-gonic/gin"
)

// FolderHandler 负责目录树相关的 API。
type FolderHandler struct {
	namespace service.NamespaceService
}

// NewFolderHandler 创建一个新的 FolderHandler 实例。
func NewFolderHandler(namespace service.NamespaceService) *FolderHandler {
	return &FolderHandler{namespace: namespace}
}

// CreateFolderRequest 定义了创建文件夹的请求体。ParentID 为空表示根目录。
type CreateFolderRequest struct {
	Name        string `json:"name" binding:"required"`
	ParentID    *uint  `json:"parentId"`
	Description string `json:"description"`
}

// RenameRequest 用于文件与文件夹的重命名。
type RenameRequest struct {
	Name string `json:"name" binding:"required"`
}

// MoveFolderRequest 定义了移动文件夹的请求体。ParentID 为空表示移到根目录。
type MoveFolderRequest struct {
	ParentID *uint `json:"parentId"`
}

// Create 创建文件夹。
func (h *FolderHandler) Create(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	var req CreateFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	folder, err := h.namespace.Create(c.Request.Context(), caller, req.ParentID, req.Name, req.Description)
	if err != nil {
		respondError(c, "CreateFolder: failed to create folder", err)
		return
	}
	c.JSON(http.StatusCreated, folder)
}

// Get 返回单个文件夹。
func (h *FolderHandler) Get(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	folder, err := h.namespace.Get(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "GetFolder: failed to get folder", err)
		return
	}
	c.JSON(http.StatusOK, folder)
}

// ListRoot 列出根目录下的内容，?trashed=true 时包含回收站中的条目。
func (h *FolderHandler) ListRoot(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	listing, err := h.namespace.ListChildren(c.Request.Context(), caller, nil, boolQuery(c, "trashed"))
	if err != nil {
		respondError(c, "ListRoot: failed to list root", err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// ListChildren 列出文件夹的直接子项。
func (h *FolderHandler) ListChildren(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	listing, err := h.namespace.ListChildren(c.Request.Context(), caller, &id, boolQuery(c, "trashed"))
	if err != nil {
		respondError(c, "ListChildren: failed to list folder", err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// Breadcrumb 返回从根到该文件夹的路径。
func (h *FolderHandler) Breadcrumb(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	crumbs, err := h.namespace.Breadcrumb(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "Breadcrumb: failed to build breadcrumb", err)
		return
	}
	c.JSON(http.StatusOK, crumbs)
}

// Rename 重命名文件夹，子孙路径随之更新。
func (h *FolderHandler) Rename(c *gin.Context) {
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
	folder, err := h.namespace.Rename(c.Request.Context(), caller, id, req.Name)
	if err != nil {
		respondError(c, "RenameFolder: failed to rename folder", err)
		return
	}
	c.JSON(http.StatusOK, folder)
}

// Move 移动文件夹。
func (h *FolderHandler) Move(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req MoveFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	folder, err := h.namespace.Move(c.Request.Context(), caller, id, req.ParentID)
	if err != nil {
		respondError(c, "MoveFolder: failed to move folder", err)
		return
	}
	c.JSON(http.StatusOK, folder)
}

// Trash 将文件夹及其子树移入回收站。
func (h *FolderHandler) Trash(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	res, err := h.namespace.Trash(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "TrashFolder: failed to trash folder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trashedAt":      res.TrashedAt,
		"foldersTrashed": res.FoldersTrashed,
		"filesTrashed":   res.FilesTrashed,
		"bytesReleased":  res.BytesReleased,
	})
}

// Restore 从回收站恢复文件夹本身。
func (h *FolderHandler) Restore(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	folder, err := h.namespace.Restore(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "RestoreFolder: failed to restore folder", err)
		return
	}
	c.JSON(http.StatusOK, folder)
}

// Delete 永久删除文件夹子树及其中所有文件的字节。
func (h *FolderHandler) Delete(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	res, err := h.namespace.Delete(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "DeleteFolder: failed to delete folder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deletedFolders": res.DeletedFolders,
		"deletedFiles":   len(res.DeletedFiles),
		"bytesReleased":  res.BytesReleased,
	})
}

// Totals 返回文件夹的递归汇总。
func (h *FolderHandler) Totals(c *gin.Context) {
	caller, ok := callerOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	totals, err := h.namespace.Totals(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, "Totals: failed to compute totals", err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

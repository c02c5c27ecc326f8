package handler

import (
	"net/http"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ResourceHandler 对文件和文件夹提供统一的回收站入口。
type ResourceHandler struct {
	resources service.ResourceService
}

// NewResourceHandler 创建一个新的 ResourceHandler 实例。
func NewResourceHandler(resources service.ResourceService) *ResourceHandler {
	return &ResourceHandler{resources: resources}
}

func (h *ResourceHandler) resolve(c *gin.Context) (service.Resource, model.Caller, bool) {
	caller, ok := callerOf(c)
	if !ok {
		return nil, caller, false
	}
	id, ok := idParam(c, "id")
	if !ok {
		return nil, caller, false
	}
	r, err := h.resources.Resolve(c.Request.Context(), caller, model.ResourceKind(c.Param("kind")), id)
	if err != nil {
		respondError(c, "Resource: failed to resolve resource", err)
		return nil, caller, false
	}
	return r, caller, true
}

func resourceView(r service.Resource) gin.H {
	return gin.H{
		"kind":       r.ResourceKind(),
		"id":         r.ResourceID(),
		"ownerId":    r.Owner(),
		"visibility": r.Visibility(),
		"trashed":    r.Trashed(),
	}
}

// Trash 将 :kind/:id 指定的资源移入回收站。
func (h *ResourceHandler) Trash(c *gin.Context) {
	r, caller, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := r.Trash(c.Request.Context(), caller); err != nil {
		respondError(c, "Resource: failed to trash resource", err)
		return
	}
	c.JSON(http.StatusOK, resourceView(r))
}

// Restore 从回收站恢复 :kind/:id 指定的资源。
func (h *ResourceHandler) Restore(c *gin.Context) {
	r, caller, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := r.Restore(c.Request.Context(), caller); err != nil {
		respondError(c, "Resource: failed to restore resource", err)
		return
	}
	c.JSON(http.StatusOK, resourceView(r))
}

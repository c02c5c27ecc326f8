package handler

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"vault-drive-go/pkg/log"
	"vault-drive-go/pkg/objectstore"
	"vault-drive-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// UploadGuard 判断对象键是否仍属于未完成的上传。
type UploadGuard interface {
	AcceptUpload(ctx context.Context, key string) error
}

// BlobHandler 是本地存储后端签名链接的落点。授权完全来自链接中的 blob 令牌，不经过调用方认证。
type BlobHandler struct {
	store objectstore.Store
	jwt   *token.JWTManager
	guard UploadGuard
}

// NewBlobHandler 创建一个新的 BlobHandler 实例。
func NewBlobHandler(store objectstore.Store, jwt *token.JWTManager, guard UploadGuard) *BlobHandler {
	return &BlobHandler{store: store, jwt: jwt, guard: guard}
}

func (h *BlobHandler) verify(c *gin.Context, ops ...objectstore.Operation) (*token.BlobClaims, bool) {
	claims, err := h.jwt.VerifyBlob(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的链接", "code": "UNAUTHORIZED"})
		return nil, false
	}
	for _, op := range ops {
		if claims.Op == op {
			return claims, true
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "链接不允许此操作", "code": "ACCESS_DENIED"})
	return nil, false
}

func blobError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, objectstore.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	case errors.Is(err, objectstore.ErrPermissionDenied):
		status, code = http.StatusForbidden, "STORAGE_PERMISSION_DENIED"
	}
	if status >= http.StatusInternalServerError {
		log.Error(op, err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

// Put 接收直传的文件字节。令牌中声明了长度时请求长度必须一致；
// 上传进入完成流程后令牌失效，不能再覆盖对象。
func (h *BlobHandler) Put(c *gin.Context) {
	claims, ok := h.verify(c, objectstore.OpUpload)
	if !ok {
		return
	}
	if h.guard != nil {
		if err := h.guard.AcceptUpload(c.Request.Context(), claims.Key); err != nil {
			respondError(c, "BlobPut: upload no longer accepted", err)
			return
		}
	}
	size := c.Request.ContentLength
	if claims.ContentLength > 0 && size != claims.ContentLength {
		badRequest(c, "请求长度与链接声明不一致")
		return
	}
	contentType := claims.ContentType
	if contentType == "" {
		contentType = c.ContentType()
	}
	if err := h.store.Put(c.Request.Context(), claims.Key, c.Request.Body, size, contentType); err != nil {
		blobError(c, "BlobPut: failed to store object", err)
		return
	}
	c.Status(http.StatusCreated)
}

// Get 流式返回对象。下载链接以附件形式返回，预览链接内联返回。
func (h *BlobHandler) Get(c *gin.Context) {
	claims, ok := h.verify(c, objectstore.OpDownload, objectstore.OpPreview)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	info, err := h.store.Stat(ctx, claims.Key)
	if err != nil {
		blobError(c, "BlobGet: failed to stat object", err)
		return
	}
	rc, err := h.store.Get(ctx, claims.Key)
	if err != nil {
		blobError(c, "BlobGet: failed to open object", err)
		return
	}
	defer rc.Close()

	contentType := claims.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	disposition := "inline"
	if claims.Op == objectstore.OpDownload {
		disposition = "attachment"
	}
	params := map[string]string{}
	if name := c.Query("filename"); name != "" {
		params["filename"] = name
	}
	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType(disposition, params),
	}
	c.DataFromReader(http.StatusOK, info.Size, contentType, rc, headers)
}

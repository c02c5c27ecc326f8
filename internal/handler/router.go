package handler

import (
	"net/http"
	"vault-drive-go/internal/middleware"
	"vault-drive-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// Handlers 聚合所有控制器。Blob 为空时不注册 blob 端点，Metrics 为空时不暴露指标。
type Handlers struct {
	Upload   *UploadHandler
	Folder   *FolderHandler
	File     *FileHandler
	Resource *ResourceHandler
	Quota    *QuotaHandler
	Admin    *AdminHandler
	Blob     *BlobHandler
	Health   *HealthHandler
	Metrics  http.Handler
}

// NewRouter 创建路由引擎并注册全部路由。
func NewRouter(jwtManager *token.JWTManager, h Handlers) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	if h.Health != nil {
		r.GET("/healthz", h.Health.Check)
	}
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	apiV1 := r.Group("/api/v1")

	// blob 端点由签名令牌授权，不挂认证中间件
	if h.Blob != nil {
		blobs := apiV1.Group("/blobs")
		blobs.PUT("/:token", h.Blob.Put)
		blobs.GET("/:token", h.Blob.Get)
	}

	authed := apiV1.Group("")
	authed.Use(middleware.AuthMiddleware(jwtManager))
	{
		uploads := authed.Group("/uploads")
		{
			uploads.POST("", h.Upload.Open)
			uploads.GET("/:id", h.Upload.Status)
			uploads.PUT("/:id/chunks/:index", h.Upload.UploadChunk)
			uploads.POST("/:id/complete", h.Upload.Complete)
			uploads.DELETE("/:id", h.Upload.Abort)
		}

		folders := authed.Group("/folders")
		{
			folders.POST("", h.Folder.Create)
			folders.GET("", h.Folder.ListRoot)
			folders.GET("/:id", h.Folder.Get)
			folders.GET("/:id/children", h.Folder.ListChildren)
			folders.GET("/:id/breadcrumb", h.Folder.Breadcrumb)
			folders.GET("/:id/totals", h.Folder.Totals)
			folders.PATCH("/:id", h.Folder.Rename)
			folders.POST("/:id/move", h.Folder.Move)
			folders.POST("/:id/trash", h.Folder.Trash)
			folders.POST("/:id/restore", h.Folder.Restore)
			folders.DELETE("/:id", h.Folder.Delete)
		}

		files := authed.Group("/files")
		{
			files.GET("/:id", h.File.Get)
			files.GET("/:id/versions", h.File.Versions)
			files.GET("/:id/download", h.File.Download)
			files.PATCH("/:id", h.File.Rename)
			files.POST("/:id/move", h.File.Move)
			files.POST("/:id/copy", h.File.Copy)
			files.POST("/:id/trash", h.File.Trash)
			files.POST("/:id/restore", h.File.Restore)
			files.DELETE("/:id", h.File.Delete)
		}

		trash := authed.Group("/trash")
		{
			trash.POST("/:kind/:id", h.Resource.Trash)
			trash.POST("/:kind/:id/restore", h.Resource.Restore)
		}

		authed.GET("/quota", h.Quota.Usage)

		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin := authed.Group("/admin")
		admin.Use(middleware.AdminAuthMiddleware())
		{
			admin.PUT("/accounts/:userId/quota", h.Admin.SetQuotaOverride)
			admin.POST("/accounts/:userId/recalculate", h.Admin.RecalculateUsage)
			admin.POST("/folders/:id/repair", h.Admin.RepairFolder)
			admin.POST("/uploads/sweep", h.Admin.SweepUploads)
		}
	}
	return r
}

package handler

import (
	"context"
	"net/http"
	"time"
	"vault-drive-go/internal/model"
	"vault-drive-go/pkg/objectstore"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// HealthHandler 汇总数据库、Redis 与各存储后端的健康状态。
type HealthHandler struct {
	db       *gorm.DB
	rdb      *redis.Client
	registry *objectstore.Registry
}

// NewHealthHandler 创建一个新的 HealthHandler 实例。
func NewHealthHandler(db *gorm.DB, rdb *redis.Client, registry *objectstore.Registry) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb, registry: registry}
}

// Check 任一依赖不可用时返回 503。
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	deps := gin.H{}

	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		deps["database"] = model.HealthUnavailable
		healthy = false
	} else {
		deps["database"] = model.HealthHealthy
	}

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		deps["redis"] = model.HealthUnavailable
		healthy = false
	} else {
		deps["redis"] = model.HealthHealthy
	}

	storage := h.registry.CheckHealth(ctx)
	for _, status := range storage {
		if status == model.HealthUnavailable {
			healthy = false
		}
	}
	deps["storage"] = storage

	status := http.StatusOK
	overall := model.HealthHealthy
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = model.HealthUnavailable
	}
	c.JSON(status, gin.H{"status": overall, "dependencies": deps})
}

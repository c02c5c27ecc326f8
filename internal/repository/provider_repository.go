package repository

import (
	"context"
	"time"
	"vault-drive-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProviderRepository 读写 storage_providers 表，实现 objectstore.ProviderSource。
type ProviderRepository interface {
	ListProviders(ctx context.Context) ([]model.StorageProvider, error)
	UpdateHealth(ctx context.Context, name string, status model.HealthStatus, lastErr string, checkedAt time.Time) error
	// Upsert 按名称插入或更新后端配置，不会覆盖健康状态。
	Upsert(ctx context.Context, p *model.StorageProvider) error
}

type providerRepository struct {
	db *gorm.DB
}

// NewProviderRepository 创建一个新的 ProviderRepository 实例。
func NewProviderRepository(db *gorm.DB) ProviderRepository {
	return &providerRepository{db: db}
}

// ListProviders 按 ID 升序返回全部后端。
func (r *providerRepository) ListProviders(ctx context.Context) ([]model.StorageProvider, error) {
	var providers []model.StorageProvider
	err := r.db.WithContext(ctx).Order("id asc").Find(&providers).Error
	return providers, err
}

// UpdateHealth 写入一次健康检查的结果。
func (r *providerRepository) UpdateHealth(ctx context.Context, name string, status model.HealthStatus, lastErr string, checkedAt time.Time) error {
	if len(lastErr) > 512 {
		lastErr = lastErr[:512]
	}
	return r.db.WithContext(ctx).Model(&model.StorageProvider{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"health_status":   status,
			"last_error":      lastErr,
			"last_checked_at": checkedAt,
		}).Error
}

// Upsert 按名称插入或更新后端配置。
func (r *providerRepository) Upsert(ctx context.Context, p *model.StorageProvider) error {
	if p.HealthStatus == "" {
		p.HealthStatus = model.HealthUnknown
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "is_active", "is_default", "supports_copy", "updated_at"}),
	}).Create(p).Error
}

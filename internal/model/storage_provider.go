package model

import "time"

// ProviderType 是对象存储后端类型。
type ProviderType string

const (
	ProviderLocal ProviderType = "local"
	ProviderMinIO ProviderType = "minio"
	ProviderS3    ProviderType = "s3"
)

// HealthStatus 是后端健康状态。
type HealthStatus string

const (
	HealthUnknown     HealthStatus = "unknown"
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// StorageProvider 对应 storage_providers 表，描述后端选择与能力。读多写少。
type StorageProvider struct {
	ID            uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"name"`
	Type          ProviderType `gorm:"type:varchar(16);not null" json:"type"`
	IsActive      bool         `gorm:"not null" json:"isActive"`
	IsDefault     bool         `gorm:"not null;default:false" json:"isDefault"`
	SupportsCopy  bool         `gorm:"not null;default:false" json:"supportsCopy"`
	HealthStatus  HealthStatus `gorm:"type:varchar(16);not null;default:'unknown'" json:"healthStatus"`
	LastError     string       `gorm:"type:varchar(512)" json:"lastError,omitempty"`
	LastCheckedAt *time.Time   `json:"lastCheckedAt"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (StorageProvider) TableName() string {
	return "storage_providers"
}

// Usable 表示该后端是否可以承接新的写入。
func (p *StorageProvider) Usable() bool {
	return p.IsActive && p.HealthStatus != HealthUnavailable
}

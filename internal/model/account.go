package model

import (
	"math"
	"time"
)

// UnlimitedQuota 是"不限配额"的哨兵值。
const UnlimitedQuota int64 = math.MaxInt64

// Caller 是外部身份系统提供的已认证调用方。
type Caller struct {
	UserID uint
	// Tier 是订阅等级，用于从配置中查找字节配额。
	Tier string
	// QuotaBytes 若非空，表示身份系统直接给出的配额数值。
	QuotaBytes *int64
}

// StorageAccount 对应 storage_accounts 表，按用户增量维护用量。
//
// UsedBytes 是未进入回收站的已完成文件字节数之和；ReservedBytes 是正在上传、
// 已通过配额准入但尚未完成的字节数。
type StorageAccount struct {
	UserID        uint      `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	Tier          string    `gorm:"type:varchar(32);not null;default:''" json:"tier"`
	QuotaOverride *int64    `json:"quotaOverride"`
	UsedBytes     int64     `gorm:"not null;default:0" json:"usedBytes"`
	ReservedBytes int64     `gorm:"not null;default:0" json:"reservedBytes"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (StorageAccount) TableName() string {
	return "storage_accounts"
}

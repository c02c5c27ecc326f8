package model

import "time"

// ProcessingStatus 是文件处理状态机：pending → processing → completed | failed。
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// File 对应 files 表，指向外部存储中的字节内容。
//
// Checksum 仅在 ProcessingStatus 为 completed 时非空；StorageKey 全局唯一且不复用；
// 同一版本链（ChainID 相同）中只有一个文件的 IsLatestVersion 为 true。
type File struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID      uint   `gorm:"not null;index" json:"ownerId"`
	FolderID     *uint  `gorm:"index" json:"folderId"`
	Name         string `gorm:"type:varchar(255);not null" json:"name"`
	NameCI       string `gorm:"column:name_ci;type:varchar(255);not null" json:"-"`
	OriginalName string `gorm:"type:varchar(255);not null" json:"originalName"`
	MimeType     string `gorm:"type:varchar(128)" json:"mimeType"`
	Extension    string `gorm:"type:varchar(32)" json:"extension"`
	Size         int64  `gorm:"not null" json:"size"`
	// StorageKey 是对象存储中的不透明定位符，重命名和移动都不会改变它。
	StorageKey      string `gorm:"type:varchar(512);not null;uniqueIndex" json:"key"`
	StorageProvider string `gorm:"type:varchar(64);not null" json:"storageProvider"`
	Checksum        string `gorm:"type:varchar(64);not null;default:''" json:"checksum"`
	IsPublic        bool   `gorm:"not null;default:false" json:"isPublic"`

	ProcessingStatus ProcessingStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"processingStatus"`
	FailureReason    string           `gorm:"type:varchar(512)" json:"failureReason,omitempty"`

	// 版本链
	ChainID         uint   `gorm:"not null;default:0;index" json:"chainId"`
	Version         int    `gorm:"not null;default:1" json:"version"`
	ParentVersion   *uint  `json:"parentVersion"`
	IsLatestVersion bool   `gorm:"not null" json:"isLatestVersion"`
	VersionHistory  []uint `gorm:"serializer:json;type:text" json:"versionHistory"`

	IsTrashed bool       `gorm:"not null;default:false;index" json:"isTrashed"`
	TrashedAt *time.Time `json:"trashedAt"`
	TrashedBy *uint      `json:"trashedBy"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (File) TableName() string {
	return "files"
}

// IsCompleted reports whether the file's bytes are finalized.
func (f *File) IsCompleted() bool {
	return f.ProcessingStatus == StatusCompleted
}

// CountsInFolder 表示该文件是否计入所在文件夹的聚合计数。
func (f *File) CountsInFolder() bool {
	return f.IsCompleted() && !f.IsTrashed && f.IsLatestVersion
}

// CountsInUsage 表示该文件的字节是否计入配额用量。
func (f *File) CountsInUsage() bool {
	return f.IsCompleted() && !f.IsTrashed
}

// ResourceID implements Resource.
func (f *File) ResourceID() uint { return f.ID }

// ResourceKind implements Resource.
func (f *File) ResourceKind() ResourceKind { return ResourceFile }

// Owner implements Resource.
func (f *File) Owner() uint { return f.OwnerID }

// Visibility implements Resource.
func (f *File) Visibility() Visibility { return visibilityOf(f.IsPublic) }

// Trashed implements Resource.
func (f *File) Trashed() bool { return f.IsTrashed }

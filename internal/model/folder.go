// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"strconv"
	"strings"
	"time"
)

// MaxFolderDepth 是 depth 字段允许的最大值（根目录下的文件夹 depth 为 0，共 20 层）。
const MaxFolderDepth = 19

// Folder 对应 folders 表，是严格树中的一个节点。
//
// FileCount / FolderCount / TotalSize 只统计直接子节点中未进入回收站的条目，
// 递归汇总通过遍历目录树得到，从不持久化。
type Folder struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID     uint   `gorm:"not null;index:idx_folder_owner_parent" json:"ownerId"`
	Name        string `gorm:"type:varchar(255);not null" json:"name"`
	NameCI      string `gorm:"column:name_ci;type:varchar(255);not null" json:"-"`
	Description string `gorm:"type:text" json:"description"`
	// Path 由根开始的安全名称以 "/" 拼接而成，例如 /A/B。
	Path     string `gorm:"type:varchar(4096);not null" json:"path"`
	Depth    int    `gorm:"not null;default:0" json:"depth"`
	ParentID *uint  `gorm:"index:idx_folder_owner_parent" json:"parentId"`
	// AncestorIDs 以 "/1/5/" 形式存储从根到直接父节点的 ID 列表，根下节点为 "/"。
	AncestorIDs string `gorm:"column:ancestor_ids;type:varchar(1024);not null;index" json:"-"`
	IsPublic    bool   `gorm:"not null;default:false" json:"isPublic"`

	FileCount   int64 `gorm:"not null;default:0" json:"fileCount"`
	FolderCount int64 `gorm:"not null;default:0" json:"folderCount"`
	TotalSize   int64 `gorm:"not null;default:0" json:"totalSize"`

	IsTrashed bool       `gorm:"not null;default:false;index" json:"isTrashed"`
	TrashedAt *time.Time `json:"trashedAt"`
	TrashedBy *uint      `json:"trashedBy"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Folder) TableName() string {
	return "folders"
}

// Ancestors 返回从根到直接父节点的 ID 列表。
func (f *Folder) Ancestors() []uint {
	return ParseAncestorIDs(f.AncestorIDs)
}

// ChildAncestorIDs 返回该文件夹的子节点应存储的 AncestorIDs。
func (f *Folder) ChildAncestorIDs() string {
	if f.AncestorIDs == "" {
		return "/" + strconv.FormatUint(uint64(f.ID), 10) + "/"
	}
	return f.AncestorIDs + strconv.FormatUint(uint64(f.ID), 10) + "/"
}

// IsRoot returns true if the folder sits directly under the namespace root.
func (f *Folder) IsRoot() bool {
	return f.ParentID == nil
}

// ResourceID implements Resource.
func (f *Folder) ResourceID() uint { return f.ID }

// ResourceKind implements Resource.
func (f *Folder) ResourceKind() ResourceKind { return ResourceFolder }

// Owner implements Resource.
func (f *Folder) Owner() uint { return f.OwnerID }

// Visibility implements Resource.
func (f *Folder) Visibility() Visibility { return visibilityOf(f.IsPublic) }

// Trashed implements Resource.
func (f *Folder) Trashed() bool { return f.IsTrashed }

// FormatAncestorIDs 将 ID 列表编码为 "/1/5/" 形式。
func FormatAncestorIDs(ids []uint) string {
	var b strings.Builder
	b.WriteString("/")
	for _, id := range ids {
		b.WriteString(strconv.FormatUint(uint64(id), 10))
		b.WriteString("/")
	}
	return b.String()
}

// ParseAncestorIDs 解析 "/1/5/" 形式的祖先列表，无法解析的片段会被忽略。
func ParseAncestorIDs(s string) []uint {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	ids := make([]uint, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uint(v))
	}
	return ids
}

// AncestorMarker 返回在 AncestorIDs 中匹配某个祖先所用的片段，如 "/5/"。
func AncestorMarker(id uint) string {
	return "/" + strconv.FormatUint(uint64(id), 10) + "/"
}

// SafeName 将名称转换为可以放进 path 的形式：去掉首尾空白，
// 把路径分隔符和控制字符替换为下划线。
func SafeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// JoinPath 按 parent.path + "/" + safe(name) 计算路径；parentPath 为空表示根。
func JoinPath(parentPath, name string) string {
	return parentPath + "/" + SafeName(name)
}

// NameKey 返回用于同级重名比较的键：安全名称的小写形式。
func NameKey(name string) string {
	return strings.ToLower(SafeName(name))
}

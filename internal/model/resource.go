package model

import "fmt"

// ResourceKind 区分 Resource 变体。
type ResourceKind string

const (
	ResourceFile   ResourceKind = "file"
	ResourceFolder ResourceKind = "folder"
)

// ParseResourceKind 解析路由参数中的资源类型。
func ParseResourceKind(s string) (ResourceKind, error) {
	switch ResourceKind(s) {
	case ResourceFile, ResourceFolder:
		return ResourceKind(s), nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", s)
	}
}

// Visibility 是资源的可见性。
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

func visibilityOf(public bool) Visibility {
	if public {
		return VisibilityPublic
	}
	return VisibilityPrivate
}

// Resource 是 File 与 Folder 共享的只读能力集合。
// 回收站相关的变更操作由 service 层按类型分派。
type Resource interface {
	ResourceID() uint
	ResourceKind() ResourceKind
	Owner() uint
	Visibility() Visibility
	Trashed() bool
}

var (
	_ Resource = (*File)(nil)
	_ Resource = (*Folder)(nil)
)

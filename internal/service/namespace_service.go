package service

import (
	"context"
	"fmt"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/config"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/repository"
	"vault-drive-go/pkg/events"
	"vault-drive-go/pkg/log"
)

// Listing 是某个目录下的直接子文件夹与文件。
type Listing struct {
	Folder  *model.Folder  `json:"folder,omitempty"`
	Folders []model.Folder `json:"folders"`
	Files   []model.File   `json:"files"`
}

// Totals 是通过遍历目录树得到的递归汇总，不持久化。
type Totals struct {
	FolderID uint  `json:"folderId"`
	Folders  int64 `json:"folders"`
	Files    int64 `json:"files"`
	Size     int64 `json:"size"`
}

// NamespaceService 接口定义了目录树相关的业务操作。
type NamespaceService interface {
	Create(ctx context.Context, caller model.Caller, parentID *uint, name, description string) (*model.Folder, error)
	Get(ctx context.Context, caller model.Caller, id uint) (*model.Folder, error)
	ListChildren(ctx context.Context, caller model.Caller, parentID *uint, includeTrashed bool) (*Listing, error)
	Breadcrumb(ctx context.Context, caller model.Caller, id uint) ([]model.Folder, error)
	Rename(ctx context.Context, caller model.Caller, id uint, name string) (*model.Folder, error)
	Move(ctx context.Context, caller model.Caller, id uint, newParentID *uint) (*model.Folder, error)
	Trash(ctx context.Context, caller model.Caller, id uint) (*repository.TrashResult, error)
	Restore(ctx context.Context, caller model.Caller, id uint) (*model.Folder, error)
	Delete(ctx context.Context, caller model.Caller, id uint) (*repository.DeleteResult, error)
	Totals(ctx context.Context, caller model.Caller, id uint) (*Totals, error)
	RepairAggregates(ctx context.Context, id uint) (*model.Folder, error)
	// WritableFolder 校验 folderID 指向调用方拥有且未进入回收站的文件夹，nil 表示根。
	WritableFolder(ctx context.Context, caller model.Caller, folderID *uint) (*model.Folder, error)
}

type namespaceService struct {
	folders   repository.FolderRepository
	files     repository.FileRepository
	storage   *StorageGateway
	publisher events.Publisher
	maxDepth  int
}

// NewNamespaceService 创建一个新的 NamespaceService 实例。
func NewNamespaceService(folders repository.FolderRepository, files repository.FileRepository, storage *StorageGateway, publisher events.Publisher, cfg config.NamespaceConfig) NamespaceService {
	maxDepth := model.MaxFolderDepth
	if cfg.MaxDepth > 0 {
		// 配置的是层数，depth 从 0 开始
		maxDepth = cfg.MaxDepth - 1
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &namespaceService{
		folders:   folders,
		files:     files,
		storage:   storage,
		publisher: publisher,
		maxDepth:  maxDepth,
	}
}

// Create 在 parentID 下创建文件夹，parentID 为空表示根。
func (s *namespaceService) Create(ctx context.Context, caller model.Caller, parentID *uint, name, description string) (*model.Folder, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	parent, err := s.WritableFolder(ctx, caller, parentID)
	if err != nil {
		return nil, err
	}

	folder := &model.Folder{
		OwnerID:     caller.UserID,
		Name:        name,
		NameCI:      model.NameKey(name),
		Description: description,
		Path:        model.JoinPath("", name),
		Depth:       0,
		AncestorIDs: "/",
	}
	if parent != nil {
		if parent.Depth >= s.maxDepth {
			return nil, fmt.Errorf("%w: parent folder %d is at depth %d (max %d)", apperr.ErrDepthExceeded, parent.ID, parent.Depth, s.maxDepth)
		}
		pid := parent.ID
		folder.ParentID = &pid
		folder.Path = model.JoinPath(parent.Path, name)
		folder.Depth = parent.Depth + 1
		folder.AncestorIDs = parent.ChildAncestorIDs()
	}
	if err := s.folders.Create(ctx, folder); err != nil {
		return nil, err
	}
	log.Infof("[Namespace] 用户 %d 创建文件夹 %s (id=%d)", caller.UserID, folder.Path, folder.ID)
	return folder, nil
}

// Get 读取文件夹并校验读权限。
func (s *namespaceService) Get(ctx context.Context, caller model.Caller, id uint) (*model.Folder, error) {
	folder, err := s.folders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canRead(caller, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// ListChildren 列出直接子节点。根目录只列出调用方自己的内容。
func (s *namespaceService) ListChildren(ctx context.Context, caller model.Caller, parentID *uint, includeTrashed bool) (*Listing, error) {
	owner := caller.UserID
	listing := &Listing{}
	if parentID != nil {
		folder, err := s.Get(ctx, caller, *parentID)
		if err != nil {
			return nil, err
		}
		owner = folder.OwnerID
		listing.Folder = folder
		if owner != caller.UserID {
			includeTrashed = false
		}
	}
	folders, err := s.folders.ListChildren(ctx, owner, parentID, includeTrashed)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListInFolder(ctx, owner, parentID, includeTrashed)
	if err != nil {
		return nil, err
	}
	listing.Folders = folders
	listing.Files = files
	return listing, nil
}

// Breadcrumb 返回从根到该文件夹的路径节点（含自身）。
func (s *namespaceService) Breadcrumb(ctx context.Context, caller model.Caller, id uint) ([]model.Folder, error) {
	folder, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	ancestors, err := s.folders.ListByIDs(ctx, folder.Ancestors())
	if err != nil {
		return nil, err
	}
	return append(ancestors, *folder), nil
}

// Rename 重命名并重写全部后代路径。
func (s *namespaceService) Rename(ctx context.Context, caller model.Caller, id uint, name string) (*model.Folder, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.owned(ctx, caller, id); err != nil {
		return nil, err
	}
	folder, err := s.folders.Rename(ctx, id, name)
	if err != nil {
		return nil, err
	}
	log.Infof("[Namespace] 文件夹 %d 重命名为 %s", id, folder.Path)
	return folder, nil
}

// Move 移动文件夹，newParentID 为空表示移到根。
func (s *namespaceService) Move(ctx context.Context, caller model.Caller, id uint, newParentID *uint) (*model.Folder, error) {
	if _, err := s.owned(ctx, caller, id); err != nil {
		return nil, err
	}
	if newParentID != nil {
		if *newParentID == id {
			return nil, fmt.Errorf("%w: folder %d cannot be its own parent", apperr.ErrCycle, id)
		}
		if _, err := s.WritableFolder(ctx, caller, newParentID); err != nil {
			return nil, err
		}
	}
	folder, err := s.folders.Move(ctx, id, newParentID, s.maxDepth)
	if err != nil {
		return nil, err
	}
	log.Infof("[Namespace] 文件夹 %d 移动到 %s", id, folder.Path)
	return folder, nil
}

// Trash 级联移入回收站。
func (s *namespaceService) Trash(ctx context.Context, caller model.Caller, id uint) (*repository.TrashResult, error) {
	folder, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	res, err := s.folders.Trash(ctx, id, caller.UserID, time.Now())
	if err != nil {
		return nil, err
	}
	log.Infof("[Namespace] 文件夹 %d 移入回收站：%d 个文件夹，%d 个文件，释放 %d 字节",
		id, res.FoldersTrashed, res.FilesTrashed, res.BytesReleased)
	publish(ctx, s.publisher, events.Event{
		Type:       events.FolderTrashed,
		UserID:     folder.OwnerID,
		ResourceID: id,
		Size:       res.BytesReleased,
		OccurredAt: res.TrashedAt,
	})
	return res, nil
}

// Restore 只恢复文件夹自身，之前单独删除的子节点仍留在回收站。
func (s *namespaceService) Restore(ctx context.Context, caller model.Caller, id uint) (*model.Folder, error) {
	if _, err := s.owned(ctx, caller, id); err != nil {
		return nil, err
	}
	return s.folders.Restore(ctx, id)
}

// Delete 永久删除子树。数据库记录在一个事务中删除，随后删除存储对象。
func (s *namespaceService) Delete(ctx context.Context, caller model.Caller, id uint) (*repository.DeleteResult, error) {
	folder, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	res, err := s.folders.DeleteTree(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range res.DeletedFiles {
		f := &res.DeletedFiles[i]
		s.storage.remove(ctx, f.OwnerID, f.StorageProvider, f.StorageKey)
	}
	log.Infof("[Namespace] 文件夹 %d 已永久删除：%d 个文件夹，%d 个文件", id, res.DeletedFolders, len(res.DeletedFiles))
	publish(ctx, s.publisher, events.Event{
		Type:       events.FolderDeleted,
		UserID:     folder.OwnerID,
		ResourceID: id,
		Size:       res.BytesReleased,
	})
	return res, nil
}

// Totals 遍历未进入回收站的子树得到递归汇总。
func (s *namespaceService) Totals(ctx context.Context, caller model.Caller, id uint) (*Totals, error) {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	tree, err := s.folders.CollectSubtree(ctx, id, true)
	if err != nil {
		return nil, err
	}
	t := &Totals{FolderID: id, Folders: int64(len(tree.Folders) - 1)}
	for i := range tree.Files {
		f := &tree.Files[i]
		if f.CountsInFolder() {
			t.Files++
			t.Size += f.Size
		}
	}
	return t, nil
}

// RepairAggregates 以扫描的方式重算子树中每个文件夹的计数，仅供审计工具使用。
func (s *namespaceService) RepairAggregates(ctx context.Context, id uint) (*model.Folder, error) {
	tree, err := s.folders.CollectSubtree(ctx, id, false)
	if err != nil {
		return nil, err
	}
	for i := len(tree.Folders) - 1; i >= 0; i-- {
		if _, err := s.folders.RecountChildren(ctx, tree.Folders[i].ID); err != nil {
			return nil, err
		}
	}
	return s.folders.GetByID(ctx, id)
}

// WritableFolder 实现 NamespaceService。
func (s *namespaceService) WritableFolder(ctx context.Context, caller model.Caller, folderID *uint) (*model.Folder, error) {
	if folderID == nil {
		return nil, nil
	}
	folder, err := s.owned(ctx, caller, *folderID)
	if err != nil {
		return nil, err
	}
	if folder.IsTrashed {
		return nil, fmt.Errorf("%w: folder %d is trashed", apperr.ErrConflict, folder.ID)
	}
	return folder, nil
}

func (s *namespaceService) owned(ctx context.Context, caller model.Caller, id uint) (*model.Folder, error) {
	folder, err := s.folders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canWrite(caller, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CounterDelta 是对某个文件夹直接子节点聚合计数的增量。
type CounterDelta struct {
	Files   int64
	Folders int64
	Size    int64
}

// IsZero reports whether the delta changes nothing.
func (d CounterDelta) IsZero() bool {
	return d.Files == 0 && d.Folders == 0 && d.Size == 0
}

// Subtree 是以某个文件夹为根的子树快照，由工作队列按层收集。
type Subtree struct {
	Root    model.Folder
	Folders []model.Folder // 包含 Root，按层序排列
	Files   []model.File
}

// TrashResult 描述一次级联移入回收站的结果。
type TrashResult struct {
	TrashedAt      time.Time
	FoldersTrashed int
	FilesTrashed   int
	BytesReleased  int64
}

// DeleteResult 描述一次永久删除的结果，DeletedFiles 用于随后删除存储对象。
type DeleteResult struct {
	DeletedFolders int
	DeletedFiles   []model.File
	BytesReleased  int64
}

// FolderRepository 接口定义了目录树的持久化操作。
type FolderRepository interface {
	Create(ctx context.Context, folder *model.Folder) error
	GetByID(ctx context.Context, id uint) (*model.Folder, error)
	ListByIDs(ctx context.Context, ids []uint) ([]model.Folder, error)
	ListChildren(ctx context.Context, ownerID uint, parentID *uint, includeTrashed bool) ([]model.Folder, error)
	Descendants(ctx context.Context, folder *model.Folder) ([]model.Folder, error)
	SiblingNameExists(ctx context.Context, ownerID uint, parentID *uint, nameCI string, excludeID uint) (bool, error)
	Rename(ctx context.Context, id uint, name string) (*model.Folder, error)
	Move(ctx context.Context, id uint, newParentID *uint, maxDepth int) (*model.Folder, error)
	Trash(ctx context.Context, id uint, by uint, at time.Time) (*TrashResult, error)
	Restore(ctx context.Context, id uint) (*model.Folder, error)
	DeleteTree(ctx context.Context, id uint) (*DeleteResult, error)
	CollectSubtree(ctx context.Context, id uint, liveOnly bool) (*Subtree, error)
	ApplyCounters(ctx context.Context, id uint, d CounterDelta) error
	RecountChildren(ctx context.Context, id uint) (*model.Folder, error)
}

type folderRepository struct {
	db *gorm.DB
}

// NewFolderRepository 创建一个新的 FolderRepository 实例。
func NewFolderRepository(db *gorm.DB) FolderRepository {
	return &folderRepository{db: db}
}

// Create 插入文件夹并在同一事务中原子地增加父节点的 folder_count。
// folder 的 Path/Depth/AncestorIDs 必须已由调用方根据父节点快照计算好，这里会重新校验。
func (r *folderRepository) Create(ctx context.Context, folder *model.Folder) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if folder.ParentID != nil {
			parent, err := lockFolder(tx, *folder.ParentID)
			if err != nil {
				return err
			}
			if parent.IsTrashed {
				return fmt.Errorf("%w: parent folder %d is trashed", apperr.ErrConflict, parent.ID)
			}
			if folder.AncestorIDs != parent.ChildAncestorIDs() || folder.Depth != parent.Depth+1 {
				return fmt.Errorf("%w: parent folder %d changed concurrently", apperr.ErrConflict, parent.ID)
			}
		}
		exists, err := siblingNameExists(tx, folder.OwnerID, folder.ParentID, folder.NameCI, 0)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: folder %q already exists", apperr.ErrConflict, folder.Name)
		}
		if err := tx.Create(folder).Error; err != nil {
			return err
		}
		if folder.ParentID != nil {
			return applyCounters(tx, *folder.ParentID, CounterDelta{Folders: 1})
		}
		return nil
	})
}

// GetByID 根据 ID 读取文件夹。
func (r *folderRepository) GetByID(ctx context.Context, id uint) (*model.Folder, error) {
	return getFolder(r.db.WithContext(ctx), id)
}

// ListByIDs 按给定 ID 读取文件夹，结果按 depth 排序，用于面包屑。
func (r *folderRepository) ListByIDs(ctx context.Context, ids []uint) ([]model.Folder, error) {
	var folders []model.Folder
	if len(ids) == 0 {
		return folders, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("depth asc").Find(&folders).Error
	return folders, err
}

// ListChildren 列出某个父节点下的子文件夹，parentID 为空表示根。
func (r *folderRepository) ListChildren(ctx context.Context, ownerID uint, parentID *uint, includeTrashed bool) ([]model.Folder, error) {
	var folders []model.Folder
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	q = whereParent(q, "parent_id", parentID)
	if !includeTrashed {
		q = q.Where("is_trashed = ?", false)
	}
	err := q.Order("name_ci asc").Find(&folders).Error
	return folders, err
}

// Descendants 返回所有 AncestorIDs 中包含该节点的文件夹。
func (r *folderRepository) Descendants(ctx context.Context, folder *model.Folder) ([]model.Folder, error) {
	return descendants(r.db.WithContext(ctx), folder.ID)
}

// SiblingNameExists 判断同一所有者、同一父节点下是否已有同名（不区分大小写）且未进入回收站的文件夹。
func (r *folderRepository) SiblingNameExists(ctx context.Context, ownerID uint, parentID *uint, nameCI string, excludeID uint) (bool, error) {
	return siblingNameExists(r.db.WithContext(ctx), ownerID, parentID, nameCI, excludeID)
}

// Rename 在一个事务中更新节点名称，并以前缀替换的方式重写所有后代的 path。
func (r *folderRepository) Rename(ctx context.Context, id uint, name string) (*model.Folder, error) {
	var out *model.Folder
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		folder, err := lockFolder(tx, id)
		if err != nil {
			return err
		}
		if folder.IsTrashed {
			return fmt.Errorf("%w: folder %d is trashed", apperr.ErrConflict, id)
		}
		nameCI := model.NameKey(name)
		exists, err := siblingNameExists(tx, folder.OwnerID, folder.ParentID, nameCI, folder.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: folder %q already exists", apperr.ErrConflict, name)
		}

		oldPath := folder.Path
		newPath := model.JoinPath(parentPathOf(oldPath), name)
		if err := tx.Model(&model.Folder{}).Where("id = ?", id).Updates(map[string]interface{}{
			"name":    name,
			"name_ci": nameCI,
			"path":    newPath,
		}).Error; err != nil {
			return err
		}
		if oldPath != newPath {
			if err := rewriteDescendants(tx, folder, "", "", oldPath, newPath, 0); err != nil {
				return err
			}
		}
		out, err = getFolder(tx, id)
		return err
	})
	return out, err
}

// Move 将节点挂到新的父节点下（newParentID 为空表示根），并在同一事务中重写
// 节点及全部后代的 depth、ancestor_ids 和 path，同时转移父节点计数。
func (r *folderRepository) Move(ctx context.Context, id uint, newParentID *uint, maxDepth int) (*model.Folder, error) {
	var out *model.Folder
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		folder, err := lockFolder(tx, id)
		if err != nil {
			return err
		}
		if folder.IsTrashed {
			return fmt.Errorf("%w: folder %d is trashed", apperr.ErrConflict, id)
		}

		newAncestors := "/"
		newDepth := 0
		newParentPath := ""
		if newParentID != nil {
			if *newParentID == folder.ID {
				return fmt.Errorf("%w: folder %d cannot be its own parent", apperr.ErrCycle, id)
			}
			parent, err := lockFolder(tx, *newParentID)
			if err != nil {
				return err
			}
			if strings.Contains(parent.AncestorIDs, model.AncestorMarker(folder.ID)) {
				return fmt.Errorf("%w: folder %d is a descendant of %d", apperr.ErrCycle, parent.ID, id)
			}
			if parent.IsTrashed {
				return fmt.Errorf("%w: target folder %d is trashed", apperr.ErrConflict, parent.ID)
			}
			if parent.OwnerID != folder.OwnerID {
				return fmt.Errorf("%w: target folder %d", apperr.ErrAccessDenied, parent.ID)
			}
			newAncestors = parent.ChildAncestorIDs()
			newDepth = parent.Depth + 1
			newParentPath = parent.Path
		}
		if sameParent(folder.ParentID, newParentID) {
			out = folder
			return nil
		}

		descs, err := descendants(tx, folder.ID)
		if err != nil {
			return err
		}
		deepest := folder.Depth
		for _, d := range descs {
			if d.Depth > deepest {
				deepest = d.Depth
			}
		}
		delta := newDepth - folder.Depth
		if newDepth > maxDepth || deepest+delta > maxDepth {
			return fmt.Errorf("%w: subtree would reach depth %d (max %d)", apperr.ErrDepthExceeded, deepest+delta, maxDepth)
		}

		exists, err := siblingNameExists(tx, folder.OwnerID, newParentID, folder.NameCI, folder.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: folder %q already exists in target", apperr.ErrConflict, folder.Name)
		}

		oldChildAncestors := folder.ChildAncestorIDs()
		oldPath := folder.Path
		newPath := model.JoinPath(newParentPath, folder.Name)
		if err := tx.Model(&model.Folder{}).Where("id = ?", id).Updates(map[string]interface{}{
			"parent_id":    newParentID,
			"depth":        newDepth,
			"ancestor_ids": newAncestors,
			"path":         newPath,
		}).Error; err != nil {
			return err
		}
		moved := *folder
		moved.AncestorIDs = newAncestors
		if err := rewriteFolders(tx, descs, oldChildAncestors, moved.ChildAncestorIDs(), oldPath, newPath, delta); err != nil {
			return err
		}

		if folder.ParentID != nil {
			if err := applyCounters(tx, *folder.ParentID, CounterDelta{Folders: -1}); err != nil {
				return err
			}
		}
		if newParentID != nil {
			if err := applyCounters(tx, *newParentID, CounterDelta{Folders: 1}); err != nil {
				return err
			}
		}
		out, err = getFolder(tx, id)
		return err
	})
	return out, err
}

// Trash 将子树中所有尚未进入回收站的文件夹与文件标记为已删除，使用同一个时间戳与操作者。
// 每个新标记的条目都从其直接父文件夹的计数中扣除，已完成文件的字节从所有者用量中扣除。
func (r *folderRepository) Trash(ctx context.Context, id uint, by uint, at time.Time) (*TrashResult, error) {
	result := &TrashResult{TrashedAt: at}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tree, err := collectSubtree(tx, id, false)
		if err != nil {
			return err
		}
		if tree.Root.IsTrashed {
			return fmt.Errorf("%w: folder %d is already trashed", apperr.ErrConflict, id)
		}

		counters := map[uint]CounterDelta{}
		usage := map[uint]int64{}

		var folderIDs []uint
		for _, f := range tree.Folders {
			if f.IsTrashed {
				continue
			}
			folderIDs = append(folderIDs, f.ID)
			if f.ParentID != nil {
				d := counters[*f.ParentID]
				d.Folders--
				counters[*f.ParentID] = d
			}
		}
		var fileIDs []uint
		for i := range tree.Files {
			f := &tree.Files[i]
			if f.IsTrashed {
				continue
			}
			fileIDs = append(fileIDs, f.ID)
			if f.CountsInFolder() && f.FolderID != nil {
				d := counters[*f.FolderID]
				d.Files--
				d.Size -= f.Size
				counters[*f.FolderID] = d
			}
			if f.CountsInUsage() {
				usage[f.OwnerID] += f.Size
				result.BytesReleased += f.Size
			}
		}

		stamp := map[string]interface{}{"is_trashed": true, "trashed_at": at, "trashed_by": by}
		if len(folderIDs) > 0 {
			res := tx.Model(&model.Folder{}).Where("id IN ? AND is_trashed = ?", folderIDs, false).Updates(stamp)
			if res.Error != nil {
				return res.Error
			}
			result.FoldersTrashed = int(res.RowsAffected)
		}
		if len(fileIDs) > 0 {
			res := tx.Model(&model.File{}).Where("id IN ? AND is_trashed = ?", fileIDs, false).Updates(stamp)
			if res.Error != nil {
				return res.Error
			}
			result.FilesTrashed = int(res.RowsAffected)
		}
		if err := applyCounterMap(tx, counters); err != nil {
			return err
		}
		for owner, n := range usage {
			if err := adjustAccount(tx, owner, -n, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Restore 只清除该文件夹自身的回收站标记，子文件夹与文件保持原状。
func (r *folderRepository) Restore(ctx context.Context, id uint) (*model.Folder, error) {
	var out *model.Folder
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		folder, err := lockFolder(tx, id)
		if err != nil {
			return err
		}
		if !folder.IsTrashed {
			return fmt.Errorf("%w: folder %d is not trashed", apperr.ErrConflict, id)
		}
		if folder.ParentID != nil {
			parent, err := lockFolder(tx, *folder.ParentID)
			if err != nil {
				return err
			}
			if parent.IsTrashed {
				return fmt.Errorf("%w: parent folder %d is trashed, restore it first", apperr.ErrConflict, parent.ID)
			}
		}
		exists, err := siblingNameExists(tx, folder.OwnerID, folder.ParentID, folder.NameCI, folder.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: folder %q already exists", apperr.ErrConflict, folder.Name)
		}

		res := tx.Model(&model.Folder{}).Where("id = ? AND is_trashed = ?", id, true).Updates(map[string]interface{}{
			"is_trashed": false,
			"trashed_at": nil,
			"trashed_by": nil,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: folder %d restored concurrently", apperr.ErrConflict, id)
		}
		if folder.ParentID != nil {
			if err := applyCounters(tx, *folder.ParentID, CounterDelta{Folders: 1}); err != nil {
				return err
			}
		}
		out, err = getFolder(tx, id)
		return err
	})
	return out, err
}

// DeleteTree 永久删除子树中的全部文件与文件夹（自底向上），调整外部父节点计数与所有者用量。
// 存储对象由调用方在事务提交后删除。
func (r *folderRepository) DeleteTree(ctx context.Context, id uint) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tree, err := collectSubtree(tx, id, false)
		if err != nil {
			return err
		}

		usage := map[uint]int64{}
		fileIDs := make([]uint, 0, len(tree.Files))
		for i := range tree.Files {
			f := &tree.Files[i]
			fileIDs = append(fileIDs, f.ID)
			if f.CountsInUsage() {
				usage[f.OwnerID] += f.Size
				result.BytesReleased += f.Size
			}
		}
		if len(fileIDs) > 0 {
			if err := tx.Where("id IN ?", fileIDs).Delete(&model.File{}).Error; err != nil {
				return err
			}
		}

		// 自底向上：先删除最深的文件夹
		folders := append([]model.Folder(nil), tree.Folders...)
		sort.SliceStable(folders, func(i, j int) bool { return folders[i].Depth > folders[j].Depth })
		for start := 0; start < len(folders); {
			end := start
			ids := []uint{}
			for end < len(folders) && folders[end].Depth == folders[start].Depth {
				ids = append(ids, folders[end].ID)
				end++
			}
			if err := tx.Where("id IN ?", ids).Delete(&model.Folder{}).Error; err != nil {
				return err
			}
			start = end
		}

		if tree.Root.ParentID != nil && !tree.Root.IsTrashed {
			if err := applyCounters(tx, *tree.Root.ParentID, CounterDelta{Folders: -1}); err != nil {
				return err
			}
		}
		for owner, n := range usage {
			if err := adjustAccount(tx, owner, -n, 0); err != nil {
				return err
			}
		}
		result.DeletedFolders = len(folders)
		result.DeletedFiles = tree.Files
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CollectSubtree 以工作队列按层收集子树；liveOnly 时跳过已进入回收站的文件夹及其下的内容。
func (r *folderRepository) CollectSubtree(ctx context.Context, id uint, liveOnly bool) (*Subtree, error) {
	return collectSubtree(r.db.WithContext(ctx), id, liveOnly)
}

// ApplyCounters 原子地调整文件夹计数。
func (r *folderRepository) ApplyCounters(ctx context.Context, id uint, d CounterDelta) error {
	return applyCounters(r.db.WithContext(ctx), id, d)
}

// RecountChildren 扫描直接子节点重新计算聚合计数，仅用于审计修复。
func (r *folderRepository) RecountChildren(ctx context.Context, id uint) (*model.Folder, error) {
	var out *model.Folder
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockFolder(tx, id); err != nil {
			return err
		}
		var folders int64
		if err := tx.Model(&model.Folder{}).Where("parent_id = ? AND is_trashed = ?", id, false).Count(&folders).Error; err != nil {
			return err
		}
		var agg struct {
			Files int64
			Size  int64
		}
		if err := tx.Model(&model.File{}).
			Select("COUNT(*) AS files, COALESCE(SUM(size), 0) AS size").
			Where("folder_id = ? AND is_trashed = ? AND is_latest_version = ? AND processing_status = ?",
				id, false, true, model.StatusCompleted).
			Scan(&agg).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Folder{}).Where("id = ?", id).Updates(map[string]interface{}{
			"file_count":   agg.Files,
			"folder_count": folders,
			"total_size":   agg.Size,
		}).Error; err != nil {
			return err
		}
		var err error
		out, err = getFolder(tx, id)
		return err
	})
	return out, err
}

func getFolder(tx *gorm.DB, id uint) (*model.Folder, error) {
	var f model.Folder
	if err := tx.Where("id = ?", id).First(&f).Error; err != nil {
		return nil, notFound(err, "folder %d", id)
	}
	return &f, nil
}

// lockFolder 读取并锁定一行。SQLite 没有行锁，事务本身已经串行。
func lockFolder(tx *gorm.DB, id uint) (*model.Folder, error) {
	q := tx
	if tx.Dialector.Name() == "mysql" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return getFolder(q, id)
}

func whereParent(q *gorm.DB, column string, parentID *uint) *gorm.DB {
	if parentID == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *parentID)
}

func siblingNameExists(tx *gorm.DB, ownerID uint, parentID *uint, nameCI string, excludeID uint) (bool, error) {
	var count int64
	q := tx.Model(&model.Folder{}).Where("owner_id = ? AND name_ci = ? AND is_trashed = ?", ownerID, nameCI, false)
	q = whereParent(q, "parent_id", parentID)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func descendants(tx *gorm.DB, id uint) ([]model.Folder, error) {
	var folders []model.Folder
	err := tx.Where("ancestor_ids LIKE ?", "%"+model.AncestorMarker(id)+"%").Order("depth asc").Find(&folders).Error
	return folders, err
}

func sameParent(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// parentPathOf 返回 path 去掉最后一段后的前缀，根下节点返回空串。
func parentPathOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return ""
	}
	return path[:i]
}

// rewriteDescendants 读取 folder 的全部后代并重写。
func rewriteDescendants(tx *gorm.DB, folder *model.Folder, oldAnc, newAnc, oldPath, newPath string, depthDelta int) error {
	descs, err := descendants(tx, folder.ID)
	if err != nil {
		return err
	}
	return rewriteFolders(tx, descs, oldAnc, newAnc, oldPath, newPath, depthDelta)
}

// rewriteFolders 以前缀替换的方式更新 path 与 ancestor_ids，并平移 depth。
// oldAnc 为空时不修改 ancestor_ids。
func rewriteFolders(tx *gorm.DB, descs []model.Folder, oldAnc, newAnc, oldPath, newPath string, depthDelta int) error {
	for _, d := range descs {
		updates := map[string]interface{}{}
		if strings.HasPrefix(d.Path, oldPath+"/") {
			updates["path"] = newPath + d.Path[len(oldPath):]
		}
		if oldAnc != "" && strings.HasPrefix(d.AncestorIDs, oldAnc) {
			updates["ancestor_ids"] = newAnc + d.AncestorIDs[len(oldAnc):]
		}
		if depthDelta != 0 {
			updates["depth"] = d.Depth + depthDelta
		}
		if len(updates) == 0 {
			continue
		}
		if err := tx.Model(&model.Folder{}).Where("id = ?", d.ID).Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}

// collectSubtree 以显式工作队列逐层收集子树，每层一次批量查询，不使用递归。
func collectSubtree(tx *gorm.DB, id uint, liveOnly bool) (*Subtree, error) {
	root, err := getFolder(tx, id)
	if err != nil {
		return nil, err
	}
	tree := &Subtree{Root: *root, Folders: []model.Folder{*root}}

	frontier := []uint{root.ID}
	for len(frontier) > 0 {
		var files []model.File
		q := tx.Where("folder_id IN ?", frontier)
		if liveOnly {
			q = q.Where("is_trashed = ?", false)
		}
		if err := q.Find(&files).Error; err != nil {
			return nil, err
		}
		tree.Files = append(tree.Files, files...)

		var children []model.Folder
		q = tx.Where("parent_id IN ?", frontier)
		if liveOnly {
			q = q.Where("is_trashed = ?", false)
		}
		if err := q.Order("id asc").Find(&children).Error; err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, c := range children {
			tree.Folders = append(tree.Folders, c)
			frontier = append(frontier, c.ID)
		}
	}
	return tree, nil
}

func applyCounters(tx *gorm.DB, id uint, d CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	updates := map[string]interface{}{}
	if d.Files != 0 {
		updates["file_count"] = clampedAdd("file_count", d.Files)
	}
	if d.Folders != 0 {
		updates["folder_count"] = clampedAdd("folder_count", d.Folders)
	}
	if d.Size != 0 {
		updates["total_size"] = clampedAdd("total_size", d.Size)
	}
	return tx.Model(&model.Folder{}).Where("id = ?", id).Updates(updates).Error
}

// applyCounterMap 按 ID 顺序应用，固定加锁顺序。
func applyCounterMap(tx *gorm.DB, counters map[uint]CounterDelta) error {
	ids := make([]uint, 0, len(counters))
	for id := range counters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := applyCounters(tx, id, counters[id]); err != nil {
			return err
		}
	}
	return nil
}

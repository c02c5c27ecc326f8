package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FileRepository 接口定义了文件元数据、状态机与版本链的持久化操作。
// 涉及文件夹计数或用户用量的写操作都在单个事务中完成。
type FileRepository interface {
	CreatePending(ctx context.Context, file *model.File) error
	GetByID(ctx context.Context, id uint) (*model.File, error)
	GetByStorageKey(ctx context.Context, key string) (*model.File, error)
	ListInFolder(ctx context.Context, ownerID uint, folderID *uint, includeTrashed bool) ([]model.File, error)
	ListVersions(ctx context.Context, chainID uint) ([]model.File, error)
	LatestInChain(ctx context.Context, chainID uint) (*model.File, error)
	NextVersion(ctx context.Context, chainID uint) (int, error)

	MarkProcessing(ctx context.Context, id uint) error
	RevertProcessing(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, id uint, reason string) error
	Finalize(ctx context.Context, id uint, checksum string, size, reserved int64) (*model.File, error)
	DeleteUnfinished(ctx context.Context, id uint) error

	InsertCompleted(ctx context.Context, file *model.File, quota int64) error
	InsertVersion(ctx context.Context, file *model.File, quota int64) error
	Trash(ctx context.Context, id uint, by uint, at time.Time) (*model.File, error)
	Restore(ctx context.Context, id uint, quota int64) (*model.File, error)
	Rename(ctx context.Context, id uint, name, extension string) (*model.File, error)
	Move(ctx context.Context, id uint, folderID *uint) (*model.File, error)
	Delete(ctx context.Context, id uint) ([]model.File, error)
}

type fileRepository struct {
	db *gorm.DB
}

// NewFileRepository 创建一个新的 FileRepository 实例。
func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db}
}

var unfinishedStatuses = []model.ProcessingStatus{model.StatusPending, model.StatusProcessing, model.StatusFailed}

// CreatePending 插入 pending 文件；新文件的版本链 ID 即自身 ID。
func (r *fileRepository) CreatePending(ctx context.Context, file *model.File) error {
	file.ProcessingStatus = model.StatusPending
	file.Checksum = ""
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(file).Error; err != nil {
			return err
		}
		if file.ChainID == 0 {
			file.ChainID = file.ID
			return tx.Model(&model.File{}).Where("id = ?", file.ID).Update("chain_id", file.ID).Error
		}
		return nil
	})
}

// GetByID 根据 ID 读取文件。
func (r *fileRepository) GetByID(ctx context.Context, id uint) (*model.File, error) {
	return getFile(r.db.WithContext(ctx), id)
}

// GetByStorageKey 按对象键读取文件。
func (r *fileRepository) GetByStorageKey(ctx context.Context, key string) (*model.File, error) {
	var f model.File
	if err := r.db.WithContext(ctx).Where("storage_key = ?", key).First(&f).Error; err != nil {
		return nil, notFound(err, "file with key %s", key)
	}
	return &f, nil
}

// ListInFolder 列出文件夹中各版本链的最新已完成版本。
func (r *fileRepository) ListInFolder(ctx context.Context, ownerID uint, folderID *uint, includeTrashed bool) ([]model.File, error) {
	var files []model.File
	q := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_latest_version = ? AND processing_status = ?", ownerID, true, model.StatusCompleted)
	q = whereParent(q, "folder_id", folderID)
	if !includeTrashed {
		q = q.Where("is_trashed = ?", false)
	}
	err := q.Order("name_ci asc, id asc").Find(&files).Error
	return files, err
}

// ListVersions 按版本号升序列出版本链。
func (r *fileRepository) ListVersions(ctx context.Context, chainID uint) ([]model.File, error) {
	var files []model.File
	err := r.db.WithContext(ctx).Where("chain_id = ?", chainID).Order("version asc").Find(&files).Error
	return files, err
}

// LatestInChain 返回版本链中 is_latest_version 为 true 的文件。
func (r *fileRepository) LatestInChain(ctx context.Context, chainID uint) (*model.File, error) {
	return latestInChain(r.db.WithContext(ctx), chainID)
}

// NextVersion 返回版本链中下一个版本号。
func (r *fileRepository) NextVersion(ctx context.Context, chainID uint) (int, error) {
	return nextVersion(r.db.WithContext(ctx), chainID)
}

// MarkProcessing 条件转换 pending → processing。
func (r *fileRepository) MarkProcessing(ctx context.Context, id uint) error {
	return r.transition(ctx, id, []model.ProcessingStatus{model.StatusPending}, map[string]interface{}{
		"processing_status": model.StatusProcessing,
	})
}

// RevertProcessing 在完成阶段遇到可重试错误时回到 pending。
func (r *fileRepository) RevertProcessing(ctx context.Context, id uint) error {
	return r.transition(ctx, id, []model.ProcessingStatus{model.StatusProcessing}, map[string]interface{}{
		"processing_status": model.StatusPending,
	})
}

// MarkFailed 条件转换 pending|processing → failed，失败的文件不保留校验和。
func (r *fileRepository) MarkFailed(ctx context.Context, id uint, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return r.transition(ctx, id, []model.ProcessingStatus{model.StatusPending, model.StatusProcessing}, map[string]interface{}{
		"processing_status": model.StatusFailed,
		"failure_reason":    reason,
		"checksum":          "",
	})
}

func (r *fileRepository) transition(ctx context.Context, id uint, from []model.ProcessingStatus, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.File{}).
		Where("id = ? AND processing_status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: file %d is not in state %v", apperr.ErrConflict, id, from)
	}
	return nil
}

// Finalize 在一个事务中完成文件：processing → completed、写入校验和、
// 版本链翻转、所在文件夹计数增加、预占转入用量。
func (r *fileRepository) Finalize(ctx context.Context, id uint, checksum string, size, reserved int64) (*model.File, error) {
	if checksum == "" {
		return nil, fmt.Errorf("%w: empty checksum", apperr.ErrValidation)
	}
	var out *model.File
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := lockFile(tx, id)
		if err != nil {
			return err
		}
		now := time.Now()
		res := tx.Model(&model.File{}).
			Where("id = ? AND processing_status = ?", id, model.StatusProcessing).
			Updates(map[string]interface{}{
				"processing_status": model.StatusCompleted,
				"checksum":          checksum,
				"size":              size,
				"completed_at":      now,
				"failure_reason":    "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: file %d is %s, not processing", apperr.ErrConflict, id, file.ProcessingStatus)
		}
		file.ProcessingStatus = model.StatusCompleted
		file.Size = size

		if !file.IsLatestVersion {
			if err := flipLatest(tx, file); err != nil {
				return err
			}
		}
		if file.CountsInFolder() && file.FolderID != nil {
			if err := applyCounters(tx, *file.FolderID, CounterDelta{Files: 1, Size: size}); err != nil {
				return err
			}
		}
		if err := adjustAccount(tx, file.OwnerID, size, -reserved); err != nil {
			return err
		}
		out, err = getFile(tx, id)
		return err
	})
	return out, err
}

// DeleteUnfinished 删除未完成的文件记录，已完成的文件不受影响。重复调用安全。
func (r *fileRepository) DeleteUnfinished(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND processing_status IN ?", id, unfinishedStatuses).
		Delete(&model.File{}).Error
}

// InsertCompleted 插入一个已完成的新文件（复制），在配额内计入用量并增加文件夹计数。
func (r *fileRepository) InsertCompleted(ctx context.Context, file *model.File, quota int64) error {
	file.ProcessingStatus = model.StatusCompleted
	file.IsLatestVersion = true
	file.Version = 1
	file.ChainID = 0
	file.ParentVersion = nil
	file.VersionHistory = []uint{}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if file.FolderID != nil {
			if err := requireLiveFolder(tx, *file.FolderID, file.OwnerID); err != nil {
				return err
			}
		}
		if err := chargeUsed(tx, file.OwnerID, file.Size, quota); err != nil {
			return err
		}
		if err := tx.Create(file).Error; err != nil {
			return err
		}
		file.ChainID = file.ID
		if err := tx.Model(&model.File{}).Where("id = ?", file.ID).Update("chain_id", file.ID).Error; err != nil {
			return err
		}
		if file.CountsInFolder() && file.FolderID != nil {
			return applyCounters(tx, *file.FolderID, CounterDelta{Files: 1, Size: file.Size})
		}
		return nil
	})
}

// InsertVersion 插入一个已完成的新版本并原子地翻转 is_latest_version。
// file.ChainID 必须指向已有版本链，版本号、父版本与历史在事务内根据当前最新版本计算。
func (r *fileRepository) InsertVersion(ctx context.Context, file *model.File, quota int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := latestInChain(tx, file.ChainID)
		if err != nil {
			return err
		}
		version, err := nextVersion(tx, file.ChainID)
		if err != nil {
			return err
		}
		file.Version = version
		parent := latest.ID
		file.ParentVersion = &parent
		file.VersionHistory = append(append([]uint{}, latest.VersionHistory...), latest.ID)
		file.FolderID = latest.FolderID
		file.OwnerID = latest.OwnerID
		file.ProcessingStatus = model.StatusCompleted
		file.IsLatestVersion = false

		if err := chargeUsed(tx, file.OwnerID, file.Size, quota); err != nil {
			return err
		}
		if err := tx.Create(file).Error; err != nil {
			return err
		}
		if err := flipLatest(tx, file); err != nil {
			return err
		}
		if file.CountsInFolder() && file.FolderID != nil {
			return applyCounters(tx, *file.FolderID, CounterDelta{Files: 1, Size: file.Size})
		}
		return nil
	})
}

// Trash 将单个文件移入回收站。
func (r *fileRepository) Trash(ctx context.Context, id uint, by uint, at time.Time) (*model.File, error) {
	var out *model.File
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := lockFile(tx, id)
		if err != nil {
			return err
		}
		if file.IsTrashed {
			return fmt.Errorf("%w: file %d is already trashed", apperr.ErrConflict, id)
		}
		if !file.IsCompleted() {
			return fmt.Errorf("%w: file %d is %s", apperr.ErrConflict, id, file.ProcessingStatus)
		}
		res := tx.Model(&model.File{}).Where("id = ? AND is_trashed = ?", id, false).Updates(map[string]interface{}{
			"is_trashed": true,
			"trashed_at": at,
			"trashed_by": by,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: file %d trashed concurrently", apperr.ErrConflict, id)
		}
		if file.CountsInFolder() && file.FolderID != nil {
			if err := applyCounters(tx, *file.FolderID, CounterDelta{Files: -1, Size: -file.Size}); err != nil {
				return err
			}
		}
		if err := adjustAccount(tx, file.OwnerID, -file.Size, 0); err != nil {
			return err
		}
		out, err = getFile(tx, id)
		return err
	})
	return out, err
}

// Restore 恢复单个文件。所在文件夹必须未进入回收站，字节重新计入用量并受配额约束。
func (r *fileRepository) Restore(ctx context.Context, id uint, quota int64) (*model.File, error) {
	var out *model.File
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := lockFile(tx, id)
		if err != nil {
			return err
		}
		if !file.IsTrashed {
			return fmt.Errorf("%w: file %d is not trashed", apperr.ErrConflict, id)
		}
		if file.FolderID != nil {
			if err := requireLiveFolder(tx, *file.FolderID, file.OwnerID); err != nil {
				return err
			}
		}
		if err := chargeUsed(tx, file.OwnerID, file.Size, quota); err != nil {
			return err
		}
		res := tx.Model(&model.File{}).Where("id = ? AND is_trashed = ?", id, true).Updates(map[string]interface{}{
			"is_trashed": false,
			"trashed_at": nil,
			"trashed_by": nil,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: file %d restored concurrently", apperr.ErrConflict, id)
		}
		file.IsTrashed = false
		if file.CountsInFolder() && file.FolderID != nil {
			if err := applyCounters(tx, *file.FolderID, CounterDelta{Files: 1, Size: file.Size}); err != nil {
				return err
			}
		}
		out, err = getFile(tx, id)
		return err
	})
	return out, err
}

// Rename 只修改元数据，存储 key 不变。
func (r *fileRepository) Rename(ctx context.Context, id uint, name, extension string) (*model.File, error) {
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&model.File{}).Where("id = ?", id).Updates(map[string]interface{}{
		"name":      name,
		"name_ci":   model.NameKey(name),
		"extension": extension,
	}).Error; err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Move 将整个版本链移到目标文件夹（folderID 为空表示根），并转移计数。
func (r *fileRepository) Move(ctx context.Context, id uint, folderID *uint) (*model.File, error) {
	var out *model.File
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := lockFile(tx, id)
		if err != nil {
			return err
		}
		if file.IsTrashed {
			return fmt.Errorf("%w: file %d is trashed", apperr.ErrConflict, id)
		}
		if folderID != nil {
			if err := requireLiveFolder(tx, *folderID, file.OwnerID); err != nil {
				return err
			}
		}
		if sameParent(file.FolderID, folderID) {
			out = file
			return nil
		}

		var chain []model.File
		if err := tx.Where("chain_id = ?", file.ChainID).Find(&chain).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.File{}).Where("chain_id = ?", file.ChainID).Update("folder_id", folderID).Error; err != nil {
			return err
		}
		counters := map[uint]CounterDelta{}
		for i := range chain {
			f := &chain[i]
			if !f.CountsInFolder() {
				continue
			}
			if f.FolderID != nil {
				d := counters[*f.FolderID]
				d.Files--
				d.Size -= f.Size
				counters[*f.FolderID] = d
			}
			if folderID != nil {
				d := counters[*folderID]
				d.Files++
				d.Size += f.Size
				counters[*folderID] = d
			}
		}
		if err := applyCounterMap(tx, counters); err != nil {
			return err
		}
		out, err = getFile(tx, id)
		return err
	})
	return out, err
}

// Delete 永久删除文件。删除最新版本时整个版本链一并删除，保证每条链恰好有一个最新版本。
// 返回被删除的记录，调用方据此删除存储对象。
func (r *fileRepository) Delete(ctx context.Context, id uint) ([]model.File, error) {
	var deleted []model.File
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := lockFile(tx, id)
		if err != nil {
			return err
		}
		if file.IsLatestVersion {
			if err := tx.Where("chain_id = ?", file.ChainID).Find(&deleted).Error; err != nil {
				return err
			}
		} else {
			deleted = []model.File{*file}
		}

		ids := make([]uint, 0, len(deleted))
		counters := map[uint]CounterDelta{}
		usage := map[uint]int64{}
		for i := range deleted {
			f := &deleted[i]
			ids = append(ids, f.ID)
			if f.CountsInFolder() && f.FolderID != nil {
				d := counters[*f.FolderID]
				d.Files--
				d.Size -= f.Size
				counters[*f.FolderID] = d
			}
			if f.CountsInUsage() {
				usage[f.OwnerID] += f.Size
			}
		}
		if err := tx.Where("id IN ?", ids).Delete(&model.File{}).Error; err != nil {
			return err
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
	return deleted, nil
}

func getFile(tx *gorm.DB, id uint) (*model.File, error) {
	var f model.File
	if err := tx.Where("id = ?", id).First(&f).Error; err != nil {
		return nil, notFound(err, "file %d", id)
	}
	return &f, nil
}

func lockFile(tx *gorm.DB, id uint) (*model.File, error) {
	q := tx
	if tx.Dialector.Name() == "mysql" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return getFile(q, id)
}

func latestInChain(tx *gorm.DB, chainID uint) (*model.File, error) {
	var f model.File
	if err := tx.Where("chain_id = ? AND is_latest_version = ?", chainID, true).First(&f).Error; err != nil {
		return nil, notFound(err, "latest version of chain %d", chainID)
	}
	return &f, nil
}

func nextVersion(tx *gorm.DB, chainID uint) (int, error) {
	var max int
	err := tx.Model(&model.File{}).Select("COALESCE(MAX(version), 0)").Where("chain_id = ?", chainID).Scan(&max).Error
	return max + 1, err
}

func requireLiveFolder(tx *gorm.DB, folderID, ownerID uint) error {
	folder, err := lockFolder(tx, folderID)
	if err != nil {
		return err
	}
	if folder.OwnerID != ownerID {
		return fmt.Errorf("%w: folder %d", apperr.ErrAccessDenied, folderID)
	}
	if folder.IsTrashed {
		return fmt.Errorf("%w: folder %d is trashed", apperr.ErrConflict, folderID)
	}
	return nil
}

// flipLatest 将版本链的最新标记从当前最新版本转移到 file。
// 清除旧标记与设置新标记都是带条件的写入，任一影响 0 行即说明并发翻转，整体回滚。
func flipLatest(tx *gorm.DB, file *model.File) error {
	var prev model.File
	err := tx.Where("chain_id = ? AND is_latest_version = ? AND id <> ?", file.ChainID, true, file.ID).First(&prev).Error
	switch {
	case err == nil:
		res := tx.Model(&model.File{}).
			Where("id = ? AND is_latest_version = ?", prev.ID, true).
			Update("is_latest_version", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: version chain %d changed concurrently", apperr.ErrConflict, file.ChainID)
		}
		if prev.CountsInFolder() && prev.FolderID != nil {
			if err := applyCounters(tx, *prev.FolderID, CounterDelta{Files: -1, Size: -prev.Size}); err != nil {
				return err
			}
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 链中没有其它最新版本
	default:
		return err
	}

	res := tx.Model(&model.File{}).
		Where("id = ? AND is_latest_version = ?", file.ID, false).
		Update("is_latest_version", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: version %d is already latest", apperr.ErrConflict, file.ID)
	}
	file.IsLatestVersion = true
	return nil
}

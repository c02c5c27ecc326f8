package service

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/config"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/repository"
	"vault-drive-go/pkg/events"
	"vault-drive-go/pkg/log"
	"vault-drive-go/pkg/objectstore"
)

// FileMeta 是登记 pending 文件时的元数据。
type FileMeta struct {
	Name            string
	MimeType        string
	Size            int64
	StorageKey      string
	StorageProvider string
	// ReplaceFileID 非零时登记为该文件所在版本链的新版本。
	ReplaceFileID uint
}

// BytesRef 指向已经写入存储的一段字节。
type BytesRef struct {
	Key      string
	Provider string
	Size     int64
	Checksum string
	MimeType string
}

// FileService 接口定义了文件元数据、处理状态机与版本链的业务操作。
type FileService interface {
	RegisterPending(ctx context.Context, caller model.Caller, folderID *uint, meta FileMeta) (*model.File, error)
	MarkProcessing(ctx context.Context, id uint) error
	RevertProcessing(ctx context.Context, id uint) error
	Finalize(ctx context.Context, id uint, checksum string, size, reserved int64) (*model.File, error)
	MarkFailed(ctx context.Context, id uint, reason string) error
	// DiscardPending 删除未完成的文件记录，已完成的文件不受影响。
	DiscardPending(ctx context.Context, id uint) error
	// AcceptUpload 判断 key 是否仍可以接收直传字节：只有 pending 文件的对象可以写入。
	AcceptUpload(ctx context.Context, key string) error

	Get(ctx context.Context, caller model.Caller, id uint) (*model.File, error)
	ListVersions(ctx context.Context, caller model.Caller, id uint) ([]model.File, error)
	CreateVersion(ctx context.Context, caller model.Caller, id uint, ref BytesRef) (*model.File, error)
	Trash(ctx context.Context, caller model.Caller, id uint) (*model.File, error)
	Restore(ctx context.Context, caller model.Caller, id uint) (*model.File, error)
	Rename(ctx context.Context, caller model.Caller, id uint, name string) (*model.File, error)
	Move(ctx context.Context, caller model.Caller, id uint, folderID *uint) (*model.File, error)
	Copy(ctx context.Context, caller model.Caller, id uint, folderID *uint, name string) (*model.File, error)
	Delete(ctx context.Context, caller model.Caller, id uint) ([]model.File, error)
	DownloadURL(ctx context.Context, caller model.Caller, id uint, op objectstore.Operation) (string, error)
}

type fileService struct {
	files      repository.FileRepository
	namespace  NamespaceService
	quota      QuotaService
	storage    *StorageGateway
	publisher  events.Publisher
	signExpiry time.Duration
}

// NewFileService 创建一个新的 FileService 实例。
func NewFileService(files repository.FileRepository, namespace NamespaceService, quota QuotaService, storage *StorageGateway, publisher events.Publisher, cfg config.UploadConfig) FileService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	expiry := cfg.SignedURLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &fileService{
		files:      files,
		namespace:  namespace,
		quota:      quota,
		storage:    storage,
		publisher:  publisher,
		signExpiry: expiry,
	}
}

// RegisterPending 登记一个 pending 文件。替换已有文件时，新版本在完成前不是最新版本。
func (s *fileService) RegisterPending(ctx context.Context, caller model.Caller, folderID *uint, meta FileMeta) (*model.File, error) {
	name, err := validateName(meta.Name)
	if err != nil {
		return nil, err
	}
	f := &model.File{
		OwnerID:         caller.UserID,
		FolderID:        folderID,
		Name:            name,
		NameCI:          model.NameKey(name),
		OriginalName:    name,
		MimeType:        meta.MimeType,
		Extension:       extensionOf(name),
		Size:            meta.Size,
		StorageKey:      meta.StorageKey,
		StorageProvider: meta.StorageProvider,
		Version:         1,
		IsLatestVersion: true,
		VersionHistory:  []uint{},
	}

	if meta.ReplaceFileID != 0 {
		latest, err := s.latestOwned(ctx, caller, meta.ReplaceFileID)
		if err != nil {
			return nil, err
		}
		version, err := s.files.NextVersion(ctx, latest.ChainID)
		if err != nil {
			return nil, err
		}
		parent := latest.ID
		f.FolderID = latest.FolderID
		f.ChainID = latest.ChainID
		f.Version = version
		f.ParentVersion = &parent
		f.VersionHistory = append(append([]uint{}, latest.VersionHistory...), latest.ID)
		f.IsLatestVersion = false
		f.IsPublic = latest.IsPublic
	}

	if err := s.files.CreatePending(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// MarkProcessing 实现 FileService。
func (s *fileService) MarkProcessing(ctx context.Context, id uint) error {
	return s.files.MarkProcessing(ctx, id)
}

// RevertProcessing 实现 FileService。
func (s *fileService) RevertProcessing(ctx context.Context, id uint) error {
	return s.files.RevertProcessing(ctx, id)
}

// Finalize 完成文件并发布事件。
func (s *fileService) Finalize(ctx context.Context, id uint, checksum string, size, reserved int64) (*model.File, error) {
	f, err := s.files.Finalize(ctx, id, checksum, size, reserved)
	if err != nil {
		return nil, err
	}
	publish(ctx, s.publisher, events.Event{
		Type:            events.FileCompleted,
		UserID:          f.OwnerID,
		ResourceID:      f.ID,
		StorageKey:      f.StorageKey,
		StorageProvider: f.StorageProvider,
		Size:            f.Size,
	})
	return f, nil
}

// MarkFailed 实现 FileService。
func (s *fileService) MarkFailed(ctx context.Context, id uint, reason string) error {
	return s.files.MarkFailed(ctx, id, reason)
}

// DiscardPending 实现 FileService。
func (s *fileService) DiscardPending(ctx context.Context, id uint) error {
	return s.files.DeleteUnfinished(ctx, id)
}

// AcceptUpload 实现 FileService。完成流程开始后对象不可再被覆盖。
func (s *fileService) AcceptUpload(ctx context.Context, key string) error {
	f, err := s.files.GetByStorageKey(ctx, key)
	if err != nil {
		return err
	}
	if f.ProcessingStatus != model.StatusPending {
		return fmt.Errorf("%w: file %d is %s and no longer accepts uploads", apperr.ErrConflict, f.ID, f.ProcessingStatus)
	}
	return nil
}

// Get 读取文件并校验读权限。未完成的文件只对所有者可见。
func (s *fileService) Get(ctx context.Context, caller model.Caller, id uint) (*model.File, error) {
	f, err := s.files.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canRead(caller, f); err != nil {
		return nil, err
	}
	if !f.IsCompleted() && f.OwnerID != caller.UserID {
		return nil, fmt.Errorf("%w: file %d", apperr.ErrNotFound, id)
	}
	return f, nil
}

// ListVersions 返回文件所在版本链的全部已完成版本。
func (s *fileService) ListVersions(ctx context.Context, caller model.Caller, id uint) ([]model.File, error) {
	f, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	all, err := s.files.ListVersions(ctx, f.ChainID)
	if err != nil {
		return nil, err
	}
	versions := make([]model.File, 0, len(all))
	for _, v := range all {
		if v.IsCompleted() {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// CreateVersion 以已写入存储的字节创建新版本，并在同一事务中翻转最新版本标记。
func (s *fileService) CreateVersion(ctx context.Context, caller model.Caller, id uint, ref BytesRef) (*model.File, error) {
	if ref.Key == "" || ref.Checksum == "" || ref.Size < 0 {
		return nil, fmt.Errorf("%w: incomplete bytes reference", apperr.ErrValidation)
	}
	latest, err := s.latestOwned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	quota, err := s.quota.QuotaFor(ctx, caller)
	if err != nil {
		return nil, err
	}
	provider := ref.Provider
	if provider == "" {
		provider = latest.StorageProvider
	}
	mime := ref.MimeType
	if mime == "" {
		mime = latest.MimeType
	}
	now := time.Now()
	v := &model.File{
		Name:            latest.Name,
		NameCI:          latest.NameCI,
		OriginalName:    latest.OriginalName,
		MimeType:        mime,
		Extension:       latest.Extension,
		Size:            ref.Size,
		StorageKey:      ref.Key,
		StorageProvider: provider,
		Checksum:        ref.Checksum,
		IsPublic:        latest.IsPublic,
		ChainID:         latest.ChainID,
		CompletedAt:     &now,
	}
	if err := s.files.InsertVersion(ctx, v, quota); err != nil {
		return nil, err
	}
	log.Infof("[File] 版本链 %d 新增版本 %d (file=%d)", v.ChainID, v.Version, v.ID)
	publish(ctx, s.publisher, events.Event{
		Type:            events.FileCompleted,
		UserID:          v.OwnerID,
		ResourceID:      v.ID,
		StorageKey:      v.StorageKey,
		StorageProvider: v.StorageProvider,
		Size:            v.Size,
	})
	return v, nil
}

// Trash 将文件移入回收站。
func (s *fileService) Trash(ctx context.Context, caller model.Caller, id uint) (*model.File, error) {
	if _, err := s.owned(ctx, caller, id); err != nil {
		return nil, err
	}
	f, err := s.files.Trash(ctx, id, caller.UserID, time.Now())
	if err != nil {
		return nil, err
	}
	publish(ctx, s.publisher, events.Event{Type: events.FileTrashed, UserID: f.OwnerID, ResourceID: f.ID, Size: f.Size})
	return f, nil
}

// Restore 恢复文件，字节重新计入用量。
func (s *fileService) Restore(ctx context.Context, caller model.Caller, id uint) (*model.File, error) {
	if _, err := s.owned(ctx, caller, id); err != nil {
		return nil, err
	}
	quota, err := s.quota.QuotaFor(ctx, caller)
	if err != nil {
		return nil, err
	}
	f, err := s.files.Restore(ctx, id, quota)
	if err != nil {
		return nil, err
	}
	publish(ctx, s.publisher, events.Event{Type: events.FileRestored, UserID: f.OwnerID, ResourceID: f.ID, Size: f.Size})
	return f, nil
}

// Rename 只修改元数据，存储 key 不变。
func (s *fileService) Rename(ctx context.Context, caller model.Caller, id uint, name string) (*model.File, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	f, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if f.IsTrashed {
		return nil, fmt.Errorf("%w: file %d is trashed", apperr.ErrConflict, id)
	}
	return s.files.Rename(ctx, id, name, extensionOf(name))
}

// Move 移动整个版本链到目标文件夹，folderID 为空表示根。
func (s *fileService) Move(ctx context.Context, caller model.Caller, id uint, folderID *uint) (*model.File, error) {
	if _, err := s.owned(ctx, caller, id); err != nil {
		return nil, err
	}
	if _, err := s.namespace.WritableFolder(ctx, caller, folderID); err != nil {
		return nil, err
	}
	return s.files.Move(ctx, id, folderID)
}

// Copy 复制文件到调用方的目标文件夹。新文件使用新的 key，后端支持时走服务端复制，
// 否则完整复制字节；两种情况都重新计入配额。
func (s *fileService) Copy(ctx context.Context, caller model.Caller, id uint, folderID *uint, name string) (*model.File, error) {
	src, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !src.IsCompleted() || src.IsTrashed {
		return nil, fmt.Errorf("%w: file %d cannot be copied in its current state", apperr.ErrConflict, id)
	}
	if name == "" {
		name = src.Name
	}
	name, err = validateName(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.namespace.WritableFolder(ctx, caller, folderID); err != nil {
		return nil, err
	}
	ok, err := s.quota.CanAdmit(ctx, caller, src.Size)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: copy needs %d bytes", apperr.ErrQuotaExceeded, src.Size)
	}
	// 预占 0 字节以确保账户存在
	if err := s.quota.Reserve(ctx, caller, 0); err != nil {
		return nil, err
	}
	quota, err := s.quota.QuotaFor(ctx, caller)
	if err != nil {
		return nil, err
	}

	key := newStorageKey(caller.UserID, time.Now())
	if err := s.storage.copy(ctx, src.StorageProvider, src.StorageKey, key, src.Size); err != nil {
		return nil, err
	}
	now := time.Now()
	cp := &model.File{
		OwnerID:         caller.UserID,
		FolderID:        folderID,
		Name:            name,
		NameCI:          model.NameKey(name),
		OriginalName:    src.OriginalName,
		MimeType:        src.MimeType,
		Extension:       extensionOf(name),
		Size:            src.Size,
		StorageKey:      key,
		StorageProvider: src.StorageProvider,
		Checksum:        src.Checksum,
		CompletedAt:     &now,
	}
	if err := s.files.InsertCompleted(ctx, cp, quota); err != nil {
		s.storage.remove(ctx, caller.UserID, src.StorageProvider, key)
		return nil, err
	}
	log.Infof("[File] 文件 %d 复制为 %d (key=%s)", src.ID, cp.ID, key)
	publish(ctx, s.publisher, events.Event{
		Type:            events.FileCompleted,
		UserID:          cp.OwnerID,
		ResourceID:      cp.ID,
		StorageKey:      cp.StorageKey,
		StorageProvider: cp.StorageProvider,
		Size:            cp.Size,
	})
	return cp, nil
}

// Delete 永久删除文件；删除最新版本时删除整个版本链。
func (s *fileService) Delete(ctx context.Context, caller model.Caller, id uint) ([]model.File, error) {
	if _, err := s.owned(ctx, caller, id); err != nil {
		return nil, err
	}
	deleted, err := s.files.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	evs := make([]events.Event, 0, len(deleted))
	for i := range deleted {
		f := &deleted[i]
		s.storage.remove(ctx, f.OwnerID, f.StorageProvider, f.StorageKey)
		evs = append(evs, events.Event{Type: events.FileDeleted, UserID: f.OwnerID, ResourceID: f.ID, Size: f.Size})
	}
	publish(ctx, s.publisher, evs...)
	return deleted, nil
}

// DownloadURL 为已完成文件生成下载或预览链接。
func (s *fileService) DownloadURL(ctx context.Context, caller model.Caller, id uint, op objectstore.Operation) (string, error) {
	if op != objectstore.OpDownload && op != objectstore.OpPreview {
		return "", fmt.Errorf("%w: unsupported operation %q", apperr.ErrValidation, op)
	}
	f, err := s.Get(ctx, caller, id)
	if err != nil {
		return "", err
	}
	if !f.IsCompleted() {
		return "", fmt.Errorf("%w: file %d is %s", apperr.ErrConflict, id, f.ProcessingStatus)
	}
	if f.IsTrashed && f.OwnerID != caller.UserID {
		return "", fmt.Errorf("%w: file %d", apperr.ErrNotFound, id)
	}
	return s.storage.signedURL(ctx, f.StorageProvider, f.StorageKey, objectstore.SignOptions{
		Operation:   op,
		ExpiresIn:   s.signExpiry,
		ContentType: f.MimeType,
		FileName:    f.Name,
	})
}

func (s *fileService) owned(ctx context.Context, caller model.Caller, id uint) (*model.File, error) {
	f, err := s.files.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canWrite(caller, f); err != nil {
		return nil, err
	}
	return f, nil
}

// latestOwned 返回 id 所在版本链的最新已完成版本，要求调用方拥有且未进入回收站。
func (s *fileService) latestOwned(ctx context.Context, caller model.Caller, id uint) (*model.File, error) {
	f, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	latest, err := s.files.LatestInChain(ctx, f.ChainID)
	if err != nil {
		return nil, err
	}
	if latest.IsTrashed {
		return nil, fmt.Errorf("%w: file %d is trashed", apperr.ErrConflict, latest.ID)
	}
	if !latest.IsCompleted() {
		return nil, fmt.Errorf("%w: file %d is %s", apperr.ErrConflict, latest.ID, latest.ProcessingStatus)
	}
	return latest, nil
}

// chainTarget 是替换上传时锁定的目标。
func chainTarget(chainID uint) string {
	return "chain:" + strconv.FormatUint(uint64(chainID), 10)
}

func fileTarget(fileID uint) string {
	return "file:" + strconv.FormatUint(uint64(fileID), 10)
}

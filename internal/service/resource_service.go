package service

import (
	"context"
	"fmt"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/model"
)

// Resource 在只读能力之外提供回收站操作，按具体类型分派到对应的服务。
type Resource interface {
	model.Resource
	Trash(ctx context.Context, caller model.Caller) error
	Restore(ctx context.Context, caller model.Caller) error
}

// ResourceService 按类型解析文件或文件夹。
type ResourceService interface {
	Resolve(ctx context.Context, caller model.Caller, kind model.ResourceKind, id uint) (Resource, error)
}

type resourceService struct {
	namespace NamespaceService
	files     FileService
}

// NewResourceService 创建一个新的 ResourceService 实例。
func NewResourceService(namespace NamespaceService, files FileService) ResourceService {
	return &resourceService{namespace: namespace, files: files}
}

// Resolve 读取资源并校验读权限，写权限由 Trash/Restore 自行校验。
func (s *resourceService) Resolve(ctx context.Context, caller model.Caller, kind model.ResourceKind, id uint) (Resource, error) {
	switch kind {
	case model.ResourceFolder:
		folder, err := s.namespace.Get(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return &folderResource{Folder: folder, svc: s.namespace}, nil
	case model.ResourceFile:
		file, err := s.files.Get(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return &fileResource{File: file, svc: s.files}, nil
	default:
		return nil, fmt.Errorf("%w: unknown resource kind %q", apperr.ErrValidation, kind)
	}
}

type folderResource struct {
	*model.Folder
	svc NamespaceService
}

func (r *folderResource) Trash(ctx context.Context, caller model.Caller) error {
	if _, err := r.svc.Trash(ctx, caller, r.ID); err != nil {
		return err
	}
	return r.reload(ctx, caller)
}

func (r *folderResource) Restore(ctx context.Context, caller model.Caller) error {
	folder, err := r.svc.Restore(ctx, caller, r.ID)
	if err != nil {
		return err
	}
	r.Folder = folder
	return nil
}

func (r *folderResource) reload(ctx context.Context, caller model.Caller) error {
	folder, err := r.svc.Get(ctx, caller, r.ID)
	if err != nil {
		return err
	}
	r.Folder = folder
	return nil
}

type fileResource struct {
	*model.File
	svc FileService
}

func (r *fileResource) Trash(ctx context.Context, caller model.Caller) error {
	file, err := r.svc.Trash(ctx, caller, r.ID)
	if err != nil {
		return err
	}
	r.File = file
	return nil
}

func (r *fileResource) Restore(ctx context.Context, caller model.Caller) error {
	file, err := r.svc.Restore(ctx, caller, r.ID)
	if err != nil {
		return err
	}
	r.File = file
	return nil
}

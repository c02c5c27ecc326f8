package main

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"vault-drive-go/internal/config"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/service"
	"vault-drive-go/pkg/log"
	"vault-drive-go/pkg/objectstore"
)

// seedFiles 扫描目录下文件并通过标准上传流程导入到 seed 用户的根目录（幂等）。
func seedFiles(ctx context.Context, cfg config.SeedConfig, registry *objectstore.Registry, namespace service.NamespaceService, files service.FileService, uploads service.UploadService) {
	if cfg.Dir == "" {
		return
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil || !info.IsDir() {
		log.Infof("seedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", cfg.Dir)
		return
	}
	caller := model.Caller{UserID: cfg.UserID, Tier: cfg.Tier}

	root, err := namespace.ListChildren(ctx, caller, nil, true)
	if err != nil {
		log.Warnf("seedFiles: 读取根目录失败，跳过初始化导入: %v", err)
		return
	}
	existing := make(map[string]bool, len(root.Files))
	for _, f := range root.Files {
		existing[strings.ToLower(f.Name)] = true
	}

	walkErr := filepath.WalkDir(cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if existing[strings.ToLower(name)] {
			log.Infof("seedFiles: 已存在，跳过: %s", name)
			return nil
		}
		if err := seedOne(ctx, caller, path, name, registry, files, uploads); err != nil {
			log.Warnf("seedFiles: 导入失败: %s, err=%v", path, err)
			return nil
		}
		existing[strings.ToLower(name)] = true
		log.Infof("seedFiles: 导入完成: %s", name)
		return nil
	})
	if walkErr != nil {
		log.Warnf("seedFiles: 遍历目录发生错误: %v", walkErr)
	}
}

func seedOne(ctx context.Context, caller model.Caller, path, name string, registry *objectstore.Registry, files service.FileService, uploads service.UploadService) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		log.Infof("seedFiles: 空文件跳过: %s", path)
		return nil
	}

	res, err := uploads.Open(ctx, caller, service.OpenRequest{Name: name, Size: fi.Size()})
	if err != nil {
		return err
	}
	if err := sendSeedBytes(ctx, caller, f, fi.Size(), res, registry, files, uploads); err != nil {
		if aerr := uploads.Abort(ctx, caller, res.UploadID); aerr != nil {
			log.Warnf("seedFiles: 取消上传 %s 失败: %v", res.UploadID, aerr)
		}
		return err
	}
	_, err = uploads.Finalize(ctx, caller, res.UploadID)
	return err
}

// sendSeedBytes 扮演客户端的角色：直传时写到 pending 文件的存储 key，分片时逐片提交。
func sendSeedBytes(ctx context.Context, caller model.Caller, f io.ReaderAt, size int64, res *service.OpenResult, registry *objectstore.Registry, files service.FileService, uploads service.UploadService) error {
	if res.Strategy == model.StrategyDirect {
		pending, err := files.Get(ctx, caller, res.FileID)
		if err != nil {
			return err
		}
		store, err := registry.Get(pending.StorageProvider)
		if err != nil {
			return err
		}
		return store.Put(ctx, pending.StorageKey, io.NewSectionReader(f, 0, size), size, pending.MimeType)
	}
	for i := 0; i < res.TotalChunks; i++ {
		offset := int64(i) * res.ChunkSize
		n := res.ChunkSize
		if offset+n > size {
			n = size - offset
		}
		if _, err := uploads.SubmitChunk(ctx, caller, res.UploadID, i, io.NewSectionReader(f, offset, n), n); err != nil {
			return err
		}
	}
	return nil
}

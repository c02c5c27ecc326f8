package service

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
	"vault-drive-go/internal/config"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/repository"
	"vault-drive-go/internal/testutil"
	"vault-drive-go/pkg/events"
	"vault-drive-go/pkg/metrics"
	"vault-drive-go/pkg/objectstore"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testChunkSize = 10

type env struct {
	db        *gorm.DB
	store     *objectstore.Local
	recorder  *events.Recorder
	accounts  repository.AccountRepository
	folders   repository.FolderRepository
	fileRepo  repository.FileRepository
	quota     QuotaService
	namespace NamespaceService
	files     FileService
	uploads   UploadService
	resources ResourceService
}

var (
	alice = model.Caller{UserID: 1, Tier: "free"}
	bob   = model.Caller{UserID: 2, Tier: "free"}
)

// envOptions 调整测试环境：wrap 包装注册到 "local" 的后端，sessionTTL 覆盖会话有效期。
type envOptions struct {
	wrap       func(objectstore.Store) objectstore.Store
	sessionTTL time.Duration
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, envOptions{})
}

func newEnvWith(t *testing.T, opts envOptions) *env {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	reg, store, _ := testutil.NewRegistry(t)
	if opts.wrap != nil {
		reg.Register("local", opts.wrap(store))
	}
	if opts.sessionTTL <= 0 {
		opts.sessionTTL = time.Hour
	}
	m := metrics.New(prometheus.NewRegistry())
	rec := &events.Recorder{}

	storage := NewStorageGateway(reg, rec, m, config.StorageConfig{
		OperationTimeout: 5 * time.Second,
		MaxAttempts:      1,
	})
	uploadCfg := config.UploadConfig{
		ChunkSize:          testChunkSize,
		MaxFileSize:        1000,
		SessionTTL:         opts.sessionTTL,
		CompletedRetention: time.Minute,
		SignedURLExpiry:    time.Minute,
	}

	e := &env{
		db:       db,
		store:    store,
		recorder: rec,
		accounts: repository.NewAccountRepository(db),
		folders:  repository.NewFolderRepository(db),
		fileRepo: repository.NewFileRepository(db),
	}
	e.quota = NewQuotaService(e.accounts, config.QuotaConfig{
		DefaultTier: "free",
		Tiers: map[string]int64{
			"free":  1000,
			"small": 100,
			"max":   -1,
		},
	}, m)
	e.namespace = NewNamespaceService(e.folders, e.fileRepo, storage, rec, config.NamespaceConfig{MaxDepth: 20})
	e.files = NewFileService(e.fileRepo, e.namespace, e.quota, storage, rec, uploadCfg)
	e.uploads = NewUploadService(repository.NewUploadRepository(rdb), e.files, e.namespace, e.quota, storage, m, uploadCfg)
	e.resources = NewResourceService(e.namespace, e.files)
	t.Cleanup(e.uploads.Wait)
	return e
}

func (e *env) folder(t *testing.T, caller model.Caller, parent *model.Folder, name string) *model.Folder {
	t.Helper()
	var pid *uint
	if parent != nil {
		pid = &parent.ID
	}
	f, err := e.namespace.Create(context.Background(), caller, pid, name, "")
	require.NoError(t, err)
	return f
}

func (e *env) reloadFolder(t *testing.T, id uint) *model.Folder {
	t.Helper()
	f, err := e.folders.GetByID(context.Background(), id)
	require.NoError(t, err)
	return f
}

func (e *env) usage(t *testing.T, caller model.Caller) *Usage {
	t.Helper()
	u, err := e.quota.UsageFor(context.Background(), caller)
	require.NoError(t, err)
	return u
}

func (e *env) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := e.store.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func (e *env) read(t *testing.T, key string) []byte {
	t.Helper()
	rc, err := e.store.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

// sendChunks 提交 indices 指定的分片。
func (e *env) sendChunks(t *testing.T, caller model.Caller, uploadID string, data []byte, indices ...int) []*ChunkReceipt {
	t.Helper()
	var receipts []*ChunkReceipt
	for _, i := range indices {
		chunk := chunkOf(data, i)
		r, err := e.uploads.SubmitChunk(context.Background(), caller, uploadID, i, bytes.NewReader(chunk), int64(len(chunk)))
		require.NoError(t, err)
		receipts = append(receipts, r)
	}
	return receipts
}

// upload 以合适的策略完整上传 data 并完成，返回完成的文件。
func (e *env) upload(t *testing.T, caller model.Caller, folderID *uint, name string, data []byte) *model.File {
	t.Helper()
	return e.uploadReq(t, caller, OpenRequest{Name: name, Size: int64(len(data)), FolderID: folderID}, data)
}

func (e *env) uploadReq(t *testing.T, caller model.Caller, req OpenRequest, data []byte) *model.File {
	t.Helper()
	ctx := context.Background()
	res, err := e.uploads.Open(ctx, caller, req)
	require.NoError(t, err)
	e.sendBytes(t, caller, res, data)
	f, err := e.uploads.Finalize(ctx, caller, res.UploadID)
	require.NoError(t, err)
	return f
}

// sendBytes 按会话策略写入字节：直传时直接写到最终对象，分片时逐片提交。
func (e *env) sendBytes(t *testing.T, caller model.Caller, res *OpenResult, data []byte) {
	t.Helper()
	if res.Strategy == model.StrategyDirect {
		pending, err := e.fileRepo.GetByID(context.Background(), res.FileID)
		require.NoError(t, err)
		require.NoError(t, e.store.Put(context.Background(), pending.StorageKey, bytes.NewReader(data), int64(len(data)), "application/octet-stream"))
		return
	}
	indices := make([]int, res.TotalChunks)
	for i := range indices {
		indices[i] = i
	}
	e.sendChunks(t, caller, res.UploadID, data, indices...)
}

func chunkOf(data []byte, i int) []byte {
	start := i * testChunkSize
	end := start + testChunkSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

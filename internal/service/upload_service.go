// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/config"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/repository"
	"vault-drive-go/pkg/log"
	"vault-drive-go/pkg/metrics"
	"vault-drive-go/pkg/objectstore"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// sweepBatch 是清扫时每次从过期索引读取的会话数。
var sweepBatch = 500

const (
	// compensateTimeout 限制条件转换之后的补偿步骤（回退、删除 pending 文件、归还预占）。
	compensateTimeout = 30 * time.Second
	// cleanupParallelism 限制后台删除分片对象的并发数。
	cleanupParallelism = 8
)

// OpenRequest 是开启上传会话的参数。
type OpenRequest struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	FolderID *uint  `json:"folderId"`
	// Checksum 是客户端声明的 SHA-256 十六进制摘要，可为空。
	Checksum string `json:"checksum"`
	// ReplaceFileID 非零时本次上传成为该文件的新版本。
	ReplaceFileID uint `json:"replaceFileId"`
}

// OpenResult 告诉客户端如何上传字节。
type OpenResult struct {
	UploadID    string               `json:"uploadId"`
	FileID      uint                 `json:"fileId"`
	Strategy    model.UploadStrategy `json:"strategy"`
	UploadURL   string               `json:"uploadUrl,omitempty"`
	ChunkSize   int64                `json:"chunkSize,omitempty"`
	// MaxChunks 与 TotalChunks 相同，是分片索引的上界（不含）。
	MaxChunks   int                  `json:"maxChunks,omitempty"`
	TotalChunks int                  `json:"totalChunks,omitempty"`
	ExpiresAt   time.Time            `json:"expiresAt"`
}

// ChunkReceipt 是一次分片提交的结果。
type ChunkReceipt struct {
	Index int `json:"index"`
	// Received 在分片已记录（包括重复提交）时为 true。
	Received      bool `json:"received"`
	Duplicate     bool `json:"duplicate"`
	ReceivedCount int  `json:"receivedCount"`
	Total         int  `json:"total"`
}

// UploadStatus 是会话的进度。
type UploadStatus struct {
	UploadID       string               `json:"uploadId"`
	FileID         uint                 `json:"fileId"`
	State          model.SessionState   `json:"state"`
	Strategy       model.UploadStrategy `json:"strategy"`
	ReceivedChunks []int                `json:"receivedChunks"`
	TotalChunks    int                  `json:"totalChunks"`
	Progress       float64              `json:"progress"`
	ExpiresAt      time.Time            `json:"expiresAt"`
	Checksum       string               `json:"checksum,omitempty"`
}

// UploadService 接口定义了上传会话的业务操作。
type UploadService interface {
	Open(ctx context.Context, caller model.Caller, req OpenRequest) (*OpenResult, error)
	SubmitChunk(ctx context.Context, caller model.Caller, uploadID string, index int, r io.Reader, size int64) (*ChunkReceipt, error)
	Finalize(ctx context.Context, caller model.Caller, uploadID string) (*model.File, error)
	Abort(ctx context.Context, caller model.Caller, uploadID string) error
	Status(ctx context.Context, caller model.Caller, uploadID string) (*UploadStatus, error)
	// SweepExpired 清理 ExpiresAt 不晚于 now 的会话，返回处理的数量。
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// Wait 等待后台清理任务结束。
	Wait()
}

type uploadService struct {
	sessions  repository.UploadRepository
	files     FileService
	namespace NamespaceService
	quota     QuotaService
	storage   *StorageGateway
	metrics   *metrics.Metrics
	cfg       config.UploadConfig

	background sync.WaitGroup
	now        func() time.Time
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(sessions repository.UploadRepository, files FileService, namespace NamespaceService, quota QuotaService, storage *StorageGateway, m *metrics.Metrics, cfg config.UploadConfig) UploadService {
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 10 * time.Minute
	}
	if cfg.SignedURLExpiry <= 0 {
		cfg.SignedURLExpiry = 15 * time.Minute
	}
	return &uploadService{
		sessions:  sessions,
		files:     files,
		namespace: namespace,
		quota:     quota,
		storage:   storage,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// detach 返回不随请求取消、带独立超时的 context。会话状态一旦被条件转换改变，
// 后续的补偿步骤必须执行完，否则文件与预占会停留在中间状态。
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// finalizeStale 判断 finalizing 会话的完成流程是否已超出其最长耗时，
// 此时发起它的请求不可能仍在运行，会话可以被终止或过期。
func (s *uploadService) finalizeStale(sess *model.UploadSession, now time.Time) bool {
	since := sess.StateChangedAt
	if since.IsZero() {
		since = sess.CreatedAt
	}
	return !now.Before(since.Add(s.storage.finalizeBudget(sess.Size) + 2*compensateTimeout))
}

// Open 预检、预占配额、登记 pending 文件并创建会话。任一步失败都会撤销之前的步骤。
func (s *uploadService) Open(ctx context.Context, caller model.Caller, req OpenRequest) (*OpenResult, error) {
	log.Infof("[OpenUpload] 用户 %d 开启上传: name=%s size=%d replace=%d", caller.UserID, req.Name, req.Size, req.ReplaceFileID)

	checksum, err := s.validateOpen(&req)
	if err != nil {
		return nil, err
	}
	if req.ReplaceFileID == 0 {
		if _, err := s.namespace.WritableFolder(ctx, caller, req.FolderID); err != nil {
			return nil, err
		}
	}

	provider, _, err := s.storage.defaultStore(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	key := newStorageKey(caller.UserID, now)
	sess := &model.UploadSession{
		UploadID:         uuid.NewString(),
		UserID:           caller.UserID,
		Size:             req.Size,
		ChunkSize:        s.cfg.ChunkSize,
		StorageKey:       key,
		StorageProvider:  provider,
		FileName:         req.Name,
		MimeType:         req.MimeType,
		ExpectedChecksum: checksum,
		ReservedBytes:    req.Size,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.SessionTTL),
		State:            model.SessionCreated,
	}

	res := &OpenResult{UploadID: sess.UploadID, ExpiresAt: sess.ExpiresAt}
	if req.Size <= s.cfg.ChunkSize {
		sess.Strategy = model.StrategyDirect
		sess.TotalChunks = 1
		// 签名失败时不需要撤销任何状态
		res.UploadURL, err = s.storage.signedURL(ctx, provider, key, objectstore.SignOptions{
			Operation:     objectstore.OpUpload,
			ExpiresIn:     s.cfg.SignedURLExpiry,
			ContentType:   req.MimeType,
			ContentLength: req.Size,
		})
		if err != nil {
			return nil, err
		}
	} else {
		sess.Strategy = model.StrategyChunked
		sess.TotalChunks = model.TotalChunksFor(req.Size, s.cfg.ChunkSize)
		res.ChunkSize = sess.ChunkSize
		res.TotalChunks = sess.TotalChunks
		res.MaxChunks = sess.TotalChunks
	}
	res.Strategy = sess.Strategy

	if err := s.quota.Reserve(ctx, caller, req.Size); err != nil {
		return nil, err
	}
	file, err := s.files.RegisterPending(ctx, caller, req.FolderID, FileMeta{
		Name:            req.Name,
		MimeType:        req.MimeType,
		Size:            req.Size,
		StorageKey:      key,
		StorageProvider: provider,
		ReplaceFileID:   req.ReplaceFileID,
	})
	if err != nil {
		s.releaseQuietly(ctx, caller.UserID, req.Size)
		return nil, err
	}
	sess.FileID = file.ID
	sess.Target = fileTarget(file.ID)
	if req.ReplaceFileID != 0 {
		sess.Target = chainTarget(file.ChainID)
	}

	if err := s.createSession(ctx, sess); err != nil {
		log.Errorf("[OpenUpload] 创建会话失败，撤销 pending 文件 %d: %v", file.ID, err)
		if derr := s.files.DiscardPending(ctx, file.ID); derr != nil {
			log.Errorf("[OpenUpload] 删除 pending 文件 %d 失败: %v", file.ID, derr)
		}
		s.releaseQuietly(ctx, caller.UserID, req.Size)
		return nil, err
	}

	res.FileID = file.ID
	s.metrics.SessionEvent("opened")
	log.Infof("[OpenUpload] 会话已创建: upload=%s file=%d strategy=%s chunks=%d", sess.UploadID, file.ID, sess.Strategy, sess.TotalChunks)
	return res, nil
}

func (s *uploadService) validateOpen(req *OpenRequest) (string, error) {
	name, err := validateName(req.Name)
	if err != nil {
		return "", err
	}
	req.Name = name
	if req.Size <= 0 {
		return "", fmt.Errorf("%w: size must be positive", apperr.ErrValidation)
	}
	if s.cfg.MaxFileSize > 0 && req.Size > s.cfg.MaxFileSize {
		return "", fmt.Errorf("%w: size %d exceeds limit %d", apperr.ErrValidation, req.Size, s.cfg.MaxFileSize)
	}
	if req.MimeType == "" {
		req.MimeType = "application/octet-stream"
	}
	if req.Checksum == "" {
		return "", nil
	}
	sum := strings.ToLower(strings.TrimSpace(req.Checksum))
	if b, err := hex.DecodeString(sum); err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: checksum must be a hex SHA-256 digest", apperr.ErrValidation)
	}
	return sum, nil
}

// createSession 创建会话；目标被一个已过期但尚未清扫的会话占用时，先将其过期再重试一次。
func (s *uploadService) createSession(ctx context.Context, sess *model.UploadSession) error {
	err := s.sessions.Create(ctx, sess)
	if !errors.Is(err, apperr.ErrConflict) {
		return err
	}
	holderID, herr := s.sessions.Holder(ctx, sess.Target)
	if herr != nil || holderID == "" {
		return err
	}
	holder, herr := s.sessions.Get(ctx, holderID)
	if herr != nil || !holder.State.Live() || time.Now().Before(holder.ExpiresAt) {
		return err
	}
	if xerr := s.expire(ctx, holder, []model.SessionState{model.SessionCreated, model.SessionReceiving}); xerr != nil {
		return err
	}
	return s.sessions.Create(ctx, sess)
}

// session 读取会话并校验归属。
func (s *uploadService) session(ctx context.Context, caller model.Caller, uploadID string) (*model.UploadSession, error) {
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != caller.UserID {
		return nil, fmt.Errorf("%w: upload session %s", apperr.ErrAccessDenied, uploadID)
	}
	return sess, nil
}

// liveSession 读取仍可接收分片的会话。已过期但尚未清扫的会话同样视为过期。
func (s *uploadService) liveSession(ctx context.Context, caller model.Caller, uploadID string) (*model.UploadSession, error) {
	sess, err := s.session(ctx, caller, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.State == model.SessionExpired || (sess.State.Live() && !time.Now().Before(sess.ExpiresAt)) {
		return nil, fmt.Errorf("%w: upload session %s", apperr.ErrSessionExpired, uploadID)
	}
	if !sess.State.Live() {
		return nil, fmt.Errorf("%w: upload session %s is %s", apperr.ErrConflict, uploadID, sess.State)
	}
	return sess, nil
}

// SubmitChunk 写入一个分片。重复提交同一索引不会再次写入字节。
func (s *uploadService) SubmitChunk(ctx context.Context, caller model.Caller, uploadID string, index int, r io.Reader, size int64) (*ChunkReceipt, error) {
	sess, err := s.liveSession(ctx, caller, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.Strategy != model.StrategyChunked {
		return nil, fmt.Errorf("%w: upload session %s uses direct upload", apperr.ErrValidation, uploadID)
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d out of range [0, %d)", apperr.ErrValidation, index, sess.TotalChunks)
	}
	want := sess.ChunkLength(index)
	if size >= 0 && size != want {
		return nil, fmt.Errorf("%w: chunk %d has %d bytes, expected %d", apperr.ErrValidation, index, size, want)
	}

	receipt := &ChunkReceipt{Index: index, Total: sess.TotalChunks}
	received, err := s.sessions.IsChunkReceived(ctx, uploadID, index)
	if err != nil {
		return nil, err
	}
	if received {
		receipt.Duplicate = true
	} else {
		b, err := readExactly(r, want)
		if err != nil {
			return nil, err
		}
		if err := s.storage.putBytes(ctx, sess.StorageProvider, chunkKey(uploadID, index), b, "application/octet-stream"); err != nil {
			log.Errorf("[UploadChunk] 写入分片失败: upload=%s index=%d err=%v", uploadID, index, err)
			return nil, err
		}
		// 两个请求并发提交同一索引时，位图保证只计一次
		if receipt.Duplicate, err = s.sessions.MarkChunk(ctx, sess, index); err != nil {
			return nil, err
		}
	}
	s.metrics.Chunk(receipt.Duplicate)

	if receipt.ReceivedCount, err = s.sessions.ReceivedCount(ctx, uploadID); err != nil {
		return nil, err
	}
	receipt.Received = true
	log.Infof("[UploadChunk] upload=%s 分片 %d 已接收 (duplicate=%t) %d/%d", uploadID, index, receipt.Duplicate, receipt.ReceivedCount, receipt.Total)
	return receipt, nil
}

// Finalize 校验并提交上传。对已完成的会话重复调用返回相同的文件。
func (s *uploadService) Finalize(ctx context.Context, caller model.Caller, uploadID string) (*model.File, error) {
	sess, err := s.session(ctx, caller, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.IsComplete() {
		return s.files.Get(ctx, caller, sess.FileID)
	}
	if sess.State == model.SessionFinalizing && s.finalizeStale(sess, s.now()) {
		// 上一次完成流程中途退出（例如进程重启），先回退再重新完成
		log.Warnf("[Finalize] 会话 %s 的完成流程已失效，回退后重试", uploadID)
		s.reopen(ctx, sess, model.SessionReceiving, true)
	}
	if sess, err = s.liveSession(ctx, caller, uploadID); err != nil {
		return nil, err
	}
	log.Infof("[Finalize] 开始完成上传: upload=%s file=%d", uploadID, sess.FileID)

	var chunks []string
	if sess.Strategy == model.StrategyChunked {
		n, err := s.sessions.ReceivedCount(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		if n < sess.TotalChunks {
			return nil, fmt.Errorf("%w: %d of %d chunks received", apperr.ErrValidation, n, sess.TotalChunks)
		}
		chunks = make([]string, sess.TotalChunks)
		for i := range chunks {
			chunks[i] = chunkKey(uploadID, i)
		}
	}

	prev, err := s.sessions.Transition(ctx, uploadID, []model.SessionState{model.SessionCreated, model.SessionReceiving}, model.SessionFinalizing)
	if err != nil {
		return nil, err
	}
	// 进入 finalizing 后不再受请求取消影响：客户端断开时流程照常完成或回退，重试可得到结果
	ctx, cancel := detach(ctx, s.storage.finalizeBudget(sess.Size)+compensateTimeout)
	defer cancel()

	if err := s.files.MarkProcessing(ctx, sess.FileID); err != nil {
		s.reopen(ctx, sess, prev, false)
		return nil, err
	}

	if sess.Strategy == model.StrategyChunked {
		if err := s.storage.compose(ctx, sess.StorageProvider, sess.StorageKey, chunks, sess.ChunkSize, sess.Size, sess.MimeType); err != nil {
			log.Errorf("[Finalize] 合并分片失败: upload=%s err=%v", uploadID, err)
			s.reopen(ctx, sess, prev, true)
			return nil, err
		}
	} else if _, err := s.storage.stat(ctx, sess.StorageProvider, sess.StorageKey); err != nil {
		s.reopen(ctx, sess, prev, true)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: object for upload %s has not been uploaded", apperr.ErrValidation, uploadID)
		}
		return nil, err
	}

	sum, n, err := s.storage.checksum(ctx, sess.StorageProvider, sess.StorageKey, sess.Size)
	if err != nil {
		s.reopen(ctx, sess, prev, true)
		return nil, err
	}
	if n != sess.Size {
		return nil, s.reject(ctx, sess, fmt.Sprintf("size mismatch: expected %d, got %d", sess.Size, n))
	}
	if sess.ExpectedChecksum != "" && sess.ExpectedChecksum != sum {
		return nil, s.reject(ctx, sess, fmt.Sprintf("checksum mismatch: expected %s, got %s", sess.ExpectedChecksum, sum))
	}

	file, err := s.files.Finalize(ctx, sess.FileID, sum, n, sess.ReservedBytes)
	if err != nil {
		log.Errorf("[Finalize] 提交文件 %d 失败: %v", sess.FileID, err)
		s.reopen(ctx, sess, prev, true)
		return nil, err
	}
	if _, err := s.sessions.Finish(ctx, sess, []model.SessionState{model.SessionFinalizing}, model.SessionCompleted, sum, s.cfg.CompletedRetention); err != nil {
		// 文件已经提交，会话状态会在清扫时处理
		log.Errorf("[Finalize] 会话 %s 标记完成失败: %v", uploadID, err)
	}
	s.cleanupChunks(sess.UserID, sess.StorageProvider, chunks)

	s.metrics.SessionEvent("finalized")
	s.metrics.Committed(n)
	log.Infof("[Finalize] 上传完成: upload=%s file=%d size=%d sha256=%s", uploadID, file.ID, n, sum)
	return file, nil
}

// reopen 在可重试的失败后把会话与文件退回到完成之前的状态。
func (s *uploadService) reopen(ctx context.Context, sess *model.UploadSession, prev model.SessionState, processing bool) {
	ctx, cancel := detach(ctx, compensateTimeout)
	defer cancel()
	if processing {
		if err := s.files.RevertProcessing(ctx, sess.FileID); err != nil {
			log.Errorf("[Finalize] 文件 %d 回退到 pending 失败: %v", sess.FileID, err)
		}
	}
	if prev == "" {
		prev = model.SessionReceiving
	}
	if _, err := s.sessions.Transition(ctx, sess.UploadID, []model.SessionState{model.SessionFinalizing}, prev); err != nil {
		log.Errorf("[Finalize] 会话 %s 回退到 %s 失败: %v", sess.UploadID, prev, err)
	}
}

// reject 处理完整性校验失败：文件标记失败后删除，会话终止，归还预占。
func (s *uploadService) reject(ctx context.Context, sess *model.UploadSession, reason string) error {
	log.Warnf("[Finalize] 上传 %s 校验失败: %s", sess.UploadID, reason)
	ctx, cancel := detach(ctx, compensateTimeout)
	defer cancel()
	if err := s.files.MarkFailed(ctx, sess.FileID, reason); err != nil {
		log.Errorf("[Finalize] 标记文件 %d 失败状态出错: %v", sess.FileID, err)
	}
	if _, err := s.sessions.Finish(ctx, sess, []model.SessionState{model.SessionFinalizing}, model.SessionAborted, "", s.cfg.CompletedRetention); err != nil {
		log.Errorf("[Finalize] 会话 %s 终止失败: %v", sess.UploadID, err)
	}
	s.discard(ctx, sess)
	s.metrics.SessionEvent("failed")
	return fmt.Errorf("%w: %s", apperr.ErrChecksumMismatch, reason)
}

// Abort 终止会话并撤销它产生的全部状态。
func (s *uploadService) Abort(ctx context.Context, caller model.Caller, uploadID string) error {
	sess, err := s.session(ctx, caller, uploadID)
	if err != nil {
		return err
	}
	from := []model.SessionState{model.SessionCreated, model.SessionReceiving}
	if sess.State == model.SessionFinalizing && s.finalizeStale(sess, s.now()) {
		log.Warnf("[AbortUpload] 会话 %s 的完成流程已失效，按终止处理", uploadID)
		from = append(from, model.SessionFinalizing)
	}
	if _, err := s.sessions.Finish(ctx, sess, from, model.SessionAborted, "", s.cfg.CompletedRetention); err != nil {
		return err
	}
	s.discard(ctx, sess)
	s.metrics.SessionEvent("aborted")
	log.Infof("[AbortUpload] 用户 %d 终止上传 %s", caller.UserID, uploadID)
	return nil
}

// Status 返回会话进度。
func (s *uploadService) Status(ctx context.Context, caller model.Caller, uploadID string) (*UploadStatus, error) {
	sess, err := s.session(ctx, caller, uploadID)
	if err != nil {
		return nil, err
	}
	st := &UploadStatus{
		UploadID:       sess.UploadID,
		FileID:         sess.FileID,
		State:          sess.State,
		Strategy:       sess.Strategy,
		ReceivedChunks: []int{},
		TotalChunks:    sess.TotalChunks,
		ExpiresAt:      sess.ExpiresAt,
		Checksum:       sess.Checksum,
	}
	if sess.State.Live() && !time.Now().Before(sess.ExpiresAt) {
		st.State = model.SessionExpired
	}
	switch {
	case sess.IsComplete():
		st.Progress = 100
	case sess.Strategy == model.StrategyChunked && sess.TotalChunks > 0:
		if st.ReceivedChunks, err = s.sessions.ReceivedChunks(ctx, uploadID, sess.TotalChunks); err != nil {
			return nil, err
		}
		st.Progress = float64(len(st.ReceivedChunks)) * 100 / float64(sess.TotalChunks)
	}
	return st, nil
}

// SweepExpired 将到期会话转为 expired 并清理，按批扫描直到过期索引中没有更多到期会话。
// 仍留在索引中的会话（完成流程尚未失效的 finalizing 等）通过 offset 跳过，不会挡住后面的会话。
func (s *uploadService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	var offset int64
	for ctx.Err() == nil {
		ids, err := s.sessions.DueForExpiry(ctx, now, offset, int64(sweepBatch))
		if err != nil {
			return expired, err
		}
		for _, id := range ids {
			done, kept := s.sweepOne(ctx, id, now)
			if done {
				expired++
			}
			if kept {
				offset++
			}
		}
		if len(ids) < sweepBatch {
			break
		}
	}
	s.metrics.Sweep(expired)
	if expired > 0 {
		log.Infof("[Sweep] 本轮清理 %d 个过期会话", expired)
	}
	return expired, nil
}

// sweepOne 处理一个到期会话。expired 表示本次将其转为 expired，kept 表示它仍留在过期索引中。
func (s *uploadService) sweepOne(ctx context.Context, id string, now time.Time) (expired, kept bool) {
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		// 会话键已过期，只剩索引
		if err := s.sessions.Remove(ctx, &model.UploadSession{UploadID: id}); err != nil {
			return false, true
		}
		return false, false
	}
	if err != nil {
		log.Errorf("[Sweep] 读取会话 %s 失败: %v", id, err)
		return false, true
	}
	from := []model.SessionState{model.SessionCreated, model.SessionReceiving}
	switch sess.State {
	case model.SessionFinalizing:
		if !s.finalizeStale(sess, now) {
			return false, true
		}
		log.Warnf("[Sweep] 会话 %s 的完成流程已失效，按过期处理", id)
		from = append(from, model.SessionFinalizing)
	case model.SessionCreated, model.SessionReceiving:
		if now.Before(sess.ExpiresAt) {
			return false, true
		}
	default:
		// 已是终态，只需移出索引
		if err := s.sessions.Remove(ctx, sess); err != nil {
			return false, true
		}
		return false, false
	}
	if err := s.expire(ctx, sess, from); err != nil {
		if !errors.Is(err, apperr.ErrConflict) {
			log.Errorf("[Sweep] 过期会话 %s 失败: %v", id, err)
		}
		return false, true
	}
	return true, false
}

func (s *uploadService) expire(ctx context.Context, sess *model.UploadSession, from []model.SessionState) error {
	if _, err := s.sessions.Finish(ctx, sess, from, model.SessionExpired, "", s.cfg.CompletedRetention); err != nil {
		return err
	}
	s.discard(ctx, sess)
	s.metrics.SessionEvent("expired")
	return nil
}

// discard 撤销会话产生的状态：分片与最终对象、未完成的文件记录、配额预占。
// 调用方必须已经通过条件转换取得会话的终止权，保证只执行一次。
func (s *uploadService) discard(ctx context.Context, sess *model.UploadSession) {
	ctx, cancel := detach(ctx, compensateTimeout)
	defer cancel()
	if sess.Strategy == model.StrategyChunked {
		chunks := make([]string, sess.TotalChunks)
		for i := range chunks {
			chunks[i] = chunkKey(sess.UploadID, i)
		}
		s.cleanupChunks(sess.UserID, sess.StorageProvider, chunks)
	}

	owner := model.Caller{UserID: sess.UserID}
	if f, err := s.files.Get(ctx, owner, sess.FileID); err == nil && f.IsCompleted() {
		// 文件已提交，预占已转为用量
		return
	}
	s.storage.remove(ctx, sess.UserID, sess.StorageProvider, sess.StorageKey)
	if err := s.files.DiscardPending(ctx, sess.FileID); err != nil {
		log.Errorf("删除未完成文件 %d 失败: %v", sess.FileID, err)
	}
	s.releaseQuietly(ctx, sess.UserID, sess.ReservedBytes)
}

// cleanupChunks 在后台删除分片对象。
func (s *uploadService) cleanupChunks(userID uint, provider string, keys []string) {
	if len(keys) == 0 {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx := context.Background()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cleanupParallelism)
		for _, key := range keys {
			g.Go(func() error {
				s.storage.remove(gctx, userID, provider, key)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (s *uploadService) releaseQuietly(ctx context.Context, userID uint, n int64) {
	if err := s.quota.Release(ctx, userID, n); err != nil {
		log.Errorf("归还用户 %d 的 %d 字节预占失败: %v", userID, n, err)
	}
}

// Wait 实现 UploadService。
func (s *uploadService) Wait() {
	s.background.Wait()
}

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/config"
	"vault-drive-go/pkg/events"
	"vault-drive-go/pkg/log"
	"vault-drive-go/pkg/metrics"
	"vault-drive-go/pkg/objectstore"

	"github.com/google/uuid"
)

// StorageGateway 为服务层包装对象存储：单次操作超时、幂等操作的退避重试、
// 指标记录，以及把 objectstore 错误翻译为 apperr 分类。
type StorageGateway struct {
	registry  *objectstore.Registry
	publisher events.Publisher
	metrics   *metrics.Metrics
	timeout   time.Duration
	attempts  int
	backoff   time.Duration

	// throughput 是整对象流式操作假定的最低速率（字节/秒），用于按大小放宽超时。
	throughput int64
}

// NewStorageGateway 创建服务层共用的存储网关，publisher 为空时不发布清理事件。
func NewStorageGateway(registry *objectstore.Registry, publisher events.Publisher, m *metrics.Metrics, cfg config.StorageConfig) *StorageGateway {
	g := &StorageGateway{
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		timeout:   cfg.OperationTimeout,
		attempts:  cfg.MaxAttempts,
		backoff:   cfg.RetryBackoff,

		throughput: cfg.MinThroughput,
	}
	if g.publisher == nil {
		g.publisher = events.Nop{}
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if g.attempts <= 0 {
		g.attempts = 1
	}
	if g.throughput <= 0 {
		g.throughput = defaultMinThroughput
	}
	return g
}

// defaultMinThroughput 为 8MiB/s。
const defaultMinThroughput = 8 << 20

// sizedTimeout 返回流式处理 size 字节的单次超时：基础超时加上按最低速率传输所需的时间。
func (g *StorageGateway) sizedTimeout(size int64) time.Duration {
	if size <= 0 {
		return g.timeout
	}
	return g.timeout + time.Duration(size/g.throughput+1)*time.Second
}

// finalizeBudget 是完成一次上传（合并、计算摘要，各含重试）最多耗费的时间。
func (g *StorageGateway) finalizeBudget(size int64) time.Duration {
	per := g.sizedTimeout(size) + g.backoff<<g.attempts
	return 2 * time.Duration(g.attempts) * per
}

// defaultStore 返回新上传使用的后端。
func (g *StorageGateway) defaultStore(ctx context.Context) (string, objectstore.Store, error) {
	name, store, err := g.registry.Default(ctx)
	if err != nil {
		return "", nil, translateStorageErr(err)
	}
	return name, store, nil
}

func (g *StorageGateway) store(provider string) (objectstore.Store, error) {
	s, err := g.registry.Get(provider)
	if err != nil {
		return nil, translateStorageErr(err)
	}
	return s, nil
}

// do 以单次超时执行 fn；retry 为真且错误可重试时按指数退避再次尝试。
func (g *StorageGateway) do(ctx context.Context, provider, op string, retry bool, fn func(ctx context.Context, s objectstore.Store) error) error {
	return g.doTimeout(ctx, provider, op, retry, g.timeout, fn)
}

// doTimeout 与 do 相同，但使用指定的单次超时。
func (g *StorageGateway) doTimeout(ctx context.Context, provider, op string, retry bool, timeout time.Duration, fn func(ctx context.Context, s objectstore.Store) error) error {
	s, err := g.store(provider)
	if err != nil {
		return err
	}
	attempts := 1
	if retry {
		attempts = g.attempts
	}
	for i := 0; ; i++ {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err = fn(opCtx, s)
		cancel()
		g.metrics.StorageOp(provider, op, time.Since(start).Seconds(), err)
		if err == nil {
			return nil
		}
		if i+1 >= attempts || !objectstore.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		wait := g.backoff << i
		log.Warnf("[storage] %s %s 暂时失败，%v 后重试 (%d/%d): %v", provider, op, wait, i+1, attempts, err)
		select {
		case <-ctx.Done():
			return translateStorageErr(fmt.Errorf("%w: %v", objectstore.ErrUnavailable, ctx.Err()))
		case <-time.After(wait):
		}
	}
	return translateStorageErr(err)
}

// putBytes 写入内存中的一段字节，每次重试都从头读取。
func (g *StorageGateway) putBytes(ctx context.Context, provider, key string, b []byte, contentType string) error {
	return g.do(ctx, provider, "put", true, func(ctx context.Context, s objectstore.Store) error {
		return s.Put(ctx, key, bytes.NewReader(b), int64(len(b)), contentType)
	})
}

func (g *StorageGateway) stat(ctx context.Context, provider, key string) (objectstore.ObjectInfo, error) {
	var info objectstore.ObjectInfo
	err := g.do(ctx, provider, "stat", true, func(ctx context.Context, s objectstore.Store) error {
		var err error
		info, err = s.Stat(ctx, key)
		return err
	})
	return info, err
}

// checksum 读取整个对象计算 SHA-256，size 用于放宽超时。
func (g *StorageGateway) checksum(ctx context.Context, provider, key string, size int64) (string, int64, error) {
	var (
		sum string
		n   int64
	)
	err := g.doTimeout(ctx, provider, "checksum", true, g.sizedTimeout(size), func(ctx context.Context, s objectstore.Store) error {
		var err error
		sum, n, err = objectstore.Checksum(ctx, s, key)
		return err
	})
	return sum, n, err
}

func (g *StorageGateway) compose(ctx context.Context, provider, dst string, srcs []string, partSize, total int64, contentType string) error {
	return g.doTimeout(ctx, provider, "compose", true, g.sizedTimeout(total), func(ctx context.Context, s objectstore.Store) error {
		return objectstore.Compose(ctx, s, dst, srcs, partSize, total, contentType)
	})
}

func (g *StorageGateway) copy(ctx context.Context, provider, src, dst string, size int64) error {
	return g.doTimeout(ctx, provider, "copy", true, g.sizedTimeout(size), func(ctx context.Context, s objectstore.Store) error {
		_, err := objectstore.CopyObject(ctx, s, src, dst)
		return err
	})
}

func (g *StorageGateway) signedURL(ctx context.Context, provider, key string, opts objectstore.SignOptions) (string, error) {
	var u string
	err := g.do(ctx, provider, "sign", false, func(ctx context.Context, s objectstore.Store) error {
		var err error
		u, err = s.SignedURL(ctx, key, opts)
		return err
	})
	return u, err
}

// remove 尽力删除对象，失败时发布 object.purge 事件交给后台重试。
func (g *StorageGateway) remove(ctx context.Context, userID uint, provider, key string) {
	err := g.do(ctx, provider, "delete", true, func(ctx context.Context, s objectstore.Store) error {
		return s.Delete(ctx, key)
	})
	if err == nil {
		return
	}
	log.Warnf("[storage] 删除对象失败，转为延迟清理: provider=%s key=%s err=%v", provider, key, err)
	publish(ctx, g.publisher, events.Event{
		Type:            events.ObjectPurge,
		UserID:          userID,
		StorageKey:      key,
		StorageProvider: provider,
	})
}

// translateStorageErr 将对象存储错误映射为服务层错误分类。
func translateStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, objectstore.ErrNotFound):
		return fmt.Errorf("%w: %w", apperr.ErrNotFound, err)
	case errors.Is(err, objectstore.ErrPermissionDenied):
		return fmt.Errorf("%w: %w", apperr.ErrPermissionDenied, err)
	case errors.Is(err, objectstore.ErrUnavailable):
		return fmt.Errorf("%w: %w", apperr.ErrStorageUnavailable, err)
	default:
		return err
	}
}

// publish 发布事件，失败只记录日志。
func publish(ctx context.Context, p events.Publisher, evs ...events.Event) {
	if p == nil || len(evs) == 0 {
		return
	}
	now := time.Now()
	for i := range evs {
		if evs[i].OccurredAt.IsZero() {
			evs[i].OccurredAt = now
		}
	}
	if err := p.Publish(ctx, evs...); err != nil {
		log.Errorf("发布事件失败 (%d 条, 首条类型 %s): %v", len(evs), evs[0].Type, err)
	}
}

// newStorageKey 生成全局唯一且不含文件名的对象 key。
func newStorageKey(userID uint, now time.Time) string {
	return fmt.Sprintf("users/%d/%04d/%02d/%s", userID, now.Year(), int(now.Month()), uuid.NewString())
}

func chunkKey(uploadID string, index int) string {
	return fmt.Sprintf("uploads/%s/chunks/%d", uploadID, index)
}

// readExactly 读取恰好 n 字节，多或少都视为校验错误。
func readExactly(r io.Reader, n int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, n+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read chunk body: %v", apperr.ErrValidation, err)
	}
	if int64(len(b)) != n {
		return nil, fmt.Errorf("%w: chunk has %d bytes, expected %d", apperr.ErrValidation, len(b), n)
	}
	return b, nil
}

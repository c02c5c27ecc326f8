// Package objectstore 提供统一的对象存储适配层。
//
// 所有操作都以不透明的存储 key 为索引，从不使用文件名，因此重命名不需要移动数据。
// 各后端只在 SignedURL 与 Put 的实现上不同；上层代码与后端无关。
// 适配层本身从不重试，重试策略由调用方决定。
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrUnavailable 后端不可达，可重试。
	ErrUnavailable = errors.New("objectstore: backend unavailable")
	// ErrNotFound key 不存在，属于逻辑错误，不重试。
	ErrNotFound = errors.New("objectstore: object not found")
	// ErrPermissionDenied 凭证或配置错误，致命，直接返回调用方。
	ErrPermissionDenied = errors.New("objectstore: permission denied")
	// ErrUnsupported 后端不支持该操作。
	ErrUnsupported = errors.New("objectstore: operation not supported")
)

// Operation 是签名 URL 的用途。
type Operation string

const (
	OpUpload   Operation = "upload"
	OpDownload Operation = "download"
	OpPreview  Operation = "preview"
)

// SignOptions 描述签名 URL 的参数。
type SignOptions struct {
	Operation     Operation
	ExpiresIn     time.Duration
	ContentType   string
	ContentLength int64
	// FileName 用于下载时的 Content-Disposition。
	FileName string
}

// ObjectInfo 是对象的元信息。
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Store 是所有后端都实现的最小契约。
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	SignedURL(ctx context.Context, key string, opts SignOptions) (string, error)
}

// Copier 由支持服务端复制的后端实现。
type Copier interface {
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// Composer 由支持服务端拼接的后端实现。
type Composer interface {
	Compose(ctx context.Context, dstKey string, srcKeys []string, contentType string) error
	// MinComposePartSize 是除最后一段外每段的最小字节数。
	MinComposePartSize() int64
}

// Pinger 由可以做健康检查的后端实现。
type Pinger interface {
	Ping(ctx context.Context) error
}

// SupportsCopy 判断后端是否支持服务端复制。
func SupportsCopy(s Store) bool {
	_, ok := s.(Copier)
	return ok
}

// CopyObject 复制对象。后端支持服务端复制时直接使用，否则完整读出再写入。
// 返回值 serverSide 表示是否走了服务端复制。
func CopyObject(ctx context.Context, s Store, srcKey, dstKey string) (serverSide bool, err error) {
	if c, ok := s.(Copier); ok {
		return true, c.Copy(ctx, srcKey, dstKey)
	}
	info, err := s.Stat(ctx, srcKey)
	if err != nil {
		return false, err
	}
	rc, err := s.Get(ctx, srcKey)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	return false, s.Put(ctx, dstKey, rc, info.Size, info.ContentType)
}

// Compose 将 srcKeys 依次拼接为 dstKey。partSize 是除最后一段外每段的长度，
// 满足后端要求时使用服务端拼接，否则流式拼接后写入。
func Compose(ctx context.Context, s Store, dstKey string, srcKeys []string, partSize, totalSize int64, contentType string) error {
	if len(srcKeys) == 0 {
		return fmt.Errorf("objectstore: compose %s: no sources", dstKey)
	}
	if len(srcKeys) == 1 {
		if _, err := CopyObject(ctx, s, srcKeys[0], dstKey); err != nil {
			return err
		}
		return nil
	}
	if c, ok := s.(Composer); ok && partSize >= c.MinComposePartSize() {
		return c.Compose(ctx, dstKey, srcKeys, contentType)
	}

	pr, pw := io.Pipe()
	go func() {
		for _, key := range srcKeys {
			rc, err := s.Get(ctx, key)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	err := s.Put(ctx, dstKey, pr, totalSize, contentType)
	// 确保写入失败时读取协程退出
	pr.CloseWithError(err)
	return err
}

// Checksum 流式读取对象并计算 SHA-256，返回十六进制摘要与实际字节数。
func Checksum(ctx context.Context, s Store, key string) (string, int64, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	h := sha256.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return "", n, classifyReadError(err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumBytes 计算一段字节的 SHA-256 十六进制摘要。
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func classifyReadError(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrPermissionDenied) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: read: %v", ErrUnavailable, err)
}

// IsRetryable 判断错误是否是可重试的后端暂时故障。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

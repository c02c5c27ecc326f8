package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"vault-drive-go/internal/config"
	"vault-drive-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// minioMinPartSize 是 ComposeObject 要求的最小分段（除最后一段外）。
const minioMinPartSize = 5 * 1024 * 1024

// MinIO 是基于 minio-go 的后端。
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIO(ctx context.Context, cfg config.MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	m := &MinIO{client: client, bucket: cfg.BucketName}
	if cfg.SkipBucketCheck {
		return m, nil
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", classifyMinIO(err))
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", classifyMinIO(err))
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	}
	return m, nil
}

// Put 上传对象，size 为 -1 时由客户端分段上传。
func (m *MinIO) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return classifyMinIO(err)
}

// Get 返回对象读取流。minio 的 GetObject 是惰性的，这里先 Stat 以便尽早发现 key 不存在。
func (m *MinIO) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinIO(err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyMinIO(err)
	}
	return obj, nil
}

// Delete 删除对象。
func (m *MinIO) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err = classifyMinIO(err); errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Exists 判断对象是否存在。
func (m *MinIO) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat 返回对象元信息。
func (m *MinIO) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classifyMinIO(err)
	}
	return ObjectInfo{Key: key, Size: info.Size, ContentType: info.ContentType}, nil
}

// SignedURL 生成预签名 URL。
func (m *MinIO) SignedURL(ctx context.Context, key string, opts SignOptions) (string, error) {
	var (
		u   *url.URL
		err error
	)
	switch opts.Operation {
	case OpUpload:
		u, err = m.client.PresignedPutObject(ctx, m.bucket, key, opts.ExpiresIn)
	case OpDownload, OpPreview:
		params := url.Values{}
		disposition := "inline"
		if opts.Operation == OpDownload {
			disposition = "attachment"
		}
		if opts.FileName != "" {
			disposition += fmt.Sprintf("; filename=%q", opts.FileName)
		}
		params.Set("response-content-disposition", disposition)
		if opts.ContentType != "" {
			params.Set("response-content-type", opts.ContentType)
		}
		u, err = m.client.PresignedGetObject(ctx, m.bucket, key, opts.ExpiresIn, params)
	default:
		return "", fmt.Errorf("%w: sign operation %q", ErrUnsupported, opts.Operation)
	}
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", classifyMinIO(err)
	}
	return u.String(), nil
}

// Copy 使用 CopyObject 做服务端复制。
func (m *MinIO) Copy(ctx context.Context, srcKey, dstKey string) error {
	src := minio.CopySrcOptions{Bucket: m.bucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: m.bucket, Object: dstKey}
	_, err := m.client.CopyObject(ctx, dst, src)
	return classifyMinIO(err)
}

// Compose 使用 ComposeObject 合并分片。
func (m *MinIO) Compose(ctx context.Context, dstKey string, srcKeys []string, contentType string) error {
	srcs := make([]minio.CopySrcOptions, 0, len(srcKeys))
	for _, k := range srcKeys {
		srcs = append(srcs, minio.CopySrcOptions{Bucket: m.bucket, Object: k})
	}
	dst := minio.CopyDestOptions{
		Bucket:          m.bucket,
		Object:          dstKey,
		ReplaceMetadata: contentType != "",
	}
	if contentType != "" {
		dst.UserMetadata = map[string]string{"Content-Type": contentType}
	}
	_, err := m.client.ComposeObject(ctx, dst, srcs...)
	return classifyMinIO(err)
}

// MinComposePartSize implements Composer.
func (m *MinIO) MinComposePartSize() int64 { return minioMinPartSize }

// Ping 检查存储桶可访问。
func (m *MinIO) Ping(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return classifyMinIO(err)
	}
	if !ok {
		return fmt.Errorf("%w: bucket %s missing", ErrNotFound, m.bucket)
	}
	return nil
}

func classifyMinIO(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case resp.StatusCode == 0 || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

var (
	_ Store    = (*MinIO)(nil)
	_ Copier   = (*MinIO)(nil)
	_ Composer = (*MinIO)(nil)
	_ Pinger   = (*MinIO)(nil)
)

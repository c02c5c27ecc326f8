package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"
	"vault-drive-go/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3MinPartSize 是 UploadPartCopy 要求的最小分段（除最后一段外）。
const s3MinPartSize = 5 * 1024 * 1024

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
)

// S3 是基于 aws-sdk-go-v2 的后端，可用于 AWS S3 以及 S3 兼容服务。
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3 创建 S3 客户端。只加载配置，不访问网络。
func NewS3(ctx context.Context, cfg config.S3Config) (*S3, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrPermissionDenied, err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// 流式 body 无法预先计算校验和
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &S3{
		client:  client,
		presign: newS3PresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Put 上传对象。body 不可 Seek 时使用 UNSIGNED-PAYLOAD，此时 size 必须已知。
func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	var optFns []func(*s3.Options)
	if _, seekable := r.(io.Seeker); !seekable {
		if size < 0 {
			return fmt.Errorf("objectstore: s3 put %s: unknown size for streaming body", key)
		}
		optFns = append(optFns, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	}
	_, err := s.client.PutObject(ctx, in, optFns...)
	return classifyS3(err)
}

// Get 返回对象读取流。
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3(err)
	}
	return out.Body, nil
}

// Delete 删除对象，S3 本身对不存在的 key 返回成功。
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err = classifyS3(err); errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Exists 判断对象是否存在。
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat 使用 HeadObject 读取元信息。
func (s *S3) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, classifyS3(err)
	}
	return ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// SignedURL 生成预签名 URL，不访问网络。
func (s *S3) SignedURL(ctx context.Context, key string, opts SignOptions) (string, error) {
	expires := s3.WithPresignExpires(opts.ExpiresIn)
	switch opts.Operation {
	case OpUpload:
		in := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}
		if opts.ContentType != "" {
			in.ContentType = aws.String(opts.ContentType)
		}
		if opts.ContentLength > 0 {
			in.ContentLength = aws.Int64(opts.ContentLength)
		}
		req, err := s.presign.PresignPutObject(ctx, in, expires)
		if err != nil {
			return "", classifyS3(err)
		}
		return req.URL, nil
	case OpDownload, OpPreview:
		in := &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}
		disposition := "inline"
		if opts.Operation == OpDownload {
			disposition = "attachment"
		}
		if opts.FileName != "" {
			disposition += fmt.Sprintf("; filename=%q", opts.FileName)
		}
		in.ResponseContentDisposition = aws.String(disposition)
		if opts.ContentType != "" {
			in.ResponseContentType = aws.String(opts.ContentType)
		}
		req, err := s.presign.PresignGetObject(ctx, in, expires)
		if err != nil {
			return "", classifyS3(err)
		}
		return req.URL, nil
	default:
		return "", fmt.Errorf("%w: sign operation %q", ErrUnsupported, opts.Operation)
	}
}

func (s *S3) copySource(key string) string {
	return url.PathEscape(s.bucket) + "/" + url.PathEscape(key)
}

// Copy 使用 CopyObject 做服务端复制。
func (s *S3) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(s.copySource(srcKey)),
	})
	return classifyS3(err)
}

// Compose 通过分段上传 + UploadPartCopy 在服务端拼接，失败时中止分段上传。
func (s *S3) Compose(ctx context.Context, dstKey string, srcKeys []string, contentType string) error {
	create := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(dstKey),
	}
	if contentType != "" {
		create.ContentType = aws.String(contentType)
	}
	mpu, err := s.client.CreateMultipartUpload(ctx, create)
	if err != nil {
		return classifyS3(err)
	}

	parts := make([]types.CompletedPart, 0, len(srcKeys))
	for i, src := range srcKeys {
		partNumber := int32(i + 1)
		out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dstKey),
			UploadId:   mpu.UploadId,
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(s.copySource(src)),
		})
		if err != nil {
			s.abortMultipart(dstKey, mpu.UploadId)
			return classifyS3(err)
		}
		part := types.CompletedPart{PartNumber: aws.Int32(partNumber)}
		if out.CopyPartResult != nil {
			part.ETag = out.CopyPartResult.ETag
		}
		parts = append(parts, part)
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(dstKey),
		UploadId:        mpu.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abortMultipart(dstKey, mpu.UploadId)
		return classifyS3(err)
	}
	return nil
}

func (s *S3) abortMultipart(key string, uploadID *string) {
	// 调用方的 ctx 可能已经取消
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

// MinComposePartSize implements Composer.
func (s *S3) MinComposePartSize() int64 { return s3MinPartSize }

// Ping 检查存储桶可访问。
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return classifyS3(err)
}

func classifyS3(err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	// 非 API 错误：网络、超时、取消
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

var (
	_ Store    = (*S3)(nil)
	_ Copier   = (*S3)(nil)
	_ Composer = (*S3)(nil)
	_ Pinger   = (*S3)(nil)
)

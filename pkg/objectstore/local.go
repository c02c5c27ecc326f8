package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// URLSigner 为本地后端生成指向本服务 blob 端点的签名令牌。
type URLSigner interface {
	SignBlob(key string, op Operation, contentType string, contentLength int64, expiresIn time.Duration) (string, error)
}

// Local 是基于 afero 文件系统的后端。生产中使用 OS 文件系统，测试中使用内存文件系统。
type Local struct {
	fs      afero.Fs
	root    string
	baseURL string
	signer  URLSigner
}

// LocalOptions 配置本地后端。
type LocalOptions struct {
	Fs      afero.Fs
	RootDir string
	// BaseURL 是 blob 端点前缀，例如 http://host:8081/api/v1/blobs
	BaseURL string
	Signer  URLSigner
}

// NewLocal 创建本地后端，Fs 为空时使用 OS 文件系统。
func NewLocal(opts LocalOptions) (*Local, error) {
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	root := opts.RootDir
	if root == "" {
		root = "/"
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root %s: %v", ErrPermissionDenied, root, err)
	}
	return &Local{
		fs:      fsys,
		root:    root,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		signer:  opts.Signer,
	}, nil
}

func (l *Local) pathFor(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("objectstore: invalid key %q", key)
	}
	clean := path.Clean(key)
	if clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("objectstore: invalid key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

// Put 先写入临时文件再重命名，避免读者看到写了一半的对象。
func (l *Local) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	p, err := l.pathFor(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := l.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return l.classify(err)
	}
	tmp := p + ".tmp-" + uuid.NewString()
	f, err := l.fs.Create(tmp)
	if err != nil {
		return l.classify(err)
	}
	n, copyErr := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && size >= 0 && n != size {
		copyErr = fmt.Errorf("objectstore: put %s: wrote %d bytes, expected %d", key, n, size)
	}
	if copyErr != nil {
		_ = l.fs.Remove(tmp)
		if errors.Is(copyErr, context.Canceled) || errors.Is(copyErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrUnavailable, copyErr)
		}
		return copyErr
	}
	return l.classify(l.fs.Rename(tmp, p))
}

// Get 打开对象。
func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := l.pathFor(key)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.Open(p)
	if err != nil {
		return nil, l.classify(err)
	}
	return f, nil
}

// Delete 删除对象，key 不存在时不报错。
func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.pathFor(key)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) && !os.IsNotExist(err) {
		return l.classify(err)
	}
	return nil
}

// Exists 判断对象是否存在。
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := l.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat 返回对象大小，内容类型由扩展名推断。
func (l *Local) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	p, err := l.pathFor(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := l.fs.Stat(p)
	if err != nil {
		return ObjectInfo{}, l.classify(err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, key)
	}
	return ObjectInfo{Key: key, Size: fi.Size(), ContentType: mime.TypeByExtension(path.Ext(key))}, nil
}

// SignedURL 生成指向本服务 blob 端点的链接，授权信息编码在令牌中。
func (l *Local) SignedURL(ctx context.Context, key string, opts SignOptions) (string, error) {
	if l.signer == nil || l.baseURL == "" {
		return "", fmt.Errorf("%w: local signed urls are not configured", ErrUnsupported)
	}
	if _, err := l.pathFor(key); err != nil {
		return "", err
	}
	token, err := l.signer.SignBlob(key, opts.Operation, opts.ContentType, opts.ContentLength, opts.ExpiresIn)
	if err != nil {
		return "", err
	}
	u := l.baseURL + "/" + url.PathEscape(token)
	if opts.FileName != "" && opts.Operation == OpDownload {
		u += "?filename=" + url.QueryEscape(opts.FileName)
	}
	return u, nil
}

// Copy 在同一文件系统内复制对象。
func (l *Local) Copy(ctx context.Context, srcKey, dstKey string) error {
	info, err := l.Stat(ctx, srcKey)
	if err != nil {
		return err
	}
	rc, err := l.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	return l.Put(ctx, dstKey, rc, info.Size, info.ContentType)
}

// Compose 顺序追加各个分片。本地文件没有最小分段限制。
func (l *Local) Compose(ctx context.Context, dstKey string, srcKeys []string, contentType string) error {
	readers := make([]io.Reader, 0, len(srcKeys))
	closers := make([]io.Closer, 0, len(srcKeys))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, k := range srcKeys {
		rc, err := l.Get(ctx, k)
		if err != nil {
			return err
		}
		readers = append(readers, rc)
		closers = append(closers, rc)
	}
	return l.Put(ctx, dstKey, io.MultiReader(readers...), -1, contentType)
}

// MinComposePartSize implements Composer.
func (l *Local) MinComposePartSize() int64 { return 0 }

// Ping 检查根目录可访问。
func (l *Local) Ping(ctx context.Context) error {
	if _, err := l.fs.Stat(l.root); err != nil {
		return l.classify(err)
	}
	return nil
}

func (l *Local) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission) || os.IsPermission(err):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var (
	_ Store    = (*Local)(nil)
	_ Copier   = (*Local)(nil)
	_ Composer = (*Local)(nil)
	_ Pinger   = (*Local)(nil)
)

// Package testutil 为各包测试提供真实依赖的轻量实现：
// SQLite 上的 gorm、miniredis 和内存文件系统上的本地对象存储。
package testutil

import (
	"path/filepath"
	"testing"
	"vault-drive-go/pkg/database"
	"vault-drive-go/pkg/objectstore"
	"vault-drive-go/pkg/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BlobBaseURL 是测试中本地后端签名链接的前缀。
const BlobBaseURL = "http://vault.test/api/v1/blobs"

// NewDB 在临时目录中创建 SQLite 数据库并迁移全部表。
// 只开放一个连接，事务与普通查询串行执行。
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "vault.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// NewRedis 启动 miniredis 并返回连接它的客户端。
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// NewJWT 返回测试用的 JWT 管理器。
func NewJWT() *token.JWTManager {
	return token.NewJWTManager("test-secret", 1)
}

// NewLocalStore 返回基于内存文件系统的本地后端以及底层 Fs，签名链接使用 jwt。
func NewLocalStore(t *testing.T, jwt *token.JWTManager) (*objectstore.Local, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := objectstore.NewLocal(objectstore.LocalOptions{
		Fs:      fs,
		RootDir: "/objects",
		BaseURL: BlobBaseURL,
		Signer:  jwt,
	})
	require.NoError(t, err)
	return store, fs
}

// NewRegistry 返回只注册了 "local" 后端的注册表。
func NewRegistry(t *testing.T) (*objectstore.Registry, *objectstore.Local, *token.JWTManager) {
	t.Helper()
	jwt := NewJWT()
	store, _ := NewLocalStore(t, jwt)
	reg := objectstore.NewRegistry("local", nil)
	reg.Register("local", store)
	return reg, store, jwt
}

package database

import (
	"context"
	"time"
	"vault-drive-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// RDB 保存上传会话、分片位图和清理任务的重试计数。
var RDB *redis.Client

// InitRedis 连接 Redis，失败时直接退出进程。
func InitRedis(addr, password string, db int) {
	RDB = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatal("连接 Redis 失败", err)
	}
	log.Infof("Redis 已连接: %s db=%d", addr, db)
}

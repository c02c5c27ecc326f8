package service

import (
	"context"
	"time"
	"vault-drive-go/pkg/log"
)

// Sweeper 按固定间隔清理过期的上传会话。
type Sweeper struct {
	uploads  UploadService
	interval time.Duration
}

// NewSweeper 创建一个 Sweeper，interval 不为正时使用 5 分钟。
func NewSweeper(uploads UploadService, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{uploads: uploads, interval: interval}
}

// Run 阻塞运行直到 ctx 结束，返回前等待后台清理完成。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.uploads.Wait()

	log.Infof("[Sweep] 过期会话清理已启动，间隔 %v", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("[Sweep] 过期会话清理已停止")
			return
		case now := <-ticker.C:
			s.RunOnce(ctx, now)
		}
	}
}

// RunOnce 执行一轮清理，返回转为 expired 的会话数。分批扫描在 SweepExpired 内完成。
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) int {
	n, err := s.uploads.SweepExpired(ctx, now)
	if err != nil {
		log.Errorf("[Sweep] 清理过期会话失败: %v", err)
	}
	return n
}

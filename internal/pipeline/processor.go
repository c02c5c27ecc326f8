// Package pipeline 定义了事件消费端的处理流程。
package pipeline

import (
	"context"
	"fmt"
	"time"
	"vault-drive-go/pkg/events"
	"vault-drive-go/pkg/log"
	"vault-drive-go/pkg/objectstore"
)

// Processor 消费存储核心发布的事件。目前只有 object.purge 需要动作：
// 同步删除失败的对象在这里重试，重试次数由 kafka 包在 Redis 中计数。
type Processor struct {
	registry *objectstore.Registry
	timeout  time.Duration
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(registry *objectstore.Registry, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Processor{registry: registry, timeout: timeout}
}

// Handle 实现 kafka.EventHandler。
func (p *Processor) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.ObjectPurge:
		return p.purge(ctx, ev)
	default:
		log.Infof("[Processor] 收到事件 %s (user=%d resource=%d)", ev.Type, ev.UserID, ev.ResourceID)
		return nil
	}
}

func (p *Processor) purge(ctx context.Context, ev events.Event) error {
	if ev.StorageKey == "" || ev.StorageProvider == "" {
		log.Warnf("[Processor] object.purge 事件缺少 key 或 provider，忽略: %+v", ev)
		return nil
	}
	store, err := p.registry.Get(ev.StorageProvider)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := store.Delete(ctx, ev.StorageKey); err != nil {
		return fmt.Errorf("删除对象 %s/%s 失败: %w", ev.StorageProvider, ev.StorageKey, err)
	}
	log.Infof("[Processor] 已清理对象 %s/%s", ev.StorageProvider, ev.StorageKey)
	return nil
}

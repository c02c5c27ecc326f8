// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"vault-drive-go/internal/config"
	"vault-drive-go/pkg/events"
	"vault-drive-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是一条消息处理失败后提交 offset 放弃重试前的最大尝试次数。
const maxAttempts = 3

// EventHandler 处理一条事件，使消费者与具体的 pipeline 实现解耦。
type EventHandler interface {
	Handle(ctx context.Context, ev events.Event) error
}

// Producer 将事件写入 Kafka，实现 events.Publisher。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg.Brokers)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{w: w}
}

// Publish 发送事件到 Kafka，以 Event.Key 作为消息 key。
func (p *Producer) Publish(ctx context.Context, evs ...events.Event) error {
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now()
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.Key()), Value: b})
	}
	return p.w.WriteMessages(ctx, msgs...)
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.w.Close()
}

// StartConsumer 启动一个 Kafka 消费者处理事件，直到 ctx 结束。
// 失败的消息不提交 offset，让 Kafka 重新投递；Redis 中的计数达到上限后提交并放弃。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, rdb *redis.Client, handler EventHandler) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)
		if HandleMessage(ctx, rdb, handler, m.Value) {
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

// HandleMessage 处理一条消息体，返回是否应该提交 offset。
func HandleMessage(ctx context.Context, rdb *redis.Client, handler EventHandler, value []byte) bool {
	var ev events.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", ev.Key())
	if err := handler.Handle(ctx, ev); err != nil {
		log.Errorf("处理事件失败: type=%s key=%s, Error: %v", ev.Type, ev.Key(), err)
		attempts, incErr := rdb.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return false
		}
		_ = rdb.Expire(ctx, attemptsKey, 24*time.Hour).Err()
		if attempts >= maxAttempts {
			log.Errorf("事件多次失败(>=%d)，提交 offset 终止重试: key=%s", maxAttempts, ev.Key())
			_ = rdb.Del(ctx, attemptsKey).Err()
			return true
		}
		return false
	}

	_ = rdb.Del(ctx, attemptsKey).Err()
	return true
}

func brokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

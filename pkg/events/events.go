// Package events 定义了存储核心对外发布的事件。
package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Type 是事件类型。
type Type string

const (
	FileCompleted Type = "file.completed"
	FileTrashed   Type = "file.trashed"
	FileRestored  Type = "file.restored"
	FileDeleted   Type = "file.deleted"
	FolderTrashed Type = "folder.trashed"
	FolderDeleted Type = "folder.deleted"
	// ObjectPurge 请求删除一个对象，用于同步删除失败后的延迟清理。
	ObjectPurge Type = "object.purge"
)

// Event 是发送到 Kafka 的消息体。
type Event struct {
	Type            Type      `json:"type"`
	UserID          uint      `json:"userId"`
	ResourceID      uint      `json:"resourceId,omitempty"`
	StorageKey      string    `json:"storageKey,omitempty"`
	StorageProvider string    `json:"storageProvider,omitempty"`
	Size            int64     `json:"size,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Key 是消息 key，同一资源的事件落在同一分区。
func (e Event) Key() string {
	if e.Type == ObjectPurge {
		return fmt.Sprintf("%s:%s:%s", e.Type, e.StorageProvider, e.StorageKey)
	}
	return fmt.Sprintf("%s:%d", e.Type, e.ResourceID)
}

// Publisher 发布事件。发布失败由调用方记录日志，不影响业务操作。
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
}

// Nop 丢弃所有事件，Kafka 未启用时使用。
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(ctx context.Context, evs ...Event) error { return nil }

// Recorder 在内存中记录事件，供测试断言。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType 返回指定类型的事件。
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

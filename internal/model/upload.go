package model

import "time"

// UploadStrategy 决定客户端如何上传字节。
type UploadStrategy string

const (
	// StrategyDirect 客户端通过一次签名 URL 上传整个文件。
	StrategyDirect UploadStrategy = "direct"
	// StrategyChunked 客户端按索引分片上传，可乱序、可并发。
	StrategyChunked UploadStrategy = "chunked"
)

// SessionState 是上传会话状态机：
// created → receiving → finalizing → completed，created/receiving 可转入 aborted 或 expired；
// 完成流程已失效的 finalizing 会话也可被终止或过期。
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionReceiving  SessionState = "receiving"
	SessionFinalizing SessionState = "finalizing"
	SessionCompleted  SessionState = "completed"
	SessionAborted    SessionState = "aborted"
	SessionExpired    SessionState = "expired"
)

// Live 表示会话仍可接收分片或被终止。
func (s SessionState) Live() bool {
	return s == SessionCreated || s == SessionReceiving
}

// UploadSession 是协调单次上传的临时记录，保存在 Redis 中，不超过其 TTL。
// 已接收的分片索引集合单独以位图保存，不在此结构中。
type UploadSession struct {
	UploadID    string         `json:"uploadId"`
	UserID      uint           `json:"userId"`
	FileID      uint           `json:"fileId"`
	Size        int64          `json:"size"`
	ChunkSize   int64          `json:"chunkSize"`
	TotalChunks int            `json:"totalChunks"`
	Strategy    UploadStrategy `json:"strategy"`
	// StorageKey / StorageProvider 是合并后最终对象的位置。
	StorageKey      string `json:"storageKey"`
	StorageProvider string `json:"storageProvider"`
	FileName        string `json:"fileName"`
	MimeType        string `json:"mimeType"`
	// Target 是"每个目标文件只允许一个活动会话"的锁定对象，
	// 新文件为 file:<id>，替换已有文件（新版本）为 chain:<id>。
	Target string `json:"target"`
	// ExpectedChecksum 是客户端声明的 SHA-256（十六进制），可为空。
	ExpectedChecksum string `json:"expectedChecksum,omitempty"`
	// ReservedBytes 是开启会话时预占的配额。
	ReservedBytes int64     `json:"reservedBytes"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`

	// 以下字段以 Redis 中的状态键为准，读取时覆盖。
	State    SessionState `json:"state"`
	Checksum string       `json:"checksum,omitempty"`
	// StateChangedAt 是最近一次状态转换的时间。
	StateChangedAt time.Time `json:"stateChangedAt,omitempty"`
}

// IsComplete reports whether the session reached the completed state.
func (s *UploadSession) IsComplete() bool {
	return s.State == SessionCompleted
}

// ChunkLength 返回第 index 个分片应有的字节数。
func (s *UploadSession) ChunkLength(index int) int64 {
	if index < 0 || index >= s.TotalChunks {
		return 0
	}
	if index == s.TotalChunks-1 {
		return s.Size - int64(s.TotalChunks-1)*s.ChunkSize
	}
	return s.ChunkSize
}

// TotalChunksFor 计算 ceil(size / chunkSize)。
func TotalChunksFor(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

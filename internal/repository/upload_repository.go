// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// sessionGrace 是会话过期后 Redis 键继续保留的时间，留给清理任务处理。
const sessionGrace = 24 * time.Hour

const expiryIndexKey = "upload:expiry"

// UploadRepository 接口定义了上传会话在 Redis 中的持久化操作。
// 会话状态转换都由 Lua 脚本完成，保证并发请求下的条件更新语义。
type UploadRepository interface {
	// Create 保存新会话并占用 Target；Target 已有活动会话时返回 ErrConflict。
	Create(ctx context.Context, s *model.UploadSession) error
	Get(ctx context.Context, uploadID string) (*model.UploadSession, error)
	// Holder 返回当前占用 target 的会话 ID，没有时返回空串。
	Holder(ctx context.Context, target string) (string, error)

	IsChunkReceived(ctx context.Context, uploadID string, index int) (bool, error)
	// MarkChunk 记录分片已接收；duplicate 表示该索引之前已经记录过。
	MarkChunk(ctx context.Context, s *model.UploadSession, index int) (duplicate bool, err error)
	ReceivedChunks(ctx context.Context, uploadID string, totalChunks int) ([]int, error)
	ReceivedCount(ctx context.Context, uploadID string) (int, error)

	// Transition 在当前状态属于 from 时转换为 to，返回转换前的状态。
	Transition(ctx context.Context, uploadID string, from []model.SessionState, to model.SessionState) (model.SessionState, error)
	// Finish 将会话转入终态，释放 Target 并移出过期索引，状态在 retention 内仍可查询。
	Finish(ctx context.Context, s *model.UploadSession, from []model.SessionState, to model.SessionState, checksum string, retention time.Duration) (model.SessionState, error)
	// DueForExpiry 按过期时间顺序返回 ExpiresAt 不晚于 now 的会话 ID，跳过前 offset 个。
	DueForExpiry(ctx context.Context, now time.Time, offset, limit int64) ([]string, error)
	// Remove 删除会话的全部键。
	Remove(ctx context.Context, s *model.UploadSession) error
}

// uploadRepository 是 UploadRepository 接口的 Redis 实现。
type uploadRepository struct {
	redisClient *redis.Client
}

// NewUploadRepository 创建一个新的 UploadRepository 实例。
func NewUploadRepository(redisClient *redis.Client) UploadRepository {
	return &uploadRepository{redisClient: redisClient}
}

func sessionKey(id string) string { return "upload:session:" + id }
func stateKey(id string) string   { return "upload:state:" + id }
func chunksKey(id string) string  { return "upload:chunks:" + id }
func targetKey(t string) string   { return "upload:target:" + t }

// createScript 占用 target：已有持有者且其状态仍活动时失败。
var createScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder and holder ~= ARGV[1] then
  local st = redis.call('HGET', ARGV[3] .. holder, 'state')
  if st == 'created' or st == 'receiving' or st == 'finalizing' then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var markChunkScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then
  return {-1, ''}
end
if st ~= 'created' and st ~= 'receiving' then
  return {-2, st}
end
local old = redis.call('SETBIT', KEYS[2], ARGV[1], 1)
redis.call('PEXPIRE', KEYS[2], ARGV[2])
if st == 'created' then
  redis.call('HSET', KEYS[1], 'state', 'receiving')
  st = 'receiving'
end
return {old, st}
`)

// transitionScript ARGV: from, to, now ms
var transitionScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then
  return {-1, ''}
end
for f in string.gmatch(ARGV[1], '[^,]+') do
  if st == f then
    redis.call('HSET', KEYS[1], 'state', ARGV[2], 'changed_at', ARGV[3])
    return {1, st}
  end
end
return {0, st}
`)

// finishScript KEYS: state, session, chunks, expiry index, target
// ARGV: from, to, checksum, retention ms, upload id, now ms
var finishScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then
  return {-1, ''}
end
local ok = false
for f in string.gmatch(ARGV[1], '[^,]+') do
  if st == f then ok = true end
end
if not ok then
  return {0, st}
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'checksum', ARGV[3], 'changed_at', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('DEL', KEYS[3])
redis.call('ZREM', KEYS[4], ARGV[5])
if redis.call('GET', KEYS[5]) == ARGV[5] then
  redis.call('DEL', KEYS[5])
end
return {1, st}
`)

// ttlFor 返回会话相关键的过期时间：会话过期后再保留 sessionGrace。
func ttlFor(s *model.UploadSession) time.Duration {
	ttl := time.Until(s.ExpiresAt) + sessionGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Create 保存会话。Target 被占用时不会写入任何键。
func (r *uploadRepository) Create(ctx context.Context, s *model.UploadSession) error {
	if s.State == "" {
		s.State = model.SessionCreated
	}
	ttl := ttlFor(s)
	if s.Target != "" {
		ok, err := createScript.Run(ctx, r.redisClient, []string{targetKey(s.Target)},
			s.UploadID, ttl.Milliseconds(), "upload:state:").Int()
		if err != nil {
			return err
		}
		if ok == 0 {
			return fmt.Errorf("%w: %s already has an active upload session", apperr.ErrConflict, s.Target)
		}
	}

	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.UploadID), b, ttl)
		pipe.HSet(ctx, stateKey(s.UploadID), "state", string(s.State), "checksum", "", "changed_at", s.CreatedAt.UnixMilli())
		pipe.Expire(ctx, stateKey(s.UploadID), ttl)
		pipe.ZAdd(ctx, expiryIndexKey, &redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.UploadID})
		return nil
	})
	if err != nil && s.Target != "" {
		r.redisClient.Del(ctx, targetKey(s.Target))
	}
	return err
}

// Get 读取会话及其当前状态。
func (r *uploadRepository) Get(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	b, err := r.redisClient.Get(ctx, sessionKey(uploadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: upload session %s", apperr.ErrNotFound, uploadID)
		}
		return nil, err
	}
	var s model.UploadSession
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("解析上传会话 %s 失败: %w", uploadID, err)
	}
	fields, err := r.redisClient.HGetAll(ctx, stateKey(uploadID)).Result()
	if err != nil {
		return nil, err
	}
	if st, ok := fields["state"]; ok {
		s.State = model.SessionState(st)
	}
	s.Checksum = fields["checksum"]
	if ms, err := strconv.ParseInt(fields["changed_at"], 10, 64); err == nil && ms > 0 {
		s.StateChangedAt = time.UnixMilli(ms)
	}
	return &s, nil
}

// Holder 返回占用 target 的会话 ID。
func (r *uploadRepository) Holder(ctx context.Context, target string) (string, error) {
	id, err := r.redisClient.Get(ctx, targetKey(target)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// IsChunkReceived 检查位图中对应的位。
func (r *uploadRepository) IsChunkReceived(ctx context.Context, uploadID string, index int) (bool, error) {
	val, err := r.redisClient.GetBit(ctx, chunksKey(uploadID), int64(index)).Result()
	if err != nil {
		// 键不存在时 GETBIT 返回 0 而不是错误
		return false, err
	}
	return val == 1, nil
}

// MarkChunk 原子地设置分片位并将 created 推进为 receiving。
func (r *uploadRepository) MarkChunk(ctx context.Context, s *model.UploadSession, index int) (bool, error) {
	res, err := markChunkScript.Run(ctx, r.redisClient,
		[]string{stateKey(s.UploadID), chunksKey(s.UploadID)},
		index, ttlFor(s).Milliseconds()).Slice()
	if err != nil {
		return false, err
	}
	code, state := scriptResult(res)
	switch code {
	case -1:
		return false, fmt.Errorf("%w: upload session %s", apperr.ErrNotFound, s.UploadID)
	case -2:
		return false, stateConflict(s.UploadID, model.SessionState(state))
	}
	s.State = model.SessionState(state)
	return code == 1, nil
}

// ReceivedChunks 从 Redis 位图中解析已接收的分片索引。
func (r *uploadRepository) ReceivedChunks(ctx context.Context, uploadID string, totalChunks int) ([]int, error) {
	if totalChunks == 0 {
		return []int{}, nil
	}
	bitmap, err := r.redisClient.Get(ctx, chunksKey(uploadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []int{}, nil
		}
		return nil, err
	}

	received := make([]int, 0)
	for i := 0; i < totalChunks; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			received = append(received, i)
		}
	}
	return received, nil
}

// ReceivedCount 统计已接收分片数。
func (r *uploadRepository) ReceivedCount(ctx context.Context, uploadID string) (int, error) {
	n, err := r.redisClient.BitCount(ctx, chunksKey(uploadID), nil).Result()
	return int(n), err
}

// Transition 条件状态转换。
func (r *uploadRepository) Transition(ctx context.Context, uploadID string, from []model.SessionState, to model.SessionState) (model.SessionState, error) {
	res, err := transitionScript.Run(ctx, r.redisClient, []string{stateKey(uploadID)},
		joinStates(from), string(to), time.Now().UnixMilli()).Slice()
	if err != nil {
		return "", err
	}
	code, prev := scriptResult(res)
	switch code {
	case -1:
		return "", fmt.Errorf("%w: upload session %s", apperr.ErrNotFound, uploadID)
	case 0:
		return model.SessionState(prev), stateConflict(uploadID, model.SessionState(prev))
	}
	return model.SessionState(prev), nil
}

// Finish 进入终态。
func (r *uploadRepository) Finish(ctx context.Context, s *model.UploadSession, from []model.SessionState, to model.SessionState, checksum string, retention time.Duration) (model.SessionState, error) {
	if retention < time.Second {
		retention = time.Second
	}
	res, err := finishScript.Run(ctx, r.redisClient,
		[]string{stateKey(s.UploadID), sessionKey(s.UploadID), chunksKey(s.UploadID), expiryIndexKey, targetKey(s.Target)},
		joinStates(from), string(to), checksum, retention.Milliseconds(), s.UploadID, time.Now().UnixMilli()).Slice()
	if err != nil {
		return "", err
	}
	code, prev := scriptResult(res)
	switch code {
	case -1:
		return "", fmt.Errorf("%w: upload session %s", apperr.ErrNotFound, s.UploadID)
	case 0:
		return model.SessionState(prev), stateConflict(s.UploadID, model.SessionState(prev))
	}
	s.State = to
	s.Checksum = checksum
	return model.SessionState(prev), nil
}

// DueForExpiry 从过期索引中取出到期的会话，分数为毫秒时间戳。
func (r *uploadRepository) DueForExpiry(ctx context.Context, now time.Time, offset, limit int64) ([]string, error) {
	return r.redisClient.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: offset,
		Count:  limit,
	}).Result()
}

// Remove 删除会话的全部键并释放 Target。
func (r *uploadRepository) Remove(ctx context.Context, s *model.UploadSession) error {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(s.UploadID), stateKey(s.UploadID), chunksKey(s.UploadID))
		pipe.ZRem(ctx, expiryIndexKey, s.UploadID)
		return nil
	})
	if err != nil {
		return err
	}
	if s.Target == "" {
		return nil
	}
	holder, err := r.Holder(ctx, s.Target)
	if err != nil {
		return err
	}
	if holder == s.UploadID {
		return r.redisClient.Del(ctx, targetKey(s.Target)).Err()
	}
	return nil
}

func joinStates(states []model.SessionState) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func scriptResult(res []interface{}) (int64, string) {
	if len(res) != 2 {
		return -1, ""
	}
	code, _ := res[0].(int64)
	state, _ := res[1].(string)
	return code, state
}

func stateConflict(uploadID string, state model.SessionState) error {
	switch state {
	case model.SessionExpired:
		return fmt.Errorf("%w: upload session %s", apperr.ErrSessionExpired, uploadID)
	default:
		return fmt.Errorf("%w: upload session %s is %s", apperr.ErrConflict, uploadID, state)
	}
}

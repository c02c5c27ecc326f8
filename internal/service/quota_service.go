package service

import (
	"context"
	"errors"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/config"
	"vault-drive-go/internal/model"
	"vault-drive-go/internal/repository"
	"vault-drive-go/pkg/log"
	"vault-drive-go/pkg/metrics"
)

// Usage 是调用方的配额与用量快照。
type Usage struct {
	Quota     int64 `json:"quota"`
	Used      int64 `json:"used"`
	Reserved  int64 `json:"reserved"`
	Unlimited bool  `json:"unlimited"`
}

// QuotaService 接口定义了配额计算与准入。
type QuotaService interface {
	QuotaFor(ctx context.Context, caller model.Caller) (int64, error)
	UsageFor(ctx context.Context, caller model.Caller) (*Usage, error)
	CanAdmit(ctx context.Context, caller model.Caller, n int64) (bool, error)
	// Reserve 原子地检查并预占 n 字节。
	Reserve(ctx context.Context, caller model.Caller, n int64) error
	Release(ctx context.Context, userID uint, n int64) error
	SetOverride(ctx context.Context, userID uint, quota *int64) error
	// Recalculate 扫描文件表重建用量，仅用于审计修复。
	Recalculate(ctx context.Context, userID uint) (*model.StorageAccount, error)
}

type quotaService struct {
	accounts repository.AccountRepository
	cfg      config.QuotaConfig
	metrics  *metrics.Metrics
}

// NewQuotaService 创建一个新的 QuotaService 实例。
func NewQuotaService(accounts repository.AccountRepository, cfg config.QuotaConfig, m *metrics.Metrics) QuotaService {
	return &quotaService{accounts: accounts, cfg: cfg, metrics: m}
}

// QuotaFor 依次取账户覆盖值、身份系统给出的配额、订阅等级配置。
func (s *quotaService) QuotaFor(ctx context.Context, caller model.Caller) (int64, error) {
	acc, err := s.accounts.Get(ctx, caller.UserID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return 0, err
	}
	if acc != nil && acc.QuotaOverride != nil {
		return normalizeQuota(*acc.QuotaOverride), nil
	}
	if caller.QuotaBytes != nil {
		return normalizeQuota(*caller.QuotaBytes), nil
	}
	return s.tierQuota(caller.Tier), nil
}

func (s *quotaService) tierQuota(tier string) int64 {
	if q, ok := s.cfg.Tiers[tier]; ok {
		return normalizeQuota(q)
	}
	if q, ok := s.cfg.Tiers[s.cfg.DefaultTier]; ok {
		return normalizeQuota(q)
	}
	return 0
}

// normalizeQuota 将负数（配置中的 -1）视为不限。
func normalizeQuota(q int64) int64 {
	if q < 0 {
		return model.UnlimitedQuota
	}
	return q
}

// UsageFor 读取增量维护的用量。
func (s *quotaService) UsageFor(ctx context.Context, caller model.Caller) (*Usage, error) {
	quota, err := s.QuotaFor(ctx, caller)
	if err != nil {
		return nil, err
	}
	u := &Usage{Quota: quota, Unlimited: quota == model.UnlimitedQuota}
	acc, err := s.accounts.Get(ctx, caller.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return u, nil
	}
	if err != nil {
		return nil, err
	}
	u.Used = acc.UsedBytes
	u.Reserved = acc.ReservedBytes
	return u, nil
}

// CanAdmit 判断 used + reserved + n <= quota。结果只是提示，准入以 Reserve 为准。
func (s *quotaService) CanAdmit(ctx context.Context, caller model.Caller, n int64) (bool, error) {
	u, err := s.UsageFor(ctx, caller)
	if err != nil {
		return false, err
	}
	if n < 0 {
		return false, nil
	}
	if u.Unlimited {
		return true, nil
	}
	return n <= u.Quota-u.Used-u.Reserved, nil
}

// Reserve 预占 n 字节，账户不存在时先创建。
func (s *quotaService) Reserve(ctx context.Context, caller model.Caller, n int64) error {
	if _, err := s.accounts.Ensure(ctx, caller.UserID, caller.Tier); err != nil {
		return err
	}
	quota, err := s.QuotaFor(ctx, caller)
	if err != nil {
		return err
	}
	if err := s.accounts.Reserve(ctx, caller.UserID, n, quota); err != nil {
		if errors.Is(err, apperr.ErrQuotaExceeded) {
			s.metrics.QuotaRejected()
			log.Infof("[Quota] 用户 %d 配额不足，申请 %d 字节，配额 %d", caller.UserID, n, quota)
		}
		return err
	}
	return nil
}

// Release 归还预占。
func (s *quotaService) Release(ctx context.Context, userID uint, n int64) error {
	if n <= 0 {
		return nil
	}
	return s.accounts.Release(ctx, userID, n)
}

// SetOverride 设置或清除配额覆盖值。
func (s *quotaService) SetOverride(ctx context.Context, userID uint, quota *int64) error {
	if _, err := s.accounts.Ensure(ctx, userID, ""); err != nil {
		return err
	}
	return s.accounts.SetOverride(ctx, userID, quota)
}

// Recalculate 重新统计用量并写回。
func (s *quotaService) Recalculate(ctx context.Context, userID uint) (*model.StorageAccount, error) {
	acc, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.accounts.SumCountedBytes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sum != acc.UsedBytes {
		log.Warnf("[Quota] 用户 %d 用量漂移：记录 %d，实际 %d，已修复", userID, acc.UsedBytes, sum)
		if err := s.accounts.SetUsed(ctx, userID, sum); err != nil {
			return nil, err
		}
	}
	return s.accounts.Get(ctx, userID)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"vault-drive-go/internal/apperr"
	"vault-drive-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRepository 维护每个用户的字节用量与预占量。
// 所有写操作都是存储层的原子条件更新，不在应用层读改写。
type AccountRepository interface {
	Ensure(ctx context.Context, userID uint, tier string) (*model.StorageAccount, error)
	Get(ctx context.Context, userID uint) (*model.StorageAccount, error)
	// Reserve 在 used+reserved+n <= quota 时预占 n 字节，否则返回 ErrQuotaExceeded。
	Reserve(ctx context.Context, userID uint, n, quota int64) error
	// Release 归还预占，结果不会小于 0。
	Release(ctx context.Context, userID uint, n int64) error
	SetOverride(ctx context.Context, userID uint, quota *int64) error
	// SumCountedBytes 扫描该用户未进入回收站的已完成文件，仅用于审计修复。
	SumCountedBytes(ctx context.Context, userID uint) (int64, error)
	SetUsed(ctx context.Context, userID uint, used int64) error
}

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository 创建一个新的 AccountRepository 实例。
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

// Ensure 在账户不存在时创建，并发调用安全。
func (r *accountRepository) Ensure(ctx context.Context, userID uint, tier string) (*model.StorageAccount, error) {
	acc := model.StorageAccount{UserID: userID, Tier: tier}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&acc).Error; err != nil {
		return nil, err
	}
	if tier != "" {
		if err := r.db.WithContext(ctx).Model(&model.StorageAccount{}).
			Where("user_id = ? AND tier <> ?", userID, tier).
			Update("tier", tier).Error; err != nil {
			return nil, err
		}
	}
	return r.Get(ctx, userID)
}

// Get 读取账户。
func (r *accountRepository) Get(ctx context.Context, userID uint) (*model.StorageAccount, error) {
	var acc model.StorageAccount
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&acc).Error; err != nil {
		return nil, notFound(err, "storage account %d", userID)
	}
	return &acc, nil
}

// Reserve 条件更新，影响行数为 0 即表示配额不足。
func (r *accountRepository) Reserve(ctx context.Context, userID uint, n, quota int64) error {
	return reserveBytes(r.db.WithContext(ctx), userID, n, quota)
}

// Release 归还预占。
func (r *accountRepository) Release(ctx context.Context, userID uint, n int64) error {
	return adjustAccount(r.db.WithContext(ctx), userID, 0, -n)
}

// SetOverride 设置或清除配额覆盖值。
func (r *accountRepository) SetOverride(ctx context.Context, userID uint, quota *int64) error {
	if _, err := r.Get(ctx, userID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.StorageAccount{}).
		Where("user_id = ?", userID).
		Update("quota_override", quota).Error
}

// SumCountedBytes 统计用户所有版本中计入用量的字节数。
func (r *accountRepository) SumCountedBytes(ctx context.Context, userID uint) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.File{}).
		Select("COALESCE(SUM(size), 0)").
		Where("owner_id = ? AND processing_status = ? AND is_trashed = ?", userID, model.StatusCompleted, false).
		Scan(&total).Error
	return total, err
}

// SetUsed 直接写入用量，仅由修复工具使用。
func (r *accountRepository) SetUsed(ctx context.Context, userID uint, used int64) error {
	return r.db.WithContext(ctx).Model(&model.StorageAccount{}).
		Where("user_id = ?", userID).
		Update("used_bytes", used).Error
}

// reserveBytes 预占 n 字节。quota 为 UnlimitedQuota 时同样走条件更新，保证账户存在。
func reserveBytes(tx *gorm.DB, userID uint, n, quota int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative reservation", apperr.ErrValidation)
	}
	if quota < n {
		return fmt.Errorf("%w: %d bytes requested, quota %d", apperr.ErrQuotaExceeded, n, quota)
	}
	res := tx.Model(&model.StorageAccount{}).
		Where("user_id = ? AND used_bytes + reserved_bytes <= ?", userID, quota-n).
		Update("reserved_bytes", gorm.Expr("reserved_bytes + ?", n))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d bytes requested", apperr.ErrQuotaExceeded, n)
	}
	return nil
}

// chargeUsed 在配额允许时直接增加用量（恢复、复制、新版本）。
func chargeUsed(tx *gorm.DB, userID uint, n, quota int64) error {
	if n <= 0 {
		return nil
	}
	if quota < n {
		return fmt.Errorf("%w: %d bytes requested, quota %d", apperr.ErrQuotaExceeded, n, quota)
	}
	res := tx.Model(&model.StorageAccount{}).
		Where("user_id = ? AND used_bytes + reserved_bytes <= ?", userID, quota-n).
		Update("used_bytes", gorm.Expr("used_bytes + ?", n))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d bytes requested", apperr.ErrQuotaExceeded, n)
	}
	return nil
}

// adjustAccount 原子地调整用量与预占，两者都不会低于 0。
func adjustAccount(tx *gorm.DB, userID uint, usedDelta, reservedDelta int64) error {
	if usedDelta == 0 && reservedDelta == 0 {
		return nil
	}
	updates := map[string]interface{}{}
	if usedDelta != 0 {
		updates["used_bytes"] = clampedAdd("used_bytes", usedDelta)
	}
	if reservedDelta != 0 {
		updates["reserved_bytes"] = clampedAdd("reserved_bytes", reservedDelta)
	}
	return tx.Model(&model.StorageAccount{}).Where("user_id = ?", userID).Updates(updates).Error
}

func clampedAdd(column string, delta int64) clause.Expr {
	if delta >= 0 {
		return gorm.Expr(column+" + ?", delta)
	}
	return gorm.Expr("CASE WHEN "+column+" >= ? THEN "+column+" - ? ELSE 0 END", -delta, -delta)
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: "+format, append([]interface{}{apperr.ErrNotFound}, args...)...)
	}
	return err
}
